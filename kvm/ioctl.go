package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Bit layout of an ioctl request code, see include/uapi/asm-generic/ioctl.h.
const (
	nrBits   = 8
	typeBits = 8
	sizeBits = 14
	dirBits  = 2

	nrShift   = 0
	typeShift = nrShift + nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits

	nrMask   = (1 << nrBits) - 1
	sizeMask = (1 << sizeBits) - 1
	dirMask  = (1 << dirBits) - 1
)

// Direction is the data transfer direction of an ioctl, seen from userspace.
type Direction uint64

const (
	DirNone  Direction = 0
	DirWrite Direction = 1
	DirRead  Direction = 2
)

// kvmio is the ioctl type tag of every KVM operation.
const kvmio = 0xAE

// KVM operation numbers.
const (
	kvmGetAPIVersion          = 0x00
	kvmCreateVM               = 0x01
	kvmGetMSRIndexList        = 0x02
	kvmCheckExtension         = 0x03
	kvmGetVCPUMMapSize        = 0x04
	kvmGetSupportedCPUID      = 0x05
	kvmGetEmulatedCPUID       = 0x09
	kvmGetMSRFeatureIndexList = 0x0A

	kvmCreateVCPU          = 0x41
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48

	kvmCreateIRQChip = 0x60
	kvmIRQLine       = 0x61
	kvmCreatePIT2    = 0x77

	kvmRun           = 0x80
	kvmGetRegs       = 0x81
	kvmSetRegs       = 0x82
	kvmGetSregs      = 0x83
	kvmSetSregs      = 0x84
	kvmTranslate     = 0x85
	kvmGetMSRs       = 0x88
	kvmSetMSRs       = 0x89
	kvmGetFPU        = 0x8C
	kvmSetFPU        = 0x8D
	kvmSetCPUID2     = 0x90
	kvmGetCPUID2     = 0x91
	kvmSetGuestDebug = 0x9B
	kvmGetDebugRegs  = 0xA1
	kvmSetDebugRegs  = 0xA2
)

// IoctlCode packs direction, struct size and operation number into a KVM
// request code. Sizes wider than 14 bits are truncated exactly like the C
// macros would; callers only pass sizes of kernel structs.
func IoctlCode(dir Direction, nr, size uintptr) uint64 {
	return (uint64(dir)&dirMask)<<dirShift |
		(uint64(size)&sizeMask)<<sizeShift |
		uint64(kvmio)<<typeShift |
		(uint64(nr)&nrMask)<<nrShift
}

// IIO is _IO(KVMIO, nr).
func IIO(nr uintptr) uint64 {
	return IoctlCode(DirNone, nr, 0)
}

// IIOR is _IOR(KVMIO, nr, size).
func IIOR(nr, size uintptr) uint64 {
	return IoctlCode(DirRead, nr, size)
}

// IIOW is _IOW(KVMIO, nr, size).
func IIOW(nr, size uintptr) uint64 {
	return IoctlCode(DirWrite, nr, size)
}

// IIOWR is _IOWR(KVMIO, nr, size).
func IIOWR(nr, size uintptr) uint64 {
	return IoctlCode(DirRead|DirWrite, nr, size)
}

// sysCaller is the seam between the handles and the kernel. The real
// implementation issues system calls; tests substitute a fake device.
type sysCaller interface {
	open(path string) (uintptr, error)
	ioctl(fd uintptr, op uint64, arg uintptr) (uintptr, error)
	ioctlPtr(fd uintptr, op uint64, arg unsafe.Pointer) (uintptr, error)
	mmap(fd uintptr, size int) ([]byte, error)
	munmap(b []byte) error
	close(fd uintptr) error
}

type linuxSys struct{}

func (linuxSys) open(path string) (uintptr, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	return uintptr(fd), nil
}

// ioctl issues the request once and reports the raw result. Interrupted
// calls are returned to the caller as unix.EINTR.
func (linuxSys) ioctl(fd uintptr, op uint64, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(op), arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

func (linuxSys) ioctlPtr(fd uintptr, op uint64, arg unsafe.Pointer) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(op), uintptr(arg))
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

func (linuxSys) mmap(fd uintptr, size int) ([]byte, error) {
	return unix.Mmap(int(fd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (linuxSys) munmap(b []byte) error {
	return unix.Munmap(b)
}

func (linuxSys) close(fd uintptr) error {
	return unix.Close(int(fd))
}

// handle is an exclusively owned KVM file descriptor.
type handle struct {
	fd       uintptr
	sys      sysCaller
	released bool
}

func newHandle(sys sysCaller, fd uintptr) *handle {
	return &handle{fd: fd, sys: sys}
}

func (h *handle) ioctl(op uint64, arg uintptr) (uintptr, error) {
	if h.released {
		panic(ErrHandleReleased)
	}

	return h.sys.ioctl(h.fd, op, arg)
}

// ioctlPtr passes a pointer argument. The pointee must not move or be
// freed before the call returns.
func (h *handle) ioctlPtr(op uint64, p unsafe.Pointer) (uintptr, error) {
	if h.released {
		panic(ErrHandleReleased)
	}

	return h.sys.ioctlPtr(h.fd, op, p)
}

func (h *handle) release() error {
	if h.released {
		panic(ErrHandleReleased)
	}

	h.released = true

	return h.sys.close(h.fd)
}
