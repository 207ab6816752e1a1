package kvm

import (
	"fmt"
	"unsafe"
)

// VM owns a virtual machine descriptor. Memory and vcpus hang off it.
type VM struct {
	h            *handle
	runStateSize int
}

// CreateVCPU creates vcpu id and maps its run state region. A VCPU is never
// returned without its mapping.
func (v *VM) CreateVCPU(id int) (*VCPU, error) {
	fd, err := v.h.ioctl(IIO(kvmCreateVCPU), uintptr(id))
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VCPU %d: %w", id, err)
	}

	sys := v.h.sys

	mem, err := sys.mmap(fd, v.runStateSize)
	if err != nil {
		_ = sys.close(fd)

		return nil, fmt.Errorf("mmap vcpu %d run state: %w", id, err)
	}

	run, err := newRunState(mem)
	if err != nil {
		_ = sys.munmap(mem)
		_ = sys.close(fd)

		return nil, fmt.Errorf("vcpu %d: %w", id, err)
	}

	return &VCPU{h: newHandle(sys, fd), id: id, mem: mem, run: run}, nil
}

// SetUserMemoryRegion registers slot as guest physical memory. The host
// memory behind it must stay mapped for the life of the VM.
func (v *VM) SetUserMemoryRegion(slot MemorySlot) error {
	r := RegionFor(slot)

	if _, err := v.h.ioctlPtr(IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(r)), unsafe.Pointer(&r)); err != nil {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION slot %d: %w", r.Slot, err)
	}

	return nil
}

// SetTSSAddr places the three page TSS region Intel hosts need below 4GiB.
func (v *VM) SetTSSAddr(addr uint32) error {
	if _, err := v.h.ioctl(IIO(kvmSetTSSAddr), uintptr(addr)); err != nil {
		return wrap("KVM_SET_TSS_ADDR", err)
	}

	return nil
}

// SetIdentityMapAddr places the one page identity map Intel hosts need for
// real mode.
func (v *VM) SetIdentityMapAddr(addr uint64) error {
	if _, err := v.h.ioctlPtr(IIOW(kvmSetIdentityMapAddr, unsafe.Sizeof(addr)), unsafe.Pointer(&addr)); err != nil {
		return wrap("KVM_SET_IDENTITY_MAP_ADDR", err)
	}

	return nil
}

// Close releases the VM descriptor. The kernel keeps the VM alive until
// every vcpu descriptor is closed too.
func (v *VM) Close() error {
	return v.h.release()
}
