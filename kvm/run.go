package kvm

import (
	"fmt"
	"unsafe"
)

// RunData is the fixed head of struct kvm_run, the region shared with the
// kernel through the vcpu mapping.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
	KVMValidRegs               uint64
	KVMDirtyRegs               uint64
	S                          [2048]uint8
}

// IOExit is the port I/O member of the exit union.
type IOExit struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// MMIOExit is the memory mapped I/O member of the exit union.
type MMIOExit struct {
	PhysAddr uint64
	Data     [8]uint8
	Len      uint32
	IsWrite  uint8
	_        [3]uint8
}

// DebugExit is the x86 debug member of the exit union.
type DebugExit struct {
	Exception uint32
	_         uint32
	PC        uint64
	DR6       uint64
	DR7       uint64
}

// FailEntry is reported when the hardware refused to enter the guest.
type FailEntry struct {
	HardwareEntryFailureReason uint64
	CPU                        uint32
	_                          uint32
}

// InternalError is reported when KVM could not handle an exit itself.
type InternalError struct {
	Suberror uint32
	NData    uint32
	Data     [16]uint64
}

// IOAccess is a decoded port I/O exit. Data aliases the vcpu mapping: the
// guest's bytes for an out, and the place to stage the reply for an in.
type IOAccess struct {
	Direction uint8
	Size      uint8
	Port      uint16
	Count     uint32
	Data      []byte
}

// RunState is a view over one vcpu's shared region. It is valid between a
// return from Run and the next call to Run.
type RunState struct {
	mem []byte
}

func newRunState(mem []byte) (*RunState, error) {
	if need := int(unsafe.Sizeof(RunData{})); len(mem) < need {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrRunStateSize, len(mem), need)
	}

	return &RunState{mem: mem}, nil
}

func (r *RunState) data() *RunData {
	return (*RunData)(unsafe.Pointer(&r.mem[0]))
}

func (r *RunState) union() unsafe.Pointer {
	return unsafe.Pointer(&r.data().Data[0])
}

func (r *RunState) expect(want ExitType) error {
	if got := r.ExitReason(); got != want {
		return fmt.Errorf("%w: %s, want %s", ErrUnexpectedExitReason, got, want)
	}

	return nil
}

// ExitReason is why the last Run returned.
func (r *RunState) ExitReason() ExitType {
	return ExitType(r.data().ExitReason)
}

// ImmediateExit reports whether SetImmediateExit(true) is in effect.
func (r *RunState) ImmediateExit() bool {
	return r.data().ImmediateExit != 0
}

// SetImmediateExit makes the next Run return with EINTR before entering
// the guest. It is the one field another thread may write.
func (r *RunState) SetImmediateExit(on bool) {
	var v uint8
	if on {
		v = 1
	}

	r.data().ImmediateExit = v
}

// IO decodes an EXITIO. The data window is checked against the mapping.
func (r *RunState) IO() (IOAccess, error) {
	if err := r.expect(EXITIO); err != nil {
		return IOAccess{}, err
	}

	io := (*IOExit)(r.union())

	n := uint64(io.Size) * uint64(io.Count)
	end := uint64(len(r.mem))

	if io.DataOffset > end || n > end-io.DataOffset {
		return IOAccess{}, fmt.Errorf("%w: offset %#x length %d in %d bytes",
			ErrRunStateBounds, io.DataOffset, n, end)
	}

	lo, hi := io.DataOffset, io.DataOffset+n

	return IOAccess{
		Direction: io.Direction,
		Size:      io.Size,
		Port:      io.Port,
		Count:     io.Count,
		Data:      r.mem[lo:hi:hi],
	}, nil
}

// MMIO decodes an EXITMMIO. For reads, fill in Data[:Len] before the next Run.
func (r *RunState) MMIO() (*MMIOExit, error) {
	if err := r.expect(EXITMMIO); err != nil {
		return nil, err
	}

	m := (*MMIOExit)(r.union())
	if m.Len > uint32(len(m.Data)) {
		return nil, fmt.Errorf("%w: mmio length %d", ErrRunStateBounds, m.Len)
	}

	return m, nil
}

// Debug decodes an EXITDEBUG.
func (r *RunState) Debug() (DebugExit, error) {
	if err := r.expect(EXITDEBUG); err != nil {
		return DebugExit{}, err
	}

	return *(*DebugExit)(r.union()), nil
}

// FailEntry decodes an EXITFAILENTRY.
func (r *RunState) FailEntry() (FailEntry, error) {
	if err := r.expect(EXITFAILENTRY); err != nil {
		return FailEntry{}, err
	}

	return *(*FailEntry)(r.union()), nil
}

// InternalError decodes an EXITINTERNALERROR.
func (r *RunState) InternalError() (InternalError, error) {
	if err := r.expect(EXITINTERNALERROR); err != nil {
		return InternalError{}, err
	}

	return *(*InternalError)(r.union()), nil
}
