// Package snapshot captures the architectural state of vCPUs and writes it,
// with guest memory, to a framed stream.
package snapshot

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/bobuhiro11/kvmctl/kvm"
)

var ErrShortState = errors.New("state buffer too small")

// MSREntry is an index/value pair for a model-specific register.
type MSREntry struct {
	Index uint32
	Data  uint64
}

// VCPUState holds the architectural state of a single vCPU.
// Binary KVM structs are stored as raw byte slices to keep their exact
// in-memory layout (including padding).
type VCPUState struct {
	ID        int
	Regs      []byte     // kvm.Regs
	Sregs     []byte     // kvm.Sregs
	FPU       []byte     // kvm.FPU
	DebugRegs []byte     // kvm.DebugRegs
	MSRs      []MSREntry // model-specific registers
	CPUID     []kvm.CPUIDEntry2
}

// Snapshot is the state of a stopped guest. Guest memory travels
// separately as a raw byte stream.
type Snapshot struct {
	NCPUs      int
	MemSize    int
	VCPUStates []VCPUState
}

// VCPU is the subset of *kvm.VCPU needed to capture and restore it.
type VCPU interface {
	ID() int
	GetRegs() (kvm.Regs, error)
	SetRegs(kvm.Regs) error
	GetSregs() (kvm.Sregs, error)
	SetSregs(kvm.Sregs) error
	GetFPU() (kvm.FPU, error)
	SetFPU(kvm.FPU) error
	GetDebugRegs() (kvm.DebugRegs, error)
	SetDebugRegs(kvm.DebugRegs) error
	GetMSRs(indices []uint32) ([]kvm.MSREntry, error)
	SetMSRs(entries []kvm.MSREntry) (int, error)
	GetCPUID2() ([]kvm.CPUIDEntry2, error)
	SetCPUID2(entries []kvm.CPUIDEntry2) error
}

var _ VCPU = (*kvm.VCPU)(nil)

// structBytes returns a copy of the memory of v.
func structBytes[T any](v *T) []byte {
	b := unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
	c := make([]byte, len(b))
	copy(c, b)

	return c
}

// copyStruct fills *dst from a byte slice produced by structBytes.
func copyStruct[T any](dst *T, b []byte) error {
	size := int(unsafe.Sizeof(*dst))
	if len(b) < size {
		return fmt.Errorf("%w: got %d want %d", ErrShortState, len(b), size)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), size), b[:size])

	return nil
}

// Capture reads the state of cpu. msrs names the MSRs to save, usually
// System.MSRIndexList.
func Capture(cpu VCPU, msrs []uint32) (*VCPUState, error) {
	id := cpu.ID()
	state := &VCPUState{ID: id}

	regs, err := cpu.GetRegs()
	if err != nil {
		return nil, fmt.Errorf("GetRegs cpu%d: %w", id, err)
	}

	state.Regs = structBytes(&regs)

	sregs, err := cpu.GetSregs()
	if err != nil {
		return nil, fmt.Errorf("GetSregs cpu%d: %w", id, err)
	}

	state.Sregs = structBytes(&sregs)

	fpu, err := cpu.GetFPU()
	if err != nil {
		return nil, fmt.Errorf("GetFPU cpu%d: %w", id, err)
	}

	state.FPU = structBytes(&fpu)

	dregs, err := cpu.GetDebugRegs()
	if err != nil {
		return nil, fmt.Errorf("GetDebugRegs cpu%d: %w", id, err)
	}

	state.DebugRegs = structBytes(&dregs)

	if len(msrs) > 0 {
		entries, err := cpu.GetMSRs(msrs)
		if err != nil {
			return nil, fmt.Errorf("GetMSRs cpu%d: %w", id, err)
		}

		state.MSRs = make([]MSREntry, len(entries))
		for i, e := range entries {
			state.MSRs[i] = MSREntry{Index: e.Index, Data: e.Data}
		}
	}

	if state.CPUID, err = cpu.GetCPUID2(); err != nil {
		return nil, fmt.Errorf("GetCPUID2 cpu%d: %w", id, err)
	}

	return state, nil
}

// Restore applies state to cpu. CPUID goes first since KVM checks
// register values against the guest's CPUID.
func Restore(cpu VCPU, state *VCPUState) error {
	id := cpu.ID()

	if len(state.CPUID) > 0 {
		if err := cpu.SetCPUID2(state.CPUID); err != nil {
			return fmt.Errorf("SetCPUID2 cpu%d: %w", id, err)
		}
	}

	var sregs kvm.Sregs
	if err := copyStruct(&sregs, state.Sregs); err != nil {
		return fmt.Errorf("decode Sregs cpu%d: %w", id, err)
	}

	if err := cpu.SetSregs(sregs); err != nil {
		return fmt.Errorf("SetSregs cpu%d: %w", id, err)
	}

	var regs kvm.Regs
	if err := copyStruct(&regs, state.Regs); err != nil {
		return fmt.Errorf("decode Regs cpu%d: %w", id, err)
	}

	if err := cpu.SetRegs(regs); err != nil {
		return fmt.Errorf("SetRegs cpu%d: %w", id, err)
	}

	var fpu kvm.FPU
	if err := copyStruct(&fpu, state.FPU); err != nil {
		return fmt.Errorf("decode FPU cpu%d: %w", id, err)
	}

	if err := cpu.SetFPU(fpu); err != nil {
		return fmt.Errorf("SetFPU cpu%d: %w", id, err)
	}

	var dregs kvm.DebugRegs
	if err := copyStruct(&dregs, state.DebugRegs); err != nil {
		return fmt.Errorf("decode DebugRegs cpu%d: %w", id, err)
	}

	if err := cpu.SetDebugRegs(dregs); err != nil {
		return fmt.Errorf("SetDebugRegs cpu%d: %w", id, err)
	}

	if len(state.MSRs) == 0 {
		return nil
	}

	entries := make([]kvm.MSREntry, len(state.MSRs))
	for i, e := range state.MSRs {
		entries[i] = kvm.MSREntry{Index: e.Index, Data: e.Data}
	}

	n, err := cpu.SetMSRs(entries)
	if err != nil {
		return fmt.Errorf("SetMSRs cpu%d: %w", id, err)
	}

	if n != len(entries) {
		return fmt.Errorf("SetMSRs cpu%d: kernel rejected %#x", id, entries[n].Index)
	}

	return nil
}

// DecodeRegs decodes the saved general purpose registers.
func (s *VCPUState) DecodeRegs() (kvm.Regs, error) {
	var regs kvm.Regs

	return regs, copyStruct(&regs, s.Regs)
}

// DecodeSregs decodes the saved special registers.
func (s *VCPUState) DecodeSregs() (kvm.Sregs, error) {
	var sregs kvm.Sregs

	return sregs, copyStruct(&sregs, s.Sregs)
}
