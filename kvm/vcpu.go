package kvm

import "unsafe"

// VCPU owns a vcpu descriptor and its run state mapping. It is not safe for
// concurrent use; drive each VCPU from one locked OS thread.
type VCPU struct {
	h   *handle
	id  int
	mem []byte
	run *RunState
}

// ID is the index the vcpu was created with.
func (c *VCPU) ID() int {
	return c.id
}

// Run enters the guest and blocks until it exits to userspace. On success,
// RunState tells why. Errors, EINTR included, are returned as is.
func (c *VCPU) Run() error {
	if _, err := c.h.ioctl(IIO(kvmRun), 0); err != nil {
		return wrap("KVM_RUN", err)
	}

	return nil
}

// RunState is the view over the shared region. Inspect it after Run and
// before the next Run.
func (c *VCPU) RunState() *RunState {
	return c.run
}

func (c *VCPU) call(op string, code uint64, p unsafe.Pointer) error {
	if _, err := c.h.ioctlPtr(code, p); err != nil {
		return wrap(op, err)
	}

	return nil
}

// GetRegs reads the general purpose registers.
func (c *VCPU) GetRegs() (Regs, error) {
	var regs Regs
	err := c.call("KVM_GET_REGS", IIOR(kvmGetRegs, unsafe.Sizeof(regs)), unsafe.Pointer(&regs))

	return regs, err
}

// SetRegs writes the general purpose registers.
func (c *VCPU) SetRegs(regs Regs) error {
	return c.call("KVM_SET_REGS", IIOW(kvmSetRegs, unsafe.Sizeof(regs)), unsafe.Pointer(&regs))
}

// GetSregs reads the segment and control registers.
func (c *VCPU) GetSregs() (Sregs, error) {
	var sregs Sregs
	err := c.call("KVM_GET_SREGS", IIOR(kvmGetSregs, unsafe.Sizeof(sregs)), unsafe.Pointer(&sregs))

	return sregs, err
}

// SetSregs writes the segment and control registers.
func (c *VCPU) SetSregs(sregs Sregs) error {
	return c.call("KVM_SET_SREGS", IIOW(kvmSetSregs, unsafe.Sizeof(sregs)), unsafe.Pointer(&sregs))
}

// GetFPU reads the x87 and SSE state.
func (c *VCPU) GetFPU() (FPU, error) {
	var fpu FPU
	err := c.call("KVM_GET_FPU", IIOR(kvmGetFPU, unsafe.Sizeof(fpu)), unsafe.Pointer(&fpu))

	return fpu, err
}

// SetFPU writes the x87 and SSE state.
func (c *VCPU) SetFPU(fpu FPU) error {
	return c.call("KVM_SET_FPU", IIOW(kvmSetFPU, unsafe.Sizeof(fpu)), unsafe.Pointer(&fpu))
}

// GetDebugRegs reads DR0-DR3, DR6 and DR7.
func (c *VCPU) GetDebugRegs() (DebugRegs, error) {
	var dregs DebugRegs
	err := c.call("KVM_GET_DEBUGREGS", IIOR(kvmGetDebugRegs, unsafe.Sizeof(dregs)), unsafe.Pointer(&dregs))

	return dregs, err
}

// SetDebugRegs writes DR0-DR3, DR6 and DR7.
func (c *VCPU) SetDebugRegs(dregs DebugRegs) error {
	return c.call("KVM_SET_DEBUGREGS", IIOW(kvmSetDebugRegs, unsafe.Sizeof(dregs)), unsafe.Pointer(&dregs))
}

// SetGuestDebug turns guest debugging on or off. With singleStep every
// instruction ends in an EXITDEBUG.
func (c *VCPU) SetGuestDebug(enable, singleStep bool) error {
	var dbg GuestDebug

	if enable {
		dbg.Control |= GuestDebugEnable
		if singleStep {
			dbg.Control |= GuestDebugSingleStep
		}
	}

	return c.call("KVM_SET_GUEST_DEBUG", IIOW(kvmSetGuestDebug, unsafe.Sizeof(dbg)), unsafe.Pointer(&dbg))
}

// Translate walks the guest page tables for vaddr.
func (c *VCPU) Translate(vaddr uint64) (Translation, error) {
	t := Translation{LinearAddress: vaddr}
	err := c.call("KVM_TRANSLATE", IIOWR(kvmTranslate, unsafe.Sizeof(t)), unsafe.Pointer(&t))

	return t, err
}

// GetCPUID2 reads back the CPUID table set on this vcpu.
func (c *VCPU) GetCPUID2() ([]CPUIDEntry2, error) {
	cpuid := NewCPUID(MaxListEntries)

	if _, err := c.h.ioctlPtr(IIOWR(kvmGetCPUID2, cpuidHeaderSize), cpuid.Pointer()); err != nil {
		return nil, listError("KVM_GET_CPUID2", err, cpuid.Count())
	}

	return boundedEntries("KVM_GET_CPUID2", cpuid)
}

// SetCPUID2 installs the CPUID table the guest sees.
func (c *VCPU) SetCPUID2(entries []CPUIDEntry2) error {
	cpuid := CPUIDFromEntries(entries)

	return c.call("KVM_SET_CPUID2", IIOW(kvmSetCPUID2, cpuidHeaderSize), cpuid.Pointer())
}

// GetMSRs reads the given MSRs. KVM stops at the first one it cannot read,
// so fewer entries than indices may come back.
func (c *VCPU) GetMSRs(indices []uint32) ([]MSREntry, error) {
	msrs := MSRsFromIndices(indices)

	n, err := c.h.ioctlPtr(IIOWR(kvmGetMSRs, msrsHeaderSize), msrs.Pointer())
	if err != nil {
		return nil, wrap("KVM_GET_MSRS", err)
	}

	return readEntries("KVM_GET_MSRS", msrs, int(n))
}

// SetMSRs writes the given MSRs and returns how many KVM accepted. A short
// count is not an error; compare it with len(entries) when it matters.
func (c *VCPU) SetMSRs(entries []MSREntry) (int, error) {
	msrs := MSRsFromEntries(entries)

	n, err := c.h.ioctlPtr(IIOW(kvmSetMSRs, msrsHeaderSize), msrs.Pointer())
	if err != nil {
		return 0, wrap("KVM_SET_MSRS", err)
	}

	return int(n), nil
}

// Close unmaps the run state region and closes the descriptor. Calling it
// twice panics.
func (c *VCPU) Close() error {
	if c.h.released {
		panic(ErrHandleReleased)
	}

	err := c.h.sys.munmap(c.mem)
	c.mem = nil
	c.run = nil

	if cerr := c.h.release(); err == nil {
		err = cerr
	}

	if err != nil {
		return wrap("close vcpu", err)
	}

	return nil
}
