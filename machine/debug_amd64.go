package machine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/kvmctl/kvm"
	"golang.org/x/arch/x86/x86asm"
)

// ErrBadRegister indicates a bad register was used.
var (
	ErrBadRegister = errors.New("bad register")
	ErrBadArg      = errors.New("bad arg count")
	ErrNotMem      = errors.New("operand is not a memory reference")
)

// GetReg returns a pointer to the field of r holding reg. Only the 64-bit
// general purpose registers and RIP are supported.
func GetReg(r *kvm.Regs, reg x86asm.Reg) (*uint64, error) {
	switch reg {
	case x86asm.RAX:
		return &r.RAX, nil
	case x86asm.RBX:
		return &r.RBX, nil
	case x86asm.RCX:
		return &r.RCX, nil
	case x86asm.RDX:
		return &r.RDX, nil
	case x86asm.RSI:
		return &r.RSI, nil
	case x86asm.RDI:
		return &r.RDI, nil
	case x86asm.RSP:
		return &r.RSP, nil
	case x86asm.RBP:
		return &r.RBP, nil
	case x86asm.R8:
		return &r.R8, nil
	case x86asm.R9:
		return &r.R9, nil
	case x86asm.R10:
		return &r.R10, nil
	case x86asm.R11:
		return &r.R11, nil
	case x86asm.R12:
		return &r.R12, nil
	case x86asm.R13:
		return &r.R13, nil
	case x86asm.R14:
		return &r.R14, nil
	case x86asm.R15:
		return &r.R15, nil
	case x86asm.RIP:
		return &r.RIP, nil
	}

	return nil, fmt.Errorf("%v:%w", reg, ErrBadRegister)
}

// Pointer returns the address referenced by memory operand arg of inst.
func Pointer(inst *x86asm.Inst, r *kvm.Regs, arg int) (uintptr, error) {
	if arg < 0 || arg >= len(inst.Args) {
		return 0, fmt.Errorf("arg %d:%w", arg, ErrBadArg)
	}

	// The general form is Segment:[Base+Scale*Index+Disp].
	mem, ok := inst.Args[arg].(x86asm.Mem)
	if !ok {
		return 0, fmt.Errorf("%v:%w", inst.Args[arg], ErrNotMem)
	}

	var addr uint64

	if mem.Base != 0 {
		b, err := GetReg(r, mem.Base)
		if err != nil {
			return 0, fmt.Errorf("base reg %v in %v:%w", mem.Base, mem, err)
		}

		addr = *b
	}

	addr += uint64(mem.Disp)

	if x, err := GetReg(r, mem.Index); err == nil {
		addr += uint64(mem.Scale) * (*x)
	}

	return uintptr(addr), nil
}

// Pop pops the stack and returns what was at TOS.
// It is most often used to get the caller PC (cpc).
func (m *Machine) Pop(cpu int, r *kvm.Regs) (uint64, error) {
	cpc, err := m.ReadWord(cpu, uintptr(r.RSP))
	if err != nil {
		return 0, err
	}

	r.RSP += 8

	return cpc, nil
}

// Inst retrieves an instruction from the guest, at RIP.
// It returns an x86asm.Inst, the registers, a string in GNU syntax, and
// and error.
func (m *Machine) Inst(cpu int) (*x86asm.Inst, *kvm.Regs, string, error) {
	r, err := m.GetRegs(cpu)
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst:Getregs:%w", err)
	}

	d, err := m.decode(cpu, r.RIP)
	if err != nil {
		return nil, nil, "", err
	}

	return d, r, x86asm.GNUSyntax(*d, r.RIP, nil), nil
}

func (m *Machine) decode(cpu int, pc uint64) (*x86asm.Inst, error) {
	// We know the PC; grab a bunch of bytes there, then decode and print
	insn := make([]byte, 16)
	if _, err := m.ReadBytes(cpu, insn, uintptr(pc)); err != nil {
		return nil, fmt.Errorf("reading PC at #%x:%w", pc, err)
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return nil, fmt.Errorf("decoding %#02x:%w", insn, err)
	}

	return &d, nil
}

// Trace describes the instruction cpu is stopped at after a debug exit.
// Calls carry the caller's registers, returns where they go.
func (m *Machine) Trace(cpu int) (string, error) {
	vcpu, err := m.CPUToVCPU(cpu)
	if err != nil {
		return "", err
	}

	dbg, err := vcpu.RunState().Debug()
	if err != nil {
		return "", err
	}

	d, err := m.decode(cpu, dbg.PC)
	if err != nil {
		return "", err
	}

	line := fmt.Sprintf("%#x:%s", dbg.PC, Asm(d, dbg.PC))

	switch d.Op {
	case x86asm.CALL:
		r, err := m.GetRegs(cpu)
		if err != nil {
			return "", err
		}

		line += " " + CallInfo(d, r)
	case x86asm.RET:
		r, err := m.GetRegs(cpu)
		if err != nil {
			return "", err
		}

		to, err := m.Pop(cpu, r)
		if err != nil {
			return "", err
		}

		line += fmt.Sprintf(" to %#x", to)
	}

	return line, nil
}

// Asm returns a string for the given instruction at the given pc.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}

// CallInfo provides calling info for a function.
func CallInfo(inst *x86asm.Inst, r *kvm.Regs) string {
	l := fmt.Sprintf("%s[", show("", r))
	for _, a := range inst.Args {
		if a == nil {
			break
		}

		l += fmt.Sprintf("%v,", a)
	}

	l += fmt.Sprintf("](%#x, %#x, %#x, %#x)", r.RCX, r.RDX, r.R8, r.R9)

	return l
}

func show(prefix string, r *kvm.Regs) string {
	return fmt.Sprintf("%srip %#x rsp %#x rflags %#x rax %#x rbx %#x rcx %#x rdx %#x ",
		prefix, r.RIP, r.RSP, r.RFLAGS, r.RAX, r.RBX, r.RCX, r.RDX)
}

// WriteWord writes the given word into the guest's virtual address space.
func (m *Machine) WriteWord(cpu int, vaddr uintptr, word uint64) error {
	pa, err := m.VtoP(cpu, vaddr)
	if err != nil {
		return err
	}

	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], word)
	_, err = m.WriteAt(b[:], pa)

	return err
}

// ReadBytes reads bytes from the CPUs virtual address space.
func (m *Machine) ReadBytes(cpu int, b []byte, vaddr uintptr) (int, error) {
	pa, err := m.VtoP(cpu, vaddr)
	if err != nil {
		return -1, err
	}

	return m.ReadAt(b, pa)
}

// ReadWord reads the given word from the cpu's virtual address space.
func (m *Machine) ReadWord(cpu int, vaddr uintptr) (uint64, error) {
	var b [8]byte
	if _, err := m.ReadBytes(cpu, b[:], vaddr); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}
