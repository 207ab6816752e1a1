package machine_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bobuhiro11/kvmctl/kvm"
	"github.com/bobuhiro11/kvmctl/machine"
	"golang.org/x/arch/x86/x86asm"
)

func TestGetReg(t *testing.T) {
	t.Parallel()

	r := kvm.Regs{RAX: 1, RSP: 7, R15: 16, RIP: 17}

	for _, test := range []struct {
		name  string
		value x86asm.Reg
		want  uint64
	}{
		{"RAX", x86asm.RAX, 1},
		{"RSP", x86asm.RSP, 7},
		{"R15", x86asm.R15, 16},
		{"RIP", x86asm.RIP, 17},
	} {
		p, err := machine.GetReg(&r, test.value)
		if err != nil || *p != test.want {
			t.Errorf("%s: have %v, want %d", test.name, err, test.want)
		}
	}

	if _, err := machine.GetReg(&r, x86asm.EAX); !errors.Is(err, machine.ErrBadRegister) {
		t.Errorf("EAX: have %v, want %v", err, machine.ErrBadRegister)
	}

	p, _ := machine.GetReg(&r, x86asm.RBX)
	*p = 0x55

	if r.RBX != 0x55 {
		t.Error("GetReg did not return a pointer into Regs")
	}
}

func TestPointer(t *testing.T) {
	t.Parallel()

	// mov rax, [rbx+rcx*8+0x10]
	inst, err := x86asm.Decode([]byte{0x48, 0x8b, 0x44, 0xcb, 0x10}, 64)
	if err != nil {
		t.Fatal(err)
	}

	r := kvm.Regs{RBX: 0x1000, RCX: 2}

	addr, err := machine.Pointer(&inst, &r, 1)
	if err != nil {
		t.Fatal(err)
	}

	if addr != 0x1000+2*8+0x10 {
		t.Errorf("have %#x, want %#x", addr, 0x1000+2*8+0x10)
	}

	if _, err := machine.Pointer(&inst, &r, 0); !errors.Is(err, machine.ErrNotMem) {
		t.Errorf("register operand: have %v, want %v", err, machine.ErrNotMem)
	}

	if _, err := machine.Pointer(&inst, &r, 1024); !errors.Is(err, machine.ErrBadArg) {
		t.Errorf("arg 1024: have %v, want %v", err, machine.ErrBadArg)
	}

	if s := machine.Asm(&inst, 0); s != `"mov 0x10(%rbx,%rcx,8),%rax"` {
		t.Errorf("Asm: have %s", s)
	}

	t.Logf("CallInfo: %s", machine.CallInfo(&inst, &r))
}

func TestDebug(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1, &bytes.Buffer{})

	if err := m.LoadPayload(bytes.NewReader(machine.DemoPayload("a"))); err != nil {
		t.Fatal(err)
	}

	r, err := m.GetRegs(0)
	if err != nil {
		t.Fatalf("GetRegs: got %v, want nil", err)
	}

	r.RSP = 0x80000
	if err := m.SetRegs(0, r); err != nil {
		t.Fatalf("SetRegs: got %v, want nil", err)
	}

	rsp := uintptr(r.RSP)

	if err := m.WriteWord(0, rsp+0x28, 5); err != nil {
		t.Fatalf("WriteWord(0, %#x, 5): %v != nil", rsp+0x28, err)
	}

	if v, err := m.ReadWord(0, rsp+0x28); err != nil || v != 5 {
		t.Fatalf("ReadWord(0, %#x): got (%d, %v), want (5, nil)", rsp+0x28, v, err)
	}

	if _, _, _, err := m.Inst(1024); !errors.Is(err, machine.ErrBadCPU) {
		t.Errorf("m.Inst(1024): got %v, want %v", err, machine.ErrBadCPU)
	}

	inst, _, s, err := m.Inst(0)
	if err != nil {
		t.Fatalf("m.Inst(0): %v", err)
	}

	if inst.Op != x86asm.MOV || s != "mov $0x61,%al" {
		t.Errorf("m.Inst(0): have %v %q", inst.Op, s)
	}

	if err := m.WriteWord(0, rsp, 0xcafe); err != nil {
		t.Fatal(err)
	}

	if v, err := m.Pop(0, r); err != nil || v != 0xcafe || r.RSP != uint64(rsp)+8 {
		t.Errorf("Pop(0, r): got (%#x, %v), RSP %#x", v, err, r.RSP)
	}

	if _, err := m.VtoP(0, 0x400000); !errors.Is(err, machine.ErrBadVA) {
		t.Errorf("VtoP beyond the identity map: have %v, want %v", err, machine.ErrBadVA)
	}
}

func TestTrace(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1, &bytes.Buffer{})

	code := []byte{
		0x90,                         // 0: nop
		0xe8, 0x01, 0x00, 0x00, 0x00, // 1: call 7
		0xf4,                         // 6: hlt
		0xc3,                         // 7: ret
	}
	if err := m.LoadPayload(bytes.NewReader(code)); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Trace(0); !errors.Is(err, kvm.ErrUnexpectedExitReason) {
		t.Errorf("Trace before any debug exit: have %v, want %v", err, kvm.ErrUnexpectedExitReason)
	}

	if err := m.SingleStep(true); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		`0x1:"callq 0x7" `,
		`0x7:"retq" to 0x6`,
		`0x6:"hlt"`,
	} {
		if _, err := m.RunOnce(0); !errors.Is(err, kvm.ErrDebug) {
			t.Fatalf("have %v, want %v", err, kvm.ErrDebug)
		}

		line, err := m.Trace(0)
		if err != nil {
			t.Fatal(err)
		}

		if !strings.HasPrefix(line, want) {
			t.Errorf("have %q, want prefix %q", line, want)
		}
	}
}
