package memory_test

import (
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"github.com/bobuhiro11/kvmctl/kvm"
	"github.com/bobuhiro11/kvmctl/memory"
)

func TestSlotDescriptor(t *testing.T) {
	t.Parallel()

	slot, err := memory.NewSlot(0, 0, 0x1000, 0)
	if err != nil {
		t.Fatal(err)
	}

	r := kvm.RegionFor(slot)

	want := kvm.UserspaceMemoryRegion{
		Slot:          0,
		Flags:         0,
		GuestPhysAddr: 0,
		MemorySize:    0x1000,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&slot.Bytes()[0]))),
	}
	if r != want {
		t.Errorf("have: %+v, want: %+v", r, want)
	}

	for _, size := range []int{0, -1} {
		if _, err := memory.NewSlot(1, 0, size, 0); !errors.Is(err, memory.ErrSlotSize) {
			t.Errorf("size %d: have %v, want %v", size, err, memory.ErrSlotSize)
		}
	}
}

func TestSmallSlot(t *testing.T) {
	t.Parallel()

	slot, err := memory.NewSlot(3, 0x5000, 500, 0)
	if err != nil {
		t.Fatal(err)
	}

	mem := memory.New(1)
	mem.Slots = append(mem.Slots, slot)
	defer mem.Free()

	if len(slot.Bytes()) != 500 || !bytes.Equal(slot.Bytes(), make([]byte, 500)) {
		t.Errorf("have %d bytes %x, want 500 zero bytes", len(slot.Bytes()), slot.Bytes())
	}

	r := kvm.RegionFor(slot)

	want := kvm.UserspaceMemoryRegion{
		Slot:          3,
		GuestPhysAddr: 0x5000,
		MemorySize:    500,
		UserspaceAddr: slot.HostAddress(),
	}
	if r != want {
		t.Errorf("have: %+v, want: %+v", r, want)
	}
}

func TestNewMemorySlot(t *testing.T) {
	t.Parallel()

	m := memory.New(2)
	defer m.Free()

	if _, err := m.NewMemorySlot("low", 0, 0x10000, 0); err != nil {
		t.Fatal(err)
	}

	_, err := m.NewMemorySlot("overlap", 0x8000, 0x10000, 0)
	if !errors.Is(err, memory.ErrAddrSpaceOccupied) {
		t.Errorf("have: %v, want: %v", err, memory.ErrAddrSpaceOccupied)
	}

	high, err := m.NewMemorySlot("high", 0x100000, 0x1000, kvm.MemReadonly)
	if err != nil {
		t.Fatal(err)
	}

	if high.SlotID() != 1 || high.Flags() != kvm.MemReadonly {
		t.Errorf("have id %d flags %d", high.SlotID(), high.Flags())
	}

	if _, err := m.NewMemorySlot("third", 0x200000, 0x1000, 0); !errors.Is(err, memory.ErrNoSlotsAvail) {
		t.Errorf("have: %v, want: %v", err, memory.ErrNoSlotsAvail)
	}
}

func TestReadWriteAt(t *testing.T) {
	t.Parallel()

	m := memory.New(4)
	defer m.Free()

	if _, err := m.NewMemorySlot("ram", 0x1000, 0x2000, 0); err != nil {
		t.Fatal(err)
	}

	want := []byte{0xf4, 0x90, 0x90}
	if _, err := m.WriteAt(want, 0x1ffe); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(want))
	if _, err := m.ReadAt(got, 0x1ffe); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, want) {
		t.Errorf("have: %x, want: %x", got, want)
	}

	for _, gpa := range []int64{0, 0x2fff, 0x3000, -1} {
		if _, err := m.ReadAt(got, gpa); err == nil {
			t.Errorf("ReadAt(%#x) succeeded outside of guest memory", gpa)
		}
	}
}

type recorder struct {
	regions []kvm.UserspaceMemoryRegion
}

func (r *recorder) SetUserMemoryRegion(slot kvm.MemorySlot) error {
	r.regions = append(r.regions, kvm.RegionFor(slot))

	return nil
}

func TestRegister(t *testing.T) {
	t.Parallel()

	m := memory.New(4)
	defer m.Free()

	for _, addr := range []uint64{0, 0x100000} {
		if _, err := m.NewMemorySlot("ram", addr, 0x1000, 0); err != nil {
			t.Fatal(err)
		}
	}

	r := &recorder{}
	if err := m.Register(r); err != nil {
		t.Fatal(err)
	}

	if len(r.regions) != 2 || r.regions[1].GuestPhysAddr != 0x100000 || r.regions[1].Slot != 1 {
		t.Errorf("have: %+v", r.regions)
	}
}

func TestAddressSpace(t *testing.T) {
	t.Parallel()

	as := memory.NewAddressSpace("root", 0, 0x10000)

	for _, test := range []struct {
		name  string
		start uint64
		size  uint64
		ok    bool
	}{
		{"First", 0x1000, 0x1000, true},
		{"Adjacent", 0x2000, 0x1000, true},
		{"Inside", 0x1800, 0x10, false},
		{"Covering", 0, 0x10000, false},
		{"Empty", 0x5000, 0, false},
	} {
		err := as.AddAddress(memory.NewAddressSpace(test.name, test.start, test.size))
		if (err == nil) != test.ok {
			t.Errorf("%s: have: %v, want ok=%v", test.name, err, test.ok)
		}
	}

	if !as.Contains(0xff00, 0x100) || as.Contains(0xff00, 0x101) {
		t.Error("Contains got the upper bound wrong")
	}
}
