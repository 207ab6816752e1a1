package memory

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/bobuhiro11/kvmctl/kvm"
	"golang.org/x/sys/unix"
)

var (
	ErrNoSlotsAvail = errors.New("maximal numbers of slots exhausted")
	ErrSlotNotFound = errors.New("unable to find MemorySlot")
	ErrOutOfRange   = errors.New("guest physical range not backed by a single slot")
	ErrSlotSize     = errors.New("slot size must be positive")
)

const (
	// Poison is an instruction that should force a vmexit.
	// it fills memory to make catching guest errors easier.
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"
)

// Slot is guest physical memory backed by an anonymous shared mapping.
// It satisfies kvm.MemorySlot.
type Slot struct {
	id    uint32
	flags uint32
	guest uint64
	buf   []byte
}

var _ kvm.MemorySlot = (*Slot)(nil)

// NewSlot maps size bytes of zeroed memory to appear at guest address guest.
// The mapping is rounded up to whole pages; KVM itself only registers slots
// of page multiples.
func NewSlot(id uint32, guest uint64, size int, flags uint32) (*Slot, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: slot %d size %d", ErrSlotSize, id, size)
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("slot %d: mmap %#x bytes: %w", id, size, err)
	}

	return &Slot{id: id, flags: flags, guest: guest, buf: buf}, nil
}

func (s *Slot) SlotID() uint32       { return s.id }
func (s *Slot) Flags() uint32        { return s.flags }
func (s *Slot) MemorySize() uint64   { return uint64(len(s.buf)) }
func (s *Slot) GuestAddress() uint64 { return s.guest }

func (s *Slot) HostAddress() uint64 {
	return uint64(uintptr(unsafe.Pointer(&s.buf[0])))
}

// Bytes is the host view of the slot. Index 0 is GuestAddress.
func (s *Slot) Bytes() []byte {
	return s.buf
}

// Poison fills the slot from offset off onward with Poison, so a guest
// that runs off into unused memory exits instead of sliding through zeros.
func (s *Slot) Poison(off int) {
	for i := off; i < len(s.buf); i += len(Poison) {
		copy(s.buf[i:], Poison)
	}
}

func (s *Slot) free() error {
	if s.buf == nil {
		return nil
	}

	err := unix.Munmap(s.buf)
	s.buf = nil

	return err
}

// Registrar is what a Memory registers its slots with, usually a *kvm.VM.
type Registrar interface {
	SetUserMemoryRegion(slot kvm.MemorySlot) error
}

// Memory tracks the guest physical memory of one VM.
type Memory struct {
	Slots    []*Slot
	MaxSlots int
	space    *AddressSpace
}

// New returns an empty Memory allowing at most maxSlots slots. Pass the
// value the kernel reports for kvm.CapNRMemSlots.
func New(maxSlots int) *Memory {
	return &Memory{
		MaxSlots: maxSlots,
		space:    NewAddressSpace("guest-phys", 0, ^uint64(0)),
	}
}

// NewMemorySlot allocates a slot for [addr, addr+size). Slot ids are
// handed out in order.
func (m *Memory) NewMemorySlot(name string, addr uint64, size int, flags uint32) (*Slot, error) {
	if len(m.Slots) >= m.MaxSlots {
		return nil, ErrNoSlotsAvail
	}

	if err := m.space.AddAddress(NewAddressSpace(name, addr, uint64(size))); err != nil {
		return nil, err
	}

	slot, err := NewSlot(uint32(len(m.Slots)), addr, size, flags)
	if err != nil {
		m.space.Addresses = m.space.Addresses[:len(m.space.Addresses)-1]

		return nil, err
	}

	m.Slots = append(m.Slots, slot)

	return slot, nil
}

// Register hands every slot to r.
func (m *Memory) Register(r Registrar) error {
	for _, slot := range m.Slots {
		if err := r.SetUserMemoryRegion(slot); err != nil {
			return err
		}
	}

	return nil
}

// FindSlot returns the slot backing guest address addr.
func (m *Memory) FindSlot(addr uint64) (*Slot, error) {
	for _, slot := range m.Slots {
		if addr >= slot.guest && addr-slot.guest < slot.MemorySize() {
			return slot, nil
		}
	}

	return nil, fmt.Errorf("%w: %#x", ErrSlotNotFound, addr)
}

func (m *Memory) window(gpa int64, n int) ([]byte, error) {
	if gpa < 0 {
		return nil, fmt.Errorf("%w: negative address %d", ErrOutOfRange, gpa)
	}

	slot, err := m.FindSlot(uint64(gpa))
	if err != nil {
		return nil, err
	}

	off := uint64(gpa) - slot.guest
	if uint64(n) > slot.MemorySize()-off {
		return nil, fmt.Errorf("%w: [%#x, +%#x)", ErrOutOfRange, gpa, n)
	}

	return slot.buf[off : off+uint64(n)], nil
}

// ReadAt copies guest memory at guest physical address gpa into p.
func (m *Memory) ReadAt(p []byte, gpa int64) (int, error) {
	w, err := m.window(gpa, len(p))
	if err != nil {
		return 0, err
	}

	return copy(p, w), nil
}

// WriteAt copies p into guest memory at guest physical address gpa.
func (m *Memory) WriteAt(p []byte, gpa int64) (int, error) {
	w, err := m.window(gpa, len(p))
	if err != nil {
		return 0, err
	}

	return copy(w, p), nil
}

// Free unmaps every slot. The VM using them must be gone by then.
func (m *Memory) Free() error {
	var errs []error

	for _, slot := range m.Slots {
		errs = append(errs, slot.free())
	}

	m.Slots = nil
	m.space.Addresses = nil

	return errors.Join(errs...)
}
