package kvm

import (
	"fmt"
	"unsafe"
)

// MaxListEntries bounds every list this package reads back from the kernel.
const MaxListEntries = 256

// Header sizes of the kernel structs that end in a flexible array.
const (
	cpuidHeaderSize   = 8 // struct kvm_cpuid2: nent, padding
	msrsHeaderSize    = 8 // struct kvm_msrs: nmsrs, pad
	msrListHeaderSize = 4 // struct kvm_msr_list: nmsrs
)

// Payload is a kernel struct made of a fixed header followed by a trailing
// array of E, kept in one contiguous buffer. The header starts with a 32-bit
// entry count which the kernel reads and may rewrite.
type Payload[E any] struct {
	buf      []byte
	hdrSize  uintptr
	capacity int
}

// NewPayload allocates a zeroed payload with room for capacity entries and
// sets the header count to capacity.
func NewPayload[E any](headerSize uintptr, capacity int) *Payload[E] {
	var e E

	if capacity < 0 {
		panic(fmt.Sprintf("kvm: negative payload capacity %d", capacity))
	}

	if headerSize < 4 || headerSize%unsafe.Alignof(e) != 0 {
		panic(fmt.Sprintf("kvm: bad payload header size %d", headerSize))
	}

	size := headerSize + unsafe.Sizeof(e)*uintptr(capacity)

	// Back the buffer with uint64 words so the header and entries are
	// 8-byte aligned, as the kernel structs are.
	words := make([]uint64, (size+7)/8)

	p := &Payload[E]{
		buf:      unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size),
		hdrSize:  headerSize,
		capacity: capacity,
	}
	p.SetCount(capacity)

	return p
}

// PayloadFromEntries allocates a payload for len(entries) entries and copies
// them in order.
func PayloadFromEntries[E any](headerSize uintptr, entries []E) *Payload[E] {
	p := NewPayload[E](headerSize, len(entries))
	copy(p.Slots(), entries)

	return p
}

func (p *Payload[E]) count() *uint32 {
	return (*uint32)(unsafe.Pointer(&p.buf[0]))
}

// Count is the entry count currently stored in the header.
func (p *Payload[E]) Count() int {
	return int(*p.count())
}

// SetCount stores n in the header. n must not exceed Capacity.
func (p *Payload[E]) SetCount(n int) {
	if n < 0 || n > p.capacity {
		panic(fmt.Sprintf("kvm: payload count %d out of range [0, %d]", n, p.capacity))
	}

	*p.count() = uint32(n)
}

// Capacity is the number of entries the buffer was allocated for.
func (p *Payload[E]) Capacity() int {
	return p.capacity
}

// Size is the length of the buffer in bytes.
func (p *Payload[E]) Size() int {
	return len(p.buf)
}

// Slots returns all Capacity entries of the trailing array. The slice
// aliases the buffer and is meant for filling the payload in.
func (p *Payload[E]) Slots() []E {
	if p.capacity == 0 {
		return nil
	}

	return unsafe.Slice((*E)(unsafe.Pointer(&p.buf[p.hdrSize])), p.capacity)
}

// Entries copies out exactly Count entries, in the order the kernel left
// them. A count larger than the allocation is reported, never followed.
func (p *Payload[E]) Entries() ([]E, error) {
	n := p.Count()
	if n > p.capacity {
		return nil, fmt.Errorf("%w: count %d, capacity %d", ErrPayloadCount, n, p.capacity)
	}

	out := make([]E, n)
	copy(out, p.Slots()[:n])

	return out, nil
}

// Pointer is the address handed to the ioctl. The payload must stay
// reachable until the call returns.
func (p *Payload[E]) Pointer() unsafe.Pointer {
	return unsafe.Pointer(&p.buf[0])
}
