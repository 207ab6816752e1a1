package memory

import (
	"errors"
	"fmt"
)

var ErrAddrSpaceOccupied = errors.New("address space occupied")

// AddressSpace is a named range of guest physical addresses and the
// ranges carved out of it.
type AddressSpace struct {
	Name      string
	Start     uint64
	Size      uint64
	Addresses []*AddressSpace
}

func NewAddressSpace(name string, start, size uint64) *AddressSpace {
	return &AddressSpace{
		Name:  name,
		Start: start,
		Size:  size,
	}
}

// End is one past the last address.
func (a *AddressSpace) End() uint64 {
	return a.Start + a.Size
}

// Contains reports whether [addr, addr+n) lies inside a.
func (a *AddressSpace) Contains(addr, n uint64) bool {
	return addr >= a.Start && n <= a.Size && addr-a.Start <= a.Size-n
}

// Overlaps reports whether a and b share at least one address.
func (a *AddressSpace) Overlaps(b *AddressSpace) bool {
	return a.Start < b.End() && b.Start < a.End()
}

// IsFree reports whether ad overlaps none of the ranges already added.
func (a *AddressSpace) IsFree(ad *AddressSpace) bool {
	for _, addr := range a.Addresses {
		if addr.Overlaps(ad) {
			return false
		}
	}

	return true
}

// AddAddress carves ad out of a.
func (a *AddressSpace) AddAddress(ad *AddressSpace) error {
	if ad.Size == 0 || ad.End() < ad.Start {
		return fmt.Errorf("%s: empty or wrapping range [%#x, +%#x)", ad.Name, ad.Start, ad.Size)
	}

	if !a.IsFree(ad) {
		return fmt.Errorf("%w: %s [%#x, %#x)", ErrAddrSpaceOccupied, ad.Name, ad.Start, ad.End())
	}

	a.Addresses = append(a.Addresses, ad)

	return nil
}
