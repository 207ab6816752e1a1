package cpuid

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/kvmctl/kvm"
)

// CPUID leaves the guest setup touches.
const (
	LeafVendor     = 0x00
	LeafFeatures   = 0x01
	LeafExtFeature = 0x07
	LeafPerfMon    = kvm.CPUIDFuncPerMon
	LeafHypervisor = kvm.CPUIDSignature
	LeafKVMFeature = kvm.CPUIDFeatures
)

var (
	ErrLeafNotFound    = errors.New("cpuid leaf not found")
	ErrInvalidPatchset = errors.New("invalid patch: no bits to change")
	ErrSignatureLength = errors.New("hypervisor signature longer than 12 bytes")
)

// CPUIDPatch sets and clears register bits of one CPUID leaf.
type CPUIDPatch struct {
	Function uint32
	Index    uint32

	SetEAX, SetEBX, SetECX, SetEDX         uint32
	ClearEAX, ClearEBX, ClearECX, ClearEDX uint32
}

func (p *CPUIDPatch) empty() bool {
	return p.SetEAX|p.SetEBX|p.SetECX|p.SetEDX|
		p.ClearEAX|p.ClearEBX|p.ClearECX|p.ClearEDX == 0
}

// SetFeature returns a patch turning feature f on in leaf/index.
func SetFeature[T Feature](function, index uint32, reg Register, f T) *CPUIDPatch {
	p := &CPUIDPatch{Function: function, Index: index}
	bit := uint32(1) << uint32(f)

	switch reg {
	case EAX:
		p.SetEAX = bit
	case EBX:
		p.SetEBX = bit
	case ECX:
		p.SetECX = bit
	case EDX:
		p.SetEDX = bit
	}

	return p
}

// Register names a CPUID output register.
type Register int

const (
	EAX Register = iota
	EBX
	ECX
	EDX
)

// Patch applies patches to entries in place. Clears run before sets. Every
// patch must match at least one entry.
func Patch(entries []kvm.CPUIDEntry2, patches []*CPUIDPatch) error {
	for _, patch := range patches {
		if patch.empty() {
			return ErrInvalidPatchset
		}

		found := false

		for i := range entries {
			e := &entries[i]
			if e.Function != patch.Function || e.Index != patch.Index {
				continue
			}

			e.Eax = e.Eax&^patch.ClearEAX | patch.SetEAX
			e.Ebx = e.Ebx&^patch.ClearEBX | patch.SetEBX
			e.Ecx = e.Ecx&^patch.ClearECX | patch.SetECX
			e.Edx = e.Edx&^patch.ClearEDX | patch.SetEDX
			found = true
		}

		if !found {
			return fmt.Errorf("%w: %#x.%d", ErrLeafNotFound, patch.Function, patch.Index)
		}
	}

	return nil
}

// Find returns the entry for function/index.
func Find(entries []kvm.CPUIDEntry2, function, index uint32) (*kvm.CPUIDEntry2, error) {
	for i := range entries {
		if entries[i].Function == function && entries[i].Index == index {
			return &entries[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %#x.%d", ErrLeafNotFound, function, index)
}

// SetSignature writes a hypervisor vendor id into leaf 0x40000000 as
// EBX, ECX, EDX, the way "KVMKVMKVM" is laid out.
func SetSignature(entries []kvm.CPUIDEntry2, id string) error {
	if len(id) > 12 {
		return fmt.Errorf("%w: %q", ErrSignatureLength, id)
	}

	e, err := Find(entries, LeafHypervisor, 0)
	if err != nil {
		return err
	}

	var b [12]byte
	copy(b[:], id)

	e.Ebx = binary.LittleEndian.Uint32(b[0:4])
	e.Ecx = binary.LittleEndian.Uint32(b[4:8])
	e.Edx = binary.LittleEndian.Uint32(b[8:12])

	return nil
}

// Signature reads the vendor id back from leaf 0x40000000.
func Signature(entries []kvm.CPUIDEntry2) (string, error) {
	e, err := Find(entries, LeafHypervisor, 0)
	if err != nil {
		return "", err
	}

	return Vendor(e.Ebx, e.Ecx, e.Edx), nil
}

// Vendor decodes a 12 byte vendor string spread over three registers, in
// register order, dropping trailing NULs.
func Vendor(r1, r2, r3 uint32) string {
	b := make([]byte, 0, 12)

	for _, r := range []uint32{r1, r2, r3} {
		b = append(b, byte(r), byte(r>>8), byte(r>>16), byte(r>>24))
	}

	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}

	return string(b)
}
