package kvm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// APIVersion is the stable KVM API version. Anything else is refused.
const APIVersion = 12

// DefaultDevice is the KVM device node.
const DefaultDevice = "/dev/kvm"

// System owns the /dev/kvm descriptor and manufactures VMs.
type System struct {
	h            *handle
	runStateSize int
}

// Open opens the KVM device at path and queries the size of the vcpu run
// state region once for every VM and vcpu created from it.
func Open(path string) (*System, error) {
	return openSystem(linuxSys{}, path)
}

func openSystem(sys sysCaller, path string) (*System, error) {
	fd, err := sys.open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	s := &System{h: newHandle(sys, fd)}

	size, err := s.VCPUMmapSize()
	if err != nil {
		_ = s.h.release()

		return nil, err
	}

	s.runStateSize = size

	return s, nil
}

// APIVersion returns APIVersion or an error wrapping ErrAPIVersion.
func (s *System) APIVersion() (int, error) {
	v, err := s.h.ioctl(IIO(kvmGetAPIVersion), 0)
	if err != nil {
		return 0, fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}

	if v != APIVersion {
		return int(v), fmt.Errorf("%w: have %d, want %d", ErrAPIVersion, v, APIVersion)
	}

	return APIVersion, nil
}

// CheckExtension returns the value KVM reports for c. Zero means unsupported;
// some capabilities report a count or limit instead of 1.
func (s *System) CheckExtension(c Capability) (int, error) {
	v, err := s.h.ioctl(IIO(kvmCheckExtension), uintptr(c))
	if err != nil {
		return 0, fmt.Errorf("KVM_CHECK_EXTENSION %s: %w", c, err)
	}

	return int(v), nil
}

// VCPUMmapSize asks the kernel for the size of the vcpu run state region.
func (s *System) VCPUMmapSize() (int, error) {
	v, err := s.h.ioctl(IIO(kvmGetVCPUMMapSize), 0)
	if err != nil {
		return 0, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	if v == 0 {
		return 0, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w: kernel reported 0", ErrRunStateSize)
	}

	return int(v), nil
}

// RunStateSize is the value VCPUMmapSize returned when the System was opened.
func (s *System) RunStateSize() int {
	return s.runStateSize
}

// MSRIndexList lists the MSRs KVM saves and restores for a vcpu.
func (s *System) MSRIndexList() ([]uint32, error) {
	return s.msrList(kvmGetMSRIndexList, "KVM_GET_MSR_INDEX_LIST")
}

// MSRFeatureIndexList lists the MSRs that describe host and KVM features.
func (s *System) MSRFeatureIndexList() ([]uint32, error) {
	return s.msrList(kvmGetMSRFeatureIndexList, "KVM_GET_MSR_FEATURE_INDEX_LIST")
}

func (s *System) msrList(nr uintptr, name string) ([]uint32, error) {
	list := NewMSRList(MaxListEntries)

	if _, err := s.h.ioctlPtr(IIOWR(nr, msrListHeaderSize), list.Pointer()); err != nil {
		return nil, listError(name, err, list.Count())
	}

	return boundedEntries(name, list)
}

// SupportedCPUID returns the CPUID entries KVM can expose to a guest.
func (s *System) SupportedCPUID() ([]CPUIDEntry2, error) {
	return s.cpuidList(kvmGetSupportedCPUID, "KVM_GET_SUPPORTED_CPUID")
}

// EmulatedCPUID returns the CPUID features KVM emulates in software.
func (s *System) EmulatedCPUID() ([]CPUIDEntry2, error) {
	return s.cpuidList(kvmGetEmulatedCPUID, "KVM_GET_EMULATED_CPUID")
}

func (s *System) cpuidList(nr uintptr, name string) ([]CPUIDEntry2, error) {
	cpuid := NewCPUID(MaxListEntries)

	if _, err := s.h.ioctlPtr(IIOWR(nr, cpuidHeaderSize), cpuid.Pointer()); err != nil {
		return nil, listError(name, err, cpuid.Count())
	}

	return boundedEntries(name, cpuid)
}

// FeatureMSRs reads feature MSRs at system scope. Indices should come from
// MSRFeatureIndexList. Reading stops at the first MSR KVM cannot provide, so
// the result may be shorter than indices.
func (s *System) FeatureMSRs(indices []uint32) ([]MSREntry, error) {
	msrs := MSRsFromIndices(indices)

	n, err := s.h.ioctlPtr(IIOWR(kvmGetMSRs, msrsHeaderSize), msrs.Pointer())
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_MSRS: %w", err)
	}

	return readEntries("KVM_GET_MSRS", msrs, int(n))
}

// CreateVM creates a VM. The caller owns it and must Close it.
func (s *System) CreateVM() (*VM, error) {
	fd, err := s.h.ioctl(IIO(kvmCreateVM), 0)
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}

	return &VM{h: newHandle(s.h.sys, fd), runStateSize: s.runStateSize}, nil
}

// Close releases the device descriptor. VMs created from s stay usable.
func (s *System) Close() error {
	return s.h.release()
}

// listError turns E2BIG into ErrTooManyEntries. The kernel leaves the count
// it needed in the header.
func listError(name string, err error, need int) error {
	if errors.Is(err, unix.E2BIG) {
		return fmt.Errorf("%s: %w: kernel needs %d, limit %d", name, ErrTooManyEntries, need, MaxListEntries)
	}

	return fmt.Errorf("%s: %w", name, err)
}

func boundedEntries[E any](name string, p *Payload[E]) ([]E, error) {
	if p.Count() > p.Capacity() {
		return nil, fmt.Errorf("%s: %w: %d > %d", name, ErrTooManyEntries, p.Count(), p.Capacity())
	}

	return p.Entries()
}

// readEntries returns the first n entries, n being what an MSR ioctl
// reported as processed.
func readEntries(name string, msrs *MSRs, n int) ([]MSREntry, error) {
	entries, err := msrs.Entries()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	if n < 0 || n > len(entries) {
		return nil, fmt.Errorf("%s: %w: kernel processed %d of %d", name, ErrPayloadCount, n, len(entries))
	}

	return entries[:n], nil
}
