package kvm

// CPUID leaves KVM treats specially.
// https://www.kernel.org/doc/html/latest/virt/kvm/cpuid.html
const (
	CPUIDFuncPerMon = 0x0A
	CPUIDSignature  = 0x40000000
	CPUIDFeatures   = 0x40000001
)

// CPUIDEntry2 is one entry for CPUID. It took 2 tries to get it right :-)
// Thanks x86 :-).
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	_        [3]uint32
}

// CPUID is struct kvm_cpuid2 with its entries.
type CPUID = Payload[CPUIDEntry2]

// NewCPUID allocates room for n entries.
func NewCPUID(n int) *CPUID {
	return NewPayload[CPUIDEntry2](cpuidHeaderSize, n)
}

// CPUIDFromEntries encodes entries for KVM_SET_CPUID2.
func CPUIDFromEntries(entries []CPUIDEntry2) *CPUID {
	return PayloadFromEntries(cpuidHeaderSize, entries)
}
