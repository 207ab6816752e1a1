package cpuid

func cpuidLow(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) // implemented in cpuid_amd64.s

// CPUID executes the CPUID instruction on the host for leaf, subleaf 0.
func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuidLow(leaf, 0)
}

// CPUIDSub executes CPUID for a leaf that takes a subleaf in ECX.
func CPUIDSub(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuidLow(leaf, subleaf)
}
