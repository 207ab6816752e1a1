package cpuid

import "fmt"

var f1EdxNames = map[F1Edx]string{
	FPU:       "FPU",
	VME:       "VME",
	DE:        "DE",
	PSE:       "PSE",
	TSC:       "TSC",
	MSR:       "MSR",
	PAE:       "PAE",
	MCE:       "MCE",
	CX8:       "CX8",
	APIC:      "APIC",
	SEP:       "SEP",
	MTRR:      "MTRR",
	PGE:       "PGE",
	MCA:       "MCA",
	CMOV:      "CMOV",
	PAT:       "PAT",
	PSE36:     "PSE36",
	PN:        "PN",
	CLFLUSH:   "CLFLUSH",
	DS:        "DS",
	ACPI:      "ACPI",
	MMX:       "MMX",
	FXSR:      "FXSR",
	XMM:       "XMM",
	XMM2:      "XMM2",
	SELFSNOOP: "SELFSNOOP",
	HT:        "HT",
	ACC:       "ACC",
	IA64:      "IA64",
	PBE:       "PBE",
}

var f1EcxNames = map[F1Ecx]string{
	XMM3:               "XMM3",
	PCLMULQDQ:          "PCLMULQDQ",
	DTES64:             "DTES64",
	MWAIT:              "MWAIT",
	DSCPL:              "DSCPL",
	VMX:                "VMX",
	SMX:                "SMX",
	EST:                "EST",
	TM2:                "TM2",
	SSSE3:              "SSSE3",
	CID:                "CID",
	SDBG:               "SDBG",
	FMA:                "FMA",
	CX16:               "CX16",
	XTPR:               "XTPR",
	PDCM:               "PDCM",
	PCID:               "PCID",
	DCA:                "DCA",
	XMM4_1:             "XMM4_1",
	XMM4_2:             "XMM4_2",
	X2APIC:             "X2APIC",
	MOVBE:              "MOVBE",
	POPCNT:             "POPCNT",
	TSC_DEADLINE_TIMER: "TSC_DEADLINE_TIMER",
	AES:                "AES",
	XSAVE:              "XSAVE",
	OSXSAVE:            "OSXSAVE",
	AVX:                "AVX",
	F16C:               "F16C",
	RDRAND:             "RDRAND",
	HYPERVISOR:         "HYPERVISOR",
}

var f7_0EdxNames = map[F7_0Edx]string{
	AVX512_4VNNIW:       "AVX512_4VNNIW",
	AVX512_4FMAPS:       "AVX512_4FMAPS",
	FSRM:                "FSRM",
	AVX512_VP2INTERSECT: "AVX512_VP2INTERSECT",
	SRBDS_CTRL:          "SRBDS_CTRL",
	MD_CLEAR:            "MD_CLEAR",
	RTM_ALWAYS_ABORT:    "RTM_ALWAYS_ABORT",
	TSX_FORCE_ABORT:     "TSX_FORCE_ABORT",
	SERIALIZE:           "SERIALIZE",
	HYBRID_CPU:          "HYBRID_CPU",
	TSXLDTRK:            "TSXLDTRK",
	PCONFIG:             "PCONFIG",
	ARCH_LBR:            "ARCH_LBR",
	IBT:                 "IBT",
	AMX_BF16:            "AMX_BF16",
	AVX512_FP16:         "AVX512_FP16",
	AMX_TILE:            "AMX_TILE",
	AMX_INT8:            "AMX_INT8",
	SPEC_CTRL:           "SPEC_CTRL",
	INTEL_STIBP:         "INTEL_STIBP",
	FLUSH_L1D:           "FLUSH_L1D",
	ARCH_CAPABILITIES:   "ARCH_CAPABILITIES",
	CORE_CAPABILITIES:   "CORE_CAPABILITIES",
	SPEC_CTRL_SSBD:      "SPEC_CTRL_SSBD",
}

func (f F1Edx) String() string { return featureName(f1EdxNames, f, "F1Edx") }
func (f F1Ecx) String() string { return featureName(f1EcxNames, f, "F1Ecx") }
func (f F7_0Edx) String() string { return featureName(f7_0EdxNames, f, "F7_0Edx") }

func featureName[T ~uint32](names map[T]string, f T, typ string) string {
	if s, ok := names[f]; ok {
		return s
	}

	return fmt.Sprintf("%s(%d)", typ, uint32(f))
}
