package cpuid_test

import (
	"testing"

	"github.com/bobuhiro11/kvmctl/cpuid"
)

func TestHostVendor(t *testing.T) {
	t.Parallel()

	highest, ebx, ecx, edx := cpuid.CPUID(0)
	if highest < cpuid.LeafFeatures {
		t.Fatalf("highest basic leaf %#x", highest)
	}

	// The vendor string is laid out EBX, EDX, ECX.
	if v := cpuid.Vendor(ebx, edx, ecx); v != "GenuineIntel" && v != "AuthenticAMD" {
		t.Fatalf("unknown CPU vendor %q", v)
	}
}

func TestHostFeatures(t *testing.T) {
	t.Parallel()

	_, _, _, edx := cpuid.CPUID(cpuid.LeafFeatures)

	// Every amd64 CPU has these.
	for _, f := range []cpuid.F1Edx{cpuid.FPU, cpuid.TSC, cpuid.MSR, cpuid.CX8, cpuid.XMM2} {
		if edx&(1<<uint32(f)) == 0 {
			t.Errorf("%s missing from leaf 1 EDX %#x", f, edx)
		}
	}

	if _, _, _, edx := cpuid.CPUIDSub(cpuid.LeafExtFeature, 0); edx == 0xffffffff {
		t.Errorf("leaf 7 EDX %#x", edx)
	}
}

func TestVendor(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name       string
		r1, r2, r3 uint32
		want       string
	}{
		{"KVM", 0x4b4d564b, 0x564b4d56, 0x4d, "KVMKVMKVM"},
		{"Full", 0x756e6547, 0x49656e69, 0x6c65746e, "GenuineIntel"},
		{"Empty", 0, 0, 0, ""},
	} {
		if got := cpuid.Vendor(test.r1, test.r2, test.r3); got != test.want {
			t.Errorf("%s: have %q, want %q", test.name, got, test.want)
		}
	}
}
