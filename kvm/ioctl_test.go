package kvm_test

import (
	"testing"
	"unsafe"

	"github.com/bobuhiro11/kvmctl/kvm"
)

func TestIoctlCodes(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name  string
		value uint64
		want  uint64
	}{
		{"GetAPIVersion", kvm.IIO(0x00), 0xAE00},
		{"CreateVM", kvm.IIO(0x01), 0xAE01},
		{"GetMSRIndexList", kvm.IIOWR(0x02, 4), 0xC004AE02},
		{"CheckExtension", kvm.IIO(0x03), 0xAE03},
		{"GetVCPUMMapSize", kvm.IIO(0x04), 0xAE04},
		{"GetSupportedCPUID", kvm.IIOWR(0x05, 8), 0xC008AE05},
		{"CreateVCPU", kvm.IIO(0x41), 0xAE41},
		{"SetUserMemoryRegion", kvm.IIOW(0x46, unsafe.Sizeof(kvm.UserspaceMemoryRegion{})), 0x4020AE46},
		{"SetTSSAddr", kvm.IIO(0x47), 0xAE47},
		{"SetIdentityMapAddr", kvm.IIOW(0x48, 8), 0x4008AE48},
		{"IRQLine", kvm.IIOW(0x61, unsafe.Sizeof(kvm.IRQLevel{})), 0x4008AE61},
		{"CreatePIT2", kvm.IIOW(0x77, unsafe.Sizeof(kvm.PITConfig{})), 0x4040AE77},
		{"Run", kvm.IIO(0x80), 0xAE80},
		{"GetRegs", kvm.IIOR(0x81, unsafe.Sizeof(kvm.Regs{})), 0x8090AE81},
		{"SetRegs", kvm.IIOW(0x82, unsafe.Sizeof(kvm.Regs{})), 0x4090AE82},
		{"GetSregs", kvm.IIOR(0x83, unsafe.Sizeof(kvm.Sregs{})), 0x8138AE83},
		{"SetSregs", kvm.IIOW(0x84, unsafe.Sizeof(kvm.Sregs{})), 0x4138AE84},
		{"Translate", kvm.IIOWR(0x85, unsafe.Sizeof(kvm.Translation{})), 0xC018AE85},
		{"GetMSRs", kvm.IIOWR(0x88, 8), 0xC008AE88},
		{"SetMSRs", kvm.IIOW(0x89, 8), 0x4008AE89},
		{"GetFPU", kvm.IIOR(0x8C, unsafe.Sizeof(kvm.FPU{})), 0x81A0AE8C},
		{"SetFPU", kvm.IIOW(0x8D, unsafe.Sizeof(kvm.FPU{})), 0x41A0AE8D},
		{"SetCPUID2", kvm.IIOW(0x90, 8), 0x4008AE90},
		{"GetCPUID2", kvm.IIOWR(0x91, 8), 0xC008AE91},
		{"SetGuestDebug", kvm.IIOW(0x9B, unsafe.Sizeof(kvm.GuestDebug{})), 0x4048AE9B},
		{"GetDebugRegs", kvm.IIOR(0xA1, unsafe.Sizeof(kvm.DebugRegs{})), 0x8080AEA1},
		{"SetDebugRegs", kvm.IIOW(0xA2, unsafe.Sizeof(kvm.DebugRegs{})), 0x4080AEA2},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if test.value != test.want {
				t.Errorf("have: %#x, want: %#x", test.value, test.want)
			}
		})
	}
}

func TestIoctlCodeFields(t *testing.T) {
	t.Parallel()

	code := kvm.IoctlCode(kvm.DirRead|kvm.DirWrite, 0xFF, 0x3FFF)
	if code != 0xFFFFAEFF {
		t.Errorf("have: %#x, want: %#x", code, uint64(0xFFFFAEFF))
	}

	// Fields never bleed into each other.
	if got := kvm.IoctlCode(kvm.DirNone, 0x1FF, 0); got != 0xAEFF {
		t.Errorf("have: %#x, want: %#x", got, 0xAEFF)
	}

	if got := kvm.IoctlCode(kvm.DirNone, 0, 0x4000); got != 0xAE00 {
		t.Errorf("have: %#x, want: %#x", got, 0xAE00)
	}
}

func TestStructSizes(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name  string
		value uintptr
		want  uintptr
	}{
		{"Regs", unsafe.Sizeof(kvm.Regs{}), 144},
		{"Sregs", unsafe.Sizeof(kvm.Sregs{}), 312},
		{"Segment", unsafe.Sizeof(kvm.Segment{}), 24},
		{"Descriptor", unsafe.Sizeof(kvm.Descriptor{}), 16},
		{"FPU", unsafe.Sizeof(kvm.FPU{}), 416},
		{"DebugRegs", unsafe.Sizeof(kvm.DebugRegs{}), 128},
		{"GuestDebug", unsafe.Sizeof(kvm.GuestDebug{}), 72},
		{"Translation", unsafe.Sizeof(kvm.Translation{}), 24},
		{"UserspaceMemoryRegion", unsafe.Sizeof(kvm.UserspaceMemoryRegion{}), 32},
		{"CPUIDEntry2", unsafe.Sizeof(kvm.CPUIDEntry2{}), 40},
		{"MSREntry", unsafe.Sizeof(kvm.MSREntry{}), 16},
		{"RunData", unsafe.Sizeof(kvm.RunData{}), 2352},
		{"RunDataExitUnion", unsafe.Offsetof(kvm.RunData{}.Data), 32},
		{"IOExit", unsafe.Sizeof(kvm.IOExit{}), 16},
		{"MMIOExit", unsafe.Sizeof(kvm.MMIOExit{}), 24},
		{"DebugExit", unsafe.Sizeof(kvm.DebugExit{}), 32},
		{"FailEntry", unsafe.Sizeof(kvm.FailEntry{}), 16},
		{"InternalError", unsafe.Sizeof(kvm.InternalError{}), 136},
		{"PITConfig", unsafe.Sizeof(kvm.PITConfig{}), 64},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if test.value != test.want {
				t.Errorf("have: %d, want: %d", test.value, test.want)
			}
		})
	}
}
