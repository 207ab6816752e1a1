// Package probe reports what the host KVM supports.
package probe

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/kvmctl/cpuid"
	"github.com/bobuhiro11/kvmctl/kvm"
)

// X86Capabilities are the capabilities worth knowing about on x86 hosts.
//
//nolint:gochecknoglobals
var X86Capabilities = []kvm.Capability{
	kvm.CapIRQChip,
	kvm.CapUserMemory,
	kvm.CapSetTSSAddr,
	kvm.CapEXTCPUID,
	kvm.CapNRVCPUs,
	kvm.CapNRMemSlots,
	kvm.CapMPState,
	kvm.CapCoalescedMMIO,
	kvm.CapUserNMI,
	kvm.CapSetGuestDebug,
	kvm.CapReinjectControl,
	kvm.CapIRQRouting,
	kvm.CapMCE,
	kvm.CapIRQFD,
	kvm.CapPIT2,
	kvm.CapSetBootCPUID,
	kvm.CapPITState2,
	kvm.CapIOEventFD,
	kvm.CapSetIdentityMapAddr,
	kvm.CapAdjustClock,
	kvm.CapVCPUEvents,
	kvm.CapINTRShadow,
	kvm.CapDebugRegs,
	kvm.CapEnableCap,
	kvm.CapXSave,
	kvm.CapXCRS,
	kvm.CapTSCControl,
	kvm.CapONEREG,
	kvm.CapKVMClockCtrl,
	kvm.CapSignalMSI,
	kvm.CapReadonlyMem,
	kvm.CapDeviceCtrl,
	kvm.CapEXTEmulCPUID,
	kvm.CapVMAttributes,
	kvm.CapX86SMM,
	kvm.CapImmediateExit,
	kvm.CapX86DisableExits,
	kvm.CapGETMSRFeatures,
	kvm.CapNestedState,
	kvm.CapCoalescedPIO,
	kvm.CapManualDirtyLogProtect2,
	kvm.CapPMUEventFilter,
	kvm.CapX86UserSpaceMSR,
	kvm.CapX86MSRFilter,
	kvm.CapX86BusLockExit,
	kvm.CapSREGS2,
	kvm.CapBinaryStatsFD,
	kvm.CapXSave2,
	kvm.CapSysAttributes,
	kvm.CapVMTSCControl,
	kvm.CapX86TripleFaultEvent,
	kvm.CapX86NotifyVMExit,
}

// Checker answers KVM_CHECK_EXTENSION. *kvm.System is one.
type Checker interface {
	CheckExtension(c kvm.Capability) (int, error)
}

// Capabilities prints whether each capability is supported, with its value
// when that is more than a yes or no.
func Capabilities(w io.Writer, c Checker, caps []kvm.Capability) error {
	for _, cp := range caps {
		res, err := c.CheckExtension(cp)
		if err != nil {
			return err
		}

		if res > 1 {
			fmt.Fprintf(w, "%-30s: %t (%d)\n", cp, true, res)

			continue
		}

		fmt.Fprintf(w, "%-30s: %t\n", cp, res != 0)
	}

	return nil
}

// CPUID prints the feature bits of leaf 1 and leaf 7 found in entries,
// usually the result of KVM_GET_SUPPORTED_CPUID.
func CPUID(w io.Writer, entries []kvm.CPUIDEntry2) {
	for _, e := range entries {
		switch e.Function {
		case cpuid.LeafFeatures:
			fmt.Fprintf(w, "F_1_Ecx.\n")
			printFeatures(w, cpuid.AllF1Ecx, e.Ecx)
			fmt.Fprintf(w, "F_1_Edx.\n")
			printFeatures(w, cpuid.AllF1Edx, e.Edx)
		case cpuid.LeafExtFeature:
			if e.Index == 0 {
				fmt.Fprintf(w, "F_7_0_Edx.\n")
				printFeatures(w, cpuid.AllF7_0Edx, e.Edx)
			}
		}
	}
}

func printFeatures[T cpuid.Feature](w io.Writer, features []T, reg uint32) {
	enabled := []T{}
	disabled := []T{}

	for _, f := range features {
		if reg&(1<<uint(f)) != 0 {
			enabled = append(enabled, f)
		} else {
			disabled = append(disabled, f)
		}
	}

	fmt.Fprintf(w, "* Enabled:")

	for _, f := range enabled {
		fmt.Fprintf(w, " %s", f.String())
	}

	fmt.Fprintf(w, "\n* Disabled:")

	for _, f := range disabled {
		fmt.Fprintf(w, " %s", f.String())
	}

	fmt.Fprintf(w, "\n\n")
}

// Report opens dev and prints the API version, the capability table, the
// MSR lists and the supported and emulated CPUID features.
func Report(w io.Writer, dev string) error {
	sys, err := kvm.Open(dev)
	if err != nil {
		return err
	}
	defer sys.Close()

	v, err := sys.APIVersion()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "KVM API version: %d\n", v)
	fmt.Fprintf(w, "vcpu mmap size: %d\n\n", sys.RunStateSize())

	if err := Capabilities(w, sys, X86Capabilities); err != nil {
		return err
	}

	msrs, err := sys.MSRIndexList()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\nMSRs: %d saved by KVM\n", len(msrs))

	// Older kernels have no feature MSRs.
	if ok, _ := sys.CheckExtension(kvm.CapGETMSRFeatures); ok > 0 {
		features, err := sys.MSRFeatureIndexList()
		if err != nil {
			return err
		}

		values, err := sys.FeatureMSRs(features)
		if err != nil {
			return err
		}

		for _, m := range values {
			fmt.Fprintf(w, "  feature msr %#010x = %#x\n", m.Index, m.Data)
		}
	}

	entries, err := sys.SupportedCPUID()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\nCPUID: %d entries supported\n", len(entries))
	CPUID(w, entries)

	if ok, _ := sys.CheckExtension(kvm.CapEXTEmulCPUID); ok > 0 {
		emulated, err := sys.EmulatedCPUID()
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "CPUID: %d entries emulated\n", len(emulated))
		CPUID(w, emulated)
	}

	return nil
}
