package kvm

import (
	"fmt"
	"slices"
)

// Capability is a KVM_CAP_* extension number for CheckExtension.
type Capability uint

const (
	CapIRQChip                Capability = 0
	CapHLT                    Capability = 1
	CapMMUShadowCacheControl  Capability = 2
	CapUserMemory             Capability = 3
	CapSetTSSAddr             Capability = 4
	CapVAPIC                  Capability = 6
	CapEXTCPUID               Capability = 7
	CapClockSource            Capability = 8
	CapNRVCPUs                Capability = 9
	CapNRMemSlots             Capability = 10
	CapPIT                    Capability = 11
	CapNopIODelay             Capability = 12
	CapPVMMU                  Capability = 13
	CapMPState                Capability = 14
	CapCoalescedMMIO          Capability = 15
	CapSyncMMU                Capability = 16
	CapIOMMU                  Capability = 18
	CapDestroyMemoryRegion    Capability = 21
	CapUserNMI                Capability = 22
	CapSetGuestDebug          Capability = 23
	CapReinjectControl        Capability = 24
	CapIRQRouting             Capability = 25
	CapIRQInjectStatus        Capability = 26
	CapAssignDevIRQ           Capability = 29
	CapJoinMemoryRegionsWorks Capability = 30
	CapMCE                    Capability = 31
	CapIRQFD                  Capability = 32
	CapPIT2                   Capability = 33
	CapSetBootCPUID           Capability = 34
	CapPITState2              Capability = 35
	CapIOEventFD              Capability = 36
	CapSetIdentityMapAddr     Capability = 37
	CapXENHVM                 Capability = 38
	CapAdjustClock            Capability = 39
	CapInternalErrorData      Capability = 40
	CapVCPUEvents             Capability = 41
	CapPCISegment             Capability = 47
	CapPPCPairedSingles       Capability = 48
	CapINTRShadow             Capability = 49
	CapDebugRegs              Capability = 50
	CapX86RobustSinglestep    Capability = 51
	CapEnableCap              Capability = 54
	CapXSave                  Capability = 55
	CapXCRS                   Capability = 56
	CapAsyncPF                Capability = 59
	CapTSCControl             Capability = 60
	CapGetTSCKHz              Capability = 61
	CapMaxVCPUs               Capability = 66
	CapONEREG                 Capability = 70
	CapKVMClockCtrl           Capability = 76
	CapSignalMSI              Capability = 77
	CapReadonlyMem            Capability = 81
	CapIRQFDResample          Capability = 82
	CapDeviceCtrl             Capability = 89
	CapEXTEmulCPUID           Capability = 95
	CapHypervTime             Capability = 96
	CapIOAPICPolarityIgnored  Capability = 97
	CapEnableCapVM            Capability = 98
	CapVMAttributes           Capability = 101
	CapX86SMM                 Capability = 117
	CapMultiAddressSpace      Capability = 118
	CapSplitIRQChip           Capability = 121
	CapImmediateExit          Capability = 136
	CapX86DisableExits        Capability = 143
	CapGETMSRFeatures         Capability = 153
	CapNestedState            Capability = 157
	CapCoalescedPIO           Capability = 162
	CapManualDirtyLogProtect2 Capability = 168
	CapPMUEventFilter         Capability = 173
	CapX86UserSpaceMSR        Capability = 188
	CapX86MSRFilter           Capability = 189
	CapX86BusLockExit         Capability = 193
	CapSREGS2                 Capability = 200
	CapBinaryStatsFD          Capability = 203
	CapXSave2                 Capability = 208
	CapSysAttributes          Capability = 209
	CapVMTSCControl           Capability = 214
	CapX86TripleFaultEvent    Capability = 218
	CapX86NotifyVMExit        Capability = 219
)

var capNames = map[Capability]string{
	CapIRQChip:                "CapIRQChip",
	CapHLT:                    "CapHLT",
	CapMMUShadowCacheControl:  "CapMMUShadowCacheControl",
	CapUserMemory:             "CapUserMemory",
	CapSetTSSAddr:             "CapSetTSSAddr",
	CapVAPIC:                  "CapVAPIC",
	CapEXTCPUID:               "CapEXTCPUID",
	CapClockSource:            "CapClockSource",
	CapNRVCPUs:                "CapNRVCPUs",
	CapNRMemSlots:             "CapNRMemSlots",
	CapPIT:                    "CapPIT",
	CapNopIODelay:             "CapNopIODelay",
	CapPVMMU:                  "CapPVMMU",
	CapMPState:                "CapMPState",
	CapCoalescedMMIO:          "CapCoalescedMMIO",
	CapSyncMMU:                "CapSyncMMU",
	CapIOMMU:                  "CapIOMMU",
	CapDestroyMemoryRegion:    "CapDestroyMemoryRegion",
	CapUserNMI:                "CapUserNMI",
	CapSetGuestDebug:          "CapSetGuestDebug",
	CapReinjectControl:        "CapReinjectControl",
	CapIRQRouting:             "CapIRQRouting",
	CapIRQInjectStatus:        "CapIRQInjectStatus",
	CapAssignDevIRQ:           "CapAssignDevIRQ",
	CapJoinMemoryRegionsWorks: "CapJoinMemoryRegionsWorks",
	CapMCE:                    "CapMCE",
	CapIRQFD:                  "CapIRQFD",
	CapPIT2:                   "CapPIT2",
	CapSetBootCPUID:           "CapSetBootCPUID",
	CapPITState2:              "CapPITState2",
	CapIOEventFD:              "CapIOEventFD",
	CapSetIdentityMapAddr:     "CapSetIdentityMapAddr",
	CapXENHVM:                 "CapXENHVM",
	CapAdjustClock:            "CapAdjustClock",
	CapInternalErrorData:      "CapInternalErrorData",
	CapVCPUEvents:             "CapVCPUEvents",
	CapPCISegment:             "CapPCISegment",
	CapPPCPairedSingles:       "CapPPCPairedSingles",
	CapINTRShadow:             "CapINTRShadow",
	CapDebugRegs:              "CapDebugRegs",
	CapX86RobustSinglestep:    "CapX86RobustSinglestep",
	CapEnableCap:              "CapEnableCap",
	CapXSave:                  "CapXSave",
	CapXCRS:                   "CapXCRS",
	CapAsyncPF:                "CapAsyncPF",
	CapTSCControl:             "CapTSCControl",
	CapGetTSCKHz:              "CapGetTSCKHz",
	CapMaxVCPUs:               "CapMaxVCPUs",
	CapONEREG:                 "CapONEREG",
	CapKVMClockCtrl:           "CapKVMClockCtrl",
	CapSignalMSI:              "CapSignalMSI",
	CapReadonlyMem:            "CapReadonlyMem",
	CapIRQFDResample:          "CapIRQFDResample",
	CapDeviceCtrl:             "CapDeviceCtrl",
	CapEXTEmulCPUID:           "CapEXTEmulCPUID",
	CapHypervTime:             "CapHypervTime",
	CapIOAPICPolarityIgnored:  "CapIOAPICPolarityIgnored",
	CapEnableCapVM:            "CapEnableCapVM",
	CapVMAttributes:           "CapVMAttributes",
	CapX86SMM:                 "CapX86SMM",
	CapMultiAddressSpace:      "CapMultiAddressSpace",
	CapSplitIRQChip:           "CapSplitIRQChip",
	CapImmediateExit:          "CapImmediateExit",
	CapX86DisableExits:        "CapX86DisableExits",
	CapGETMSRFeatures:         "CapGETMSRFeatures",
	CapNestedState:            "CapNestedState",
	CapCoalescedPIO:           "CapCoalescedPIO",
	CapManualDirtyLogProtect2: "CapManualDirtyLogProtect2",
	CapPMUEventFilter:         "CapPMUEventFilter",
	CapX86UserSpaceMSR:        "CapX86UserSpaceMSR",
	CapX86MSRFilter:           "CapX86MSRFilter",
	CapX86BusLockExit:         "CapX86BusLockExit",
	CapSREGS2:                 "CapSREGS2",
	CapBinaryStatsFD:          "CapBinaryStatsFD",
	CapXSave2:                 "CapXSave2",
	CapSysAttributes:          "CapSysAttributes",
	CapVMTSCControl:           "CapVMTSCControl",
	CapX86TripleFaultEvent:    "CapX86TripleFaultEvent",
	CapX86NotifyVMExit:        "CapX86NotifyVMExit",
}

func (c Capability) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uint(c))
}

// Capabilities lists every named capability in ascending order.
func Capabilities() []Capability {
	caps := make([]Capability, 0, len(capNames))
	for c := range capNames {
		caps = append(caps, c)
	}

	slices.Sort(caps)

	return caps
}
