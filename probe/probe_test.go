package probe_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bobuhiro11/kvmctl/cpuid"
	"github.com/bobuhiro11/kvmctl/kvm"
	"github.com/bobuhiro11/kvmctl/probe"
)

type checker map[kvm.Capability]int

var errProbe = errors.New("probe failed")

func (c checker) CheckExtension(cp kvm.Capability) (int, error) {
	v, ok := c[cp]
	if !ok {
		return 0, errProbe
	}

	return v, nil
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	c := checker{
		kvm.CapUserMemory: 1,
		kvm.CapIRQChip:    0,
		kvm.CapNRMemSlots: 509,
	}

	var buf bytes.Buffer
	if err := probe.Capabilities(&buf, c, []kvm.Capability{kvm.CapUserMemory, kvm.CapIRQChip, kvm.CapNRMemSlots}); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		kvm.CapUserMemory.String() + " ",
		": true\n",
		": false\n",
		": true (509)\n",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output %q does not contain %q", buf.String(), want)
		}
	}

	if err := probe.Capabilities(&buf, c, []kvm.Capability{kvm.CapXSave}); !errors.Is(err, errProbe) {
		t.Errorf("have: %v, want: %v", err, errProbe)
	}
}

func TestCPUID(t *testing.T) {
	t.Parallel()

	entries := []kvm.CPUIDEntry2{
		{Function: cpuid.LeafFeatures, Ecx: 1 << uint(cpuid.HYPERVISOR), Edx: 1 << uint(cpuid.FPU)},
		{Function: cpuid.LeafExtFeature, Index: 0, Edx: 1 << uint(cpuid.SERIALIZE)},
	}

	var buf bytes.Buffer
	probe.CPUID(&buf, entries)

	out := buf.String()
	for _, section := range []string{"F_1_Ecx.", "F_1_Edx.", "F_7_0_Edx."} {
		if !strings.Contains(out, section) {
			t.Errorf("missing section %s", section)
		}
	}

	enabled := strings.Split(out, "* Enabled:")
	if len(enabled) != 4 {
		t.Fatalf("have %d Enabled lines, want 3", len(enabled)-1)
	}

	for i, want := range []string{cpuid.HYPERVISOR.String(), cpuid.FPU.String(), cpuid.SERIALIZE.String()} {
		line := strings.SplitN(enabled[i+1], "\n", 2)[0]
		if strings.TrimSpace(line) != want {
			t.Errorf("enabled line %d: have %q, want %q", i, line, want)
		}
	}
}

func TestReport(t *testing.T) {
	t.Parallel()

	sys, err := kvm.Open(kvm.DefaultDevice)
	if err != nil {
		t.Skipf("Skipping test since %s is not available: %v", kvm.DefaultDevice, err)
	}
	defer sys.Close()

	var buf bytes.Buffer
	if err := probe.Report(&buf, kvm.DefaultDevice); err != nil {
		t.Fatal(err)
	}

	want := []string{"KVM API version: 12", "CapUserMemory", "entries supported"}
	if ok, _ := sys.CheckExtension(kvm.CapEXTEmulCPUID); ok > 0 {
		want = append(want, "entries emulated")
	}

	for _, w := range want {
		if !strings.Contains(buf.String(), w) {
			t.Errorf("report lacks %q", w)
		}
	}

	if err := probe.Report(&buf, "/nonexistent/kvm"); err == nil {
		t.Error("Report opened a missing device")
	}
}
