package flag_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"testing"
	"unsafe"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/kvmctl/flag"
	"github.com/bobuhiro11/kvmctl/kvm"
	"github.com/bobuhiro11/kvmctl/snapshot"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name  string
		value string
		unit  string
		want  int
		err   error
	}{
		{"Bytes", "4096", "", 4096, nil},
		{"Hex", "0x1000", "", 4096, nil},
		{"DefaultUnit", "2", "m", 2 << 20, nil},
		{"ExplicitUnit", "1G", "m", 1 << 30, nil},
		{"Kilo", "16k", "", 16 << 10, nil},
		{"NoNumber", "M", "", -1, strconv.ErrSyntax},
		{"BadUnit", "1", "t", -1, strconv.ErrSyntax},
		{"BadNumber", "1x", "", -1, strconv.ErrSyntax},
	} {
		got, err := flag.ParseSize(test.value, test.unit)
		if got != test.want || !errors.Is(err, test.err) {
			t.Errorf("%s: have (%d, %v), want (%d, %v)", test.name, got, err, test.want, test.err)
		}
	}
}

func parse(t *testing.T, args ...string) (*flag.CLI, string, error) {
	t.Helper()

	c := &flag.CLI{}

	parser, err := kong.New(c, kong.Exit(func(int) {}), kong.Writers(&bytes.Buffer{}, &bytes.Buffer{}))
	if err != nil {
		t.Fatal(err)
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return nil, "", err
	}

	return c, ctx.Command(), nil
}

func TestRunFlags(t *testing.T) {
	t.Parallel()

	c, cmd, err := parse(t, "run", "-c", "2", "-m", "1024k", "-T", "5", "-s", "out.snap", "--irq-chip")
	if err != nil {
		t.Fatal(err)
	}

	if cmd != "run" {
		t.Errorf("command: have %q", cmd)
	}

	cfg, err := c.Run.Config()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Dev != kvm.DefaultDevice || cfg.NCPUs != 2 || cfg.MemSize != 1<<20 || cfg.TraceCount != 5 || !cfg.IRQChip {
		t.Errorf("have %+v", cfg)
	}

	if !strings.HasSuffix(cfg.SnapshotPath, "out.snap") || cfg.Message != "Hello from the guest\n" {
		t.Errorf("have %+v", cfg)
	}

	c, _, err = parse(t, "run")
	if err != nil {
		t.Fatal(err)
	}

	if cfg, err := c.Run.Config(); err != nil || cfg.MemSize != 1<<20 || cfg.NCPUs != 1 {
		t.Errorf("defaults: have %+v, %v", cfg, err)
	}

	c.Run.MemSize = "lots"
	if _, err := c.Run.Config(); err == nil {
		t.Error("Config accepted a bad memory size")
	}

	if _, _, err := parse(t, "fly"); err == nil {
		t.Error("unknown command accepted")
	}
}

func TestInspect(t *testing.T) {
	t.Parallel()

	var regs kvm.Regs

	state := snapshot.VCPUState{
		Regs:  make([]byte, unsafe.Sizeof(regs)),
		Sregs: make([]byte, unsafe.Sizeof(kvm.Sregs{})),
		MSRs:  []snapshot.MSREntry{{Index: 0x10}},
		CPUID: []kvm.CPUIDEntry2{{Function: 0x40000000, Ebx: 0x4b4d564b, Ecx: 0x564b4d56, Edx: 0x4d}},
	}
	binary.LittleEndian.PutUint64(state.Regs[unsafe.Offsetof(regs.RIP):], 0x1234)

	var file bytes.Buffer
	if err := snapshot.Write(&file, &snapshot.Snapshot{NCPUs: 1, MemSize: 0x100000, VCPUStates: []snapshot.VCPUState{state}}, make([]byte, 16)); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := flag.Inspect(&out, &file); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"cpus: 1, memory: 0x100000 bytes in 1 slot(s)",
		"cpu0: rip 0x1234",
		"1 msrs, 1 cpuid entries",
		`hypervisor "KVMKVMKVM"`,
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q does not contain %q", out.String(), want)
		}
	}

	if err := flag.Inspect(&out, strings.NewReader("junk")); err == nil {
		t.Error("Inspect accepted junk")
	}
}
