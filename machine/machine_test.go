package machine_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/bobuhiro11/kvmctl/device"
	"github.com/bobuhiro11/kvmctl/kvm"
	"github.com/bobuhiro11/kvmctl/machine"
)

func newMachine(t *testing.T, nCPUs int, out io.Writer) *machine.Machine {
	t.Helper()

	return newMachineConfig(t, machine.Config{NCPUs: nCPUs, MemSize: machine.MinMemSize, Out: out})
}

func newMachineConfig(t *testing.T, c machine.Config) *machine.Machine {
	t.Helper()

	s, err := kvm.Open(kvm.DefaultDevice)
	if err != nil {
		t.Skipf("Skipping test since %s is not available: %v", kvm.DefaultDevice, err)
	}

	s.Close()

	m, err := machine.New(c)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return m
}

func TestNewBadConfig(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		c    machine.Config
		want error
	}{
		{"TooSmall", machine.Config{NCPUs: 1, MemSize: 0x1000}, machine.ErrMemSize},
		{"TooLarge", machine.Config{NCPUs: 1, MemSize: 1 << 30}, machine.ErrMemSize},
		{"NoCPU", machine.Config{NCPUs: 0, MemSize: machine.MinMemSize}, machine.ErrBadCPU},
		{"StacksOverlapCode", machine.Config{NCPUs: 1024, MemSize: machine.MinMemSize}, machine.ErrBadCPU},
	} {
		if _, err := machine.New(test.c); !errors.Is(err, test.want) {
			t.Errorf("%s: have %v, want %v", test.name, err, test.want)
		}
	}
}

func TestRunDemo(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	m := newMachine(t, 1, &out)

	if err := m.LoadPayload(bytes.NewReader(machine.DemoPayload("hello\n"))); err != nil {
		t.Fatal(err)
	}

	if err := m.RunInfiniteLoop(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	want := "hello\nMMIO read: 0x1000\r\nMMIO write: 0x1000\r\ncpu0: KVM_EXIT_HLT\r\n"
	if out.String() != want {
		t.Errorf("have %q, want %q", out.String(), want)
	}

	regs, err := m.GetRegs(0)
	if err != nil {
		t.Fatal(err)
	}

	if regs.RAX != machine.MMIOReadValue {
		t.Errorf("RAX: have %#x, want %#x", regs.RAX, machine.MMIOReadValue)
	}
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1, &bytes.Buffer{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.RunInfiniteLoop(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("have %v, want %v", err, context.Canceled)
	}
}

func TestStopParkedCPU(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	// With the in-kernel irqchip, hlt never leaves KVM_RUN.
	m := newMachineConfig(t, machine.Config{
		NCPUs:   1,
		MemSize: machine.MinMemSize,
		IRQChip: true,
		Out:     device.NewSyncWriter(&out),
	})

	if err := m.LoadPayload(bytes.NewReader(machine.DemoPayload("parked\n"))); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- m.RunInfiniteLoop(ctx, 0)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	m.Stop()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("have %v, want nil or %v", err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("vCPU still in the guest 5s after Stop")
	}
}

func TestStopDoesNotLinger(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	m := newMachine(t, 1, &out)

	if err := m.LoadPayload(bytes.NewReader(machine.DemoPayload("again\n"))); err != nil {
		t.Fatal(err)
	}

	// Nothing is running; the next run starts fresh.
	m.Stop()

	if err := m.RunInfiniteLoop(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	if !strings.HasSuffix(out.String(), "cpu0: KVM_EXIT_HLT\r\n") {
		t.Errorf("have %q, want the demo to reach hlt", out.String())
	}
}

func TestRunPoison(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1, &bytes.Buffer{})

	// Nothing loaded: the guest runs into the poison pattern and hits ud2.
	err := m.RunInfiniteLoop(context.Background(), 0)
	if err == nil {
		t.Fatal("guest ran through poisoned memory")
	}

	t.Logf("poisoned guest stopped with: %v", err)
}

func TestLoadPayloadTooLarge(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1, &bytes.Buffer{})

	big := bytes.NewReader(make([]byte, machine.MaxPayloadSize+1))
	if err := m.LoadPayload(big); !errors.Is(err, machine.ErrPayloadTooLarge) {
		t.Errorf("have %v, want %v", err, machine.ErrPayloadTooLarge)
	}
}

func TestSaveRestore(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	src := newMachine(t, 2, &out)

	if err := src.LoadPayload(strings.NewReader(string(machine.DemoPayload("x")))); err != nil {
		t.Fatal(err)
	}

	if err := src.RunInfiniteLoop(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := src.Save(&buf); err != nil {
		t.Fatal(err)
	}

	dst := newMachine(t, 2, &bytes.Buffer{})
	if err := dst.Restore(&buf); err != nil {
		t.Fatal(err)
	}

	for cpu := 0; cpu < 2; cpu++ {
		want, err := src.GetRegs(cpu)
		if err != nil {
			t.Fatal(err)
		}

		got, err := dst.GetRegs(cpu)
		if err != nil {
			t.Fatal(err)
		}

		if *got != *want {
			t.Errorf("cpu%d: have %+v, want %+v", cpu, got, want)
		}
	}

	if !bytes.Equal(src.Mem(), dst.Mem()) {
		t.Error("guest memory differs after restore")
	}

	other := newMachine(t, 1, &bytes.Buffer{})

	snap, err := src.SaveState()
	if err != nil {
		t.Fatal(err)
	}

	// Only MSRs KVM lets userspace write back are saved, so the same
	// state restores again.
	if n := len(snap.VCPUStates[0].MSRs); n == 0 || n > len(src.MSRIndexList()) {
		t.Errorf("saved %d of %d MSRs", n, len(src.MSRIndexList()))
	}

	if err := dst.RestoreState(snap); err != nil {
		t.Errorf("second restore: %v", err)
	}

	if err := other.RestoreState(snap); !errors.Is(err, machine.ErrSnapshotMismatch) {
		t.Errorf("have %v, want %v", err, machine.ErrSnapshotMismatch)
	}
}
