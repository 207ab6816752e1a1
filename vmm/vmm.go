package vmm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/bobuhiro11/kvmctl/device"
	"github.com/bobuhiro11/kvmctl/kvm"
	"github.com/bobuhiro11/kvmctl/machine"
	"github.com/bobuhiro11/kvmctl/term"
	"golang.org/x/sync/errgroup"
)

const ctrlA = 0x1

// Config is what the run command collects from its flags.
type Config struct {
	Dev     string
	NCPUs   int
	MemSize int
	// PayloadPath is a flat 64-bit binary loaded at address 0. Empty runs
	// the built in demo printing Message.
	PayloadPath string
	Message     string
	// TraceCount prints every TraceCount'th instruction when not 0.
	TraceCount int
	IRQChip    bool
	// RestorePath starts from a snapshot file instead of a payload.
	RestorePath string
	// SnapshotPath is where state is written after the guest stops.
	SnapshotPath string
	Out          io.Writer
}

// VMM is one machine and the configuration it was built from.
type VMM struct {
	*machine.Machine
	Config
}

// New returns a VMM for c. Nothing is created until Init. Output from all
// vCPUs is serialized onto c.Out, stdout when unset.
func New(c Config) *VMM {
	if c.Out == nil {
		c.Out = os.Stdout
	}

	c.Out = device.NewSyncWriter(c.Out)

	return &VMM{
		Machine: nil,
		Config:  c,
	}
}

// Init instantiates a machine.
func (v *VMM) Init() error {
	m, err := machine.New(machine.Config{
		Dev:     v.Dev,
		NCPUs:   v.NCPUs,
		MemSize: v.MemSize,
		IRQChip: v.IRQChip,
		Out:     v.Out,
	})
	if err != nil {
		return err
	}

	v.Machine = m

	return nil
}

// Setup loads the guest: a snapshot, a payload file or the demo.
func (v *VMM) Setup() error {
	if v.RestorePath != "" {
		f, err := os.Open(v.RestorePath)
		if err != nil {
			return err
		}
		defer f.Close()

		return v.Machine.Restore(bufio.NewReader(f))
	}

	if v.PayloadPath == "" {
		return v.LoadPayload(bytes.NewReader(machine.DemoPayload(v.Message)))
	}

	f, err := os.Open(v.PayloadPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return v.LoadPayload(f)
}

// Boot runs every vCPU on its own goroutine until all of them stop. The
// first failing vCPU stops the others. On a terminal, keystrokes go to
// COM1 and Ctrl-A x stops the guest. A cancelled or expired ctx is a clean
// stop.
func (v *VMM) Boot(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	trace := v.TraceCount > 0
	if err := v.SingleStep(trace); err != nil {
		return fmt.Errorf("setting trace to %v:%w", trace, err)
	}

	if term.IsTerminal() {
		restoreMode, err := term.SetRawMode()
		if err != nil {
			return err
		}

		defer restoreMode()

		go watchInput(os.Stdin, cancel, v.SerialInput)
	}

	g, ctx := errgroup.WithContext(ctx)

	for cpu := 0; cpu < v.CPUCount(); cpu++ {
		fmt.Fprintf(v.Out, "Start CPU %d of %d\r\n", cpu, v.CPUCount())

		cpu := cpu

		g.Go(func() error {
			return v.runCPU(ctx, cpu, trace)
		})
	}

	// A vCPU blocked in the guest only sees ctx after its next exit.
	// Stop makes the next entry return at once.
	done := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		select {
		case <-ctx.Done():
			v.Stop()
		case <-done:
		}
	}()

	err := g.Wait()

	close(done)
	wg.Wait()

	fmt.Fprintf(v.Out, "All cpus done\r\n")

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	return err
}

func (v *VMM) runCPU(ctx context.Context, cpu int, trace bool) error {
	for tc := 0; ; tc++ {
		err := v.RunInfiniteLoop(ctx, cpu)
		if err == nil {
			fmt.Fprintf(v.Out, "CPU %d exits\r\n", cpu)

			return nil
		}

		if !errors.Is(err, kvm.ErrDebug) {
			return fmt.Errorf("cpu%d: %w", cpu, err)
		}

		if !trace || tc%v.TraceCount != 0 {
			continue
		}

		line, err := v.Trace(cpu)
		if err != nil {
			log.Printf("disassembling after debug exit:%v", err)

			continue
		}

		fmt.Fprintf(v.Out, "%s\r\n", line)
	}
}

// watchInput forwards what it reads from r to the guest. Ctrl-A x calls
// stop, Ctrl-A Ctrl-A sends a single Ctrl-A.
func watchInput(r io.Reader, stop func(), forward func(byte) bool) {
	in := bufio.NewReader(r)
	escaped := false

	for {
		b, err := in.ReadByte()
		if err != nil {
			return
		}

		switch {
		case escaped && b == 'x':
			stop()

			return
		case !escaped && b == ctrlA:
			escaped = true

			continue
		}

		escaped = false

		if !forward(b) {
			log.Printf("serial input queue full, dropped %#x", b)
		}
	}
}

// SaveSnapshot writes the stopped guest to the configured snapshot file.
func (v *VMM) SaveSnapshot() error {
	if v.SnapshotPath == "" {
		return nil
	}

	f, err := os.Create(v.SnapshotPath)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)

	if err := v.Save(w); err != nil {
		f.Close()

		return err
	}

	if err := w.Flush(); err != nil {
		f.Close()

		return err
	}

	return f.Close()
}

// Close releases the machine.
func (v *VMM) Close() error {
	if v.Machine == nil {
		return nil
	}

	return v.Machine.Close()
}
