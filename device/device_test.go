package device_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bobuhiro11/kvmctl/device"
)

func TestBus(t *testing.T) {
	t.Parallel()

	var console, post bytes.Buffer

	bus, err := device.NewBus(
		device.NewConsoleDevice(&console),
		&device.PostCodeDevice{Out: &post},
		&device.NoopDevice{Port: 0x60, Psize: 0x10},
		device.NewShutDownDevice(),
	)
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range []byte("hi\n") {
		if err := bus.Write(device.ConsolePort, []byte{c}); err != nil {
			t.Fatal(err)
		}
	}

	if console.String() != "hi\n" {
		t.Errorf("console: have %q, want %q", console.String(), "hi\n")
	}

	if err := bus.Write(device.PostCodePort, []byte{'A'}); err != nil {
		t.Fatal(err)
	}

	if err := bus.Write(device.PostCodePort, []byte{0}); err != nil {
		t.Fatal(err)
	}

	if post.String() != "A\r\n" {
		t.Errorf("post: have %q", post.String())
	}

	data := []byte{0xff, 0xff}
	if err := bus.Read(0x6f, data); err != nil || data[0] != 0 || data[1] != 0 {
		t.Errorf("noop read: have %x, %v", data, err)
	}

	for _, port := range []uint64{0, 41, 43, 0x70, 0x608} {
		if err := bus.Read(port, data); !errors.Is(err, device.ErrNoDevice) {
			t.Errorf("port %#x: have %v, want %v", port, err, device.ErrNoDevice)
		}
	}
}

func TestBusAttach(t *testing.T) {
	t.Parallel()

	bus, err := device.NewBus(&device.NoopDevice{Port: 0x60, Psize: 0x10})
	if err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		name string
		dev  device.IODevice
		want error
	}{
		{"Overlap", &device.NoopDevice{Port: 0x6f, Psize: 2}, device.ErrPortInUse},
		{"Empty", &device.NoopDevice{Port: 0x100}, device.ErrEmptyRange},
		{"Below", &device.NoopDevice{Port: 0x50, Psize: 0x10}, nil},
		{"Above", &device.NoopDevice{Port: 0x70, Psize: 0x10}, nil},
	} {
		if err := bus.Attach(test.dev); !errors.Is(err, test.want) {
			t.Errorf("%s: have %v, want %v", test.name, err, test.want)
		}
	}
}

func TestShutDown(t *testing.T) {
	t.Parallel()

	d := device.NewShutDownDevice()

	if err := d.Write(device.ShutDownPort, []byte{5<<2 | 1<<5}); !errors.Is(err, device.ErrShutdown) {
		t.Errorf("have %v, want %v", err, device.ErrShutdown)
	}

	if err := d.Write(device.ShutDownPort, []byte{1}); err != nil {
		t.Errorf("reset request: %v", err)
	}

	if err := (&device.PostCodeDevice{}).Write(device.PostCodePort, []byte{1, 2}); err == nil {
		t.Error("post code accepted a two byte write")
	}
}

func TestSyncWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	w := device.NewSyncWriter(&buf)
	if device.NewSyncWriter(w) != w {
		t.Error("wrapping a SyncWriter twice")
	}

	done := make(chan struct{})

	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()

			for j := 0; j < 100; j++ {
				_, _ = w.Write([]byte("ab"))
			}
		}()
	}

	for i := 0; i < 4; i++ {
		<-done
	}

	if buf.Len() != 800 || strings.Count(buf.String(), "ab") != 400 {
		t.Errorf("have %d bytes", buf.Len())
	}
}

func TestSerial(t *testing.T) {
	t.Parallel()

	var (
		out  bytes.Buffer
		irqs []uint32
	)

	s := device.NewSerial(&out, func(irq uint32) error {
		irqs = append(irqs, irq)

		return nil
	})

	b, err := device.NewBus(s)
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range []byte("hi") {
		if err := b.Write(device.COM1Addr, []byte{c}); err != nil {
			t.Fatal(err)
		}
	}

	if out.String() != "hi" {
		t.Errorf("have %q, want %q", out.String(), "hi")
	}

	lsr := []byte{0}
	if err := b.Read(device.COM1Addr+5, lsr); err != nil || lsr[0] != 0x60 {
		t.Errorf("LSR: have %#x, %v", lsr[0], err)
	}

	// Divisor latch.
	if err := b.Write(device.COM1Addr+3, []byte{0x80}); err != nil {
		t.Fatal(err)
	}

	if err := b.Write(device.COM1Addr, []byte{0x1}); err != nil {
		t.Fatal(err)
	}

	if out.Len() != 2 {
		t.Errorf("divisor write reached the output: %q", out.String())
	}

	dll := []byte{0}
	if err := b.Read(device.COM1Addr, dll); err != nil || dll[0] != 0x1 {
		t.Errorf("DLL: have %#x, %v", dll[0], err)
	}

	if err := b.Write(device.COM1Addr+3, []byte{0x3}); err != nil {
		t.Fatal(err)
	}

	// Receive with the data ready interrupt enabled.
	if err := b.Write(device.COM1Addr+1, []byte{0x1}); err != nil {
		t.Fatal(err)
	}

	if !s.Input('k') {
		t.Fatal("Input dropped a byte")
	}

	if len(irqs) != 1 || irqs[0] != device.COM1IRQ {
		t.Errorf("irqs: have %v", irqs)
	}

	iir := []byte{0}
	if err := b.Read(device.COM1Addr+2, iir); err != nil || iir[0] != 0x4 {
		t.Errorf("IIR: have %#x, %v", iir[0], err)
	}

	if err := b.Read(device.COM1Addr+5, lsr); err != nil || lsr[0]&0x1 == 0 {
		t.Errorf("LSR: have %#x, %v", lsr[0], err)
	}

	rbr := []byte{0}
	if err := b.Read(device.COM1Addr, rbr); err != nil || rbr[0] != 'k' {
		t.Errorf("RBR: have %q, %v", rbr[0], err)
	}

	if err := b.Read(device.COM1Addr+2, iir); err != nil || iir[0] != 0x1 {
		t.Errorf("IIR after read: have %#x, %v", iir[0], err)
	}

	if err := b.Write(device.COM1Addr, []byte{'a', 'b'}); err == nil {
		t.Error("two byte access accepted")
	}
}
