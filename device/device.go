package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	errDataLenInvalid = errors.New("invalid data size on port")

	ErrNoDevice   = errors.New("no device at port")
	ErrPortInUse  = errors.New("port range already claimed")
	ErrEmptyRange = errors.New("device claims no ports")
)

// IODevice describes the interface a IO-Port device must implement.
// port is the absolute port the guest accessed.
type IODevice interface {
	Read(port uint64, data []byte) error
	Write(port uint64, data []byte) error
	IOPort() uint64
	Size() uint64
}

// Bus routes port I/O exits to the device claiming the port. Accesses are
// serialized, so devices need no locking of their own.
type Bus struct {
	mu   sync.Mutex
	devs []IODevice
}

// NewBus returns a bus with devs attached.
func NewBus(devs ...IODevice) (*Bus, error) {
	b := &Bus{}

	for _, d := range devs {
		if err := b.Attach(d); err != nil {
			return nil, err
		}
	}

	return b, nil
}

// Attach adds d. Port ranges must not overlap.
func (b *Bus) Attach(d IODevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if d.Size() == 0 {
		return fmt.Errorf("%w: %T at %#x", ErrEmptyRange, d, d.IOPort())
	}

	for _, o := range b.devs {
		if d.IOPort() < o.IOPort()+o.Size() && o.IOPort() < d.IOPort()+d.Size() {
			return fmt.Errorf("%w: %T at %#x overlaps %T at %#x",
				ErrPortInUse, d, d.IOPort(), o, o.IOPort())
		}
	}

	b.devs = append(b.devs, d)
	sort.Slice(b.devs, func(i, j int) bool { return b.devs[i].IOPort() < b.devs[j].IOPort() })

	return nil
}

func (b *Bus) find(port uint64) (IODevice, error) {
	i := sort.Search(len(b.devs), func(i int) bool {
		return b.devs[i].IOPort()+b.devs[i].Size() > port
	})
	if i < len(b.devs) && b.devs[i].IOPort() <= port {
		return b.devs[i], nil
	}

	return nil, fmt.Errorf("%w %#x", ErrNoDevice, port)
}

// Read serves an IN from port into data.
func (b *Bus) Read(port uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.find(port)
	if err != nil {
		return err
	}

	return d.Read(port, data)
}

// Write serves an OUT of data to port.
func (b *Bus) Write(port uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.find(port)
	if err != nil {
		return err
	}

	return d.Write(port, data)
}
