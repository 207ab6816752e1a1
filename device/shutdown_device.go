package device

import (
	"errors"
	"log"
)

const ShutDownPort = uint64(0x600)

// ErrShutdown is returned by a write requesting power off. The run loop
// treats it as a clean stop.
var ErrShutdown = errors.New("guest requested shutdown")

// ShutDownDevice is the ACPI sleep control port. Writing S5 with the
// enable bit powers the guest off, writing 1 asks for a reset.
type ShutDownDevice struct {
	Port uint64
}

func NewShutDownDevice() *ShutDownDevice {
	return &ShutDownDevice{Port: ShutDownPort}
}

func (a *ShutDownDevice) Read(port uint64, data []byte) error {
	clear(data)

	return nil
}

func (a *ShutDownDevice) Write(port uint64, data []byte) error {
	if len(data) == 0 {
		return errDataLenInvalid
	}

	if data[0] == 1 {
		log.Println("ACPI reboot signaled, ignored")
	}

	const (
		s5SleepVal       = uint8(5)
		sleepStatusENBit = uint8(5)
		sleepValBit      = uint8(2)
	)

	if data[0] == (s5SleepVal<<sleepValBit)|(1<<sleepStatusENBit) {
		return ErrShutdown
	}

	return nil
}

func (a *ShutDownDevice) IOPort() uint64 {
	return a.Port
}

func (a *ShutDownDevice) Size() uint64 {
	return 0x8
}
