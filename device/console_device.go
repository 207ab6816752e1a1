package device

import "io"

// ConsolePort is where the demo guest writes its output.
const ConsolePort = 42

// ConsoleDevice copies every byte the guest writes to its port to Out.
// Reads return zeros.
type ConsoleDevice struct {
	Port uint64
	Out  io.Writer
}

func NewConsoleDevice(out io.Writer) *ConsoleDevice {
	return &ConsoleDevice{Port: ConsolePort, Out: out}
}

func (c *ConsoleDevice) Read(port uint64, data []byte) error {
	clear(data)

	return nil
}

func (c *ConsoleDevice) Write(port uint64, data []byte) error {
	_, err := c.Out.Write(data)

	return err
}

func (c *ConsoleDevice) IOPort() uint64 {
	return c.Port
}

func (c *ConsoleDevice) Size() uint64 {
	return 0x1
}
