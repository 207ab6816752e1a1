package machine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/kvmctl/device"
)

var ErrPayloadTooLarge = errors.New("payload does not fit below the page tables")

// DemoPayload assembles a 64-bit guest that writes msg to the console port
// a byte at a time, reads MMIOAddr, writes the value back and halts.
func DemoPayload(msg string) []byte {
	code := make([]byte, 0, 4*len(msg)+17)

	for i := 0; i < len(msg); i++ {
		code = append(code,
			0xb0, msg[i],             // mov al, imm8
			0xe6, device.ConsolePort, // out imm8, al
		)
	}

	code = append(code, 0x48, 0x8b, 0x04, 0x25) // mov rax, [disp32]
	code = binary.LittleEndian.AppendUint32(code, MMIOAddr)
	code = append(code, 0x48, 0x89, 0x04, 0x25) // mov [disp32], rax
	code = binary.LittleEndian.AppendUint32(code, MMIOAddr)

	return append(code, 0xf4) // hlt
}

// LoadPayload copies flat 64-bit code from r to guest address 0, where
// every vCPU starts.
func (m *Machine) LoadPayload(r io.Reader) error {
	p, err := io.ReadAll(io.LimitReader(r, MaxPayloadSize+1))
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if len(p) > MaxPayloadSize {
		return fmt.Errorf("%w: more than %#x bytes", ErrPayloadTooLarge, MaxPayloadSize)
	}

	if _, err := m.mem.WriteAt(p, payloadAddr); err != nil {
		return err
	}

	return nil
}
