package device

import (
	"io"
	"log"
	"sync"
)

const (
	COM1Addr = 0x03f8
	COM1IRQ  = 4

	serialInputDepth = 4096
)

// 8250 register offsets from the base port.
const (
	regData = iota // RBR/THR, DLL with DLAB set
	regIER         // DLM with DLAB set
	regIIR         // FCR on write
	regLCR
	regMCR
	regLSR
	regMSR
	regScratch
)

const (
	lcrDLAB = 0x80

	lsrDataReady = 0x01
	lsrTHREmpty  = 0x20
	lsrIdle      = 0x40

	iirNoInterrupt = 0x01
	iirTHREmpty    = 0x02
	iirDataReady   = 0x04

	ierDataReady = 0x01
	ierTHREmpty  = 0x02
)

// Serial is a minimal 8250 UART. Transmitted bytes go to Out; received
// bytes are queued with Input. IRQ, when set, is pulsed on the COM1 line
// whenever the guest enables an interrupt source that is pending.
type Serial struct {
	Out io.Writer
	IRQ func(irq uint32) error

	mu                     sync.Mutex
	ier, lcr, mcr, scratch byte
	divisor                uint16

	input chan byte
}

func NewSerial(out io.Writer, irq func(irq uint32) error) *Serial {
	return &Serial{
		Out:     out,
		IRQ:     irq,
		divisor: 0xc, // 9600 baud
		input:   make(chan byte, serialInputDepth),
	}
}

// Input queues b for the guest. It reports false when the queue is full
// and b was dropped.
func (s *Serial) Input(b byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.input <- b:
	default:
		return false
	}

	if s.ier&ierDataReady != 0 {
		s.inject()
	}

	return true
}

func (s *Serial) dlab() bool {
	return s.lcr&lcrDLAB != 0
}

func (s *Serial) inject() {
	if s.IRQ == nil {
		return
	}

	if err := s.IRQ(COM1IRQ); err != nil {
		log.Printf("serial: raising irq %d: %v", COM1IRQ, err)
	}
}

func (s *Serial) Read(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch reg := port - COM1Addr; {
	case reg == regData && s.dlab():
		data[0] = byte(s.divisor)
	case reg == regData:
		data[0] = 0

		select {
		case b := <-s.input:
			data[0] = b
		default:
		}
	case reg == regIER && s.dlab():
		data[0] = byte(s.divisor >> 8)
	case reg == regIER:
		data[0] = s.ier
	case reg == regIIR:
		data[0] = iirNoInterrupt

		switch {
		case s.ier&ierDataReady != 0 && len(s.input) > 0:
			data[0] = iirDataReady
		case s.ier&ierTHREmpty != 0:
			data[0] = iirTHREmpty
		}
	case reg == regLCR:
		data[0] = s.lcr
	case reg == regMCR:
		data[0] = s.mcr
	case reg == regLSR:
		data[0] = lsrTHREmpty | lsrIdle
		if len(s.input) > 0 {
			data[0] |= lsrDataReady
		}
	case reg == regMSR:
		data[0] = 0
	case reg == regScratch:
		data[0] = s.scratch
	}

	return nil
}

func (s *Serial) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch reg := port - COM1Addr; {
	case reg == regData && s.dlab():
		s.divisor = s.divisor&0xff00 | uint16(data[0])
	case reg == regData:
		if _, err := s.Out.Write(data); err != nil {
			return err
		}

		if s.ier&ierTHREmpty != 0 {
			s.inject()
		}
	case reg == regIER && s.dlab():
		s.divisor = s.divisor&0x00ff | uint16(data[0])<<8
	case reg == regIER:
		s.ier = data[0] & 0x0f
		if s.ier&ierTHREmpty != 0 || s.ier&ierDataReady != 0 && len(s.input) > 0 {
			s.inject()
		}
	case reg == regIIR:
		// FIFO control; there is no FIFO.
	case reg == regLCR:
		s.lcr = data[0]
	case reg == regMCR:
		s.mcr = data[0]
	case reg == regScratch:
		s.scratch = data[0]
	}

	return nil
}

func (s *Serial) IOPort() uint64 {
	return COM1Addr
}

func (s *Serial) Size() uint64 {
	return 0x8
}
