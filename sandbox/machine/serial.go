package machine

import (
	"io"
	"sync"
)

const (
	COM1Addr = 0x03f8
	COM1IRQ  = 4

	serialPorts = 8
)

type IRQInjector interface {
	PulseIRQ(irq uint32) error
}

// Serial is a transmit only 8250 UART. Bytes the guest writes to THR go
// straight to out; the receive side always reports an empty FIFO.
type Serial struct {
	mu  sync.Mutex
	ier uint8
	lcr uint8
	mcr uint8
	scr uint8
	dll uint8
	dlm uint8

	out io.Writer
	irq IRQInjector
}

func NewSerial(out io.Writer, irq IRQInjector) *Serial {
	return &Serial{out: out, irq: irq, dll: 0x0c}
}

func (s *Serial) dlab() bool {
	return s.lcr&0x80 != 0
}

func (s *Serial) In(port uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var v uint8
	switch port - COM1Addr {
	case 0:
		if s.dlab() {
			v = s.dll
		}
	case 1:
		if s.dlab() {
			v = s.dlm
		} else {
			v = s.ier
		}
	case 2:
		// no interrupt pending
		v = 0x01
	case 3:
		v = s.lcr
	case 4:
		v = s.mcr
	case 5:
		// THR and transmitter empty
		v = 0x60
	case 6:
		// DCD DSR CTS asserted
		v = 0xb0
	case 7:
		v = s.scr
	}
	data[0] = v
	return nil
}

func (s *Serial) Out(port uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := data[0]
	switch port - COM1Addr {
	case 0:
		if s.dlab() {
			s.dll = v
			return nil
		}
		if _, err := s.out.Write([]byte{v}); err != nil {
			return err
		}
		if s.ier&0x02 != 0 && s.irq != nil {
			return s.irq.PulseIRQ(COM1IRQ)
		}
	case 1:
		if s.dlab() {
			s.dlm = v
			return nil
		}
		s.ier = v & 0x0f
		if s.ier&0x02 != 0 && s.irq != nil {
			return s.irq.PulseIRQ(COM1IRQ)
		}
	case 3:
		s.lcr = v
	case 4:
		s.mcr = v
	case 7:
		s.scr = v
	}
	return nil
}
