package machine

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestCMOS(t *testing.T) {
	c := NewCMOS(64<<20, 0)
	c.now = func() time.Time { return time.Date(2026, time.October, 18, 21, 47, 9, 0, time.UTC) }

	tests := []struct {
		name string
		idx  uint8
		want uint8
	}{
		{"seconds", 0x00, 0x09},
		{"minutes", 0x02, 0x47},
		{"hours", 0x04, 0x21},
		// Sunday
		{"weekday", 0x06, 0x01},
		{"day", 0x07, 0x18},
		{"month", 0x08, 0x10},
		{"year", 0x09, 0x26},
		{"century", 0x32, 0x20},
		{"status b", 0x0b, 0x02},
		{"memory above 16M low", 0x34, 0x00},
		{"memory above 16M high", 0x35, 0x03},
		{"nmi bit ignored", 0x80 | 0x09, 0x26},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Out(cmosIndexPort, []byte{tt.idx}); err != nil {
				t.Fatal(err)
			}
			b := []byte{0}
			if err := c.In(cmosDataPort, b); err != nil {
				t.Fatal(err)
			}
			if b[0] != tt.want {
				t.Errorf("cmos[%#x] = %#x, want %#x", tt.idx, b[0], tt.want)
			}
		})
	}
}

func TestCMOSStorage(t *testing.T) {
	c := NewCMOS(0, 0)
	if err := c.Out(cmosIndexPort, []byte{0x40}); err != nil {
		t.Fatal(err)
	}
	if err := c.Out(cmosDataPort, []byte{0x5a}); err != nil {
		t.Fatal(err)
	}
	b := []byte{0}
	if err := c.In(cmosDataPort, b); err != nil || b[0] != 0x5a {
		t.Errorf("cmos[0x40] = %#x, %v, want 0x5a", b[0], err)
	}
	if err := c.In(cmosDataPort, make([]byte, 2)); !errors.Is(err, ErrDataLenInvalid) {
		t.Errorf("In() of 2 bytes error = %v, want %v", err, ErrDataLenInvalid)
	}
}

type irqCounter struct {
	irqs []uint32
}

func (c *irqCounter) PulseIRQ(irq uint32) error {
	c.irqs = append(c.irqs, irq)
	return nil
}

func TestSerial(t *testing.T) {
	var out bytes.Buffer
	irq := &irqCounter{}
	s := NewSerial(&out, irq)

	for _, c := range []byte("boot\n") {
		if err := s.Out(COM1Addr, []byte{c}); err != nil {
			t.Fatal(err)
		}
	}
	if out.String() != "boot\n" {
		t.Errorf("console = %q, want %q", out.String(), "boot\n")
	}
	if len(irq.irqs) != 0 {
		t.Errorf("%d interrupts with IER clear, want 0", len(irq.irqs))
	}

	lsr := []byte{0}
	if err := s.In(COM1Addr+5, lsr); err != nil || lsr[0] != 0x60 {
		t.Errorf("LSR = %#x, %v, want 0x60", lsr[0], err)
	}

	// divisor latch writes do not reach the console
	if err := s.Out(COM1Addr+3, []byte{0x80}); err != nil {
		t.Fatal(err)
	}
	if err := s.Out(COM1Addr, []byte{0x01}); err != nil {
		t.Fatal(err)
	}
	dll := []byte{0}
	if err := s.In(COM1Addr, dll); err != nil || dll[0] != 0x01 {
		t.Errorf("DLL = %#x, %v, want 0x01", dll[0], err)
	}
	if err := s.Out(COM1Addr+3, []byte{0x03}); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 5 {
		t.Errorf("console has %d bytes, want 5", out.Len())
	}

	if err := s.Out(COM1Addr+1, []byte{0x02}); err != nil {
		t.Fatal(err)
	}
	if err := s.Out(COM1Addr, []byte{'x'}); err != nil {
		t.Fatal(err)
	}
	if len(irq.irqs) != 2 || irq.irqs[0] != COM1IRQ {
		t.Errorf("interrupts = %v, want two on irq %d", irq.irqs, COM1IRQ)
	}
}
