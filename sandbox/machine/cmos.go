package machine

import (
	"time"
)

const (
	cmosIndexPort = 0x70
	cmosDataPort  = 0x71
	cmosSize      = 128
	cmosIndexMask = 0x7f
)

// CMOS is the MC146818 RTC and NVRAM at ports 0x70/0x71. Time registers
// are read from the host clock in BCD; everything else is plain storage.
type CMOS struct {
	index uint8
	data  [cmosSize]uint8
	now   func() time.Time
}

// NewCMOS records the memory sizes firmware style: 64K blocks above 16M in
// 0x34/0x35 and above 4G in 0x5b-0x5d.
func NewCMOS(memBelow4G, memAbove4G uint64) *CMOS {
	c := &CMOS{now: time.Now}
	if memBelow4G > 16<<20 {
		blocks := (memBelow4G - 16<<20) >> 16
		if blocks > 0xffff {
			blocks = 0xffff
		}
		c.data[0x34] = uint8(blocks)
		c.data[0x35] = uint8(blocks >> 8)
	}
	high := memAbove4G >> 16
	c.data[0x5b] = uint8(high)
	c.data[0x5c] = uint8(high >> 8)
	c.data[0x5d] = uint8(high >> 16)
	return c
}

func (c *CMOS) In(port uint64, data []byte) error {
	if len(data) != 1 {
		return ErrDataLenInvalid
	}
	switch port {
	case cmosIndexPort:
		data[0] = c.index
	case cmosDataPort:
		data[0] = c.read(c.index & cmosIndexMask)
	}
	return nil
}

func (c *CMOS) Out(port uint64, data []byte) error {
	if len(data) != 1 {
		return ErrDataLenInvalid
	}
	switch port {
	case cmosIndexPort:
		// bit 7 is the NMI mask, not part of the index
		c.index = data[0]
	case cmosDataPort:
		c.data[c.index&cmosIndexMask] = data[0]
	}
	return nil
}

func (c *CMOS) read(idx uint8) uint8 {
	t := c.now()
	switch idx {
	case 0x00:
		return toBCD(t.Second())
	case 0x02:
		return toBCD(t.Minute())
	case 0x04:
		return toBCD(t.Hour())
	case 0x06:
		return toBCD(int(t.Weekday()) + 1)
	case 0x07:
		return toBCD(t.Day())
	case 0x08:
		return toBCD(int(t.Month()))
	case 0x09:
		return toBCD(t.Year() % 100)
	case 0x0a:
		// divider on, no update in progress
		return 0x26
	case 0x0b:
		// 24 hour mode, BCD
		return 0x02
	case 0x0d:
		// battery good
		return 0x80
	case 0x32:
		return toBCD(t.Year() / 100)
	}
	return c.data[idx]
}

func toBCD(v int) uint8 {
	return uint8((v/10)<<4 | v%10)
}
