package machine

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

const (
	portSpace = 0x10000

	// PCIIOSize is the size of every I/O BAR handed out by PortAllocator.
	PCIIOSize = 0x100
	// ioPortAreaStart is the first port above the legacy ISA and PCI
	// configuration ranges that the allocator may hand out.
	ioPortAreaStart = 0x6200
)

type PortIO interface {
	In(port uint64, data []byte) error
	Out(port uint64, data []byte) error
}

type portRange struct {
	base, size uint64
	io         PortIO
}

func (r portRange) end() uint64 { return r.base + r.size }

// IOBus routes trapped port accesses to the handler that claimed the port.
// Ranges never overlap.
type IOBus struct {
	mu     sync.RWMutex
	ranges []portRange
}

func NewIOBus() *IOBus {
	return &IOBus{}
}

func (b *IOBus) Register(base, size uint64, io PortIO) error {
	if size == 0 || base+size > portSpace {
		return fmt.Errorf("ports [%#x,+%#x): %w", base, size, ErrDataLenInvalid)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	i := sort.Search(len(b.ranges), func(i int) bool { return b.ranges[i].end() > base })
	if i < len(b.ranges) && b.ranges[i].base < base+size {
		return fmt.Errorf("ports [%#x,%#x) overlap [%#x,%#x): %w",
			base, base+size, b.ranges[i].base, b.ranges[i].end(), ErrPortConflict)
	}
	b.ranges = append(b.ranges, portRange{})
	copy(b.ranges[i+1:], b.ranges[i:])
	b.ranges[i] = portRange{base: base, size: size, io: io}
	return nil
}

// Unregister drops the range that starts exactly at base.
func (b *IOBus) Unregister(base uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, r := range b.ranges {
		if r.base == base {
			b.ranges = append(b.ranges[:i], b.ranges[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("port %#x: %w", base, ErrPortNotRegistered)
}

func (b *IOBus) lookup(port uint64) (PortIO, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i := sort.Search(len(b.ranges), func(i int) bool { return b.ranges[i].end() > port })
	if i < len(b.ranges) && b.ranges[i].base <= port {
		return b.ranges[i].io, true
	}
	return nil, false
}

// Emulate replays a string or single port access count times, handing each
// repetition the next size byte slot of data.
func (b *IOBus) Emulate(port uint16, data []byte, dir IODirection, size uint8, count uint32) error {
	if size == 0 || uint64(len(data)) < uint64(size)*uint64(count) {
		return fmt.Errorf("port %#x: %d bytes for %d x %d: %w", port, len(data), count, size, ErrIOWindow)
	}
	h, ok := b.lookup(uint64(port))
	if !ok {
		return fmt.Errorf("%s port %#x: %w", dir, port, ErrNoPortHandler)
	}

	f := h.In
	switch dir {
	case EXITIOIN:
	case EXITIOOUT:
		f = h.Out
	default:
		return fmt.Errorf("port %#x: %w", port, ErrIODirection)
	}

	for i := uint32(0); i < count; i++ {
		off := uint64(i) * uint64(size)
		if err := f(uint64(port), data[off:off+uint64(size)]); err != nil {
			return fmt.Errorf("%s port %#x: %w", dir, port, err)
		}
	}
	return nil
}

// PortAllocator hands out PCIIOSize aligned blocks of I/O space for device
// BARs, first fit, so a released block is the next one handed out.
type PortAllocator struct {
	mu   sync.Mutex
	used map[uint64]uint64
}

func NewPortAllocator() *PortAllocator {
	return &PortAllocator{used: make(map[uint64]uint64)}
}

func (a *PortAllocator) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("alloc 0 ports: %w", ErrDataLenInvalid)
	}
	size = alignUp(size, PCIIOSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	bases := make([]uint64, 0, len(a.used))
	for base := range a.used {
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })

	candidate := uint64(ioPortAreaStart)
	for _, base := range bases {
		if candidate+size <= base {
			break
		}
		if end := base + a.used[base]; end > candidate {
			candidate = alignUp(end, PCIIOSize)
		}
	}
	if candidate+size > portSpace {
		return 0, fmt.Errorf("%#x ports: %w", size, ErrPortSpaceExhausted)
	}
	a.used[candidate] = size
	if debug {
		log.Printf("ioport: allocated [%#x,%#x)", candidate, candidate+size)
	}
	return candidate, nil
}

func (a *PortAllocator) Release(base uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.used[base]; !ok {
		return fmt.Errorf("port block %#x: %w", base, ErrPortNotRegistered)
	}
	delete(a.used, base)
	return nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

type portIONoop struct{}

func (portIONoop) In(port uint64, data []byte) error  { return nil }
func (portIONoop) Out(port uint64, data []byte) error { return nil }

type portIOCF9 struct{}

func (portIOCF9) In(port uint64, data []byte) error { return nil }

// Out treats any write to the reset control register as a reset request.
func (portIOCF9) Out(port uint64, data []byte) error {
	return fmt.Errorf("write %#x to cf9: %w", data, ErrGuestReset)
}

type portIOPS2 struct{}

// In reports the controller's system flag set and both buffers empty.
func (portIOPS2) In(port uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}
	data[0] = 0x20
	return nil
}

func (portIOPS2) Out(port uint64, data []byte) error { return nil }

// RegisterLegacyPorts claims the ISA ranges a Linux guest probes during
// boot and that nothing else in this machine emulates.
func RegisterLegacyPorts(b *IOBus) error {
	for _, r := range []portRange{
		{0x60, 0x10, portIOPS2{}},
		{0x80, 0x20, portIONoop{}},
		{0xed, 0x1, portIONoop{}},
		{0x2e8, 0x8, portIONoop{}},
		{0x2f8, 0x8, portIONoop{}},
		{0x3b4, 0x2, portIONoop{}},
		{0x3c0, 0x1b, portIONoop{}},
		{0x3e8, 0x8, portIONoop{}},
		{0xcf9, 0x1, portIOCF9{}},
		{0xcfa, 0x2, portIONoop{}},
	} {
		if err := b.Register(r.base, r.size, r.io); err != nil {
			return err
		}
	}
	return nil
}
