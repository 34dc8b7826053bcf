package machine

import (
	"fmt"
	"log"
	"sync"
)

type BusType int

const (
	BusPCI BusType = iota
	BusMMIO
	BusIOPort
)

func (b BusType) String() string {
	switch b {
	case BusPCI:
		return "pci"
	case BusMMIO:
		return "mmio"
	case BusIOPort:
		return "ioport"
	}
	return fmt.Sprintf("BusType(%d)", int(b))
}

// maxBusDevices is the number of device slots on PCI bus 0.
const maxBusDevices = 32

// DeviceEntry is one device as seen by bus enumeration. Num is assigned by
// DeviceDirectory.Register.
type DeviceEntry struct {
	Bus  BusType
	Num  int
	Name string
	PCI  *PCIDescriptor
}

// DeviceDirectory numbers devices per bus, lowest free number first.
type DeviceDirectory struct {
	mu      sync.RWMutex
	devices map[BusType]map[int]*DeviceEntry
}

func NewDeviceDirectory() *DeviceDirectory {
	return &DeviceDirectory{devices: make(map[BusType]map[int]*DeviceEntry)}
}

func (d *DeviceDirectory) Register(e *DeviceEntry) error {
	if e == nil {
		return fmt.Errorf("nil device: %w", ErrDeviceNotFound)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	bus := d.devices[e.Bus]
	if bus == nil {
		bus = make(map[int]*DeviceEntry)
		d.devices[e.Bus] = bus
	}
	for _, other := range bus {
		if other == e || (e.PCI != nil && other.PCI == e.PCI) {
			return fmt.Errorf("%s %s: %w", e.Bus, e.Name, ErrDeviceExists)
		}
	}
	for n := 0; n < maxBusDevices; n++ {
		if _, used := bus[n]; used {
			continue
		}
		e.Num = n
		bus[n] = e
		if debug {
			log.Printf("device: %s %02d %s", e.Bus, n, e.Name)
		}
		return nil
	}
	return fmt.Errorf("%s %s: %w", e.Bus, e.Name, ErrBusFull)
}

func (d *DeviceDirectory) Unregister(e *DeviceEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if bus := d.devices[e.Bus]; bus != nil && bus[e.Num] == e {
		delete(bus, e.Num)
		return nil
	}
	return fmt.Errorf("%s %02d %s: %w", e.Bus, e.Num, e.Name, ErrDeviceNotFound)
}

func (d *DeviceDirectory) Find(bus BusType, num int) *DeviceEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.devices[bus][num]
}

// Len reports how many devices sit on bus.
func (d *DeviceDirectory) Len(bus BusType) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.devices[bus])
}
