package machine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"math/bits"
	"sync"
)

const (
	pciConfigAddress   = 0xcf8
	pciConfigData      = 0xcfc
	pciConfigSpaceSize = 64

	pciCommandOffset       = 0x04
	pciBAR0Offset          = 0x10
	pciInterruptLineOffset = 0x3c

	numBARs = 6

	PCICommandIO     = 0x1
	PCICommandMemory = 0x2

	PCIBARSpaceMemory = 0x0
	PCIBARSpaceIO     = 0x1

	pciBARIOFlags  = 0x3
	pciBARMemFlags = 0xf

	PCIHeaderTypeNormal = 0x0
	PCIHeaderTypeBridge = 0x1
)

// DeviceHeader is the 64 byte type 0 configuration header.
type DeviceHeader struct {
	VendorID       uint16
	DeviceID       uint16
	Command        uint16
	Status         uint16
	RevisionID     uint8
	Class          [3]uint8
	CacheLineSize  uint8
	LatencyTimer   uint8
	HeaderType     uint8
	BIST           uint8
	BAR            [numBARs]uint32
	CardbusCIS     uint32
	SubsysVendorID uint16
	SubsysID       uint16
	ExpROMAddr     uint32
	Capabilities   uint8
	_              [7]uint8
	InterruptLine  uint8
	InterruptPin   uint8
	MinGnt         uint8
	MaxLat         uint8
}

func (h DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(pciConfigSpaceSize)
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PCIDescriptor is one PCI function: its configuration header plus the
// decoded size of every BAR. A zero size marks an unimplemented BAR.
type PCIDescriptor struct {
	Header  DeviceHeader
	BARSize [numBARs]uint32
}

func (d *PCIDescriptor) BARIsIO(bar int) bool {
	return d.Header.BAR[bar]&PCIBARSpaceIO != 0
}

func (d *PCIDescriptor) barFlags(bar int) uint32 {
	if d.BARIsIO(bar) {
		return pciBARIOFlags
	}
	return pciBARMemFlags
}

func (d *PCIDescriptor) BARAddress(bar int) uint32 {
	return d.Header.BAR[bar] &^ d.barFlags(bar)
}

// barProbe is what a BAR reads back after all ones were written to it: the
// size mask for the next power of two plus the read only flag bits.
func (d *PCIDescriptor) barProbe(bar int) uint32 {
	size := d.BARSize[bar]
	if size == 0 {
		return 0
	}
	if size&(size-1) != 0 {
		size = 1 << bits.Len32(size)
	}
	flags := d.barFlags(bar)
	return ^(size-1)&^flags | d.Header.BAR[bar]&flags
}

func (d *PCIDescriptor) commandBit(bar int) uint16 {
	if d.BARIsIO(bar) {
		return PCICommandIO
	}
	return PCICommandMemory
}

// BARHandler is told when the guest turns decoding of a BAR on or off. An
// error rejects the change.
type BARHandler interface {
	ActivateBAR(desc *PCIDescriptor, bar int) error
	DeactivateBAR(desc *PCIDescriptor, bar int) error
}

type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return uint32(a)>>31 == 1
}

type pciState struct {
	handler BARHandler
	probing [numBARs]bool
}

// PCI is configuration mechanism #1 for bus 0. Functions are resolved
// through the device directory on every access.
type PCI struct {
	mu    sync.Mutex
	addr  address
	dir   *DeviceDirectory
	state map[*PCIDescriptor]*pciState
}

func NewPCI(dir *DeviceDirectory) *PCI {
	return &PCI{dir: dir, state: make(map[*PCIDescriptor]*pciState)}
}

// RegisterPorts claims the address and data registers on b.
func (p *PCI) RegisterPorts(b *IOBus) error {
	if err := b.Register(pciConfigAddress, 1, p); err != nil {
		return err
	}
	return b.Register(pciConfigData, 4, &PCIConf{p})
}

func (p *PCI) stateOf(desc *PCIDescriptor) *pciState {
	st := p.state[desc]
	if st == nil {
		st = &pciState{}
		p.state[desc] = st
	}
	return st
}

// RegisterBARRegions attaches h to desc. BARs whose decoding is already
// enabled in the command register are activated right away.
func (p *PCI) RegisterBARRegions(desc *PCIDescriptor, h BARHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.stateOf(desc)
	if st.handler != nil {
		return fmt.Errorf("bar regions %04x:%04x: %w",
			desc.Header.VendorID, desc.Header.DeviceID, ErrDeviceExists)
	}
	for bar := 0; bar < numBARs; bar++ {
		if desc.BARSize[bar] == 0 || desc.Header.Command&desc.commandBit(bar) == 0 {
			continue
		}
		if err := h.ActivateBAR(desc, bar); err != nil {
			return fmt.Errorf("activate bar %d: %w", bar, err)
		}
	}
	st.handler = h
	return nil
}

func (p *PCI) UnregisterBARRegions(desc *PCIDescriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st := p.state[desc]; st == nil || st.handler == nil {
		return fmt.Errorf("bar regions %04x:%04x: %w",
			desc.Header.VendorID, desc.Header.DeviceID, ErrBARNotRegistered)
	}
	delete(p.state, desc)
	return nil
}

func (p *PCI) selected() (*PCIDescriptor, bool) {
	if !p.addr.isEnable() || p.addr.getBusNumber() != 0 || p.addr.getFunctionNumber() != 0 {
		return nil, false
	}
	e := p.dir.Find(BusPCI, int(p.addr.getDeviceNumber()))
	if e == nil || e.PCI == nil {
		return nil, false
	}
	return e.PCI, true
}

// PciConfDataIn reads from the function selected by the address register.
// Absent functions read as all ones.
func (p *PCI) PciConfDataIn(port uint64, values []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range values {
		values[i] = 0xff
	}
	desc, ok := p.selected()
	if !ok {
		return nil
	}
	offset := int(p.addr.getRegisterOffset() + uint32(port-pciConfigData))
	if offset+len(values) > pciConfigSpaceSize {
		return nil
	}

	b, err := desc.Header.Bytes()
	if err != nil {
		return err
	}
	if st := p.state[desc]; st != nil {
		for bar, on := range st.probing {
			if on {
				putLe32(b[pciBAR0Offset+4*bar:], desc.barProbe(bar))
			}
		}
	}
	copy(values, b[offset:])
	return nil
}

func (p *PCI) PciConfDataOut(port uint64, values []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	desc, ok := p.selected()
	if !ok {
		return nil
	}
	offset := int(p.addr.getRegisterOffset() + uint32(port-pciConfigData))

	switch {
	case offset == pciCommandOffset && len(values) >= 2:
		p.writeCommand(desc, binary.LittleEndian.Uint16(values))
	case offset >= pciBAR0Offset && offset < pciBAR0Offset+4*numBARs && len(values) == 4:
		p.writeBAR(desc, (offset-pciBAR0Offset)/4, binary.LittleEndian.Uint32(values))
	case offset == pciInterruptLineOffset:
		desc.Header.InterruptLine = values[0]
	}
	return nil
}

// writeCommand runs the BAR hooks for every decode bit the guest flips. The
// first rejection leaves the command register as it was.
func (p *PCI) writeCommand(desc *PCIDescriptor, cmd uint16) {
	toggled := desc.Header.Command ^ cmd
	if st := p.state[desc]; st != nil && st.handler != nil {
		for bar := 0; bar < numBARs; bar++ {
			bit := desc.commandBit(bar)
			if desc.BARSize[bar] == 0 || toggled&bit == 0 {
				continue
			}
			var err error
			if cmd&bit != 0 {
				err = st.handler.ActivateBAR(desc, bar)
			} else {
				err = st.handler.DeactivateBAR(desc, bar)
			}
			if err != nil {
				log.Printf("pci %04x:%04x: command %#04x rejected by bar %d: %v",
					desc.Header.VendorID, desc.Header.DeviceID, cmd, bar, err)
				return
			}
		}
	}
	desc.Header.Command = cmd
}

func (p *PCI) writeBAR(desc *PCIDescriptor, bar int, v uint32) {
	if desc.BARSize[bar] == 0 {
		return
	}
	st := p.stateOf(desc)
	if v == 0xffffffff {
		st.probing[bar] = true
		return
	}
	st.probing[bar] = false

	addr := v &^ desc.barFlags(bar)
	if addr == desc.BARAddress(bar) {
		return
	}
	// Addresses are assigned at registration and never move, whether or
	// not the function is decoding.
	log.Printf("pci %04x:%04x: bar %d move from %#x to %#x rejected",
		desc.Header.VendorID, desc.Header.DeviceID, bar, desc.BARAddress(bar), addr)
}

func (p *PCI) In(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	putLe32(values, uint32(p.addr))
	return nil
}

func (p *PCI) Out(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.addr = address(binary.LittleEndian.Uint32(values))
	return nil
}

type PCIConf struct {
	*PCI
}

func (c *PCIConf) In(port uint64, values []byte) error {
	return c.PciConfDataIn(port, values)
}

func (c *PCIConf) Out(port uint64, values []byte) error {
	return c.PciConfDataOut(port, values)
}
