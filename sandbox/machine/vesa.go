package machine

import (
	"errors"
	"fmt"
	"log"
)

const (
	pciVendorRedHatQumranet       = 0x1af4
	pciDeviceVESA                 = 0x2000
	pciSubsysVendorRedHatQumranet = 0x1af4
	pciSubsysVESA                 = 0x0004

	vesaIOBAR  = 0
	vesaMemBAR = 1
)

// Platform is what a PCI device needs from the machine to come up.
type Platform interface {
	AllocIOPortBlock(size uint64) (uint64, error)
	ReleaseIOPortBlock(base uint64) error
	RegisterIOPort(base, size uint64, io PortIO) error
	UnregisterIOPort(base uint64) error
	RegisterBARRegions(desc *PCIDescriptor, h BARHandler) error
	UnregisterBARRegions(desc *PCIDescriptor) error
	RegisterDevice(e *DeviceEntry) error
	UnregisterDevice(e *DeviceEntry) error
	MapGuestMemory(gpa uint64, buf []byte) error
	UnmapGuestMemory(gpa uint64) error
	RegisterFramebuffer(fb *Framebuffer) error
	UnregisterFramebuffer(fb *Framebuffer)
	VM() *KVM
}

type undoStack []func() error

func (u *undoStack) push(f func() error) {
	*u = append(*u, f)
}

// unwind runs the recorded steps newest first and empties the stack.
func (u *undoStack) unwind() error {
	var errs []error
	for i := len(*u) - 1; i >= 0; i-- {
		if err := (*u)[i](); err != nil {
			errs = append(errs, err)
		}
	}
	*u = nil
	return errors.Join(errs...)
}

// VESA is a PCI display function with a linear framebuffer behind BAR 1
// at a fixed guest physical address. BAR 0 is an I/O window that accepts
// and ignores every access.
type VESA struct {
	Passthrough bool
	Regions     *RegionManager

	desc   *PCIDescriptor
	entry  *DeviceEntry
	region *MemoryRegion
	fb     *Framebuffer
	ioBase uint64

	platform Platform
	undo     undoStack
}

func NewVESA(g Geometry, passthrough bool) (*VESA, error) {
	size, err := RegionLength(g)
	if err != nil {
		return nil, err
	}
	return &VESA{
		Passthrough: passthrough,
		Regions:     NewRegionManager(VESAMemAddr, g),
		desc: &PCIDescriptor{
			Header: DeviceHeader{
				VendorID:       pciVendorRedHatQumranet,
				DeviceID:       pciDeviceVESA,
				HeaderType:     PCIHeaderTypeNormal,
				Class:          [3]uint8{0x00, 0x00, 0x03},
				SubsysVendorID: pciSubsysVendorRedHatQumranet,
				SubsysID:       pciSubsysVESA,
				BAR:            [numBARs]uint32{vesaMemBAR: VESAMemAddr | PCIBARSpaceMemory},
			},
			BARSize: [numBARs]uint32{vesaMemBAR: uint32(size)},
		},
	}, nil
}

func (v *VESA) Descriptor() *PCIDescriptor { return v.desc }

func (v *VESA) Framebuffer() *Framebuffer { return v.fb }

func (v *VESA) IOBase() uint64 { return v.ioBase }

// Register brings the device up on p. Every step that succeeded is undone,
// newest first, when a later one fails.
func (v *VESA) Register(p Platform) (_ *Framebuffer, err error) {
	if v.platform != nil {
		return nil, ErrAlreadyRegistered
	}

	var undo undoStack
	defer func() {
		if err == nil {
			return
		}
		if uerr := undo.unwind(); uerr != nil {
			err = errors.Join(err, uerr)
		}
	}()

	base, err := p.AllocIOPortBlock(PCIIOSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPortAllocationFailed, err)
	}
	undo.push(func() error { return p.ReleaseIOPortBlock(base) })
	if err := p.RegisterIOPort(base, PCIIOSize, v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPortAllocationFailed, err)
	}
	undo.push(func() error { return p.UnregisterIOPort(base) })

	v.desc.Header.BAR[vesaIOBAR] = uint32(base) | PCIBARSpaceIO
	v.desc.BARSize[vesaIOBAR] = PCIIOSize
	undo.push(func() error {
		v.desc.Header.BAR[vesaIOBAR], v.desc.BARSize[vesaIOBAR] = 0, 0
		return nil
	})
	if err := p.RegisterBARRegions(v.desc, v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBarRegistrationFailed, err)
	}
	undo.push(func() error { return p.UnregisterBARRegions(v.desc) })

	entry := &DeviceEntry{Bus: BusPCI, Name: "vesa", PCI: v.desc}
	if err := p.RegisterDevice(entry); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceRegistrationFailed, err)
	}
	undo.push(func() error { return p.UnregisterDevice(entry) })

	region, err := v.Regions.AcquireBacking(v.Passthrough)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMemoryBackingFailed, err)
	}
	undo.push(region.Release)

	fb := &Framebuffer{Region: region, VM: p.VM()}
	if err := v.syncGeometry(region, fb); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMemoryBackingFailed, err)
	}

	if err := p.MapGuestMemory(region.GuestAddr, region.Bytes()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGuestMappingFailed, err)
	}
	undo.push(func() error { return p.UnmapGuestMemory(region.GuestAddr) })

	if err := p.RegisterFramebuffer(fb); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFramebufferRegistrationFailed, err)
	}
	undo.push(func() error {
		p.UnregisterFramebuffer(fb)
		return nil
	})

	if debug {
		log.Printf("vesa: pci %02d io %#x fb %v", entry.Num, base, fb)
	}
	v.platform, v.undo = p, undo
	v.entry, v.region, v.fb, v.ioBase = entry, region, fb, base
	return fb, nil
}

// Teardown reverses a successful Register.
func (v *VESA) Teardown() error {
	if v.platform == nil {
		return fmt.Errorf("vesa: %w", ErrDeviceNotFound)
	}
	err := v.undo.unwind()
	v.platform = nil
	v.entry, v.region, v.fb, v.ioBase = nil, nil, nil, 0
	return err
}

// syncGeometry copies everything that depends on the backing memory from
// region into the descriptor and fb, then checks nothing was missed.
func (v *VESA) syncGeometry(region *MemoryRegion, fb *Framebuffer) error {
	v.desc.BARSize[vesaMemBAR] = uint32(region.Len)
	fb.Width = region.Geometry.Width
	fb.Height = region.Geometry.Height
	fb.Depth = region.Geometry.BPP
	fb.Addr = region.GuestAddr
	fb.Size = region.Len
	return v.validateGeometry(region, fb)
}

func (v *VESA) validateGeometry(region *MemoryRegion, fb *Framebuffer) error {
	g := region.Geometry
	switch {
	case uint64(v.desc.BARSize[vesaMemBAR]) != region.Len:
		return fmt.Errorf("bar %d size %#x, region %#x: %w",
			vesaMemBAR, v.desc.BARSize[vesaMemBAR], region.Len, ErrGeometryMismatch)
	case uint64(v.desc.BARAddress(vesaMemBAR)) != region.GuestAddr:
		return fmt.Errorf("bar %d at %#x, region at %#x: %w",
			vesaMemBAR, v.desc.BARAddress(vesaMemBAR), region.GuestAddr, ErrGeometryMismatch)
	case fb.Width != g.Width || fb.Height != g.Height || fb.Depth != g.BPP:
		return fmt.Errorf("framebuffer %dx%dx%d, region %v: %w",
			fb.Width, fb.Height, fb.Depth, g, ErrGeometryMismatch)
	case fb.Addr != region.GuestAddr || fb.Size != region.Len:
		return fmt.Errorf("framebuffer %v, region %#x+%#x: %w",
			fb, region.GuestAddr, region.Len, ErrGeometryMismatch)
	case g.FrameSize() > region.Len:
		return fmt.Errorf("region %v does not fit %#x bytes: %w", g, region.Len, ErrGeometryMismatch)
	case fb.Region != region:
		return fmt.Errorf("framebuffer region: %w", ErrGeometryMismatch)
	}
	return nil
}

func (v *VESA) In(port uint64, data []byte) error {
	clear(data)
	return nil
}

func (v *VESA) Out(port uint64, data []byte) error {
	return nil
}

// ActivateBAR accepts the guest enabling decode. The framebuffer is mapped
// for the VM's lifetime so there is nothing to do.
func (v *VESA) ActivateBAR(desc *PCIDescriptor, bar int) error {
	return nil
}

// DeactivateBAR refuses: the framebuffer cannot be unmapped or moved.
func (v *VESA) DeactivateBAR(desc *PCIDescriptor, bar int) error {
	return fmt.Errorf("vesa: deactivate bar %d: %w", bar, ErrUnsupportedOperation)
}
