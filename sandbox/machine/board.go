package machine

import (
	"fmt"
)

// Board is the set of buses and allocators devices are plugged into. It
// implements Platform.
type Board struct {
	IO           *IOBus
	Ports        *PortAllocator
	PCI          *PCI
	Devices      *DeviceDirectory
	Memory       *GuestMemory
	Framebuffers FramebufferRegistry

	vm *KVM
}

// NewBoard wires the PCI host bridge in as device 0 and claims the
// configuration and legacy ISA ports. vm may be nil when mapper is not a
// real VM.
func NewBoard(vm *KVM, mapper MemoryMapper) (*Board, error) {
	b := &Board{
		IO:      NewIOBus(),
		Ports:   NewPortAllocator(),
		Devices: NewDeviceDirectory(),
		Memory:  NewGuestMemory(mapper),
		vm:      vm,
	}
	b.PCI = NewPCI(b.Devices)

	if err := b.Devices.Register(&DeviceEntry{Bus: BusPCI, Name: "host-bridge", PCI: NewHostBridge()}); err != nil {
		return nil, fmt.Errorf("host bridge: %w", err)
	}
	if err := b.PCI.RegisterPorts(b.IO); err != nil {
		return nil, fmt.Errorf("pci ports: %w", err)
	}
	if err := RegisterLegacyPorts(b.IO); err != nil {
		return nil, fmt.Errorf("legacy ports: %w", err)
	}
	return b, nil
}

func (b *Board) AllocIOPortBlock(size uint64) (uint64, error) {
	return b.Ports.Alloc(size)
}

func (b *Board) ReleaseIOPortBlock(base uint64) error {
	return b.Ports.Release(base)
}

func (b *Board) RegisterIOPort(base, size uint64, io PortIO) error {
	return b.IO.Register(base, size, io)
}

func (b *Board) UnregisterIOPort(base uint64) error {
	return b.IO.Unregister(base)
}

func (b *Board) RegisterBARRegions(desc *PCIDescriptor, h BARHandler) error {
	return b.PCI.RegisterBARRegions(desc, h)
}

func (b *Board) UnregisterBARRegions(desc *PCIDescriptor) error {
	return b.PCI.UnregisterBARRegions(desc)
}

func (b *Board) RegisterDevice(e *DeviceEntry) error {
	return b.Devices.Register(e)
}

func (b *Board) UnregisterDevice(e *DeviceEntry) error {
	return b.Devices.Unregister(e)
}

func (b *Board) MapGuestMemory(gpa uint64, buf []byte) error {
	return b.Memory.Map(gpa, buf)
}

func (b *Board) UnmapGuestMemory(gpa uint64) error {
	return b.Memory.Unmap(gpa)
}

func (b *Board) RegisterFramebuffer(fb *Framebuffer) error {
	return b.Framebuffers.Register(fb)
}

func (b *Board) UnregisterFramebuffer(fb *Framebuffer) {
	b.Framebuffers.Unregister(fb)
}

func (b *Board) VM() *KVM {
	return b.vm
}
