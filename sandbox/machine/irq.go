package machine

import "unsafe"

const kvmIRQLineStatus = 0x67

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

func IRQLineStatus(vmFd P, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}
	_, err := Ioctl(vmFd,
		IIOWR(kvmIRQLineStatus, P(unsafe.Sizeof(irqLevel{}))), P(Ptr(&irqLev)))
	return err
}

// PulseIRQ raises and lowers an edge triggered line on the in-kernel PIC.
func (k *KVM) PulseIRQ(irq uint32) error {
	if err := IRQLineStatus(k.vmFd, irq, 0); err != nil {
		return err
	}
	return IRQLineStatus(k.vmFd, irq, 1)
}
