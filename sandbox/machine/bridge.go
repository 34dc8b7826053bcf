package machine

const (
	pciVendorIntel      = 0x8086
	pciDeviceHostBridge = 0x0d57
)

// NewHostBridge describes the host bridge that occupies PCI device 0. It
// has no BARs and does not decode any I/O of its own.
func NewHostBridge() *PCIDescriptor {
	return &PCIDescriptor{
		Header: DeviceHeader{
			VendorID:   pciVendorIntel,
			DeviceID:   pciDeviceHostBridge,
			HeaderType: PCIHeaderTypeNormal,
			// class 06 subclass 00: host bridge
			Class: [3]uint8{0x00, 0x00, 0x06},
		},
	}
}
