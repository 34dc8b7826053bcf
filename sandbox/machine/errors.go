package machine

import (
	"errors"
)

var (
	ErrBadCPU               = errors.New("bad cpu number")
	ErrUnsupported          = errors.New("unsupported")
	ErrMemTooSmall          = errors.New("mem request must be at least 1<<25")
	ErrMemTooLarge          = errors.New("mem request overlaps the 32 bit device window")
	ErrZeroSizeKernel       = errors.New("kernel is 0 bytes")
	ErrSignatureNotMatch    = errors.New("signature not match in bzImage")
	ErrOldProtocolVersion   = errors.New("old protocol version")
	ErrBridgeNotPermit      = errors.New("IO is not permitted for PCI bridge")
	ErrDataLenInvalid       = errors.New("invalid data size on port")
	ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")
	ErrBadRegister          = errors.New("bad register")
	ErrBadVA                = errors.New("bad virtual address")

	ErrRunDataShort  = errors.New("run page too short")
	ErrIODirection   = errors.New("invalid io direction")
	ErrIOWindow      = errors.New("io data window out of bounds")
	ErrNoPortHandler = errors.New("no handler for io port")
	ErrGuestReset    = errors.New("guest requested reset")

	ErrPortConflict       = errors.New("io port range already claimed")
	ErrPortNotRegistered  = errors.New("io port range not registered")
	ErrPortSpaceExhausted = errors.New("io port space exhausted")

	ErrMemoryConflict  = errors.New("guest physical range already mapped")
	ErrMemoryUnaligned = errors.New("guest physical range not page aligned")
	ErrMemoryNotFound  = errors.New("guest physical range not mapped")
	ErrNoMemorySlot    = errors.New("no free memory slot")

	ErrDeviceExists      = errors.New("device already registered")
	ErrDeviceNotFound    = errors.New("device not registered")
	ErrBusFull           = errors.New("no free device number on bus")
	ErrBARNotRegistered  = errors.New("bar regions not registered")
	ErrFramebufferExists = errors.New("framebuffer already registered")

	ErrOpenFailed  = errors.New("open host framebuffer")
	ErrQueryFailed = errors.New("query host framebuffer geometry")
	ErrMapFailed   = errors.New("map framebuffer memory")
	ErrBadGeometry = errors.New("invalid framebuffer geometry")

	ErrPortAllocationFailed          = errors.New("io port allocation failed")
	ErrBarRegistrationFailed         = errors.New("bar registration failed")
	ErrDeviceRegistrationFailed      = errors.New("device registration failed")
	ErrMemoryBackingFailed           = errors.New("memory backing failed")
	ErrGuestMappingFailed            = errors.New("guest mapping failed")
	ErrFramebufferRegistrationFailed = errors.New("framebuffer registration failed")
	ErrGeometryMismatch              = errors.New("device geometry out of sync with backing memory")
	ErrAlreadyRegistered             = errors.New("device already registered with platform")
	ErrUnsupportedOperation          = errors.New("unsupported operation")
)
