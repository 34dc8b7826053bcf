package machine

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

// failingPlatform fails the named step and passes everything else to Board.
type failingPlatform struct {
	*Board
	step string
	err  error
}

func (f *failingPlatform) fail(step string) error {
	if f.step == step {
		return f.err
	}
	return nil
}

func (f *failingPlatform) AllocIOPortBlock(size uint64) (uint64, error) {
	if err := f.fail("alloc"); err != nil {
		return 0, err
	}
	return f.Board.AllocIOPortBlock(size)
}

func (f *failingPlatform) RegisterIOPort(base, size uint64, io PortIO) error {
	if err := f.fail("ioport"); err != nil {
		return err
	}
	return f.Board.RegisterIOPort(base, size, io)
}

func (f *failingPlatform) RegisterBARRegions(desc *PCIDescriptor, h BARHandler) error {
	if err := f.fail("bar"); err != nil {
		return err
	}
	return f.Board.RegisterBARRegions(desc, h)
}

func (f *failingPlatform) RegisterDevice(e *DeviceEntry) error {
	if err := f.fail("device"); err != nil {
		return err
	}
	return f.Board.RegisterDevice(e)
}

func (f *failingPlatform) MapGuestMemory(gpa uint64, buf []byte) error {
	if err := f.fail("map"); err != nil {
		return err
	}
	return f.Board.MapGuestMemory(gpa, buf)
}

func (f *failingPlatform) RegisterFramebuffer(fb *Framebuffer) error {
	if err := f.fail("framebuffer"); err != nil {
		return err
	}
	return f.Board.RegisterFramebuffer(fb)
}

func newTestVESA(t *testing.T, g Geometry) *VESA {
	t.Helper()
	v, err := NewVESA(g, false)
	if err != nil {
		t.Fatalf("NewVESA(%v) error = %v", g, err)
	}
	return v
}

// checkUnwound fails t if anything a VESA registration claims is still held
// on b.
func checkUnwound(t *testing.T, b *Board, v *VESA) {
	t.Helper()
	if got := b.Devices.Len(BusPCI); got != 1 {
		t.Errorf("%d pci devices left, want only the host bridge", got)
	}
	if got := b.Memory.Regions(); len(got) != 0 {
		t.Errorf("guest memory left mapped: %+v", got)
	}
	if got := b.Framebuffers.List(); len(got) != 0 {
		t.Errorf("framebuffers left registered: %v", got)
	}
	if err := b.IO.Emulate(ioPortAreaStart, []byte{0}, EXITIOIN, 1, 1); !errors.Is(err, ErrNoPortHandler) {
		t.Errorf("port %#x still claimed: %v", ioPortAreaStart, err)
	}
	if err := b.UnregisterBARRegions(v.Descriptor()); !errors.Is(err, ErrBARNotRegistered) {
		t.Errorf("bar regions still registered: %v", err)
	}
	if bar := v.Descriptor().Header.BAR[vesaIOBAR]; bar != 0 {
		t.Errorf("io bar = %#x, want cleared", bar)
	}
	base, err := b.AllocIOPortBlock(PCIIOSize)
	if err != nil || base != ioPortAreaStart {
		t.Errorf("AllocIOPortBlock() = %#x, %v, want the released block %#x", base, err, ioPortAreaStart)
	}
}

func TestVESARegister(t *testing.T) {
	b, mapper := newTestBoard(t)
	v := newTestVESA(t, Geometry{800, 600, 32})

	fb, err := v.Register(b)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if fb.Width != 800 || fb.Height != 600 || fb.Depth != 32 {
		t.Errorf("framebuffer = %v, want 800x600x32", fb)
	}
	if fb.Addr != VESAMemAddr || fb.Size != 1<<21 {
		t.Errorf("framebuffer at %#x size %#x, want %#x size %#x", fb.Addr, fb.Size, VESAMemAddr, 1<<21)
	}
	if fb.Stride() != 3200 {
		t.Errorf("Stride() = %d, want 3200", fb.Stride())
	}
	if v.Framebuffer() != fb || v.IOBase() != ioPortAreaStart {
		t.Errorf("Framebuffer(), IOBase() = %v, %#x, want %v, %#x", v.Framebuffer(), v.IOBase(), fb, ioPortAreaStart)
	}

	desc := v.Descriptor()
	if desc.Header.BAR[vesaIOBAR] != ioPortAreaStart|PCIBARSpaceIO || desc.BARSize[vesaIOBAR] != PCIIOSize {
		t.Errorf("io bar = %#x size %#x, want %#x size %#x",
			desc.Header.BAR[vesaIOBAR], desc.BARSize[vesaIOBAR], ioPortAreaStart|PCIBARSpaceIO, PCIIOSize)
	}
	if desc.BARSize[vesaMemBAR] != 1<<21 || desc.BARAddress(vesaMemBAR) != VESAMemAddr {
		t.Errorf("memory bar = %#x size %#x", desc.BARAddress(vesaMemBAR), desc.BARSize[vesaMemBAR])
	}

	if got := configRead(t, b.IO, 1, 0, 4); got != 0x2000_1af4 {
		t.Errorf("pci 01 ids = %#x, want 0x20001af4", got)
	}
	if got := configRead(t, b.IO, 1, 0x2c, 4); got != 0x0004_1af4 {
		t.Errorf("pci 01 subsystem = %#x, want 0x00041af4", got)
	}
	if got := configRead(t, b.IO, 1, 0x08, 4) >> 8; got != 0x03_0000 {
		t.Errorf("pci 01 class = %#06x, want 0x030000", got)
	}

	if len(mapper.calls) != 1 {
		t.Fatalf("mapper saw %d calls, want 1", len(mapper.calls))
	}
	if r := mapper.calls[0]; r.GuestPhysAddr != VESAMemAddr || r.MemorySize != 1<<21 {
		t.Errorf("mapped %#x size %#x, want %#x size %#x", r.GuestPhysAddr, r.MemorySize, VESAMemAddr, 1<<21)
	}
	if got := b.Framebuffers.List(); len(got) != 1 || got[0] != fb {
		t.Errorf("Framebuffers.List() = %v, want [%v]", got, fb)
	}

	if _, err := v.Register(b); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("Register() twice error = %v, want %v", err, ErrAlreadyRegistered)
	}
}

func TestVESAPassthroughGeometry(t *testing.T) {
	b, mapper := newTestBoard(t)
	v := newTestVESA(t, Geometry{640, 480, 32})
	v.Passthrough = true
	v.Regions.Open = func(string) (HostDisplay, error) {
		return newFakeDisplay(1024, 768, 16), nil
	}

	fb, err := v.Register(b)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if fb.Width != 1024 || fb.Height != 768 || fb.Depth != 16 || fb.Size != 1572864 {
		t.Errorf("framebuffer = %v, want 1024x768x16 size 1572864", fb)
	}
	if got := v.Descriptor().BARSize[vesaMemBAR]; got != 1572864 {
		t.Errorf("memory bar size = %d, want 1572864", got)
	}
	if got := mapper.calls[0].MemorySize; got != 1572864 {
		t.Errorf("mapped %d bytes, want 1572864", got)
	}
	// the bus rounds the probe up to the next power of two
	configWrite(t, b.IO, 1, pciBAR0Offset+4, 4, 0xffff_ffff)
	if got := configRead(t, b.IO, 1, pciBAR0Offset+4, 4); got != 0xffe0_0000 {
		t.Errorf("memory bar probe = %#x, want 0xffe00000", got)
	}
}

func TestVESARegisterUnwinds(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		step string
		err  error
	}{
		{"alloc", ErrPortAllocationFailed},
		{"ioport", ErrPortAllocationFailed},
		{"bar", ErrBarRegistrationFailed},
		{"device", ErrDeviceRegistrationFailed},
		{"backing", ErrMemoryBackingFailed},
		{"map", ErrGuestMappingFailed},
		{"framebuffer", ErrFramebufferRegistrationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			b, _ := newTestBoard(t)
			v := newTestVESA(t, Geometry{640, 480, 32})
			if tt.step == "backing" {
				v.Passthrough = true
				v.Regions.Open = func(string) (HostDisplay, error) { return nil, unix.ENOENT }
			}
			p := &failingPlatform{Board: b, step: tt.step, err: boom}

			fb, err := v.Register(p)
			if !errors.Is(err, tt.err) {
				t.Fatalf("Register() error = %v, want %v", err, tt.err)
			}
			if tt.step != "backing" && !errors.Is(err, boom) {
				t.Errorf("Register() error = %v, want cause %v", err, boom)
			}
			if fb != nil {
				t.Errorf("Register() framebuffer = %v, want nil", fb)
			}
			checkUnwound(t, b, v)

			// a failed registration leaves the device free to try again
			v.Passthrough = false
			if _, err := v.Register(b); err != nil {
				t.Errorf("Register() after failure error = %v", err)
			}
		})
	}
}

func TestVESASecondInstance(t *testing.T) {
	b, _ := newTestBoard(t)
	first := newTestVESA(t, Geometry{640, 480, 32})
	if _, err := first.Register(b); err != nil {
		t.Fatal(err)
	}

	second := newTestVESA(t, Geometry{640, 480, 32})
	_, err := second.Register(b)
	if !errors.Is(err, ErrGuestMappingFailed) || !errors.Is(err, ErrMemoryConflict) {
		t.Fatalf("Register() second error = %v, want %v and %v", err, ErrGuestMappingFailed, ErrMemoryConflict)
	}
	if got := b.Devices.Len(BusPCI); got != 2 {
		t.Errorf("%d pci devices, want bridge and first vesa", got)
	}
	if got := len(b.Memory.Regions()); got != 1 {
		t.Errorf("%d guest mappings, want 1", got)
	}
	if base, err := b.AllocIOPortBlock(PCIIOSize); err != nil || base != ioPortAreaStart+PCIIOSize {
		t.Errorf("AllocIOPortBlock() = %#x, %v, want %#x", base, err, ioPortAreaStart+PCIIOSize)
	}
}

func TestVESATeardown(t *testing.T) {
	b, mapper := newTestBoard(t)
	v := newTestVESA(t, Geometry{640, 480, 32})
	if err := v.Teardown(); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Teardown() before Register error = %v, want %v", err, ErrDeviceNotFound)
	}

	fb, err := v.Register(b)
	if err != nil {
		t.Fatal(err)
	}
	region := fb.Region
	if err := v.Teardown(); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	checkUnwound(t, b, v)
	if region.Bytes() != nil {
		t.Error("region still mapped after Teardown")
	}
	if last := mapper.calls[len(mapper.calls)-1]; last.MemorySize != 0 || last.GuestPhysAddr != VESAMemAddr {
		t.Errorf("last mapper call = %+v, want a delete at %#x", last, VESAMemAddr)
	}
	if v.Framebuffer() != nil {
		t.Errorf("Framebuffer() after Teardown = %v, want nil", v.Framebuffer())
	}
	if err := v.Teardown(); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Teardown() twice error = %v, want %v", err, ErrDeviceNotFound)
	}
}

func TestVESAPortIO(t *testing.T) {
	b, _ := newTestBoard(t)
	v := newTestVESA(t, Geometry{640, 480, 32})
	if _, err := v.Register(b); err != nil {
		t.Fatal(err)
	}

	for _, size := range []uint8{1, 2, 4} {
		for _, port := range []uint64{v.IOBase(), v.IOBase() + PCIIOSize - uint64(size)} {
			data := []byte{0xff, 0xff, 0xff, 0xff}[:size]
			if err := b.IO.Emulate(uint16(port), data, EXITIOIN, size, 1); err != nil {
				t.Errorf("in %d at %#x error = %v", size, port, err)
			}
			for _, c := range data {
				if c != 0 {
					t.Errorf("in %d at %#x = %x, want zeros", size, port, data)
					break
				}
			}
			if err := b.IO.Emulate(uint16(port), []byte{1, 2, 3, 4}[:size], EXITIOOUT, size, 1); err != nil {
				t.Errorf("out %d at %#x error = %v", size, port, err)
			}
		}
	}
}

func TestVESABARHooks(t *testing.T) {
	b, _ := newTestBoard(t)
	v := newTestVESA(t, Geometry{640, 480, 32})
	if _, err := v.Register(b); err != nil {
		t.Fatal(err)
	}
	if err := v.ActivateBAR(v.Descriptor(), vesaMemBAR); err != nil {
		t.Errorf("ActivateBAR() error = %v", err)
	}
	if err := v.DeactivateBAR(v.Descriptor(), vesaMemBAR); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("DeactivateBAR() error = %v, want %v", err, ErrUnsupportedOperation)
	}

	configWrite(t, b.IO, 1, pciCommandOffset, 2, PCICommandIO|PCICommandMemory)
	if got := v.Descriptor().Header.Command; got != PCICommandIO|PCICommandMemory {
		t.Fatalf("command = %#x after enable, want %#x", got, PCICommandIO|PCICommandMemory)
	}
	configWrite(t, b.IO, 1, pciCommandOffset, 2, 0)
	if got := v.Descriptor().Header.Command; got != PCICommandIO|PCICommandMemory {
		t.Errorf("command = %#x after rejected disable, want unchanged", got)
	}
	configWrite(t, b.IO, 1, pciBAR0Offset+4, 4, 0xe000_0000)
	if got := v.Descriptor().BARAddress(vesaMemBAR); got != VESAMemAddr {
		t.Errorf("memory bar moved to %#x while mapped", got)
	}
}

func TestVESAMemoryBARStaysWithMapping(t *testing.T) {
	b, _ := newTestBoard(t)
	v := newTestVESA(t, Geometry{640, 480, 32})
	fb, err := v.Register(b)
	if err != nil {
		t.Fatal(err)
	}
	if got := v.Descriptor().Header.Command; got&PCICommandMemory != 0 {
		t.Fatalf("command = %#x, want memory decode off", got)
	}

	configWrite(t, b.IO, 1, pciBAR0Offset+4, 4, 0xe000_0000)
	if got := configRead(t, b.IO, 1, pciBAR0Offset+4, 4); got != VESAMemAddr {
		t.Errorf("memory bar = %#x after move with decode off, want %#x", got, VESAMemAddr)
	}
	if fb.Addr != VESAMemAddr {
		t.Errorf("framebuffer at %#x, want %#x", fb.Addr, VESAMemAddr)
	}
	mapped := false
	for _, r := range b.Memory.Regions() {
		if r.GuestPhysAddr == VESAMemAddr && r.MemorySize == fb.Size {
			mapped = true
		}
	}
	if !mapped {
		t.Errorf("framebuffer no longer mapped at %#x: %+v", VESAMemAddr, b.Memory.Regions())
	}

	configWrite(t, b.IO, 1, pciBAR0Offset+4, 4, 0xffff_ffff)
	if got := configRead(t, b.IO, 1, pciBAR0Offset+4, 4); got != 0xffe0_0000 {
		t.Errorf("size probe = %#x, want 0xffe00000", got)
	}
	configWrite(t, b.IO, 1, pciBAR0Offset+4, 4, VESAMemAddr)
	if got := configRead(t, b.IO, 1, pciBAR0Offset+4, 4); got != VESAMemAddr {
		t.Errorf("memory bar = %#x after restore, want %#x", got, VESAMemAddr)
	}
}

func TestNewVESABadGeometry(t *testing.T) {
	for _, g := range []Geometry{{0, 480, 32}, {70000, 16, 8}, {640, 480, 64}} {
		if _, err := NewVESA(g, false); !errors.Is(err, ErrBadGeometry) {
			t.Errorf("NewVESA(%v) error = %v, want %v", g, err, ErrBadGeometry)
		}
	}
}

func TestVESAValidateGeometry(t *testing.T) {
	tests := []struct {
		name  string
		stale func(v *VESA, r *MemoryRegion, fb *Framebuffer)
	}{
		{"bar size", func(v *VESA, r *MemoryRegion, fb *Framebuffer) { v.desc.BARSize[vesaMemBAR] = 1 << 20 }},
		{"bar address", func(v *VESA, r *MemoryRegion, fb *Framebuffer) { v.desc.Header.BAR[vesaMemBAR] = 0xe000_0000 }},
		{"width", func(v *VESA, r *MemoryRegion, fb *Framebuffer) { fb.Width = 640 }},
		{"depth", func(v *VESA, r *MemoryRegion, fb *Framebuffer) { fb.Depth = 16 }},
		{"address", func(v *VESA, r *MemoryRegion, fb *Framebuffer) { fb.Addr = 0 }},
		{"size", func(v *VESA, r *MemoryRegion, fb *Framebuffer) { fb.Size = 1 << 20 }},
		{"region", func(v *VESA, r *MemoryRegion, fb *Framebuffer) { fb.Region = &MemoryRegion{} }},
		{"frame too large", func(v *VESA, r *MemoryRegion, fb *Framebuffer) {
			r.Geometry = Geometry{2048, 2048, 32}
			fb.Width, fb.Height = 2048, 2048
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVESA(t, Geometry{800, 600, 32})
			r := &MemoryRegion{GuestAddr: VESAMemAddr, Len: 1 << 21, Geometry: Geometry{800, 600, 32}}
			fb := &Framebuffer{Region: r}
			if err := v.syncGeometry(r, fb); err != nil {
				t.Fatalf("syncGeometry() error = %v", err)
			}
			tt.stale(v, r, fb)
			if err := v.validateGeometry(r, fb); !errors.Is(err, ErrGeometryMismatch) {
				t.Errorf("validateGeometry() error = %v, want %v", err, ErrGeometryMismatch)
			}
		})
	}
}
