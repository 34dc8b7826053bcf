package machine

import (
	"fmt"
	"log"
	"math"
	"math/bits"

	"golang.org/x/sys/unix"
)

const (
	VESAMemAddr = 0xd000_0000
	VESAMemSize = 1 << 21
	VESAWidth   = 640
	VESAHeight  = 480
	VESABPP     = 32

	HostFramebuffer = "/dev/fb0"

	fbioGetVScreenInfo = 0x4600
)

type Geometry struct {
	Width  uint32
	Height uint32
	BPP    uint32
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%dx%d", g.Width, g.Height, g.BPP)
}

// FrameSize is the number of bytes one full frame of g occupies.
func (g Geometry) FrameSize() uint64 {
	return uint64(g.Width) * uint64(g.Height) * uint64(g.BPP) / 8
}

// screen_info carries mode fields as 16 bit values.
const maxModeField = 0xffff

// Check rejects modes the boot protocol cannot describe to the guest.
func (g Geometry) Check() error {
	switch {
	case g.FrameSize() == 0:
		return fmt.Errorf("%v: empty mode: %w", g, ErrBadGeometry)
	case g.BPP%8 != 0 || g.BPP > 32:
		return fmt.Errorf("%v: depth %d: %w", g, g.BPP, ErrBadGeometry)
	case g.Width > maxModeField || g.Height > maxModeField:
		return fmt.Errorf("%v: resolution past %d: %w", g, maxModeField, ErrBadGeometry)
	case uint64(g.Width)*uint64(g.BPP)/8 > maxModeField:
		return fmt.Errorf("%v: scan line past %d bytes: %w", g, maxModeField, ErrBadGeometry)
	}
	return nil
}

// RegionLength is the smallest power of two, and at least one page, that
// holds a frame of g. The result must fit a 32 bit memory BAR.
func RegionLength(g Geometry) (uint64, error) {
	if err := g.Check(); err != nil {
		return 0, err
	}
	n := g.FrameSize()
	l := uint64(1) << bits.Len64(n-1)
	if page := uint64(unix.Getpagesize()); l < page {
		l = page
	}
	if l > 1<<31 {
		return 0, fmt.Errorf("%v needs %#x bytes: %w", g, l, ErrBadGeometry)
	}
	return l, nil
}

// MemoryRegion is the host memory behind a device window in guest
// physical space. It is owned by exactly one device.
type MemoryRegion struct {
	GuestAddr   uint64
	Len         uint64
	Geometry    Geometry
	Passthrough bool

	buf   []byte
	unmap func([]byte) error
}

func (r *MemoryRegion) Bytes() []byte {
	return r.buf
}

// Release unmaps the backing memory. Calling it again is a no-op.
func (r *MemoryRegion) Release() error {
	if r.buf == nil {
		return nil
	}
	buf := r.buf
	r.buf = nil
	return r.unmap(buf)
}

type FbBitfield struct {
	Offset   uint32
	Length   uint32
	MsbRight uint32
}

// FbVarScreeninfo is struct fb_var_screeninfo.
type FbVarScreeninfo struct {
	Xres         uint32
	Yres         uint32
	XresVirtual  uint32
	YresVirtual  uint32
	Xoffset      uint32
	Yoffset      uint32
	BitsPerPixel uint32
	Grayscale    uint32
	Red          FbBitfield
	Green        FbBitfield
	Blue         FbBitfield
	Transp       FbBitfield
	Nonstd       uint32
	Activate     uint32
	Height       uint32
	Width        uint32
	AccelFlags   uint32
	Pixclock     uint32
	LeftMargin   uint32
	RightMargin  uint32
	UpperMargin  uint32
	LowerMargin  uint32
	HsyncLen     uint32
	VsyncLen     uint32
	Sync         uint32
	Vmode        uint32
	Rotate       uint32
	Colorspace   uint32
	Reserved     [4]uint32
}

// HostDisplay is an open host framebuffer device.
type HostDisplay interface {
	ScreenInfo() (*FbVarScreeninfo, error)
	Map(length int) ([]byte, error)
	Unmap(buf []byte) error
	Close() error
}

type fbDev struct {
	fd int
}

func OpenFbDev(path string) (HostDisplay, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_DIRECT|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &fbDev{fd: fd}, nil
}

func (d *fbDev) ScreenInfo() (*FbVarScreeninfo, error) {
	vi := &FbVarScreeninfo{}
	if _, err := Ioctl(P(d.fd), fbioGetVScreenInfo, P(Ptr(vi))); err != nil {
		return nil, err
	}
	return vi, nil
}

func (d *fbDev) Map(length int) ([]byte, error) {
	return unix.Mmap(d.fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_LOCKED)
}

func (d *fbDev) Unmap(buf []byte) error {
	return unix.Munmap(buf)
}

func (d *fbDev) Close() error {
	return unix.Close(d.fd)
}

// RegionManager produces the backing for one device window: anonymous
// memory sized from Geometry, or the host display named by Device.
type RegionManager struct {
	GuestAddr uint64
	Geometry  Geometry
	Device    string
	Open      func(path string) (HostDisplay, error)
}

func NewRegionManager(gpa uint64, g Geometry) *RegionManager {
	return &RegionManager{
		GuestAddr: gpa,
		Geometry:  g,
		Device:    HostFramebuffer,
		Open:      OpenFbDev,
	}
}

// AcquireBacking maps the memory for the window. With passthrough the
// region takes the host display's virtual resolution, depth and length.
func (m *RegionManager) AcquireBacking(usePassthrough bool) (*MemoryRegion, error) {
	if usePassthrough {
		return m.passthrough()
	}

	l, err := RegionLength(m.Geometry)
	if err != nil {
		return nil, err
	}
	buf, err := unix.Mmap(-1, 0, int(l), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("%w: anonymous %#x bytes: %w", ErrMapFailed, l, err)
	}
	return &MemoryRegion{
		GuestAddr: m.GuestAddr,
		Len:       l,
		Geometry:  m.Geometry,
		buf:       buf,
		unmap:     unix.Munmap,
	}, nil
}

func (m *RegionManager) passthrough() (*MemoryRegion, error) {
	d, err := m.Open(m.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, m.Device, err)
	}
	defer d.Close()

	vi, err := d.ScreenInfo()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrQueryFailed, m.Device, err)
	}
	if vi.Xres != vi.XresVirtual || vi.Yres != vi.YresVirtual {
		log.Printf("Warning: %s scan lines not contiguous. Check with fbset", m.Device)
	}
	if vi.BitsPerPixel != m.Geometry.BPP {
		log.Printf("Warning: %s not %d bits per pixel", m.Device, m.Geometry.BPP)
	}

	g := Geometry{Width: vi.XresVirtual, Height: vi.YresVirtual, BPP: vi.BitsPerPixel}
	if err := g.Check(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrQueryFailed, m.Device, err)
	}
	n := alignUp(g.FrameSize(), uint64(unix.Getpagesize()))
	if n > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %s reports %v: %w", ErrQueryFailed, m.Device, g, ErrBadGeometry)
	}

	log.Printf("vesa: mapping %d bytes", n)
	buf, err := d.Map(int(n))
	if err != nil {
		return nil, fmt.Errorf("%w: %s %#x bytes: %w", ErrMapFailed, m.Device, n, err)
	}
	clear(buf)

	return &MemoryRegion{
		GuestAddr:   m.GuestAddr,
		Len:         n,
		Geometry:    g,
		Passthrough: true,
		buf:         buf,
		unmap:       d.Unmap,
	}, nil
}
