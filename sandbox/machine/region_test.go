package machine

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

type fakeDisplay struct {
	info     FbVarScreeninfo
	queryErr error
	mapErr   error

	mapped   int
	unmapped int
	closed   bool
}

func (d *fakeDisplay) ScreenInfo() (*FbVarScreeninfo, error) {
	if d.queryErr != nil {
		return nil, d.queryErr
	}
	vi := d.info
	return &vi, nil
}

func (d *fakeDisplay) Map(length int) ([]byte, error) {
	if d.mapErr != nil {
		return nil, d.mapErr
	}
	d.mapped = length
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = 0xaa
	}
	return buf, nil
}

func (d *fakeDisplay) Unmap(buf []byte) error {
	d.unmapped++
	return nil
}

func (d *fakeDisplay) Close() error {
	d.closed = true
	return nil
}

func newFakeDisplay(w, h, bpp uint32) *fakeDisplay {
	return &fakeDisplay{info: FbVarScreeninfo{
		Xres: w, Yres: h, XresVirtual: w, YresVirtual: h, BitsPerPixel: bpp,
	}}
}

func TestRegionLength(t *testing.T) {
	page := uint64(unix.Getpagesize())
	tests := []struct {
		name string
		g    Geometry
		want uint64
		err  error
	}{
		{"default", Geometry{640, 480, 32}, 1 << 21, nil},
		{"800x600x32", Geometry{800, 600, 32}, 1 << 21, nil},
		{"1024x768x16", Geometry{1024, 768, 16}, 1 << 21, nil},
		{"exact power of two", Geometry{1024, 1024, 32}, 1 << 22, nil},
		{"1920x1080x32", Geometry{1920, 1080, 32}, 1 << 23, nil},
		{"one pixel", Geometry{1, 1, 8}, page, nil},
		{"zero width", Geometry{0, 480, 32}, 0, ErrBadGeometry},
		{"zero depth", Geometry{640, 480, 0}, 0, ErrBadGeometry},
		{"odd depth", Geometry{640, 480, 15}, 0, ErrBadGeometry},
		{"widest scan line", Geometry{16383, 16, 32}, 1 << 20, nil},
		{"larger than a bar", Geometry{16383, 65535, 32}, 0, ErrBadGeometry},
		{"width past 16 bits", Geometry{65536, 1, 8}, 0, ErrBadGeometry},
		{"height past 16 bits", Geometry{640, 65536, 8}, 0, ErrBadGeometry},
		{"scan line past 16 bits", Geometry{16384, 480, 32}, 0, ErrBadGeometry},
		{"depth past 32", Geometry{640, 480, 64}, 0, ErrBadGeometry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RegionLength(tt.g)
			if !errors.Is(err, tt.err) {
				t.Fatalf("RegionLength(%v) error = %v, want %v", tt.g, err, tt.err)
			}
			if got != tt.want {
				t.Errorf("RegionLength(%v) = %#x, want %#x", tt.g, got, tt.want)
			}
		})
	}
}

func TestAcquireBackingAnonymous(t *testing.T) {
	m := NewRegionManager(VESAMemAddr, Geometry{800, 600, 32})
	m.Open = func(string) (HostDisplay, error) {
		t.Fatal("anonymous backing opened the host display")
		return nil, nil
	}

	r, err := m.AcquireBacking(false)
	if err != nil {
		t.Fatalf("AcquireBacking() error = %v", err)
	}
	defer r.Release()

	if r.Len != 1<<21 || len(r.Bytes()) != 1<<21 {
		t.Errorf("region length = %#x (%d mapped), want %#x", r.Len, len(r.Bytes()), 1<<21)
	}
	if r.GuestAddr != VESAMemAddr || r.Passthrough {
		t.Errorf("region = %+v, want anonymous at %#x", r, VESAMemAddr)
	}
	if r.Geometry != (Geometry{800, 600, 32}) {
		t.Errorf("region geometry = %v, want 800x600x32", r.Geometry)
	}
	r.Bytes()[r.Len-1] = 1

	if err := r.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if err := r.Release(); err != nil {
		t.Errorf("Release() twice error = %v", err)
	}
}

func TestAcquireBackingPassthrough(t *testing.T) {
	d := newFakeDisplay(1024, 768, 16)
	m := NewRegionManager(VESAMemAddr, Geometry{640, 480, 32})
	var opened string
	m.Open = func(path string) (HostDisplay, error) {
		opened = path
		return d, nil
	}

	r, err := m.AcquireBacking(true)
	if err != nil {
		t.Fatalf("AcquireBacking() error = %v", err)
	}
	if opened != HostFramebuffer {
		t.Errorf("opened %q, want %q", opened, HostFramebuffer)
	}
	if r.Len != 1572864 || d.mapped != 1572864 {
		t.Errorf("region length = %d, mapped %d, want 1572864", r.Len, d.mapped)
	}
	if !r.Passthrough || r.Geometry != (Geometry{1024, 768, 16}) {
		t.Errorf("region = %+v, want passthrough 1024x768x16", r)
	}
	for i, b := range r.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want a cleared buffer", i, b)
		}
	}
	if !d.closed {
		t.Error("display left open after mapping")
	}

	if err := r.Release(); err != nil || d.unmapped != 1 {
		t.Errorf("Release() = %v, unmapped %d times, want 1", err, d.unmapped)
	}
}

func TestAcquireBackingPassthroughFailures(t *testing.T) {
	tests := []struct {
		name    string
		display *fakeDisplay
		openErr error
		err     error
	}{
		{"open", nil, unix.ENOENT, ErrOpenFailed},
		{"query", &fakeDisplay{queryErr: unix.ENOTTY}, nil, ErrQueryFailed},
		{"empty mode", newFakeDisplay(0, 0, 0), nil, ErrQueryFailed},
		{"mode too wide", newFakeDisplay(70000, 16, 8), nil, ErrQueryFailed},
		{"map", &fakeDisplay{info: newFakeDisplay(800, 600, 32).info, mapErr: unix.ENOMEM}, nil, ErrMapFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewRegionManager(VESAMemAddr, Geometry{640, 480, 32})
			m.Device = "/dev/fb1"
			m.Open = func(string) (HostDisplay, error) {
				if tt.openErr != nil {
					return nil, tt.openErr
				}
				return tt.display, nil
			}

			r, err := m.AcquireBacking(true)
			if !errors.Is(err, tt.err) {
				t.Fatalf("AcquireBacking() error = %v, want %v", err, tt.err)
			}
			if r != nil {
				t.Errorf("AcquireBacking() region = %+v, want nil", r)
			}
			if tt.display != nil && !tt.display.closed {
				t.Error("display left open after failure")
			}
		})
	}
}
