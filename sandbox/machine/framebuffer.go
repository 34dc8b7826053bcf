package machine

import (
	"fmt"
	"sync"
)

// Framebuffer describes a linear pixel buffer mapped into the guest. Only
// the device that registered it writes to it.
type Framebuffer struct {
	Width  uint32
	Height uint32
	Depth  uint32
	Addr   uint64
	Size   uint64
	Region *MemoryRegion
	VM     *KVM
}

func (fb *Framebuffer) String() string {
	return fmt.Sprintf("%dx%dx%d @%#x size %#x", fb.Width, fb.Height, fb.Depth, fb.Addr, fb.Size)
}

// Stride is the length of one scan line in bytes.
func (fb *Framebuffer) Stride() uint32 {
	return fb.Width * fb.Depth / 8
}

// FramebufferRegistry is where display front ends find framebuffers.
type FramebufferRegistry struct {
	mu  sync.RWMutex
	fbs []*Framebuffer
}

func (r *FramebufferRegistry) Register(fb *Framebuffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, other := range r.fbs {
		if other == fb || other.Addr == fb.Addr {
			return fmt.Errorf("%v: %w", fb, ErrFramebufferExists)
		}
	}
	r.fbs = append(r.fbs, fb)
	return nil
}

func (r *FramebufferRegistry) Unregister(fb *Framebuffer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, other := range r.fbs {
		if other == fb {
			r.fbs = append(r.fbs[:i], r.fbs[i+1:]...)
			return
		}
	}
}

func (r *FramebufferRegistry) List() []*Framebuffer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]*Framebuffer(nil), r.fbs...)
}
