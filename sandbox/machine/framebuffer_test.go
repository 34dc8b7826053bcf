package machine

import (
	"errors"
	"testing"
)

func TestFramebufferRegistry(t *testing.T) {
	var r FramebufferRegistry
	a := &Framebuffer{Width: 640, Height: 480, Depth: 32, Addr: VESAMemAddr, Size: VESAMemSize}
	b := &Framebuffer{Width: 640, Height: 480, Depth: 32, Addr: VESAMemAddr, Size: VESAMemSize}
	c := &Framebuffer{Width: 640, Height: 480, Depth: 32, Addr: VESAMemAddr + VESAMemSize, Size: VESAMemSize}

	if err := r.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(a); !errors.Is(err, ErrFramebufferExists) {
		t.Errorf("Register(a) twice error = %v, want %v", err, ErrFramebufferExists)
	}
	if err := r.Register(b); !errors.Is(err, ErrFramebufferExists) {
		t.Errorf("Register() at the same address error = %v, want %v", err, ErrFramebufferExists)
	}
	if err := r.Register(c); err != nil {
		t.Fatal(err)
	}
	if got := r.List(); len(got) != 2 || got[0] != a || got[1] != c {
		t.Errorf("List() = %v, want [a c]", got)
	}

	r.Unregister(a)
	r.Unregister(a)
	if got := r.List(); len(got) != 1 || got[0] != c {
		t.Errorf("List() after Unregister = %v, want [c]", got)
	}
	if got := a.String(); got != "640x480x32 @0xd0000000 size 0x200000" {
		t.Errorf("String() = %q", got)
	}
}
