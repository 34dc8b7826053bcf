package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/set-io/lkvm/sandbox/machine"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		id  string
		err error
	}{
		{"vm0", nil},
		{"fb-test_1.2+x", nil},
		{"", ErrInvalidID},
		{"a/b", ErrInvalidID},
		{"..", ErrInvalidID},
		{"vm 0", ErrInvalidID},
		{".hidden", ErrInvalidID},
		{"-flag", ErrInvalidID},
		{"9lives", nil},
		{strings.Repeat("a", MaxIDLen), nil},
		{strings.Repeat("a", MaxIDLen+1), ErrInvalidID},
	}
	for _, tt := range tests {
		if err := ValidateID(tt.id); !errors.Is(err, tt.err) {
			t.Errorf("ValidateID(%q) error = %v, want %v", tt.id, err, tt.err)
		}
	}
}

func TestCreate(t *testing.T) {
	bundle := t.TempDir()
	s, err := Create("vm0", bundle, &Config{KernelPath: "bzImage", InitRD: "/boot/initrd"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	c := s.Config()
	if c.KernelPath != filepath.Join(bundle, "bzImage") || c.InitRD != "/boot/initrd" {
		t.Errorf("paths = %q %q, want kernel in the bundle and initrd untouched", c.KernelPath, c.InitRD)
	}
	if s.Status() != Created || s.ID() != "vm0" || s.Termination() != nil {
		t.Errorf("sandbox = %s %s %v", s.ID(), s.Status(), s.Termination())
	}

	if _, err := Create("bad/id", bundle, &Config{KernelPath: "k"}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Create(bad id) error = %v, want %v", err, ErrInvalidID)
	}
	if _, err := Create("vm1", bundle, &Config{}); !errors.Is(err, ErrNoKernel) {
		t.Errorf("Create(no kernel) error = %v, want %v", err, ErrNoKernel)
	}
}

func TestSandboxState(t *testing.T) {
	s, err := Create("vm0", "/bundle", &Config{
		KernelPath:  "/boot/bzImage",
		Annotations: map[string]string{"owner": "ci"},
	})
	if err != nil {
		t.Fatal(err)
	}
	st := s.State()
	if st.Status != specs.StateCreated || st.Bundle != "/bundle" || st.Annotations["owner"] != "ci" {
		t.Errorf("State() = %+v", st)
	}
	if _, ok := st.Annotations[AnnotationFbWidth]; ok {
		t.Errorf("State() describes a framebuffer that does not exist: %v", st.Annotations)
	}

	s.fb = &machine.Framebuffer{Width: 1024, Height: 768, Depth: 16, Addr: machine.VESAMemAddr, Size: 1572864}
	if err := s.setStatus(Running); err != nil {
		t.Fatal(err)
	}
	st = s.State()
	want := map[string]string{
		"owner":            "ci",
		AnnotationFbWidth:  "1024",
		AnnotationFbHeight: "768",
		AnnotationFbDepth:  "16",
		AnnotationFbAddr:   "0xd0000000",
		AnnotationFbSize:   "0x180000",
	}
	for k, v := range want {
		if st.Annotations[k] != v {
			t.Errorf("annotation %s = %q, want %q", k, st.Annotations[k], v)
		}
	}
	if st.Status != specs.StateRunning {
		t.Errorf("State().Status = %s, want %s", st.Status, specs.StateRunning)
	}
	if len(s.Config().Annotations) != 1 {
		t.Errorf("State() leaked framebuffer annotations into the config")
	}

	if _, err := s.Run(context.Background(), nil, nil); !errors.Is(err, ErrRunning) {
		t.Errorf("Run() while running error = %v, want %v", err, ErrRunning)
	}
}

func TestStatusTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		err      error
	}{
		{Created, Running, nil},
		{Created, Stopped, nil},
		{Running, Stopped, nil},
		{Running, Created, ErrBadTransition},
		{Stopped, Running, ErrBadTransition},
		{Stopped, Stopped, ErrBadTransition},
	}
	for _, tt := range tests {
		if err := tt.from.transition(tt.to); !errors.Is(err, tt.err) {
			t.Errorf("%s.transition(%s) error = %v, want %v", tt.from, tt.to, err, tt.err)
		}
	}
}
