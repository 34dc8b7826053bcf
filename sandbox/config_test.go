package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/set-io/lkvm/sandbox/machine"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "json",
			file: "config.json",
			content: `{
	"kernel_path": "bzImage",
	"kernel_parameters": ["console=ttyS0", "earlyprintk=serial"],
	"memory": "128M",
	"framebuffer": {"enabled": true, "width": 800, "height": 600},
	"hooks": {"poststart": [{"path": "/bin/true", "timeout": 5}]}
}`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `kernel_path: bzImage
kernel_parameters:
  - console=ttyS0
  - earlyprintk=serial
memory: 128M
framebuffer:
  enabled: true
  width: 800
  height: 600
hooks:
  poststart:
    - path: /bin/true
      timeout: 5
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := LoadConfig(writeFile(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("LoadConfig() error = %v", err)
			}
			if c.KernelPath != "bzImage" || c.Memory != "128M" {
				t.Errorf("LoadConfig() = %+v", c)
			}
			if got := c.Params(); got != "console=ttyS0 earlyprintk=serial" {
				t.Errorf("Params() = %q", got)
			}
			if !c.Framebuffer.Enabled || c.Framebuffer.Width != 800 || c.Framebuffer.Height != 600 {
				t.Errorf("framebuffer = %+v, want enabled 800x600", c.Framebuffer)
			}
			if c.Hooks == nil || len(c.Hooks.Poststart) != 1 {
				t.Fatalf("hooks = %+v, want one poststart hook", c.Hooks)
			}
			if h := c.Hooks.Poststart[0]; h.Path != "/bin/true" || h.Timeout == nil || *h.Timeout != 5 {
				t.Errorf("poststart hook = %+v", h)
			}
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadConfig(missing) error = %v, want %v", err, os.ErrNotExist)
	}
	if _, err := LoadConfig(writeFile(t, "bad.yaml", "kernel_path: [")); err == nil {
		t.Error("LoadConfig(bad yaml) error = nil")
	}
	if _, err := LoadConfig(writeFile(t, "bad.json", `{"cpus": "two"}`)); err == nil {
		t.Error("LoadConfig(bad json) error = nil")
	}
}

func TestConfigValidateDefaults(t *testing.T) {
	c := &Config{KernelPath: "bzImage"}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if c.MemSize() != 64<<20 || c.CPUs != 1 {
		t.Errorf("MemSize(), CPUs = %d, %d, want %d, 1", c.MemSize(), c.CPUs, 64<<20)
	}
	if g := c.Framebuffer.Geometry(); g != (machine.Geometry{Width: 640, Height: 480, BPP: 32}) {
		t.Errorf("framebuffer geometry = %v, want 640x480x32", g)
	}
	if c.Framebuffer.Device != machine.HostFramebuffer || c.Framebuffer.Enabled {
		t.Errorf("framebuffer = %+v, want disabled on %s", c.Framebuffer, machine.HostFramebuffer)
	}
	if c.Version == "" || c.Annotations == nil {
		t.Errorf("Validate() left version %q annotations %v", c.Version, c.Annotations)
	}

	p := &Config{KernelPath: "bzImage", Framebuffer: Framebuffer{Passthrough: true}}
	if err := p.Validate(); err != nil || !p.Framebuffer.Enabled {
		t.Errorf("Validate() passthrough = %v, enabled %v, want enabled", err, p.Framebuffer.Enabled)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		c    Config
		err  error
	}{
		{"no kernel", Config{}, ErrNoKernel},
		{"memory too small", Config{KernelPath: "k", Memory: "16M"}, ErrInvalidMemory},
		{"memory too large", Config{KernelPath: "k", Memory: "4G"}, ErrInvalidMemory},
		{"memory garbage", Config{KernelPath: "k", Memory: "lots"}, strconv.ErrSyntax},
		{"negative cpus", Config{KernelPath: "k", CPUs: -1}, ErrInvalidCPUs},
		{"odd depth", Config{KernelPath: "k", Framebuffer: Framebuffer{Enabled: true, Depth: 12}}, machine.ErrBadGeometry},
		{"width past 16 bits", Config{KernelPath: "k", Framebuffer: Framebuffer{Enabled: true, Width: 70000, Height: 16, Depth: 8}}, machine.ErrBadGeometry},
		{"huge mode", Config{KernelPath: "k", Framebuffer: Framebuffer{Enabled: true, Width: 65536, Height: 65536}}, machine.ErrBadGeometry},
		{"odd depth unused", Config{KernelPath: "k", Framebuffer: Framebuffer{Depth: 12}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.c
			if err := c.Validate(); !errors.Is(err, tt.err) {
				t.Errorf("Validate() error = %v, want %v", err, tt.err)
			}
		})
	}
}
