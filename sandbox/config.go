package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/set-io/lkvm/sandbox/machine"
	"github.com/set-io/lkvm/utils"
	"gopkg.in/yaml.v3"
)

const (
	AnnotationFbWidth  = "org.set-io.lkvm.fb.width"
	AnnotationFbHeight = "org.set-io.lkvm.fb.height"
	AnnotationFbDepth  = "org.set-io.lkvm.fb.depth"
	AnnotationFbAddr   = "org.set-io.lkvm.fb.addr"
	AnnotationFbSize   = "org.set-io.lkvm.fb.size"

	DefaultMemory = "64M"
	DefaultCPUs   = 1
)

type Framebuffer struct {
	Enabled     bool   `json:"enabled"`
	Passthrough bool   `json:"passthrough,omitempty"`
	Device      string `json:"device,omitempty"`
	Width       uint32 `json:"width,omitempty"`
	Height      uint32 `json:"height,omitempty"`
	Depth       uint32 `json:"depth,omitempty"`
}

func (f *Framebuffer) Geometry() machine.Geometry {
	return machine.Geometry{Width: f.Width, Height: f.Height, BPP: f.Depth}
}

type Config struct {
	Debug            bool              `json:"-"`
	Version          string            `json:"version"`
	KernelPath       string            `json:"kernel_path"`
	KernelParameters []string          `json:"kernel_parameters,omitempty"`
	InitRD           string            `json:"initrd,omitempty"`
	Memory           string            `json:"memory,omitempty"`
	CPUs             int               `json:"cpus,omitempty"`
	SingleStep       bool              `json:"single_step,omitempty"`
	Probe            bool              `json:"probe,omitempty"`
	Framebuffer      Framebuffer       `json:"framebuffer"`
	Hooks            *specs.Hooks      `json:"hooks,omitempty"`
	Annotations      map[string]string `json:"annotations,omitempty"`

	memSize int
}

// LoadConfig reads a JSON config, or YAML when the file ends in .yaml or
// .yml. YAML goes through the same json tags.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var v interface{}
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if data, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	c := &Config{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Validate fills in defaults and checks everything the machine needs
// before any host resource is touched.
func (c *Config) Validate() error {
	if c.Version == "" {
		c.Version = specs.Version
	}
	if c.KernelPath == "" {
		return ErrNoKernel
	}
	if c.Memory == "" {
		c.Memory = DefaultMemory
	}
	size, err := utils.ParseSize(c.Memory, "")
	if err != nil {
		return fmt.Errorf("memory %q: %w", c.Memory, err)
	}
	if size < machine.MinMemSize || size > machine.MaxMemSize {
		return fmt.Errorf("memory %q: %w", c.Memory, ErrInvalidMemory)
	}
	c.memSize = size

	if c.CPUs == 0 {
		c.CPUs = DefaultCPUs
	}
	if c.CPUs < 0 {
		return fmt.Errorf("cpus %d: %w", c.CPUs, ErrInvalidCPUs)
	}

	fb := &c.Framebuffer
	if fb.Width == 0 {
		fb.Width = machine.VESAWidth
	}
	if fb.Height == 0 {
		fb.Height = machine.VESAHeight
	}
	if fb.Depth == 0 {
		fb.Depth = machine.VESABPP
	}
	if fb.Device == "" {
		fb.Device = machine.HostFramebuffer
	}
	if fb.Passthrough {
		fb.Enabled = true
	}
	if fb.Enabled {
		if _, err := machine.RegionLength(fb.Geometry()); err != nil {
			return err
		}
	}
	if c.Annotations == nil {
		c.Annotations = make(map[string]string)
	}
	return nil
}

// MemSize is the validated guest RAM size in bytes.
func (c *Config) MemSize() int {
	return c.memSize
}

func (c *Config) Params() string {
	return strings.Join(c.KernelParameters, " ")
}
