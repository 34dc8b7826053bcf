package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/set-io/lkvm/sandbox"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v3"
)

var specCommand = cli.Command{
	Name:      "spec",
	Usage:     "create a new machine config file",
	ArgsUsage: "",
	Description: `The spec command creates a starter config named "` + SpecConfig + `" (or
config.yaml with --yaml) in the bundle directory. Pass it to 'run' with
--config. Relative paths in it are resolved against the bundle directory.

The hooks section takes OCI runtime hooks. createRuntime hooks run once the
devices exist, poststart hooks while the guest runs and poststop hooks after
it is torn down. Each receives the OCI state on stdin; the framebuffer is
described in the org.set-io.lkvm.fb.* annotations.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "bundle, b",
			Value: "",
			Usage: "path to the root of the bundle directory",
		},
		cli.BoolFlag{
			Name:  "yaml",
			Usage: "write config.yaml instead of " + SpecConfig,
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "write a config with a serial early console and debug kernel logging",
		},
	},
	Action: func(ctx *cli.Context) error {
		if err := checkArgs(ctx, 0); err != nil {
			return err
		}
		spec := specStable()
		if ctx.Bool("debug") {
			spec = specDebug()
		}
		checkNoFile := func(name string) error {
			_, err := os.Stat(name)
			if err == nil {
				return fmt.Errorf("file %s exists. remove it first", name)
			}
			if !os.IsNotExist(err) {
				return err
			}
			return nil
		}
		bundle := ctx.String("bundle")
		if bundle != "" {
			if err := os.Chdir(bundle); err != nil {
				return err
			}
		}
		name, data, err := marshalSpec(spec, ctx.Bool("yaml"))
		if err != nil {
			return err
		}
		if err := checkNoFile(name); err != nil {
			return err
		}
		return os.WriteFile(name, data, 0o666)
	},
}

// marshalSpec renders spec as JSON, or as YAML with the same keys.
func marshalSpec(spec *sandbox.Config, asYAML bool) (string, []byte, error) {
	data, err := json.MarshalIndent(spec, "", "\t")
	if err != nil || !asYAML {
		return SpecConfig, data, err
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return "", nil, err
	}
	data, err = yaml.Marshal(v)
	return "config.yaml", data, err
}

func specStable() *sandbox.Config {
	timeout := 10
	return &sandbox.Config{
		Version:    specs.Version,
		KernelPath: "bzImage",
		KernelParameters: []string{
			"console=ttyS0",
			"quiet",
			"noapic",
			"noacpi",
			"notsc",
			"nowatchdog",
			"mitigations=off",
			"pci=realloc=off",
			"vga=0x312",
		},
		InitRD: "initrd",
		Memory: "256M",
		CPUs:   1,
		Framebuffer: sandbox.Framebuffer{
			Enabled: true,
			Width:   640,
			Height:  480,
			Depth:   32,
		},
		Hooks: &specs.Hooks{
			Poststart: []specs.Hook{
				{
					Path:    "/usr/bin/logger",
					Args:    []string{"logger", "-t", "lkvm", "guest started"},
					Timeout: &timeout,
				},
			},
		},
		Annotations: map[string]string{
			"org.set-io.lkvm.owner": "",
		},
	}
}

func specDebug() *sandbox.Config {
	c := specStable()
	c.KernelParameters = []string{
		"console=ttyS0",
		"debug",
		"earlyprintk=serial",
		"noapic",
		"noacpi",
		"notsc",
		"nowatchdog",
		"nmi_watchdog=0",
		"mitigations=off",
		"pci=realloc=off",
		"ignore_loglevel",
	}
	c.Probe = true
	return c
}
