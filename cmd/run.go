package cmd

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/set-io/lkvm/sandbox"
	"github.com/urfave/cli"
)

var errNoKernel = errors.New("no kernel image given")

var runCommand = cli.Command{
	Name:      "run",
	Usage:     "boot a Linux kernel in a new virtual machine",
	ArgsUsage: `[--kernel=]<kernel-image>`,
	Description: `The run command creates a virtual machine, loads the kernel image into
it and runs the first vCPU until the guest stops. The reason it stopped,
the registers and the code around the instruction pointer are printed on
exit.

With --vesa the guest gets a PCI display with a linear framebuffer at
0xd0000000. --fb backs that framebuffer with the host's /dev/fb0 instead of
anonymous memory, taking over the host display mode.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "kernel, k",
			Usage: "kernel image to boot (bzImage or ELF)",
		},
		cli.StringFlag{
			Name:  "initrd, i",
			Usage: "initial ramdisk",
		},
		cli.StringFlag{
			Name:  "params, p",
			Usage: "kernel command line",
		},
		cli.StringFlag{
			Name:  "mem, m",
			Usage: "guest memory size (default " + sandbox.DefaultMemory + ")",
		},
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load the machine config from a JSON or YAML file (see 'spec')",
		},
		cli.StringFlag{
			Name:  "name",
			Value: "lkvm",
			Usage: "name of the virtual machine, passed to hooks",
		},
		cli.BoolFlag{
			Name:  "single-step",
			Usage: "trap after every guest instruction and dump the registers",
		},
		cli.BoolFlag{
			Name:  "vesa",
			Usage: "add a VESA framebuffer device",
		},
		cli.BoolFlag{
			Name:  "fb",
			Usage: "back the VESA framebuffer with the host framebuffer device",
		},
		cli.StringFlag{
			Name:  "fb-device",
			Usage: "host framebuffer device for --fb (default /dev/fb0)",
		},
		cli.UintFlag{
			Name:  "fb-width",
			Usage: "framebuffer width in pixels (default 640)",
		},
		cli.UintFlag{
			Name:  "fb-height",
			Usage: "framebuffer height in pixels (default 480)",
		},
		cli.UintFlag{
			Name:  "fb-depth",
			Usage: "framebuffer bits per pixel (default 32)",
		},
		cli.BoolFlag{
			Name:  "probe",
			Usage: "print the KVM capabilities and supported CPUID after the guest stops",
		},
	},
	Action: func(ctx *cli.Context) error {
		if err := checkArgs(ctx, 1); err != nil {
			return err
		}
		c, bundle, err := runConfig(ctx)
		if err != nil {
			return err
		}
		s, err := sandbox.Create(ctx.String("name"), bundle, c)
		if err != nil {
			return err
		}

		sigctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		term, err := s.Run(sigctx, os.Stdout, os.Stderr)
		if err != nil {
			return err
		}
		if c.Debug {
			log.Printf("%s stopped: %v", s.ID(), term)
		}
		return nil
	},
}

// runConfig builds the machine config from --config, then lets flags and
// the bare kernel argument override it.
func runConfig(ctx *cli.Context) (*sandbox.Config, string, error) {
	c := &sandbox.Config{}
	var bundle string
	if path := ctx.String("config"); path != "" {
		var err error
		if c, err = sandbox.LoadConfig(path); err != nil {
			return nil, "", err
		}
		bundle = filepath.Dir(path)
	}
	c.Debug = ctx.GlobalBool("debug")

	if ctx.IsSet("kernel") {
		c.KernelPath = ctx.String("kernel")
	} else if ctx.NArg() == 1 {
		c.KernelPath = ctx.Args().First()
	}
	if c.KernelPath == "" {
		cli.ShowCommandHelp(ctx, ctx.Command.Name)
		return nil, "", errNoKernel
	}
	if ctx.IsSet("initrd") {
		c.InitRD = ctx.String("initrd")
	}
	if ctx.IsSet("params") {
		c.KernelParameters = []string{ctx.String("params")}
	}
	if ctx.IsSet("mem") {
		c.Memory = ctx.String("mem")
	}
	if ctx.Bool("single-step") {
		c.SingleStep = true
	}
	if ctx.Bool("probe") {
		c.Probe = true
	}

	fb := &c.Framebuffer
	if ctx.Bool("vesa") {
		fb.Enabled = true
	}
	if ctx.Bool("fb") {
		fb.Enabled, fb.Passthrough = true, true
	}
	if ctx.IsSet("fb-device") {
		fb.Device = ctx.String("fb-device")
	}
	if ctx.IsSet("fb-width") {
		fb.Width = uint32(ctx.Uint("fb-width"))
	}
	if ctx.IsSet("fb-height") {
		fb.Height = uint32(ctx.Uint("fb-height"))
	}
	if ctx.IsSet("fb-depth") {
		fb.Depth = uint32(ctx.Uint("fb-depth"))
	}
	return c, bundle, nil
}
