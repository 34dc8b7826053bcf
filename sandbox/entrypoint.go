package sandbox

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/set-io/lkvm/sandbox/machine"
	"golang.org/x/sync/errgroup"
)

type entrypoint struct {
	s       *Sandbox
	c       *Config
	console io.Writer
	report  io.Writer
}

func (e *entrypoint) init() {
	if e.c.Debug {
		machine.DebugEnabled()
	}
	if debug {
		log.Printf("hypervisor setup: kernel %s initrd %q params %q cpus %d mem %d fb %+v",
			e.c.KernelPath, e.c.InitRD, e.c.Params(), e.c.CPUs, e.c.MemSize(), e.c.Framebuffer)
	}
}

func (e *entrypoint) setup() (_ *machine.Machine, err error) {
	if debug {
		log.Println("start new machine")
	}
	m, err := machine.New(e.c.CPUs, e.c.MemSize(), e.console)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	if fb := e.c.Framebuffer; fb.Enabled {
		if debug {
			log.Printf("setup vesa %v passthrough %v", fb.Geometry(), fb.Passthrough)
		}
		f, err := m.AddVESA(fb.Geometry(), fb.Passthrough, fb.Device)
		if err != nil {
			return nil, err
		}
		e.s.mu.Lock()
		e.s.fb = f
		e.s.mu.Unlock()
	}

	if debug {
		log.Println("setup kernel and initrd")
	}
	kern, err := os.Open(e.c.KernelPath)
	if err != nil {
		return nil, err
	}
	defer kern.Close()

	// a nil *os.File in the interface would not read as absent
	var initrd io.ReaderAt
	if e.c.InitRD != "" {
		f, err := os.Open(e.c.InitRD)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		initrd = f
	}
	if err := m.LoadLinux(kern, initrd, e.c.Params()); err != nil {
		return nil, err
	}

	if err := m.SingleStep(e.c.SingleStep); err != nil {
		return nil, fmt.Errorf("setting trace to %v:%w", e.c.SingleStep, err)
	}
	return m, nil
}

// run drives the guest and the poststart hooks side by side. The hooks are
// killed once the guest stops.
func (e *entrypoint) run(ctx context.Context, m *machine.Machine) (*machine.Termination, error) {
	if err := e.s.setStatus(Running); err != nil {
		return nil, err
	}
	state := e.s.State()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var term *machine.Termination
	g.Go(func() error {
		defer cancel()
		term = m.Run(e.report)
		if debug {
			log.Printf("cpu 0 done: %v", term)
		}
		return nil
	})
	g.Go(func() error {
		err := RunHooks(gctx, e.c.Hooks, PostStart, state)
		if err != nil && gctx.Err() == nil {
			log.Printf("warning: %v", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return term, nil
}

func (e *entrypoint) shutdown(m *machine.Machine) {
	if err := m.Close(); err != nil {
		log.Printf("warning: machine close: %v", err)
	}
	if err := e.s.setStatus(Stopped); err != nil {
		log.Printf("warning: %v", err)
	}
	if err := RunHooks(context.Background(), e.c.Hooks, PostStop, e.s.State()); err != nil {
		log.Printf("warning: %v", err)
	}
}

func (e *entrypoint) boot(ctx context.Context) (*machine.Termination, error) {
	e.init()
	m, err := e.setup()
	if err != nil {
		e.s.setStatus(Stopped)
		return nil, err
	}
	defer e.shutdown(m)

	if err := RunHooks(ctx, e.c.Hooks, CreateRuntime, e.s.State()); err != nil {
		return nil, err
	}

	term, err := e.run(ctx, m)
	if err != nil {
		return nil, err
	}
	e.s.mu.Lock()
	e.s.term = term
	e.s.mu.Unlock()

	if e.c.Probe {
		if err := machine.KVMCapabilities(e.report); err != nil {
			return term, err
		}
		if err := machine.ProbeCPUID(e.report); err != nil {
			return term, err
		}
	}
	return term, nil
}
