package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/set-io/lkvm/utils"
)

type HookName string

const (
	// CreateRuntime hooks run once the devices exist, before the first
	// instruction of the guest.
	CreateRuntime HookName = "createRuntime"
	// PostStart hooks run while the guest runs and are killed when it stops.
	PostStart HookName = "poststart"
	PostStop  HookName = "poststop"
)

func KnownHookNames() []string {
	return []string{
		string(CreateRuntime),
		string(PostStart),
		string(PostStop),
	}
}

func hookList(hooks *specs.Hooks, name HookName) []specs.Hook {
	if hooks == nil {
		return nil
	}
	switch name {
	case CreateRuntime:
		return hooks.CreateRuntime
	case PostStart:
		return hooks.Poststart
	case PostStop:
		return hooks.Poststop
	}
	return nil
}

// RunHooks runs the hooks registered under name in order and stops at the
// first failure.
func RunHooks(ctx context.Context, hooks *specs.Hooks, name HookName, state *specs.State) error {
	for i, h := range hookList(hooks, name) {
		if err := runHook(ctx, h, state); err != nil {
			return fmt.Errorf("error running %s hook #%d: %w", name, i, err)
		}
	}
	return nil
}

// runHook execs h with the state JSON on stdin. Args[0], when present, is
// the program's argv[0].
func runHook(ctx context.Context, h specs.Hook, state *specs.State) error {
	if h.Timeout != nil {
		if *h.Timeout <= 0 {
			return fmt.Errorf("%s: timeout %d: %w", h.Path, *h.Timeout, ErrHookFailed)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*h.Timeout)*time.Second)
		defer cancel()
	}

	var stdin, stderr bytes.Buffer
	if err := utils.WriteJSON(&stdin, state); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, h.Path)
	if len(h.Args) > 0 {
		cmd.Args = h.Args
	}
	cmd.Env = h.Env
	cmd.Stdin = &stdin
	cmd.Stderr = &stderr

	if debug {
		log.Printf("hook: %s %v", h.Path, cmd.Args[1:])
	}
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", err, ctx.Err())
		}
		return fmt.Errorf("%s: %w: %w: %s", h.Path, ErrHookFailed, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
