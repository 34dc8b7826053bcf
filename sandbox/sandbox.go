package sandbox

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/set-io/lkvm/sandbox/machine"
)

// Sandbox is one guest: its config, the framebuffer it exposes and how it
// ended.
type Sandbox struct {
	id      string
	bundle  string
	config  *Config
	mu      sync.Mutex
	status  Status
	created time.Time
	fb      *machine.Framebuffer
	term    *machine.Termination
}

func (s *Sandbox) ID() string {
	return s.id
}

func (s *Sandbox) Config() Config {
	return *s.config
}

func (s *Sandbox) Created() time.Time {
	return s.created
}

func (s *Sandbox) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Sandbox) setStatus(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.status.transition(to); err != nil {
		return err
	}
	s.status = to
	return nil
}

// Termination is how the guest stopped, or nil while it has not.
func (s *Sandbox) Termination() *machine.Termination {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term
}

// State is what hooks receive on stdin. The framebuffer, when there is
// one, is described in the annotations.
func (s *Sandbox) State() *specs.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	annotations := maps.Clone(s.config.Annotations)
	if annotations == nil {
		annotations = make(map[string]string)
	}
	if fb := s.fb; fb != nil {
		annotations[AnnotationFbWidth] = strconv.FormatUint(uint64(fb.Width), 10)
		annotations[AnnotationFbHeight] = strconv.FormatUint(uint64(fb.Height), 10)
		annotations[AnnotationFbDepth] = strconv.FormatUint(uint64(fb.Depth), 10)
		annotations[AnnotationFbAddr] = fmt.Sprintf("%#x", fb.Addr)
		annotations[AnnotationFbSize] = fmt.Sprintf("%#x", fb.Size)
	}
	return &specs.State{
		Version:     s.config.Version,
		ID:          s.id,
		Status:      s.status.containerState(),
		Pid:         os.Getpid(),
		Bundle:      s.bundle,
		Annotations: annotations,
	}
}

// Run boots the guest and blocks until it stops. Guest console output goes
// to console and the final exit report to report. An error means the guest
// never ran; how a running guest stopped is in the Termination.
func (s *Sandbox) Run(ctx context.Context, console, report io.Writer) (*machine.Termination, error) {
	switch s.Status() {
	case Running:
		return nil, ErrRunning
	case Stopped:
		return nil, ErrNotRunning
	}
	e := &entrypoint{s: s, c: s.config, console: console, report: report}
	return e.boot(ctx)
}
