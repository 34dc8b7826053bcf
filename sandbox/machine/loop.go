package machine

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sys/unix"
)

// VCPU is the part of a KVM vCPU the execution loop drives.
type VCPU interface {
	Run() error
	RunData() RunData
	GetRegs() (*Regs, error)
	GetSregs() (*Sregs, error)
	Translate(vaddr uint64) (uint64, bool, error)
	SingleStep(on bool) error
}

// PortEmulator completes a trapped port access. *IOBus implements it.
type PortEmulator interface {
	Emulate(port uint16, data []byte, dir IODirection, size uint8, count uint32) error
}

type LoopState int

const (
	Running LoopState = iota
	HandlingExit
	Terminated
)

func (s LoopState) String() string {
	switch s {
	case Running:
		return "running"
	case HandlingExit:
		return "handling-exit"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("LoopState(%d)", int(s))
}

// Termination is how a Loop ended: the exit that stopped it and, when the
// exit itself was not the whole story, the error behind it.
type Termination struct {
	Reason Exit
	Err    error
}

func (t *Termination) Error() string {
	if t.Err != nil {
		return fmt.Sprintf("KVM exit reason: %d (%q): %v", uint32(t.Reason), t.Reason.String(), t.Err)
	}
	return fmt.Sprintf("KVM exit reason: %d (%q)", uint32(t.Reason), t.Reason.String())
}

func (t *Termination) Unwrap() error {
	return t.Err
}

// Loop resumes one vCPU until an exit it cannot handle. It runs on a
// single goroutine and handles every exit on it.
type Loop struct {
	cpu   VCPU
	ports PortEmulator
	mem   io.ReaderAt
	out   io.Writer

	state  LoopState
	term   *Termination
	debugs int
}

// NewLoop ties cpu to the port bus. mem is guest RAM, read only for the
// diagnostics written to out.
func NewLoop(cpu VCPU, ports PortEmulator, mem io.ReaderAt, out io.Writer) *Loop {
	return &Loop{cpu: cpu, ports: ports, mem: mem, out: out}
}

func (l *Loop) State() LoopState {
	return l.state
}

// DebugExits counts the debug traps handled so far.
func (l *Loop) DebugExits() int {
	return l.debugs
}

// Run blocks until the guest stops. It writes the final report to out and
// returns the same Termination on every later call.
func (l *Loop) Run() *Termination {
	if l.term != nil {
		return l.term
	}
	for {
		l.state = Running
		if err := l.cpu.Run(); err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return l.terminate(EXITUNKNOWN, fmt.Errorf("KVM_RUN: %w", err))
		}

		l.state = HandlingExit
		run := l.cpu.RunData()
		switch reason := run.ExitReason(); reason {
		case EXITDEBUG:
			l.debugs++
			l.debugTrap(run)
		case EXITIO:
			if err := l.emulateIO(run); err != nil {
				return l.terminate(reason, err)
			}
		default:
			return l.terminate(reason, nil)
		}
	}
}

func (l *Loop) emulateIO(run RunData) error {
	x, err := run.IO()
	if err != nil {
		return err
	}
	if debug {
		log.Printf("io: %v", x)
	}
	return l.ports.Emulate(x.Port, x.Data(), x.Direction, x.Size, x.Count)
}

func (l *Loop) debugTrap(run RunData) {
	if debug {
		log.Printf("debug exit %d: %s", l.debugs, spew.Sdump(run.Debug()))
	}
	if err := DumpRegisters(l.out, l.cpu); err != nil {
		fmt.Fprintf(l.out, "registers: %v\n", err)
	}
	if err := DumpCode(l.out, l.cpu, l.mem); err != nil {
		fmt.Fprintf(l.out, "code: %v\n", err)
	}
}

func (l *Loop) terminate(reason Exit, err error) *Termination {
	l.state = Terminated
	l.term = &Termination{Reason: reason, Err: err}
	l.report()
	return l.term
}

func (l *Loop) report() {
	run := l.cpu.RunData()
	fmt.Fprintf(l.out, "KVM exit reason: %d (%q)\n", uint32(l.term.Reason), l.term.Reason.String())
	if l.term.Err != nil {
		fmt.Fprintf(l.out, " error: %v\n", l.term.Err)
	} else if d := run.Detail(); d != "" {
		fmt.Fprintf(l.out, " %s\n", d)
	}
	for _, dump := range []func(io.Writer, VCPU, io.ReaderAt) error{
		func(w io.Writer, cpu VCPU, _ io.ReaderAt) error { return DumpRegisters(w, cpu) },
		DumpCode,
		DumpPageTables,
	} {
		if err := dump(l.out, l.cpu, l.mem); err != nil {
			fmt.Fprintf(l.out, " %v\n", err)
		}
	}
}
