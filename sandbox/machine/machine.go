package machine

import (
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"
)

const (
	MinMemSize = 1 << 25
	// MaxMemSize keeps RAM below the 32 bit device window.
	MaxMemSize = Mem32BitReservedStart

	cmosPorts = 2
)

var debug bool

// Machine is one VM: guest RAM, the KVM handles and the board devices hang
// off. Only vCPU 0 is run.
type Machine struct {
	phyMem *PhysMemory
	kvm    *KVM
	board  *Board
	serial *Serial
	vesa   *VESA
}

// New creates the VM, maps RAM at guest physical zero and wires the
// platform devices. Console output from the guest goes to console.
func New(cpus, memSize int, console io.Writer) (*Machine, error) {
	if memSize < MinMemSize {
		return nil, fmt.Errorf("memory size %d:%w", memSize, ErrMemTooSmall)
	}
	if memSize > MaxMemSize {
		return nil, fmt.Errorf("memory size %d:%w", memSize, ErrMemTooLarge)
	}

	m := &Machine{}
	ok := false
	defer func() {
		if !ok {
			m.Close()
		}
	}()

	var err error
	if m.phyMem, err = NewPhysMemory(memSize); err != nil {
		return nil, err
	}
	if m.kvm, err = NewKVM(cpus); err != nil {
		return nil, fmt.Errorf("new kvm error: %w", err)
	}
	if m.board, err = NewBoard(m.kvm, m.kvm); err != nil {
		return nil, err
	}
	if err := m.board.Memory.Map(LowRAMStart, m.phyMem.Bytes()); err != nil {
		return nil, fmt.Errorf("map ram: %w", err)
	}

	m.serial = NewSerial(console, m.kvm)
	if err := m.board.IO.Register(COM1Addr, serialPorts, m.serial); err != nil {
		return nil, err
	}
	if err := m.board.IO.Register(cmosIndexPort, cmosPorts, NewCMOS(m.phyMem.Len(), 0)); err != nil {
		return nil, err
	}
	ok = true
	return m, nil
}

// AddVESA registers the VESA framebuffer device on the board.
func (m *Machine) AddVESA(g Geometry, passthrough bool, device string) (*Framebuffer, error) {
	if m.vesa != nil {
		return nil, ErrAlreadyRegistered
	}
	v, err := NewVESA(g, passthrough)
	if err != nil {
		return nil, err
	}
	if device != "" {
		v.Regions.Device = device
	}
	fb, err := v.Register(m.board)
	if err != nil {
		return nil, fmt.Errorf("vesa: %w", err)
	}
	m.vesa = v
	return fb, nil
}

func (m *Machine) Board() *Board {
	return m.board
}

func (m *Machine) SingleStep(onOff bool) error {
	for cpu, v := range m.kvm.vcpus {
		if err := v.SingleStep(onOff); err != nil {
			return fmt.Errorf("single step %d:%w", cpu, err)
		}
	}
	return nil
}

// NewLoop returns the execution loop for cpu. Reports go to out.
func (m *Machine) NewLoop(cpu int, out io.Writer) (*Loop, error) {
	v, err := m.kvm.VCPU(cpu)
	if err != nil {
		return nil, err
	}
	return NewLoop(v, m.board.IO, m.phyMem, out), nil
}

// Run drives vCPU 0 on a locked OS thread until the guest stops.
func (m *Machine) Run(out io.Writer) *Termination {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l, err := m.NewLoop(0, out)
	if err != nil {
		return &Termination{Reason: EXITUNKNOWN, Err: err}
	}
	return l.Run()
}

// Close tears the device down, then the VM, then guest RAM.
func (m *Machine) Close() error {
	var errs []error
	if m.vesa != nil {
		errs = append(errs, m.vesa.Teardown())
		m.vesa = nil
	}
	if m.kvm != nil {
		errs = append(errs, m.kvm.Close())
		m.kvm = nil
	}
	if m.phyMem != nil {
		errs = append(errs, m.phyMem.Free())
		m.phyMem = nil
	}
	err := errors.Join(errs...)
	if err != nil && debug {
		log.Printf("machine close: %v", err)
	}
	return err
}

func DebugEnabled() { debug = true }
