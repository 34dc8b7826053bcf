package machine

import (
	"encoding/binary"
	"fmt"
)

// Offsets into struct kvm_run.
const (
	runImmediateExit = 1
	runExitReason    = 8
	runExitUnion     = 32

	runMinSize = runExitUnion + 256
)

// RunData is the vCPU's shared kvm_run page. The kernel rewrites it on every
// KVM_RUN; anything read from it is only valid until the next resume.
type RunData []byte

func (r RunData) ExitReason() Exit {
	if len(r) < runMinSize {
		return EXITUNKNOWN
	}
	return Exit(binary.LittleEndian.Uint32(r[runExitReason:]))
}

func (r RunData) SetImmediateExit(on bool) {
	if len(r) < runMinSize {
		return
	}
	r[runImmediateExit] = 0
	if on {
		r[runImmediateExit] = 1
	}
}

// IOExit is a validated view of the io member of an EXITIO record. Data
// aliases the run page and covers exactly Size*Count bytes.
type IOExit struct {
	Direction  IODirection
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64

	data []byte
}

func (io *IOExit) Data() []byte {
	return io.data
}

func (io *IOExit) String() string {
	return fmt.Sprintf("port %#x %s size %d count %d offset %#x",
		io.Port, io.Direction, io.Size, io.Count, io.DataOffset)
}

// IO decodes the io exit record and checks the transfer window against the
// page before handing out a slice of it.
func (r RunData) IO() (*IOExit, error) {
	if len(r) < runMinSize {
		return nil, fmt.Errorf("run page of %d bytes: %w", len(r), ErrRunDataShort)
	}
	u := r[runExitUnion:]
	io := &IOExit{
		Direction:  IODirection(u[0]),
		Size:       u[1],
		Port:       binary.LittleEndian.Uint16(u[2:]),
		Count:      binary.LittleEndian.Uint32(u[4:]),
		DataOffset: binary.LittleEndian.Uint64(u[8:]),
	}

	if io.Direction != EXITIOIN && io.Direction != EXITIOOUT {
		return nil, fmt.Errorf("%v: %w", io, ErrIODirection)
	}
	switch io.Size {
	case 1, 2, 4:
	default:
		return nil, fmt.Errorf("%v: %w", io, ErrDataLenInvalid)
	}
	if io.Count == 0 {
		return nil, fmt.Errorf("%v: %w", io, ErrDataLenInvalid)
	}

	n := uint64(io.Size) * uint64(io.Count)
	if io.DataOffset < runMinSize || io.DataOffset > uint64(len(r)) || n > uint64(len(r))-io.DataOffset {
		return nil, fmt.Errorf("%v outside %d byte run page: %w", io, len(r), ErrIOWindow)
	}
	io.data = r[io.DataOffset : io.DataOffset+n]
	return io, nil
}

// DebugExit is the x86 kvm_debug_exit_arch record.
type DebugExit struct {
	Exception uint32
	PC        uint64
	DR6       uint64
	DR7       uint64
}

func (r RunData) Debug() DebugExit {
	if len(r) < runMinSize {
		return DebugExit{}
	}
	u := r[runExitUnion:]
	return DebugExit{
		Exception: binary.LittleEndian.Uint32(u[0:]),
		PC:        binary.LittleEndian.Uint64(u[8:]),
		DR6:       binary.LittleEndian.Uint64(u[16:]),
		DR7:       binary.LittleEndian.Uint64(u[24:]),
	}
}

// Detail renders the reason specific fields of exits that end the loop.
func (r RunData) Detail() string {
	if len(r) < runMinSize {
		return ""
	}
	u := r[runExitUnion:]
	switch r.ExitReason() {
	case EXITUNKNOWN:
		return fmt.Sprintf("hardware exit reason %#x", binary.LittleEndian.Uint64(u))
	case EXITFAILENTRY:
		return fmt.Sprintf("hardware entry failure reason %#x", binary.LittleEndian.Uint64(u))
	case EXITEXCEPTION:
		return fmt.Sprintf("exception %d error code %#x",
			binary.LittleEndian.Uint32(u), binary.LittleEndian.Uint32(u[4:]))
	case EXITINTERNALERROR:
		return fmt.Sprintf("internal error suberror %d", binary.LittleEndian.Uint32(u))
	case EXITMMIO:
		return fmt.Sprintf("mmio %s %#x len %d",
			map[bool]string{true: "write", false: "read"}[u[20] != 0],
			binary.LittleEndian.Uint64(u), binary.LittleEndian.Uint32(u[16:]))
	}
	return ""
}
