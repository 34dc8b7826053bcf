package machine

import (
	"fmt"
	"io"
	"unsafe"
)

type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

func GetRegs(vCpuFd P) (*Regs, error) {
	regs := &Regs{}
	_, err := Ioctl(vCpuFd, IIOR(kvmGetRegs, P(unsafe.Sizeof(Regs{}))), P(Ptr(regs)))
	return regs, err
}

func SetRegs(vCpuFd P, regs *Regs) error {
	_, err := Ioctl(vCpuFd, IIOW(kvmSetRegs, P(unsafe.Sizeof(Regs{}))), P(Ptr(regs)))
	return err
}

type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

func GetSregs(vCpuFd P) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := Ioctl(vCpuFd, IIOR(kvmGetSregs, P(unsafe.Sizeof(Sregs{}))), P(Ptr(sregs)))
	return sregs, err
}

func SetSregs(vCpuFd P, sregs *Sregs) error {
	_, err := Ioctl(vCpuFd, IIOW(kvmSetSregs, P(unsafe.Sizeof(Sregs{}))), P(Ptr(sregs)))
	return err
}

type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Print writes the general purpose registers three to a line.
func (r *Regs) Print(w io.Writer) {
	fmt.Fprintf(w, " rip: %016x   rsp: %016x flags: %016x\n", r.RIP, r.RSP, r.RFLAGS)
	fmt.Fprintf(w, " rax: %016x   rbx: %016x   rcx: %016x\n", r.RAX, r.RBX, r.RCX)
	fmt.Fprintf(w, " rdx: %016x   rsi: %016x   rdi: %016x\n", r.RDX, r.RSI, r.RDI)
	fmt.Fprintf(w, " rbp: %016x    r8: %016x    r9: %016x\n", r.RBP, r.R8, r.R9)
	fmt.Fprintf(w, " r10: %016x   r11: %016x   r12: %016x\n", r.R10, r.R11, r.R12)
	fmt.Fprintf(w, " r13: %016x   r14: %016x   r15: %016x\n", r.R13, r.R14, r.R15)
}

func (s *Sregs) Print(w io.Writer) {
	fmt.Fprintf(w, " cr0: %016x   cr2: %016x   cr3: %016x\n", s.CR0, s.CR2, s.CR3)
	fmt.Fprintf(w, " cr4: %016x   cr8: %016x\n", s.CR4, s.CR8)
	fmt.Fprintf(w, "\n Segment registers:\n")
	fmt.Fprintf(w, " ------------------\n")
	fmt.Fprintf(w, " register  selector  base              limit     type  p dpl db s l g avl\n")
	for _, seg := range []struct {
		name string
		s    *Segment
	}{
		{"cs", &s.CS}, {"ss", &s.SS}, {"ds", &s.DS}, {"es", &s.ES},
		{"fs", &s.FS}, {"gs", &s.GS}, {"tr", &s.TR}, {"ldt", &s.LDT},
	} {
		seg.s.print(w, seg.name)
	}
	fmt.Fprintf(w, " gdt                %016x  %04x\n", s.GDT.Base, s.GDT.Limit)
	fmt.Fprintf(w, " idt                %016x  %04x\n", s.IDT.Base, s.IDT.Limit)
	fmt.Fprintf(w, "\n APIC:\n")
	fmt.Fprintf(w, " -----\n")
	fmt.Fprintf(w, " efer: %016x  apic base: %016x\n", s.EFER, s.ApicBase)
	fmt.Fprintf(w, "\n Interrupt bitmap:\n")
	fmt.Fprintf(w, " -----------------\n")
	for _, b := range s.InterruptBitmap {
		fmt.Fprintf(w, " %016x", b)
	}
	fmt.Fprintln(w)
}

func (seg *Segment) print(w io.Writer, name string) {
	fmt.Fprintf(w, " %-8s  %04x      %016x  %08x  %02x    %d %d   %d  %d %d %d %d\n",
		name, seg.Selector, seg.Base, seg.Limit, seg.Typ, seg.Present, seg.DPL,
		seg.DB, seg.S, seg.L, seg.G, seg.AVL)
}
