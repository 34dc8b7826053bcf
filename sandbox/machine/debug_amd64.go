package machine

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"
)

const (
	CR0xPE = 1
	CR0xMP = (1 << 1)
	CR0xET = (1 << 4)
	CR0xNE = (1 << 5)
	CR0xWP = (1 << 16)
	CR0xAM = (1 << 18)
	CR0xPG = (1 << 31)

	CR4xPSE = (1 << 4)
	CR4xPAE = (1 << 5)

	EFERxLME = (1 << 8)
	EFERxLMA = (1 << 10)

	PDE64xPRESENT = 1
	PDE64xPS      = (1 << 7)

	codeBytes = 64
	codeInsns = 8
)

func DumpRegisters(w io.Writer, cpu VCPU) error {
	r, err := cpu.GetRegs()
	if err != nil {
		return fmt.Errorf("GetRegs: %w", err)
	}
	s, err := cpu.GetSregs()
	if err != nil {
		return fmt.Errorf("GetSregs: %w", err)
	}
	fmt.Fprintf(w, "\n Registers:\n")
	fmt.Fprintf(w, " ----------\n")
	r.Print(w)
	s.Print(w)
	return nil
}

// cpuMode is the x86asm decode width for the current code segment.
func cpuMode(s *Sregs) int {
	switch {
	case s.EFER&EFERxLMA != 0 && s.CS.L != 0:
		return 64
	case s.CR0&CR0xPE != 0 && s.CS.DB != 0:
		return 32
	}
	return 16
}

// ReadVirt copies guest memory at a linear address, translated through the
// vCPU's current page tables.
func ReadVirt(cpu VCPU, mem io.ReaderAt, b []byte, vaddr uint64) (int, error) {
	pa, ok, err := cpu.Translate(vaddr)
	if err != nil {
		return 0, fmt.Errorf("translate %#x: %w", vaddr, err)
	}
	if !ok {
		return 0, fmt.Errorf("%#x: valid not set: %w", vaddr, ErrBadVA)
	}
	return mem.ReadAt(b, int64(pa))
}

// Inst decodes the instruction at RIP.
func Inst(cpu VCPU, mem io.ReaderAt) (*x86asm.Inst, *Regs, string, error) {
	r, err := cpu.GetRegs()
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst:Getregs:%w", err)
	}
	s, err := cpu.GetSregs()
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst:GetSregs:%w", err)
	}
	pc := s.CS.Base + r.RIP
	insn := make([]byte, 16)
	n, err := ReadVirt(cpu, mem, insn, pc)
	if n == 0 {
		return nil, nil, "", fmt.Errorf("reading PC at %#x:%w", pc, err)
	}
	d, err := x86asm.Decode(insn[:n], cpuMode(s))
	if err != nil {
		return nil, nil, "", fmt.Errorf("decoding %#02x:%w", insn[:n], err)
	}
	return &d, r, x86asm.GNUSyntax(d, r.RIP, nil), nil
}

// DumpCode hex dumps the bytes at RIP and disassembles the first few
// instructions.
func DumpCode(w io.Writer, cpu VCPU, mem io.ReaderAt) error {
	r, err := cpu.GetRegs()
	if err != nil {
		return fmt.Errorf("GetRegs: %w", err)
	}
	s, err := cpu.GetSregs()
	if err != nil {
		return fmt.Errorf("GetSregs: %w", err)
	}

	fmt.Fprintf(w, "\n Code:\n")
	fmt.Fprintf(w, " -----\n")
	pc := s.CS.Base + r.RIP
	code := make([]byte, codeBytes)
	n, err := ReadVirt(cpu, mem, code, pc)
	if n == 0 {
		return fmt.Errorf("code at %#x: %w", pc, err)
	}
	code = code[:n]
	fmt.Fprintf(w, " rip: [<%016x>] %x\n\n", r.RIP, code)

	mode := cpuMode(s)
	ip := r.RIP
	for i := 0; i < codeInsns && len(code) > 0; i++ {
		d, err := x86asm.Decode(code, mode)
		if err != nil {
			fmt.Fprintf(w, " %016x: (bad) %#02x\n", ip, code[0])
			break
		}
		fmt.Fprintf(w, " %016x: %-24x %s\n", ip, code[:d.Len], x86asm.GNUSyntax(d, ip, nil))
		code = code[d.Len:]
		ip += uint64(d.Len)
	}
	return nil
}

type pageLevel struct {
	name  string
	shift uint
	bits  uint
	entry int
}

var (
	longModeLevels = []pageLevel{{"pml4", 39, 9, 8}, {"pdpt", 30, 9, 8}, {"pd", 21, 9, 8}, {"pt", 12, 9, 8}}
	paeLevels      = []pageLevel{{"pdpt", 30, 2, 8}, {"pd", 21, 9, 8}, {"pt", 12, 9, 8}}
	legacyLevels   = []pageLevel{{"pd", 22, 10, 4}, {"pt", 12, 10, 4}}
)

// DumpPageTables walks the guest page tables for RIP from CR3 and prints
// every entry on the way down.
func DumpPageTables(w io.Writer, cpu VCPU, mem io.ReaderAt) error {
	r, err := cpu.GetRegs()
	if err != nil {
		return fmt.Errorf("GetRegs: %w", err)
	}
	s, err := cpu.GetSregs()
	if err != nil {
		return fmt.Errorf("GetSregs: %w", err)
	}

	fmt.Fprintf(w, "\n Page Tables:\n")
	fmt.Fprintf(w, " ------\n")
	if s.CR0&CR0xPG == 0 {
		fmt.Fprintf(w, " paging disabled\n")
		return nil
	}

	levels := legacyLevels
	table := s.CR3 &^ 0xfff
	switch {
	case s.EFER&EFERxLMA != 0:
		levels = longModeLevels
	case s.CR4&CR4xPAE != 0:
		levels = paeLevels
		table = s.CR3 &^ 0x1f
	}

	vaddr := s.CS.Base + r.RIP
	for i, lvl := range levels {
		idx := (vaddr >> lvl.shift) & (1<<lvl.bits - 1)
		buf := make([]byte, lvl.entry)
		if _, err := mem.ReadAt(buf, int64(table+idx*uint64(lvl.entry))); err != nil {
			return fmt.Errorf("%s entry %d at %#x: %w", lvl.name, idx, table, err)
		}
		var e uint64
		if lvl.entry == 8 {
			e = binary.LittleEndian.Uint64(buf)
		} else {
			e = uint64(binary.LittleEndian.Uint32(buf))
		}
		fmt.Fprintf(w, " %-5s %016x[%3d] = %016x\n", lvl.name, table, idx, e)

		if e&PDE64xPRESENT == 0 {
			fmt.Fprintf(w, " not present\n")
			return nil
		}
		// 1G and 2M/4M leaves
		if i < len(levels)-1 && lvl.shift <= 30 && e&PDE64xPS != 0 {
			break
		}
		if lvl.entry == 8 {
			table = e & 0x000f_ffff_ffff_f000
		} else {
			table = e & 0xffff_f000
		}
	}
	if pa, ok, err := cpu.Translate(vaddr); err == nil && ok {
		fmt.Fprintf(w, " %016x -> %016x\n", vaddr, pa)
	}
	return nil
}
