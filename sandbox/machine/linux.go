package machine

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
)

const (
	bootParamAddr = 0x10000
	cmdlineAddr   = 0x20000
	pageTableBase = 0x30_000
	initrdAddr    = 0xf000000
	highMemBase   = HighRAMStart

	cmdlineMax = 0x10000
	zeroPage   = 0x1000

	MagicSignature = 0x53726448

	LoadedHigh   = uint8(1 << 0)
	KeepSegments = uint8(1 << 6)
	CanUseHeap   = uint8(1 << 7)

	E820Max      = 128
	E820Ram      = 1
	E820Reserved = 2

	RealModeIvtBegin = 0x00000000
	EBDAStarted      = 0x0009fc00
	VGARAMBegin      = 0x000a0000
	MBBIOSBegin      = 0x000f0000
	MBBIOSEnd        = 0x000fffff

	// struct boot_params offsets
	bpScreenInfo  = 0x000
	bpE820Entries = 0x1e8
	bpHdr         = 0x1f1
	bpE820Table   = 0x2d0

	videoTypeVLFB = 0x23
)

type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

type SetupHeader struct {
	SetupSects          uint8
	RootFlags           uint16
	SysSize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	Header              uint32
	Version             uint16
	ReadModeSwitch      uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XloadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

// KernParam is the zero page handed to the kernel in RSI. Only the parts
// this loader fills in are modelled; Bytes places them at their ABI offsets.
type KernParam struct {
	Screen []byte
	Hdr    SetupHeader
	E820   []E820Entry
}

func NewKernParam(r io.ReaderAt) (*KernParam, error) {
	k := &KernParam{}

	reader := io.NewSectionReader(r, bpHdr, zeroPage)
	if err := binary.Read(reader, binary.LittleEndian, &k.Hdr); err != nil {
		return k, err
	}
	if err := k.isValid(); err != nil {
		return k, err
	}
	return k, nil
}

func (k *KernParam) isValid() error {
	if k.Hdr.Header != MagicSignature {
		return ErrSignatureNotMatch
	}
	if k.Hdr.Version < 0x0206 {
		return fmt.Errorf("%w: 0x%x", ErrOldProtocolVersion, k.Hdr.Version)
	}
	return nil
}

func (k *KernParam) AddE820Entry(addr, size uint64, typ uint32) {
	if len(k.E820) == E820Max {
		return
	}
	k.E820 = append(k.E820, E820Entry{Addr: addr, Size: size, Type: typ})
}

func (k *KernParam) Bytes() ([]byte, error) {
	b := make([]byte, zeroPage)
	copy(b[bpScreenInfo:], k.Screen)

	var hdr bytes.Buffer
	if err := binary.Write(&hdr, binary.LittleEndian, k.Hdr); err != nil {
		return nil, err
	}
	copy(b[bpHdr:], hdr.Bytes())

	b[bpE820Entries] = uint8(len(k.E820))
	var e820 bytes.Buffer
	if err := binary.Write(&e820, binary.LittleEndian, k.E820); err != nil {
		return nil, err
	}
	copy(b[bpE820Table:], e820.Bytes())
	return b, nil
}

// ScreenInfo describes fb to the kernel as a VESA linear framebuffer, the
// way the real mode setup code would after a VBE mode set.
func ScreenInfo(fb *Framebuffer) []byte {
	si := make([]byte, 0x40)
	si[0x0f] = videoTypeVLFB
	putLe16(si[0x12:], uint16(fb.Width))
	putLe16(si[0x14:], uint16(fb.Height))
	putLe16(si[0x16:], uint16(fb.Depth))
	putLe32(si[0x18:], uint32(fb.Addr))
	// in 64K units for VLFB
	putLe32(si[0x1c:], uint32((fb.Size+0xffff)>>16))
	putLe16(si[0x24:], uint16(fb.Stride()))

	switch fb.Depth {
	case 16:
		copy(si[0x26:], []byte{5, 11, 6, 5, 5, 0, 0, 0})
	case 24, 32:
		copy(si[0x26:], []byte{8, 16, 8, 8, 8, 0, 0, 0})
		if fb.Depth == 32 {
			si[0x2c], si[0x2d] = 8, 24
		}
	}
	putLe16(si[0x32:], 1)
	return si
}

// LoadLinux places a bzImage or ELF kernel, its command line and initrd in
// guest RAM and points every vCPU at the entry. A registered framebuffer is
// described in the zero page.
func (m *Machine) LoadLinux(kernel, initrd io.ReaderAt, params string) error {
	DefaultKernelAddr := uint64(highMemBase)

	if len(params)+1 > cmdlineMax {
		return fmt.Errorf("kernel command line of %d bytes: %w", len(params), ErrDataLenInvalid)
	}

	var initrdSize int
	if initrd != nil {
		n, err := initrd.ReadAt(m.phyMem.GetFromStart(initrdAddr), 0)
		if err != nil && n == 0 && !errors.Is(err, io.EOF) {
			return fmt.Errorf("initrd: (%v, %w)", n, err)
		}
		initrdSize = n
	}

	m.phyMem.CopyStart(cmdlineAddr, append([]byte(params), 0))

	k, err := elf.NewFile(kernel)
	isElfFile := err == nil

	kp := &KernParam{}
	if !isElfFile {
		if kp, err = NewKernParam(kernel); err != nil {
			return err
		}
	}

	kp.AddE820Entry(RealModeIvtBegin, EBDAStarted-RealModeIvtBegin, E820Ram)
	kp.AddE820Entry(EBDAStarted, VGARAMBegin-EBDAStarted, E820Reserved)
	kp.AddE820Entry(MBBIOSBegin, MBBIOSEnd-MBBIOSBegin, E820Reserved)
	kp.AddE820Entry(highMemBase, m.phyMem.Len()-highMemBase, E820Ram)

	kp.Hdr.VidMode = 0xFFFF
	kp.Hdr.TypeOfLoader = 0xFF
	kp.Hdr.RamdiskImage = initrdAddr
	kp.Hdr.RamdiskSize = uint32(initrdSize)
	kp.Hdr.LoadFlags |= CanUseHeap | LoadedHigh | KeepSegments
	kp.Hdr.HeapEndPtr = 0xFE00
	kp.Hdr.ExtLoaderVer = 0
	kp.Hdr.CmdlinePtr = cmdlineAddr
	kp.Hdr.CmdlineSize = uint32(len(params) + 1)

	if fbs := m.board.Framebuffers.List(); len(fbs) > 0 {
		kp.Screen = ScreenInfo(fbs[0])
	}

	bpBytes, err := kp.Bytes()
	if err != nil {
		return err
	}
	m.phyMem.CopyStart(bootParamAddr, bpBytes)

	var (
		amd64    bool
		kernSize int
	)

	switch isElfFile {
	case false:
		setupSz := int(kp.Hdr.SetupSects+1) * 512
		kernSize, err = kernel.ReadAt(m.phyMem.GetFromStart(DefaultKernelAddr), int64(setupSz))
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("kernel: (%v, %w)", kernSize, err)
		}
	case true:
		if k.Class == elf.ELFCLASS64 {
			amd64 = true
		}
		DefaultKernelAddr = k.Entry

		for i, p := range k.Progs {
			if p.Type != elf.PT_LOAD {
				continue
			}
			if p.Paddr+p.Filesz > m.phyMem.Len() {
				return fmt.Errorf("ELF prog %d@%#x: %#x bytes past end of RAM: %w", i, p.Paddr, p.Filesz, ErrMemTooSmall)
			}
			if debug {
				log.Printf("Load elf segment @%#x from file %#x %#x bytes\n", p.Paddr, p.Off, p.Filesz)
			}
			n, err := p.ReadAt(m.phyMem.Get(p.Paddr, p.Paddr+p.Filesz), 0)
			if uint64(n) != p.Filesz {
				return fmt.Errorf("reading ELF prog %d@%#x: %d/%d bytes, err %w", i, p.Paddr, n, p.Filesz, err)
			}
			kernSize += n
		}
	}

	if kernSize == 0 {
		return ErrZeroSizeKernel
	}
	return m.SetupRegs(DefaultKernelAddr, bootParamAddr, amd64)
}

func (m *Machine) SetupRegs(rip, bp uint64, amd64 bool) error {
	for cpu := 0; cpu < m.kvm.CPUs(); cpu++ {
		v := m.kvm.vcpus[cpu]
		if err := m.initRegs(v, rip, bp); err != nil {
			return err
		}
		if err := m.initSregs(v, amd64); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) initRegs(v *kvmVCPU, rip, bp uint64) error {
	regs, err := v.GetRegs()
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = rip
	regs.RSI = bp
	return v.SetRegs(regs)
}

// initSregs loads the boot GDT and puts the vCPU in flat 32 bit protected
// mode or, for a 64 bit ELF, in long mode on an identity map of the low 4G
// built from 2M pages.
func (m *Machine) initSregs(v *kvmVCPU, amd64 bool) error {
	sregs, err := v.GetSregs()
	if err != nil {
		return err
	}

	gdt := bootGDT(amd64)
	copy(m.phyMem.Get(gdtAddr, gdtAddr+uint64(len(gdt)*8)), gdtBytes(gdt))
	sregs.GDT = Descriptor{Base: gdtAddr, Limit: uint16(len(gdt)*8 - 1)}

	data := SegmentFromGDT(gdt[bootDSIndex], bootDSIndex)
	sregs.CS = SegmentFromGDT(gdt[bootCSIndex], bootCSIndex)
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data
	sregs.TR = SegmentFromGDT(gdt[bootTSSIndex], bootTSSIndex)

	if !amd64 {
		sregs.CR0 |= CR0xPE
		return v.SetSregs(sregs)
	}

	pt := m.phyMem.Get(pageTableBase, pageTableBase+0x6000)
	clear(pt)
	// PML4[0] -> PDPT
	binary.LittleEndian.PutUint64(pt, (pageTableBase+0x1000)|0x03)
	for i := uint64(0); i < 4; i++ {
		pd := pageTableBase + (i+2)*0x1000
		binary.LittleEndian.PutUint64(pt[0x1000+i*8:], pd|0x63)
	}
	for i := uint64(0); i < 0x1_0000_0000; i += 0x20_0000 {
		binary.LittleEndian.PutUint64(pt[0x2000+(i/0x20_0000)*8:], i|0xe3)
	}
	if debug {
		log.Printf("Page tables: %s\n", hex.Dump(pt[:0x3000]))
	}

	sregs.CR3 = uint64(pageTableBase)
	sregs.CR4 = CR4xPAE
	sregs.CR0 = CR0xPE | CR0xMP | CR0xET | CR0xNE | CR0xWP | CR0xAM | CR0xPG
	sregs.EFER = EFERxLME | EFERxLMA
	return v.SetSregs(sregs)
}
