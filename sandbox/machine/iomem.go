package machine

import (
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	LowRAMStart           = 0x0
	HighRAMStart          = 0x10_0000
	Mem32BitReservedStart = 0xC000_0000
	Mem32BitDeviceStart   = Mem32BitReservedStart
	Mem32BitDeviceSize    = 640 << 20
	PCIMMConfigStart      = Mem32BitDeviceStart + Mem32BitDeviceSize
	PCIMMConfigSize       = 256 << 20
	KVMTSSStart           = PCIMMConfigStart + PCIMMConfigSize
	KVMTSSSize            = (3 * 4) << 10
	KVMIdentityMapStart   = KVMTSSStart + KVMTSSSize
	KVMIdentityMapSize    = 4 << 10
)

// maxMemSlots is the smallest KVM_CAP_NR_MEMSLOTS any x86 kernel reports.
const maxMemSlots = 32

// PhysMemory is guest RAM: one anonymous host mapping installed at guest
// physical address zero.
type PhysMemory struct {
	mem []byte
}

func NewPhysMemory(size int) (*PhysMemory, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes of guest ram: %w", size, err)
	}
	return &PhysMemory{mem: mem}, nil
}

func (p *PhysMemory) Len() uint64 {
	return uint64(len(p.mem))
}

func (p *PhysMemory) Bytes() []byte {
	return p.mem
}

func (p *PhysMemory) Get(start, end uint64) []byte {
	return p.mem[start:end]
}

func (p *PhysMemory) GetFromStart(pos uint64) []byte {
	return p.mem[pos:]
}

func (p *PhysMemory) CopyStart(start uint64, data []byte) {
	copy(p.mem[start:], data)
}

func (p *PhysMemory) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(p.mem)) {
		return 0, io.EOF
	}
	n := copy(b, p.mem[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (p *PhysMemory) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(p.mem)) {
		return 0, unix.EFBIG
	}
	n := copy(p.mem[off:], b)
	if n < len(b) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (p *PhysMemory) Free() error {
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}

type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func (r *UserspaceMemoryRegion) end() uint64 {
	return r.GuestPhysAddr + r.MemorySize
}

func SetUserMemoryRegion(vmFd P, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, P(unsafe.Sizeof(UserspaceMemoryRegion{}))),
		P(Ptr(region)))
	return err
}

// MemoryMapper installs or, with a zero MemorySize, deletes one slot of the
// guest physical map. *KVM is the production implementation.
type MemoryMapper interface {
	SetUserMemoryRegion(*UserspaceMemoryRegion) error
}

// GuestMemory is the bookkeeping in front of a MemoryMapper. It hands out
// slots and refuses mappings that are unaligned or overlap an existing one.
type GuestMemory struct {
	mu     sync.Mutex
	mapper MemoryMapper
	slots  map[uint32]*UserspaceMemoryRegion
}

func NewGuestMemory(mapper MemoryMapper) *GuestMemory {
	return &GuestMemory{
		mapper: mapper,
		slots:  make(map[uint32]*UserspaceMemoryRegion),
	}
}

// Map backs [gpa, gpa+len(buf)) with buf. buf must stay mapped until Unmap.
func (g *GuestMemory) Map(gpa uint64, buf []byte) error {
	page := uint64(unix.Getpagesize())
	size := uint64(len(buf))
	if size == 0 || gpa%page != 0 || size%page != 0 {
		return fmt.Errorf("[%#x,+%#x): %w", gpa, size, ErrMemoryUnaligned)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, r := range g.slots {
		if gpa < r.end() && r.GuestPhysAddr < gpa+size {
			return fmt.Errorf("[%#x,%#x) overlaps slot %d [%#x,%#x): %w",
				gpa, gpa+size, r.Slot, r.GuestPhysAddr, r.end(), ErrMemoryConflict)
		}
	}

	slot, ok := g.freeSlot()
	if !ok {
		return ErrNoMemorySlot
	}
	r := &UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}
	if err := g.mapper.SetUserMemoryRegion(r); err != nil {
		return err
	}
	g.slots[slot] = r
	return nil
}

// Unmap deletes the mapping that starts at gpa.
func (g *GuestMemory) Unmap(gpa uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for slot, r := range g.slots {
		if r.GuestPhysAddr != gpa {
			continue
		}
		del := &UserspaceMemoryRegion{Slot: slot, GuestPhysAddr: gpa}
		if err := g.mapper.SetUserMemoryRegion(del); err != nil {
			return err
		}
		delete(g.slots, slot)
		if debug {
			log.Printf("guest memory: slot %d at %#x released", slot, gpa)
		}
		return nil
	}
	return fmt.Errorf("%#x: %w", gpa, ErrMemoryNotFound)
}

// Regions returns a copy of the current map ordered by guest address.
func (g *GuestMemory) Regions() []UserspaceMemoryRegion {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]UserspaceMemoryRegion, 0, len(g.slots))
	for _, r := range g.slots {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuestPhysAddr < out[j].GuestPhysAddr })
	return out
}

func (g *GuestMemory) freeSlot() (uint32, bool) {
	for s := uint32(0); s < maxMemSlots; s++ {
		if _, used := g.slots[s]; !used {
			return s, true
		}
	}
	return 0, false
}
