package machine

import "encoding/binary"

const (
	gdtAddr = 0x500

	// selectors the boot protocol expects: __BOOT_CS and __BOOT_DS
	bootCSIndex  = 2
	bootDSIndex  = 3
	bootTSSIndex = 4

	gdtCode32 = 0xc09b
	gdtCode64 = 0xa09b
	gdtData   = 0xc093
	gdtTSS    = 0x008b
)

// GdtEntry packs a segment descriptor. Only the low 20 bits of limit are
// kept; flags carries the access byte and the G/DB/L/AVL nibble.
func GdtEntry(flags uint16, base uint32, limit uint32) uint64 {
	return (uint64(base)&0xFF000000)<<(56-24) |
		(uint64(flags)&0x0000F0FF)<<40 |
		(uint64(limit)&0x000F0000)<<(48-16) |
		(uint64(base)&0x00FFFFFF)<<16 |
		(uint64(limit) & 0x0000FFFF)
}

// bootGDT is the flat table the kernel entry point runs on.
func bootGDT(amd64 bool) []uint64 {
	code := uint16(gdtCode32)
	if amd64 {
		code = gdtCode64
	}
	return []uint64{
		0,
		0,
		GdtEntry(code, 0, 0xfffff),
		GdtEntry(gdtData, 0, 0xfffff),
		GdtEntry(gdtTSS, 0, 0x67),
	}
}

func gdtBytes(gdt []uint64) []byte {
	b := make([]byte, len(gdt)*8)
	for i, e := range gdt {
		binary.LittleEndian.PutUint64(b[i*8:], e)
	}
	return b
}

func getBase(entry uint64) uint64 {
	return ((entry & 0xFF00000000000000) >> 32) | ((entry & 0x000000FF00000000) >> 16) | (entry&0x00000000FFFF0000)>>16
}

func getG(entry uint64) uint8   { return uint8((entry >> 55) & 1) }
func getDB(entry uint64) uint8  { return uint8((entry >> 54) & 1) }
func getL(entry uint64) uint8   { return uint8((entry >> 53) & 1) }
func getAVL(entry uint64) uint8 { return uint8((entry >> 52) & 1) }
func getP(entry uint64) uint8   { return uint8((entry >> 47) & 1) }
func getDPL(entry uint64) uint8 { return uint8((entry >> 45) & 3) }
func getS(entry uint64) uint8   { return uint8((entry >> 44) & 1) }
func getType(entry uint64) uint8 {
	return uint8((entry >> 40) & 0xF)
}

func getLimit(entry uint64) uint32 {
	l := uint32(((entry & 0x000F000000000000) >> 32) | (entry & 0x000000000000FFFF))
	if getG(entry) == 0 {
		return l
	}
	return (l << 12) | 0xFFF
}

// SegmentFromGDT expands a descriptor into the segment KVM loads, with the
// selector pointing at table index tableIndex.
func SegmentFromGDT(entry uint64, tableIndex uint8) Segment {
	var unused uint8
	if getP(entry) == 0 {
		unused = 1
	}

	return Segment{
		Base:     getBase(entry),
		Limit:    getLimit(entry),
		Selector: uint16(tableIndex) * 8,
		Typ:      getType(entry),
		Present:  getP(entry),
		DPL:      getDPL(entry),
		DB:       getDB(entry),
		S:        getS(entry),
		L:        getL(entry),
		G:        getG(entry),
		AVL:      getAVL(entry),
		Unusable: unused,
	}
}
