package dtu

import "log"

// NoC address layout, MSB to LSB:
//
//	64    59        48      37         0
//	 -----------------------------------
//	 |res|V| coreId  | vpeId | offset  |
//	 -----------------------------------
const (
	idBits       = 64
	reservedBits = 5
	validBits    = 1
	coreBits     = 10
	vpeBits      = 11
	offsetBits   = idBits - reservedBits - validBits - coreBits - vpeBits

	validShift = idBits - reservedBits - validBits
	coreShift  = validShift - coreBits
	vpeShift   = coreShift - vpeBits
)

// A NocAddr identifies a byte in the NoC address space. It packs a valid
// bit, the target core, the target VPE, and an offset into a 64-bit
// address.
type NocAddr struct {
	Valid  bool
	CoreID uint32
	VpeID  uint32
	Offset uint64
}

// NocAddrFromRaw unpacks a raw 64-bit address into a NocAddr.
func NocAddrFromRaw(addr uint64) NocAddr {
	return NocAddr{
		Valid:  (addr>>validShift)&((1<<validBits)-1) != 0,
		CoreID: uint32((addr >> coreShift) & ((1 << coreBits) - 1)),
		VpeID:  uint32((addr >> vpeShift) & ((1 << vpeBits) - 1)),
		Offset: addr & ((uint64(1) << offsetBits) - 1),
	}
}

// NewNocAddr creates a valid NocAddr from its components.
func NewNocAddr(coreID uint32, vpeID uint32, offset uint64) NocAddr {
	return NocAddr{
		Valid:  true,
		CoreID: coreID,
		VpeID:  vpeID,
		Offset: offset,
	}
}

// GetAddr packs the NocAddr into its raw 64-bit form. Each field must fit
// its width.
func (a NocAddr) GetAddr() uint64 {
	if a.CoreID&^((1<<coreBits)-1) != 0 {
		log.Panicf("core id %d out of range", a.CoreID)
	}
	if a.VpeID&^((1<<vpeBits)-1) != 0 {
		log.Panicf("vpe id %d out of range", a.VpeID)
	}
	if a.Offset&^((uint64(1)<<offsetBits)-1) != 0 {
		log.Panicf("offset %#x out of range", a.Offset)
	}

	res := uint64(0)
	if a.Valid {
		res = uint64(1) << validShift
	}
	res |= uint64(a.CoreID) << coreShift
	res |= uint64(a.VpeID) << vpeShift
	res |= a.Offset
	return res
}
