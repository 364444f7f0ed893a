package bringup

import (
	"encoding/binary"
	"log"

	"github.com/sarchlab/dtusim/dtu"
)

// A MemWriter performs immediate accesses on NoC-addressed memory.
type MemWriter interface {
	WriteBlob(addr uint64, data []byte)
	ReadBlob(addr uint64, size uint64) []byte
}

// Fixed runtime layout of a PE's address space.
const (
	RtStart   = 0x3000
	RtSize    = 0x20000
	StackArea = RtStart + RtSize
	StackSize = 0x1000
	HeapSize  = 0x1000

	// ResPages is the number of frames reserved at the start of the
	// external memory for the root page table and the initial mappings.
	ResPages = (StackArea + StackSize) >> dtu.PageBits
)

// A PageTableBuilder constructs the initial page tables of one PE in
// external memory.
type PageTableBuilder struct {
	mem       MemWriter
	memPe     uint32
	memOffset uint64

	// nextFrame allocates frames for page tables; the root page table
	// frame is not reused.
	nextFrame uint64
}

// NewPageTableBuilder creates a builder that allocates page-table
// frames behind the reserved pages.
func NewPageTableBuilder(
	mem MemWriter,
	memPe uint32,
	memOffset uint64,
) *PageTableBuilder {
	return &PageTableBuilder{
		mem:       mem,
		memPe:     memPe,
		memOffset: memOffset,
		nextFrame: ResPages,
	}
}

// RootPt returns the NoC address of the root page table.
func (b *PageTableBuilder) RootPt() dtu.NocAddr {
	return dtu.NewNocAddr(b.memPe, 0, b.memOffset)
}

func (b *PageTableBuilder) readPte(addr uint64) dtu.Pte {
	data := b.mem.ReadBlob(addr, dtu.PteSize)
	return dtu.Pte(binary.LittleEndian.Uint64(data))
}

func (b *PageTableBuilder) writePte(addr uint64, pte dtu.Pte) {
	data := make([]byte, dtu.PteSize)
	binary.LittleEndian.PutUint64(data, uint64(pte))
	b.mem.WriteBlob(addr, data)
}

// MapPage creates the PTE chain for one virtual page, allocating and
// clearing intermediate page tables as needed.
func (b *PageTableBuilder) MapPage(virt, phys uint64, access uint) {
	ptAddr := b.RootPt().GetAddr()
	for i := dtu.LevelCnt - 1; i >= 0; i-- {
		idx := (virt >> (dtu.PageBits + uint(i)*dtu.LevelBits)) &
			dtu.LevelMask
		pteAddr := ptAddr + idx<<dtu.PteBits

		entry := b.readPte(pteAddr)
		if i == 0 && entry.Ixwr() != 0 {
			log.Panicf("leaf PTE for %#x already present", virt)
		}

		if entry.Ixwr() == 0 {
			var offset uint64
			if i == 0 {
				offset = b.memOffset + phys
			} else {
				offset = b.memOffset + b.nextFrame<<dtu.PageBits
				b.nextFrame++
			}
			addr := dtu.NewNocAddr(b.memPe, 0, offset)

			if i > 0 {
				b.mem.WriteBlob(addr.GetAddr(),
					make([]byte, dtu.PageSize))
			}

			ixwr := access
			if i > 0 {
				ixwr = dtu.AccessRWX
			}
			entry = dtu.MakePte(addr.GetAddr(), ixwr)
			b.writePte(pteAddr, entry)
		}

		ptAddr = entry.Base()
	}
}

// MapSegment identity-maps a range of pages.
func (b *PageTableBuilder) MapSegment(start, size uint64, perm uint) {
	virt := start
	count := (size + dtu.PageSize - 1) / dtu.PageSize
	for i := uint64(0); i < count; i++ {
		b.MapPage(virt, virt, perm)
		virt += dtu.PageSize
	}
}

// A KernelImage describes the segments of the loaded kernel binary.
type KernelImage interface {
	TextBase() uint64
	TextSize() uint64
	DataBase() uint64
	DataSize() uint64
	BssBase() uint64
	BssSize() uint64
}

// MapMemory zeroes the root page table, installs the recursive entry in
// its last slot, and maps the kernel segments, heap, runtime state, and
// stack.
func (b *PageTableBuilder) MapMemory(
	kernel KernelImage,
	memSize uint64,
	withMods bool,
) {
	root := b.RootPt().GetAddr()
	b.mem.WriteBlob(root, make([]byte, dtu.PageSize))

	// the last slot points back at the root, so that page tables can be
	// addressed through a well-known virtual range. It is not
	// internally accessible.
	entry := dtu.MakePte(root, dtu.AccessRWX)
	b.writePte(root+dtu.PageSize-dtu.PteSize, entry)

	b.MapSegment(kernel.TextBase(), kernel.TextSize(),
		dtu.AccessIntern|dtu.AccessRX)
	b.MapSegment(kernel.DataBase(), kernel.DataSize(),
		dtu.AccessIntern|dtu.AccessRW)
	b.MapSegment(kernel.BssBase(), kernel.BssSize(),
		dtu.AccessIntern|dtu.AccessRW)

	if withMods {
		bssEnd := kernel.BssBase() + kernel.BssSize()
		bssEnd = (bssEnd + dtu.PageSize - 1) &^ uint64(dtu.PageMask)
		b.MapSegment(bssEnd, HeapSize, dtu.AccessIntern|dtu.AccessRW)

		b.MapSegment(RtStart, RtSize, dtu.AccessIntern|dtu.AccessRW)
		b.MapSegment(StackArea, StackSize, dtu.AccessIntern|dtu.AccessRW)
	} else {
		// app PEs without a kernel get a large portion of the address
		// space mapped up front
		b.MapSegment(RtStart, memSize-RtStart, dtu.AccessIRWX)
	}
}
