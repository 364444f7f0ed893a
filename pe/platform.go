// Package pe wires DTUs, local memories, and the NoC fabric into a
// simulated tiled platform.
package pe

import (
	"fmt"
	"log"

	"github.com/sarchlab/dtusim/dtu"
	"github.com/sarchlab/dtusim/mem"
	"github.com/sarchlab/dtusim/mem/idealmemcontroller"
	"github.com/sarchlab/dtusim/sim"
)

// PE descriptor bits, matching the boot protocol: bit 0 marks a memory
// PE (the remaining bits hold its size); a non-zero remainder is the
// internal memory size of an IMEM PE; zero means an EMEM PE that uses
// paging.
const (
	DescMemPE = 1 << 0
)

// A Tile is one PE: its DTU, its local memory controller, and the
// storage behind it.
type Tile struct {
	Dtu     *dtu.Comp
	MemCtrl *idealmemcontroller.Comp
	Storage *mem.Storage
	Bus     *sim.DirectConnection
}

// A Platform is a set of tiles connected by a NoC.
type Platform struct {
	Engine sim.Engine
	Freq   sim.Freq

	Noc   *sim.DirectConnection
	Tiles []*Tile

	MemPE     uint32
	MemOffset uint64
}

// NocPortFor locates the NoC port of the DTU on the given core.
func (p *Platform) NocPortFor(coreID uint32) sim.Port {
	if int(coreID) >= len(p.Tiles) {
		log.Panicf("no PE with core id %d", coreID)
	}
	return p.Tiles[coreID].Dtu.NocPort()
}

// AccessFunctional performs an immediate NoC access. Addresses that are
// not NocAddrs are rewritten toward the external memory; this only
// happens while loading programs at startup.
func (p *Platform) AccessFunctional(pkt *dtu.NocPacket) {
	addr := dtu.NocAddrFromRaw(pkt.Addr)
	if !addr.Valid {
		addr = dtu.NewNocAddr(p.MemPE, 0, p.MemOffset+addr.Offset)
		pkt.Addr = addr.GetAddr()
	}

	if int(addr.CoreID) >= len(p.Tiles) {
		log.Panicf("functional access to unknown core %d", addr.CoreID)
	}

	p.Tiles[addr.CoreID].Dtu.HandleNocFunctional(pkt)
}

// WriteBlob writes bytes at a packed NoC address, immediately.
func (p *Platform) WriteBlob(addr uint64, data []byte) {
	pkt := dtu.NocPacketBuilder{}.
		WithPacketType(dtu.NocCacheMemReqFunc).
		WithAddr(addr).
		WithData(data).
		Build()
	p.AccessFunctional(pkt)
}

// ReadBlob reads bytes at a packed NoC address, immediately.
func (p *Platform) ReadBlob(addr uint64, size uint64) []byte {
	pkt := dtu.NocPacketBuilder{}.
		WithPacketType(dtu.NocCacheMemReqFunc).
		WithAddr(addr).
		AsRead(size).
		Build()
	p.AccessFunctional(pkt)
	return pkt.Data
}

// Builder can build platforms.
type Builder struct {
	freq sim.Freq

	pes        []uint64
	memOffset  uint64
	memSize    uint64
	tileMemory uint64
	tlbEntries int
	tlbPEs     []int
	atomicMode bool
	memLatency int
}

// MakeBuilder returns a Builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{
		freq:       1 * sim.GHz,
		pes:        []uint64{0, 0},
		memOffset:  0,
		memSize:    256 * (1 << 20),
		tileMemory: 64 * (1 << 20),
		tlbEntries: 0,
		memLatency: 10,
	}
}

// WithFreq sets the frequency of all components.
func (b Builder) WithFreq(freq sim.Freq) Builder {
	b.freq = freq
	return b
}

// WithPEs sets the PE descriptors. The first descriptor with the memory
// bit becomes the external memory PE.
func (b Builder) WithPEs(pes []uint64) Builder {
	b.pes = pes
	return b
}

// WithMemSize sets the capacity of the external memory.
func (b Builder) WithMemSize(size uint64) Builder {
	b.memSize = size
	return b
}

// WithMemOffset sets the offset of the usable external memory range.
func (b Builder) WithMemOffset(offset uint64) Builder {
	b.memOffset = offset
	return b
}

// WithTlbEntries sets the TLB capacity. Zero disables translation.
// With no PEs listed, all compute PEs get a TLB; otherwise only the
// listed ones do.
func (b Builder) WithTlbEntries(n int, pes ...int) Builder {
	b.tlbEntries = n
	b.tlbPEs = pes
	return b
}

func (b Builder) tlbEntriesFor(peID int) int {
	if len(b.tlbPEs) == 0 {
		return b.tlbEntries
	}
	for _, pe := range b.tlbPEs {
		if pe == peID {
			return b.tlbEntries
		}
	}
	return 0
}

// InAtomicMode builds DTUs whose accesses complete inline.
func (b Builder) InAtomicMode() Builder {
	b.atomicMode = true
	return b
}

// WithMemLatency sets the local memory access latency in cycles.
func (b Builder) WithMemLatency(latency int) Builder {
	b.memLatency = latency
	return b
}

// Build creates a platform with one tile per PE descriptor.
func (b Builder) Build(name string) *Platform {
	engine := sim.NewSerialEngine()

	p := &Platform{
		Engine:    engine,
		Freq:      b.freq,
		MemOffset: b.memOffset,
	}

	memPE := -1
	for i, desc := range b.pes {
		if desc&DescMemPE != 0 {
			memPE = i
			break
		}
	}
	if memPE < 0 {
		memPE = len(b.pes) - 1
	}
	p.MemPE = uint32(memPE)

	p.Noc = sim.NewDirectConnection(name+".NoC", engine, b.freq)

	for i, desc := range b.pes {
		isMem := desc&DescMemPE != 0

		capacity := b.tileMemory
		if isMem {
			capacity = b.memSize
		}
		storage := mem.NewStorage(capacity)

		tlbEntries := b.tlbEntriesFor(i)
		if isMem {
			tlbEntries = 0
		}

		tileName := fmt.Sprintf("%s.PE%02d", name, i)

		dtuBuilder := dtu.MakeBuilder().
			WithEngine(engine).
			WithFreq(b.freq).
			WithCoreID(uint32(i)).
			WithMemPE(p.MemPE, b.memOffset).
			WithTlbEntries(tlbEntries).
			WithLocalMem(storage)
		if b.atomicMode {
			dtuBuilder = dtuBuilder.InAtomicMode()
		}
		d := dtuBuilder.Build(tileName + ".DTU")

		memCtrl := idealmemcontroller.MakeBuilder().
			WithEngine(engine).
			WithFreq(b.freq).
			WithLatency(b.memLatency).
			WithStorage(storage).
			Build(tileName + ".LocalMem")

		bus := sim.NewDirectConnection(tileName+".Bus", engine, b.freq)
		bus.PlugIn(d.MemPort(), 8)
		bus.PlugIn(memCtrl.TopPort(), 8)
		bus.PlugIn(d.CpuPort(), 4)

		d.SetMemCtrlPort(memCtrl.TopPort())
		d.SetRouter(p)
		d.SetFunctionalProxy(p)

		p.Noc.PlugIn(d.NocPort(), 8)

		p.Tiles = append(p.Tiles, &Tile{
			Dtu:     d,
			MemCtrl: memCtrl,
			Storage: storage,
			Bus:     bus,
		})
	}

	return p
}
