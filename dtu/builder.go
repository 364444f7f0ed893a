package dtu

import (
	"log"

	"github.com/sarchlab/dtusim/mem"
	"github.com/sarchlab/dtusim/sim"
)

// Builder can build DTUs.
type Builder struct {
	engine sim.Engine
	freq   sim.Freq

	coreID     uint32
	memPe      uint32
	memOffset  uint64
	atomicMode bool

	numEndpoints     int
	tlbEntries       int
	maxNocPacketSize uint64
	numCmdEpidBits   uint
	blockSize        uint64
	bufCount         int
	bufSize          uint64
	regFileBaseAddr  uint64

	cacheBlocksPerCycle int
	l1BlockCount        int
	l2BlockCount        int

	registerAccessLatency       int
	commandToNocRequestLatency  int
	startMsgTransferDelay       int
	transferToMemRequestLatency int
	transferToNocLatency        int
	nocToTransferLatency        int

	localMem *mem.Storage
	core     CoreCtrl
	irq      IrqSink
}

// MakeBuilder returns a Builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{
		freq:             1 * sim.GHz,
		numEndpoints:     16,
		tlbEntries:       32,
		maxNocPacketSize: 1024,
		numCmdEpidBits:   8,
		blockSize:        64,
		bufCount:         4,
		bufSize:          1024,
		regFileBaseAddr:  0xF0000000,

		cacheBlocksPerCycle: 16,

		registerAccessLatency:       2,
		commandToNocRequestLatency:  5,
		startMsgTransferDelay:       2,
		transferToMemRequestLatency: 1,
		transferToNocLatency:        3,
		nocToTransferLatency:        3,
	}
}

// WithEngine sets the engine that the DTU uses.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// WithFreq sets the frequency of the DTU.
func (b Builder) WithFreq(freq sim.Freq) Builder {
	b.freq = freq
	return b
}

// WithCoreID sets the ID of the PE this DTU belongs to.
func (b Builder) WithCoreID(coreID uint32) Builder {
	b.coreID = coreID
	return b
}

// WithMemPE sets the PE and offset of the external memory.
func (b Builder) WithMemPE(memPe uint32, memOffset uint64) Builder {
	b.memPe = memPe
	b.memOffset = memOffset
	return b
}

// InAtomicMode makes every memory and NoC access complete inline.
func (b Builder) InAtomicMode() Builder {
	b.atomicMode = true
	return b
}

// WithNumEndpoints sets the number of endpoints.
func (b Builder) WithNumEndpoints(n int) Builder {
	b.numEndpoints = n
	return b
}

// WithTlbEntries sets the TLB capacity. Zero disables translation.
func (b Builder) WithTlbEntries(n int) Builder {
	b.tlbEntries = n
	return b
}

// WithMaxNocPacketSize sets the chunking size of NoC transfers.
func (b Builder) WithMaxNocPacketSize(size uint64) Builder {
	b.maxNocPacketSize = size
	return b
}

// WithBlockSize sets the cache block size used for staging transfers.
func (b Builder) WithBlockSize(size uint64) Builder {
	b.blockSize = size
	return b
}

// WithBuffers sets the number and size of the transfer buffers.
func (b Builder) WithBuffers(count int, size uint64) Builder {
	b.bufCount = count
	b.bufSize = size
	return b
}

// WithRegFileBaseAddr sets the base of the register MMIO window.
func (b Builder) WithRegFileBaseAddr(addr uint64) Builder {
	b.regFileBaseAddr = addr
	return b
}

// WithCaches sets the block counts used to model cache invalidation
// time.
func (b Builder) WithCaches(l1Blocks, l2Blocks, blocksPerCycle int) Builder {
	b.l1BlockCount = l1Blocks
	b.l2BlockCount = l2Blocks
	b.cacheBlocksPerCycle = blocksPerCycle
	return b
}

// WithLocalMem sets the storage behind the memory port, used for
// functional accesses.
func (b Builder) WithLocalMem(storage *mem.Storage) Builder {
	b.localMem = storage
	return b
}

// WithCoreCtrl sets the hook into the local CPU thread context.
func (b Builder) WithCoreCtrl(core CoreCtrl) Builder {
	b.core = core
	return b
}

// WithIrqSink sets the hook into the local interrupt controller.
func (b Builder) WithIrqSink(irq IrqSink) Builder {
	b.irq = irq
	return b
}

// Build creates a new DTU.
func (b Builder) Build(name string) *Comp {
	if b.bufSize < b.maxNocPacketSize {
		log.Panic("transfer buffers must hold a full NoC packet")
	}

	d := &Comp{
		engine: b.engine,
		freq:   b.freq,

		coreID:     b.coreID,
		memPe:      b.memPe,
		memOffset:  b.memOffset,
		atomicMode: b.atomicMode,

		numEndpoints:     b.numEndpoints,
		maxNocPacketSize: b.maxNocPacketSize,
		numCmdEpidBits:   b.numCmdEpidBits,
		blockSize:        b.blockSize,
		bufCount:         b.bufCount,
		bufSize:          b.bufSize,
		regFileBaseAddr:  b.regFileBaseAddr,

		cacheBlocksPerCycle: b.cacheBlocksPerCycle,
		l1BlockCount:        b.l1BlockCount,
		l2BlockCount:        b.l2BlockCount,

		registerAccessLatency:       b.registerAccessLatency,
		commandToNocRequestLatency:  b.commandToNocRequestLatency,
		startMsgTransferDelay:       b.startMsgTransferDelay,
		transferToMemRequestLatency: b.transferToMemRequestLatency,
		transferToNocLatency:        b.transferToNocLatency,
		nocToTransferLatency:        b.nocToTransferLatency,

		localMem: b.localMem,
		core:     b.core,
		irq:      b.irq,

		pendingMemReqs: make(map[string]*memReqState),
		pendingNocReqs: make(map[string]*nocReqState),
	}

	d.ComponentBase = sim.NewComponentBase(name)

	d.regFile = NewRegFile(name+".regFile", b.numEndpoints)
	d.regFile.Set(RegRwBarrier, b.regFileBaseAddr, AccessDTU)
	if b.tlbEntries > 0 {
		d.tlb = NewTlb(b.tlbEntries)
	}
	d.msgUnit = newMessageUnit(d)
	d.memUnit = newMemoryUnit(d)
	d.xfer = newXferUnit(d, b.blockSize, b.bufCount, b.bufSize)
	d.ptUnit = newPtUnit(d)

	d.cpuPort = sim.NewLimitNumMsgPort(d, 4, name+".CpuPort")
	d.memPort = sim.NewLimitNumMsgPort(d, 16, name+".MemPort")
	d.nocPort = sim.NewLimitNumMsgPort(d, 16, name+".NocPort")
	d.AddPort("Cpu", d.cpuPort)
	d.AddPort("Mem", d.memPort)
	d.AddPort("Noc", d.nocPort)

	return d
}
