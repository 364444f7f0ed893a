package idealmemcontroller

import (
	"github.com/sarchlab/dtusim/mem"
	"github.com/sarchlab/dtusim/sim"
)

// Builder can build ideal memory controllers.
type Builder struct {
	engine   sim.Engine
	freq     sim.Freq
	latency  int
	capacity uint64
	storage  *mem.Storage
}

// MakeBuilder returns a Builder with default configuration.
func MakeBuilder() Builder {
	return Builder{
		freq:     1 * sim.GHz,
		latency:  100,
		capacity: 4 * 1 << 30,
	}
}

// WithEngine sets the engine that the memory controller uses.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// WithFreq sets the frequency of the memory controller.
func (b Builder) WithFreq(freq sim.Freq) Builder {
	b.freq = freq
	return b
}

// WithLatency sets the access latency, in cycles.
func (b Builder) WithLatency(latency int) Builder {
	b.latency = latency
	return b
}

// WithNewStorage creates a new storage of the given capacity for the
// memory controller to build.
func (b Builder) WithNewStorage(capacity uint64) Builder {
	b.capacity = capacity
	b.storage = nil
	return b
}

// WithStorage sets an existing storage to be used by the memory
// controller.
func (b Builder) WithStorage(storage *mem.Storage) Builder {
	b.storage = storage
	return b
}

// Build creates a new ideal memory controller.
func (b Builder) Build(name string) *Comp {
	c := &Comp{
		Latency: b.latency,
	}

	c.TickingComponent = sim.NewTickingComponent(name, b.engine, b.freq, c)

	if b.storage != nil {
		c.Storage = b.storage
	} else {
		c.Storage = mem.NewStorage(b.capacity)
	}

	c.topPort = sim.NewLimitNumMsgPort(c, 16, name+".TopPort")
	c.AddPort("Top", c.topPort)

	return c
}
