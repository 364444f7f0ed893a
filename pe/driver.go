package pe

import (
	"encoding/binary"
	"log"
	"reflect"

	"github.com/sarchlab/dtusim/mem"
	"github.com/sarchlab/dtusim/sim"
)

// A DriverOp is one register access performed by a Driver.
type DriverOp struct {
	Write bool
	Addr  uint64
	Value uint64

	// OnDone is called when the access completes. For reads, value is
	// the register content.
	OnDone func(value uint64)
}

// WriteOp builds a register write.
func WriteOp(addr, value uint64) DriverOp {
	return DriverOp{Write: true, Addr: addr, Value: value}
}

// ReadOp builds a register read.
func ReadOp(addr uint64, onDone func(value uint64)) DriverOp {
	return DriverOp{Addr: addr, OnDone: onDone}
}

type driverStartEvent struct {
	*sim.EventBase
}

// A Driver stands in for the CPU of a PE. It plays a scripted sequence
// of MMIO accesses against the DTU, one at a time.
type Driver struct {
	*sim.ComponentBase

	engine sim.Engine
	freq   sim.Freq

	port    sim.Port
	dtuPort sim.Port

	ops      []DriverOp
	inFlight bool
}

// NewDriver creates a driver for the DTU behind dtuPort. The driver's
// port must be plugged into the same bus as the DTU's CPU port.
func NewDriver(
	name string,
	engine sim.Engine,
	freq sim.Freq,
	dtuPort sim.Port,
) *Driver {
	d := &Driver{
		engine:  engine,
		freq:    freq,
		dtuPort: dtuPort,
	}
	d.ComponentBase = sim.NewComponentBase(name)
	d.port = sim.NewLimitNumMsgPort(d, 4, name+".Port")
	d.AddPort("Mem", d.port)
	return d
}

// Port returns the memory port of the driver.
func (d *Driver) Port() sim.Port {
	return d.port
}

// Enqueue appends accesses to the script and, if the driver is idle,
// schedules the next access.
func (d *Driver) Enqueue(ops ...DriverOp) {
	d.ops = append(d.ops, ops...)

	if !d.inFlight {
		evt := &driverStartEvent{
			EventBase: sim.NewEventBase(
				d.freq.NextTick(d.engine.CurrentTime()), d),
		}
		d.engine.Schedule(evt)
	}
}

// Handle processes the driver's events.
func (d *Driver) Handle(e sim.Event) error {
	switch e.(type) {
	case *driverStartEvent:
		d.issueNext(e.Time())
	default:
		log.Panicf("%s: cannot handle event of type %s",
			d.Name(), reflect.TypeOf(e))
	}
	return nil
}

// NotifyRecv consumes the response of the current access and issues the
// next one.
func (d *Driver) NotifyRecv(now sim.VTimeInSec, port sim.Port) {
	msg := port.Retrieve(now)
	if msg == nil {
		return
	}

	if len(d.ops) == 0 || !d.inFlight {
		log.Panicf("%s: unexpected response", d.Name())
	}

	op := d.ops[0]
	d.ops = d.ops[1:]
	d.inFlight = false

	if op.OnDone != nil {
		value := uint64(0)
		if rsp, isRead := msg.(*mem.DataReadyRsp); isRead {
			value = binary.LittleEndian.Uint64(rsp.Data)
		}
		op.OnDone(value)
	}

	d.issueNext(now)
}

// NotifyPortFree retries the current access.
func (d *Driver) NotifyPortFree(now sim.VTimeInSec, port sim.Port) {
	if !d.inFlight {
		d.issueNext(now)
	}
}

func (d *Driver) issueNext(now sim.VTimeInSec) {
	if d.inFlight || len(d.ops) == 0 {
		return
	}

	op := d.ops[0]

	var msg sim.Msg
	if op.Write {
		data := make([]byte, 8)
		binary.LittleEndian.PutUint64(data, op.Value)
		msg = mem.WriteReqBuilder{}.
			WithSendTime(now).
			WithSrc(d.port).
			WithDst(d.dtuPort).
			WithAddress(op.Addr).
			WithData(data).
			Build()
	} else {
		msg = mem.ReadReqBuilder{}.
			WithSendTime(now).
			WithSrc(d.port).
			WithDst(d.dtuPort).
			WithAddress(op.Addr).
			WithByteSize(8).
			Build()
	}

	if err := d.port.Send(msg); err != nil {
		return
	}

	d.inFlight = true
}
