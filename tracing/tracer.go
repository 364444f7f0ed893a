// Package tracing records DTU activity through hooks.
package tracing

import (
	"github.com/sarchlab/dtusim/datarecording"
	"github.com/sarchlab/dtusim/dtu"
	"github.com/sarchlab/dtusim/sim"
)

// A DbTracer records NoC traffic and DTU commands into a trace
// database.
type DbTracer struct {
	timeTeller sim.TimeTeller
	db         *datarecording.TraceDB
}

// NewDbTracer creates a tracer writing to the given trace database.
func NewDbTracer(
	timeTeller sim.TimeTeller,
	db *datarecording.TraceDB,
) *DbTracer {
	return &DbTracer{
		timeTeller: timeTeller,
		db:         db,
	}
}

// Func records the hooked item.
func (t *DbTracer) Func(ctx sim.HookCtx) {
	switch ctx.Pos {
	case sim.HookPosPortMsgSend, sim.HookPosPortMsgRecvd:
		t.recordTraffic(ctx)
	case dtu.HookPosCmdStart, dtu.HookPosCmdFinish:
		t.recordCommand(ctx)
	}
}

func (t *DbTracer) recordTraffic(ctx sim.HookCtx) {
	pkt, ok := ctx.Item.(*dtu.NocPacket)
	if !ok {
		return
	}

	port, _ := ctx.Domain.(sim.Named)
	portName := ""
	if port != nil {
		portName = port.Name()
	}

	kind := "req"
	if pkt.IsRsp {
		kind = "rsp"
	}

	t.db.RecordTraffic(datarecording.TrafficEntry{
		Time:   float64(t.timeTeller.CurrentTime()),
		Port:   portName,
		MsgID:  pkt.Meta().ID,
		Kind:   kind,
		Bytes:  pkt.Meta().TrafficBytes,
		Result: pkt.Result.String(),
	})
}

func (t *DbTracer) recordCommand(ctx sim.HookCtx) {
	cmd, ok := ctx.Item.(dtu.Command)
	if !ok {
		return
	}

	comp, _ := ctx.Domain.(sim.Named)
	name := ""
	if comp != nil {
		name = comp.Name()
	}

	result := ""
	if err, hasResult := ctx.Detail.(dtu.Error); hasResult {
		result = err.String()
	}

	t.db.RecordCommand(datarecording.CommandEntry{
		Time:   float64(t.timeTeller.CurrentTime()),
		Dtu:    name,
		Opcode: uint64(cmd.Opcode),
		Arg:    cmd.Arg,
		Result: result,
	})
}

// AttachTo hooks the tracer onto a DTU and its NoC port.
func (t *DbTracer) AttachTo(d *dtu.Comp) {
	d.AcceptHook(t)
	d.NocPort().AcceptHook(t)
}
