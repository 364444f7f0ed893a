package dtu

import (
	"log"

	"github.com/sarchlab/dtusim/sim"
)

// TransferType classifies the direction of a transfer through the
// buffer pool.
type TransferType int

// The transfer types.
const (
	// TransferLocalRead reads from local memory to send the data out.
	TransferLocalRead TransferType = iota
	// TransferLocalWrite writes a received read response to local memory.
	TransferLocalWrite
	// TransferRemoteWrite writes received data to local memory.
	TransferRemoteWrite
	// TransferRemoteRead reads local memory to answer a remote request.
	TransferRemoteRead
)

// Transfer flags.
const (
	// XferFlagMsgRecv marks a message-receive transfer. At most one such
	// transfer is in flight at any time, so that ring-bitmap updates are
	// observed in order.
	XferFlagMsgRecv = 1 << 0
	// XferFlagMessage marks that the outgoing packet is a message.
	XferFlagMessage = 1 << 1
	// XferFlagLast marks the last chunk of a command. Its completion
	// finishes the command.
	XferFlagLast = 1 << 2
)

type transferState struct {
	ttype      TransferType
	remoteAddr NocAddr
	localAddr  uint64
	size       uint64
	flags      uint
	pkt        *NocPacket
}

type xferBuffer struct {
	id     int
	bytes  []byte
	offset uint64
	free   bool
	state  transferState
}

// xferStepEvent advances one buffer's transfer by one block.
type xferStepEvent struct {
	*sim.EventBase
	buf *xferBuffer
}

// startXferEvent retries a transfer start that found no free buffer.
type startXferEvent struct {
	*sim.EventBase
	ttype      TransferType
	remoteAddr NocAddr
	localAddr  uint64
	size       uint64
	pkt        *NocPacket
	header     *MessageHeader
	flags      uint
}

// transferTranslation resumes a transfer once its current block has been
// translated.
type transferTranslation struct {
	xfer *xferUnit
	buf  *xferBuffer
}

func (t *transferTranslation) TranslationDone(success bool, phys NocAddr) {
	now := t.xfer.dtu.engine.CurrentTime()
	t.xfer.translateDone(now, t.buf, success, phys)
}

// The xferUnit stages all data between local memory and the NoC through
// a small pool of block-sized buffers.
type xferUnit struct {
	dtu *Comp

	blockSize uint64
	bufCount  int
	bufSize   uint64

	bufs []*xferBuffer
}

func newXferUnit(
	dtu *Comp,
	blockSize uint64,
	bufCount int,
	bufSize uint64,
) *xferUnit {
	x := &xferUnit{
		dtu:       dtu,
		blockSize: blockSize,
		bufCount:  bufCount,
		bufSize:   bufSize,
	}
	for i := 0; i < bufCount; i++ {
		x.bufs = append(x.bufs, &xferBuffer{
			id:    i,
			bytes: make([]byte, bufSize),
			free:  true,
		})
	}
	return x
}

// startTransfer allocates a buffer and schedules the transfer. If no
// buffer is free, or another message receive is in flight while
// XferFlagMsgRecv is set, the request is reposted one cycle later.
func (x *xferUnit) startTransfer(
	now sim.VTimeInSec,
	ttype TransferType,
	remoteAddr NocAddr,
	localAddr uint64,
	size uint64,
	pkt *NocPacket,
	header *MessageHeader,
	delay int,
	flags uint,
) {
	buf := x.allocateBuf(flags&XferFlagMsgRecv != 0)

	if buf == nil {
		evt := &startXferEvent{
			EventBase:  sim.NewEventBase(x.dtu.freq.NCyclesLater(delay+1, now), x.dtu),
			ttype:      ttype,
			remoteAddr: remoteAddr,
			localAddr:  localAddr,
			size:       size,
			pkt:        pkt,
			header:     header,
			flags:      flags,
		}
		x.dtu.engine.Schedule(evt)
		return
	}

	buf.state = transferState{
		ttype:      ttype,
		remoteAddr: remoteAddr,
		localAddr:  localAddr,
		size:       size,
		flags:      flags,
	}

	if header != nil {
		// The header is created directly in the buffer, so it adds no
		// delay.
		copy(buf.bytes, header.Pack())
		buf.offset += HeaderSize
		buf.state.flags |= XferFlagMessage
	} else if pkt != nil {
		copy(buf.bytes, pkt.Data)
		buf.state.pkt = pkt
	}

	evt := &xferStepEvent{
		EventBase: sim.NewEventBase(x.dtu.freq.NCyclesLater(delay+1, now), x.dtu),
		buf:       buf,
	}
	x.dtu.engine.Schedule(evt)
}

func (x *xferUnit) handleStartXferEvent(e *startXferEvent) {
	x.startTransfer(e.Time(), e.ttype, e.remoteAddr, e.localAddr, e.size,
		e.pkt, e.header, 0, e.flags)
}

// step translates the current block address and issues the memory
// request for it.
func (x *xferUnit) step(now sim.VTimeInSec, buf *xferBuffer) {
	state := &buf.state

	phys := NocAddrFromRaw(state.localAddr)
	if x.dtu.tlb != nil {
		writing := state.ttype == TransferRemoteWrite ||
			state.ttype == TransferLocalWrite
		remote := state.ttype == TransferRemoteWrite ||
			state.ttype == TransferRemoteRead

		access := uint(AccessRead)
		if writing {
			access = AccessWrite
		}
		if !remote {
			access |= AccessIntern
		}

		var res TlbResult
		phys, res = x.dtu.tlb.Lookup(state.localAddr, access)
		if res != TlbHit {
			if res == TlbNoMap {
				log.Panicf("%s: transfer to unmapped address %#x",
					x.dtu.Name(), state.localAddr)
			}
			pf := res == TlbPagefault
			trans := &transferTranslation{xfer: x, buf: buf}
			x.dtu.startTranslate(now, state.localAddr, access, trans, pf)
			return
		}
	}

	x.translateDone(now, buf, true, phys)
}

func (x *xferUnit) translateDone(
	now sim.VTimeInSec,
	buf *xferBuffer,
	success bool,
	phys NocAddr,
) {
	if !success {
		log.Panicf("%s: transfer translation failed", x.dtu.Name())
	}

	state := &buf.state
	if state.size == 0 {
		log.Panicf("%s: transfer step with nothing left", x.dtu.Name())
	}

	localOff := state.localAddr & (x.blockSize - 1)
	reqSize := state.size
	if x.blockSize-localOff < reqSize {
		reqSize = x.blockSize - localOff
	}

	writing := state.ttype == TransferRemoteWrite ||
		state.ttype == TransferLocalWrite

	var data []byte
	if writing {
		if buf.offset+reqSize > x.bufSize {
			log.Panicf("%s: buffer %d overflow", x.dtu.Name(), buf.id)
		}
		data = make([]byte, reqSize)
		copy(data, buf.bytes[buf.offset:buf.offset+reqSize])
		buf.offset += reqSize
	}

	x.dtu.sendMemRequest(now, phys, !writing, reqSize, data,
		memReqTransfer, uint64(buf.id), state.localAddr,
		x.dtu.transferToMemRequestLatency)

	state.localAddr += reqSize
	state.size -= reqSize
}

// recvMemResponse handles one returning block.
func (x *xferUnit) recvMemResponse(
	now sim.VTimeInSec,
	bufID uint64,
	data []byte,
) {
	buf := x.bufs[bufID]

	if buf.free {
		log.Panicf("%s: response for free buffer %d", x.dtu.Name(), buf.id)
	}

	state := &buf.state

	if state.ttype == TransferLocalRead || state.ttype == TransferRemoteRead {
		if buf.offset+uint64(len(data)) > x.bufSize {
			log.Panicf("%s: buffer %d overflow", x.dtu.Name(), buf.id)
		}
		copy(buf.bytes[buf.offset:], data)
		buf.offset += uint64(len(data))
	}

	if state.size > 0 {
		x.step(now, buf)
		return
	}

	x.complete(now, buf)
}

func (x *xferUnit) complete(now sim.VTimeInSec, buf *xferBuffer) {
	state := &buf.state

	switch state.ttype {
	case TransferLocalRead:
		pktType := NocWriteReq
		if state.flags&XferFlagMessage != 0 {
			pktType = NocMessage
		}
		data := make([]byte, buf.offset)
		copy(data, buf.bytes[:buf.offset])
		x.dtu.sendNocRequest(now, pktType, state.remoteAddr, false, 0,
			data, nil, x.dtu.transferToNocLatency)

	case TransferLocalWrite:
		if state.flags&XferFlagLast != 0 {
			x.dtu.scheduleFinishOp(now, 1, ErrNone)
		}

	case TransferRemoteWrite, TransferRemoteRead:
		if state.flags&XferFlagMsgRecv != 0 {
			addr := NocAddrFromRaw(state.pkt.Addr)
			epID := int(addr.Offset)
			msgAddr := state.localAddr - uint64(buf.offset)
			x.dtu.msgUnit.finishMsgReceive(now, epID, msgAddr)
		}

		if state.pkt == nil {
			log.Panicf("%s: remote transfer without packet", x.dtu.Name())
		}

		var data []byte
		if state.ttype == TransferRemoteRead {
			data = make([]byte, buf.offset)
			copy(data, buf.bytes[:buf.offset])
		}
		x.dtu.sendNocResponse(now, state.pkt, ErrNone, data)
	}

	buf.free = true
	buf.offset = 0
	buf.state = transferState{}
}

// allocateBuf returns a free buffer, or nil. Message receives are
// serialized: msgCount must not be incremented out of order, and a
// second receive must not pick a slot before the first one finalizes.
func (x *xferUnit) allocateBuf(recvmsg bool) *xferBuffer {
	if recvmsg {
		for _, buf := range x.bufs {
			if !buf.free && buf.state.flags&XferFlagMsgRecv != 0 {
				return nil
			}
		}
	}

	for _, buf := range x.bufs {
		if buf.free {
			buf.free = false
			buf.offset = 0
			return buf
		}
	}

	return nil
}
