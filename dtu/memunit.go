package dtu

import (
	"log"

	"github.com/sarchlab/dtusim/sim"
)

// memContinueEvent re-enters the memory engine for the next chunk of an
// oversized READ/WRITE command.
type memContinueEvent struct {
	*sim.EventBase
	cmd  Command
	read bool
}

// The memoryUnit translates READ/WRITE commands against a MEMORY
// endpoint into NoC transactions, chunked to the maximum packet size.
type memoryUnit struct {
	dtu *Comp
}

func newMemoryUnit(dtu *Comp) *memoryUnit {
	return &memoryUnit{dtu: dtu}
}

func (m *memoryUnit) checkAccess(cmd Command, write bool) (MemEp, bool) {
	ep := m.dtu.regFile.MemEp(int(cmd.EpID))

	need := uint8(MemFlagRead)
	if write {
		need = MemFlagWrite
	}
	if ep.Flags&need == 0 {
		return ep, false
	}

	return ep, true
}

// startRead issues the next chunk of a READ command as a NoC read.
func (m *memoryUnit) startRead(now sim.VTimeInSec, cmd Command) {
	ep, ok := m.checkAccess(cmd, false)
	if !ok {
		m.dtu.scheduleFinishOp(now, 1, ErrNoPerm)
		return
	}

	size := m.dtu.regFile.GetCmd(RegDataSize, AccessDTU)
	offset := m.dtu.regFile.GetCmd(RegOffset, AccessDTU)

	if size == 0 {
		m.dtu.scheduleFinishOp(now, 1, ErrNone)
		return
	}

	if offset+size > ep.RemoteSize {
		m.dtu.scheduleFinishOp(now, 1, ErrNoPerm)
		return
	}

	rdSize := size
	if rdSize > m.dtu.maxNocPacketSize {
		rdSize = m.dtu.maxNocPacketSize
	}

	addr := NewNocAddr(uint32(ep.TargetCore), ep.VpeID,
		ep.RemoteAddr+offset)
	m.dtu.sendNocRequest(now, NocReadReq, addr, true, rdSize, nil, nil,
		m.dtu.commandToNocRequestLatency)
}

// readComplete consumes the response of one read chunk: the payload is
// written to local memory and the next chunk is issued, if any.
func (m *memoryUnit) readComplete(
	now sim.VTimeInSec,
	rsp *NocPacket,
	err Error,
) {
	if err != ErrNone {
		m.dtu.scheduleFinishOp(now, 1, err)
		return
	}

	localAddr := m.dtu.regFile.GetCmd(RegDataAddr, AccessDTU)
	size := m.dtu.regFile.GetCmd(RegDataSize, AccessDTU)
	offset := m.dtu.regFile.GetCmd(RegOffset, AccessDTU)

	rdSize := uint64(len(rsp.Data))

	flags := uint(0)
	if rdSize == size {
		flags |= XferFlagLast
	}

	m.dtu.startTransfer(now, TransferLocalWrite, NocAddr{}, localAddr,
		rdSize, rsp, nil, m.dtu.nocToTransferLatency, flags)

	m.dtu.regFile.SetCmd(RegDataAddr, localAddr+rdSize, AccessDTU)
	m.dtu.regFile.SetCmd(RegDataSize, size-rdSize, AccessDTU)
	m.dtu.regFile.SetCmd(RegOffset, offset+rdSize, AccessDTU)

	if rdSize < size {
		m.continueLater(now, true)
	}
}

// startWrite stages the next chunk of a WRITE command through a
// local-read transfer that emits a NoC write.
func (m *memoryUnit) startWrite(now sim.VTimeInSec, cmd Command) {
	ep, ok := m.checkAccess(cmd, true)
	if !ok {
		m.dtu.scheduleFinishOp(now, 1, ErrNoPerm)
		return
	}

	localAddr := m.dtu.regFile.GetCmd(RegDataAddr, AccessDTU)
	size := m.dtu.regFile.GetCmd(RegDataSize, AccessDTU)
	offset := m.dtu.regFile.GetCmd(RegOffset, AccessDTU)

	if size == 0 {
		m.dtu.scheduleFinishOp(now, 1, ErrNone)
		return
	}

	if offset+size > ep.RemoteSize {
		m.dtu.scheduleFinishOp(now, 1, ErrNoPerm)
		return
	}

	wrSize := size
	if wrSize > m.dtu.maxNocPacketSize {
		wrSize = m.dtu.maxNocPacketSize
	}

	addr := NewNocAddr(uint32(ep.TargetCore), ep.VpeID,
		ep.RemoteAddr+offset)
	m.dtu.startTransfer(now, TransferLocalRead, addr, localAddr, wrSize,
		nil, nil, m.dtu.commandToNocRequestLatency, 0)
}

// writeComplete consumes the response of one write chunk.
func (m *memoryUnit) writeComplete(
	now sim.VTimeInSec,
	rsp *NocPacket,
	err Error,
) {
	cmd := m.dtu.getCommand()

	// the response to an outgoing message also lands here
	if cmd.Opcode == CmdSend || cmd.Opcode == CmdReply {
		m.dtu.scheduleFinishOp(now, 1, err)
		return
	}

	if cmd.Opcode != CmdWrite {
		return
	}

	localAddr := m.dtu.regFile.GetCmd(RegDataAddr, AccessDTU)
	size := m.dtu.regFile.GetCmd(RegDataSize, AccessDTU)
	offset := m.dtu.regFile.GetCmd(RegOffset, AccessDTU)

	wrSize := size
	if wrSize > m.dtu.maxNocPacketSize {
		wrSize = m.dtu.maxNocPacketSize
	}

	if err != ErrNone || wrSize == size {
		m.dtu.scheduleFinishOp(now, 1, err)
		return
	}

	m.dtu.regFile.SetCmd(RegDataAddr, localAddr+wrSize, AccessDTU)
	m.dtu.regFile.SetCmd(RegDataSize, size-wrSize, AccessDTU)
	m.dtu.regFile.SetCmd(RegOffset, offset+wrSize, AccessDTU)

	m.continueLater(now, false)
}

func (m *memoryUnit) continueLater(now sim.VTimeInSec, read bool) {
	evt := &memContinueEvent{
		EventBase: sim.NewEventBase(m.dtu.freq.NCyclesLater(1, now), m.dtu),
		cmd:       m.dtu.getCommand(),
		read:      read,
	}
	m.dtu.engine.Schedule(evt)
}

func (m *memoryUnit) handleContinueEvent(e *memContinueEvent) {
	if e.read {
		m.startRead(e.Time(), e.cmd)
	} else {
		m.startWrite(e.Time(), e.cmd)
	}
}

// recvFromNoc services an inbound read, write, or cache-memory request.
// Requests addressed at the register MMIO window are privileged register
// accesses from the kernel.
func (m *memoryUnit) recvFromNoc(now sim.VTimeInSec, pkt *NocPacket) Error {
	addr := NocAddrFromRaw(pkt.Addr)

	if addr.Offset >= m.dtu.regFileBaseAddr {
		m.dtu.forwardRequestToRegFile(now, pkt, false)
		return ErrNone
	}

	if pkt.PacketType != NocCacheMemReq {
		vpeID := uint32(m.dtu.regFile.Get(RegVpeID, AccessDTU))
		if addr.VpeID != vpeID {
			m.dtu.sendNocResponse(now, pkt, ErrVpeGone, nil)
			return ErrVpeGone
		}
	}

	if pkt.Read {
		m.dtu.startTransfer(now, TransferRemoteRead, NocAddr{},
			addr.Offset, pkt.Size, pkt, nil,
			m.dtu.nocToTransferLatency, 0)
	} else {
		m.dtu.startTransfer(now, TransferRemoteWrite, NocAddr{},
			addr.Offset, pkt.Size, pkt, nil,
			m.dtu.nocToTransferLatency, 0)
	}

	return ErrNone
}

// recvFunctionalFromNoc services a functional request immediately.
func (m *memoryUnit) recvFunctionalFromNoc(pkt *NocPacket) {
	addr := NocAddrFromRaw(pkt.Addr)

	if addr.Offset >= m.dtu.regFileBaseAddr {
		req := &RegAccessReq{
			Addr: addr.Offset - m.dtu.regFileBaseAddr,
			Read: pkt.Read,
			Data: pkt.Data,
		}
		if pkt.Read {
			req.Data = make([]byte, pkt.Size)
		}
		m.dtu.regFile.HandleRequest(req, false)
		if pkt.Read {
			pkt.Data = req.Data
		}
		pkt.Result = ErrNone
		return
	}

	if m.dtu.localMem == nil {
		log.Panicf("%s: functional access without local memory",
			m.dtu.Name())
	}

	if pkt.Read {
		data, err := m.dtu.localMem.Read(addr.Offset, pkt.Size)
		if err != nil {
			log.Panic(err)
		}
		pkt.Data = data
	} else {
		err := m.dtu.localMem.Write(addr.Offset, pkt.Data)
		if err != nil {
			log.Panic(err)
		}
	}
	pkt.Result = ErrNone
}
