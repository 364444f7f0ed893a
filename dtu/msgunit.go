package dtu

import (
	"log"

	"github.com/sarchlab/dtusim/sim"
)

var syscallNames = []string{
	"PAGEFAULT",
	"CREATESRV",
	"CREATESESS",
	"CREATESESSAT",
	"CREATEGATE",
	"CREATEVPE",
	"CREATEMAP",
	"ATTACHRB",
	"DETACHRB",
	"EXCHANGE",
	"VPECTRL",
	"DELEGATE",
	"OBTAIN",
	"ACTIVATE",
	"REQMEM",
	"DERIVEMEM",
	"REVOKE",
	"EXIT",
	"NOOP",
}

// msgInfo collects everything needed to build the outgoing header once
// the transmission can start.
type msgInfo struct {
	ready      bool
	unlimcred  bool
	flags      uint8
	targetCore uint16
	targetVpe  uint16
	targetEp   uint8
	replyEp    uint8
	label      uint64
	replyLabel uint64
}

// headerTranslation resumes a reply's header read-back after the ring
// slot address has been translated.
type headerTranslation struct {
	unit *messageUnit
	virt uint64
	epID int
}

func (t *headerTranslation) TranslationDone(success bool, phys NocAddr) {
	now := t.unit.dtu.engine.CurrentTime()
	t.unit.requestHeaderWithPhys(now, t.epID, success, t.virt, phys)
}

// The messageUnit implements the send/reply/fetch/ack semantics of the
// DTU, including credit accounting and receive-ring slot allocation.
type messageUnit struct {
	dtu *Comp

	info      msgInfo
	header    MessageHeader
	headerRaw [HeaderSize]byte
	flagsPhys uint64
	offset    uint64
}

func newMessageUnit(dtu *Comp) *messageUnit {
	return &messageUnit{dtu: dtu}
}

// startTransmission begins a SEND or REPLY command.
func (m *messageUnit) startTransmission(now sim.VTimeInSec, cmd Command) {
	epid := int(cmd.EpID)

	// a reply first reads the stored header back from the ring
	if cmd.Opcode == CmdReply {
		m.offset = 0
		m.flagsPhys = 0
		m.requestHeader(now, epid)
		return
	}

	messageSize := m.dtu.regFile.GetCmd(RegDataSize, AccessDTU)
	ep := m.dtu.regFile.SendEp(epid)

	if messageSize+HeaderSize > uint64(ep.MaxMsgSize) {
		log.Panicf("%s: EP%d: msg size (%d) + header bigger than max (%d)",
			m.dtu.Name(), epid, messageSize, ep.MaxMsgSize)
	}

	if ep.Credits != CreditsUnlim {
		if ep.Credits < ep.MaxMsgSize {
			m.dtu.scheduleFinishOp(now, 1, ErrMissCredits)
			return
		}

		// pay the credits
		ep.Credits -= ep.MaxMsgSize
		m.dtu.regFile.SetSendEp(epid, ep)
	}

	m.info = msgInfo{
		ready:      true,
		unlimcred:  ep.Credits == CreditsUnlim,
		targetCore: ep.TargetCore,
		targetVpe:  uint16(ep.VpeID),
		targetEp:   ep.TargetEp,
		label:      ep.Label,
		replyLabel: m.dtu.regFile.GetCmd(RegReplyLabel, AccessDTU),
		replyEp:    uint8(m.dtu.regFile.GetCmd(RegReplyEpID, AccessDTU)),
	}

	m.startXfer(now, cmd)
}

// requestHeader reads the header of the message the reply refers to. The
// header may span two blocks and may need a translation first.
func (m *messageUnit) requestHeader(now sim.VTimeInSec, epid int) {
	if m.offset >= HeaderSize {
		log.Panicf("%s: header already complete", m.dtu.Name())
	}

	ep := m.dtu.regFile.RecvEp(epid)
	msg := m.dtu.regFile.GetCmd(RegOffset, AccessDTU)

	msgidx := ep.MsgToIdx(msg)
	if msgidx == MaxMsgs || !ep.IsOccupied(msgidx) {
		log.Panicf("%s: EP%d: reply for invalid slot", m.dtu.Name(), epid)
	}

	msgAddr := ep.BufAddr + uint64(msgidx)*uint64(ep.MsgSize) + m.offset

	phys := NocAddrFromRaw(msgAddr)
	if m.dtu.tlb != nil {
		access := uint(AccessRead | AccessIntern)
		var res TlbResult
		phys, res = m.dtu.tlb.Lookup(msgAddr, access)
		if res != TlbHit {
			if res == TlbNoMap {
				log.Panicf("%s: reply header in unmapped page", m.dtu.Name())
			}
			pf := res == TlbPagefault
			trans := &headerTranslation{unit: m, virt: msgAddr, epID: epid}
			m.dtu.startTranslate(now, msgAddr, access, trans, pf)
			return
		}
	}

	m.requestHeaderWithPhys(now, epid, true, msgAddr, phys)
}

func (m *messageUnit) requestHeaderWithPhys(
	now sim.VTimeInSec,
	epid int,
	success bool,
	virt uint64,
	phys NocAddr,
) {
	if !success {
		log.Panicf("%s: header translation failed", m.dtu.Name())
	}

	// the header may need two loads if it crosses a block boundary
	blockOff := (phys.GetAddr() + m.offset) & (m.dtu.blockSize - 1)
	reqSize := m.dtu.blockSize - blockOff
	if HeaderSize-m.offset < reqSize {
		reqSize = HeaderSize - m.offset
	}

	if m.offset == 0 {
		// remember where the flags byte lives for the functional
		// write-back later
		m.flagsPhys = phys.GetAddr()
	}

	m.dtu.sendMemRequest(now, phys, true, reqSize, nil,
		memReqHeader, uint64(epid), virt, 1)
}

// recvFromMem collects header chunks until the header is complete, then
// prepares the reply transmission.
func (m *messageUnit) recvFromMem(
	now sim.VTimeInSec,
	cmd Command,
	data []byte,
) {
	if m.offset+uint64(len(data)) > HeaderSize {
		log.Panicf("%s: header chunk overflow", m.dtu.Name())
	}
	copy(m.headerRaw[m.offset:], data)
	m.offset += uint64(len(data))

	if m.offset < HeaderSize {
		m.requestHeader(now, int(cmd.EpID))
		return
	}

	m.header = UnpackMessageHeader(m.headerRaw[:])

	if m.header.Flags&FlagReplyEnabled == 0 {
		log.Panicf("%s: slot was already replied to", m.dtu.Name())
	}

	m.info = msgInfo{
		ready:      true,
		targetCore: m.header.SenderCoreID,
		targetVpe:  m.header.SenderVpeID,
		// send the reply to the reply EP and grant credits to the
		// sender EP
		targetEp: m.header.ReplyEpID,
		replyEp:  m.header.SenderEpID,
		// the receiver of the reply gets the label it chose
		label:      m.header.ReplyLabel,
		replyLabel: 0,
		// a page-fault reply keeps the pagefault flag
		flags: m.header.Flags & FlagPagefault,
	}

	// disable replies for this slot with an immediate write-back, so it
	// cannot be replied to twice
	m.header.Flags &^= FlagReplyEnabled
	m.dtu.writeMemFunctional(NocAddrFromRaw(m.flagsPhys),
		[]byte{m.header.Flags})

	m.startXfer(now, cmd)
}

// startXfer builds the outgoing header and starts the payload transfer.
func (m *messageUnit) startXfer(now sim.VTimeInSec, cmd Command) {
	if !m.info.ready {
		log.Panicf("%s: transmission info not ready", m.dtu.Name())
	}

	messageAddr := m.dtu.regFile.GetCmd(RegDataAddr, AccessDTU)
	messageSize := m.dtu.regFile.GetCmd(RegDataSize, AccessDTU)

	header := &MessageHeader{}
	if cmd.Opcode == CmdReply {
		header.Flags = FlagReply | FlagGrantCredits
	} else {
		header.Flags = FlagReplyEnabled
	}
	header.Flags |= m.info.flags

	header.SenderCoreID = uint16(m.dtu.coreID)
	header.SenderVpeID = uint16(m.dtu.regFile.Get(RegVpeID, AccessDTU))
	if m.info.unlimcred {
		header.SenderEpID = uint8(m.dtu.numEndpoints)
	} else {
		header.SenderEpID = uint8(cmd.EpID)
	}
	header.ReplyEpID = m.info.replyEp
	header.Length = uint16(messageSize)
	header.Label = m.info.label
	header.ReplyLabel = m.info.replyLabel

	if messageSize+HeaderSize > m.dtu.maxNocPacketSize {
		log.Panicf("%s: message exceeds max NoC packet size", m.dtu.Name())
	}

	nocAddr := NewNocAddr(uint32(m.info.targetCore),
		uint32(m.info.targetVpe), uint64(m.info.targetEp))
	m.dtu.startTransfer(now, TransferLocalRead, nocAddr, messageAddr,
		messageSize, nil, header, m.dtu.startMsgTransferDelay, 0)

	m.info.ready = false
}

// fetchMessage returns the address of the next unread message, or 0.
func (m *messageUnit) fetchMessage(epid int) uint64 {
	ep := m.dtu.regFile.RecvEp(epid)

	if ep.MsgCount == 0 {
		return 0
	}

	idx := -1
	for i := int(ep.RdPos); i < int(ep.Size); i++ {
		if ep.IsUnread(i) {
			idx = i
			break
		}
	}
	if idx < 0 {
		for i := 0; i < int(ep.RdPos); i++ {
			if ep.IsUnread(i) {
				idx = i
				break
			}
		}
	}

	if idx < 0 {
		log.Panicf("%s: EP%d: msgCount > 0 but no unread message",
			m.dtu.Name(), epid)
	}
	if !ep.IsOccupied(idx) {
		log.Panicf("%s: EP%d: unread message not occupied",
			m.dtu.Name(), epid)
	}

	ep.SetUnread(idx, false)
	ep.MsgCount--
	ep.RdPos = uint8((idx + 1) % int(ep.Size))

	m.dtu.regFile.SetRecvEp(epid, ep)

	msgCnt := m.dtu.regFile.Get(RegMsgCnt, AccessDTU)
	m.dtu.regFile.Set(RegMsgCnt, msgCnt-1, AccessDTU)
	m.dtu.updateSuspendablePin()

	return ep.BufAddr + uint64(idx)*uint64(ep.MsgSize)
}

// allocSlot finds the first free ring slot starting at wrPos, marks it
// occupied, and advances wrPos. Returns ep.Size if the ring is full.
func (m *messageUnit) allocSlot(msgSize uint64, epid int, ep *RecvEp) int {
	if msgSize > uint64(ep.MsgSize) {
		log.Panicf("%s: EP%d: message too large for ring slot",
			m.dtu.Name(), epid)
	}

	idx := -1
	for i := int(ep.WrPos); i < int(ep.Size); i++ {
		if !ep.IsOccupied(i) {
			idx = i
			break
		}
	}
	if idx < 0 {
		for i := 0; i < int(ep.WrPos); i++ {
			if !ep.IsOccupied(i) {
				idx = i
				break
			}
		}
	}

	if idx < 0 {
		return int(ep.Size)
	}

	ep.SetOccupied(idx, true)
	ep.WrPos = uint8((idx + 1) % int(ep.Size))

	m.dtu.regFile.SetRecvEp(epid, *ep)
	return idx
}

// ackMessage frees the ring slot named by the OFFSET register.
func (m *messageUnit) ackMessage(epid int) {
	ep := m.dtu.regFile.RecvEp(epid)
	msg := m.dtu.regFile.GetCmd(RegOffset, AccessDTU)

	msgidx := ep.MsgToIdx(msg)
	if msgidx == MaxMsgs || msgidx >= int(ep.Size) {
		log.Panicf("%s: EP%d: ack of invalid slot", m.dtu.Name(), epid)
	}
	if !ep.IsOccupied(msgidx) {
		log.Panicf("%s: EP%d: ack of free slot %d", m.dtu.Name(), epid, msgidx)
	}

	ep.SetOccupied(msgidx, false)
	m.dtu.regFile.SetRecvEp(epid, ep)
}

// finishMsgReply completes a REPLY command by clearing REPLY_ENABLED
// (setting REPLY_FAILED on VPE_GONE) and freeing the slot.
func (m *messageUnit) finishMsgReply(err Error, epid int) {
	if m.flagsPhys == 0 {
		log.Panicf("%s: no header read back for reply", m.dtu.Name())
	}

	m.header.Flags &^= FlagReplyEnabled
	if err == ErrVpeGone {
		log.Printf("%s: EP%d: could not reply, VPE gone", m.dtu.Name(), epid)
		m.header.Flags |= FlagReplyFailed
	}
	m.dtu.writeMemFunctional(NocAddrFromRaw(m.flagsPhys),
		[]byte{m.header.Flags})

	// the kernel might want to keep the slot for a later retry on
	// VPE_GONE; the current kernel does not, so always free it
	m.ackMessage(epid)
}

// finishMsgReceive finalizes a message receive after its transfer
// completed: the message becomes visible and the core is woken.
func (m *messageUnit) finishMsgReceive(
	now sim.VTimeInSec,
	epid int,
	msgAddr uint64,
) {
	ep := m.dtu.regFile.RecvEp(epid)
	idx := int((msgAddr - ep.BufAddr) / uint64(ep.MsgSize))

	if int(ep.MsgCount) == int(ep.Size) {
		log.Printf("%s: EP%d: buffer full", m.dtu.Name(), epid)
		return
	}

	ep.MsgCount++
	ep.SetUnread(idx, true)

	m.dtu.regFile.SetRecvEp(epid, ep)

	msgCnt := m.dtu.regFile.Get(RegMsgCnt, AccessDTU)
	m.dtu.regFile.Set(RegMsgCnt, msgCnt+1, AccessDTU)

	m.dtu.updateSuspendablePin()
	m.dtu.wakeupCore()
}

// recvFromNoc accepts an inbound MESSAGE or PAGEFAULT packet.
func (m *messageUnit) recvFromNoc(now sim.VTimeInSec, pkt *NocPacket) Error {
	header := UnpackMessageHeader(pkt.Data)

	// a reply to a page-fault upcall goes to the walker, not a ring
	pfResp := uint8(FlagReply | FlagPagefault)
	if header.Flags&pfResp == pfResp {
		m.dtu.handlePFResp(now, pkt)
		return ErrNone
	}

	addr := NocAddrFromRaw(pkt.Addr)
	epID := int(addr.Offset)
	ep := m.dtu.regFile.RecvEp(epID)

	vpeID := uint32(m.dtu.regFile.Get(RegVpeID, AccessDTU))

	msgidx := int(ep.Size)
	if addr.VpeID == vpeID {
		msgidx = m.allocSlot(uint64(len(pkt.Data)), epID, &ep)
	}

	status := m.dtu.regFile.Get(RegStatus, AccessDTU)
	if status&StatusPriv != 0 && epID == SyscallEp &&
		len(pkt.Data) > HeaderSize {
		sysNo := int(pkt.Data[HeaderSize])
		name := "Unknown"
		if sysNo < len(syscallNames) {
			name = syscallNames[sysNo]
		}
		m.dtu.traceSyscall(name)
	}

	if addr.VpeID == vpeID && msgidx != int(ep.Size) {
		// a reply with a grant returns the credits to our send EP
		if header.Flags&FlagReply != 0 &&
			header.Flags&FlagGrantCredits != 0 &&
			int(header.ReplyEpID) < m.dtu.numEndpoints {
			sep := m.dtu.regFile.SendEp(int(header.ReplyEpID))

			if sep.Credits != CreditsUnlim {
				sep.Credits += sep.MaxMsgSize
				m.dtu.regFile.SetSendEp(int(header.ReplyEpID), sep)
			}
		}

		localAddr := ep.BufAddr + uint64(msgidx)*uint64(ep.MsgSize)

		m.dtu.startTransfer(now, TransferRemoteWrite, NocAddr{}, localAddr,
			uint64(len(pkt.Data)), pkt, nil, m.dtu.nocToTransferLatency,
			XferFlagMsgRecv)

		return ErrNone
	}

	// messages for other VPEs or full rings are refused right away
	res := ErrNoRingSpace
	if addr.VpeID != vpeID {
		res = ErrVpeGone
	}
	m.dtu.sendNocResponse(now, pkt, res, nil)

	return res
}
