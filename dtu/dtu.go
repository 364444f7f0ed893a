package dtu

import (
	"log"
	"reflect"

	"github.com/sarchlab/dtusim/mem"
	"github.com/sarchlab/dtusim/sim"
)

// CmdOpcode is the opcode field of the COMMAND register.
type CmdOpcode uint64

// The command opcodes.
const (
	CmdIdle CmdOpcode = iota
	CmdSend
	CmdReply
	CmdRead
	CmdWrite
	CmdFetchMsg
	CmdAckMsg
	CmdDebugMsg
)

var cmdNames = []string{
	"IDLE",
	"SEND",
	"REPLY",
	"READ",
	"WRITE",
	"FETCH_MSG",
	"ACK_MSG",
	"DEBUG_MSG",
}

func (o CmdOpcode) String() string {
	if int(o) < len(cmdNames) {
		return cmdNames[o]
	}
	return "UNKNOWN"
}

// A Command is the decoded COMMAND register.
//
//	COMMAND                     0
//	|-----------------------------|
//	|  error  |   arg  |  opcode  |
//	|-----------------------------|
type Command struct {
	Opcode CmdOpcode
	Arg    uint64
	EpID   uint32
	Error  Error
}

// ExtCmdOpcode is the opcode of a privileged external command.
type ExtCmdOpcode uint64

// The external command opcodes.
const (
	ExtCmdWakeupCore ExtCmdOpcode = iota
	ExtCmdInvPage
	ExtCmdInvTlb
	ExtCmdInvCache
	ExtCmdInjectIrq
)

var extCmdNames = []string{
	"WAKEUP_CORE",
	"INV_PAGE",
	"INV_TLB",
	"INV_CACHE",
	"INJECT_IRQ",
}

func (o ExtCmdOpcode) String() string {
	if int(o) < len(extCmdNames) {
		return extCmdNames[o]
	}
	return "UNKNOWN"
}

// An ExternCommand is the decoded EXT_CMD register.
type ExternCommand struct {
	Opcode ExtCmdOpcode
	Arg    uint64
}

// CoreCtrl is the hook into the local CPU thread context.
type CoreCtrl interface {
	// Activate wakes the core up if it is suspended.
	Activate()
	// DenySuspend pins the core awake while messages are pending.
	DenySuspend(deny bool)
}

// IrqSink is the hook into the local interrupt controller.
type IrqSink interface {
	InjectIRQ(vector int)
}

// NocRouter locates the NoC port of a remote DTU by core ID.
type NocRouter interface {
	NocPortFor(coreID uint32) sim.Port
}

// FunctionalProxy performs an immediate NoC access on behalf of a DTU.
type FunctionalProxy interface {
	AccessFunctional(pkt *NocPacket)
}

// Hook positions of the DTU.
var (
	// HookPosCmdStart triggers when a command starts executing.
	HookPosCmdStart = &sim.HookPos{Name: "DTU Cmd Start"}
	// HookPosCmdFinish triggers when a command finishes.
	HookPosCmdFinish = &sim.HookPos{Name: "DTU Cmd Finish"}
	// HookPosSyscall triggers when a syscall message arrives on EP0 of a
	// privileged PE.
	HookPosSyscall = &sim.HookPos{Name: "DTU Syscall"}
)

type memReqType int

const (
	memReqTransfer memReqType = iota
	memReqHeader
	memReqTranslation
	memReqCPUForward
)

type memReqState struct {
	reqType memReqType
	token   uint64
	virt    uint64
	origin  sim.Msg
}

type nocReqState struct {
	packetType NocPacketType
	mem        *memReqState
}

// Events of the DTU.

type executeCommandEvent struct {
	*sim.EventBase
}

type finishCommandEvent struct {
	*sim.EventBase
	err Error
}

type execExternCmdEvent struct {
	*sim.EventBase
	pkt *NocPacket
}

type processPortEvent struct {
	*sim.EventBase
	port sim.Port
}

type sendMsgEvent struct {
	*sim.EventBase
	port sim.Port
	msg  sim.Msg
}

// cpuTranslation forwards a translated CPU access to memory.
type cpuTranslation struct {
	dtu *Comp
	req sim.Msg
}

func (t *cpuTranslation) TranslationDone(success bool, phys NocAddr) {
	now := t.dtu.engine.CurrentTime()
	if !success {
		t.dtu.respondCpuError(now, t.req)
		return
	}
	t.dtu.forwardCpuAccess(now, t.req, phys)
}

// vpeGoneTranslation retries a cache-memory forward after the GONE bit
// has been resolved by software.
type vpeGoneTranslation struct {
	dtu *Comp
	req sim.Msg
}

func (t *vpeGoneTranslation) TranslationDone(success bool, phys NocAddr) {
	now := t.dtu.engine.CurrentTime()
	if !success {
		t.dtu.respondCpuError(now, t.req)
		return
	}
	t.dtu.forwardCpuAccess(now, t.req, phys)
}

// Comp models one Data Transfer Unit. The CPU accesses the register
// file through CpuPort, local memory is behind MemPort, and all
// off-tile traffic leaves through NocPort.
type Comp struct {
	*sim.ComponentBase

	engine sim.Engine
	freq   sim.Freq

	regFile *RegFile
	tlb     *Tlb
	msgUnit *messageUnit
	memUnit *memoryUnit
	xfer    *xferUnit
	ptUnit  *ptUnit

	cpuPort    sim.Port
	memPort    sim.Port
	nocPort    sim.Port
	memDstPort sim.Port

	localMem  *mem.Storage
	core      CoreCtrl
	irq       IrqSink
	router    NocRouter
	funcProxy FunctionalProxy

	coreID     uint32
	memPe      uint32
	memOffset  uint64
	atomicMode bool

	numEndpoints     int
	maxNocPacketSize uint64
	numCmdEpidBits   uint
	blockSize        uint64
	bufCount         int
	bufSize          uint64
	regFileBaseAddr  uint64

	cacheBlocksPerCycle int
	l1BlockCount        int
	l2BlockCount        int

	registerAccessLatency      int
	commandToNocRequestLatency int
	startMsgTransferDelay      int
	transferToMemRequestLatency int
	transferToNocLatency        int
	nocToTransferLatency        int

	cmdInProgress bool

	pendingMemReqs map[string]*memReqState
	pendingNocReqs map[string]*nocReqState
}

// Regs exposes the register file, for privileged software models and
// tests.
func (d *Comp) Regs() *RegFile {
	return d.regFile
}

// Tlb exposes the TLB.
func (d *Comp) Tlb() *Tlb {
	return d.tlb
}

// CpuPort returns the port that accepts CPU requests.
func (d *Comp) CpuPort() sim.Port {
	return d.cpuPort
}

// MemPort returns the port toward local memory.
func (d *Comp) MemPort() sim.Port {
	return d.memPort
}

// NocPort returns the port toward the NoC.
func (d *Comp) NocPort() sim.Port {
	return d.nocPort
}

// CoreID returns the ID of the PE this DTU belongs to.
func (d *Comp) CoreID() uint32 {
	return d.coreID
}

// RegFileBaseAddr returns the base of the register MMIO window.
func (d *Comp) RegFileBaseAddr() uint64 {
	return d.regFileBaseAddr
}

// SetRouter installs the core-ID to port mapping of the NoC.
func (d *Comp) SetRouter(router NocRouter) {
	d.router = router
}

// SetFunctionalProxy installs the proxy for immediate NoC accesses.
func (d *Comp) SetFunctionalProxy(proxy FunctionalProxy) {
	d.funcProxy = proxy
}

// LocalMem returns the storage behind the memory port.
func (d *Comp) LocalMem() *mem.Storage {
	return d.localMem
}

// NotifyRecv schedules the processing of an inbound message.
func (d *Comp) NotifyRecv(now sim.VTimeInSec, port sim.Port) {
	evt := &processPortEvent{
		EventBase: sim.NewEventBase(d.freq.ThisTick(now), d),
		port:      port,
	}
	d.engine.Schedule(evt)
}

// NotifyPortFree does nothing; pending sends retry on their own.
func (d *Comp) NotifyPortFree(now sim.VTimeInSec, port sim.Port) {
}

// Handle dispatches the DTU's events.
func (d *Comp) Handle(e sim.Event) error {
	switch e := e.(type) {
	case *processPortEvent:
		d.processPort(e.Time(), e.port)
	case *executeCommandEvent:
		d.executeCommand(e.Time())
	case *finishCommandEvent:
		d.finishCommand(e.err)
	case *execExternCmdEvent:
		d.executeExternCommand(e.Time(), e.pkt)
	case *sendMsgEvent:
		d.trySend(e)
	case *xferStepEvent:
		d.xfer.step(e.Time(), e.buf)
	case *startXferEvent:
		d.xfer.handleStartXferEvent(e)
	case *ptStepEvent:
		d.ptUnit.process(e.Time(), e.ev)
	case *memContinueEvent:
		d.memUnit.handleContinueEvent(e)
	default:
		log.Panicf("%s: cannot handle event of type %s",
			d.Name(), reflect.TypeOf(e))
	}
	return nil
}

func (d *Comp) trySend(e *sendMsgEvent) {
	e.msg.Meta().SendTime = e.Time()
	if err := e.port.Send(e.msg); err != nil {
		retry := &sendMsgEvent{
			EventBase: sim.NewEventBase(d.freq.NextTick(e.Time()), d),
			port:      e.port,
			msg:       e.msg,
		}
		d.engine.Schedule(retry)
	}
}

func (d *Comp) sendLater(now sim.VTimeInSec, delay int, port sim.Port, msg sim.Msg) {
	evt := &sendMsgEvent{
		EventBase: sim.NewEventBase(d.freq.NCyclesLater(delay, now), d),
		port:      port,
		msg:       msg,
	}
	d.engine.Schedule(evt)
}

func (d *Comp) processPort(now sim.VTimeInSec, port sim.Port) {
	for {
		msg := port.Retrieve(now)
		if msg == nil {
			return
		}

		switch port {
		case d.cpuPort:
			d.handleCpuRequest(now, msg)
		case d.memPort:
			d.completeMemRequest(now, msg)
		case d.nocPort:
			pkt := msg.(*NocPacket)
			if pkt.IsRsp {
				d.completeNocRequest(now, pkt)
			} else {
				d.handleNocRequest(now, pkt)
			}
		default:
			log.Panicf("%s: message on unknown port", d.Name())
		}
	}
}

// CurrentCommand decodes the COMMAND register, as privileged software
// would observe it.
func (d *Comp) CurrentCommand() Command {
	return d.getCommand()
}

// getCommand decodes the COMMAND register.
func (d *Comp) getCommand() Command {
	reg := d.regFile.GetCmd(RegCommand, AccessDTU)

	bits := numCmdOpcodeBits + d.numCmdEpidBits

	var cmd Command
	cmd.Error = Error(reg >> bits)
	cmd.Opcode = CmdOpcode(reg & ((1 << numCmdOpcodeBits) - 1))
	cmd.Arg = reg >> numCmdOpcodeBits
	cmd.EpID = uint32(cmd.Arg & ((1 << d.numCmdEpidBits) - 1))
	return cmd
}

// executeCommand starts the command in the COMMAND register. At most
// one command is in progress at any time.
func (d *Comp) executeCommand(now sim.VTimeInSec) {
	cmd := d.getCommand()
	if cmd.Opcode == CmdIdle {
		return
	}

	if d.cmdInProgress {
		log.Panicf("%s: command issued while another is in progress",
			d.Name())
	}
	d.cmdInProgress = true

	if cmd.Opcode != CmdDebugMsg && int(cmd.EpID) >= d.numEndpoints {
		log.Panicf("%s: command EP %d out of range", d.Name(), cmd.EpID)
	}

	d.InvokeHook(sim.HookCtx{
		Domain: d,
		Pos:    HookPosCmdStart,
		Item:   cmd,
	})

	switch cmd.Opcode {
	case CmdSend, CmdReply:
		d.msgUnit.startTransmission(now, cmd)
	case CmdRead:
		d.memUnit.startRead(now, cmd)
	case CmdWrite:
		d.memUnit.startWrite(now, cmd)
	case CmdFetchMsg:
		d.regFile.SetCmd(RegOffset,
			d.msgUnit.fetchMessage(int(cmd.EpID)), AccessDTU)
		d.finishCommand(ErrNone)
	case CmdAckMsg:
		d.msgUnit.ackMessage(int(cmd.EpID))
		d.finishCommand(ErrNone)
	case CmdDebugMsg:
		log.Printf("%s: DEBUG %#x", d.Name(), cmd.Arg)
		d.finishCommand(ErrNone)
	default:
		log.Panicf("%s: invalid opcode %d", d.Name(), cmd.Opcode)
	}
}

// finishCommand writes the error into the COMMAND register and lets the
// software observe opcode IDLE again.
func (d *Comp) finishCommand(err Error) {
	cmd := d.getCommand()

	if !d.cmdInProgress {
		log.Panicf("%s: no command in progress", d.Name())
	}

	if cmd.Opcode == CmdReply {
		d.msgUnit.finishMsgReply(err, int(cmd.EpID))
	}

	d.InvokeHook(sim.HookCtx{
		Domain: d,
		Pos:    HookPosCmdFinish,
		Item:   cmd,
		Detail: err,
	})

	bits := numCmdOpcodeBits + d.numCmdEpidBits
	d.regFile.SetCmd(RegCommand, uint64(err)<<bits, AccessDTU)

	d.cmdInProgress = false
}

// scheduleFinishOp schedules the completion of the running command.
func (d *Comp) scheduleFinishOp(now sim.VTimeInSec, delay int, err Error) {
	if d.cmdInProgress {
		evt := &finishCommandEvent{
			EventBase: sim.NewEventBase(d.freq.NCyclesLater(delay, now), d),
			err:       err,
		}
		d.engine.Schedule(evt)
	}
}

func (d *Comp) getExternCommand() ExternCommand {
	reg := d.regFile.Get(RegExtCmd, AccessDTU)

	return ExternCommand{
		Opcode: ExtCmdOpcode(reg & 0x7),
		Arg:    reg >> 3,
	}
}

// executeExternCommand runs a privileged external command and, if it
// came over the NoC, responds afterwards.
func (d *Comp) executeExternCommand(now sim.VTimeInSec, pkt *NocPacket) {
	cmd := d.getExternCommand()

	delay := 1

	switch cmd.Opcode {
	case ExtCmdWakeupCore:
		d.wakeupCore()
	case ExtCmdInvPage:
		if d.tlb != nil {
			d.tlb.Remove(cmd.Arg)
		}
	case ExtCmdInvTlb:
		if d.tlb != nil {
			d.tlb.Clear()
		}
	case ExtCmdInvCache:
		// no coherence; the only observable cost is the invalidation
		// time, proportional to the number of blocks
		delay = (d.l1BlockCount + d.l2BlockCount) / d.cacheBlocksPerCycle
	case ExtCmdInjectIrq:
		d.injectIRQ(int(cmd.Arg))
	default:
		log.Panicf("%s: invalid extern opcode %d", d.Name(), cmd.Opcode)
	}

	if pkt != nil {
		d.sendNocResponseAfter(now, pkt, ErrNone, nil, delay)
	}
}

func (d *Comp) wakeupCore() {
	if d.core != nil {
		d.core.Activate()
	}
}

func (d *Comp) updateSuspendablePin() {
	if d.core == nil {
		return
	}
	pendingMsgs := d.regFile.Get(RegMsgCnt, AccessDTU) > 0
	d.core.DenySuspend(pendingMsgs)
}

func (d *Comp) injectIRQ(vector int) {
	if d.irq != nil {
		d.irq.InjectIRQ(vector)
	}
}

func (d *Comp) traceSyscall(name string) {
	d.InvokeHook(sim.HookCtx{
		Domain: d,
		Pos:    HookPosSyscall,
		Item:   name,
	})
}

// startTransfer enters the transfer engine.
func (d *Comp) startTransfer(
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
	d.xfer.startTransfer(now, ttype, remoteAddr, localAddr, size, pkt,
		header, delay, flags)
}

// startTranslate enters the page-table unit.
func (d *Comp) startTranslate(
	now sim.VTimeInSec,
	virt uint64,
	access uint,
	trans Translation,
	pf bool,
) {
	d.ptUnit.startTranslate(now, virt, access, trans, pf)
}

// handlePFResp forwards a page-fault upcall reply to the walker.
func (d *Comp) handlePFResp(now sim.VTimeInSec, pkt *NocPacket) {
	d.ptUnit.finishPagefault(now, pkt)
}

// isLocal tells whether a physical address is backed by the memory
// behind our own memory port.
func (d *Comp) isLocal(phys NocAddr) bool {
	return !phys.Valid || phys.CoreID == d.coreID
}

// sendMemRequest issues a memory access for an engine. Local physical
// addresses go through the memory port; remote ones become
// cache-memory NoC requests. In atomic mode the access completes
// inline.
func (d *Comp) sendMemRequest(
	now sim.VTimeInSec,
	phys NocAddr,
	read bool,
	size uint64,
	data []byte,
	rtype memReqType,
	token uint64,
	virt uint64,
	delay int,
) {
	state := &memReqState{reqType: rtype, token: token, virt: virt}

	if d.atomicMode {
		rspData := d.accessMemAtomic(phys, read, size, data)
		d.dispatchMemCompletion(now, state, rspData)
		return
	}

	if d.isLocal(phys) {
		var msg sim.Msg
		if read {
			req := mem.ReadReqBuilder{}.
				WithSrc(d.memPort).
				WithDst(d.memCtrlPort()).
				WithAddress(phys.Offset).
				WithByteSize(size).
				Build()
			d.pendingMemReqs[req.ID] = state
			msg = req
		} else {
			req := mem.WriteReqBuilder{}.
				WithSrc(d.memPort).
				WithDst(d.memCtrlPort()).
				WithAddress(phys.Offset).
				WithData(data).
				Build()
			d.pendingMemReqs[req.ID] = state
			msg = req
		}
		d.sendLater(now, delay, d.memPort, msg)
		return
	}

	d.sendNocRequest(now, NocCacheMemReq, phys, read, size, data, state,
		delay)
}

func (d *Comp) memCtrlPort() sim.Port {
	// the local memory controller is the only peer on the memory bus;
	// the platform records its port on the DTU
	if d.memDstPort == nil {
		log.Panicf("%s: memory port is not wired", d.Name())
	}
	return d.memDstPort
}

func (d *Comp) accessMemAtomic(
	phys NocAddr,
	read bool,
	size uint64,
	data []byte,
) []byte {
	if d.isLocal(phys) {
		if read {
			rsp, err := d.localMem.Read(phys.Offset, size)
			if err != nil {
				log.Panic(err)
			}
			return rsp
		}
		if err := d.localMem.Write(phys.Offset, data); err != nil {
			log.Panic(err)
		}
		return nil
	}

	pkt := NocPacketBuilder{}.
		WithPacketType(NocCacheMemReqFunc).
		WithAddr(phys.GetAddr()).
		WithData(data).
		Build()
	if read {
		pkt = NocPacketBuilder{}.
			WithPacketType(NocCacheMemReqFunc).
			WithAddr(phys.GetAddr()).
			AsRead(size).
			Build()
	}
	d.funcProxy.AccessFunctional(pkt)
	return pkt.Data
}

// readMemFunctional reads memory with an immediate access.
func (d *Comp) readMemFunctional(phys NocAddr, size uint64) []byte {
	return d.accessMemAtomic(phys, true, size, nil)
}

// writeMemFunctional writes memory with an immediate access, paying no
// simulated latency.
func (d *Comp) writeMemFunctional(phys NocAddr, data []byte) {
	d.accessMemAtomic(phys, false, 0, data)
}

func (d *Comp) dispatchMemCompletion(
	now sim.VTimeInSec,
	state *memReqState,
	data []byte,
) {
	switch state.reqType {
	case memReqTransfer:
		d.xfer.recvMemResponse(now, state.token, data)
	case memReqHeader:
		d.msgUnit.recvFromMem(now, d.getCommand(), data)
	case memReqTranslation:
		d.ptUnit.recvFromMem(now, state.token, data)
	case memReqCPUForward:
		d.respondCpu(now, state.origin, data)
	}
}

// completeMemRequest routes a local-memory response back to the engine
// that issued the request.
func (d *Comp) completeMemRequest(now sim.VTimeInSec, msg sim.Msg) {
	rsp, ok := msg.(sim.Rsp)
	if !ok {
		log.Panicf("%s: unexpected message on mem port", d.Name())
	}

	state, found := d.pendingMemReqs[rsp.GetRspTo()]
	if !found {
		log.Panicf("%s: response for unknown mem request", d.Name())
	}
	delete(d.pendingMemReqs, rsp.GetRspTo())

	var data []byte
	if dataRsp, isRead := msg.(*mem.DataReadyRsp); isRead {
		data = dataRsp.Data
	}

	d.dispatchMemCompletion(now, state, data)
}

// sendNocRequest emits a request packet on the NoC.
func (d *Comp) sendNocRequest(
	now sim.VTimeInSec,
	ptype NocPacketType,
	addr NocAddr,
	read bool,
	size uint64,
	data []byte,
	memState *memReqState,
	delay int,
) {
	dst := d.router.NocPortFor(addr.CoreID)

	builder := NocPacketBuilder{}.
		WithSrc(d.nocPort).
		WithDst(dst).
		WithPacketType(ptype).
		WithAddr(addr.GetAddr())
	if read {
		builder = builder.AsRead(size)
	} else {
		builder = builder.WithData(data)
	}
	pkt := builder.Build()

	d.pendingNocReqs[pkt.ID] = &nocReqState{
		packetType: ptype,
		mem:        memState,
	}

	d.sendLater(now, delay, d.nocPort, pkt)
}

// sendNocResponse responds to an inbound NoC request.
func (d *Comp) sendNocResponse(
	now sim.VTimeInSec,
	req *NocPacket,
	result Error,
	data []byte,
) {
	d.sendNocResponseAfter(now, req, result, data, d.transferToNocLatency)
}

func (d *Comp) sendNocResponseAfter(
	now sim.VTimeInSec,
	req *NocPacket,
	result Error,
	data []byte,
	delay int,
) {
	rsp := NocPacketBuilder{}.
		WithSrc(d.nocPort).
		WithDst(req.Src).
		WithPacketType(req.PacketType).
		WithResult(result).
		WithAddr(req.Addr).
		WithData(data).
		AsRspTo(req.ID).
		Build()

	d.sendLater(now, delay, d.nocPort, rsp)
}

// handleNocRequest classifies an inbound packet and dispatches it.
func (d *Comp) handleNocRequest(now sim.VTimeInSec, pkt *NocPacket) {
	switch pkt.PacketType {
	case NocMessage, NocPagefault:
		d.msgUnit.recvFromNoc(now, pkt)
	case NocReadReq, NocWriteReq, NocCacheMemReq:
		d.memUnit.recvFromNoc(now, pkt)
	case NocCacheMemReqFunc:
		d.memUnit.recvFunctionalFromNoc(pkt)
	default:
		log.Panicf("%s: unexpected NoC packet type", d.Name())
	}
}

// completeNocRequest routes a NoC response back to its issuer.
func (d *Comp) completeNocRequest(now sim.VTimeInSec, rsp *NocPacket) {
	state, found := d.pendingNocReqs[rsp.RespondTo]
	if !found {
		log.Panicf("%s: response for unknown NoC request", d.Name())
	}
	delete(d.pendingNocReqs, rsp.RespondTo)

	switch state.packetType {
	case NocCacheMemReq:
		d.completeCacheMemRequest(now, rsp, state)

	case NocPagefault:
		if rsp.Result != ErrNone {
			d.ptUnit.sendingPfFailed(now, rsp, rsp.Result)
		}

	case NocMessage, NocWriteReq:
		d.memUnit.writeComplete(now, rsp, rsp.Result)

	case NocReadReq:
		d.memUnit.readComplete(now, rsp, rsp.Result)

	default:
		log.Panicf("%s: unexpected NoC response type", d.Name())
	}
}

func (d *Comp) completeCacheMemRequest(
	now sim.VTimeInSec,
	rsp *NocPacket,
	state *nocReqState,
) {
	if state.mem == nil {
		log.Panicf("%s: cache-mem response without request state",
			d.Name())
	}

	if rsp.Result != ErrNone {
		if state.mem.reqType != memReqCPUForward {
			log.Panicf("%s: cache-mem request failed (%s)",
				d.Name(), rsp.Result)
		}

		// the VPE is gone; force a retranslation through software with
		// the GONE bit set
		access := uint(AccessIntern | AccessGone)
		trans := &vpeGoneTranslation{dtu: d, req: state.mem.origin}
		d.ptUnit.startTranslate(now, state.mem.virt, access, trans, true)
		return
	}

	d.dispatchMemCompletion(now, state.mem, rsp.Data)
}

// handleCpuRequest services a request from the local CPU: register MMIO
// accesses, or virtual-memory accesses forwarded through the TLB.
func (d *Comp) handleCpuRequest(now sim.VTimeInSec, msg sim.Msg) {
	var addr uint64
	var isWrite bool
	switch req := msg.(type) {
	case *mem.ReadReq:
		addr = req.Address
	case *mem.WriteReq:
		addr = req.Address
		isWrite = true
	default:
		log.Panicf("%s: unexpected message on CPU port", d.Name())
	}

	if addr >= d.regFileBaseAddr {
		d.forwardRequestToRegFile(now, msg, true)
		return
	}

	if isWrite && addr >= d.regFile.Get(RegRwBarrier, AccessDTU) {
		log.Printf("%s: ignoring write access above rwBarrier", d.Name())
		d.respondCpuError(now, msg)
		return
	}

	if d.tlb == nil {
		d.forwardCpuAccess(now, msg, NocAddrFromRaw(addr))
		return
	}

	access := uint(AccessIntern | AccessRead)
	if isWrite {
		access = AccessIntern | AccessWrite
	}

	phys, res := d.tlb.Lookup(addr, access)
	switch res {
	case TlbHit:
		d.forwardCpuAccess(now, msg, phys)
	case TlbNoMap:
		// known unmapped; don't fault again
		d.respondCpuError(now, msg)
	default:
		pf := res == TlbPagefault
		trans := &cpuTranslation{dtu: d, req: msg}
		d.ptUnit.startTranslate(now, addr, access, trans, pf)
	}
}

// forwardCpuAccess issues a translated CPU access toward memory.
func (d *Comp) forwardCpuAccess(
	now sim.VTimeInSec,
	msg sim.Msg,
	phys NocAddr,
) {
	switch req := msg.(type) {
	case *mem.ReadReq:
		d.sendMemRequestForCpu(now, phys, true, req.AccessByteSize, nil, msg)
	case *mem.WriteReq:
		d.sendMemRequestForCpu(now, phys, false, 0, req.Data, msg)
	}
}

func (d *Comp) sendMemRequestForCpu(
	now sim.VTimeInSec,
	phys NocAddr,
	read bool,
	size uint64,
	data []byte,
	origin sim.Msg,
) {
	state := &memReqState{
		reqType: memReqCPUForward,
		origin:  origin,
	}
	switch req := origin.(type) {
	case *mem.ReadReq:
		state.virt = req.Address
	case *mem.WriteReq:
		state.virt = req.Address
	}

	if d.atomicMode {
		rspData := d.accessMemAtomic(phys, read, size, data)
		d.respondCpu(now, origin, rspData)
		return
	}

	if d.isLocal(phys) {
		var msg sim.Msg
		if read {
			req := mem.ReadReqBuilder{}.
				WithSrc(d.memPort).
				WithDst(d.memCtrlPort()).
				WithAddress(phys.Offset).
				WithByteSize(size).
				Build()
			d.pendingMemReqs[req.ID] = state
			msg = req
		} else {
			req := mem.WriteReqBuilder{}.
				WithSrc(d.memPort).
				WithDst(d.memCtrlPort()).
				WithAddress(phys.Offset).
				WithData(data).
				Build()
			d.pendingMemReqs[req.ID] = state
			msg = req
		}
		d.sendLater(now, 0, d.memPort, msg)
		return
	}

	d.sendNocRequest(now, NocCacheMemReq, phys, read, size, data, state, 1)
}

func (d *Comp) respondCpu(now sim.VTimeInSec, origin sim.Msg, data []byte) {
	switch req := origin.(type) {
	case *mem.ReadReq:
		rsp := mem.DataReadyRspBuilder{}.
			WithSrc(d.cpuPort).
			WithDst(req.Src).
			WithRspTo(req.ID).
			WithData(data).
			Build()
		d.sendLater(now, 0, d.cpuPort, rsp)
	case *mem.WriteReq:
		rsp := mem.WriteDoneRspBuilder{}.
			WithSrc(d.cpuPort).
			WithDst(req.Src).
			WithRspTo(req.ID).
			Build()
		d.sendLater(now, 0, d.cpuPort, rsp)
	}
}

// respondCpuError completes a CPU access that cannot be performed. Reads
// return zeroes; the access itself is dropped.
func (d *Comp) respondCpuError(now sim.VTimeInSec, origin sim.Msg) {
	if req, isRead := origin.(*mem.ReadReq); isRead {
		d.respondCpu(now, origin, make([]byte, req.AccessByteSize))
		return
	}
	d.respondCpu(now, origin, nil)
}

// forwardRequestToRegFile performs a register-file access and schedules
// the response. Writing COMMAND triggers the dispatcher; writing
// EXT_CMD runs the external command before responding.
func (d *Comp) forwardRequestToRegFile(
	now sim.VTimeInSec,
	msg sim.Msg,
	isCpuRequest bool,
) {
	var acc RegAccessReq
	var nocPkt *NocPacket

	switch req := msg.(type) {
	case *mem.ReadReq:
		acc = RegAccessReq{
			Addr: req.Address - d.regFileBaseAddr,
			Read: true,
			Data: make([]byte, req.AccessByteSize),
		}
	case *mem.WriteReq:
		acc = RegAccessReq{
			Addr: req.Address - d.regFileBaseAddr,
			Data: req.Data,
		}
	case *NocPacket:
		nocPkt = req
		addr := NocAddrFromRaw(req.Addr)
		acc = RegAccessReq{
			Addr: addr.Offset - d.regFileBaseAddr,
			Read: req.Read,
			Data: req.Data,
		}
		if req.Read {
			acc.Data = make([]byte, req.Size)
		}
	default:
		log.Panicf("%s: unexpected register access", d.Name())
	}

	result := d.regFile.HandleRequest(&acc, isCpuRequest)

	d.updateSuspendablePin()

	when := d.registerAccessLatency

	if result&WroteExtCmd != 0 {
		evt := &execExternCmdEvent{
			EventBase: sim.NewEventBase(d.freq.NCyclesLater(when, now), d),
			pkt:       nocPkt,
		}
		d.engine.Schedule(evt)
		return
	}

	if nocPkt != nil {
		d.sendNocResponseAfter(now, nocPkt, ErrNone, acc.Data, when)
	} else {
		d.respondCpuAfter(now, msg, acc.Data, when)
	}

	if result&WroteCmd != 0 {
		evt := &executeCommandEvent{
			EventBase: sim.NewEventBase(d.freq.NCyclesLater(when, now), d),
		}
		d.engine.Schedule(evt)
	}
}

func (d *Comp) respondCpuAfter(
	now sim.VTimeInSec,
	origin sim.Msg,
	data []byte,
	delay int,
) {
	switch req := origin.(type) {
	case *mem.ReadReq:
		rsp := mem.DataReadyRspBuilder{}.
			WithSrc(d.cpuPort).
			WithDst(req.Src).
			WithRspTo(req.ID).
			WithData(data).
			Build()
		d.sendLater(now, delay, d.cpuPort, rsp)
	case *mem.WriteReq:
		rsp := mem.WriteDoneRspBuilder{}.
			WithSrc(d.cpuPort).
			WithDst(req.Src).
			WithRspTo(req.ID).
			Build()
		d.sendLater(now, delay, d.cpuPort, rsp)
	}
}

// HandleNocFunctional services a functional packet addressed at this
// DTU, with immediate effect.
func (d *Comp) HandleNocFunctional(pkt *NocPacket) {
	d.memUnit.recvFunctionalFromNoc(pkt)
}

// SetMemCtrlPort records the port of the local memory controller, so
// that memory requests can be addressed to it.
func (d *Comp) SetMemCtrlPort(port sim.Port) {
	d.memDstPort = port
}
