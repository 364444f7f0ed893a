package dtu

import (
	"encoding/binary"
	"log"

	"github.com/sarchlab/dtusim/sim"
)

// A Translation is notified when a translation it waits for resolves.
type Translation interface {
	TranslationDone(success bool, phys NocAddr)
}

// pfRetryThreshold is the number of consecutive faults on the same page
// after which the kernel is interrupted.
const pfRetryThreshold = 100

// pfIrqVector is the interrupt vector raised on repeated page faults.
const pfIrqVector = 0x41

// translateEvent carries the state of one translation, from the TLB
// re-check through the multi-level walk and, if needed, the page-fault
// upcall.
type translateEvent struct {
	token  uint64
	level  int
	virt   uint64
	access uint
	ptAddr uint64

	// pf skips the TLB re-check and walks directly.
	pf bool
	// toKernel escalates the upcall to the syscall endpoint.
	toKernel bool

	waiters []Translation
}

// ptStepEvent schedules one processing step of a translate event.
type ptStepEvent struct {
	*sim.EventBase
	ev *translateEvent
}

// The ptUnit resolves translations that miss the TLB. It walks the page
// tables over the memory port and, when a walk fails, sends a
// page-fault upcall to the configured endpoint. Exactly one fault
// resolution is in flight at a time.
type ptUnit struct {
	dtu *Comp

	pfqueue []*translateEvent
	events  map[uint64]*translateEvent
	nextTok uint64

	lastPfAddr uint64
	lastPfCnt  int
}

func newPtUnit(dtu *Comp) *ptUnit {
	return &ptUnit{
		dtu:        dtu,
		events:     make(map[uint64]*translateEvent),
		lastPfAddr: ^uint64(0),
	}
}

// startTranslate creates a translate event and schedules its first step.
func (u *ptUnit) startTranslate(
	now sim.VTimeInSec,
	virt uint64,
	access uint,
	trans Translation,
	pf bool,
) {
	u.nextTok++
	ev := &translateEvent{
		token:   u.nextTok,
		level:   LevelCnt - 1,
		virt:    virt,
		access:  access,
		ptAddr:  u.dtu.regFile.Get(RegRootPt, AccessDTU),
		pf:      pf,
		waiters: []Translation{trans},
	}
	u.events[ev.token] = ev

	u.schedule(now, ev, 1)
}

func (u *ptUnit) schedule(now sim.VTimeInSec, ev *translateEvent, delay int) {
	evt := &ptStepEvent{
		EventBase: sim.NewEventBase(u.dtu.freq.NCyclesLater(delay, now), u.dtu),
		ev:        ev,
	}
	u.dtu.engine.Schedule(evt)
}

// process runs one step: either re-check the TLB (absorbing spurious
// calls) or issue the walk.
func (u *ptUnit) process(now sim.VTimeInSec, ev *translateEvent) {
	if ev.pf {
		u.requestPte(now, ev)
		return
	}

	phys, res := u.dtu.tlb.Lookup(ev.virt, ev.access)
	switch res {
	case TlbHit:
		u.finish(ev, true, phys)
	case TlbNoMap:
		u.finish(ev, false, NocAddr{})
	case TlbPagefault:
		if !u.sendPagefaultMsg(now, ev) {
			u.finish(ev, false, NocAddr{})
		}
	default:
		u.requestPte(now, ev)
	}
}

// requestPte loads the PTE of the current level.
func (u *ptUnit) requestPte(now sim.VTimeInSec, ev *translateEvent) {
	idx := (ev.virt >> (PageBits + uint(ev.level)*LevelBits)) & LevelMask
	pteAddr := NocAddrFromRaw(ev.ptAddr + idx<<PteBits)

	u.dtu.sendMemRequest(now, pteAddr, true, PteSize, nil,
		memReqTranslation, ev.token, 0, 0)
}

// recvFromMem consumes one loaded PTE and either descends a level,
// finishes the walk, or raises a page fault.
func (u *ptUnit) recvFromMem(now sim.VTimeInSec, token uint64, data []byte) {
	ev, found := u.events[token]
	if !found {
		log.Panicf("%s: PTE response for unknown walk", u.dtu.Name())
	}

	pte := Pte(binary.LittleEndian.Uint64(data))

	need := ev.access
	if ev.level > 0 {
		need &^= AccessIntern
	}
	need &^= AccessGone

	granted := pte.Ixwr()&need == need
	if ev.access&AccessGone != 0 {
		// a GONE retranslation must always consult software
		granted = false
	}

	if granted {
		if ev.level > 0 {
			ev.level--
			ev.ptAddr = pte.Base()
			u.requestPte(now, ev)
			return
		}

		u.mkTlbEntry(ev.virt, NocAddrFromRaw(pte.Base()), pte.Ixwr())
		u.finish(ev, true,
			NocAddrFromRaw(pte.Base()+(ev.virt&PageMask)))
		return
	}

	if !u.sendPagefaultMsg(now, ev) {
		u.finish(ev, false, NocAddr{})
	}
}

// translateFunctional walks the page tables with immediate accesses.
func (u *ptUnit) translateFunctional(
	virt uint64,
	access uint,
) (NocAddr, bool) {
	ptAddr := u.dtu.regFile.Get(RegRootPt, AccessDTU)
	var pte Pte
	for level := LevelCnt - 1; level >= 0; level-- {
		idx := (virt >> (PageBits + uint(level)*LevelBits)) & LevelMask
		pteAddr := NocAddrFromRaw(ptAddr + idx<<PteBits)

		data := u.dtu.readMemFunctional(pteAddr, PteSize)
		pte = Pte(binary.LittleEndian.Uint64(data))

		need := access
		if level > 0 {
			need &^= AccessIntern
		}
		if pte.Ixwr()&need != need {
			return NocAddr{}, false
		}

		ptAddr = pte.Base()
	}

	return NocAddrFromRaw(pte.Base() + (virt & PageMask)), true
}

// sendPagefaultMsg emits the upcall for a fault, or queues/merges the
// event behind the fault currently in flight. Returns false if
// page-fault sending is disabled.
func (u *ptUnit) sendPagefaultMsg(now sim.VTimeInSec, ev *translateEvent) bool {
	status := u.dtu.regFile.Get(RegStatus, AccessDTU)
	if status&StatusPagefaults == 0 {
		// drop all pending faults; nobody will answer them
		for _, qev := range u.pfqueue {
			if qev != ev {
				u.finish(qev, false, NocAddr{})
			}
		}
		u.pfqueue = nil
		return false
	}

	// stall all accesses to the page until the fault is resolved
	u.dtu.tlb.Block(ev.virt, true)

	pfep := int(u.dtu.regFile.Get(RegPfEp, AccessDTU))
	if ev.toKernel {
		pfep = SyscallEp
	}
	if pfep >= u.dtu.numEndpoints {
		log.Panicf("%s: page-fault EP %d out of range", u.dtu.Name(), pfep)
	}
	ep := u.dtu.regFile.SendEp(pfep)

	// fall back to the syscall EP if the PF EP is not configured
	if ep.MaxMsgSize == 0 {
		ev.toKernel = true
		pfep = SyscallEp
		ep = u.dtu.regFile.SendEp(pfep)
	}

	if HeaderSize+PagefaultMsgSize > int(ep.MaxMsgSize) {
		log.Panicf("%s: page-fault message does not fit EP%d",
			u.dtu.Name(), pfep)
	}

	if len(u.pfqueue) == 0 {
		u.pfqueue = append(u.pfqueue, ev)
	} else if u.pfqueue[0] != ev {
		page := ev.virt >> PageBits
		for _, qev := range u.pfqueue {
			if ev.access == qev.access && page == qev.virt>>PageBits {
				qev.waiters = append(qev.waiters, ev.waiters...)
				delete(u.events, ev.token)
				return true
			}
		}

		ev.pf = true
		u.pfqueue = append(u.pfqueue, ev)
		return true
	}

	header := MessageHeader{
		Flags:        FlagPagefault | FlagReplyEnabled,
		SenderCoreID: uint16(u.dtu.coreID),
		SenderEpID:   uint8(pfep),
		Length:       PagefaultMsgSize,
		Label:        ep.Label,
		ReplyLabel:   ev.token,
	}

	msg := PagefaultMessage{
		Opcode: OpcodePf,
		Virt:   ev.virt,
		Access: uint64(ev.access),
	}

	data := append(header.Pack(), msg.Pack()...)

	u.resolveFailed(ev.virt)

	addr := NewNocAddr(uint32(ep.TargetCore), ep.VpeID, uint64(ep.TargetEp))
	u.dtu.sendNocRequest(now, NocPagefault, addr, false, 0, data, nil,
		u.dtu.transferToNocLatency)

	return true
}

// sendingPfFailed handles a failed upcall transmission.
func (u *ptUnit) sendingPfFailed(now sim.VTimeInSec, pkt *NocPacket, result Error) {
	header := UnpackMessageHeader(pkt.Data)
	ev, found := u.events[header.ReplyLabel]
	if !found {
		log.Panicf("%s: failed upcall for unknown walk", u.dtu.Name())
	}

	if result != ErrVpeGone {
		log.Panicf("%s: unable to resolve pagefault @ %#x (%d)",
			u.dtu.Name(), ev.virt, result)
	}

	// the pager is gone; ask the kernel instead
	ev.pf = true
	ev.toKernel = true
	u.schedule(now, ev, 1)

	u.nextPagefault(now, ev, 1)
}

// finishPagefault consumes the reply to a page-fault upcall.
func (u *ptUnit) finishPagefault(now sim.VTimeInSec, pkt *NocPacket) {
	header := UnpackMessageHeader(pkt.Data)

	errCode := int64(-1)
	if len(pkt.Data) == HeaderSize+8 {
		errCode = int64(binary.LittleEndian.Uint64(pkt.Data[HeaderSize:]))
	}

	ev, found := u.events[header.Label]
	if !found {
		log.Panicf("%s: pagefault reply for unknown walk", u.dtu.Name())
	}

	delay := u.dtu.nocToTransferLatency
	u.nextPagefault(now, ev, delay)

	u.dtu.sendNocResponse(now, pkt, ErrNone, nil)

	if errCode != 0 {
		// a permanently unmapped page is remembered with zero rights,
		// so that the next access does not fault again
		if Error(errCode) == ErrNoMapping {
			u.mkTlbEntry(ev.virt, NocAddr{}, 0)
		} else {
			u.dtu.tlb.Block(ev.virt, false)
		}

		u.finish(ev, false, NocAddr{})
		return
	}

	// retry the walk
	u.dtu.tlb.Block(ev.virt, false)
	ev.pf = false
	ev.toKernel = false
	u.schedule(now, ev, 1)
}

func (u *ptUnit) mkTlbEntry(virt uint64, phys NocAddr, flags uint) {
	u.dtu.tlb.Insert(virt&^uint64(PageMask), phys, flags)
	u.lastPfAddr = ^uint64(0)
	u.lastPfCnt = 0
}

// nextPagefault dequeues the resolved fault and kicks off the next one.
func (u *ptUnit) nextPagefault(
	now sim.VTimeInSec,
	ev *translateEvent,
	delay int,
) {
	if len(u.pfqueue) == 0 || u.pfqueue[0] != ev {
		log.Panicf("%s: pagefault queue out of order", u.dtu.Name())
	}
	u.pfqueue = u.pfqueue[1:]

	if len(u.pfqueue) > 0 {
		u.schedule(now, u.pfqueue[0], delay)
	}
}

// resolveFailed counts consecutive faults on the same page. After the
// threshold, LAST_PF is set and an IRQ is raised so that kernel
// software can intervene.
func (u *ptUnit) resolveFailed(virt uint64) {
	if virt>>PageBits == u.lastPfAddr>>PageBits {
		u.lastPfCnt++
		if u.lastPfCnt == pfRetryThreshold {
			u.dtu.regFile.Set(RegLastPf, virt, AccessDTU)
			u.dtu.injectIRQ(pfIrqVector)
		}
	} else {
		u.lastPfAddr = virt
		u.lastPfCnt = 1
	}
}

func (u *ptUnit) finish(ev *translateEvent, success bool, phys NocAddr) {
	delete(u.events, ev.token)
	for _, w := range ev.waiters {
		w.TranslationDone(success, phys)
	}
	ev.waiters = nil
}
