package dtu

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/dtusim/mem"
	"github.com/sarchlab/dtusim/mem/idealmemcontroller"
	"github.com/sarchlab/dtusim/sim"
)

// sinkRouter points every core at the same sink port.
type sinkRouter struct {
	port sim.Port
}

func (r *sinkRouter) NocPortFor(coreID uint32) sim.Port {
	return r.port
}

// recordingTranslation records the outcome of a translation.
type recordingTranslation struct {
	done    bool
	success bool
	phys    NocAddr
}

func (t *recordingTranslation) TranslationDone(success bool, phys NocAddr) {
	t.done = true
	t.success = success
	t.phys = phys
}

var _ = Describe("PtUnit", func() {
	var (
		engine  *sim.SerialEngine
		storage *mem.Storage
		d       *Comp
		sink    *sim.LimitNumMsgPort
	)

	BeforeEach(func() {
		engine = sim.NewSerialEngine()
		storage = mem.NewStorage(1 << 24)

		d = MakeBuilder().
			WithEngine(engine).
			WithCoreID(0).
			WithTlbEntries(16).
			WithLocalMem(storage).
			Build("DTU")

		memCtrl := idealmemcontroller.MakeBuilder().
			WithEngine(engine).
			WithLatency(1).
			WithStorage(storage).
			Build("LocalMem")

		bus := sim.NewDirectConnection("Bus", engine, 1*sim.GHz)
		bus.PlugIn(d.MemPort(), 8)
		bus.PlugIn(memCtrl.TopPort(), 8)
		d.SetMemCtrlPort(memCtrl.TopPort())

		sink = sim.NewLimitNumMsgPort(nil, 16, "Sink")
		noc := sim.NewDirectConnection("NoC", engine, 1*sim.GHz)
		noc.PlugIn(d.NocPort(), 8)
		noc.PlugIn(sink, 16)

		d.SetRouter(&sinkRouter{port: sink})

		d.Regs().Set(RegStatus, StatusPagefaults, AccessNoC)
		d.Regs().Set(RegRootPt, 0x10000, AccessNoC)
		d.Regs().Set(RegPfEp, 1, AccessNoC)
		d.Regs().SetSendEp(1, SendEp{
			TargetCore: 1,
			TargetEp:   6,
			MaxMsgSize: 64,
			Credits:    CreditsUnlim,
			Label:      0xCC,
		})
	})

	drainSink := func() []*NocPacket {
		var pkts []*NocPacket
		for {
			msg := sink.Retrieve(engine.CurrentTime())
			if msg == nil {
				return pkts
			}
			pkts = append(pkts, msg.(*NocPacket))
		}
	}

	It("should coalesce same-page faults into one upcall", func() {
		w1 := &recordingTranslation{}
		w2 := &recordingTranslation{}

		d.startTranslate(0, 0x4000, AccessRead|AccessIntern, w1, false)
		d.startTranslate(0, 0x4080, AccessRead|AccessIntern, w2, false)

		Expect(engine.Run()).To(Succeed())

		pkts := drainSink()
		Expect(pkts).To(HaveLen(1))
		Expect(pkts[0].PacketType).To(Equal(NocPagefault))

		upcall := UnpackMessageHeader(pkts[0].Data)
		pf := UnpackPagefaultMessage(pkts[0].Data[HeaderSize:])
		Expect(pf.Virt).To(Equal(uint64(0x4000)))

		// the kernel maps the page and replies with error = 0
		writeTestPte(storage, 0x10000, MakePte(0x11000, AccessRWX))
		l0 := (uint64(0x4000) >> PageBits) & LevelMask
		writeTestPte(storage, 0x11000+l0*PteSize,
			MakePte(0x80000, AccessRead|AccessIntern))

		reply := buildPfReply(sink, d.NocPort(), upcall.ReplyLabel, 0)
		d.ptUnit.finishPagefault(engine.CurrentTime(), reply)

		Expect(engine.Run()).To(Succeed())

		Expect(w1.done).To(BeTrue())
		Expect(w1.success).To(BeTrue())
		Expect(w1.phys.Offset).To(Equal(uint64(0x80000)))

		Expect(w2.done).To(BeTrue())
		Expect(w2.success).To(BeTrue())
		Expect(w2.phys.Offset).To(Equal(uint64(0x80000)))

		_, res := d.Tlb().Lookup(0x4000, AccessRead|AccessIntern)
		Expect(res).To(Equal(TlbHit))
	})

	It("should fail the waiter on a NO_MAPPING reply", func() {
		w := &recordingTranslation{}

		d.startTranslate(0, 0x4000, AccessRead|AccessIntern, w, false)
		Expect(engine.Run()).To(Succeed())

		pkts := drainSink()
		Expect(pkts).To(HaveLen(1))
		upcall := UnpackMessageHeader(pkts[0].Data)

		reply := buildPfReply(sink, d.NocPort(), upcall.ReplyLabel,
			uint64(ErrNoMapping))
		d.ptUnit.finishPagefault(engine.CurrentTime(), reply)

		Expect(engine.Run()).To(Succeed())

		Expect(w.done).To(BeTrue())
		Expect(w.success).To(BeFalse())

		// the page is remembered as unmapped
		_, res := d.Tlb().Lookup(0x4000, AccessRead|AccessIntern)
		Expect(res).To(Equal(TlbNoMap))
	})

	It("should walk a present mapping without an upcall", func() {
		writeTestPte(storage, 0x10000, MakePte(0x11000, AccessRWX))
		l0 := (uint64(0x4000) >> PageBits) & LevelMask
		writeTestPte(storage, 0x11000+l0*PteSize,
			MakePte(0x80000, AccessRead|AccessIntern))

		w := &recordingTranslation{}
		d.startTranslate(0, 0x4010, AccessRead|AccessIntern, w, false)
		Expect(engine.Run()).To(Succeed())

		Expect(drainSink()).To(BeEmpty())
		Expect(w.success).To(BeTrue())
		Expect(w.phys.Offset).To(Equal(uint64(0x80010)))
	})

	It("should translate functionally", func() {
		writeTestPte(storage, 0x10000, MakePte(0x11000, AccessRWX))
		l0 := (uint64(0x4000) >> PageBits) & LevelMask
		writeTestPte(storage, 0x11000+l0*PteSize,
			MakePte(0x80000, AccessRead|AccessIntern))

		phys, ok := d.ptUnit.translateFunctional(0x4020,
			AccessRead|AccessIntern)
		Expect(ok).To(BeTrue())
		Expect(phys.Offset).To(Equal(uint64(0x80020)))

		_, ok = d.ptUnit.translateFunctional(0x4000, AccessWrite)
		Expect(ok).To(BeFalse())
	})
})

func writeTestPte(storage *mem.Storage, addr uint64, pte Pte) {
	data := make([]byte, PteSize)
	binary.LittleEndian.PutUint64(data, uint64(pte))
	Expect(storage.Write(addr, data)).To(Succeed())
}

func buildPfReply(
	src, dst sim.Port,
	label uint64,
	errCode uint64,
) *NocPacket {
	header := MessageHeader{
		Flags:  FlagReply | FlagPagefault,
		Length: 8,
		Label:  label,
	}
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, errCode)

	return NocPacketBuilder{}.
		WithSrc(src).
		WithDst(dst).
		WithPacketType(NocMessage).
		WithAddr(NewNocAddr(0, 0, 0).GetAddr()).
		WithData(append(header.Pack(), payload...)).
		Build()
}
