package dtu

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gomock "go.uber.org/mock/gomock"

	"github.com/sarchlab/dtusim/mem"
)

var _ = Describe("Comp", func() {
	var (
		mockCtrl *gomock.Controller
		engine   *MockEngine
		cpuSide  *MockPort
		d        *Comp
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		engine = NewMockEngine(mockCtrl)
		cpuSide = NewMockPort(mockCtrl)

		d = MakeBuilder().
			WithEngine(engine).
			WithCoreID(0).
			WithLocalMem(mem.NewStorage(1 << 20)).
			Build("DTU")
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	writeReq := func(addr, value uint64) *mem.WriteReq {
		data := make([]byte, 8)
		binary.LittleEndian.PutUint64(data, value)
		return mem.WriteReqBuilder{}.
			WithSrc(cpuSide).
			WithDst(d.CpuPort()).
			WithAddress(addr).
			WithData(data).
			Build()
	}

	It("should schedule command execution on a COMMAND write", func() {
		var scheduled []interface{}
		engine.EXPECT().Schedule(gomock.Any()).Do(func(e interface{}) {
			scheduled = append(scheduled, e)
		}).Times(2)

		addr := CmdRegAddr(d.RegFileBaseAddr(), RegCommand)
		d.handleCpuRequest(0, writeReq(addr, MakeCommand(CmdDebugMsg, 0)))

		hasExec := false
		for _, e := range scheduled {
			if _, ok := e.(*executeCommandEvent); ok {
				hasExec = true
			}
		}
		Expect(hasExec).To(BeTrue())
	})

	It("should not execute a second command while one is running", func() {
		d.cmdInProgress = true
		d.regFile.SetCmd(RegCommand, MakeCommand(CmdFetchMsg, 0), AccessDTU)

		Expect(func() { d.executeCommand(0) }).To(Panic())
	})

	It("should finish a command with an error code", func() {
		d.cmdInProgress = true
		d.finishCommand(ErrMissCredits)

		cmd := d.getCommand()
		Expect(cmd.Opcode).To(Equal(CmdIdle))
		Expect(cmd.Error).To(Equal(ErrMissCredits))
		Expect(d.cmdInProgress).To(BeFalse())
	})

	It("should drop CPU writes above the read-write barrier", func() {
		d.regFile.Set(RegRwBarrier, 0x1000, AccessNoC)

		engine.EXPECT().Schedule(gomock.Any()).Times(1)

		d.handleCpuRequest(0, writeReq(0x2000, 0xFF))

		data, _ := d.localMem.Read(0x2000, 8)
		Expect(data).To(Equal(make([]byte, 8)))
	})

	It("should clear the TLB on INV_TLB", func() {
		d.tlb.Insert(0x4000, NocAddrFromRaw(0x80000), AccessRead)

		d.regFile.Set(RegExtCmd,
			MakeExtCommand(ExtCmdInvTlb, 0), AccessNoC)
		d.executeExternCommand(0, nil)

		Expect(d.tlb.Count()).To(Equal(0))
	})

	It("should invalidate one page on INV_PAGE", func() {
		d.tlb.Insert(0x4000, NocAddrFromRaw(0x80000), AccessRead)
		d.tlb.Insert(0x5000, NocAddrFromRaw(0x81000), AccessRead)

		d.regFile.Set(RegExtCmd,
			MakeExtCommand(ExtCmdInvPage, 0x4000), AccessNoC)
		d.executeExternCommand(0, nil)

		Expect(d.tlb.Count()).To(Equal(1))

		_, res := d.tlb.Lookup(0x5000, AccessRead)
		Expect(res).To(Equal(TlbHit))
	})
})
