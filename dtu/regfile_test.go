package dtu

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("RegFile", func() {
	var rf *RegFile

	BeforeEach(func() {
		rf = NewRegFile("RegFile", 8)
	})

	It("should round-trip a send endpoint", func() {
		ep := SendEp{
			VpeID:      12,
			TargetCore: 7,
			TargetEp:   4,
			MaxMsgSize: 64,
			Credits:    128,
			Label:      0xAA,
		}

		rf.SetSendEp(3, ep)

		Expect(rf.EpType(3)).To(Equal(EpTypeSend))
		Expect(rf.SendEp(3)).To(Equal(ep))
	})

	It("should round-trip a receive endpoint", func() {
		ep := RecvEp{
			RdPos:    2,
			WrPos:    3,
			BufAddr:  0x1000,
			MsgSize:  64,
			Size:     4,
			MsgCount: 1,
			Occupied: 0b0101,
			Unread:   0b0001,
		}

		rf.SetRecvEp(4, ep)

		Expect(rf.EpType(4)).To(Equal(EpTypeReceive))
		Expect(rf.RecvEp(4)).To(Equal(ep))
	})

	It("should round-trip a memory endpoint", func() {
		ep := MemEp{
			VpeID:      9,
			RemoteAddr: 0x100000,
			RemoteSize: 0x4000,
			TargetCore: 2,
			Flags:      MemFlagRead | MemFlagWrite,
		}

		rf.SetMemEp(5, ep)

		Expect(rf.EpType(5)).To(Equal(EpTypeMemory))
		Expect(rf.MemEp(5)).To(Equal(ep))
	})

	It("should keep the unread bitmap inside occupied", func() {
		ep := RecvEp{Size: 4, MsgSize: 64, BufAddr: 0x1000}
		ep.SetOccupied(1, true)
		ep.SetUnread(1, true)

		Expect(ep.Unread & ^ep.Occupied).To(Equal(uint32(0)))

		ep.SetUnread(1, false)
		Expect(ep.IsUnread(1)).To(BeFalse())
		Expect(ep.IsOccupied(1)).To(BeTrue())
	})

	It("should convert message addresses to slot indices", func() {
		ep := RecvEp{BufAddr: 0x1000, MsgSize: 64, Size: 4}

		Expect(ep.MsgToIdx(0x1000)).To(Equal(0))
		Expect(ep.MsgToIdx(0x1040)).To(Equal(1))
		Expect(ep.MsgToIdx(0x800)).To(Equal(MaxMsgs))
		Expect(ep.MsgToIdx(0x1000 + 64*MaxMsgs)).To(Equal(MaxMsgs))
	})

	Context("memory-mapped requests", func() {
		writeWord := func(addr, value uint64, cpu bool) RegFileResult {
			data := make([]byte, 8)
			binary.LittleEndian.PutUint64(data, value)
			return rf.HandleRequest(
				&RegAccessReq{Addr: addr, Data: data}, cpu)
		}

		readWord := func(addr uint64, cpu bool) uint64 {
			data := make([]byte, 8)
			rf.HandleRequest(
				&RegAccessReq{Addr: addr, Read: true, Data: data}, cpu)
			return binary.LittleEndian.Uint64(data)
		}

		It("should report a COMMAND write", func() {
			addr := CmdRegAddr(0, RegCommand)
			result := writeWord(addr, MakeCommand(CmdSend, 3), true)

			Expect(result & WroteCmd).ToNot(Equal(WroteNone))
			Expect(rf.GetCmd(RegCommand, AccessDTU)).To(
				Equal(MakeCommand(CmdSend, 3)))
		})

		It("should report an EXT_CMD write from the NoC", func() {
			addr := DtuRegAddr(0, RegExtCmd)
			result := writeWord(addr, MakeExtCommand(ExtCmdInvTlb, 0), false)

			Expect(result & WroteExtCmd).ToNot(Equal(WroteNone))
		})

		It("should drop CPU writes to DTU registers", func() {
			rf.Set(RegVpeID, 5, AccessNoC)

			addr := DtuRegAddr(0, RegVpeID)
			result := writeWord(addr, 9, true)

			Expect(result).To(Equal(WroteNone))
			Expect(rf.Get(RegVpeID, AccessDTU)).To(Equal(uint64(5)))
		})

		It("should drop CPU writes to endpoint registers", func() {
			rf.SetSendEp(3, SendEp{MaxMsgSize: 64, Credits: 16})

			addr := EpRegAddr(0, 3, 1)
			writeWord(addr, 0xFFFF, true)

			Expect(rf.SendEp(3).Credits).To(Equal(uint16(16)))
		})

		It("should let the CPU read endpoint registers", func() {
			rf.SetSendEp(3, SendEp{MaxMsgSize: 64, Credits: 16, Label: 0xAA})

			Expect(readWord(EpRegAddr(0, 3, 2), true)).To(
				Equal(uint64(0xAA)))
		})

		It("should accept NoC writes to endpoint registers", func() {
			addr := EpRegAddr(0, 2, 0)
			writeWord(addr,
				uint64(64)<<numEpTypeBits|uint64(EpTypeSend), false)

			Expect(rf.EpType(2)).To(Equal(EpTypeSend))
			Expect(rf.SendEp(2).MaxMsgSize).To(Equal(uint16(64)))
		})

		It("should panic on unaligned accesses", func() {
			Expect(func() {
				rf.HandleRequest(
					&RegAccessReq{Addr: 3, Data: make([]byte, 8)}, true)
			}).To(Panic())
		})
	})
})
