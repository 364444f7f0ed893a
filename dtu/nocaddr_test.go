package dtu

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("NocAddr", func() {
	It("should round-trip core, vpe, and offset", func() {
		cases := []NocAddr{
			NewNocAddr(0, 0, 0),
			NewNocAddr(7, 4, 0x1000),
			NewNocAddr(1023, 2047, (uint64(1)<<37)-1),
			NewNocAddr(1, 0, 0xDEADBEE),
		}

		for _, addr := range cases {
			unpacked := NocAddrFromRaw(addr.GetAddr())
			Expect(unpacked).To(Equal(addr))
		}
	})

	It("should be invalid when zero initialized", func() {
		var addr NocAddr
		Expect(addr.Valid).To(BeFalse())
		Expect(NocAddrFromRaw(0).Valid).To(BeFalse())
	})

	It("should set the valid bit when constructed from fields", func() {
		addr := NewNocAddr(3, 5, 0x42)
		Expect(addr.Valid).To(BeTrue())
		Expect(NocAddrFromRaw(addr.GetAddr()).Valid).To(BeTrue())
	})

	It("should panic on out-of-range fields", func() {
		addr := NocAddr{Valid: true, CoreID: 1024}
		Expect(func() { addr.GetAddr() }).To(Panic())

		addr = NocAddr{Valid: true, VpeID: 2048}
		Expect(func() { addr.GetAddr() }).To(Panic())

		addr = NocAddr{Valid: true, Offset: uint64(1) << 37}
		Expect(func() { addr.GetAddr() }).To(Panic())
	})
})
