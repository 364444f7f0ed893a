package dtu

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Tlb", func() {
	var tlb *Tlb

	BeforeEach(func() {
		tlb = NewTlb(4)
	})

	It("should miss on an empty TLB", func() {
		_, res := tlb.Lookup(0x4000, AccessRead)
		Expect(res).To(Equal(TlbMiss))
	})

	It("should hit after an insert and add the page offset", func() {
		tlb.Insert(0x4000, NocAddrFromRaw(0x80000), AccessRead|AccessIntern)

		phys, res := tlb.Lookup(0x4123, AccessRead)
		Expect(res).To(Equal(TlbHit))
		Expect(phys.Offset).To(Equal(uint64(0x80123)))
	})

	It("should hit for any access subset of the inserted rights", func() {
		tlb.Insert(0x4000, NocAddrFromRaw(0x80000),
			AccessRead|AccessWrite|AccessIntern)

		_, res := tlb.Lookup(0x4000, AccessRead)
		Expect(res).To(Equal(TlbHit))

		_, res = tlb.Lookup(0x4000, AccessRead|AccessWrite)
		Expect(res).To(Equal(TlbHit))
	})

	It("should report a pagefault on insufficient rights", func() {
		tlb.Insert(0x4000, NocAddrFromRaw(0x80000), AccessRead)

		_, res := tlb.Lookup(0x4000, AccessWrite)
		Expect(res).To(Equal(TlbPagefault))
	})

	It("should report known-unmapped pages", func() {
		tlb.Insert(0x4000, NocAddr{}, 0)

		_, res := tlb.Lookup(0x4000, AccessRead)
		Expect(res).To(Equal(TlbNoMap))
	})

	It("should force pagefaults while blocked", func() {
		tlb.Insert(0x4000, NocAddrFromRaw(0x80000), AccessRead)
		tlb.Block(0x4000, true)

		_, res := tlb.Lookup(0x4000, AccessRead)
		Expect(res).To(Equal(TlbPagefault))

		tlb.Block(0x4000, false)
		_, res = tlb.Lookup(0x4000, AccessRead)
		Expect(res).To(Equal(TlbHit))
	})

	It("should forget a blocked page that was never inserted", func() {
		tlb.Block(0x4000, true)

		_, res := tlb.Lookup(0x4000, AccessRead)
		Expect(res).To(Equal(TlbPagefault))

		tlb.Block(0x4000, false)
		_, res = tlb.Lookup(0x4000, AccessRead)
		Expect(res).To(Equal(TlbMiss))
	})

	It("should evict the least recently used entry", func() {
		for i := uint64(0); i < 4; i++ {
			tlb.Insert(i*PageSize, NocAddrFromRaw(i*PageSize), AccessRead)
		}

		// touch page 0, so page 1 is the eviction victim
		tlb.Lookup(0, AccessRead)

		tlb.Insert(4*PageSize, NocAddrFromRaw(4*PageSize), AccessRead)

		_, res := tlb.Lookup(0, AccessRead)
		Expect(res).To(Equal(TlbHit))

		_, res = tlb.Lookup(1*PageSize, AccessRead)
		Expect(res).To(Equal(TlbMiss))

		Expect(tlb.Count()).To(Equal(4))
	})

	It("should remove a single page", func() {
		tlb.Insert(0x4000, NocAddrFromRaw(0x80000), AccessRead)
		tlb.Remove(0x4000)

		_, res := tlb.Lookup(0x4000, AccessRead)
		Expect(res).To(Equal(TlbMiss))
	})

	It("should clear all entries", func() {
		tlb.Insert(0x4000, NocAddrFromRaw(0x80000), AccessRead)
		tlb.Insert(0x5000, NocAddrFromRaw(0x81000), AccessRead)

		tlb.Clear()

		Expect(tlb.Count()).To(Equal(0))
	})
})
