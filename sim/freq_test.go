package sim

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Freq", func() {
	var freq Freq

	BeforeEach(func() {
		freq = 1 * GHz
	})

	It("should calculate the period", func() {
		Expect(freq.Period()).To(BeNumerically("~", 1e-9, 1e-15))
	})

	It("should get this tick", func() {
		Expect(freq.ThisTick(10.0000000004)).To(
			BeNumerically("~", 10.000000001, 1e-12))
	})

	It("should get next tick", func() {
		Expect(freq.NextTick(10.000000001)).To(
			BeNumerically("~", 10.000000002, 1e-12))
	})

	It("should get next tick from a tick time", func() {
		Expect(freq.NextTick(0)).To(
			BeNumerically("~", 1e-9, 1e-15))
	})

	It("should get the time n cycles later", func() {
		Expect(freq.NCyclesLater(12, 10.000000001)).To(
			BeNumerically("~", 10.000000013, 1e-12))
	})

	It("should count cycles", func() {
		Expect(freq.Cycle(1e-9 * 42)).To(Equal(uint64(42)))
	})
})
