package mem

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Storage", func() {
	var storage *Storage

	BeforeEach(func() {
		storage = NewStorage(1 << 20)
	})

	It("should read zeroes from untouched memory", func() {
		data, err := storage.Read(0x1000, 16)

		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(Equal(make([]byte, 16)))
	})

	It("should read back written data", func() {
		Expect(storage.Write(0x1000, []byte{1, 2, 3, 4})).To(Succeed())

		data, err := storage.Read(0x1000, 4)
		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(Equal([]byte{1, 2, 3, 4}))
	})

	It("should support accesses that cross frames", func() {
		payload := make([]byte, 8192)
		for i := range payload {
			payload[i] = byte(i)
		}

		Expect(storage.Write(4000, payload)).To(Succeed())

		data, err := storage.Read(4000, 8192)
		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(Equal(payload))
	})

	It("should refuse out-of-capacity accesses", func() {
		_, err := storage.Read(1<<20-4, 8)
		Expect(err).To(HaveOccurred())

		Expect(storage.Write(1<<20-4, make([]byte, 8))).ToNot(Succeed())
	})

	It("should memset a range", func() {
		Expect(storage.Memset(0x2000, 0xAB, 32)).To(Succeed())

		data, _ := storage.Read(0x2000, 33)
		Expect(data[31]).To(Equal(byte(0xAB)))
		Expect(data[32]).To(Equal(byte(0)))
	})
})
