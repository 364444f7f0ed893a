package mem

import (
	"fmt"
	"sync"
)

// A Storage keeps the data of the simulated memory. It is implemented as
// a sparse collection of frames so that large address spaces can be
// simulated without allocating them up front.
type Storage struct {
	sync.Mutex

	Capacity  uint64
	frameSize uint64
	frames    map[uint64][]byte
}

// NewStorage creates a storage of a given size.
func NewStorage(capacity uint64) *Storage {
	s := &Storage{
		Capacity:  capacity,
		frameSize: 4096,
		frames:    make(map[uint64][]byte),
	}
	return s
}

func (s *Storage) frame(addr uint64) []byte {
	frameID := addr / s.frameSize
	frame, found := s.frames[frameID]
	if !found {
		frame = make([]byte, s.frameSize)
		s.frames[frameID] = frame
	}
	return frame
}

// Read returns the data of a given size at a certain address.
func (s *Storage) Read(addr uint64, size uint64) ([]byte, error) {
	if addr+size > s.Capacity {
		return nil, fmt.Errorf(
			"accessing bytes %d-%d, but the capacity is %d",
			addr, addr+size, s.Capacity)
	}

	s.Lock()
	defer s.Unlock()

	data := make([]byte, size)
	for i := uint64(0); i < size; {
		frame := s.frame(addr + i)
		offset := (addr + i) % s.frameSize
		n := copy(data[i:], frame[offset:])
		i += uint64(n)
	}

	return data, nil
}

// Write updates the storage with the given data at a certain address.
func (s *Storage) Write(addr uint64, data []byte) error {
	size := uint64(len(data))
	if addr+size > s.Capacity {
		return fmt.Errorf(
			"accessing bytes %d-%d, but the capacity is %d",
			addr, addr+size, s.Capacity)
	}

	s.Lock()
	defer s.Unlock()

	for i := uint64(0); i < size; {
		frame := s.frame(addr + i)
		offset := (addr + i) % s.frameSize
		n := copy(frame[offset:], data[i:])
		i += uint64(n)
	}

	return nil
}

// Memset fills a range of the storage with a byte value.
func (s *Storage) Memset(addr uint64, value byte, size uint64) error {
	data := make([]byte, size)
	for i := range data {
		data[i] = value
	}
	return s.Write(addr, data)
}
