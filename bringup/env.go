package bringup

import (
	"bytes"
	"encoding/binary"
	"log"
)

// Limits of the kernel environment.
const (
	MaxMods    = 64
	MaxPEs     = 1024
	MaxMemMods = 4

	// PE types published in the kernel environment.
	PeTypeIMem = 0
	PeTypeEMem = 1
	PeTypeMem  = 2
)

// A BootModule describes one loaded module.
type BootModule struct {
	Name [128]byte
	Addr uint64
	Size uint64
}

// BootModuleSize is the packed size of a BootModule.
const BootModuleSize = 128 + 8 + 8

// Pack encodes the boot module descriptor.
func (m *BootModule) Pack() []byte {
	buf := new(bytes.Buffer)
	buf.Write(m.Name[:])
	binary.Write(buf, binary.LittleEndian, m.Addr)
	binary.Write(buf, binary.LittleEndian, m.Size)
	return buf.Bytes()
}

// A MemPEDesc describes one memory module.
type MemPEDesc struct {
	Pe   uint64
	Offs uint64
	Size uint64
}

// A KernelEnv is the environment published to the initial kernel: the
// loaded modules, the PE type array, and the memory modules.
//
// A PE array entry encodes the core id in bits 63..54, the internal
// memory size in the middle bits, and the PE type in the low bits.
type KernelEnv struct {
	Mods            [MaxMods]uint64
	PeCount         uint64
	Pes             [MaxPEs]uint64
	KernelID        uint32
	CreatorKernelID uint32
	CreatorCore     uint32
	CreatorThread   int32
	CreatorEp       int32
	MemMods         [MaxMemMods]MemPEDesc
	MemOffset       uint64
}

// KernelEnvSize is the packed size of a KernelEnv.
const KernelEnvSize = MaxMods*8 + 8 + MaxPEs*8 + 4*5 + 4 + MaxMemMods*24 + 8

// Pack encodes the kernel environment.
func (e *KernelEnv) Pack() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, e.Mods)
	binary.Write(buf, binary.LittleEndian, e.PeCount)
	binary.Write(buf, binary.LittleEndian, e.Pes)
	binary.Write(buf, binary.LittleEndian, e.KernelID)
	binary.Write(buf, binary.LittleEndian, e.CreatorKernelID)
	binary.Write(buf, binary.LittleEndian, e.CreatorCore)
	binary.Write(buf, binary.LittleEndian, e.CreatorThread)
	binary.Write(buf, binary.LittleEndian, e.CreatorEp)
	binary.Write(buf, binary.LittleEndian, uint32(0)) // padding
	binary.Write(buf, binary.LittleEndian, e.MemMods)
	binary.Write(buf, binary.LittleEndian, e.MemOffset)

	if buf.Len() != KernelEnvSize {
		log.Panicf("kernel env packed to %d bytes, want %d",
			buf.Len(), KernelEnvSize)
	}
	return buf.Bytes()
}

// A StartEnv is written at RtStart for the program running on the PE.
type StartEnv struct {
	CoreID   uint64
	Argc     uint32
	Argv     uint64
	HeapSize uint64
	KEnv     uint64
	Pe       uint64
}

// StartEnvSize is the packed size of a StartEnv.
const StartEnvSize = 8 + 4 + 4 + 8 + 8 + 8 + 8

// Pack encodes the start environment.
func (e *StartEnv) Pack() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, e.CoreID)
	binary.Write(buf, binary.LittleEndian, e.Argc)
	binary.Write(buf, binary.LittleEndian, uint32(0)) // padding
	binary.Write(buf, binary.LittleEndian, e.Argv)
	binary.Write(buf, binary.LittleEndian, e.HeapSize)
	binary.Write(buf, binary.LittleEndian, e.KEnv)
	binary.Write(buf, binary.LittleEndian, e.Pe)
	return buf.Bytes()
}
