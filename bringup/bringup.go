package bringup

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/sarchlab/dtusim/dtu"
)

// Config describes the system a PE is brought up in.
type Config struct {
	// Pes holds one descriptor per PE: bit 0 marks a memory PE (the
	// upper bits hold its size), a non-zero remainder is the internal
	// memory size, and zero selects paging.
	Pes []uint64

	CommandLine string

	CoreID    uint32
	MemPE     uint32
	MemOffset uint64
	MemSize   uint64
	ModOffset uint64
	ModSize   uint64

	Separators []string

	// LoadModule reads one boot module from disk. Defaults to reading
	// the file from the kernel's directory.
	LoadModule func(dir, name string) ([]byte, error)
}

// A System performs the bringup of one PE through functional NoC
// accesses.
type System struct {
	cfg Config
	noc MemWriter
}

// NewSystem creates a bringup system on top of a functional NoC writer.
func NewSystem(cfg Config, noc MemWriter) *System {
	if cfg.Separators == nil {
		cfg.Separators = DefaultSeparators
	}
	if cfg.LoadModule == nil {
		cfg.LoadModule = func(dir, name string) ([]byte, error) {
			return os.ReadFile(filepath.Join(dir, name))
		}
	}
	return &System{cfg: cfg, noc: noc}
}

// UsesPaging tells whether the PE has no internal memory and therefore
// translates all addresses.
func (s *System) UsesPaging() bool {
	return s.cfg.Pes[s.cfg.CoreID]&^uint64(DescMemPE) == 0
}

// DescMemPE marks a memory PE in a descriptor.
const DescMemPE = 1

// RootPt returns the NoC address of this PE's root page table.
func (s *System) RootPt() dtu.NocAddr {
	return dtu.NewNocAddr(s.cfg.MemPE, 0, s.cfg.MemOffset)
}

// localAddr converts a PE-local physical address into the NoC address
// the functional write must target: external memory for paging PEs,
// the tile's own memory otherwise.
func (s *System) localAddr(addr uint64) uint64 {
	if s.UsesPaging() {
		return dtu.NewNocAddr(s.cfg.MemPE, 0,
			s.cfg.MemOffset+addr).GetAddr()
	}
	return dtu.NewNocAddr(s.cfg.CoreID, 0, addr).GetAddr()
}

func (s *System) writeLocal(addr uint64, data []byte) {
	s.noc.WriteBlob(s.localAddr(addr), data)
}

// InitState plants the initial page tables, the boot modules, the
// kernel environment, and the start environment of this PE.
func (s *System) InitState(kernel KernelImage) error {
	if len(s.cfg.Pes) > MaxPEs {
		return fmt.Errorf("too many PEs (%d vs. %d)", len(s.cfg.Pes), MaxPEs)
	}

	if s.UsesPaging() {
		ptb := NewPageTableBuilder(s.noc, s.cfg.MemPE, s.cfg.MemOffset)
		ptb.MapMemory(kernel, s.cfg.MemSize, s.cfg.ModOffset != 0)
	}

	env := StartEnv{
		CoreID: uint64(s.cfg.CoreID),
		Argc:   uint32(Argc(s.cfg.CommandLine)),
	}

	argv := uint64(RtStart + StartEnvSize)
	// for the kernel, argv starts behind room for a kernel env; the
	// kernel env itself is written behind the boot modules
	// (writeKernelEnv)
	if s.cfg.ModOffset != 0 {
		argv += KernelEnvSize
	}
	args := argv + 8*uint64(env.Argc)
	env.Argv = argv

	// with paging, the kernel gets an initial heap mapped; otherwise it
	// uses all internal memory
	if s.UsesPaging() {
		env.HeapSize = HeapSize
	}

	if uint64(len(s.cfg.CommandLine))+1+args > RtStart+RtSize {
		return fmt.Errorf("command line %q is too long", s.cfg.CommandLine)
	}

	kernelPath := s.writeArgs(argv, args)

	if s.cfg.ModOffset != 0 {
		kenvAddr, err := s.writeKernelEnv(kernelPath)
		if err != nil {
			return err
		}
		env.KEnv = kenvAddr
		env.Pe = s.peDescriptor(int(s.cfg.CoreID))
	}

	s.writeLocal(RtStart, env.Pack())

	return nil
}

// writeArgs writes the argv pointer array and the argument strings into
// the runtime state area and returns the kernel's directory.
func (s *System) writeArgs(argv, args uint64) string {
	kernelPath, _ := ExtractModules(s.cfg.CommandLine, s.cfg.Separators)

	i := 0
	for _, arg := range strings.Fields(s.cfg.CommandLine) {
		ptr := make([]byte, 8)
		binary.LittleEndian.PutUint64(ptr, args)
		s.writeLocal(argv+uint64(i)*8, ptr)

		s.writeLocal(args, append([]byte(arg), 0))
		args += uint64(len(arg)) + 1
		i++
	}

	return kernelPath
}

// writeKernelEnv loads all boot modules into external memory and
// publishes the kernel environment behind them. Returns the address of
// the environment.
func (s *System) writeKernelEnv(kernelPath string) (uint64, error) {
	_, mods := ExtractModules(s.cfg.CommandLine, s.cfg.Separators)

	// idle is always needed
	mods = append(mods, Module{Name: "idle"})

	if len(mods) > MaxMods {
		return 0, fmt.Errorf("too many modules (%d)", len(mods))
	}

	var kenv KernelEnv

	addr := dtu.NewNocAddr(s.cfg.MemPE, 0, s.cfg.ModOffset).GetAddr()
	for i, mod := range mods {
		data, err := s.cfg.LoadModule(kernelPath, mod.Name)
		if err != nil {
			return 0, fmt.Errorf("unable to load %q: %w", mod.Name, err)
		}
		s.noc.WriteBlob(addr, data)

		var bmod BootModule
		if len(mod.Name)+1 > len(bmod.Name) {
			return 0, fmt.Errorf("module name too long: %s", mod.Name)
		}
		copy(bmod.Name[:], mod.Name)
		bmod.Addr = addr
		bmod.Size = uint64(len(data))

		log.Printf("loaded '%s' to %#x .. %#x",
			mod.Name, bmod.Addr, bmod.Addr+bmod.Size)

		// the module info goes right behind the module, 8-byte aligned
		kenv.Mods[i] = (addr + bmod.Size + 7) &^ uint64(7)
		s.noc.WriteBlob(kenv.Mods[i], bmod.Pack())

		addr = kenv.Mods[i] + BootModuleSize
		addr = (addr + dtu.PageSize - 1) &^ uint64(dtu.PageMask)
	}

	kenv.PeCount = uint64(len(s.cfg.Pes))
	j := 0
	for i := range s.cfg.Pes {
		kenv.Pes[i] = s.peDescriptor(i)

		if s.cfg.Pes[i]&DescMemPE != 0 {
			if j >= MaxMemMods {
				return 0, fmt.Errorf("too many memory modules")
			}
			kenv.MemMods[j] = MemPEDesc{
				Pe:   uint64(i),
				Offs: 0,
				Size: s.cfg.Pes[i] &^ uint64(0x7),
			}
			log.Printf("defined memory module, pe: %d size: %d",
				i, kenv.MemMods[j].Size)
			j++
		}
	}

	// the initial kernel is identified by being created by itself
	kenv.KernelID = 0
	kenv.CreatorKernelID = 0

	kenvAddr := addr
	s.noc.WriteBlob(kenvAddr, kenv.Pack())
	addr += KernelEnvSize

	end := dtu.NewNocAddr(s.cfg.MemPE, 0,
		s.cfg.ModOffset+s.cfg.ModSize).GetAddr()
	if addr > end {
		return 0, fmt.Errorf("modules are too large (%d over)", addr-end)
	}

	return kenvAddr, nil
}

// peDescriptor encodes one PE array entry: core id in bits 63..54, the
// internal memory size in the middle, and the PE type in the low bits.
func (s *System) peDescriptor(i int) uint64 {
	desc := s.cfg.Pes[i]

	var entry uint64
	switch {
	case desc&DescMemPE != 0:
		entry = PeTypeMem
	case desc&^uint64(DescMemPE) != 0:
		entry = PeTypeIMem
	default:
		entry = PeTypeEMem
	}
	entry |= uint64(i) << 54
	entry |= desc &^ uint64(DescMemPE)
	return entry
}
