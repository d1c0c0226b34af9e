// Package bootinfo describes the boot handoff record: a packed,
// little-endian structure the bootloader hands to the kernel. The binary
// layout uses binary.Read/Write over a fixed-size struct rather than any
// ad-hoc parsing.
package bootinfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the boot handoff magic value, little-endian "kiwi".
const Magic uint32 = 0x6b697769

// MemoryType classifies a memory-map range.
type MemoryType uint32

const (
	MemoryUsable MemoryType = iota
	MemoryReserved
	MemoryACPIReclaimable
	MemoryACPINVS
	MemoryBad
)

func (t MemoryType) String() string {
	switch t {
	case MemoryUsable:
		return "usable"
	case MemoryReserved:
		return "reserved"
	case MemoryACPIReclaimable:
		return "acpi-reclaimable"
	case MemoryACPINVS:
		return "acpi-nvs"
	case MemoryBad:
		return "bad"
	default:
		return "unknown"
	}
}

// FirmwareType distinguishes BIOS from UEFI handoff.
type FirmwareType uint8

const (
	FirmwareBIOS FirmwareType = iota
	FirmwareUEFI
)

// MemoryMapEntry is one packed {base, length, type, acpi_flags} record.
type MemoryMapEntry struct {
	Base      uint64
	Length    uint64
	Type      MemoryType
	ACPIFlags uint32
}

func (e MemoryMapEntry) End() uint64 { return e.Base + e.Length }

// rawHeader is the fixed-size, packed prefix of the boot handoff record.
// The memory map itself is variable-length and handled out of band by
// Handoff.MemoryMap, mirroring how the bootloader hands over a pointer
// plus count rather than an inline array.
type rawHeader struct {
	Magic              uint32
	Revision           uint32
	FirmwareType       uint8
	_                  [7]byte // alignment padding before the u64 fields
	InitrdBase         uint64
	InitrdSize         uint64
	MemoryMapPtr       uint64
	LowestFreeAddress  uint64
	MemoryMapEntries   uint32
	MemoryMapSource    uint8
	_                  [3]byte
	ACPIRSDP           uint64
	VideoMemory        uint64
	Framebuffer        uint64
	FramebufferWidth   uint32
	FramebufferHeight  uint32
	FramebufferPitch   uint32
	FramebufferBPP     uint8
	BIOSBootDisk       uint8
	BIOSBootPartition  [16]byte
	CommandLine        [512]byte
}

// Handoff is the parsed boot handoff record: immutable after
// construction, since the memory map is immutable after handoff.
type Handoff struct {
	Revision          uint32
	FirmwareType      FirmwareType
	InitrdBase        uint64
	InitrdSize        uint64
	LowestFreeAddress uint64
	ACPIRSDP          uint64
	VideoMemory       uint64
	Framebuffer       uint64
	FramebufferWidth  uint32
	FramebufferHeight uint32
	FramebufferPitch  uint32
	FramebufferBPP    uint8
	BIOSBootDisk      uint8
	BIOSBootPartition [16]byte
	CommandLine       string
	MemoryMap         []MemoryMapEntry
}

var (
	ErrBadMagic      = errors.New("bootinfo: bad magic")
	ErrNotPageAlign  = errors.New("bootinfo: lowest_free_address is not page-aligned")
	ErrOverlapping   = errors.New("bootinfo: usable memory-map ranges overlap")
	ErrCommandLine   = errors.New("bootinfo: command line exceeds 512 bytes")
)

const pageSize = 0x1000

// Parse decodes a packed handoff record plus its out-of-band memory map
// from raw bytes (as produced by binary.Write in the accompanying test
// helpers), validating its invariants.
func Parse(headerBytes []byte, entries []MemoryMapEntry) (*Handoff, error) {
	var raw rawHeader

	r := bytes.NewReader(headerBytes)
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return nil, fmt.Errorf("bootinfo: decode header: %w", err)
	}

	if raw.Magic != Magic {
		return nil, ErrBadMagic
	}

	if raw.LowestFreeAddress%pageSize != 0 {
		return nil, ErrNotPageAlign
	}

	if err := validateDisjoint(entries); err != nil {
		return nil, err
	}

	cmdline := raw.CommandLine[:]
	if n := bytes.IndexByte(cmdline, 0); n >= 0 {
		cmdline = cmdline[:n]
	}

	h := &Handoff{
		Revision:          raw.Revision,
		FirmwareType:      FirmwareType(raw.FirmwareType),
		InitrdBase:        raw.InitrdBase,
		InitrdSize:        raw.InitrdSize,
		LowestFreeAddress: raw.LowestFreeAddress,
		ACPIRSDP:          raw.ACPIRSDP,
		VideoMemory:       raw.VideoMemory,
		Framebuffer:       raw.Framebuffer,
		FramebufferWidth:  raw.FramebufferWidth,
		FramebufferHeight: raw.FramebufferHeight,
		FramebufferPitch:  raw.FramebufferPitch,
		FramebufferBPP:    raw.FramebufferBPP,
		BIOSBootDisk:      raw.BIOSBootDisk,
		BIOSBootPartition: raw.BIOSBootPartition,
		CommandLine:       string(cmdline),
		MemoryMap:         append([]MemoryMapEntry(nil), entries...),
	}

	return h, nil
}

// validateDisjoint enforces "usable ranges are disjoint". Reserved/
// ACPI/bad ranges may legitimately overlap firmware-reported usable
// ranges in real firmware tables, so only usable-vs-usable overlap is an
// error here.
func validateDisjoint(entries []MemoryMapEntry) error {
	usable := make([]MemoryMapEntry, 0, len(entries))

	for _, e := range entries {
		if e.Type == MemoryUsable {
			usable = append(usable, e)
		}
	}

	for i := 0; i < len(usable); i++ {
		for j := i + 1; j < len(usable); j++ {
			a, b := usable[i], usable[j]
			if a.Base < b.End() && b.Base < a.End() {
				return ErrOverlapping
			}
		}
	}

	return nil
}

// UsableRanges returns the handoff's usable memory-map entries in base
// order.
func (h *Handoff) UsableRanges() []MemoryMapEntry {
	out := make([]MemoryMapEntry, 0, len(h.MemoryMap))

	for _, e := range h.MemoryMap {
		if e.Type == MemoryUsable {
			out = append(out, e)
		}
	}

	return out
}

// HighestAddress returns the supremum of every memory-map entry's end
// address, used by the PMM to size the bitmap and by the VMM to size the
// HHDM sentinel region.
func (h *Handoff) HighestAddress() uint64 {
	var highest uint64

	for _, e := range h.MemoryMap {
		if e.End() > highest {
			highest = e.End()
		}
	}

	return highest
}
