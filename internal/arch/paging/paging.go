// Package paging implements the architecture layer's 4-level page-table
// mapper: map/unmap/get over a CR3-identified table tree, 4KiB
// base pages with optional 2MiB large pages, lazy intermediate-table
// allocation from the PMM, and kernel-upper-half cloning for new address
// spaces.
//
// Page tables are real x86-64 page-table format (entries packed exactly
// as PTE_P/PTE_W/PTE_U/PTE_PS/PTE_PCD/PTE_ADDR) written into the same
// simulated physical RAM arena the PMM hands out frames from — CR3 is
// simply the physical address of a PML4 frame inside that arena.
package paging

import (
	"errors"

	"github.com/jewelcodes/kiwi/internal/pmm"
)

// Page table entry bits, ported verbatim (names and values) from the
// pack's biscuit mem.go.
const (
	PTE_P   uint64 = 1 << 0
	PTE_W   uint64 = 1 << 1
	PTE_U   uint64 = 1 << 2
	PTE_PCD uint64 = 1 << 4
	PTE_PS  uint64 = 1 << 7
	PTE_G   uint64 = 1 << 8
	PTE_NX  uint64 = 1 << 63
	PTE_ADDR uint64 = 0x000f_ffff_ffff_f000
)

const (
	PageSize      = 0x1000
	LargePageSize = 0x20_0000

	entriesPerTable = 512
	pml4Shift       = 39
	pdptShift       = 30
	pdShift         = 21
	ptShift         = 12
	indexMask       = 0x1FF
)

// Prot is the region-protection bitset shared with the VMM's region
// nodes: read/write/exec/user.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
	ProtUser
)

func (p Prot) toPTEBits() uint64 {
	bits := PTE_P

	if p&ProtWrite != 0 {
		bits |= PTE_W
	}

	if p&ProtUser != 0 {
		bits |= PTE_U
	}

	if p&ProtExec == 0 {
		bits |= PTE_NX
	}

	return bits
}

func fromPTEBits(bits uint64) Prot {
	var p Prot

	p |= ProtRead // present entries are always readable

	if bits&PTE_W != 0 {
		p |= ProtWrite
	}

	if bits&PTE_U != 0 {
		p |= ProtUser
	}

	if bits&PTE_NX == 0 {
		p |= ProtExec
	}

	return p
}

var (
	ErrNotMapped     = errors.New("paging: address not mapped")
	ErrAlreadyMapped = errors.New("paging: address already mapped")
)

// Mapper is the page-table mapper: it allocates intermediate tables from
// pmm and reads/writes entries in pmm's RAM arena.
type Mapper struct {
	pmm        *pmm.PMM
	currentCR3 uint64
	kernelCR3  uint64
}

// New creates a Mapper backed by p, with no kernel root installed yet
// (set via SetKernelRoot once the VMM has built the kernel's sentinel
// mappings during init).
func New(p *pmm.PMM) *Mapper {
	return &Mapper{pmm: p}
}

// SetKernelRoot records cr3 as the kernel's page-table root; NewPageTables
// clones its upper half (entries 256..511) into every new address space.
func (m *Mapper) SetKernelRoot(cr3 uint64) { m.kernelCR3 = cr3 }

func (m *Mapper) ram() []byte { return m.pmm.RAM() }

func (m *Mapper) readEntry(tableBase uint64, idx int) uint64 {
	off := tableBase + uint64(idx)*8
	ram := m.ram()

	return uint64(ram[off]) | uint64(ram[off+1])<<8 | uint64(ram[off+2])<<16 | uint64(ram[off+3])<<24 |
		uint64(ram[off+4])<<32 | uint64(ram[off+5])<<40 | uint64(ram[off+6])<<48 | uint64(ram[off+7])<<56
}

func (m *Mapper) writeEntry(tableBase uint64, idx int, v uint64) {
	off := tableBase + uint64(idx)*8
	ram := m.ram()

	for i := 0; i < 8; i++ {
		ram[off+uint64(i)] = byte(v >> (8 * i))
	}
}

func indices(va uint64) (pml4, pdpt, pd, pt int) {
	pml4 = int((va >> pml4Shift) & indexMask)
	pdpt = int((va >> pdptShift) & indexMask)
	pd = int((va >> pdShift) & indexMask)
	pt = int((va >> ptShift) & indexMask)

	return
}

// walk descends from tableBase toward the leaf table that would hold
// va's PTE, allocating missing intermediate tables from the PMM when
// create is true. It stops one level early if it hits a large-page PDE.
func (m *Mapper) walk(tableBase, va uint64, create bool) (leafTable uint64, leafIdx int, largeEntry uint64, isLarge bool, err error) {
	pml4i, pdpti, pdi, pti := indices(va)

	next := func(base uint64, idx int) (uint64, error) {
		entry := m.readEntry(base, idx)
		if entry&PTE_P != 0 {
			return entry & PTE_ADDR, nil
		}

		if !create {
			return 0, ErrNotMapped
		}

		frame := m.pmm.AllocPage()
		if frame == 0 {
			return 0, errors.New("paging: out of physical memory for table")
		}

		zeroTable(m.ram(), frame)
		m.writeEntry(base, idx, frame|PTE_P|PTE_W|PTE_U)

		return frame, nil
	}

	pdptBase, err := next(tableBase, pml4i)
	if err != nil {
		return 0, 0, 0, false, err
	}

	pdBase, err := next(pdptBase, pdpti)
	if err != nil {
		return 0, 0, 0, false, err
	}

	pdEntry := m.readEntry(pdBase, pdi)
	if pdEntry&PTE_P != 0 && pdEntry&PTE_PS != 0 {
		return pdBase, pdi, pdEntry, true, nil
	}

	ptBase, err := next(pdBase, pdi)
	if err != nil {
		return 0, 0, 0, false, err
	}

	return ptBase, pti, 0, false, nil
}

func zeroTable(ram []byte, frame uint64) {
	for i := uint64(0); i < PageSize; i++ {
		ram[frame+i] = 0
	}
}

// Map installs a 4KiB mapping va -> pa with the given protections,
// returning va (or 0 on failure).
func (m *Mapper) Map(cr3, va, pa uint64, prot Prot) uint64 {
	table, idx, _, isLarge, err := m.walk(cr3, va, true)
	if err != nil || isLarge {
		return 0
	}

	existing := m.readEntry(table, idx)
	if existing&PTE_P != 0 {
		return 0
	}

	m.writeEntry(table, idx, (pa&PTE_ADDR)|prot.toPTEBits())

	return va
}

// MapLarge installs a 2MiB mapping at the PD level. walk() always
// descends all the way to the PT, so large pages allocate their PML4/PDPT
// tables directly here instead of reusing it.
func (m *Mapper) MapLarge(cr3, va, pa uint64, prot Prot) error {
	pml4i, pdpti, pdi, _ := indices(va)

	pml4Entry := m.readEntry(cr3, pml4i)
	if pml4Entry&PTE_P == 0 {
		frame := m.pmm.AllocPage()
		if frame == 0 {
			return errors.New("paging: out of physical memory for table")
		}

		zeroTable(m.ram(), frame)
		m.writeEntry(cr3, pml4i, frame|PTE_P|PTE_W|PTE_U)
		pml4Entry = m.readEntry(cr3, pml4i)
	}

	pdptTable := pml4Entry & PTE_ADDR

	pdptEntry := m.readEntry(pdptTable, pdpti)
	if pdptEntry&PTE_P == 0 {
		frame := m.pmm.AllocPage()
		if frame == 0 {
			return errors.New("paging: out of physical memory for table")
		}

		zeroTable(m.ram(), frame)
		m.writeEntry(pdptTable, pdpti, frame|PTE_P|PTE_W|PTE_U)
		pdptEntry = m.readEntry(pdptTable, pdpti)
	}

	pdTable := pdptEntry & PTE_ADDR

	if m.readEntry(pdTable, pdi)&PTE_P != 0 {
		return ErrAlreadyMapped
	}

	m.writeEntry(pdTable, pdi, (pa&PTE_ADDR)|PTE_PS|prot.toPTEBits())

	return nil
}

// Unmap clears va's mapping.
func (m *Mapper) Unmap(cr3, va uint64) error {
	table, idx, _, _, err := m.walk(cr3, va, false)
	if err != nil {
		return err
	}

	if m.readEntry(table, idx)&PTE_P == 0 {
		return ErrNotMapped
	}

	m.writeEntry(table, idx, 0)

	return nil
}

// Get returns the physical address and protection bits va is mapped to,
// or ok=false if unmapped.
func (m *Mapper) Get(cr3, va uint64) (pa uint64, prot Prot, ok bool) {
	table, idx, largeEntry, isLarge, err := m.walk(cr3, va, false)
	if err != nil {
		return 0, 0, false
	}

	if isLarge {
		return largeEntry & PTE_ADDR, fromPTEBits(largeEntry), true
	}

	entry := m.readEntry(table, idx)
	if entry&PTE_P == 0 {
		return 0, 0, false
	}

	return entry & PTE_ADDR, fromPTEBits(entry), true
}

// NewPageTables allocates a fresh PML4 and clones the kernel's upper
// half into it.
func (m *Mapper) NewPageTables() (uint64, error) {
	frame := m.pmm.AllocPage()
	if frame == 0 {
		return 0, errors.New("paging: out of physical memory for PML4")
	}

	zeroTable(m.ram(), frame)

	if m.kernelCR3 != 0 {
		for i := entriesPerTable / 2; i < entriesPerTable; i++ {
			m.writeEntry(frame, i, m.readEntry(m.kernelCR3, i))
		}
	}

	return frame, nil
}

// SwitchPageTables records cr3 as the currently active root (the
// simulated stand-in for `mov cr3, rax`).
func (m *Mapper) SwitchPageTables(cr3 uint64) { m.currentCR3 = cr3 }

// CurrentCR3 returns the last value passed to SwitchPageTables.
func (m *Mapper) CurrentCR3() uint64 { return m.currentCR3 }

// SetUncacheable marks va's PTE with PCD, used for MMIO windows.
func (m *Mapper) SetUncacheable(cr3, va uint64) error {
	table, idx, _, isLarge, err := m.walk(cr3, va, false)
	if err != nil {
		return err
	}

	if isLarge {
		return errors.New("paging: SetUncacheable on large page unsupported")
	}

	entry := m.readEntry(table, idx)
	if entry&PTE_P == 0 {
		return ErrNotMapped
	}

	m.writeEntry(table, idx, entry|PTE_PCD)

	return nil
}
