// Package pmm implements the hierarchical-bitmap physical page allocator:
// lock-free compare-and-swap updates across bitmap layers with an
// O(layers) bound on alloc/free.
//
// Real physical RAM isn't addressable from a userland Go process, so the
// engine models it the way gopher-os and biscuit model it in-kernel: a
// single contiguous byte arena starting at physical address 0, the
// hierarchical bitmap itself living inside that same arena immediately
// after the kernel image. internal/arch/paging and internal/vmm
// dereference physical addresses by indexing this arena (their stand-in
// for the HHDM).
package pmm

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/cenkalti/backoff/v4"

	"github.com/jewelcodes/kiwi/internal/bitmap"
	"github.com/jewelcodes/kiwi/internal/bootinfo"
	"github.com/jewelcodes/kiwi/internal/kerr"
)

const (
	// PageSize is the frame size layer 0 of the bitmap is indexed by.
	PageSize = 0x1000

	// Retries bounds the number of top-level restarts AllocPage performs
	// on CAS contention.
	Retries = 8

	fanout = 64
)

var ErrNoUsableMemory = errors.New("pmm: no usable memory in boot handoff")

// PMM is the physical memory manager's global singleton: in production
// there is exactly one, initialised once at boot.
type PMM struct {
	ram []byte

	layerByteOffset []uint64
	layerBitSize    []uint64
	bitmapByteStart uint64

	hierarchy bitmap.Hierarchy[uint64]

	total, hwReserved, usableBytes uint64
	used                           atomic.Uint64
	highestAddress                 uint64
}

// New allocates the simulated physical RAM arena and initialises the
// bitmap: parse the memory map, compute totals, place the bitmap at
// align_up(lowest_free_address), fill the leaf layer used then clear
// usable ranges, build parent layers by the AND rule, then mark every page
// below the bitmap and finally the bitmap's own overhead pages used.
func New(h *bootinfo.Handoff) (*PMM, error) {
	usable := h.UsableRanges()
	if len(usable) == 0 {
		return nil, ErrNoUsableMemory
	}

	highest := h.HighestAddress()

	p := &PMM{
		ram:            make([]byte, highest),
		highestAddress: highest,
	}

	for _, e := range h.MemoryMap {
		p.total += e.Length
		if e.Type == bootinfo.MemoryUsable {
			p.usableBytes += e.Length
		} else {
			p.hwReserved += e.Length
		}
	}

	leafBits := (highest + PageSize - 1) / PageSize
	sizes := bitmap.LayerSizes[uint64](leafBits)

	p.layerBitSize = sizes
	p.layerByteOffset = make([]uint64, len(sizes))

	var offset uint64

	for i, bits := range sizes {
		p.layerByteOffset[i] = offset
		words := (bits + 63) / 64
		offset += words * 8
	}

	p.bitmapByteStart = alignUp(h.LowestFreeAddress, PageSize)
	if p.bitmapByteStart+offset > highest {
		return nil, kerr.New(kerr.KindOutOfMemory, "pmm.New", errors.New("no room for bitmap"))
	}

	p.hierarchy = bitmap.Hierarchy[uint64]{Storage: &ramStorage{pmm: p}, Fanout: fanout}

	p.fillInitial(usable)
	// Everything below the bitmap (the kernel image and whatever else lies
	// under lowest_free_address) stays in use.
	p.markRangeUsed(0, p.bitmapByteStart)
	overheadPages := (offset + PageSize - 1) / PageSize
	p.markRangeUsed(p.bitmapByteStart, overheadPages*PageSize)
	p.used.Add(overheadPages * PageSize)

	return p, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// fillInitial sets every leaf bit used, then clears usable ranges, then
// builds every parent layer with the AND rule — all with direct writes,
// since Init runs single-threaded before any concurrent allocation.
func (p *PMM) fillInitial(usable []bootinfo.MemoryMapEntry) {
	leafWords := (p.layerBitSize[0] + 63) / 64
	for i := uint64(0); i < leafWords; i++ {
		p.writeWordDirect(0, int(i), ^uint64(0))
	}

	for _, r := range usable {
		firstPage := r.Base / PageSize
		lastPage := (r.Base + r.Length) / PageSize

		for pg := firstPage; pg < lastPage; pg++ {
			p.clearLeafBitDirect(pg)
		}
	}

	p.rebuildParentLayers()
}

// rebuildParentLayers recomputes every layer above the leaf from scratch
// via the AND rule. Only used at Init time (fillInitial, markRangeUsed),
// never on the hot alloc/free path, so an O(bits) full pass is fine.
func (p *PMM) rebuildParentLayers() {
	for layer := 1; layer < len(p.layerBitSize); layer++ {
		childWords := (p.layerBitSize[layer-1] + 63) / 64
		words := (p.layerBitSize[layer] + 63) / 64

		for w := uint64(0); w < words; w++ {
			var parent uint64

			for bit := uint64(0); bit < 64; bit++ {
				childIdx := w*64 + bit
				if childIdx >= childWords {
					break
				}

				childWord := p.readWordDirect(layer-1, int(childIdx))
				if childWord == ^uint64(0) {
					parent |= 1 << bit
				}
			}

			p.writeWordDirect(layer, int(w), parent)
		}
	}
}

func (p *PMM) clearLeafBitDirect(page uint64) {
	wordIdx := page / 64
	bit := page % 64
	w := p.readWordDirect(0, int(wordIdx))
	p.writeWordDirect(0, int(wordIdx), w&^(1<<bit))
}

// markRangeUsed sets leaf bits for [base, base+length) and rebuilds the
// affected parent bits, used at Init time for the pages below the bitmap
// and for the bitmap's own overhead pages.
func (p *PMM) markRangeUsed(base, length uint64) {
	first := base / PageSize
	last := (base + length + PageSize - 1) / PageSize

	for pg := first; pg < last; pg++ {
		wordIdx := pg / 64
		bit := pg % 64
		w := p.readWordDirect(0, int(wordIdx))
		p.writeWordDirect(0, int(wordIdx), w|(1<<bit))
	}

	p.rebuildParentLayers()
}

func (p *PMM) wordPtr(layer, idx int) *uint64 {
	off := p.bitmapByteStart + p.layerByteOffset[layer] + uint64(idx)*8

	return (*uint64)(unsafe.Pointer(&p.ram[off]))
}

func (p *PMM) readWordDirect(layer, idx int) uint64 {
	return atomic.LoadUint64(p.wordPtr(layer, idx))
}

func (p *PMM) writeWordDirect(layer, idx int, v uint64) {
	atomic.StoreUint64(p.wordPtr(layer, idx), v)
}

// ramStorage adapts PMM's byte arena to bitmap.Storage[uint64] via real
// atomic compare-and-swap, publishing the leaf bit before any parent bit.
type ramStorage struct {
	pmm *PMM
}

func (s *ramStorage) Depth() int { return len(s.pmm.layerBitSize) }

func (s *ramStorage) Words(layer int) int {
	return int((s.pmm.layerBitSize[layer] + 63) / 64)
}

func (s *ramStorage) ReadWord(layer, idx int) (uint64, error) {
	return atomic.LoadUint64(s.pmm.wordPtr(layer, idx)), nil
}

func (s *ramStorage) CompareAndSwapWord(layer, idx int, oldW, newW uint64) (bool, error) {
	return atomic.CompareAndSwapUint64(s.pmm.wordPtr(layer, idx), oldW, newW), nil
}

// AllocPage searches from the topmost layer downward for a free frame,
// returning its physical address or 0 on exhaustion. Top-level restarts
// on CAS contention are bounded by Retries and driven through
// backoff.Retry with no delay between attempts — the budget is a bounded
// loop, not a wall-clock deadline.
func (p *PMM) AllocPage() uint64 {
	var pageIdx uint64

	op := func() error {
		idx, err := p.hierarchy.Alloc(0)
		if err != nil {
			return err
		}

		pageIdx = idx

		return nil
	}

	boff := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(Retries))
	if err := backoff.Retry(op, boff); err != nil {
		return 0
	}

	p.used.Add(PageSize)

	return pageIdx * PageSize
}

// FreePage clears the leaf bit for pa and idempotently clears any parent
// bits that read as set.
func (p *PMM) FreePage(pa uint64) error {
	if pa%PageSize != 0 {
		return kerr.New(kerr.KindInvalidArgument, "pmm.FreePage", errors.New("unaligned address"))
	}

	if err := p.hierarchy.Free(pa / PageSize); err != nil {
		return err
	}

	p.used.Add(-uint64(PageSize))

	return nil
}

// Stats returns the physical memory manager's byte counters.
type Stats struct {
	Total, HardwareReserved, Usable, Used, HighestAddress uint64
}

func (p *PMM) Stats() Stats {
	return Stats{
		Total:            p.total,
		HardwareReserved: p.hwReserved,
		Usable:           p.usableBytes,
		Used:             p.used.Load(),
		HighestAddress:   p.highestAddress,
	}
}

// RAM exposes the simulated physical arena so the VMM/heap/arch layers
// can dereference physical addresses the way HHDM would in a real
// kernel. Index i of the returned slice is physical address i.
func (p *PMM) RAM() []byte { return p.ram }
