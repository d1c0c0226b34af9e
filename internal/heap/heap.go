// Package heap implements the kernel heap allocator: a first-fit,
// bump-and-split allocator carved out of a VMM region, guarded by a
// single global lock the way the VMM's own region tree is.
//
// Block headers live directly in simulated memory (the same RAM arena
// the PMM and page-table mapper already read and write through),
// packed and unpacked exactly the way the page-table mapper packs PTEs:
// no Go pointers are smuggled in, since virtual addresses here are
// plain uint64 offsets, not live memory this process owns.
package heap

import (
	"errors"
	"sync"

	"github.com/jewelcodes/kiwi/internal/arch/paging"
	"github.com/jewelcodes/kiwi/internal/vmm"
)

var (
	ErrOutOfMemory = errors.New("heap: no free block large enough")
	ErrBadFree     = errors.New("heap: free of unknown address")
)

const (
	minBlockSize = 64
	alignment    = 16

	// header layout: size(8) | flags(8) | next(8) | prev(8)
	headerSize   = 32
	offSize      = 0
	offFlags     = 8
	offNext      = 16
	offPrev      = 24
	flagFreeBit  = uint64(1)
)

// Heap is a bump-and-split allocator over a single reserved VMM region.
type Heap struct {
	mu     sync.Mutex
	vas    *vmm.VASpace
	base   uint64
	limit  uint64
	cursor uint64 // end of the span touched so far
	freeHd uint64 // virtual address of the first free block, 0 if none
}

// New reserves an initial span of the heap window and returns a Heap
// ready to serve allocations from it. No physical memory is touched
// until the first allocation faults pages in.
func New(vas *vmm.VASpace, base, limit, initialPages uint64) (*Heap, error) {
	addr, err := vas.Allocate(base, limit, initialPages, paging.ProtRead|paging.ProtWrite)
	if err != nil {
		return nil, err
	}

	return &Heap{
		vas:   vas,
		base:  addr,
		limit: limit,
	}, nil
}

func alignUp(n, to uint64) uint64 { return (n + to - 1) &^ (to - 1) }

// ensureMapped faults in every page spanned by [va, va+n) so the header
// and payload bytes can be written through the mapper.
func (h *Heap) ensureMapped(va, n uint64) error {
	start := va &^ (paging.PageSize - 1)
	end := alignUp(va+n, paging.PageSize)

	for p := start; p < end; p += paging.PageSize {
		if _, _, ok := h.vas.Mapper().Get(h.vas.CR3(), p); ok {
			continue
		}

		if err := h.vas.PageFault(p, false, true, false); err != nil {
			return err
		}
	}

	return nil
}

func (h *Heap) ram() []byte { return h.vas.PMM().RAM() }

func (h *Heap) resolve(va uint64) (uint64, error) {
	pa, _, ok := h.vas.Mapper().Get(h.vas.CR3(), va&^(paging.PageSize-1))
	if !ok {
		return 0, errors.New("heap: address not mapped")
	}

	return pa + (va & (paging.PageSize - 1)), nil
}

func (h *Heap) readU64(va uint64, off int) (uint64, error) {
	pa, err := h.resolve(va + uint64(off))
	if err != nil {
		return 0, err
	}

	ram := h.ram()
	v := uint64(0)

	for i := 0; i < 8; i++ {
		v |= uint64(ram[pa+uint64(i)]) << (8 * i)
	}

	return v, nil
}

func (h *Heap) writeU64(va uint64, off int, v uint64) error {
	pa, err := h.resolve(va + uint64(off))
	if err != nil {
		return err
	}

	ram := h.ram()
	for i := 0; i < 8; i++ {
		ram[pa+uint64(i)] = byte(v >> (8 * i))
	}

	return nil
}

func (h *Heap) blockSize(va uint64) uint64     { v, _ := h.readU64(va, offSize); return v }
func (h *Heap) blockFlags(va uint64) uint64    { v, _ := h.readU64(va, offFlags); return v }
func (h *Heap) blockNext(va uint64) uint64     { v, _ := h.readU64(va, offNext); return v }
func (h *Heap) blockPrev(va uint64) uint64     { v, _ := h.readU64(va, offPrev); return v }
func (h *Heap) setSize(va, v uint64)           { _ = h.writeU64(va, offSize, v) }
func (h *Heap) setFlags(va, v uint64)          { _ = h.writeU64(va, offFlags, v) }
func (h *Heap) setNext(va, v uint64)           { _ = h.writeU64(va, offNext, v) }
func (h *Heap) setPrev(va, v uint64)           { _ = h.writeU64(va, offPrev, v) }

func (h *Heap) isFree(va uint64) bool { return h.blockFlags(va)&flagFreeBit != 0 }

func (h *Heap) writeHeader(va, size uint64, free bool, next, prev uint64) error {
	if err := h.ensureMapped(va, headerSize); err != nil {
		return err
	}

	flags := uint64(0)
	if free {
		flags = flagFreeBit
	}

	h.setSize(va, size)
	h.setFlags(va, flags)
	h.setNext(va, next)
	h.setPrev(va, prev)

	return nil
}

// Alloc returns the virtual address of a payload span of at least size
// bytes, touching pages through the backing VASpace as needed.
func (h *Heap) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		size = 1
	}

	need := alignUp(size+headerSize, alignment)
	if need < minBlockSize {
		need = minBlockSize
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for cur := h.freeHd; cur != 0; cur = h.blockNext(cur) {
		if h.blockSize(cur) < need {
			continue
		}

		if err := h.claim(cur, need); err != nil {
			return 0, err
		}

		return cur + headerSize, nil
	}

	addr, err := h.grow(need)
	if err != nil {
		return 0, err
	}

	return addr, nil
}

// claim marks the free block at va used, splitting off a trailing free
// remainder when it is large enough to be worth keeping.
func (h *Heap) claim(va, need uint64) error {
	size := h.blockSize(va)
	next := h.blockNext(va)
	prev := h.blockPrev(va)

	if size >= need+minBlockSize {
		remainder := va + need
		if err := h.writeHeader(remainder, size-need, true, next, va); err != nil {
			return err
		}

		if next != 0 {
			h.setPrev(next, remainder)
		}

		h.unlinkNoWrite(va, remainder)
		h.setSize(va, need)
		h.setFlags(va, 0)

		return nil
	}

	h.unlinkNoWrite(va, next)

	if next != 0 {
		h.setPrev(next, prev)
	}

	h.setFlags(va, 0)

	return nil
}

// unlinkNoWrite removes va from the free list, relinking around it.
// newAfter is what should take va's old position in the list (a split
// remainder, or whatever followed va).
func (h *Heap) unlinkNoWrite(va, newAfter uint64) {
	prev := h.blockPrev(va)

	if prev == 0 {
		h.freeHd = newAfter
	} else {
		h.setNext(prev, newAfter)
	}

	if newAfter != 0 {
		h.setPrev(newAfter, prev)
	}
}

func (h *Heap) prependFree(va, size uint64) error {
	old := h.freeHd
	if err := h.writeHeader(va, size, true, old, 0); err != nil {
		return err
	}

	if old != 0 {
		h.setPrev(old, va)
	}

	h.freeHd = va

	return nil
}

// grow advances the heap's watermark by at least 64 KiB (capped at limit)
// and carves the requested block from the start of the new span. It
// reserves nothing in the VASpace: the span's pages are faulted in only
// where a region covers them, so once the watermark passes the end of the
// region New reserved, Alloc returns the VASpace's fault error.
func (h *Heap) grow(need uint64) (uint64, error) {
	wanted := need
	if wanted < 64*1024 {
		wanted = 64 * 1024
	}

	if h.cursor == 0 {
		h.cursor = h.base
	}

	if h.cursor+wanted > h.limit {
		wanted = h.limit - h.cursor
	}

	if wanted < need {
		return 0, ErrOutOfMemory
	}

	blockVA := h.cursor
	h.cursor += wanted

	if err := h.prependFree(blockVA, wanted); err != nil {
		return 0, err
	}

	if err := h.claim(blockVA, need); err != nil {
		return 0, err
	}

	return blockVA + headerSize, nil
}

// Free releases a previously allocated payload address, coalescing with
// an immediate free neighbor when the two are adjacent in memory.
func (h *Heap) Free(dataAddr uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if dataAddr < headerSize {
		return ErrBadFree
	}

	va := dataAddr - headerSize
	size := h.blockSize(va)

	if size == 0 {
		return ErrBadFree
	}

	if err := h.prependFree(va, size); err != nil {
		return err
	}

	nextVA := va + size
	if nextVA < h.cursor && h.isFreeTracked(nextVA) {
		h.mergeInto(va, nextVA)
	}

	return nil
}

// isFreeTracked reports whether va is currently linked into the free
// list (as opposed to merely carrying a stale free bit from reuse).
func (h *Heap) isFreeTracked(va uint64) bool {
	if !h.isFree(va) {
		return false
	}

	for cur := h.freeHd; cur != 0; cur = h.blockNext(cur) {
		if cur == va {
			return true
		}
	}

	return false
}

func (h *Heap) mergeInto(va, neighbor uint64) {
	neighborNext := h.blockNext(neighbor)
	neighborPrev := h.blockPrev(neighbor)

	if neighborPrev == 0 {
		h.freeHd = neighborNext
	} else {
		h.setNext(neighborPrev, neighborNext)
	}

	if neighborNext != 0 {
		h.setPrev(neighborNext, neighborPrev)
	}

	h.setSize(va, h.blockSize(va)+h.blockSize(neighbor))
}
