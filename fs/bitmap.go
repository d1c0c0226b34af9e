package fs

import (
	"sync"

	"github.com/jewelcodes/kiwi/internal/bitmap"
)

// diskBitmapStorage adapts a Device's bitmap region to bitmap.Storage
// exactly the way pmm's ramStorage adapts a byte arena: words packed
// contiguously, layer after layer, at a known starting offset.
// CompareAndSwapWord here is a plain read-check-write guarded by the
// caller's own lock (mu) rather than real atomics, since a disk has no
// hardware CAS — the filesystem instance of the same generic engine the
// PMM drives lock-free.
type diskBitmapStorage struct {
	mu          *sync.Mutex
	dev         Device
	layerOffset []uint64 // word offset of each layer from BitmapStart
	layerBits   []uint64
	bitmapStart uint64 // block index where the bitmap begins
}

const wordsPerBlock = BlockSize / 8

func newDiskBitmapStorage(mu *sync.Mutex, dev Device, bitmapStart uint64, layerBits []uint64) *diskBitmapStorage {
	s := &diskBitmapStorage{
		mu:          mu,
		dev:         dev,
		layerBits:   layerBits,
		bitmapStart: bitmapStart,
		layerOffset: make([]uint64, len(layerBits)),
	}

	var offset uint64

	for i, bits := range layerBits {
		s.layerOffset[i] = offset
		offset += (bits + 63) / 64
	}

	return s
}

// totalWords reports how many words the bitmap region occupies across
// every layer, for sizing the on-disk reservation at format time.
func totalWords(layerBits []uint64) uint64 {
	var words uint64

	for _, bits := range layerBits {
		words += (bits + 63) / 64
	}

	return words
}

func (s *diskBitmapStorage) wordLocation(layer, idx int) (block uint64, off int) {
	absWord := s.layerOffset[layer] + uint64(idx)
	block = s.bitmapStart + absWord/wordsPerBlock
	off = int(absWord%wordsPerBlock) * 8

	return block, off
}

func (s *diskBitmapStorage) Depth() int { return len(s.layerBits) }

func (s *diskBitmapStorage) Words(layer int) int {
	return int((s.layerBits[layer] + 63) / 64)
}

func (s *diskBitmapStorage) ReadWord(layer, idx int) (uint64, error) {
	block, off := s.wordLocation(layer, idx)

	buf := make([]byte, BlockSize)
	if err := s.dev.ReadBlock(block, buf); err != nil {
		return 0, err
	}

	return decodeU64(buf[off : off+8]), nil
}

func (s *diskBitmapStorage) CompareAndSwapWord(layer, idx int, oldW, newW uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, off := s.wordLocation(layer, idx)

	buf := make([]byte, BlockSize)
	if err := s.dev.ReadBlock(block, buf); err != nil {
		return false, err
	}

	if decodeU64(buf[off:off+8]) != oldW {
		return false, nil
	}

	encodeU64(buf[off:off+8], newW)

	if err := s.dev.WriteBlock(block, buf); err != nil {
		return false, err
	}

	return true, nil
}

func decodeU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}

	return v
}

func encodeU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// BlockAllocator is the filesystem's block-level counterpart to the
// PMM: the same bitmap.Hierarchy algorithm, fanout 64 (one bit per bit
// of a uint64 word), driven over disk blocks instead of RAM.
type BlockAllocator struct {
	mu        sync.Mutex
	hierarchy bitmap.Hierarchy[uint64]
}

func newBlockAllocator(dev Device, bitmapStart uint64, dataBlocks uint64) *BlockAllocator {
	a := &BlockAllocator{}
	sizes := bitmap.LayerSizes[uint64](dataBlocks)
	a.hierarchy = bitmap.Hierarchy[uint64]{
		Storage: newDiskBitmapStorage(&a.mu, dev, bitmapStart, sizes),
		Fanout:  64,
	}

	return a
}

// AllocBlock reserves and returns a free data block's index (relative
// to the data region).
func (a *BlockAllocator) AllocBlock() (uint64, error) {
	return a.hierarchy.Alloc(8)
}

// FreeBlock releases idx back to the pool.
func (a *BlockAllocator) FreeBlock(idx uint64) error {
	return a.hierarchy.Free(idx)
}

// BlockStatus reports whether idx is currently allocated.
func (a *BlockAllocator) BlockStatus(idx uint64) (uint8, error) {
	return a.hierarchy.Status(idx)
}
