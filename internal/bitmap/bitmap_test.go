package bitmap_test

import (
	"math/bits"
	"testing"

	"github.com/jewelcodes/kiwi/internal/bitmap"
)

// memStorage is an in-memory bitmap.Storage[uint64] used to exercise the
// Hierarchy algorithm without a real PMM or disk behind it.
type memStorage struct {
	layers [][]uint64
}

func newMemStorage(leafBits uint64) *memStorage {
	sizes := bitmap.LayerSizes[uint64](leafBits)

	m := &memStorage{layers: make([][]uint64, len(sizes))}
	for i, b := range sizes {
		m.layers[i] = make([]uint64, (b+63)/64)
	}

	return m
}

func (m *memStorage) Depth() int         { return len(m.layers) }
func (m *memStorage) Words(layer int) int { return len(m.layers[layer]) }

func (m *memStorage) ReadWord(layer, idx int) (uint64, error) {
	return m.layers[layer][idx], nil
}

func (m *memStorage) CompareAndSwapWord(layer, idx int, oldW, newW uint64) (bool, error) {
	if m.layers[layer][idx] != oldW {
		return false, nil
	}

	m.layers[layer][idx] = newW

	return true, nil
}

func (m *memStorage) checkHierarchyInvariant(t *testing.T) {
	t.Helper()

	for layer := 1; layer < len(m.layers); layer++ {
		for wIdx, word := range m.layers[layer] {
			for bit := 0; bit < 64; bit++ {
				childIdx := wIdx*64 + bit
				if childIdx >= len(m.layers[layer-1]) {
					break
				}

				childAllOnes := m.layers[layer-1][childIdx] == ^uint64(0)
				gotBit := word&(1<<uint(bit)) != 0

				if gotBit != childAllOnes {
					t.Fatalf("layer %d word %d bit %d = %v, want %v (child word %#x)",
						layer, wIdx, bit, gotBit, childAllOnes, m.layers[layer-1][childIdx])
				}
			}
		}
	}
}

// TestHierarchyInvariant asserts that for all non-leaf layers and
// words, bit i equals the AND-reduction of its Fanout children.
func TestHierarchyInvariant(t *testing.T) {
	t.Parallel()

	m := newMemStorage(64 * 64 * 3)
	h := bitmap.Hierarchy[uint64]{Storage: m, Fanout: 64}

	var allocated []uint64

	for i := 0; i < 4000; i++ {
		idx, err := h.Alloc(4)
		if err != nil {
			break
		}

		allocated = append(allocated, idx)
	}

	m.checkHierarchyInvariant(t)

	seen := make(map[uint64]bool)
	for _, idx := range allocated {
		if seen[idx] {
			t.Fatalf("index %d allocated twice", idx)
		}

		seen[idx] = true
	}

	// Free every third allocation and check the invariant still holds.
	for i := 0; i < len(allocated); i += 3 {
		if err := h.Free(allocated[i]); err != nil {
			t.Fatalf("Free(%d): %v", allocated[i], err)
		}
	}

	m.checkHierarchyInvariant(t)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	t.Parallel()

	m := newMemStorage(64 * 64)
	h := bitmap.Hierarchy[uint64]{Storage: m, Fanout: 64}

	before := snapshot(m)

	idx, err := h.Alloc(0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := h.Free(idx); err != nil {
		t.Fatalf("Free: %v", err)
	}

	after := snapshot(m)

	for layer := range before {
		for i := range before[layer] {
			if before[layer][i] != after[layer][i] {
				t.Fatalf("layer %d word %d differs: %#x != %#x", layer, i, before[layer][i], after[layer][i])
			}
		}
	}
}

func snapshot(m *memStorage) [][]uint64 {
	out := make([][]uint64, len(m.layers))
	for i, l := range m.layers {
		out[i] = append([]uint64(nil), l...)
	}

	return out
}

func TestExhaustionReturnsRetryError(t *testing.T) {
	t.Parallel()

	m := newMemStorage(64)
	h := bitmap.Hierarchy[uint64]{Storage: m, Fanout: 64}

	count := 0

	for {
		_, err := h.Alloc(0)
		if err != nil {
			break
		}

		count++
	}

	if count != 64 {
		t.Fatalf("allocated %d of 64 bits", count)
	}

	if bits.OnesCount64(m.layers[0][0]) != 64 {
		t.Fatalf("leaf word = %#x, want all ones", m.layers[0][0])
	}
}
