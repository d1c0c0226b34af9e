package pmm_test

import (
	"sync"
	"testing"

	"github.com/jewelcodes/kiwi/internal/bootinfo"
	"github.com/jewelcodes/kiwi/internal/pmm"
)

func newTestPMM(t *testing.T, usableBytes uint64) *pmm.PMM {
	t.Helper()

	h := &bootinfo.Handoff{
		LowestFreeAddress: 0x0020_0000,
		MemoryMap: []bootinfo.MemoryMapEntry{
			{Base: 0, Length: usableBytes, Type: bootinfo.MemoryUsable},
		},
	}

	p, err := pmm.New(h)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}

	return p
}

// TestBootToHeap covers a single usable range [0, 128MiB) with
// lowest_free_address = 0x0020_0000. AllocPage should hand back an
// address at or above lowest_free_address (the overhead pages for the
// bitmap itself are consumed first).
func TestBootToHeap(t *testing.T) {
	t.Parallel()

	p := newTestPMM(t, 128<<20)

	pa := p.AllocPage()
	if pa == 0 {
		t.Fatal("AllocPage() = 0, want non-zero")
	}

	if pa%pmm.PageSize != 0 {
		t.Fatalf("AllocPage() = %#x, not page-aligned", pa)
	}

	if pa < 0x0020_0000 {
		t.Fatalf("AllocPage() = %#x, want >= lowest_free_address", pa)
	}
}

// TestIdempotence asserts that free(alloc()) restores the bitmap to its
// prior contents, byte for byte.
func TestIdempotence(t *testing.T) {
	t.Parallel()

	p := newTestPMM(t, 16<<20)

	before := append([]byte(nil), p.RAM()...)

	pa := p.AllocPage()
	if pa == 0 {
		t.Fatal("AllocPage() = 0")
	}

	if err := p.FreePage(pa); err != nil {
		t.Fatalf("FreePage: %v", err)
	}

	after := p.RAM()

	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("byte %d differs after free(alloc()): %#x != %#x", i, before[i], after[i])
		}
	}
}

// TestConcurrentDisjoint asserts property 3: across N goroutines each
// calling AllocPage M times, all returned addresses are pairwise distinct
// and page-aligned.
func TestConcurrentDisjoint(t *testing.T) {
	t.Parallel()

	const (
		goroutines = 8
		perG       = 50
	)

	p := newTestPMM(t, 64<<20)

	results := make([][]uint64, goroutines)

	var wg sync.WaitGroup

	for g := 0; g < goroutines; g++ {
		wg.Add(1)

		go func(g int) {
			defer wg.Done()

			out := make([]uint64, 0, perG)

			for i := 0; i < perG; i++ {
				pa := p.AllocPage()
				if pa != 0 {
					out = append(out, pa)
				}
			}

			results[g] = out
		}(g)
	}

	wg.Wait()

	seen := make(map[uint64]bool)

	for _, out := range results {
		for _, pa := range out {
			if pa%pmm.PageSize != 0 {
				t.Errorf("address %#x not page-aligned", pa)
			}

			if seen[pa] {
				t.Errorf("address %#x allocated twice", pa)
			}

			seen[pa] = true
		}
	}
}

// TestExhaustion is Scenario D: repeatedly AllocPage until 0 is returned;
// at least one allocation succeeds, and no more pages are handed out than
// the usable range holds.
func TestExhaustion(t *testing.T) {
	t.Parallel()

	const usable = 4 << 20

	p := newTestPMM(t, usable)

	var count uint64
	for {
		pa := p.AllocPage()
		if pa == 0 {
			break
		}

		count++
	}

	if count == 0 {
		t.Fatal("expected at least one successful allocation before exhaustion")
	}

	if count > usable/pmm.PageSize {
		t.Fatalf("allocated %d pages, more than exist in the usable range", count)
	}
}
