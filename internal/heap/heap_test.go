package heap

import (
	"testing"

	"github.com/jewelcodes/kiwi/internal/arch/paging"
	"github.com/jewelcodes/kiwi/internal/bootinfo"
	"github.com/jewelcodes/kiwi/internal/pmm"
	"github.com/jewelcodes/kiwi/internal/vmm"
)

func newTestHeap(t *testing.T) *Heap {
	t.Helper()

	h := &bootinfo.Handoff{
		LowestFreeAddress: 0x0020_0000,
		MemoryMap: []bootinfo.MemoryMapEntry{
			{Base: 0, Length: 64 << 20, Type: bootinfo.MemoryUsable},
		},
	}

	p, err := pmm.New(h)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}

	vas, err := vmm.New(p, paging.New(p))
	if err != nil {
		t.Fatalf("vmm.New: %v", err)
	}

	const base, limit = 0x0000_3000_0000_0000, 0x0000_3100_0000_0000

	heap, err := New(vas, base, limit, 16)
	if err != nil {
		t.Fatalf("heap.New: %v", err)
	}

	return heap
}

func TestAllocFreeRoundTrip(t *testing.T) {
	t.Parallel()

	h := newTestHeap(t)

	a, err := h.Alloc(128)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	b, err := h.Alloc(256)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if a == b {
		t.Fatal("two live allocations returned the same address")
	}

	if err := h.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}

	if err := h.Free(b); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestAllocReusesFreedSpace(t *testing.T) {
	t.Parallel()

	h := newTestHeap(t)

	a, err := h.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := h.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}

	b, err := h.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc after free: %v", err)
	}

	if a != b {
		t.Fatalf("Alloc after Free reused a different address: got %#x want %#x", b, a)
	}
}

func TestAllocExhaustion(t *testing.T) {
	t.Parallel()

	h := newTestHeap(t)

	count := 0

	for {
		if _, err := h.Alloc(4096); err != nil {
			break
		}

		count++

		if count > 100000 {
			t.Fatal("heap never reported exhaustion")
		}
	}
}
