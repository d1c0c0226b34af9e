package fs

import (
	"testing"
)

func TestBlockAllocatorAllocFreeRoundTrip(t *testing.T) {
	t.Parallel()

	dev := NewMemDevice(256)
	a := newBlockAllocator(dev, 1, 64*8)

	first, err := a.AllocBlock()
	if err != nil {
		t.Fatalf("AllocBlock() error = %v", err)
	}

	status, err := a.BlockStatus(first)
	if err != nil {
		t.Fatalf("BlockStatus() error = %v", err)
	}

	if status != 1 {
		t.Fatalf("BlockStatus(%d) = %d, want 1", first, status)
	}

	if err := a.FreeBlock(first); err != nil {
		t.Fatalf("FreeBlock() error = %v", err)
	}

	status, err = a.BlockStatus(first)
	if err != nil {
		t.Fatalf("BlockStatus() after free error = %v", err)
	}

	if status != 0 {
		t.Fatalf("BlockStatus(%d) after free = %d, want 0", first, status)
	}
}

func TestBlockAllocatorNeverDoubleAllocates(t *testing.T) {
	t.Parallel()

	dev := NewMemDevice(256)
	a := newBlockAllocator(dev, 1, 32*8)

	seen := make(map[uint64]bool)

	for i := 0; i < 32*8; i++ {
		idx, err := a.AllocBlock()
		if err != nil {
			t.Fatalf("AllocBlock() iteration %d error = %v", i, err)
		}

		if seen[idx] {
			t.Fatalf("AllocBlock() returned duplicate index %d", idx)
		}

		seen[idx] = true
	}
}

func TestDiskBitmapStorageSurvivesReload(t *testing.T) {
	t.Parallel()

	dev := NewMemDevice(256)
	a := newBlockAllocator(dev, 1, 64*8)

	idx, err := a.AllocBlock()
	if err != nil {
		t.Fatalf("AllocBlock() error = %v", err)
	}

	reopened := newBlockAllocator(dev, 1, 64*8)

	status, err := reopened.BlockStatus(idx)
	if err != nil {
		t.Fatalf("BlockStatus() error = %v", err)
	}

	if status != 1 {
		t.Fatalf("BlockStatus(%d) after reload = %d, want 1", idx, status)
	}
}
