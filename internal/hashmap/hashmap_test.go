package hashmap

import "testing"

func TestPutGetDelete(t *testing.T) {
	t.Parallel()

	m := New[uint64, string](Uint64Identity)

	m.Put(1, "one")
	m.Put(2, "two")

	if v, ok := m.Get(1); !ok || v != "one" {
		t.Fatalf("Get(1) = %q, %v", v, ok)
	}

	if !m.Delete(1) {
		t.Fatal("Delete(1) = false")
	}

	if _, ok := m.Get(1); ok {
		t.Fatal("Get(1) found after delete")
	}

	if v, ok := m.Get(2); !ok || v != "two" {
		t.Fatalf("Get(2) = %q, %v", v, ok)
	}
}

func TestGrowShrink(t *testing.T) {
	t.Parallel()

	m := New[uint64, int](Uint64Identity)

	const n = 500

	for i := uint64(0); i < n; i++ {
		m.Put(i, int(i))
	}

	if m.Len() != n {
		t.Fatalf("Len() = %d, want %d", m.Len(), n)
	}

	if len(m.buckets) <= initialBuckets {
		t.Fatalf("buckets = %d, expected growth past %d", len(m.buckets), initialBuckets)
	}

	for i := uint64(0); i < n; i++ {
		if v, ok := m.Get(i); !ok || v != int(i) {
			t.Fatalf("Get(%d) = %d, %v", i, v, ok)
		}
	}

	for i := uint64(0); i < n-5; i++ {
		m.Delete(i)
	}

	if len(m.buckets) != initialBuckets {
		t.Fatalf("buckets after shrink = %d, want %d", len(m.buckets), initialBuckets)
	}
}

func TestStringKeys(t *testing.T) {
	t.Parallel()

	m := New[string, int](FNV1a64)

	m.Put("alpha", 1)
	m.Put("beta", 2)

	if v, ok := m.Get("alpha"); !ok || v != 1 {
		t.Fatalf("Get(alpha) = %d, %v", v, ok)
	}

	count := 0
	m.Range(func(k string, v int) bool {
		count++

		return true
	})

	if count != 2 {
		t.Fatalf("Range visited %d entries, want 2", count)
	}
}
