package concurrent

import (
	"fmt"
	"hash/fnv"
	"sync"
	"testing"
)

func fnvHashInt(i int) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(fmt.Sprintf("%d", i)))
	return h.Sum64()
}

func TestSetInsertContainsRemove(t *testing.T) {
	s := NewSet[int](fnvHashInt, DefaultConfig())

	if err := s.Insert(1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(1); err != ErrAlreadyPresent {
		t.Fatalf("expected ErrAlreadyPresent, got %v", err)
	}
	if !s.Contains(1) {
		t.Fatalf("expected set to contain 1")
	}

	removed, ok := s.Remove(1, 1)
	if !ok || removed != 1 {
		t.Fatalf("Remove: got (%d, %v)", removed, ok)
	}
	if s.Contains(1) {
		t.Fatalf("expected 1 to be gone after Remove")
	}
}

func TestSetConcurrentInsert(t *testing.T) {
	s := NewSet[int](fnvHashInt, DefaultConfig())

	const goroutines = 16
	const perGoroutine = 100

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				_ = s.Insert(id*perGoroutine + i)
			}
		}(g)
	}
	wg.Wait()

	for g := 0; g < goroutines; g++ {
		for i := 0; i < perGoroutine; i++ {
			v := g*perGoroutine + i
			if !s.Contains(v) {
				t.Fatalf("missing value %d after concurrent insert", v)
			}
		}
	}
}

// TestSetForcedExpansionOnDistinctHashCollision mirrors
// TestMapForcedExpansionOnDistinctHashCollision for Set: two values whose
// hashes are genuinely distinct but agree in the bits the root index
// consumes must force an array node at that index while both values stay
// independently retrievable.
func TestSetForcedExpansionOnDistinctHashCollision(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeadSize = 4
	cfg.ChildSize = 4

	hashes := map[int]uint64{
		1: 0x0000000000000000,
		2: 0x0000000000000004, // agrees with 1 in the low 2 index bits, differs above
	}
	hashFn := func(v int) uint64 { return hashes[v] }
	s := NewSet[int](hashFn, cfg)

	if err := s.Insert(1); err != nil {
		t.Fatalf("Insert 1: %v", err)
	}
	if err := s.Insert(2); err != nil {
		t.Fatalf("Insert 2: %v", err)
	}

	if root := s.head[0].load(); !isArrayTagged(root) {
		t.Fatalf("expected root cell 0 to be array-tagged after distinct-hash collision, got word %#x", root)
	}

	if !s.Contains(1) || !s.Contains(2) {
		t.Fatalf("expected both colliding values to remain retrievable")
	}
}

func collectInts(iter func(yield func(*Guard[int]) bool)) map[int]bool {
	out := make(map[int]bool)
	iter(func(g *Guard[int]) bool {
		out[g.Value()] = true
		g.Release()
		return true
	})
	return out
}

func TestSetUnionIntersectionDifference(t *testing.T) {
	a := NewSet[int](fnvHashInt, DefaultConfig())
	b := NewSet[int](fnvHashInt, DefaultConfig())

	for _, v := range []int{1, 2, 3} {
		_ = a.Insert(v)
	}
	for _, v := range []int{2, 3, 4} {
		_ = b.Insert(v)
	}

	union := collectInts(a.Union(b))
	for _, v := range []int{1, 2, 3, 4} {
		if !union[v] {
			t.Fatalf("expected union to contain %d", v)
		}
	}
	if len(union) != 4 {
		t.Fatalf("expected union of size 4, got %d", len(union))
	}

	inter := collectInts(a.Intersection(b))
	if len(inter) != 2 || !inter[2] || !inter[3] {
		t.Fatalf("expected intersection {2,3}, got %v", inter)
	}

	diff := collectInts(a.Difference(b))
	if len(diff) != 1 || !diff[1] {
		t.Fatalf("expected difference {1}, got %v", diff)
	}
}
