package concurrent

import (
	"concurrent/hazard"
	"concurrent/internal/xlog"
)

// setNode is the Set analogue of node: a value carried at its hash's
// resolved position, or an array of child cells, never both.
type setNode[T comparable] struct {
	hash  uint64
	value T
	cells []cell[setNode[T]]
}

func newSetDataNode[T comparable](hash uint64, value T) *setNode[T] {
	return &setNode[T]{hash: hash, value: value}
}

func newSetArrayNode[T comparable](size int) *setNode[T] {
	return &setNode[T]{cells: make([]cell[setNode[T]], size)}
}

// Set is a wait-free hash set built on the same tree structure as Map, with
// the value itself standing in for both key and payload.
type Set[T comparable] struct {
	head []cell[setNode[T]]
	hash func(T) uint64
	cfg  Config

	manager *hazard.Manager[setNode[T]]
}

// NewSet constructs a Set using hash to derive a 64-bit hash per value.
func NewSet[T comparable](hash func(T) uint64, cfg Config) *Set[T] {
	cfg = cfg.withDefaults()
	return &Set[T]{
		head:    make([]cell[setNode[T]], cfg.HeadSize),
		hash:    hash,
		cfg:     cfg,
		manager: hazard.NewManager[setNode[T]](cfg.Hazard),
	}
}

type setWalkResult[T comparable] struct {
	cellRef *cell[setNode[T]]
	word    uintptr
	data    *setNode[T]
	depth   uint
}

func (s *Set[T]) readNode(c *cell[setNode[T]], word uintptr, slot int) (*setNode[T], bool) {
	ptr := wordToPtr[setNode[T]](word)
	if ptr == nil {
		return nil, true
	}
	s.manager.Protect(ptr, slot)
	defer s.manager.Unprotect(slot)
	if c.load() != word {
		return nil, false
	}
	return ptr, true
}

func (s *Set[T]) expand(c *cell[setNode[T]], oldWord uintptr, oldData *setNode[T], consumedAfterThisLevel uint) {
	newArr := newSetArrayNode[T](s.cfg.ChildSize)

	bits := bitLen(s.cfg.ChildSize)
	h := oldData.hash
	if consumedAfterThisLevel+bits > 64 {
		h = remix(oldData.hash, uint64(consumedAfterThisLevel))
	}
	pos := int(h & uint64(s.cfg.ChildSize-1))
	newArr.cells[pos].store(oldData, 0)

	c.compareAndSwap(oldWord, newArr, markArray)
	xlog.TraceIf("expand", "expanded cell into %d-way array at depth bits=%d", s.cfg.ChildSize, consumedAfterThisLevel)
}

func (s *Set[T]) locate(origHash uint64) setWalkResult[T] {
	cells := s.head
	size := s.cfg.HeadSize
	shift := uint(0)
	consumed := uint(0)
	curHash := origHash

	for {
		bits := bitLen(size)
		if shift+bits > 64 {
			curHash = remix(origHash, uint64(consumed))
			shift = 0
		}
		pos := int((curHash >> shift) & uint64(size-1))

		c := &cells[pos]
		word := c.load()

		if word == 0 {
			return setWalkResult[T]{cellRef: c, word: 0}
		}

		if isArrayTagged(word) {
			arr, ok := s.readNode(c, word, walkSlot)
			if !ok {
				continue
			}
			cells = arr.cells
			size = s.cfg.ChildSize
			shift += bits
			consumed += bits
			continue
		}

		if isExpandMarked(word) {
			data, ok := s.readNode(c, word, walkSlot)
			if ok {
				s.expand(c, word, data, consumed+bits)
			}
			continue
		}

		data, ok := s.readNode(c, word, walkSlot)
		if !ok {
			continue
		}
		return setWalkResult[T]{cellRef: c, word: word, data: data}
	}
}

// Insert adds value if it is not already present.
func (s *Set[T]) Insert(value T) error {
	origHash := s.hash(value)
	failures := 0
	for {
		wr := s.locate(origHash)
		if wr.word == 0 {
			nd := newSetDataNode[T](origHash, value)
			if wr.cellRef.compareAndSwap(0, nd, 0) {
				return nil
			}

			failures++
			if failures >= s.cfg.MaxFailures {
				wr.cellRef.setExpandBit()
				failures = 0
			}
			continue
		}

		if wr.data.hash == origHash {
			return ErrAlreadyPresent
		}

		// A different hash occupies this cell: a genuine collision, not
		// ordinary CAS contention. Force expansion the instant it is
		// detected instead of waiting on the generic contention path.
		wr.cellRef.compareAndSetExpandBit(wr.word)
	}
}

// Contains reports whether value is present.
func (s *Set[T]) Contains(value T) bool {
	origHash := s.hash(value)
	wr := s.locate(origHash)
	return wr.data != nil && wr.data.hash == origHash
}

// Remove deletes value if it equals expected (for a set these are
// ordinarily the same value; the expected parameter mirrors Map.Remove so
// callers can express a compare-and-remove against a value they no longer
// hold directly).
func (s *Set[T]) Remove(value T, expected T) (T, bool) {
	origHash := s.hash(value)
	for {
		wr := s.locate(origHash)
		if wr.data == nil || wr.data.hash != origHash || wr.data.value != expected {
			var zero T
			return zero, false
		}

		if wr.cellRef.compareAndSwap(wr.word, (*setNode[T])(nil), 0) {
			removed := wr.data.value
			s.manager.Retire(wr.data, walkSlot)
			return removed, true
		}
	}
}

// Iter yields a Guard for every value currently reachable in the tree.
func (s *Set[T]) Iter(yield func(*Guard[T]) bool) {
	var walk func(cells []cell[setNode[T]]) bool
	walk = func(cells []cell[setNode[T]]) bool {
		for i := range cells {
			c := &cells[i]
			word := c.load()
			if word == 0 {
				continue
			}

			if isArrayTagged(word) {
				arr, ok := s.readNode(c, word, walkSlot)
				if !ok {
					continue
				}
				if !walk(arr.cells) {
					return false
				}
				continue
			}

			data, ok := s.readNode(c, word, walkSlot)
			if !ok {
				continue
			}

			handle := s.manager.ProtectDynamic(data)
			if c.load() != word {
				handle.Release()
				continue
			}

			g := &Guard[T]{value: &data.value, release: handle.Release}
			if !yield(g) {
				return false
			}
		}
		return true
	}
	walk(s.head)
}

// Union returns a push-iterator over every value in s or other: first every
// value of s, then every value of other that s does not already contain —
// matching the reference design's Chain<Iter, Difference> composition
// exactly.
func (s *Set[T]) Union(other *Set[T]) func(yield func(*Guard[T]) bool) {
	return func(yield func(*Guard[T]) bool) {
		keepGoing := true
		s.Iter(func(g *Guard[T]) bool {
			keepGoing = yield(g)
			return keepGoing
		})
		if !keepGoing {
			return
		}
		other.Difference(s)(yield)
	}
}

// Intersection returns a push-iterator over every value present in both s
// and other.
func (s *Set[T]) Intersection(other *Set[T]) func(yield func(*Guard[T]) bool) {
	return func(yield func(*Guard[T]) bool) {
		s.Iter(func(g *Guard[T]) bool {
			if !other.Contains(g.Value()) {
				return true
			}
			return yield(g)
		})
	}
}

// Difference returns a push-iterator over every value present in s but not
// in other.
func (s *Set[T]) Difference(other *Set[T]) func(yield func(*Guard[T]) bool) {
	return func(yield func(*Guard[T]) bool) {
		s.Iter(func(g *Guard[T]) bool {
			if other.Contains(g.Value()) {
				return true
			}
			return yield(g)
		})
	}
}
