// Package concurrent implements a wait-free, tree-structured hash map and
// its hash-set sibling, built on the hazard-pointer reclamation scheme in
// package hazard. Both structures resolve a key (or value, for Set) to a
// tree position using a caller-supplied 64-bit hash, expanding a contended
// cell into a child array instead of blocking when multiple writers collide
// on it.
package concurrent

import (
	"errors"

	"concurrent/hazard"
	"concurrent/internal/xlog"
)

// ErrAlreadyPresent is returned by Insert when a value already occupies the
// key's hash.
var ErrAlreadyPresent = errors.New("concurrent: key already present")

// ErrNotFoundOrMismatch is returned by Update when the key is absent or its
// current value does not equal the expected value passed in.
var ErrNotFoundOrMismatch = errors.New("concurrent: key not found or value mismatch")

// walkSlot is the single fixed hazard slot a goroutine's own Map.locate
// call uses while descending the tree. Every operation protects and
// releases it synchronously within one call, so one slot per goroutine
// suffices; values that escape a call (returned through Guard) get their
// own dynamic slot instead.
const walkSlot = 0

// Map is a wait-free, tree-structured associative array. Keys are not
// stored: a lookup is resolved entirely by the caller-supplied hash, so two
// keys whose hash function collides are treated as the same entry. Callers
// must supply a hash function wide enough, and well distributed enough,
// that this is never observable in practice — the same assumption the
// reference design makes of its Hash bound.
type Map[K comparable, V comparable] struct {
	head []cell[node[K, V]]
	hash func(K) uint64
	cfg  Config

	manager *hazard.Manager[node[K, V]]
}

// NewMap constructs a Map using hash to derive a 64-bit hash per key.
func NewMap[K comparable, V comparable](hash func(K) uint64, cfg Config) *Map[K, V] {
	cfg = cfg.withDefaults()
	return &Map[K, V]{
		head:    make([]cell[node[K, V]], cfg.HeadSize),
		hash:    hash,
		cfg:     cfg,
		manager: hazard.NewManager[node[K, V]](cfg.Hazard),
	}
}

// walkResult is the outcome of descending to the cell a hash resolves to.
// word is the raw word last observed there (0 if empty); data is non-nil
// only when that word was a validated, non-expand-marked data node.
type walkResult[K comparable, V comparable] struct {
	cellRef *cell[node[K, V]]
	word    uintptr
	data    *node[K, V]
	// depth is the number of hash bits consumed reaching cellRef's own
	// array, including cellRef's own level — what expand() needs to place
	// cellRef's current occupant into a freshly created child array.
	depth uint
}

// readNode protects ptr long enough to confirm c still holds word, then
// releases the slot. Once validated, the returned pointer is safe to keep
// using afterward: nothing in this package mutates a node in place (Update
// and expansion both install a brand-new node via CAS), and the Go
// collector will not reclaim the memory while this local reference to it
// is live, regardless of whether the hazard slot is still held.
func (m *Map[K, V]) readNode(c *cell[node[K, V]], word uintptr, slot int) (*node[K, V], bool) {
	ptr := wordToPtr[node[K, V]](word)
	if ptr == nil {
		return nil, true
	}
	m.manager.Protect(ptr, slot)
	defer m.manager.Unprotect(slot)
	if c.load() != word {
		return nil, false
	}
	return ptr, true
}

// expand replaces a cell holding a contended data node with an array node,
// relocating the old data node into it, then hands back to the caller to
// redo this tree position. Losing the CAS race to a peer doing the same
// expansion is treated as success: either way the cell is now (or is about
// to be) an array.
func (m *Map[K, V]) expand(c *cell[node[K, V]], oldWord uintptr, oldData *node[K, V], consumedAfterThisLevel uint) {
	newArr := newArrayNode[K, V](m.cfg.ChildSize)

	bits := bitLen(m.cfg.ChildSize)
	h := oldData.hash
	if consumedAfterThisLevel+bits > 64 {
		h = remix(oldData.hash, uint64(consumedAfterThisLevel))
	}
	pos := int(h & uint64(m.cfg.ChildSize-1))
	newArr.cells[pos].store(oldData, 0)

	c.compareAndSwap(oldWord, newArr, markArray)
	xlog.TraceIf("expand", "expanded cell into %d-way array at depth bits=%d", m.cfg.ChildSize, consumedAfterThisLevel)
}

// locate descends from the root to the cell origHash resolves to,
// cooperatively performing any expansion it finds pending along the way.
// The returned walkResult's data field is nil both when the cell is empty
// and when it holds an array (descent always continues through arrays), so
// callers only ever see a leaf.
func (m *Map[K, V]) locate(origHash uint64) walkResult[K, V] {
	cells := m.head
	size := m.cfg.HeadSize
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
		depthHere := consumed + bits

		if word == 0 {
			return walkResult[K, V]{cellRef: c, word: 0, depth: depthHere}
		}

		if isArrayTagged(word) {
			arr, ok := m.readNode(c, word, walkSlot)
			if !ok {
				continue
			}
			cells = arr.cells
			size = m.cfg.ChildSize
			shift += bits
			consumed += bits
			continue
		}

		if isExpandMarked(word) {
			data, ok := m.readNode(c, word, walkSlot)
			if ok {
				m.expand(c, word, data, depthHere)
			}
			continue
		}

		data, ok := m.readNode(c, word, walkSlot)
		if !ok {
			continue
		}
		return walkResult[K, V]{cellRef: c, word: word, data: data, depth: depthHere}
	}
}

// Insert adds key/value if no entry with key's hash exists yet.
func (m *Map[K, V]) Insert(key K, value V) error {
	origHash := m.hash(key)
	failures := 0
	for {
		wr := m.locate(origHash)
		if wr.word == 0 {
			nd := newDataNode[K, V](origHash, value)
			if wr.cellRef.compareAndSwap(0, nd, 0) {
				return nil
			}

			failures++
			if failures >= m.cfg.MaxFailures {
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
		// detected rather than waiting MaxFailures busy retries for the
		// generic contention path to notice the same thing.
		wr.cellRef.compareAndSetExpandBit(wr.word)
	}
}

// Get returns a Guard borrowing the value stored under key, if any. The
// guard must be released when the caller is done with it.
func (m *Map[K, V]) Get(key K) (*Guard[V], bool) {
	origHash := m.hash(key)
	for {
		wr := m.locate(origHash)
		if wr.data == nil || wr.data.hash != origHash {
			return nil, false
		}

		handle := m.manager.ProtectDynamic(wr.data)
		if wr.cellRef.load() != wr.word {
			handle.Release()
			continue
		}

		data := wr.data
		return &Guard[V]{value: &data.value, release: handle.Release}, true
	}
}

// GetCloned returns a copy of the value stored under key, if any.
func (m *Map[K, V]) GetCloned(key K) (V, bool) {
	g, ok := m.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	defer g.Release()
	return g.Value(), true
}

// Update replaces the value stored under key with newValue, but only if
// the current value equals expected. It returns ErrNotFoundOrMismatch if
// key is absent or its value is not expected — exactly one caller among
// any racing Updates with the same (key, expected) succeeds.
//
// Update is not a retry-until-success operation: if its CAS loses to an
// unrelated write (another Update or a Remove installed something else
// entirely), it reports the contention to the caller rather than looping.
// It only retries when the loss is structural — the cell became an array
// (descend and resume there) or got expand-marked (cooperate, then
// resume) — cases a walker is expected to push through regardless.
func (m *Map[K, V]) Update(key K, expected, newValue V) error {
	origHash := m.hash(key)
	wr := m.locate(origHash)

	for {
		if wr.data == nil || wr.data.hash != origHash || wr.data.value != expected {
			return ErrNotFoundOrMismatch
		}

		nd := newDataNode[K, V](origHash, newValue)
		observed, ok := wr.cellRef.compareAndSwapObserve(wr.word, nd, 0)
		if ok {
			m.manager.Retire(wr.data, walkSlot)
			return nil
		}

		switch {
		case isArrayTagged(observed):
			wr = m.locate(origHash)
		case isExpandMarked(observed):
			if data, validated := m.readNode(wr.cellRef, observed, walkSlot); validated {
				m.expand(wr.cellRef, observed, data, wr.depth)
			}
			wr = m.locate(origHash)
		default:
			return ErrNotFoundOrMismatch
		}
	}
}

// Remove deletes the entry stored under key if its current value equals
// expected, returning the removed value. Like Update, a CAS loss to an
// unrelated write is reported immediately rather than retried; only a
// structural change (array, expand-mark) causes Remove to resume the walk.
func (m *Map[K, V]) Remove(key K, expected V) (V, bool) {
	origHash := m.hash(key)
	wr := m.locate(origHash)

	for {
		if wr.data == nil || wr.data.hash != origHash || wr.data.value != expected {
			var zero V
			return zero, false
		}

		observed, ok := wr.cellRef.compareAndSwapObserve(wr.word, (*node[K, V])(nil), 0)
		if ok {
			value := wr.data.value
			m.manager.Retire(wr.data, walkSlot)
			return value, true
		}

		switch {
		case isArrayTagged(observed):
			wr = m.locate(origHash)
		case isExpandMarked(observed):
			if data, validated := m.readNode(wr.cellRef, observed, walkSlot); validated {
				m.expand(wr.cellRef, observed, data, wr.depth)
			}
			wr = m.locate(origHash)
		default:
			var zero V
			return zero, false
		}
	}
}

// Iter yields a Guard for every entry currently reachable in the tree. It
// is a best-effort, lock-free traversal: entries inserted or removed
// during the walk may or may not be observed, but the traversal itself
// never corrupts state and never blocks.
func (m *Map[K, V]) Iter(yield func(*Guard[V]) bool) {
	var walk func(cells []cell[node[K, V]]) bool
	walk = func(cells []cell[node[K, V]]) bool {
		for i := range cells {
			c := &cells[i]
			word := c.load()
			if word == 0 {
				continue
			}

			if isArrayTagged(word) {
				arr, ok := m.readNode(c, word, walkSlot)
				if !ok {
					continue
				}
				if !walk(arr.cells) {
					return false
				}
				continue
			}

			data, ok := m.readNode(c, word, walkSlot)
			if !ok {
				continue
			}

			handle := m.manager.ProtectDynamic(data)
			if c.load() != word {
				handle.Release()
				continue
			}

			g := &Guard[V]{value: &data.value, release: handle.Release}
			if !yield(g) {
				return false
			}
		}
		return true
	}
	walk(m.head)
}
