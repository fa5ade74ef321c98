// Package hazard implements a Hazard-Pointer-Based Reclamation (HPBR)
// manager for use by lock-free and wait-free data structures.
//
// A thread that needs to dereference an address which another thread might
// concurrently free protects it first by calling Protect. This guarantees
// the address will not be reclaimed while the hazard slot publishes it.
// A thread that wants to free an address calls Retire, which adds the
// address to that thread's local retired list; once the list grows past
// MaxRetired, the thread scans every hazard slot in the system and frees
// whatever in its retired list nothing protects.
//
// Because each thread reclaims its own retired list, a thread that panics
// or never returns cannot prevent any other thread from making reclamation
// progress — the cost is confined to whatever that one thread had retired
// and not yet scanned.
//
// Go has no first-class thread-local storage. This package recovers the
// same "per calling goroutine" record the original design keeps in a
// thread-local by keying a lookup table on the calling goroutine's id,
// recovered from the runtime stack trace exactly as package xlog recovers
// a goroutine id for log lines — the two packages share the same trick
// because it is the only one Go offers.
package hazard

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"concurrent/internal/xlog"
)

// Config controls the memory/latency tradeoffs of a Manager.
type Config struct {
	// MaxRetired is the number of entries a thread's retired list may hold
	// before that thread performs a scan. Higher values trade reclamation
	// latency for fewer, cheaper scans.
	MaxRetired int

	// InitialHazardsPerThread is the number of hazard slots eagerly
	// allocated the first time a goroutine touches the manager.
	InitialHazardsPerThread int
}

// DefaultConfig mirrors the values the reference implementation uses at
// every one of its construction sites (HPBRManager::new(100, 1)).
func DefaultConfig() Config {
	return Config{MaxRetired: 100, InitialHazardsPerThread: 1}
}

func (c Config) withDefaults() Config {
	if c.MaxRetired <= 0 {
		c.MaxRetired = DefaultConfig().MaxRetired
	}
	if c.InitialHazardsPerThread <= 0 {
		c.InitialHazardsPerThread = DefaultConfig().InitialHazardsPerThread
	}
	return c
}

// record is one hazard slot. Slots are linked into a single global,
// append-only list so that any scan can race freely against concurrent
// pushes: a scan is guaranteed to see every slot that existed when the
// scan began, which is all correctness requires.
type record[T any] struct {
	protected atomic.Pointer[T]
	next      atomic.Pointer[record[T]]
}

// threadState is the per-goroutine bookkeeping: the hazard slots this
// goroutine owns (the first InitialHazardsPerThread are the fixed slots
// addressable by index through Protect/Unprotect; any slots appended after
// that are dynamic slots handed out by ProtectDynamic) and this goroutine's
// retired list.
type threadState[T any] struct {
	mu               sync.Mutex
	hazards          []*record[T]
	startingHazards  int
	retired          []*T
}

// Manager is a hazard-pointer-based reclamation manager for values of type
// T. One Manager instance is normally embedded in one data structure (e.g.
// one tree map), matching the reference implementation's one-manager-per-
// structure design.
type Manager[T any] struct {
	head           atomic.Pointer[record[T]]
	maxRetired     int
	initialHazards int

	threads sync.Map // goroutineID -> *threadState[T]
}

// NewManager creates a Manager with the given configuration.
func NewManager[T any](cfg Config) *Manager[T] {
	cfg = cfg.withDefaults()
	return &Manager[T]{
		maxRetired:     cfg.MaxRetired,
		initialHazards: cfg.InitialHazardsPerThread,
	}
}

// Handle is a scoped lease on a dynamically acquired hazard slot. Go has no
// destructors, so callers must call Release when the protected value no
// longer needs to stay alive — typically via `defer`.
type Handle[T any] struct {
	manager *Manager[T]
	index   int
	ts      *threadState[T]
}

// Release clears the hazard slot this handle owns.
func (h *Handle[T]) Release() {
	if h == nil || h.ts == nil {
		return
	}
	h.ts.hazards[h.index].protected.Store(nil)
}

func (m *Manager[T]) allocateRecord() *record[T] {
	r := &record[T]{}
	for {
		head := m.head.Load()
		r.next.Store(head)
		if m.head.CompareAndSwap(head, r) {
			return r
		}
	}
}

func (m *Manager[T]) threadState() *threadState[T] {
	id := goroutineID()
	if v, ok := m.threads.Load(id); ok {
		return v.(*threadState[T])
	}

	ts := &threadState[T]{startingHazards: m.initialHazards}
	for i := 0; i < m.initialHazards; i++ {
		ts.hazards = append(ts.hazards, m.allocateRecord())
	}
	actual, _ := m.threads.LoadOrStore(id, ts)
	return actual.(*threadState[T])
}

func (ts *threadState[T]) ensureSlot(m *Manager[T], index int) *record[T] {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for len(ts.hazards) <= index {
		ts.hazards = append(ts.hazards, m.allocateRecord())
	}
	return ts.hazards[index]
}

// Protect publishes addr into the calling goroutine's slotIndex-th hazard
// slot. The caller must re-read the source pointer after calling Protect
// and retry if it changed — Protect alone does not guarantee addr is still
// reachable, only that it will not be reclaimed for as long as the slot
// keeps publishing it.
func (m *Manager[T]) Protect(addr *T, slotIndex int) {
	ts := m.threadState()
	r := ts.ensureSlot(m, slotIndex)
	r.protected.Store(addr)
}

// Unprotect clears the calling goroutine's slotIndex-th hazard slot.
func (m *Manager[T]) Unprotect(slotIndex int) {
	ts := m.threadState()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if slotIndex < len(ts.hazards) {
		ts.hazards[slotIndex].protected.Store(nil)
	}
}

// ProtectDynamic finds or allocates a free dynamic hazard slot for the
// calling goroutine, publishes addr into it, and returns a Handle that
// clears the slot when released. Per the reference design's resolution of
// its own open question, a goroutine's dynamic slots are reused across
// calls rather than leaked: ProtectDynamic first scans this goroutine's
// already-allocated dynamic slots for an empty one before appending a new
// one to the global list.
func (m *Manager[T]) ProtectDynamic(addr *T) *Handle[T] {
	ts := m.threadState()

	ts.mu.Lock()
	for i := ts.startingHazards; i < len(ts.hazards); i++ {
		r := ts.hazards[i]
		if r.protected.CompareAndSwap(nil, addr) {
			ts.mu.Unlock()
			return &Handle[T]{manager: m, index: i, ts: ts}
		}
	}
	r := m.allocateRecord()
	r.protected.Store(addr)
	index := len(ts.hazards)
	ts.hazards = append(ts.hazards, r)
	ts.mu.Unlock()

	return &Handle[T]{manager: m, index: index, ts: ts}
}

// Retire clears slotIndex, adds addr to the calling goroutine's retired
// list, and triggers a local scan if that list has grown past MaxRetired.
// Retire never blocks and never fails.
func (m *Manager[T]) Retire(addr *T, slotIndex int) {
	ts := m.threadState()
	m.Unprotect(slotIndex)

	ts.mu.Lock()
	ts.retired = append(ts.retired, addr)
	needsScan := len(ts.retired) > m.maxRetired
	ts.mu.Unlock()

	if needsScan {
		m.scan(ts)
	}
}

// scan walks the global hazard slot list once, then releases from this
// goroutine's retired list every address nothing in that snapshot
// protects. Released addresses are not explicitly freed: once dropped from
// the retired list and unreachable from any live data structure, they
// become ordinary garbage for the Go collector, which is this package's
// standard-library equivalent of the reference implementation's manual
// Box::from_raw free.
func (m *Manager[T]) scan(ts *threadState[T]) {
	protectedSet := make(map[*T]struct{})
	for r := m.head.Load(); r != nil; r = r.next.Load() {
		if p := r.protected.Load(); p != nil {
			protectedSet[p] = struct{}{}
		}
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	before := len(ts.retired)
	kept := ts.retired[:0]
	for _, p := range ts.retired {
		if _, stillProtected := protectedSet[p]; stillProtected {
			kept = append(kept, p)
		}
	}
	ts.retired = kept
	xlog.TraceIf("hazard", "scan reclaimed %d of %d retired addresses against %d live hazard slots",
		before-len(kept), before, len(protectedSet))
}

// RetiredLen reports the number of addresses in the calling goroutine's
// retired list. It exists for tests that need to observe reclamation
// progress (see the scenario in spec §8: "after N = max_retired + 1
// retires... the thread's retired list length is strictly less than N").
func (m *Manager[T]) RetiredLen() int {
	ts := m.threadState()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.retired)
}

// goroutineID recovers an identifier stable for the life of the calling
// goroutine from the runtime stack trace — the same technique package xlog
// uses to attribute log lines to a goroutine. It stands in for the
// thread-local storage the reference implementation relies on.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	idField := strings.Fields(string(buf[:n]))[1]
	var id int64
	fmt.Sscanf(idField, "%d", &id)
	return id
}
