package hazard

import (
	"sync"
	"testing"
)

type payload struct {
	value int
}

func TestProtectUnprotectRoundTrip(t *testing.T) {
	m := NewManager[payload](DefaultConfig())
	p := &payload{value: 42}

	m.Protect(p, 0)
	m.Unprotect(0)
}

func TestProtectDynamicReleaseReusesSlot(t *testing.T) {
	m := NewManager[payload](DefaultConfig())
	p1 := &payload{value: 1}
	p2 := &payload{value: 2}

	h1 := m.ProtectDynamic(p1)
	h1.Release()

	h2 := m.ProtectDynamic(p2)
	defer h2.Release()

	if h1.index != h2.index {
		t.Fatalf("expected released dynamic slot %d to be reused, got %d", h1.index, h2.index)
	}
}

func TestRetireBelowThresholdDoesNotScan(t *testing.T) {
	m := NewManager[payload](Config{MaxRetired: 100, InitialHazardsPerThread: 1})

	for i := 0; i < 50; i++ {
		m.Retire(&payload{value: i}, 0)
	}

	if got := m.RetiredLen(); got != 50 {
		t.Fatalf("expected 50 retired entries below threshold, got %d", got)
	}
}

func TestRetireAboveThresholdScansAndShrinks(t *testing.T) {
	m := NewManager[payload](Config{MaxRetired: 20, InitialHazardsPerThread: 1})

	n := 21
	for i := 0; i < n; i++ {
		m.Retire(&payload{value: i}, 0)
	}

	if got := m.RetiredLen(); got >= n {
		t.Fatalf("expected a scan to have shrunk the retired list below %d, got %d", n, got)
	}
}

func TestRetireKeepsProtectedAddresses(t *testing.T) {
	m := NewManager[payload](Config{MaxRetired: 1, InitialHazardsPerThread: 2})

	protected := &payload{value: 7}
	h := m.ProtectDynamic(protected)
	defer h.Release()

	for i := 0; i < 5; i++ {
		m.Retire(&payload{value: i}, 0)
	}
	m.Retire(protected, 1)

	found := false
	for _, p := range currentRetired(m) {
		if p == protected {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected protected address to survive scan")
	}
}

func currentRetired(m *Manager[payload]) []*payload {
	ts := m.threadState()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]*payload, len(ts.retired))
	copy(out, ts.retired)
	return out
}

func TestConcurrentProtectAndRetire(t *testing.T) {
	m := NewManager[payload](DefaultConfig())

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				p := &payload{value: id*1000 + i}
				h := m.ProtectDynamic(p)
				m.Retire(p, 0)
				h.Release()
			}
		}(g)
	}
	wg.Wait()
}
