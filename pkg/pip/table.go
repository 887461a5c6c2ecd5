package pip

import "sync"

// counterKey identifies one cell of the (kind, state) counter matrix.
type counterKey struct {
	kind  Kind
	state State
}

// Table is the pip runtime table (§4.1): a map of *RuntimeInfo keyed by
// pip ID, with entries lazily constructed on first access, plus
// an out-of-band counter of pips per (kind, state) maintained as states
// transition.
//
// Table itself does not decide whether a transition is legal -- that policy
// lives in pkg/pipstate, which makes every transition after seeding
// (pkg/scheduler's Seed moves each pip from Ignored to Waiting by calling
// Transition directly). Table's job
// is purely to make the compare-and-swap, the counter update, and the
// "return the winner's state on loss" triple atomic-enough that a caller
// never needs its own additional locking to stay consistent with the
// counters.
type Table struct {
	mu       sync.Mutex
	entries  map[ID]*RuntimeInfo
	kinds    map[ID]Kind
	counters map[counterKey]int64
}

// NewTable constructs an empty Table.
func NewTable() *Table {
	return &Table{
		entries:  make(map[ID]*RuntimeInfo),
		kinds:    make(map[ID]Kind),
		counters: make(map[counterKey]int64),
	}
}

// Get returns the RuntimeInfo for id, constructing it (in state Ignored,
// with the given initial refcount) if this is the first access. Only the
// first caller's initialRefcount takes effect; later callers' values are
// ignored, mirroring the teacher's compare-and-swap-construct idiom for
// shared per-key state.
func (t *Table) Get(id ID, kind Kind, initialRefcount int32) *RuntimeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.entries[id]; ok {
		return info
	}
	info := NewRuntimeInfo(initialRefcount)
	t.entries[id] = info
	t.kinds[id] = kind
	t.counters[counterKey{kind, StateIgnored}]++
	return info
}

// Peek returns the RuntimeInfo for id if it has already been constructed,
// without constructing it.
func (t *Table) Peek(id ID) (*RuntimeInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.entries[id]
	return info, ok
}

// Transition attempts to move the pip identified by id from expected to
// next, updating the (kind, state) counters on success. It returns the
// state actually observed (== next on success) and whether the caller's
// expected transition won the race, exactly mirroring
// RuntimeInfo.CompareAndSwapState's contract but additionally keeping the
// counters consistent with the table's view of the world.
func (t *Table) Transition(id ID, expected, next State) (State, bool) {
	t.mu.Lock()
	info, ok := t.entries[id]
	kind := t.kinds[id]
	t.mu.Unlock()
	if !ok {
		panic("pip: Transition on an unconstructed table entry")
	}

	observed, won := info.CompareAndSwapState(expected, next)
	if !won {
		return observed, false
	}

	t.mu.Lock()
	t.counters[counterKey{kind, expected}]--
	t.counters[counterKey{kind, next}]++
	t.mu.Unlock()
	return next, true
}

// Count returns the number of pips of the given kind currently in the given
// state.
func (t *Table) Count(kind Kind, state State) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[counterKey{kind, state}]
}

// Total returns the number of pips of the given kind across all states.
func (t *Table) Total(kind Kind) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum int64
	for k, n := range t.counters {
		if k.kind == kind {
			sum += n
		}
	}
	return sum
}
