package pip

import "sync/atomic"

// RuntimeInfo is the mutable companion to each Pip (§3 Data Model,
// PipRuntimeInfo). A RuntimeInfo is never copied after construction; all
// access goes through its atomic/CAS accessor methods so that concurrent
// pip-table readers and the single decrementing "scheduler of record" for a
// pip (§4.1) never observe torn state.
type RuntimeInfo struct {
	// state holds a State value, accessed atomically.
	state int32
	// priority is immutable after admission except when
	// MaterializeOutputs is scheduled in the background, in which case it
	// is dropped to 0 (§5 Ordering guarantees).
	priority int32
	// refcount decrements on each completed heavy dependency; 0 means
	// ready, CompletedRefCount is the post-ready sentinel.
	refcount int32
	// result holds a Result value, accessed atomically. It is only
	// meaningful once state is terminal.
	result int32
	// criticalPathDurationMs is the longest chain of downstream execution
	// time, used to recompute priority for ancestors.
	criticalPathDurationMs int64

	// uncacheableImpacted is set when this pip or any of its transitive
	// dependencies is marked Uncacheable; it is sticky once set.
	uncacheableImpacted int32
	// missingContentImpacted is set when a transitive dependency's cache
	// hit could not pin its content; it is sticky once set.
	missingContentImpacted int32
	// frontierMissCandidate marks a pip at the frontier of a chain of
	// cache misses, used by remote-cache cutoff accounting.
	frontierMissCandidate int32

	// upstreamCacheMissLongestChain is the length of the longest run of
	// consecutive cache-missing ancestors, used to implement
	// remoteCacheCutoff / remoteCacheCutoffLength (§6 Configuration
	// surface).
	upstreamCacheMissLongestChain int32
}

// NewRuntimeInfo constructs a RuntimeInfo in state Ignored with the given
// initial refcount (the pip's heavy in-degree).
func NewRuntimeInfo(initialRefcount int32) *RuntimeInfo {
	return &RuntimeInfo{
		state:    int32(StateIgnored),
		refcount: initialRefcount,
	}
}

// State returns the current state.
func (r *RuntimeInfo) State() State {
	return State(atomic.LoadInt32(&r.state))
}

// CompareAndSwapState atomically transitions from expected to next,
// returning true on success. On failure it returns the state actually
// observed, so the caller (per §4.1 and §3's "the loser retries" note) can
// decide how to proceed without a second load racing against a third
// writer.
func (r *RuntimeInfo) CompareAndSwapState(expected, next State) (State, bool) {
	if atomic.CompareAndSwapInt32(&r.state, int32(expected), int32(next)) {
		return next, true
	}
	return State(atomic.LoadInt32(&r.state)), false
}

// Priority returns the current scheduling priority.
func (r *RuntimeInfo) Priority() int32 {
	return atomic.LoadInt32(&r.priority)
}

// SetPriority sets the scheduling priority. Called once at admission, and
// again (dropping to 0) when MaterializeOutputs is scheduled in the
// background.
func (r *RuntimeInfo) SetPriority(p int32) {
	atomic.StoreInt32(&r.priority, p)
}

// Refcount returns the current refcount value.
func (r *RuntimeInfo) Refcount() int32 {
	return atomic.LoadInt32(&r.refcount)
}

// DecrementRefcount atomically decrements the refcount by one and reports
// whether this call is the one that drove it from 1 to 0 -- the unique
// "ready" signal (§4.1). A pip's refcount reaches zero at most once
// (invariant (ii), §3): once the transition fires, the refcount is swapped
// to CompletedRefCount so that any further (buggy, or legitimately
// unexpected) decrement is a visible no-op rather than a silent second
// trigger.
func (r *RuntimeInfo) DecrementRefcount() bool {
	for {
		current := atomic.LoadInt32(&r.refcount)
		if current == CompletedRefCount {
			return false
		}
		next := current - 1
		if next == 0 {
			if atomic.CompareAndSwapInt32(&r.refcount, current, CompletedRefCount) {
				return true
			}
			continue
		}
		if atomic.CompareAndSwapInt32(&r.refcount, current, next) {
			return false
		}
	}
}

// Result returns the current result.
func (r *RuntimeInfo) Result() Result {
	return Result(atomic.LoadInt32(&r.result))
}

// SetResult sets the result. Expected to be called exactly once, when the
// pip reaches a terminal state.
func (r *RuntimeInfo) SetResult(result Result) {
	atomic.StoreInt32(&r.result, int32(result))
}

// CriticalPathDurationMs returns the pip's critical-path duration.
func (r *RuntimeInfo) CriticalPathDurationMs() int64 {
	return atomic.LoadInt64(&r.criticalPathDurationMs)
}

// SetCriticalPathDurationMs sets the pip's critical-path duration.
func (r *RuntimeInfo) SetCriticalPathDurationMs(ms int64) {
	atomic.StoreInt64(&r.criticalPathDurationMs, ms)
}

// MarkUncacheableImpacted sets the sticky uncacheable-impacted flag.
func (r *RuntimeInfo) MarkUncacheableImpacted() {
	atomic.StoreInt32(&r.uncacheableImpacted, 1)
}

// UncacheableImpacted reports the sticky uncacheable-impacted flag.
func (r *RuntimeInfo) UncacheableImpacted() bool {
	return atomic.LoadInt32(&r.uncacheableImpacted) != 0
}

// MarkMissingContentImpacted sets the sticky missing-content-impacted flag.
func (r *RuntimeInfo) MarkMissingContentImpacted() {
	atomic.StoreInt32(&r.missingContentImpacted, 1)
}

// MissingContentImpacted reports the sticky missing-content-impacted flag.
func (r *RuntimeInfo) MissingContentImpacted() bool {
	return atomic.LoadInt32(&r.missingContentImpacted) != 0
}

// MarkFrontierMissCandidate sets the sticky frontier-miss-candidate flag.
func (r *RuntimeInfo) MarkFrontierMissCandidate() {
	atomic.StoreInt32(&r.frontierMissCandidate, 1)
}

// FrontierMissCandidate reports the sticky frontier-miss-candidate flag.
func (r *RuntimeInfo) FrontierMissCandidate() bool {
	return atomic.LoadInt32(&r.frontierMissCandidate) != 0
}

// UpstreamCacheMissLongestChain returns the longest consecutive run of
// cache-missing ancestors observed so far.
func (r *RuntimeInfo) UpstreamCacheMissLongestChain() int32 {
	return atomic.LoadInt32(&r.upstreamCacheMissLongestChain)
}

// SetUpstreamCacheMissLongestChain records the longest consecutive run of
// cache-missing ancestors.
func (r *RuntimeInfo) SetUpstreamCacheMissLongestChain(v int32) {
	atomic.StoreInt32(&r.upstreamCacheMissLongestChain, v)
}
