package driver

import (
	"context"
	"testing"

	"github.com/pipforge/pipforge/pkg/cache"
	"github.com/pipforge/pipforge/pkg/contracts"
	memdouble "github.com/pipforge/pipforge/pkg/contracts/memory"
	"github.com/pipforge/pipforge/pkg/dispatch"
	"github.com/pipforge/pipforge/pkg/fsview"
	"github.com/pipforge/pipforge/pkg/governor"
	"github.com/pipforge/pipforge/pkg/identity"
	"github.com/pipforge/pipforge/pkg/observedinput"
	"github.com/pipforge/pipforge/pkg/pip"
	"github.com/pipforge/pipforge/pkg/pipstate"
)

// noopProbe answers every existence/hash query as absent; it is only
// exercised against empty path sets in these tests, where Replay never
// calls it.
type noopProbe struct{}

func (noopProbe) Exists(string) (bool, bool, error)             { return false, false, nil }
func (noopProbe) Hash(string) (identity.ContentHash, error)     { return identity.ContentHash{}, nil }

// testHarness bundles one Driver with all the in-memory doubles backing
// it, plus the PathTable and Table it shares with pipstate.Machine.
type testHarness struct {
	driver  *Driver
	table   *pip.Table
	paths   *identity.PathTable
	machine *pipstate.Machine
	graph   *memdouble.Graph
	sandbox *memdouble.Sandbox
	store   *memdouble.FingerprintStore
	cas     *memdouble.ContentCache
	content *memdouble.FileContentManager
}

func newTestHarness(config Config) *testHarness {
	table := pip.NewTable()
	paths := identity.NewPathTable()
	graph := memdouble.NewGraph()
	machine := pipstate.NewMachine(table, graph, nil)

	store := memdouble.NewFingerprintStore()
	cas := memdouble.NewContentCache()
	content := memdouble.NewFileContentManager()
	sandbox := memdouble.NewSandbox()
	incremental := memdouble.NewIncrementalState()

	lookup := cache.NewLookup(&memdouble.StoreAdapter{Fingerprints: store, Content: cas}, noopProbe{}, observedinput.Scope{}, cache.DefaultConfig(), nil)

	d := NewDriver(table, graph, machine, dispatch.New(dispatch.Config{CPUSlots: 100}), lookup, store, content, cas, sandbox, incremental, paths, fsview.New(paths), observedinput.Scope{}, config)

	return &testHarness{driver: d, table: table, paths: paths, machine: machine, graph: graph, sandbox: sandbox, store: store, cas: cas, content: content}
}

// seedReady constructs p's runtime entry and drives it straight to Ready,
// as a real scheduler would once its refcount reaches zero.
func (h *testHarness) seedReady(p *pip.Pip) *RunnablePip {
	h.graph.AddPip(p)
	info := h.table.Get(p.ID, p.Kind, 0)
	info.SetPriority(int32(p.UserPriority))
	h.table.Transition(p.ID, pip.StateIgnored, pip.StateWaiting)
	h.table.Transition(p.ID, pip.StateWaiting, pip.StateReady)
	return NewRunnablePip(p, info.Priority(), 64<<20)
}

func simplePip(id pip.ID) *pip.Pip {
	return &pip.Pip{ID: id, Kind: pip.KindProcess, SemistableHash: pip.SemistableHash(id) * 7919}
}

func TestRunSkipsWhenIncrementalStateIsClean(t *testing.T) {
	h := newTestHarness(DefaultConfig())
	p := simplePip(1)
	r := h.seedReady(p)

	incremental := h.driver.Incremental.(*memdouble.IncrementalState)
	incremental.MarkClean(p.ID)
	incremental.MarkMaterialized(p.ID)

	if err := h.driver.Run(context.Background(), r); err != nil {
		t.Fatalf("Run: %v", err)
	}

	info, _ := h.table.Peek(p.ID)
	if info.State() != pip.StateDone || pip.Result(info.Result()) != pip.ResultUpToDate {
		t.Fatalf("expected Done/UpToDate, got state=%v result=%v", info.State(), pip.Result(info.Result()))
	}
	if h.sandbox.RunCount(p.ID) != 0 {
		t.Fatalf("expected the sandbox to never run for an incrementally clean pip")
	}
}

func TestRunCacheHitSkipsExecution(t *testing.T) {
	h := newTestHarness(DefaultConfig())
	p := simplePip(2)
	r := h.seedReady(p)

	weak := h.driver.weakFingerprint(p)
	pathSet := &observedinput.PathSet{}
	psh, err := h.store.StorePathSet(context.Background(), pathSet)
	if err != nil {
		t.Fatalf("StorePathSet: %v", err)
	}
	strong := cache.ComputeStrongFingerprint(weak, psh, nil)

	metadataHash, err := h.store.StoreMetadata(context.Background(), &cache.Metadata{StrongFingerprint: strong, StaticOutputs: map[string]identity.FileMaterializationInfo{}})
	if err != nil {
		t.Fatalf("StoreMetadata: %v", err)
	}
	if _, err := h.store.TryPublishCacheEntry(context.Background(), weak, psh, strong, cache.CacheEntry{MetadataHash: metadataHash}); err != nil {
		t.Fatalf("TryPublishCacheEntry: %v", err)
	}

	if err := h.driver.Run(context.Background(), r); err != nil {
		t.Fatalf("Run: %v", err)
	}

	info, _ := h.table.Peek(p.ID)
	if info.State() != pip.StateDone {
		t.Fatalf("expected Done, got %v", info.State())
	}
	if pip.Result(info.Result()) != pip.ResultNotMaterialized {
		t.Fatalf("expected NotMaterialized (PinCachedOutputs is false), got %v", pip.Result(info.Result()))
	}
	if h.sandbox.RunCount(p.ID) != 0 {
		t.Fatalf("expected the sandbox to never run on a cache hit")
	}
}

func TestRunCacheOnlyMissIsSkipped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheOnly = true
	h := newTestHarness(cfg)
	p := simplePip(3)
	r := h.seedReady(p)

	if err := h.driver.Run(context.Background(), r); err != nil {
		t.Fatalf("Run: %v", err)
	}

	info, _ := h.table.Peek(p.ID)
	if info.State() != pip.StateSkipped {
		t.Fatalf("expected Skipped on a cache-only miss, got %v", info.State())
	}
}

func TestRunExecutesAndPublishesOnCacheMiss(t *testing.T) {
	h := newTestHarness(DefaultConfig())
	p := simplePip(4)
	r := h.seedReady(p)

	h.sandbox.ScriptResult(p.ID, &contracts.SandboxedProcessResult{ExitCode: 0}, nil)

	if err := h.driver.Run(context.Background(), r); err != nil {
		t.Fatalf("Run: %v", err)
	}

	info, _ := h.table.Peek(p.ID)
	if info.State() != pip.StateDone {
		t.Fatalf("expected Done, got %v", info.State())
	}
	if pip.Result(info.Result()) != pip.ResultExecuted {
		t.Fatalf("expected Executed, got %v", pip.Result(info.Result()))
	}

	weak := h.driver.weakFingerprint(p)
	refs, err := h.store.ListPublishedEntries(context.Background(), weak)
	if err != nil {
		t.Fatalf("ListPublishedEntries: %v", err)
	}
	if len(refs) == 0 {
		t.Fatal("expected a published cache entry after a clean execution")
	}
}

func TestRunFailsOnNonzeroExitWithNoRetriesConfigured(t *testing.T) {
	h := newTestHarness(DefaultConfig())
	p := simplePip(5)
	r := h.seedReady(p)

	h.sandbox.ScriptResult(p.ID, &contracts.SandboxedProcessResult{ExitCode: 1}, nil)

	if err := h.driver.Run(context.Background(), r); err != nil {
		t.Fatalf("Run: %v", err)
	}

	info, _ := h.table.Peek(p.ID)
	if info.State() != pip.StateFailed {
		t.Fatalf("expected Failed, got %v", info.State())
	}
	if r.Attempts != 1 {
		t.Fatalf("expected exactly one attempt with ProcessRetries=0, got %d", r.Attempts)
	}
}

func TestRunRetriesNonzeroExitUpToProcessRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProcessRetries = 2
	h := newTestHarness(cfg)
	p := simplePip(6)
	r := h.seedReady(p)

	h.sandbox.ScriptResult(p.ID, &contracts.SandboxedProcessResult{ExitCode: 1}, nil)
	h.sandbox.ScriptResult(p.ID, &contracts.SandboxedProcessResult{ExitCode: 1}, nil)
	h.sandbox.ScriptResult(p.ID, &contracts.SandboxedProcessResult{ExitCode: 0}, nil)

	if err := h.driver.Run(context.Background(), r); err != nil {
		t.Fatalf("Run: %v", err)
	}

	info, _ := h.table.Peek(p.ID)
	if info.State() != pip.StateDone {
		t.Fatalf("expected the third attempt to succeed, got %v", info.State())
	}
	if r.ExitCodeRetries != 2 {
		t.Fatalf("expected 2 exit-code retries consumed, got %d", r.ExitCodeRetries)
	}
}

func TestAdmitDependentsTransitionsOnlyAtZeroRefcount(t *testing.T) {
	h := newTestHarness(DefaultConfig())
	producer := simplePip(7)
	dependent := simplePip(8)
	h.graph.AddPip(producer)
	h.graph.AddPip(dependent)
	h.graph.AddEdge(producer.ID, dependent.ID, contracts.EdgeHeavy)

	h.table.Get(producer.ID, producer.Kind, 0)
	depInfo := h.table.Get(dependent.ID, dependent.Kind, 2)
	h.table.Transition(dependent.ID, pip.StateIgnored, pip.StateWaiting)

	h.driver.admitDependents(producer.ID)
	if depInfo.State() != pip.StateWaiting {
		t.Fatalf("expected dependent to remain Waiting after one of two decrements, got %v", depInfo.State())
	}

	h.driver.admitDependents(producer.ID)
	if depInfo.State() != pip.StateReady {
		t.Fatalf("expected dependent to admit to Ready once refcount reaches zero, got %v", depInfo.State())
	}
}

func TestHandleResourceCancellationBumpsExpectedMemory(t *testing.T) {
	h := newTestHarness(DefaultConfig())
	p := simplePip(9)
	r := h.seedReady(p)
	r.ExpectedMemoryBytes = 100
	r.ObservedPeakMemoryBytes = 90

	h.driver.trackRunning(context.Background(), p.ID, r.ExpectedMemoryBytes)
	h.driver.mu.Lock()
	h.driver.running[p.ID].reason = reasonResourceExhaustion
	h.driver.mu.Unlock()

	retry := h.driver.handleResourceCancellation(r, context.Canceled)
	if !retry {
		t.Fatal("expected a retry to be signaled for a resource-exhaustion cancellation")
	}
	if got, want := r.ExpectedMemoryBytes, governor.NextExpectedMemory(100, 90); got != want {
		t.Fatalf("expected bumped memory %d, got %d", want, got)
	}
	if r.ResourceRetries != 1 {
		t.Fatalf("expected ResourceRetries incremented to 1, got %d", r.ResourceRetries)
	}
}

func TestHandleResourceCancellationStopsAfterMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetriesDueToLowMemory = 1
	h := newTestHarness(cfg)
	p := simplePip(10)
	r := h.seedReady(p)
	r.ResourceRetries = 1

	h.driver.trackRunning(context.Background(), p.ID, 100)
	h.driver.mu.Lock()
	h.driver.running[p.ID].reason = reasonResourceExhaustion
	h.driver.mu.Unlock()

	if h.driver.handleResourceCancellation(r, context.Canceled) {
		t.Fatal("expected no further retry once MaxRetriesDueToLowMemory is exhausted")
	}
}

func TestCancelForPressureCancelsLargestFirst(t *testing.T) {
	h := newTestHarness(DefaultConfig())
	smallCancelled := false
	largeCancelled := false

	h.driver.mu.Lock()
	h.driver.running[100] = &runningEntry{cancel: func() { smallCancelled = true }, memory: 10}
	h.driver.running[200] = &runningEntry{cancel: func() { largeCancelled = true }, memory: 1000}
	h.driver.mu.Unlock()

	h.driver.cancelForPressure(500, false)

	if !largeCancelled {
		t.Fatal("expected the larger entry to be cancelled first")
	}
	if smallCancelled {
		t.Fatal("expected the smaller entry to survive once enough memory was freed")
	}
}

func TestWeakFingerprintIsOrderIndependentInDependencies(t *testing.T) {
	h := newTestHarness(DefaultConfig())
	a := identity.PathID(1)
	b := identity.PathID(2)

	p1 := &pip.Pip{ID: 11, SemistableHash: 42, Dependencies: []identity.PathID{a, b}}
	p2 := &pip.Pip{ID: 12, SemistableHash: 42, Dependencies: []identity.PathID{b, a}}

	if h.driver.weakFingerprint(p1) != h.driver.weakFingerprint(p2) {
		t.Fatal("expected weakFingerprint to be independent of Dependencies order")
	}
}
