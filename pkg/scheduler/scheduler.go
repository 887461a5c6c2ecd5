// Package scheduler wires together every other package in this module into
// the end-to-end execution engine (C1-C10, §2 control flow): it seeds the
// pip state table from a build graph and a pip selection, bridges the
// pipstate machine's Ready transitions into a priority-ordered ready
// queue, runs a pool of worker goroutines that pop from that queue and
// drive each pip through pkg/driver, and runs the resource governor
// alongside them for the duration of the build.
package scheduler

import (
	"context"
	"runtime"
	"sync"

	"github.com/pipforge/pipforge/pkg/cache"
	"github.com/pipforge/pipforge/pkg/contracts"
	"github.com/pipforge/pipforge/pkg/dispatch"
	"github.com/pipforge/pipforge/pkg/driver"
	"github.com/pipforge/pipforge/pkg/fsview"
	"github.com/pipforge/pipforge/pkg/governor"
	"github.com/pipforge/pipforge/pkg/identity"
	"github.com/pipforge/pipforge/pkg/logging"
	"github.com/pipforge/pipforge/pkg/observedinput"
	"github.com/pipforge/pipforge/pkg/pip"
	"github.com/pipforge/pipforge/pkg/pipselect"
	"github.com/pipforge/pipforge/pkg/pipstate"
	"github.com/pipforge/pipforge/pkg/ready"
)

// Config bundles every tunable surface the scheduler's collaborators
// expose (§6 Configuration surface). It is the runtime counterpart of
// pkg/config.Configuration; cmd/pipforge converts one into the other.
type Config struct {
	Dispatch            dispatch.Config
	Cache               cache.Config
	Governor            governor.Config
	Driver              driver.Config
	Scope               observedinput.Scope
	Workers             int
	DefaultExpectedMemoryBytes int64
}

// DefaultConfig returns a Config with every collaborator's own defaults
// and a worker count of runtime.NumCPU() (at least 1; the dispatcher's own
// per-queue limits, not Workers, are
// what actually bounds concurrency once a handful of workers are draining
// the ready queue).
func DefaultConfig() Config {
	cpus := int64(runtime.NumCPU())
	if cpus < 1 {
		cpus = 1
	}
	return Config{
		Dispatch:                   dispatch.DefaultConfig(cpus),
		Cache:                      cache.DefaultConfig(),
		Governor:                   governor.DefaultConfig(),
		Driver:                     driver.DefaultConfig(),
		Workers:                    int(cpus),
		DefaultExpectedMemoryBytes: 64 << 20,
	}
}

// Backends bundles the real (or in-memory double) implementations of every
// consumed contract (§6 Consumed contracts) the scheduler drives.
type Backends struct {
	Graph       contracts.PipGraph
	Store       contracts.TwoPhaseFingerprintStore
	CAS         contracts.ArtifactContentCache
	FileContent contracts.FileContentManager
	Sandbox     contracts.Sandbox
	Incremental contracts.IncrementalSchedulingState
	Collector   contracts.PerformanceCollector
	Paths       *identity.PathTable

	// Labels resolves a pip's label set for pipselect.Specification's
	// LabelSelector mechanism. pip.Pip carries no label field of its own,
	// so callers that want label-based selection supply a lookup here; with
	// a nil Labels every selector is matched against an empty label set, so
	// only selectors whose requirements all hold for no labels (such as
	// "!key" or "key!=value") select anything.
	Labels func(id pip.ID) map[string]string
}

// Scheduler is the constructed, ready-to-Run engine.
type Scheduler struct {
	config   Config
	backends Backends

	table   *pip.Table
	machine *pipstate.Machine
	queue   *ready.Queue
	driver  *driver.Driver
	gov     *governor.Governor

	logger *logging.Logger
}

// storeAdapter folds Backends.Store and Backends.CAS into the narrower
// cache.Store seam pkg/cache.Lookup needs, exactly as
// pkg/contracts/memory.StoreAdapter does for the in-memory doubles; this
// is the production-shaped twin of that adapter (§6 Store, §4.3
// augmentation markers, §4.4 pin checks).
type storeAdapter struct {
	store contracts.TwoPhaseFingerprintStore
	cas   contracts.ArtifactContentCache
}

func (a *storeAdapter) ListPublishedEntries(ctx context.Context, weak cache.WeakFingerprint) ([]cache.PublishedEntryRef, error) {
	return a.store.ListPublishedEntries(ctx, weak)
}

func (a *storeAdapter) TryGetCacheEntry(ctx context.Context, weak cache.WeakFingerprint, psh cache.PathSetHash, sfp cache.StrongFingerprint) (*cache.CacheEntry, error) {
	return a.store.TryGetCacheEntry(ctx, weak, psh, sfp)
}

func (a *storeAdapter) StorePathSet(ctx context.Context, set *observedinput.PathSet) (cache.PathSetHash, error) {
	return a.store.StorePathSet(ctx, set)
}

func (a *storeAdapter) TryPublishMarker(ctx context.Context, weak cache.WeakFingerprint, psh cache.PathSetHash) error {
	_, err := a.store.TryPublishCacheEntry(ctx, weak, psh, cache.AugmentedWeakFingerprintMarker, cache.CacheEntry{})
	return err
}

// TryRetrieveMetadata and ProbeContentAvailable take a raw [32]byte rather
// than identity.ContentHash to satisfy cache.Store's signature exactly;
// that interface spells the hash type out to avoid an import cycle with
// pkg/contracts (see pkg/cache.Store's doc comment).
func (a *storeAdapter) TryRetrieveMetadata(ctx context.Context, hash [32]byte) (*cache.Metadata, error) {
	return a.store.TryRetrieveMetadata(ctx, identity.ContentHash(hash))
}

func (a *storeAdapter) TryRetrievePathSet(ctx context.Context, hash cache.PathSetHash) (*observedinput.PathSet, error) {
	return a.store.TryRetrievePathSet(ctx, hash)
}

func (a *storeAdapter) ProbeContentAvailable(ctx context.Context, hash [32]byte) (bool, error) {
	return a.cas.ProbePin(ctx, identity.ContentHash(hash))
}

// fsProbe adapts the scheduler's backends into observedinput.FileSystemProbe
// via the fsview cache, so the two-phase lookup's replay step benefits from
// the tri-view existence cache instead of hitting FileContent directly for
// every observed path (§4.2, §4.4).
type fsProbe struct {
	fs      *fsview.Cache
	paths   *identity.PathTable
	content contracts.FileContentManager
}

func (p *fsProbe) Exists(path string) (bool, bool, error) {
	id := p.paths.Intern(path)
	existence := p.fs.Existence(fsview.Real, id)
	switch existence {
	case fsview.Nonexistent:
		return false, false, nil
	case fsview.IsDirectory:
		return true, true, nil
	case fsview.IsFile:
		return true, false, nil
	default:
		return false, false, nil
	}
}

func (p *fsProbe) Hash(path string) (identity.ContentHash, error) {
	id := p.paths.Intern(path)
	info, err := p.content.HashSourceFile(context.Background(), id)
	if err != nil {
		return identity.ContentHash{}, err
	}
	return info.Hash, nil
}

// New constructs a Scheduler from its backends and configuration. It does
// not seed the build graph; call Seed before Run.
func New(backends Backends, config Config) *Scheduler {
	table := pip.NewTable()
	dispatcher := dispatch.New(config.Dispatch)

	store := &storeAdapter{store: backends.Store, cas: backends.CAS}
	fs := fsview.New(backends.Paths)
	probe := &fsProbe{fs: fs, paths: backends.Paths, content: backends.FileContent}
	lookup := cache.NewLookup(store, probe, config.Scope, config.Cache, nil)

	queue := ready.New()
	machine := pipstate.NewMachine(table, backends.Graph, func(id pip.ID) {
		info, ok := table.Peek(id)
		if !ok {
			return
		}
		queue.Admit(id, info.Priority())
	})

	d := driver.NewDriver(
		table, backends.Graph, machine, dispatcher, lookup,
		backends.Store, backends.FileContent, backends.CAS, backends.Sandbox,
		backends.Incremental, backends.Paths, fs, config.Scope, config.Driver,
	)

	logger := logging.RootLogger.Sublogger("scheduler")
	d.Logger = logger.Sublogger("driver")

	s := &Scheduler{
		config:   config,
		backends: backends,
		table:    table,
		machine:  machine,
		queue:    queue,
		driver:   d,
		logger:   logger,
	}

	gov := governor.NewGovernor(backends.Collector, d, dispatcher, d.State, config.Governor)
	s.gov = gov

	return s
}

// heavyDependencyCount counts id's heavy incoming edges -- its initial
// refcount (§3 Data Model: "refcount ... the number of not-yet-completed
// heavy dependencies").
func heavyDependencyCount(graph contracts.PipGraph, id pip.ID) int32 {
	var n int32
	for _, edge := range graph.Dependencies(id) {
		if edge.Weight == contracts.EdgeHeavy {
			n++
		}
	}
	return n
}

// estimateDurationMs is the best-effort per-kind duration estimate driving
// the critical-path pass below. No real duration-history contract exists
// in this module (§9 Open Questions); these are deliberately coarse
// defaults, documented as a simplification rather than a measurement.
func estimateDurationMs(kind pip.Kind) int64 {
	switch kind {
	case pip.KindProcess, pip.KindIpc:
		return 2000
	case pip.KindCopyFile, pip.KindWriteFile:
		return 50
	default:
		return 10
	}
}

// computeCriticalPaths walks the graph in reverse topological order,
// summing each pip's own estimated duration with the longest critical path
// among its heavy dependents (§3, §8: "Critical-path and priority updates
// are best-effort").
func computeCriticalPaths(graph contracts.PipGraph) map[pip.ID]int64 {
	order := graph.TopologicalOrder()
	critical := make(map[pip.ID]int64, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		p, ok := graph.Pip(id)
		if !ok {
			continue
		}
		var best int64
		for _, edge := range graph.Dependents(id) {
			if edge.Weight != contracts.EdgeHeavy {
				continue
			}
			if c := critical[edge.Pip]; c > best {
				best = c
			}
		}
		critical[id] = best + estimateDurationMs(p.Kind)
	}
	return critical
}

// Seed partitions the graph per spec into force-skipped and selected pips
// (§2 "graph + filter -> seeds Ready set"), constructs every pip's runtime
// entry, and admits every zero-refcount selected pip into the ready queue.
// It must be called exactly once, before Run.
func (s *Scheduler) Seed(spec pipselect.Specification) error {
	selector, err := pipselect.New(spec)
	if err != nil {
		return err
	}

	critical := computeCriticalPaths(s.backends.Graph)
	pips := s.backends.Graph.Pips()

	forceSkip := pipselect.NewForceSkipSet()
	for _, p := range pips {
		var labels map[string]string
		if s.backends.Labels != nil {
			labels = s.backends.Labels(p.ID)
		}
		if !selector.SelectsPip(uint32(p.ID), labels) {
			forceSkip.Add(uint32(p.ID))
		}
	}

	for _, p := range pips {
		refcount := heavyDependencyCount(s.backends.Graph, p.ID)
		info := s.table.Get(p.ID, p.Kind, refcount)
		info.SetPriority(pip.EncodePriority(p.UserPriority, critical[p.ID]))
		s.table.Transition(p.ID, pip.StateIgnored, pip.StateWaiting)
	}

	for _, p := range pips {
		if forceSkip.Contains(uint32(p.ID)) {
			s.machine.ForceSkip(p.ID)
		}
	}

	for _, p := range pips {
		if forceSkip.Contains(uint32(p.ID)) {
			continue
		}
		info, ok := s.table.Peek(p.ID)
		if !ok || info.Refcount() != 0 {
			continue
		}
		if err := s.machine.AdmitReady(p.ID); err != nil {
			return err
		}
	}

	return nil
}

// Run drives the build to completion: it starts the governor, spins up
// Config.Workers worker goroutines draining the ready queue through
// pkg/driver, and returns once the queue is closed and every worker has
// exited. Callers close the queue (via Stop) once they know no further
// pips can become ready, typically when OnPipCompleted reports the last
// outstanding pip.
func (s *Scheduler) Run(ctx context.Context) {
	govCtx, cancelGov := context.WithCancel(ctx)
	defer cancelGov()
	go s.gov.Run(govCtx)

	// A canceled ctx must unblock any worker parked in queue.Take, which
	// otherwise only wakes on a new admission or an explicit Stop.
	go func() {
		<-ctx.Done()
		s.queue.Close()
	}()

	var wg sync.WaitGroup
	workers := s.config.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.workerLoop(ctx)
		}()
	}
	wg.Wait()
}

// workerLoop repeatedly pops one ready pip and drives it to completion,
// until the ready queue is closed or ctx is done.
func (s *Scheduler) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		id, ok := s.queue.Take()
		if !ok {
			return
		}
		p, ok := s.backends.Graph.Pip(id)
		if !ok {
			s.logger.Printf("ready queue produced unknown pip %d", id)
			continue
		}
		info, ok := s.table.Peek(id)
		if !ok {
			continue
		}

		runnable := driver.NewRunnablePip(p, info.Priority(), s.config.DefaultExpectedMemoryBytes)
		if err := s.driver.Run(ctx, runnable); err != nil {
			s.logger.Printf("pip %d: %v", id, err)
		}
	}
}

// Stop closes the ready queue, unblocking every worker once it next calls
// Take with nothing left to do. It is safe to call once, typically from
// Driver.OnPipCompleted after the last outstanding pip finishes.
func (s *Scheduler) Stop() {
	s.queue.Close()
}

// Driver exposes the underlying driver, primarily so callers can set
// OnPipCompleted to track completion and call Stop once the build is done.
func (s *Scheduler) Driver() *driver.Driver {
	return s.driver
}

// Table exposes the pip runtime table for inspection (final states,
// results) once a build finishes.
func (s *Scheduler) Table() *pip.Table {
	return s.table
}
