// Package driver implements the pip execution driver (C10, §4.5): the step
// function that advances a RunnablePip through CheckIncrementalSkip, the
// two-phase cache lookup, sandboxed execution, PostProcess, and
// dependent scheduling, dispatching each step inline or onto a typed queue
// per dispatch.DecideDispatcherKind. It also implements governor.ResourceManager,
// since the driver is the only component that knows which pips are
// currently running and how much memory each expects to use.
package driver

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/pipforge/pipforge/pkg/cache"
	"github.com/pipforge/pipforge/pkg/contracts"
	"github.com/pipforge/pipforge/pkg/dispatch"
	"github.com/pipforge/pipforge/pkg/fsview"
	"github.com/pipforge/pipforge/pkg/governor"
	"github.com/pipforge/pipforge/pkg/identity"
	"github.com/pipforge/pipforge/pkg/logging"
	"github.com/pipforge/pipforge/pkg/observedinput"
	"github.com/pipforge/pipforge/pkg/pip"
	"github.com/pipforge/pipforge/pkg/pipstate"
)

// maxInlineInfraRetries bounds the internal inline retries of §5 (i): lost
// sandbox messages, detours mismatches, and similar sandbox-reported
// inconclusive attempts.
const maxInlineInfraRetries = 5

// RunnablePip is the mutable per-attempt companion to a pip.Pip that the
// driver threads through its step chain (§9 "a RunnablePip record").
type RunnablePip struct {
	Pip      *pip.Pip
	Priority int32

	ExpectedMemoryBytes     int64
	ObservedPeakMemoryBytes int64

	Attempts        int
	ResourceRetries int
	InfraRetries    int
	ExitCodeRetries int

	// attemptObservations accumulates each attempt's classified sandbox
	// accesses so PostProcess can merge retry evidence (§7).
	attemptObservations [][]observedinput.Observation
}

// NewRunnablePip constructs a RunnablePip ready for its first attempt.
func NewRunnablePip(p *pip.Pip, priority int32, expectedMemoryBytes int64) *RunnablePip {
	return &RunnablePip{Pip: p, Priority: priority, ExpectedMemoryBytes: expectedMemoryBytes}
}

// Config bundles the driver's configuration-surface fields (§6).
type Config struct {
	CacheOnly           bool
	StopOnFirstError    bool
	StoreOutputsToCache bool
	ProcessRetries      int
	MaxRetriesDueToLowMemory         int
	MaxRetriesDueToRetryableFailures int
}

// DefaultConfig returns conservative defaults; StoreOutputsToCache defaults
// true since skipping CAS publication is an explicit opt-out (§6).
func DefaultConfig() Config {
	return Config{
		StoreOutputsToCache:              true,
		ProcessRetries:                   0,
		MaxRetriesDueToLowMemory:         8,
		MaxRetriesDueToRetryableFailures: 3,
	}
}

// cancelReason distinguishes why a running attempt's context was canceled,
// so the driver can tell a governor-driven cancellation (retry with bumped
// memory) apart from ordinary termination.
type cancelReason uint8

const (
	reasonNone cancelReason = iota
	reasonResourceExhaustion
	reasonTerminating
)

// runningEntry tracks one in-flight attempt for governor.ResourceManager.
type runningEntry struct {
	cancel    context.CancelFunc
	memory    int64
	reason    cancelReason
	suspended bool
}

// Driver wires together every collaborator the pip execution step chain
// needs (§4.5, §6).
type Driver struct {
	Table       *pip.Table
	Graph       contracts.PipGraph
	Machine     *pipstate.Machine
	Dispatch    *dispatch.Dispatcher
	Lookup      *cache.Lookup
	Store       contracts.TwoPhaseFingerprintStore
	FileContent contracts.FileContentManager
	CAS         contracts.ArtifactContentCache
	Sandbox     contracts.Sandbox
	Incremental contracts.IncrementalSchedulingState
	Paths       *identity.PathTable
	FS          *fsview.Cache
	Scope       observedinput.Scope
	Config      Config

	// Logger receives per-pip lifecycle events (§6 ambient logging); a nil
	// logger is valid and silently discards everything (logging.Logger's
	// nil-receiver semantics).
	Logger *logging.Logger

	// OnPipCompleted is called once a pip reaches a terminal state, after
	// dependent refcounts have been decremented (§6 on_pip_completed).
	OnPipCompleted func(id pip.ID, result pip.Result)

	mu          sync.Mutex
	running     map[pip.ID]*runningEntry
	terminating int32
}

// NewDriver constructs a Driver. The driver logs under RootLogger.Sublogger("driver").
func NewDriver(table *pip.Table, graph contracts.PipGraph, machine *pipstate.Machine, d *dispatch.Dispatcher, lookup *cache.Lookup, store contracts.TwoPhaseFingerprintStore, fileContent contracts.FileContentManager, cas contracts.ArtifactContentCache, sandbox contracts.Sandbox, incremental contracts.IncrementalSchedulingState, paths *identity.PathTable, fs *fsview.Cache, scope observedinput.Scope, config Config) *Driver {
	return &Driver{
		Table:       table,
		Graph:       graph,
		Machine:     machine,
		Dispatch:    d,
		Lookup:      lookup,
		Store:       store,
		FileContent: fileContent,
		CAS:         cas,
		Sandbox:     sandbox,
		Incremental: incremental,
		Paths:       paths,
		FS:          fs,
		Scope:       scope,
		Config:      config,
		Logger:      logging.RootLogger.Sublogger("driver"),
		running:     make(map[pip.ID]*runningEntry),
	}
}

// RequestTermination sets the global terminating flag (§4.5 "termination
// sets a global terminating flag"); every in-flight Run call diverts to
// Cancel at its next suspension point.
func (d *Driver) RequestTermination() {
	d.Logger.Println("termination requested; canceling in-flight attempts")
	d.mu.Lock()
	d.terminating = 1
	for _, e := range d.running {
		if e.reason == reasonNone {
			e.reason = reasonTerminating
			e.cancel()
		}
	}
	d.mu.Unlock()
}

func (d *Driver) isTerminating() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminating != 0
}

// runStep applies dispatch.DecideDispatcherKind for step and either runs fn
// inline or behind the matching queue's admission gate.
func (d *Driver) runStep(ctx context.Context, r *RunnablePip, step dispatch.Step, cpuWeightHint int, fn func(context.Context) error) error {
	kind := dispatch.DecideDispatcherKind(r.Pip.Kind, step, r.Pip.IsLight)
	if kind == nil {
		d.Logger.Tracef("pip %d step %v dispatched inline", r.Pip.ID, step)
		return fn(ctx)
	}
	d.Logger.Tracef("pip %d step %v dispatched onto queue %v (cpu weight %d)", r.Pip.ID, step, *kind, cpuWeightHint)
	release, err := d.Dispatch.Admit(ctx, *kind, cpuWeightHint)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Run drives one pip from Start through its terminal state (§4.5). It
// assumes the caller has already admitted id into Ready and popped it from
// the ready queue (pipstate.Machine.Start is the Ready->Running transition
// this call performs first).
func (d *Driver) Run(ctx context.Context, r *RunnablePip) error {
	if err := d.Machine.Start(r.Pip.ID); err != nil {
		return err
	}

	if d.isTerminating() {
		return d.finish(ctx, r, pip.StateCanceled, pip.ResultCanceled)
	}

	skip, err := d.checkIncrementalSkip(ctx, r)
	if err != nil {
		return d.finish(ctx, r, pip.StateFailed, pip.ResultFailed)
	}
	if skip {
		return d.finish(ctx, r, pip.StateDone, pip.ResultUpToDate)
	}

	weak := d.weakFingerprint(r.Pip)

	lookupResult, err := d.cacheLookup(ctx, r, weak)
	if err != nil {
		return d.finish(ctx, r, pip.StateFailed, pip.ResultFailed)
	}

	if lookupResult.Hit() {
		return d.runFromCache(ctx, r, lookupResult)
	}

	if d.Config.CacheOnly {
		return d.finish(ctx, r, pip.StateSkipped, pip.ResultSkipped)
	}

	return d.executeAndPublish(ctx, r, weak)
}

func (d *Driver) checkIncrementalSkip(ctx context.Context, r *RunnablePip) (bool, error) {
	var skip bool
	err := d.runStep(ctx, r, dispatch.StepCheckIncrementalSkip, 0, func(context.Context) error {
		if d.Incremental != nil {
			skip = d.Incremental.IsCleanAndMaterialized(r.Pip.ID)
		}
		return nil
	})
	return skip, err
}

// weakFingerprint hashes the declared identity available on Pip:
// SemistableHash, sorted Dependencies, and UserPriority. Command line, env,
// and salts feeding the real weak fingerprint live upstream of the graph
// (§1 Non-goals: the frontend that produces the pip graph).
func (d *Driver) weakFingerprint(p *pip.Pip) cache.WeakFingerprint {
	deps := append([]identity.PathID(nil), p.Dependencies...)
	sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })

	buf := make([]byte, 0, 9+4*len(deps))
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.SemistableHash))
	for _, id := range deps {
		buf = binary.BigEndian.AppendUint32(buf, uint32(id))
	}
	buf = append(buf, p.UserPriority)
	return cache.WeakFingerprint(identity.FastHashBytes(buf))
}

func (d *Driver) cacheLookup(ctx context.Context, r *RunnablePip, weak cache.WeakFingerprint) (cache.Result, error) {
	if err := d.runStep(ctx, r, dispatch.StepChooseWorkerCacheLookup, 0, func(context.Context) error { return nil }); err != nil {
		return cache.Result{}, err
	}

	var result cache.Result
	err := d.runStep(ctx, r, dispatch.StepCacheLookup, 0, func(ctx context.Context) error {
		var lookupErr error
		result, lookupErr = d.Lookup.Run(ctx, weak, true, nil)
		return lookupErr
	})
	return result, err
}

// runFromCache materializes (if configured) and finishes a pip whose cache
// lookup hit (S1: "B's outputs are not on disk" unless pinCachedOutputs).
func (d *Driver) runFromCache(ctx context.Context, r *RunnablePip, result cache.Result) error {
	materialized := false

	if d.Lookup.Config.PinCachedOutputs {
		err := d.runStep(ctx, r, dispatch.StepMaterializeOutputs, 0, func(ctx context.Context) error {
			return d.materializeFromCache(ctx, r.Pip, result)
		})
		if err != nil {
			return d.finish(ctx, r, pip.StateFailed, pip.ResultFailed)
		}
		materialized = true
	}

	if d.Incremental != nil {
		d.Incremental.MarkClean(r.Pip.ID)
		if materialized {
			d.Incremental.MarkMaterialized(r.Pip.ID)
		}
	}

	outcome := pip.ResultNotMaterialized
	if materialized {
		outcome = pip.ResultUpToDate
	}
	return d.finish(ctx, r, pip.StateDone, outcome)
}

// materializeFromCache replays a cache entry's static outputs, dynamic
// (opaque-directory) outputs, and empty created directories onto disk
// (§4.5 PostProcess step 4, §8 S6 convergence, cache-hit replay). p supplies
// the opaque-directory roots that DynamicOutputs's opaque-idx keys resolve
// against; it must be the same pip (by declared OpaqueOutputs) that
// produced result's metadata.
func (d *Driver) materializeFromCache(ctx context.Context, p *pip.Pip, result cache.Result) error {
	if err := d.materializeOutputMap(ctx, result.Metadata.StaticOutputs); err != nil {
		return err
	}

	for idx, members := range result.Metadata.DynamicOutputs {
		if idx < 0 || idx >= len(p.OpaqueOutputs) {
			return errors.Errorf("cached metadata references opaque-idx %d but pip only declares %d opaque outputs", idx, len(p.OpaqueOutputs))
		}
		dirPath := d.Paths.Lookup(p.OpaqueOutputs[idx])

		absolute := make(map[string]identity.FileMaterializationInfo, len(members))
		for relPath, info := range members {
			absolute[filepath.Join(dirPath, relPath)] = info
		}
		if err := d.materializeOutputMap(ctx, absolute); err != nil {
			return err
		}
	}

	if d.FS != nil {
		for _, dirPath := range result.Metadata.CreatedDirectories {
			id := d.Paths.Intern(dirPath)
			d.FS.RecordDirectoryCreatedByPip(id, false)
		}
	}

	return nil
}

func (d *Driver) materializeOutputMap(ctx context.Context, outputs map[string]identity.FileMaterializationInfo) error {
	for relPath, info := range outputs {
		if info.IsAbsent() {
			continue
		}
		id := d.Paths.Intern(relPath)
		origin, err := d.CAS.Materialize(ctx, info.Hash, relPath)
		if err != nil {
			return errors.Wrapf(err, "materializing cached output %s", relPath)
		}
		artifact := identity.FileArtifact{Path: id}
		if err := d.FileContent.ReportOutputContent(ctx, artifact, info, origin); err != nil {
			return err
		}
		if d.FS != nil {
			d.FS.Record(fsview.Output, id, fsview.IsFile)
		}
	}
	return nil
}

// finish transitions r.Pip to its terminal state, decrements every heavy
// dependent's refcount exactly once (§5 "enforced by decrementing the
// dependent's refcount only inside the producer's HandleResult step"), and
// invokes OnPipCompleted. pipstate.Machine.Finish already performs the
// dependent cascade for Failed/Canceled; the Done path has no cascade of
// its own, so the driver performs it here instead.
func (d *Driver) finish(ctx context.Context, r *RunnablePip, state pip.State, result pip.Result) error {
	d.untrackRunning(r.Pip.ID)

	if err := d.Machine.Finish(r.Pip.ID, state, result); err != nil {
		return err
	}

	d.Logger.Debugf("pip %d finished: state=%v result=%v attempts=%d", r.Pip.ID, state, result, r.Attempts)

	if state == pip.StateDone {
		d.admitDependents(r.Pip.ID)
	}

	if result == pip.ResultFailed {
		d.Logger.Printf("pip %d failed after %d attempt(s)", r.Pip.ID, r.Attempts)
		if d.Config.StopOnFirstError {
			d.RequestTermination()
		}
	}

	if d.OnPipCompleted != nil {
		d.OnPipCompleted(r.Pip.ID, result)
	}
	return nil
}

// admitDependents decrements the refcount of every heavy dependent of id,
// transitioning to Ready (via Machine.AdmitReady, which also resolves the
// Skipped race of §3) any dependent this call drives to zero. It is the
// success-path counterpart of pipstate.Machine.cascadeSkip, which instead
// skips each heavy dependent first and then decrements its refcount.
func (d *Driver) admitDependents(id pip.ID) {
	if d.Graph == nil {
		return
	}
	for _, edge := range d.Graph.Dependents(id) {
		if edge.Weight != contracts.EdgeHeavy {
			continue
		}
		info, ok := d.Table.Peek(edge.Pip)
		if !ok {
			continue
		}
		if info.DecrementRefcount() {
			d.Machine.AdmitReady(edge.Pip)
		}
	}
}
