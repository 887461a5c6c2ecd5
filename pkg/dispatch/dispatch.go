// Package dispatch implements the typed dispatcher queues (C8, §4.6):
// independent admission queues per PipExecutionStep kind, a weighted
// semaphore for the CPU queue (§9 "model as a semaphore taking N permits
// where each pip acquires weight permits"), pause/resume of the CPU queue
// under resource pressure, and cancellation with an optional drain timeout.
package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pipforge/pipforge/pkg/pip"
)

// Kind names one of the dispatcher's independent queues (§4.6).
type Kind uint8

const (
	KindDelayedCacheLookup Kind = iota
	KindChooseWorkerCacheLookup
	KindChooseWorkerCpu
	KindChooseWorkerIpc
	KindCacheLookup
	KindMaterialize
	KindCPU
	KindLight
	KindIO
	KindIpcPips
)

// String returns a human-readable queue kind name.
func (k Kind) String() string {
	switch k {
	case KindDelayedCacheLookup:
		return "DelayedCacheLookup"
	case KindChooseWorkerCacheLookup:
		return "ChooseWorkerCacheLookup"
	case KindChooseWorkerCpu:
		return "ChooseWorkerCpu"
	case KindChooseWorkerIpc:
		return "ChooseWorkerIpc"
	case KindCacheLookup:
		return "CacheLookup"
	case KindMaterialize:
		return "Materialize"
	case KindCPU:
		return "CPU"
	case KindLight:
		return "Light"
	case KindIO:
		return "IO"
	case KindIpcPips:
		return "IpcPips"
	default:
		return "Unknown"
	}
}

// ParseKind parses the name produced by Kind.String back into a Kind, for
// decoding queue overrides from the configuration surface (§6).
func ParseKind(name string) (Kind, bool) {
	for _, k := range []Kind{
		KindDelayedCacheLookup, KindChooseWorkerCacheLookup, KindChooseWorkerCpu,
		KindChooseWorkerIpc, KindCacheLookup, KindMaterialize, KindCPU, KindLight,
		KindIO, KindIpcPips,
	} {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

// Step names a point in the pip execution driver's state machine (§4.5),
// used by DecideDispatcherKind to pick a queue.
type Step uint8

const (
	StepStart Step = iota
	StepCheckIncrementalSkip
	StepChooseWorkerCacheLookup
	StepCacheLookup
	StepChooseWorkerCpu
	StepMaterializeInputs
	StepExecuteProcess
	StepPostProcess
	StepHandleResult
	StepMaterializeOutputs
)

// DecideDispatcherKind is the pure table of §4.6: (PipType, Step) -> Kind,
// with a nil *Kind meaning "run inline on the current thread".
func DecideDispatcherKind(kind pip.Kind, step Step, isLight bool) *Kind {
	k := func(v Kind) *Kind { return &v }

	switch step {
	case StepStart:
		if !kind.Heavy() {
			return k(KindLight)
		}
		return nil
	case StepChooseWorkerCacheLookup:
		return k(KindChooseWorkerCacheLookup)
	case StepCacheLookup, StepPostProcess:
		return k(KindCacheLookup)
	case StepMaterializeInputs, StepMaterializeOutputs:
		return k(KindMaterialize)
	case StepChooseWorkerCpu:
		if isLight {
			return k(KindLight)
		}
		if kind == pip.KindIpc {
			return k(KindChooseWorkerIpc)
		}
		return k(KindChooseWorkerCpu)
	case StepExecuteProcess:
		if isLight {
			return k(KindLight)
		}
		if kind == pip.KindIpc {
			return k(KindIpcPips)
		}
		return k(KindCPU)
	default:
		return nil
	}
}

// queueState tracks a single non-weighted queue's admission gate.
type queueState struct {
	mu     sync.Mutex
	paused bool
	cond   *sync.Cond
	active int
	max    int
}

func newQueueState(max int) *queueState {
	q := &queueState{max: max}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Dispatcher owns the full set of typed queues plus the weighted CPU
// semaphore.
type Dispatcher struct {
	queues map[Kind]*queueState
	cpu    *semaphore.Weighted

	mu         sync.Mutex
	cancelled  bool
	cancelCh   chan struct{}
	cpuPaused  bool
	cpuResumed *sync.Cond
}

// Config bundles the dispatcher's per-queue parallelism limits (§6
// Configuration surface, §4.6).
type Config struct {
	MaxParallelDegree map[Kind]int
	// CPUSlots is the total number of weighted CPU permits (maxProcesses *
	// orchestratorCpuMultiplier, §9 "Weighted CPU slots").
	CPUSlots int64
}

// DefaultConfig returns reasonable per-queue limits; callers override via
// Config.MaxParallelDegree for queues needing a different cap.
func DefaultConfig(cpuSlots int64) Config {
	return Config{
		MaxParallelDegree: map[Kind]int{
			KindDelayedCacheLookup:      4,
			KindChooseWorkerCacheLookup: 8,
			KindChooseWorkerCpu:         8,
			KindChooseWorkerIpc:         8,
			KindCacheLookup:             16,
			KindMaterialize:             8,
			KindLight:                   32,
			KindIO:                      8,
			KindIpcPips:                 8,
		},
		CPUSlots: cpuSlots,
	}
}

// New constructs a Dispatcher from config.
func New(config Config) *Dispatcher {
	d := &Dispatcher{
		queues:   make(map[Kind]*queueState),
		cpu:      semaphore.NewWeighted(config.CPUSlots),
		cancelCh: make(chan struct{}),
	}
	d.cpuResumed = sync.NewCond(&d.mu)
	for kind, max := range config.MaxParallelDegree {
		d.queues[kind] = newQueueState(max)
	}
	return d
}

// cpuWeight caps a pip's historic-CPU-use-derived weight to [1,10] (§9
// "Weighted CPU slots ... capped as in source to prevent runaway").
func cpuWeight(weight int) int64 {
	if weight < 1 {
		weight = 1
	}
	if weight > 10 {
		weight = 10
	}
	return int64(weight)
}

// Admit blocks until a slot in kind is available (respecting pause state
// and weighted CPU accounting for KindCPU), then returns a release
// function the caller must call exactly once when the work completes. It
// returns an error if ctx is canceled or the dispatcher itself has been
// canceled first.
func (d *Dispatcher) Admit(ctx context.Context, kind Kind, cpuWeightHint int) (release func(), err error) {
	if kind == KindCPU {
		d.mu.Lock()
		for d.cpuPaused && ctx.Err() == nil && !d.cancelled {
			d.cpuResumed.Wait()
		}
		cancelled := d.cancelled
		d.mu.Unlock()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if cancelled {
			return nil, context.Canceled
		}

		weight := cpuWeight(cpuWeightHint)
		if err := d.cpu.Acquire(ctx, weight); err != nil {
			return nil, err
		}
		return func() { d.cpu.Release(weight) }, nil
	}

	q, ok := d.queues[kind]
	if !ok {
		// No limiter configured for this kind: run unthrottled.
		return func() {}, nil
	}

	q.mu.Lock()
	for (q.paused || q.active >= q.max) && ctx.Err() == nil && !d.isCancelled() {
		q.cond.Wait()
	}
	if ctx.Err() != nil {
		q.mu.Unlock()
		return nil, ctx.Err()
	}
	if d.isCancelled() {
		q.mu.Unlock()
		return nil, context.Canceled
	}
	q.active++
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		q.active--
		q.cond.Signal()
		q.mu.Unlock()
	}, nil
}

func (d *Dispatcher) isCancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}

// Pause suspends admission to kind, used by the resource governor (C9) on
// low RAM (§4.6, §4.7). Auto-unpaused on a 60s timer by the governor so a
// stuck low-memory reading cannot deadlock the scheduler.
func (d *Dispatcher) Pause(kind Kind) {
	if kind == KindCPU {
		d.mu.Lock()
		d.cpuPaused = true
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[kind]
	if !ok {
		return
	}
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume lifts a prior Pause on kind.
func (d *Dispatcher) Resume(kind Kind) {
	if kind == KindCPU {
		d.mu.Lock()
		d.cpuPaused = false
		d.mu.Unlock()
		d.cpuResumed.Broadcast()
		return
	}
	q, ok := d.queues[kind]
	if !ok {
		return
	}
	q.mu.Lock()
	q.paused = false
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Cancel stops admitting new work, unblocking every queue waiter so it can
// observe the cancellation and return an error from Admit.
func (d *Dispatcher) Cancel() {
	d.mu.Lock()
	if d.cancelled {
		d.mu.Unlock()
		return
	}
	d.cancelled = true
	close(d.cancelCh)
	d.cpuResumed.Broadcast()
	d.mu.Unlock()

	for _, q := range d.queues {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// DrainQueues blocks until every queue's active count reaches zero or ctx
// is done, whichever comes first. Callers implementing "cancel with
// optional timeout" (§4.6) pass a context.WithTimeout so a stuck drain
// still returns on schedule (§4.6 "used by fast-fail").
func (d *Dispatcher) DrainQueues(ctx context.Context) {
	for {
		idle := true
		for _, q := range d.queues {
			q.mu.Lock()
			if q.active > 0 {
				idle = false
			}
			q.mu.Unlock()
		}
		if idle {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}
