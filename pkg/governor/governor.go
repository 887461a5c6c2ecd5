// Package governor implements the resource governor (C9, §4.7): a status
// timer that samples machine RAM/commit/CPU pressure and, in a fixed
// decision order, throttles the CPU dispatch queue, cancels or suspends
// running pips, and resumes suspended work as slack returns.
package governor

import (
	"context"
	"time"

	"github.com/pipforge/pipforge/pkg/contracts"
	"github.com/pipforge/pipforge/pkg/dispatch"
)

// Policy names the governor's response to memory pressure (§4.7).
type Policy uint8

const (
	// PolicyCancellationCommit cancels pips to relieve critical commit
	// pressure (decision 1).
	PolicyCancellationCommit Policy = iota
	// PolicyCancellationRam cancels pips to relieve low-RAM pressure
	// (decision 2, non-thrashing default).
	PolicyCancellationRam
	// PolicyCancelSuspendedFirst cancels already-suspended pips before any
	// running pip when the machine is thrashing (decision 2).
	PolicyCancelSuspendedFirst
)

// Config bundles the governor's thresholds, all overridable from the
// configuration surface (§6); zero-value fields fall back to DefaultConfig.
type Config struct {
	TickInterval time.Duration

	CriticalCommitUtilizationPercentage float64
	MaximumRamUtilizationPercentage     float64
	MaximumCommitUtilizationPercentage  float64
	ThrashRAMPercent                    float64
	ThrashModifiedPageSetPercent        float64
	CPUPressurePercent                  float64
	ContextSwitchesPerCoreThreshold     float64
	CommitFreeSlackPercent              float64

	// DefaultLowRAMPolicy is used for decision 2 outside of thrashing,
	// where it is platform-specific (§4.7); this governor has no
	// platform split here, so callers set it once at construction.
	DefaultLowRAMPolicy Policy

	// CPUQueueAutoResumeInterval bounds how long the CPU queue stays
	// paused before being force-resumed, guarding against a stuck low-
	// memory reading deadlocking the scheduler (§4.6).
	CPUQueueAutoResumeInterval time.Duration
}

// DefaultConfig returns the thresholds named in §4.7.
func DefaultConfig() Config {
	return Config{
		TickInterval:                         2 * time.Second,
		CriticalCommitUtilizationPercentage:  98,
		MaximumRamUtilizationPercentage:       90,
		MaximumCommitUtilizationPercentage:    95,
		ThrashRAMPercent:                      98,
		ThrashModifiedPageSetPercent:          50,
		CPUPressurePercent:                    98,
		ContextSwitchesPerCoreThreshold:       5000,
		CommitFreeSlackPercent:                2,
		DefaultLowRAMPolicy:                   PolicyCancellationRam,
		CPUQueueAutoResumeInterval:            60 * time.Second,
	}
}

// ActionKind distinguishes the governor's possible reactions to a sample.
type ActionKind uint8

const (
	ActionCancelForCommit ActionKind = iota
	ActionReduceForLowRAM
	ActionPauseCPUAdmission
	ActionResumeSuspended
	ActionCancelOneSuspended
)

// Action is one governor decision produced by Decide, carrying whatever
// extra data its Kind needs.
type Action struct {
	Kind       ActionKind
	Policy     Policy
	FreeBytes  int64
}

// State is the subset of live scheduler state Decide needs beyond the
// performance sample (decisions 5 and 6, §4.7).
type State struct {
	HasActiveProcessPips bool
	HasSuspendedPips     bool
}

// Decide applies the six-step decision order of §4.7 to one sample and
// returns the actions the governor should take, in order. It is a pure
// function so the policy can be exercised without real sampling.
func Decide(sample contracts.PerformanceSample, cfg Config, state State) []Action {
	var actions []Action

	critical := sample.CommitPercent >= cfg.CriticalCommitUtilizationPercentage
	if critical {
		overBy := sample.CommitPercent - cfg.CriticalCommitUtilizationPercentage + cfg.CommitFreeSlackPercent
		freeBytes := int64(overBy / 100 * float64(sample.CommitLimitBytes))
		if freeBytes > 0 {
			actions = append(actions, Action{Kind: ActionCancelForCommit, FreeBytes: freeBytes})
		}
	}

	thrashing := sample.RAMPercent >= cfg.ThrashRAMPercent && sample.ModifiedPageSetPercent > cfg.ThrashModifiedPageSetPercent
	lowRAM := sample.EffectiveRAMPercent > cfg.MaximumRamUtilizationPercentage || thrashing
	if lowRAM {
		policy := cfg.DefaultLowRAMPolicy
		if thrashing {
			policy = PolicyCancelSuspendedFirst
		}
		actions = append(actions, Action{Kind: ActionReduceForLowRAM, Policy: policy})
	}

	lowCommit := !critical && sample.CommitPercent > cfg.MaximumCommitUtilizationPercentage
	if lowCommit {
		actions = append(actions, Action{Kind: ActionPauseCPUAdmission})
	}

	cores := sample.Cores
	if cores < 1 {
		cores = 1
	}
	cpuPressure := sample.CPUPercent >= cfg.CPUPressurePercent && sample.ContextSwitchesPerSec > cfg.ContextSwitchesPerCoreThreshold*float64(cores)
	if cpuPressure {
		actions = append(actions, Action{Kind: ActionPauseCPUAdmission})
	}

	if !lowRAM && !critical && state.HasSuspendedPips {
		actions = append(actions, Action{Kind: ActionResumeSuspended})
	}

	if !state.HasActiveProcessPips && state.HasSuspendedPips {
		actions = append(actions, Action{Kind: ActionCancelOneSuspended})
	}

	return actions
}

// ResourceManager is the scheduler-side collaborator the governor drives:
// it owns the running/suspended pip bookkeeping the governor's decisions
// act on.
type ResourceManager interface {
	// CancelForCommit cancels running pips, largest memory first, until at
	// least freeBytes have been freed (decision 1).
	CancelForCommit(ctx context.Context, freeBytes int64) error
	// ReduceForLowRAM cancels or suspends pips per policy (decision 2).
	ReduceForLowRAM(ctx context.Context, policy Policy) error
	// ResumeSuspended resumes suspended pips, largest first, as RAM slack
	// returns (decision 5).
	ResumeSuspended(ctx context.Context) error
	// CancelOneSuspended breaks the deadlock of decision 6.
	CancelOneSuspended(ctx context.Context) error
}

// Governor runs the status timer and applies Decide's output against a
// ResourceManager and the CPU dispatch queue.
type Governor struct {
	Collector contracts.PerformanceCollector
	Manager   ResourceManager
	Dispatch  *dispatch.Dispatcher
	State     func() State
	Config    Config

	cpuPausedSince time.Time
}

// NewGovernor constructs a Governor. state is called fresh on every tick to
// read current active/suspended pip counts from the scheduler.
func NewGovernor(collector contracts.PerformanceCollector, manager ResourceManager, d *dispatch.Dispatcher, state func() State, cfg Config) *Governor {
	return &Governor{Collector: collector, Manager: manager, Dispatch: d, State: state, Config: cfg}
}

// Run blocks, ticking every Config.TickInterval, until ctx is done.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.Config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

func (g *Governor) tick(ctx context.Context) {
	sample, err := g.Collector.Sample(ctx)
	if err != nil {
		return
	}
	actions := Decide(sample, g.Config, g.State())
	g.apply(ctx, actions)
	g.checkAutoResume()
}

func (g *Governor) apply(ctx context.Context, actions []Action) {
	for _, action := range actions {
		switch action.Kind {
		case ActionCancelForCommit:
			g.Manager.CancelForCommit(ctx, action.FreeBytes)
		case ActionReduceForLowRAM:
			g.Manager.ReduceForLowRAM(ctx, action.Policy)
		case ActionPauseCPUAdmission:
			g.pauseCPU()
		case ActionResumeSuspended:
			g.Manager.ResumeSuspended(ctx)
		case ActionCancelOneSuspended:
			g.Manager.CancelOneSuspended(ctx)
		}
	}
}

func (g *Governor) pauseCPU() {
	if g.cpuPausedSince.IsZero() {
		g.cpuPausedSince = time.Now()
		g.Dispatch.Pause(dispatch.KindCPU)
	}
}

func (g *Governor) resumeCPU() {
	if !g.cpuPausedSince.IsZero() {
		g.cpuPausedSince = time.Time{}
		g.Dispatch.Resume(dispatch.KindCPU)
	}
}

// checkAutoResume force-resumes the CPU queue once it has been paused
// longer than Config.CPUQueueAutoResumeInterval, so a stuck low-memory
// reading cannot deadlock the scheduler (§4.6).
func (g *Governor) checkAutoResume() {
	if g.cpuPausedSince.IsZero() {
		return
	}
	if time.Since(g.cpuPausedSince) >= g.Config.CPUQueueAutoResumeInterval {
		g.resumeCPU()
	}
}

// NextExpectedMemory computes the upward-adjusted expected-memory estimate
// a governor-canceled pip retries with (§4.7): max(1.25*prev, observedPeak).
func NextExpectedMemory(previousExpectedBytes, observedPeakBytes int64) int64 {
	bumped := int64(float64(previousExpectedBytes) * 1.25)
	if observedPeakBytes > bumped {
		return observedPeakBytes
	}
	return bumped
}
