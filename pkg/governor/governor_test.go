package governor

import (
	"context"
	"testing"
	"time"

	"github.com/pipforge/pipforge/pkg/contracts"
	"github.com/pipforge/pipforge/pkg/dispatch"
)

func TestDecideCriticalCommitCancels(t *testing.T) {
	cfg := DefaultConfig()
	sample := contracts.PerformanceSample{CommitPercent: 99, CommitLimitBytes: 100_000_000_000}
	actions := Decide(sample, cfg, State{})

	if len(actions) == 0 || actions[0].Kind != ActionCancelForCommit {
		t.Fatalf("expected ActionCancelForCommit first, got %v", actions)
	}
	if actions[0].FreeBytes <= 0 {
		t.Fatalf("expected a positive byte count to free, got %d", actions[0].FreeBytes)
	}
}

func TestDecideLowRAMUsesDefaultPolicy(t *testing.T) {
	cfg := DefaultConfig()
	sample := contracts.PerformanceSample{EffectiveRAMPercent: 95}
	actions := Decide(sample, cfg, State{})

	found := false
	for _, a := range actions {
		if a.Kind == ActionReduceForLowRAM {
			found = true
			if a.Policy != cfg.DefaultLowRAMPolicy {
				t.Fatalf("expected default policy %v, got %v", cfg.DefaultLowRAMPolicy, a.Policy)
			}
		}
	}
	if !found {
		t.Fatal("expected ActionReduceForLowRAM")
	}
}

func TestDecideThrashingOverridesPolicy(t *testing.T) {
	cfg := DefaultConfig()
	sample := contracts.PerformanceSample{
		RAMPercent:             99,
		ModifiedPageSetPercent: 60,
	}
	actions := Decide(sample, cfg, State{})

	found := false
	for _, a := range actions {
		if a.Kind == ActionReduceForLowRAM {
			found = true
			if a.Policy != PolicyCancelSuspendedFirst {
				t.Fatalf("expected CancelSuspendedFirst under thrashing, got %v", a.Policy)
			}
		}
	}
	if !found {
		t.Fatal("expected ActionReduceForLowRAM under thrashing")
	}
}

func TestDecideLowCommitPausesCPUWithoutCancelling(t *testing.T) {
	cfg := DefaultConfig()
	sample := contracts.PerformanceSample{CommitPercent: 96}
	actions := Decide(sample, cfg, State{})

	for _, a := range actions {
		if a.Kind == ActionCancelForCommit {
			t.Fatal("96% commit is below critical and must not cancel")
		}
	}
	if len(actions) != 1 || actions[0].Kind != ActionPauseCPUAdmission {
		t.Fatalf("expected only ActionPauseCPUAdmission, got %v", actions)
	}
}

func TestDecideCPUPressurePausesCPU(t *testing.T) {
	cfg := DefaultConfig()
	sample := contracts.PerformanceSample{
		CPUPercent:            99,
		ContextSwitchesPerSec: 50_000,
		Cores:                 4,
	}
	actions := Decide(sample, cfg, State{})

	if len(actions) != 1 || actions[0].Kind != ActionPauseCPUAdmission {
		t.Fatalf("expected ActionPauseCPUAdmission, got %v", actions)
	}
}

func TestDecideCPUPressureRequiresBothSignals(t *testing.T) {
	cfg := DefaultConfig()
	sample := contracts.PerformanceSample{CPUPercent: 99, ContextSwitchesPerSec: 10, Cores: 4}
	actions := Decide(sample, cfg, State{})
	if len(actions) != 0 {
		t.Fatalf("expected no actions when context switches are low, got %v", actions)
	}
}

func TestDecideResumesSlackWhenSuspendedExist(t *testing.T) {
	cfg := DefaultConfig()
	sample := contracts.PerformanceSample{EffectiveRAMPercent: 10, CommitPercent: 10}
	actions := Decide(sample, cfg, State{HasSuspendedPips: true})

	found := false
	for _, a := range actions {
		if a.Kind == ActionResumeSuspended {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ActionResumeSuspended given slack and suspended pips, got %v", actions)
	}
}

func TestDecideNoSlackResumeUnderPressure(t *testing.T) {
	cfg := DefaultConfig()
	sample := contracts.PerformanceSample{EffectiveRAMPercent: 95}
	actions := Decide(sample, cfg, State{HasSuspendedPips: true})

	for _, a := range actions {
		if a.Kind == ActionResumeSuspended {
			t.Fatal("must not resume while still under RAM pressure")
		}
	}
}

func TestDecideCancelsOneSuspendedToAvoidDeadlock(t *testing.T) {
	cfg := DefaultConfig()
	sample := contracts.PerformanceSample{}
	actions := Decide(sample, cfg, State{HasSuspendedPips: true, HasActiveProcessPips: false})

	found := false
	for _, a := range actions {
		if a.Kind == ActionCancelOneSuspended {
			found = true
		}
	}
	if !found {
		t.Fatal("expected ActionCancelOneSuspended when no active process pips remain")
	}
}

func TestDecideNoActionsUnderNoPressure(t *testing.T) {
	cfg := DefaultConfig()
	sample := contracts.PerformanceSample{EffectiveRAMPercent: 10, CommitPercent: 10, CPUPercent: 10}
	actions := Decide(sample, cfg, State{HasActiveProcessPips: true})
	if len(actions) != 0 {
		t.Fatalf("expected no actions under no pressure, got %v", actions)
	}
}

// fakeCollector returns a fixed sequence of samples, one per Sample call.
type fakeCollector struct {
	samples []contracts.PerformanceSample
	i       int
}

func (c *fakeCollector) Sample(ctx context.Context) (contracts.PerformanceSample, error) {
	if c.i >= len(c.samples) {
		return c.samples[len(c.samples)-1], nil
	}
	s := c.samples[c.i]
	c.i++
	return s, nil
}

type fakeManager struct {
	canceledForCommit int
	reducedForLowRAM  int
	resumed           int
	canceledSuspended int
}

func (m *fakeManager) CancelForCommit(ctx context.Context, freeBytes int64) error {
	m.canceledForCommit++
	return nil
}
func (m *fakeManager) ReduceForLowRAM(ctx context.Context, policy Policy) error {
	m.reducedForLowRAM++
	return nil
}
func (m *fakeManager) ResumeSuspended(ctx context.Context) error {
	m.resumed++
	return nil
}
func (m *fakeManager) CancelOneSuspended(ctx context.Context) error {
	m.canceledSuspended++
	return nil
}

func TestGovernorTickPausesCPUQueueUntilAutoResume(t *testing.T) {
	d := dispatch.New(dispatch.Config{CPUSlots: 4})
	collector := &fakeCollector{samples: []contracts.PerformanceSample{
		{CommitPercent: 96},
	}}
	manager := &fakeManager{}
	cfg := DefaultConfig()
	cfg.TickInterval = time.Millisecond
	cfg.CPUQueueAutoResumeInterval = 20 * time.Millisecond

	g := NewGovernor(collector, manager, d, func() State { return State{} }, cfg)

	ctx := context.Background()
	g.tick(ctx)
	if g.cpuPausedSince.IsZero() {
		t.Fatal("expected the CPU queue to be paused after a low-commit sample")
	}

	// Confirm the queue is actually paused: Admit must block.
	admitted := make(chan struct{})
	go func() {
		release, err := d.Admit(ctx, dispatch.KindCPU, 1)
		if err != nil {
			return
		}
		close(admitted)
		release()
	}()
	select {
	case <-admitted:
		t.Fatal("expected CPU admission to be blocked while paused")
	case <-time.After(10 * time.Millisecond):
	}

	// Once the auto-resume interval elapses, the next tick's
	// checkAutoResume call must clear the pause even though the sampled
	// pressure hasn't changed.
	time.Sleep(30 * time.Millisecond)
	g.tick(ctx)
	if !g.cpuPausedSince.IsZero() {
		t.Fatal("expected the pause to have auto-resumed after the configured interval")
	}

	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("expected blocked Admit to proceed once the pause auto-resumed")
	}
}

func TestGovernorAutoResumesStuckPause(t *testing.T) {
	d := dispatch.New(dispatch.Config{CPUSlots: 4})
	collector := &fakeCollector{samples: []contracts.PerformanceSample{
		{CommitPercent: 96},
	}}
	manager := &fakeManager{}
	cfg := DefaultConfig()

	g := NewGovernor(collector, manager, d, func() State { return State{} }, cfg)
	g.tick(context.Background())
	if g.cpuPausedSince.IsZero() {
		t.Fatal("expected pause to register first")
	}

	g.Config.CPUQueueAutoResumeInterval = 0
	g.checkAutoResume()
	if !g.cpuPausedSince.IsZero() {
		t.Fatal("expected an expired pause to auto-resume")
	}
}

func TestNextExpectedMemoryPicksLargerOfBumpAndPeak(t *testing.T) {
	if got := NextExpectedMemory(1_000_000_000, 900_000_000); got != 1_250_000_000 {
		t.Fatalf("expected the 1.25x bump to win, got %d", got)
	}
	if got := NextExpectedMemory(1_000_000_000, 2_000_000_000); got != 2_000_000_000 {
		t.Fatalf("expected the observed peak to win, got %d", got)
	}
}
