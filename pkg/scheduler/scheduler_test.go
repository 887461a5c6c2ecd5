package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pipforge/pipforge/pkg/contracts"
	memdouble "github.com/pipforge/pipforge/pkg/contracts/memory"
	"github.com/pipforge/pipforge/pkg/dispatch"
	"github.com/pipforge/pipforge/pkg/identity"
	"github.com/pipforge/pipforge/pkg/pip"
	"github.com/pipforge/pipforge/pkg/pipselect"
)

// fixedCollector reports a static, idle performance sample so the
// governor never fires during these tests.
type fixedCollector struct{}

func (fixedCollector) Sample(ctx context.Context) (contracts.PerformanceSample, error) {
	return contracts.PerformanceSample{Cores: 4, CommitLimitBytes: 1 << 30}, nil
}

func simplePip(id pip.ID) *pip.Pip {
	return &pip.Pip{ID: id, Kind: pip.KindProcess, SemistableHash: pip.SemistableHash(id) * 7919}
}

// linearGraph builds a three-pip chain 1 -> 2 -> 3 (2 and 3 each depend
// heavily on their predecessor) and scripts every pip's sandbox run to
// succeed immediately.
func linearGraph(t *testing.T) (*memdouble.Graph, *memdouble.Sandbox) {
	t.Helper()
	graph := memdouble.NewGraph()
	sandbox := memdouble.NewSandbox()

	p1 := simplePip(1)
	p2 := simplePip(2)
	p3 := simplePip(3)
	graph.AddPip(p1)
	graph.AddPip(p2)
	graph.AddPip(p3)
	graph.AddEdge(1, 2, contracts.EdgeHeavy)
	graph.AddEdge(2, 3, contracts.EdgeHeavy)

	for _, id := range []pip.ID{1, 2, 3} {
		sandbox.ScriptResult(id, &contracts.SandboxedProcessResult{ExitCode: 0}, nil)
	}

	return graph, sandbox
}

func newTestScheduler(graph *memdouble.Graph, sandbox *memdouble.Sandbox) *Scheduler {
	backends := Backends{
		Graph:       graph,
		Store:       memdouble.NewFingerprintStore(),
		CAS:         memdouble.NewContentCache(),
		FileContent: memdouble.NewFileContentManager(),
		Sandbox:     sandbox,
		Incremental: memdouble.NewIncrementalState(),
		Collector:   fixedCollector{},
		Paths:       identity.NewPathTable(),
	}

	config := DefaultConfig()
	config.Dispatch = dispatch.DefaultConfig(100)
	config.Workers = 2

	return New(backends, config)
}

// runToCompletion seeds s with spec, then runs it, stopping once every pip
// in graph has reached a terminal state. Seed resolves force-skipped pips
// synchronously, so those never trigger Driver.OnPipCompleted; the wait
// group below accounts for both that synchronous skip and the driver's
// asynchronous completions.
func runToCompletion(t *testing.T, s *Scheduler, graph *memdouble.Graph, spec pipselect.Specification) {
	t.Helper()

	if err := s.Seed(spec); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	var remaining int64
	for _, p := range graph.Pips() {
		info, ok := s.Table().Peek(p.ID)
		if ok && info.State().Terminal() {
			continue
		}
		remaining++
	}

	done := make(chan struct{})
	if remaining == 0 {
		close(done)
	} else {
		s.Driver().OnPipCompleted = func(id pip.ID, result pip.Result) {
			if atomic.AddInt64(&remaining, -1) == 0 {
				close(done)
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-done
		s.Stop()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Run(ctx)
	wg.Wait()
}

func TestSchedulerRunsLinearChainToCompletion(t *testing.T) {
	graph, sandbox := linearGraph(t)
	s := newTestScheduler(graph, sandbox)
	runToCompletion(t, s, graph, pipselect.Specification{All: true})

	for _, id := range []pip.ID{1, 2, 3} {
		info, ok := s.Table().Peek(id)
		if !ok {
			t.Fatalf("pip %d: no runtime entry", id)
		}
		if info.State() != pip.StateDone {
			t.Errorf("pip %d: state = %v, want Done", id, info.State())
		}
		if pip.Result(info.Result()) != pip.ResultExecuted {
			t.Errorf("pip %d: result = %v, want Executed", id, pip.Result(info.Result()))
		}
	}
}

func TestSchedulerForceSkipsUnselectedPips(t *testing.T) {
	graph, sandbox := linearGraph(t)
	s := newTestScheduler(graph, sandbox)
	runToCompletion(t, s, graph, pipselect.Specification{IDs: []uint32{1}})

	info1, _ := s.Table().Peek(1)
	if info1.State() != pip.StateDone {
		t.Errorf("pip 1: state = %v, want Done", info1.State())
	}

	for _, id := range []pip.ID{2, 3} {
		info, _ := s.Table().Peek(id)
		if info.State() != pip.StateSkipped {
			t.Errorf("pip %d: state = %v, want Skipped", id, info.State())
		}
	}
}

func TestHeavyDependencyCount(t *testing.T) {
	graph, _ := linearGraph(t)
	if n := heavyDependencyCount(graph, 1); n != 0 {
		t.Errorf("pip 1: heavyDependencyCount = %d, want 0", n)
	}
	if n := heavyDependencyCount(graph, 2); n != 1 {
		t.Errorf("pip 2: heavyDependencyCount = %d, want 1", n)
	}
}

func TestComputeCriticalPaths(t *testing.T) {
	graph, _ := linearGraph(t)
	critical := computeCriticalPaths(graph)
	if critical[3] >= critical[2] || critical[2] >= critical[1] {
		t.Errorf("expected strictly increasing critical path upstream, got %v", critical)
	}
}
