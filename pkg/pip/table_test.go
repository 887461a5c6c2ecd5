package pip

import "testing"

func TestTableGetConstructsOnce(t *testing.T) {
	table := NewTable()
	a := table.Get(1, KindProcess, 2)
	b := table.Get(1, KindProcess, 999)
	if a != b {
		t.Fatal("expected the same RuntimeInfo instance on repeat Get")
	}
	if a.Refcount() != 2 {
		t.Fatalf("expected first caller's refcount to win, got %d", a.Refcount())
	}
	if table.Count(KindProcess, StateIgnored) != 1 {
		t.Fatalf("expected 1 pip in Ignored, got %d", table.Count(KindProcess, StateIgnored))
	}
}

func TestTablePeekMissing(t *testing.T) {
	table := NewTable()
	if _, ok := table.Peek(5); ok {
		t.Fatal("expected Peek to report missing for unconstructed entry")
	}
}

func TestTableTransitionUpdatesCounters(t *testing.T) {
	table := NewTable()
	table.Get(1, KindProcess, 0)

	if _, won := table.Transition(1, StateIgnored, StateWaiting); !won {
		t.Fatal("expected transition to succeed")
	}
	if table.Count(KindProcess, StateIgnored) != 0 {
		t.Fatal("expected Ignored count to drop to 0")
	}
	if table.Count(KindProcess, StateWaiting) != 1 {
		t.Fatal("expected Waiting count to rise to 1")
	}

	if _, won := table.Transition(1, StateIgnored, StateReady); won {
		t.Fatal("expected stale-expected transition to fail")
	}
	if table.Total(KindProcess) != 1 {
		t.Fatalf("expected total count to remain 1, got %d", table.Total(KindProcess))
	}
}

func TestTableTransitionPanicsOnUnknownID(t *testing.T) {
	table := NewTable()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic transitioning an unconstructed entry")
		}
	}()
	table.Transition(99, StateIgnored, StateWaiting)
}
