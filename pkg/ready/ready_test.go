package ready

import (
	"testing"

	"github.com/pipforge/pipforge/pkg/pip"
)

func TestQueueOrdersByDescendingPriority(t *testing.T) {
	q := New()
	q.Admit(1, 10)
	q.Admit(2, 30)
	q.Admit(3, 20)

	var order []pip.ID
	for i := 0; i < 3; i++ {
		id, ok := q.TryTake()
		if !ok {
			t.Fatalf("expected an item at step %d", i)
		}
		order = append(order, id)
	}
	expected := []pip.ID{2, 3, 1}
	for i := range expected {
		if order[i] != expected[i] {
			t.Fatalf("expected order %v, got %v", expected, order)
		}
	}
}

func TestQueueBreaksTiesFIFO(t *testing.T) {
	q := New()
	q.Admit(1, 5)
	q.Admit(2, 5)
	q.Admit(3, 5)

	first, _ := q.TryTake()
	second, _ := q.TryTake()
	third, _ := q.TryTake()
	if first != 1 || second != 2 || third != 3 {
		t.Fatalf("expected FIFO tie-breaking, got %d %d %d", first, second, third)
	}
}

func TestTakeBlocksUntilAdmit(t *testing.T) {
	q := New()
	done := make(chan pip.ID, 1)
	go func() {
		id, ok := q.Take()
		if ok {
			done <- id
		} else {
			done <- 0
		}
	}()

	q.Admit(42, 1)
	if got := <-done; got != 42 {
		t.Fatalf("expected Take to unblock with id 42, got %d", got)
	}
}

func TestCloseUnblocksTake(t *testing.T) {
	q := New()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Take()
		done <- ok
	}()

	q.Close()
	if ok := <-done; ok {
		t.Fatal("expected Take to return false after Close with nothing queued")
	}
}

func TestRefcountAdmitterAdmitsOnlyAtZero(t *testing.T) {
	q := New()
	admitter := &RefcountAdmitter{Queue: q}
	info := pip.NewRuntimeInfo(2)

	admitter.Decrement(7, info, 100)
	if _, ok := q.TryTake(); ok {
		t.Fatal("expected no admission before refcount reaches zero")
	}

	admitter.Decrement(7, info, 100)
	id, ok := q.TryTake()
	if !ok || id != 7 {
		t.Fatalf("expected admission of pip 7 once refcount hit zero, got id=%d ok=%v", id, ok)
	}
}
