// Package pipstate implements the pip state machine's transition policy
// (C6, §3, §4.1): the legal Ignored->Waiting->Ready->Running->{terminal}
// transitions, the skip-race retry loop noted in §3 ("a 'Skipped' transition
// may race with a 'Ready' transition -- the loser retries"), and the
// failure-cascade-to-dependents behavior of §7 Propagation.
package pipstate

import (
	"github.com/pkg/errors"

	"github.com/pipforge/pipforge/pkg/contracts"
	"github.com/pipforge/pipforge/pkg/pip"
)

// ErrIllegalTransition is returned when a requested transition has no legal
// source state to race from at all (as opposed to a race that the caller
// should retry).
var ErrIllegalTransition = errors.New("pipstate: illegal transition")

// Machine applies the transition policy against a pip.Table, consulting a
// PipGraph to cascade failure/skip to dependents (§7 Propagation).
type Machine struct {
	Table *pip.Table
	Graph contracts.PipGraph

	// OnReady is invoked, exactly once per pip, the moment it transitions
	// into Ready -- the signal the ready queue (C7) uses to admit it.
	OnReady func(id pip.ID)
}

// NewMachine constructs a Machine.
func NewMachine(table *pip.Table, graph contracts.PipGraph, onReady func(id pip.ID)) *Machine {
	return &Machine{Table: table, Graph: graph, OnReady: onReady}
}

// AdmitReady transitions id from Waiting to Ready. It is the normal path
// once a pip's refcount reaches zero; it races with ForceSkip (§3 "the
// loser retries"), so a Skipped pip observed here is not an error -- it
// simply means the skip cascade won and this pip must not run.
func (m *Machine) AdmitReady(id pip.ID) error {
	for {
		observed, won := m.Table.Transition(id, pip.StateWaiting, pip.StateReady)
		if won {
			if m.OnReady != nil {
				m.OnReady(id)
			}
			return nil
		}
		switch observed {
		case pip.StateSkipped, pip.StateCanceled:
			// The skip cascade beat us here; this pip will never run.
			return nil
		case pip.StateReady, pip.StateRunning:
			// Another admitter already won; not an error for this caller.
			return nil
		default:
			return errors.Wrapf(ErrIllegalTransition, "pip %d: cannot admit to Ready from %s", id, observed)
		}
	}
}

// Start transitions id from Ready to Running.
func (m *Machine) Start(id pip.ID) error {
	if _, won := m.Table.Transition(id, pip.StateReady, pip.StateRunning); !won {
		return errors.Wrapf(ErrIllegalTransition, "pip %d: cannot start outside Ready", id)
	}
	return nil
}

// Finish transitions id from Running to one of the terminal states,
// recording result, then cascades to dependents (§7 Propagation): on
// Failed/Canceled, every heavy dependent still in Waiting is transitioned
// to Skipped and its refcount decremented so it flows through the scheduler
// as a skipped pip once its own refcount reaches zero.
func (m *Machine) Finish(id pip.ID, terminal pip.State, result pip.Result) error {
	if !terminal.Terminal() {
		return errors.Errorf("pipstate: %s is not a terminal state", terminal)
	}
	info, ok := m.Table.Peek(id)
	if !ok {
		return errors.Errorf("pipstate: Finish on unconstructed pip %d", id)
	}
	if _, won := m.Table.Transition(id, pip.StateRunning, terminal); !won {
		return errors.Wrapf(ErrIllegalTransition, "pip %d: cannot finish outside Running", id)
	}
	info.SetResult(result)

	if terminal == pip.StateFailed || terminal == pip.StateCanceled {
		m.cascadeSkip(id)
	}
	return nil
}

// ForceSkip transitions id directly from Waiting to Skipped -- used both
// for pips outside the build's pipselect.Selector and as the cascade step
// from a failed/canceled ancestor. It races with AdmitReady; the loser (the
// side that observes the other state already set) simply stops.
func (m *Machine) ForceSkip(id pip.ID) {
	for {
		observed, won := m.Table.Transition(id, pip.StateWaiting, pip.StateSkipped)
		if won {
			if info, ok := m.Table.Peek(id); ok {
				info.SetResult(pip.ResultSkipped)
			}
			m.cascadeSkip(id)
			return
		}
		switch observed {
		case pip.StateReady, pip.StateRunning, pip.StateDone, pip.StateFailed, pip.StateSkipped, pip.StateCanceled:
			// Already past Waiting or already skipped by a concurrent
			// cascade; nothing further to do from here.
			return
		default:
			// Still Ignored: the pip hasn't been admitted into the
			// scheduling graph yet. Retry; the caller is racing graph
			// seeding, which is expected to resolve quickly.
			continue
		}
	}
}

// cascadeSkip propagates a failure/skip outcome to every heavy dependent of
// id, decrementing each dependent's refcount exactly as a successful
// completion would (§7: "decrements refcount (so the dependent will itself
// flow through as a skipped pip on refcount-0)").
func (m *Machine) cascadeSkip(id pip.ID) {
	if m.Graph == nil {
		return
	}
	for _, edge := range m.Graph.Dependents(id) {
		if edge.Weight != contracts.EdgeHeavy {
			continue
		}
		dependent, ok := m.Table.Peek(edge.Pip)
		if !ok {
			continue
		}
		m.ForceSkip(edge.Pip)
		// Decrementing even though the dependent is already (or about to
		// be) Skipped keeps the refcount accounting correct for any of its
		// own dependents still waiting on it in turn.
		dependent.DecrementRefcount()
	}
}
