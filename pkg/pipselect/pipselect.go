// Package pipselect implements the pip filter and force-skip set consulted
// by the ready queue (C7, §2): given a build-wide label selector or an
// explicit id specification, it decides which pips the scheduler should
// seed as Ready and which it should force directly to Skipped without ever
// running their step function. Adapted from the label-selector matching the
// teacher's pkg/selection performs for sessions.
package pipselect

import (
	"github.com/pkg/errors"

	k8slabels "k8s.io/apimachinery/pkg/labels"
)

// Specification is the requested set of pips to build: exactly one of the
// three selection mechanisms must be present, mirroring the teacher's
// "exactly one mechanism" validation for session selection.
type Specification struct {
	// All selects every pip reachable from the graph's roots.
	All bool
	// IDs selects exactly these pip ids.
	IDs []uint32
	// LabelSelector is a Kubernetes-syntax label selector matched against
	// each pip's labels.
	LabelSelector string
}

// EnsureValid verifies that s names exactly one selection mechanism and
// that any pip ids given are non-empty.
func (s *Specification) EnsureValid() error {
	if s == nil {
		return errors.New("nil pip specification")
	}

	var mechanisms uint
	if s.All {
		mechanisms++
	}
	if len(s.IDs) > 0 {
		mechanisms++
	}
	if s.LabelSelector != "" {
		mechanisms++
	}

	if mechanisms > 1 {
		return errors.New("multiple pip selection mechanisms present")
	} else if mechanisms < 1 {
		return errors.New("no pip selection mechanism present")
	}

	return nil
}

// Selector decides, for one pip, whether it is selected (eligible to run)
// and whether it should be force-skipped.
type Selector struct {
	all           bool
	ids           map[uint32]bool
	labelSelector k8slabels.Selector
}

// New compiles spec into a Selector. It does not itself walk the pip graph;
// callers combine the returned Selector with graph reachability to compute
// the initial Ready/Skip partition (§2 "graph + filter -> C7 seeds Ready
// set").
func New(spec Specification) (*Selector, error) {
	if err := spec.EnsureValid(); err != nil {
		return nil, err
	}

	sel := &Selector{all: spec.All}

	if len(spec.IDs) > 0 {
		sel.ids = make(map[uint32]bool, len(spec.IDs))
		for _, id := range spec.IDs {
			sel.ids[id] = true
		}
	}

	if spec.LabelSelector != "" {
		parsed, err := k8slabels.Parse(spec.LabelSelector)
		if err != nil {
			return nil, errors.Wrap(err, "parsing label selector")
		}
		sel.labelSelector = parsed
	}

	return sel, nil
}

// SelectsPip reports whether the pip with the given id and labels is
// selected by this Selector.
func (s *Selector) SelectsPip(pipID uint32, labels map[string]string) bool {
	switch {
	case s.all:
		return true
	case s.ids != nil:
		return s.ids[pipID]
	case s.labelSelector != nil:
		return s.labelSelector.Matches(k8slabels.Set(labels))
	default:
		return false
	}
}

// ForceSkipSet accumulates pip ids that must transition straight to Skipped
// without ever entering Ready, independent of the Selector above: either
// they fell outside the build's selection, or an ancestor failed before
// scheduling began (§4.6 "filter/force-skip set").
type ForceSkipSet struct {
	ids map[uint32]bool
}

// NewForceSkipSet constructs an empty ForceSkipSet.
func NewForceSkipSet() *ForceSkipSet {
	return &ForceSkipSet{ids: make(map[uint32]bool)}
}

// Add marks pipID as force-skipped.
func (f *ForceSkipSet) Add(pipID uint32) {
	f.ids[pipID] = true
}

// Contains reports whether pipID is force-skipped.
func (f *ForceSkipSet) Contains(pipID uint32) bool {
	return f.ids[pipID]
}

// Len reports the number of force-skipped pips.
func (f *ForceSkipSet) Len() int {
	return len(f.ids)
}
