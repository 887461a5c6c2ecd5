package cache

import (
	"testing"

	"github.com/pipforge/pipforge/pkg/observedinput"
)

func pathSetTriple(paths ...string) replayTriple {
	set := &observedinput.PathSet{}
	for _, p := range paths {
		set.Entries = append(set.Entries, observedinput.PathSetEntry{Path: p})
	}
	return replayTriple{set: set}
}

// TestSynthesizeAugmentingPathSetUsesThresholdNotExploredCount covers S4:
// threshold 10, 12 explored path sets, commonality factor 0.8 requires
// presence in at least ceil(10*0.8)=8 of them, not ceil(12*0.8)=10 -- an
// entry present in exactly 8 of the 12 explored sets must still survive.
func TestSynthesizeAugmentingPathSetUsesThresholdNotExploredCount(t *testing.T) {
	replayed := make(map[PathSetHash]replayTriple)

	// "common" appears in exactly 8 of 12 explored path sets.
	for i := 0; i < 8; i++ {
		replayed[PathSetHash{byte(i)}] = pathSetTriple("common", "rare")
	}
	for i := 8; i < 12; i++ {
		replayed[PathSetHash{byte(i)}] = pathSetTriple("rare")
	}

	augmenting := SynthesizeAugmentingPathSet(replayed, 10, 0.8)
	if augmenting == nil {
		t.Fatal("expected a non-nil augmenting path set")
	}

	found := false
	for _, entry := range augmenting.Entries {
		if entry.Path == "common" {
			found = true
		}
	}
	if !found {
		t.Error("expected \"common\" (present in 8/12 explored sets) to survive a threshold of ceil(10*0.8)=8")
	}
}

func TestSynthesizeAugmentingPathSetExcludesBelowThreshold(t *testing.T) {
	replayed := make(map[PathSetHash]replayTriple)

	for i := 0; i < 7; i++ {
		replayed[PathSetHash{byte(i)}] = pathSetTriple("common")
	}
	for i := 7; i < 12; i++ {
		replayed[PathSetHash{byte(i)}] = pathSetTriple()
	}

	augmenting := SynthesizeAugmentingPathSet(replayed, 10, 0.8)
	if augmenting == nil {
		return
	}
	for _, entry := range augmenting.Entries {
		if entry.Path == "common" {
			t.Error("\"common\" appears in only 7/12 explored sets, below the threshold of 8, and should have been excluded")
		}
	}
}
