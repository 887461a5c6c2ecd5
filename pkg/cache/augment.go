package cache

import (
	"context"
	"math"

	"github.com/pipforge/pipforge/pkg/observedinput"
)

// maybePublishAugmentation implements the "Augmenting publication on miss"
// rule of §4.4/§4.3: once a lookup has explored at least the configured
// threshold of distinct path sets without finding a hit, synthesize an
// augmenting path set containing only entries present in at least
// commonalityFactor fraction of the explored sets (with compatible flags),
// and publish a marker entry so future lookups can jump straight to a
// recursive, O(1)-round-trip lookup keyed by the augmented weak
// fingerprint (§8 property 7, S4).
func (l *Lookup) maybePublishAugmentation(ctx context.Context, weak WeakFingerprint, distinctPathSets int, replayed map[PathSetHash]replayTriple) {
	threshold := l.Config.AugmentWeakFingerprintPathSetThreshold
	if threshold <= 0 || distinctPathSets < threshold {
		return
	}

	augmenting := SynthesizeAugmentingPathSet(replayed, threshold, l.Config.AugmentWeakFingerprintRequiredPathCommonalityFactor)
	if augmenting == nil || len(augmenting.Entries) == 0 {
		return
	}

	pathSetHash, err := l.Store.StorePathSet(ctx, augmenting)
	if err != nil {
		return
	}
	_ = l.Store.TryPublishMarker(ctx, weak, pathSetHash)
}

// SynthesizeAugmentingPathSet builds the "augmenting" path set described in
// §4.3: an entry is kept only if it appears (with compatible flags) in at
// least ceil(threshold * commonalityFactor) of the explored path sets, where
// threshold is the configured AugmentWeakFingerprintPathSetThreshold (S4: a
// threshold of 10 and a factor of 0.8 requires presence in at least 8 of the
// explored sets, regardless of how many more than 10 were actually explored).
func SynthesizeAugmentingPathSet(replayed map[PathSetHash]replayTriple, threshold int, commonalityFactor float64) *observedinput.PathSet {
	if len(replayed) == 0 {
		return nil
	}
	if commonalityFactor <= 0 {
		commonalityFactor = 1
	}

	type tally struct {
		count int
		flags observedinput.EntryFlag
	}
	counts := make(map[string]*tally)

	total := 0
	for _, triple := range replayed {
		if triple.set == nil {
			continue
		}
		total++
		seen := make(map[string]bool)
		for _, entry := range triple.set.Entries {
			if seen[entry.Path] {
				continue
			}
			seen[entry.Path] = true
			t, ok := counts[entry.Path]
			if !ok {
				t = &tally{flags: entry.Flags}
				counts[entry.Path] = t
			} else {
				// Only keep flags shared by every occurrence,
				// matching "compatible flags" (§4.3).
				t.flags &= entry.Flags
			}
			t.count++
		}
	}
	if total == 0 {
		return nil
	}

	required := int(math.Ceil(commonalityFactor * float64(threshold)))
	if required < 1 {
		required = 1
	}
	if required > total {
		required = total
	}

	augmenting := &observedinput.PathSet{}
	for path, t := range counts {
		if t.count >= required {
			augmenting.Entries = append(augmenting.Entries, observedinput.PathSetEntry{
				Path:  path,
				Flags: t.flags,
			})
		}
	}
	augmenting.Canonicalize()
	return augmenting
}
