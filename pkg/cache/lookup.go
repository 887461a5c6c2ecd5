package cache

import (
	"context"

	lru "github.com/golang/groupcache/lru"
	"github.com/pkg/errors"

	"github.com/pipforge/pipforge/pkg/observedinput"
)

// Store is the view of the two-phase fingerprint store and CAS that the
// lookup loop needs, folding TwoPhaseFingerprintStore.TryPublishCacheEntry's
// marker-publishing special case and ArtifactContentCache.ProbePin into one
// seam. It is declared here, rather than imported from pkg/contracts, to
// avoid a dependency cycle (pkg/contracts imports pkg/cache for the shared
// data types). pkg/scheduler adapts the two real §6 contracts into this
// interface.
type Store interface {
	ListPublishedEntries(ctx context.Context, weak WeakFingerprint) ([]PublishedEntryRef, error)
	TryGetCacheEntry(ctx context.Context, weak WeakFingerprint, pathSetHash PathSetHash, strong StrongFingerprint) (*CacheEntry, error)
	StorePathSet(ctx context.Context, set *observedinput.PathSet) (PathSetHash, error)
	TryPublishMarker(ctx context.Context, weak WeakFingerprint, pathSetHash PathSetHash) error
	TryRetrieveMetadata(ctx context.Context, hash [32]byte) (*Metadata, error)
	TryRetrievePathSet(ctx context.Context, hash PathSetHash) (*observedinput.PathSet, error)
	ProbeContentAvailable(ctx context.Context, hash [32]byte) (bool, error)
}

// Config bundles the lookup loop's tunables (§6 Configuration surface).
type Config struct {
	// AugmentWeakFingerprintPathSetThreshold is the per-pip T in §4.3; 0
	// disables augmentation entirely.
	AugmentWeakFingerprintPathSetThreshold int
	// AugmentWeakFingerprintRequiredPathCommonalityFactor is in (0,1].
	AugmentWeakFingerprintRequiredPathCommonalityFactor float64
	// PinCachedOutputs, when true, requires every referenced content hash
	// to be reported available by the store before a lookup reports a hit;
	// the lookup itself materializes nothing.
	PinCachedOutputs bool
	// VerifyCacheLookupPin enables the same availability probe on its own;
	// with both flags set, each referenced hash is still probed once.
	VerifyCacheLookupPin bool
	// MaxPathSetsPerPip bounds how many distinct path sets a single
	// lookup will traverse for one pip before giving up (§9 Open
	// Questions: "two controls").
	MaxPathSetsPerPip int
	// GlobalWarnThreshold is the second of the two controls: a
	// fixed, global warn-once-per-pip threshold (default 70, §9).
	GlobalWarnThreshold int
}

// DefaultConfig returns the documented defaults (§6).
func DefaultConfig() Config {
	return Config{
		AugmentWeakFingerprintPathSetThreshold:              10,
		AugmentWeakFingerprintRequiredPathCommonalityFactor: 0.8,
		PinCachedOutputs:     false,
		VerifyCacheLookupPin: false,
		MaxPathSetsPerPip:    0, // 0 means unbounded aside from GlobalWarnThreshold
		GlobalWarnThreshold:  70,
	}
}

// Warner receives a one-time notice when a single pip's lookup crosses the
// global warn threshold (§9).
type Warner interface {
	WarnPathSetThresholdExceeded(pathSetsChecked int)
}

// noopWarner discards warnings; used when the caller doesn't care.
type noopWarner struct{}

func (noopWarner) WarnPathSetThresholdExceeded(int) {}

// Lookup runs the two-phase cache protocol (§4.4) against a Store, using
// probe to replay path sets against the live (or simulated) filesystem and
// scope to validate replayed observations.
type Lookup struct {
	Store  Store
	Probe  observedinput.FileSystemProbe
	Scope  observedinput.Scope
	Config Config
	Warner Warner
	// CurrentUnsafeOptions is the UnsafeOptions snapshot in effect for
	// this build. A cached path set recorded under a less-safe snapshot
	// is never trusted (§4.4).
	CurrentUnsafeOptions observedinput.UnsafeOptions

	// pathSetCache memoizes fetch-and-deserialize(pathSetHash) across
	// calls to Run, bounded to avoid unbounded memory growth across a
	// long-running build (§4.4 "cached per hash").
	pathSetCache *lru.Cache
}

// NewLookup constructs a Lookup with an LRU path-set cache holding up to
// 4096 distinct path sets.
func NewLookup(store Store, probe observedinput.FileSystemProbe, scope observedinput.Scope, config Config, warner Warner) *Lookup {
	if warner == nil {
		warner = noopWarner{}
	}
	return &Lookup{
		Store:        store,
		Probe:        probe,
		Scope:        scope,
		Config:       config,
		Warner:       warner,
		pathSetCache: lru.New(4096),
	}
}

func (l *Lookup) fetchPathSet(ctx context.Context, hash PathSetHash) (*observedinput.PathSet, error) {
	if cached, ok := l.pathSetCache.Get(hash); ok {
		return cached.(*observedinput.PathSet), nil
	}
	set, err := l.Store.TryRetrievePathSet(ctx, hash)
	if err != nil {
		return nil, err
	}
	if set != nil {
		l.pathSetCache.Add(hash, set)
	}
	return set, nil
}

// replayTriple is the (strongFp, outcome, pathSet) memo for one distinct
// path-set hash within a single Run call (§4.4: "Strong-fingerprint cache
// per path-set hash").
type replayTriple struct {
	strong  StrongFingerprint
	outcome observedinput.Outcome
	set     *observedinput.PathSet
}

// Run performs one (possibly recursive, for augmented weak fingerprints)
// cache lookup for weak. augmentationAllowed must be true on the initial,
// non-recursive call and false on the recursive call triggered by an
// augmented-weak-fingerprint marker (§4.4: "augmentation-allowed=false").
// traversed tracks weak fingerprints already visited in this call tree, to
// detect and break an augmentation cycle.
func (l *Lookup) Run(ctx context.Context, weak WeakFingerprint, augmentationAllowed bool, traversed map[WeakFingerprint]bool) (Result, error) {
	if traversed == nil {
		traversed = make(map[WeakFingerprint]bool)
	}
	if traversed[weak] {
		return Result{Miss: MissForDescriptorsDueToAugmentedWeakFingerprints}, nil
	}
	traversed[weak] = true

	refs, err := l.Store.ListPublishedEntries(ctx, weak)
	if err != nil {
		return Result{}, errors.Wrap(err, "listing published entries")
	}

	replayed := make(map[PathSetHash]replayTriple)
	poisoned := make(map[PathSetHash]bool)
	distinctPathSets := 0
	visited := 0

	for _, ref := range refs {
		if l.Config.MaxPathSetsPerPip > 0 && distinctPathSets >= l.Config.MaxPathSetsPerPip {
			break
		}

		triple, ok := replayed[ref.PathSetHash]
		if !ok {
			if poisoned[ref.PathSetHash] {
				continue
			}
			set, err := l.fetchPathSet(ctx, ref.PathSetHash)
			if err != nil {
				return Result{}, errors.Wrap(err, "fetching path set")
			}
			if set == nil {
				// Published but GC'd; keep searching.
				continue
			}
			distinctPathSets++
			if distinctPathSets == l.Config.GlobalWarnThreshold {
				l.Warner.WarnPathSetThresholdExceeded(distinctPathSets)
			}

			if set.Unsafe.LessSafeThan(l.CurrentUnsafeOptions) {
				continue
			}

			observations, err := observedinput.Replay(set, l.Probe)
			if err != nil {
				return Result{}, errors.Wrap(err, "replaying path set")
			}
			processor := observedinput.NewProcessor(l.Scope)
			outcome, inputs, procErr := processor.Process(observations, l.Probe.Hash)
			if outcome == observedinput.OutcomeAborted {
				return Result{}, errors.Wrap(procErr, "observed-input processing aborted")
			}

			var computedStrong StrongFingerprint
			if outcome == observedinput.OutcomeSuccess {
				computedStrong = ComputeStrongFingerprint(weak, ref.PathSetHash, inputs)
			}

			triple = replayTriple{strong: computedStrong, outcome: outcome, set: set}
			replayed[ref.PathSetHash] = triple
			if outcome == observedinput.OutcomeMismatched {
				poisoned[ref.PathSetHash] = true
				continue
			}
		}

		visited++

		if triple.outcome == observedinput.OutcomeMismatched {
			continue
		}

		if triple.strong == ref.StrongFingerprint {
			entry, err := l.Store.TryGetCacheEntry(ctx, weak, ref.PathSetHash, ref.StrongFingerprint)
			if err != nil {
				return Result{}, errors.Wrap(err, "fetching cache entry")
			}
			if entry == nil {
				continue // likely GC'd; keep searching.
			}
			metadata, err := l.Store.TryRetrieveMetadata(ctx, entry.MetadataHash)
			if err != nil || metadata == nil {
				return Result{Miss: MissForProcessMetadata}, nil
			}
			if l.Config.PinCachedOutputs || l.Config.VerifyCacheLookupPin {
				for _, hash := range entry.ReferencedContentHashes {
					available, err := l.Store.ProbeContentAvailable(ctx, hash)
					if err != nil {
						return Result{}, errors.Wrap(err, "probing content availability")
					}
					if !available {
						return Result{Miss: MissForProcessOutputContent}, nil
					}
				}
			}
			return Result{
				Miss:              Hit,
				PathSetHash:       ref.PathSetHash,
				StrongFingerprint: ref.StrongFingerprint,
				Entry:             entry,
				Metadata:          metadata,
			}, nil
		} else if ref.StrongFingerprint == AugmentedWeakFingerprintMarker && augmentationAllowed {
			augmentedWeak := WeakContentFingerprint(triple.strong)
			if traversed[augmentedWeak] {
				continue
			}
			recursive, err := l.Run(ctx, augmentedWeak, false, traversed)
			if err != nil {
				return Result{}, err
			}
			if recursive.Hit() {
				return recursive, nil
			}
			// Fall through: the marker's augmented lookup also missed,
			// so this ref contributes nothing further and we keep
			// searching remaining refs (§4.4: "else remember
			// augmentedW; fall through").
		}
	}

	if visited == 0 {
		missType := MissForDescriptorsDueToWeakFingerprints
		if !augmentationAllowed {
			missType = MissForDescriptorsDueToAugmentedWeakFingerprints
		}
		l.maybePublishAugmentation(ctx, weak, distinctPathSets, replayed)
		return Result{Miss: missType}, nil
	}

	l.maybePublishAugmentation(ctx, weak, distinctPathSets, replayed)
	return Result{Miss: MissForDescriptorsDueToStrongFingerprints}, nil
}
