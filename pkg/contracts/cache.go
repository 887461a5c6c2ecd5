package contracts

import (
	"context"

	"github.com/pipforge/pipforge/pkg/cache"
	"github.com/pipforge/pipforge/pkg/identity"
	"github.com/pipforge/pipforge/pkg/observedinput"
)

// PublishOutcome is the result of TwoPhaseFingerprintStore.TryPublishCacheEntry.
type PublishOutcome uint8

const (
	Published PublishOutcome = iota
	RejectedDueToConflictingEntry
)

// PublishResult carries a PublishOutcome and, when the publish lost to a
// concurrent convergent execution, the entry that won (§4.5 PostProcess
// step 4).
type PublishResult struct {
	Outcome   PublishOutcome
	Conflict  *cache.CacheEntry
}

// TwoPhaseFingerprintStore is the durable two-phase cache: (weakFp) ->
// {pathSetHash}; (weakFp, pathSetHash) -> {strongFp}; (weakFp, pathSetHash,
// strongFp) -> cache entry (§6).
type TwoPhaseFingerprintStore interface {
	ListPublishedEntries(ctx context.Context, weak cache.WeakFingerprint) ([]cache.PublishedEntryRef, error)
	TryGetCacheEntry(ctx context.Context, weak cache.WeakFingerprint, pathSetHash cache.PathSetHash, strong cache.StrongFingerprint) (*cache.CacheEntry, error)
	TryPublishCacheEntry(ctx context.Context, weak cache.WeakFingerprint, pathSetHash cache.PathSetHash, strong cache.StrongFingerprint, entry cache.CacheEntry) (PublishResult, error)
	StorePathSet(ctx context.Context, set *observedinput.PathSet) (cache.PathSetHash, error)
	StoreMetadata(ctx context.Context, metadata *cache.Metadata) (identity.ContentHash, error)
	TryRetrieveMetadata(ctx context.Context, hash identity.ContentHash) (*cache.Metadata, error)
	TryRetrievePathSet(ctx context.Context, hash cache.PathSetHash) (*observedinput.PathSet, error)
}
