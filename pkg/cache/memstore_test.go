package cache

import (
	"context"
	"sync"

	"github.com/pipforge/pipforge/pkg/identity"
	"github.com/pipforge/pipforge/pkg/observedinput"
)

// memStore is an in-memory Store used only by this package's tests; it is
// intentionally tiny (no eviction, no persistence) since pkg/contracts/memory
// provides the shared, fuller reference double used by higher-level tests.
type memStore struct {
	mu        sync.Mutex
	refs      map[WeakFingerprint][]PublishedEntryRef
	entries   map[string]CacheEntry
	metadata  map[[32]byte]*Metadata
	pathSets  map[PathSetHash]*observedinput.PathSet
	content   map[[32]byte]bool
}

func newMemStore() *memStore {
	return &memStore{
		refs:     make(map[WeakFingerprint][]PublishedEntryRef),
		entries:  make(map[string]CacheEntry),
		metadata: make(map[[32]byte]*Metadata),
		pathSets: make(map[PathSetHash]*observedinput.PathSet),
		content:  make(map[[32]byte]bool),
	}
}

func entryKey(weak WeakFingerprint, psh PathSetHash, sfp StrongFingerprint) string {
	return string(weak[:]) + "|" + string(psh[:]) + "|" + string(sfp[:])
}

func (m *memStore) ListPublishedEntries(ctx context.Context, weak WeakFingerprint) ([]PublishedEntryRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishedEntryRef(nil), m.refs[weak]...), nil
}

func (m *memStore) TryGetCacheEntry(ctx context.Context, weak WeakFingerprint, psh PathSetHash, sfp StrongFingerprint) (*CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[entryKey(weak, psh, sfp)]; ok {
		return &e, nil
	}
	return nil, nil
}

func (m *memStore) StorePathSet(ctx context.Context, set *observedinput.PathSet) (PathSetHash, error) {
	set.Canonicalize()
	hash := PathSetHash(set.Hash())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pathSets[hash] = set
	return hash, nil
}

func (m *memStore) TryPublishMarker(ctx context.Context, weak WeakFingerprint, psh PathSetHash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[weak] = append(m.refs[weak], PublishedEntryRef{PathSetHash: psh, StrongFingerprint: AugmentedWeakFingerprintMarker})
	return nil
}

func (m *memStore) TryRetrieveMetadata(ctx context.Context, hash [32]byte) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadata[hash], nil
}

func (m *memStore) TryRetrievePathSet(ctx context.Context, hash PathSetHash) (*observedinput.PathSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pathSets[hash], nil
}

func (m *memStore) ProbeContentAvailable(ctx context.Context, hash [32]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content[hash], nil
}

// publish registers a full (refs + entry + metadata) cache publication, the
// happy path a successful PostProcess would have produced.
func (m *memStore) publish(weak WeakFingerprint, set *observedinput.PathSet, strong StrongFingerprint, metadata *Metadata, contentHashes ...identity.ContentHash) PathSetHash {
	set.Canonicalize()
	psh := PathSetHash(set.Hash())
	metadataHash := identity.HashBytes([]byte("metadata-for-test-" + string(strong[:])))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pathSets[psh] = set
	m.refs[weak] = append(m.refs[weak], PublishedEntryRef{PathSetHash: psh, StrongFingerprint: strong})
	m.metadata[metadataHash] = metadata
	for _, h := range contentHashes {
		m.content[h] = true
	}
	entry := CacheEntry{MetadataHash: metadataHash, ReferencedContentHashes: contentHashes}
	m.entries[entryKey(weak, psh, strong)] = entry

	return psh
}
