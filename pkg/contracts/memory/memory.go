// Package memory provides in-memory reference doubles for every consumed
// contract in pkg/contracts (§6): the build graph, the two-phase
// fingerprint store, the content-addressed artifact cache, the
// file-content manager, the sandbox, and incremental scheduling state.
// These are demo/test doubles only -- cmd/pipforge's "run" command wires
// them up so the scheduler is exercisable end-to-end without a real
// sandbox or a real CAS backend.
package memory

import (
	"context"
	"sync"

	"github.com/pipforge/pipforge/pkg/cache"
	"github.com/pipforge/pipforge/pkg/contracts"
	"github.com/pipforge/pipforge/pkg/identity"
	"github.com/pipforge/pipforge/pkg/observedinput"
	"github.com/pipforge/pipforge/pkg/pip"
)

// Graph is a mutable, in-memory contracts.PipGraph builder.
type Graph struct {
	mu           sync.RWMutex
	pips         map[pip.ID]*pip.Pip
	order        []pip.ID
	dependents   map[pip.ID][]contracts.DependentEdge
	dependencies map[pip.ID][]contracts.DependentEdge
	producers    map[identity.PathID]pip.ID
	opaqueOwners map[identity.PathID]pip.ID
}

// NewGraph constructs an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		pips:         make(map[pip.ID]*pip.Pip),
		dependents:   make(map[pip.ID][]contracts.DependentEdge),
		dependencies: make(map[pip.ID][]contracts.DependentEdge),
		producers:    make(map[identity.PathID]pip.ID),
		opaqueOwners: make(map[identity.PathID]pip.ID),
	}
}

// AddPip registers p, in the order pips should appear from Pips/TopologicalOrder.
func (g *Graph) AddPip(p *pip.Pip) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.pips[p.ID]; !exists {
		g.order = append(g.order, p.ID)
	}
	g.pips[p.ID] = p
}

// AddEdge records that dependent depends on dependency, with the given
// weight. It populates both Dependents(dependency) and
// Dependencies(dependent).
func (g *Graph) AddEdge(dependency, dependent pip.ID, weight contracts.EdgeWeight) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dependents[dependency] = append(g.dependents[dependency], contracts.DependentEdge{Pip: dependent, Weight: weight})
	g.dependencies[dependent] = append(g.dependencies[dependent], contracts.DependentEdge{Pip: dependency, Weight: weight})
}

// SetProducer records that pip p produces path as a static output.
func (g *Graph) SetProducer(path identity.PathID, p pip.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.producers[path] = p
}

// SetOpaqueOwner records that path falls under the opaque/shared-opaque
// directory sealed by p.
func (g *Graph) SetOpaqueOwner(path identity.PathID, p pip.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opaqueOwners[path] = p
}

func (g *Graph) Pips() []*pip.Pip {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*pip.Pip, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.pips[id])
	}
	return out
}

func (g *Graph) Pip(id pip.ID) (*pip.Pip, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.pips[id]
	return p, ok
}

func (g *Graph) Dependents(id pip.ID) []contracts.DependentEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]contracts.DependentEdge(nil), g.dependents[id]...)
}

func (g *Graph) Dependencies(id pip.ID) []contracts.DependentEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]contracts.DependentEdge(nil), g.dependencies[id]...)
}

func (g *Graph) ProducerOf(path identity.PathID) (pip.ID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.producers[path]
	return p, ok
}

func (g *Graph) DeclaresUnderOpaque(path identity.PathID) (pip.ID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.opaqueOwners[path]
	return p, ok
}

// TopologicalOrder returns pips in insertion order. Callers are expected to
// insert pips in a valid topological order themselves (AddPip does not
// re-sort), matching how a graph-construction frontend would emit them.
func (g *Graph) TopologicalOrder() []pip.ID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]pip.ID(nil), g.order...)
}

// FingerprintStore is an in-memory contracts.TwoPhaseFingerprintStore.
type FingerprintStore struct {
	mu       sync.Mutex
	refs     map[cache.WeakFingerprint][]cache.PublishedEntryRef
	entries  map[string]cache.CacheEntry
	metadata map[identity.ContentHash]*cache.Metadata
	pathSets map[cache.PathSetHash]*observedinput.PathSet
}

// NewFingerprintStore constructs an empty FingerprintStore.
func NewFingerprintStore() *FingerprintStore {
	return &FingerprintStore{
		refs:     make(map[cache.WeakFingerprint][]cache.PublishedEntryRef),
		entries:  make(map[string]cache.CacheEntry),
		metadata: make(map[identity.ContentHash]*cache.Metadata),
		pathSets: make(map[cache.PathSetHash]*observedinput.PathSet),
	}
}

func entryKey(weak cache.WeakFingerprint, psh cache.PathSetHash, sfp cache.StrongFingerprint) string {
	return string(weak[:]) + "|" + string(psh[:]) + "|" + string(sfp[:])
}

func (s *FingerprintStore) ListPublishedEntries(ctx context.Context, weak cache.WeakFingerprint) ([]cache.PublishedEntryRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cache.PublishedEntryRef(nil), s.refs[weak]...), nil
}

func (s *FingerprintStore) TryGetCacheEntry(ctx context.Context, weak cache.WeakFingerprint, psh cache.PathSetHash, sfp cache.StrongFingerprint) (*cache.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[entryKey(weak, psh, sfp)]; ok {
		return &e, nil
	}
	return nil, nil
}

// TryPublishCacheEntry publishes entry if no entry already exists for this
// (weak, psh, strong) triple; otherwise it reports the existing entry as a
// conflict (§4.5 PostProcess step 4, S6 convergence). Unlike the durable
// store's real race, this in-memory version is only safe against
// concurrent callers within this process, which is all a demo needs.
func (s *FingerprintStore) TryPublishCacheEntry(ctx context.Context, weak cache.WeakFingerprint, psh cache.PathSetHash, sfp cache.StrongFingerprint, entry cache.CacheEntry) (contracts.PublishResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey(weak, psh, sfp)
	if existing, ok := s.entries[key]; ok {
		existingCopy := existing
		return contracts.PublishResult{Outcome: contracts.RejectedDueToConflictingEntry, Conflict: &existingCopy}, nil
	}
	s.entries[key] = entry
	s.refs[weak] = append(s.refs[weak], cache.PublishedEntryRef{PathSetHash: psh, StrongFingerprint: sfp})
	return contracts.PublishResult{Outcome: contracts.Published}, nil
}

func (s *FingerprintStore) StorePathSet(ctx context.Context, set *observedinput.PathSet) (cache.PathSetHash, error) {
	set.Canonicalize()
	hash := cache.PathSetHash(set.Hash())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pathSets[hash] = set
	return hash, nil
}

func (s *FingerprintStore) StoreMetadata(ctx context.Context, metadata *cache.Metadata) (identity.ContentHash, error) {
	hash := identity.FastHashBytes([]byte(metadata.SessionID + string(metadata.StrongFingerprint[:])))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[hash] = metadata
	return hash, nil
}

func (s *FingerprintStore) TryRetrieveMetadata(ctx context.Context, hash identity.ContentHash) (*cache.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata[hash], nil
}

func (s *FingerprintStore) TryRetrievePathSet(ctx context.Context, hash cache.PathSetHash) (*observedinput.PathSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pathSets[hash], nil
}

// ContentCache is an in-memory contracts.ArtifactContentCache, storing raw
// bytes keyed by content hash rather than talking to a real filesystem.
type ContentCache struct {
	mu      sync.Mutex
	content map[identity.ContentHash][]byte
	// files simulates the on-disk tree Materialize writes into, keyed by
	// relative path, so tests can observe what a materialize call did.
	files map[string]identity.ContentHash
}

// NewContentCache constructs an empty ContentCache.
func NewContentCache() *ContentCache {
	return &ContentCache{
		content: make(map[identity.ContentHash][]byte),
		files:   make(map[string]identity.ContentHash),
	}
}

// Seed registers hash as already present in the cache, as if written by an
// earlier build, with the given content bytes available for later
// materialization.
func (c *ContentCache) Seed(hash identity.ContentHash, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content[hash] = content
}

func (c *ContentCache) Store(ctx context.Context, path string, hash identity.ContentHash) (identity.ContentHash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.content[hash]; !ok {
		c.content[hash] = nil
	}
	c.files[path] = hash
	return hash, nil
}

func (c *ContentCache) Materialize(ctx context.Context, hash identity.ContentHash, path string) (contracts.ContentOrigin, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[path] = hash
	return contracts.OriginCache, nil
}

func (c *ContentCache) ProbePin(ctx context.Context, hash identity.ContentHash) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.content[hash]
	return ok, nil
}

func (c *ContentCache) Remove(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, path)
	return nil
}

// FileContentManager is an in-memory contracts.FileContentManager.
type FileContentManager struct {
	mu         sync.Mutex
	sourceInfo map[identity.PathID]identity.FileMaterializationInfo
	reported   map[identity.PathID]identity.FileMaterializationInfo
	sealed     map[identity.PathID][]identity.PathID
	opaque     map[identity.PathID][]identity.PathID
}

// NewFileContentManager constructs an empty FileContentManager.
func NewFileContentManager() *FileContentManager {
	return &FileContentManager{
		sourceInfo: make(map[identity.PathID]identity.FileMaterializationInfo),
		reported:   make(map[identity.PathID]identity.FileMaterializationInfo),
		sealed:     make(map[identity.PathID][]identity.PathID),
		opaque:     make(map[identity.PathID][]identity.PathID),
	}
}

// SeedOpaqueDirectory registers the member paths EnumerateAndTrackOutputDirectory
// should report as discovered under dir, standing in for a real sandbox's
// post-execution directory walk.
func (m *FileContentManager) SeedOpaqueDirectory(dir identity.PathID, members []identity.PathID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opaque[dir] = append(m.opaque[dir], members...)
}

// SeedSourceFile registers the content info HashSourceFile should return
// for path.
func (m *FileContentManager) SeedSourceFile(path identity.PathID, info identity.FileMaterializationInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourceInfo[path] = info
}

func (m *FileContentManager) HashSourceFile(ctx context.Context, path identity.PathID) (identity.FileMaterializationInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sourceInfo[path], nil
}

func (m *FileContentManager) RegisterStaticDirectory(ctx context.Context, path identity.PathID, members []identity.PathID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealed[path] = append(m.sealed[path], members...)
	return nil
}

// MaterializeInputs is a no-op double: the in-memory sandbox never actually
// reads from disk, so there is nothing to stage.
func (m *FileContentManager) MaterializeInputs(ctx context.Context, p *pip.Pip) error {
	return nil
}

func (m *FileContentManager) MaterializeFile(ctx context.Context, artifact identity.FileArtifact, info identity.FileMaterializationInfo) (contracts.ContentOrigin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reported[artifact.Path] = info
	return contracts.OriginCache, nil
}

func (m *FileContentManager) ReportOutputContent(ctx context.Context, artifact identity.FileArtifact, info identity.FileMaterializationInfo, origin contracts.ContentOrigin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reported[artifact.Path] = info
	return nil
}

// Reported returns the FileMaterializationInfo most recently reported for
// path via MaterializeFile or ReportOutputContent, for test assertions.
func (m *FileContentManager) Reported(path identity.PathID) (identity.FileMaterializationInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.reported[path]
	return info, ok
}

func (m *FileContentManager) ListSealedDirectoryContents(ctx context.Context, dir identity.PathID) ([]identity.PathID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]identity.PathID(nil), m.sealed[dir]...), nil
}

func (m *FileContentManager) EnumerateAndTrackOutputDirectory(ctx context.Context, dir identity.PathID) ([]identity.PathID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]identity.PathID(nil), m.opaque[dir]...), nil
}

// Sandbox is a scriptable contracts.Sandbox double: callers register the
// SandboxedProcessResult (or error) each pip.ID should produce.
type Sandbox struct {
	mu       sync.Mutex
	results  map[pip.ID][]scriptedResult
	runCount map[pip.ID]int
}

type scriptedResult struct {
	result *contracts.SandboxedProcessResult
	err    error
}

// NewSandbox constructs an empty Sandbox.
func NewSandbox() *Sandbox {
	return &Sandbox{
		results:  make(map[pip.ID][]scriptedResult),
		runCount: make(map[pip.ID]int),
	}
}

// ScriptResult queues one (result, err) pair to return the next time id is
// run; successive calls to ScriptResult for the same id queue successive
// attempts, letting a test drive a resource-exhaustion retry and a
// subsequent success.
func (s *Sandbox) ScriptResult(id pip.ID, result *contracts.SandboxedProcessResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = append(s.results[id], scriptedResult{result, err})
}

// RunCount reports how many times Run has been called for id so far.
func (s *Sandbox) RunCount(id pip.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCount[id]
}

func (s *Sandbox) Run(ctx context.Context, p *pip.Pip, inputs []identity.FileArtifact) (*contracts.SandboxedProcessResult, error) {
	s.mu.Lock()
	queue := s.results[p.ID]
	idx := s.runCount[p.ID]
	s.runCount[p.ID]++
	s.mu.Unlock()

	if idx >= len(queue) {
		return &contracts.SandboxedProcessResult{ExitCode: 0}, nil
	}
	scripted := queue[idx]
	if scripted.err != nil {
		return nil, scripted.err
	}
	return scripted.result, nil
}

// IncrementalState is an in-memory contracts.IncrementalSchedulingState.
type IncrementalState struct {
	mu           sync.Mutex
	clean        map[pip.ID]bool
	materialized map[pip.ID]bool
	observed     map[pip.ID][]identity.PathID
}

// NewIncrementalState constructs an empty IncrementalState.
func NewIncrementalState() *IncrementalState {
	return &IncrementalState{
		clean:        make(map[pip.ID]bool),
		materialized: make(map[pip.ID]bool),
		observed:     make(map[pip.ID][]identity.PathID),
	}
}

func (s *IncrementalState) IsCleanAndMaterialized(id pip.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clean[id] && s.materialized[id]
}

func (s *IncrementalState) IsMaterialized(id pip.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.materialized[id]
}

func (s *IncrementalState) MarkClean(id pip.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clean[id] = true
}

func (s *IncrementalState) MarkMaterialized(id pip.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.materialized[id] = true
}

func (s *IncrementalState) RecordDynamicObservations(id pip.ID, observed []identity.PathID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed[id] = append(s.observed[id], observed...)
}

// StoreAdapter adapts a (TwoPhaseFingerprintStore, ArtifactContentCache)
// pair into the narrower cache.Store view pkg/cache.Lookup needs, folding
// TryPublishMarker (augmented weak fingerprints, §4.3) and
// ProbeContentAvailable (pin checks, §4.4) into the two real §6 contracts.
// pkg/scheduler's production adapter follows the same shape against real
// backends.
type StoreAdapter struct {
	Fingerprints *FingerprintStore
	Content      *ContentCache
}

func (a *StoreAdapter) ListPublishedEntries(ctx context.Context, weak cache.WeakFingerprint) ([]cache.PublishedEntryRef, error) {
	return a.Fingerprints.ListPublishedEntries(ctx, weak)
}

func (a *StoreAdapter) TryGetCacheEntry(ctx context.Context, weak cache.WeakFingerprint, psh cache.PathSetHash, sfp cache.StrongFingerprint) (*cache.CacheEntry, error) {
	return a.Fingerprints.TryGetCacheEntry(ctx, weak, psh, sfp)
}

func (a *StoreAdapter) StorePathSet(ctx context.Context, set *observedinput.PathSet) (cache.PathSetHash, error) {
	return a.Fingerprints.StorePathSet(ctx, set)
}

func (a *StoreAdapter) TryPublishMarker(ctx context.Context, weak cache.WeakFingerprint, psh cache.PathSetHash) error {
	_, err := a.Fingerprints.TryPublishCacheEntry(ctx, weak, psh, cache.AugmentedWeakFingerprintMarker, cache.CacheEntry{})
	return err
}

// TryRetrieveMetadata and ProbeContentAvailable take a raw [32]byte rather
// than identity.ContentHash to satisfy cache.Store's signature exactly
// (that interface is declared in pkg/cache to avoid an import cycle with
// pkg/contracts, so it spells the hash type out rather than naming it).
func (a *StoreAdapter) TryRetrieveMetadata(ctx context.Context, hash [32]byte) (*cache.Metadata, error) {
	return a.Fingerprints.TryRetrieveMetadata(ctx, identity.ContentHash(hash))
}

func (a *StoreAdapter) TryRetrievePathSet(ctx context.Context, hash cache.PathSetHash) (*observedinput.PathSet, error) {
	return a.Fingerprints.TryRetrievePathSet(ctx, hash)
}

func (a *StoreAdapter) ProbeContentAvailable(ctx context.Context, hash [32]byte) (bool, error) {
	return a.Content.ProbePin(ctx, identity.ContentHash(hash))
}
