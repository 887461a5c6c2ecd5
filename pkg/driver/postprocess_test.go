package driver

import (
	"context"
	"testing"

	"github.com/pipforge/pipforge/pkg/cache"
	"github.com/pipforge/pipforge/pkg/contracts"
	"github.com/pipforge/pipforge/pkg/fsview"
	"github.com/pipforge/pipforge/pkg/identity"
	"github.com/pipforge/pipforge/pkg/pip"
)

// TestPublishHashesOpaqueDirectoryContentsIntoDynamicOutputs covers §4.5
// PostProcess step 3's opaque-directory half: a process pip that declares
// an opaque output directory gets every file the sandbox discovers under
// it hashed, pushed to the CAS, and recorded in the published metadata's
// DynamicOutputs, keyed by the directory's opaque-idx.
func TestPublishHashesOpaqueDirectoryContentsIntoDynamicOutputs(t *testing.T) {
	h := newTestHarness(DefaultConfig())

	dirID := h.paths.Intern("/out/opaque")
	memberID := h.paths.Intern("/out/opaque/generated.txt")
	memberInfo := identity.FileMaterializationInfo{
		Hash:     identity.HashBytes([]byte("generated content")),
		Length:   17,
		FileName: "generated.txt",
	}
	h.content.SeedOpaqueDirectory(dirID, []identity.PathID{memberID})
	h.content.SeedSourceFile(memberID, memberInfo)

	p := &pip.Pip{ID: 30, Kind: pip.KindProcess, SemistableHash: 30 * 7919, OpaqueOutputs: []identity.PathID{dirID}}
	r := h.seedReady(p)
	h.sandbox.ScriptResult(p.ID, &contracts.SandboxedProcessResult{ExitCode: 0}, nil)

	if err := h.driver.Run(context.Background(), r); err != nil {
		t.Fatalf("Run: %v", err)
	}

	info, _ := h.table.Peek(p.ID)
	if pip.Result(info.Result()) != pip.ResultExecuted {
		t.Fatalf("expected Executed, got %v", pip.Result(info.Result()))
	}

	weak := h.driver.weakFingerprint(p)
	refs, err := h.store.ListPublishedEntries(context.Background(), weak)
	if err != nil || len(refs) != 1 {
		t.Fatalf("ListPublishedEntries: refs=%v err=%v", refs, err)
	}

	entry, err := h.store.TryGetCacheEntry(context.Background(), weak, refs[0].PathSetHash, refs[0].StrongFingerprint)
	if err != nil || entry == nil {
		t.Fatalf("TryGetCacheEntry: entry=%v err=%v", entry, err)
	}
	metadata, err := h.store.TryRetrieveMetadata(context.Background(), entry.MetadataHash)
	if err != nil || metadata == nil {
		t.Fatalf("TryRetrieveMetadata: metadata=%v err=%v", metadata, err)
	}

	members, ok := metadata.DynamicOutputs[0]
	if !ok {
		t.Fatal("expected DynamicOutputs to have an entry for opaque-idx 0")
	}
	got, ok := members["generated.txt"]
	if !ok {
		t.Fatal("expected DynamicOutputs[0] to contain the discovered file by its relative path")
	}
	if got.Hash != memberInfo.Hash {
		t.Fatalf("hash mismatch: got %v, want %v", got.Hash, memberInfo.Hash)
	}

	foundHash := false
	for _, ch := range entry.ReferencedContentHashes {
		if ch == memberInfo.Hash {
			foundHash = true
		}
	}
	if !foundHash {
		t.Error("expected the opaque member's content hash to appear in the cache entry's ReferencedContentHashes")
	}
}

// TestMaterializeFromCacheReplaysDynamicOutputsAndCreatedDirectories covers
// the cache-hit replay half: a cached metadata blob's DynamicOutputs and
// CreatedDirectories must materialize alongside StaticOutputs, not just be
// silently dropped (S6 convergence, cache-hit replay).
func TestMaterializeFromCacheReplaysDynamicOutputsAndCreatedDirectories(t *testing.T) {
	h := newTestHarness(DefaultConfig())

	dirID := h.paths.Intern("/out/opaque")
	emptyDirID := h.paths.Intern("/out/empty")
	p := &pip.Pip{ID: 31, Kind: pip.KindProcess, OpaqueOutputs: []identity.PathID{dirID}}

	memberHash := identity.HashBytes([]byte("replayed content"))
	result := cache.Result{Metadata: &cache.Metadata{
		DynamicOutputs: cache.DynamicOutputs{
			0: {"generated.txt": identity.FileMaterializationInfo{Hash: memberHash, Length: 16, FileName: "generated.txt"}},
		},
		CreatedDirectories: []string{"/out/empty"},
	}}

	if err := h.driver.materializeFromCache(context.Background(), p, result); err != nil {
		t.Fatalf("materializeFromCache: %v", err)
	}

	memberID := h.paths.Intern("/out/opaque/generated.txt")
	reported, ok := h.content.Reported(memberID)
	if !ok {
		t.Fatal("expected the dynamic output to be reported to the file-content manager")
	}
	if reported.Hash != memberHash {
		t.Fatalf("hash mismatch: got %v, want %v", reported.Hash, memberHash)
	}

	if !h.driver.FS.Flags(emptyDirID).Has(fsview.FlagDirectoryCreatedByPip) {
		t.Error("expected the created (empty) directory to be flagged FlagDirectoryCreatedByPip on replay")
	}
}
