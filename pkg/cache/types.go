// Package cache implements the two-phase cache lookup protocol (§4.4): the
// weak-fingerprint -> path-set-hash -> strong-fingerprint chain, augmented
// weak fingerprints for pips with explosively many path sets (§4.3), and
// the cache-miss taxonomy used by counters and diagnostics (§4.4).
package cache

import (
	"sort"

	"github.com/pipforge/pipforge/pkg/identity"
	"github.com/pipforge/pipforge/pkg/observedinput"
)

// WeakFingerprint is the hash of a pip's declared inputs (command line,
// env, declared dependencies, salts, rule set), computed statically before
// execution.
type WeakFingerprint identity.ContentHash

// PathSetHash identifies the shape of a path set: which extra paths a pip
// accessed and which flags describe each (but not the values observed).
type PathSetHash identity.ContentHash

// StrongFingerprint is derived from a WeakFingerprint plus the content of
// the observed dynamic inputs named by a path set. It identifies the
// *values* observed, not merely the shape (§3 Data Model).
type StrongFingerprint identity.ContentHash

// AugmentedWeakFingerprintMarker is the sentinel StrongFingerprint value
// published alongside an augmenting path set: it never identifies a real
// cache entry. Encountering it during traversal triggers a recursive lookup
// keyed by WeakContentFingerprint of the augmenting path set's content
// (§4.3, §4.4).
var AugmentedWeakFingerprintMarker = StrongFingerprint{0xff}

// WeakContentFingerprint derives a new WeakFingerprint from the bytes of a
// StrongFingerprint -- the sole mechanism (invariant (v), §3) by which one
// weak fingerprint may legitimately index another.
func WeakContentFingerprint(strong StrongFingerprint) WeakFingerprint {
	return WeakFingerprint(identity.HashBytes(strong[:]))
}

// PublishedEntryRef names one published mapping from a (weakFp, pathSetHash)
// pair to a candidate strong fingerprint, as returned by
// TwoPhaseFingerprintStore.ListPublishedEntries.
type PublishedEntryRef struct {
	PathSetHash      PathSetHash
	StrongFingerprint StrongFingerprint
	OriginatingCache string
}

// CacheEntry is the durable record a successful publish writes: the content
// hash of the associated metadata blob, plus every content hash the
// metadata transitively references (so a consumer can pin/materialize them
// without re-parsing the metadata blob first).
type CacheEntry struct {
	MetadataHash          identity.ContentHash
	ReferencedContentHashes []identity.ContentHash
}

// OutputEncoding names the text encoding of a captured stdout/stderr
// stream.
type OutputEncoding uint8

const (
	EncodingUTF8 OutputEncoding = iota
	EncodingUTF16
	EncodingUnknown
)

// StreamCapture records a captured stdout/stderr stream's content hash and
// encoding.
type StreamCapture struct {
	Hash     identity.ContentHash
	Encoding OutputEncoding
}

// DynamicOutputs maps an opaque directory index to the relative-path ->
// materialization-info map discovered under it.
type DynamicOutputs map[int]map[string]identity.FileMaterializationInfo

// Metadata is the full metadata blob referenced by a CacheEntry (§3 Data
// Model).
type Metadata struct {
	SemistableHash    uint64
	WeakFingerprint   WeakFingerprint
	StrongFingerprint StrongFingerprint
	StaticOutputs     map[string]identity.FileMaterializationInfo
	DynamicOutputs    DynamicOutputs
	CreatedDirectories []string
	Stdout            *StreamCapture
	Stderr            *StreamCapture
	WarningCount      int
	TotalOutputSize   int64
	SessionID         string
}

// MissType enumerates the stable cache-miss tags used by counters and by
// the "new fingerprints since" analyzer (§4.4).
type MissType uint8

const (
	MissInvalid MissType = iota
	MissForDescriptorsDueToWeakFingerprints
	MissForDescriptorsDueToAugmentedWeakFingerprints
	MissForDescriptorsDueToStrongFingerprints
	MissForCacheEntry
	MissForProcessMetadata
	MissForProcessMetadataFromHistoricMetadata
	MissForProcessOutputContent
	MissDueToInvalidDescriptors
	MissForProcessConfiguredUncacheable
	MissForDescriptorsDueToArtificialMissOptions
	Hit
)

// String returns a human-readable miss-type name.
func (m MissType) String() string {
	switch m {
	case MissForDescriptorsDueToWeakFingerprints:
		return "MissForDescriptorsDueToWeakFingerprints"
	case MissForDescriptorsDueToAugmentedWeakFingerprints:
		return "MissForDescriptorsDueToAugmentedWeakFingerprints"
	case MissForDescriptorsDueToStrongFingerprints:
		return "MissForDescriptorsDueToStrongFingerprints"
	case MissForCacheEntry:
		return "MissForCacheEntry"
	case MissForProcessMetadata:
		return "MissForProcessMetadata"
	case MissForProcessMetadataFromHistoricMetadata:
		return "MissForProcessMetadataFromHistoricMetadata"
	case MissForProcessOutputContent:
		return "MissForProcessOutputContent"
	case MissDueToInvalidDescriptors:
		return "MissDueToInvalidDescriptors"
	case MissForProcessConfiguredUncacheable:
		return "MissForProcessConfiguredUncacheable"
	case MissForDescriptorsDueToArtificialMissOptions:
		return "MissForDescriptorsDueToArtificialMissOptions"
	case Hit:
		return "Hit"
	default:
		return "Invalid"
	}
}

// Result is the outcome of a two-phase cache lookup.
type Result struct {
	Miss              MissType
	PathSetHash       PathSetHash
	StrongFingerprint StrongFingerprint
	Entry             *CacheEntry
	Metadata          *Metadata
}

// Hit reports whether the lookup produced a usable cache hit.
func (r Result) Hit() bool {
	return r.Miss == Hit
}

// CanonicalizeObservedInputs sorts observed inputs by path and serializes
// them into a stable byte sequence suitable for hashing into a strong
// fingerprint (§4.3 "Canonicalization").
func CanonicalizeObservedInputs(inputs []observedinput.ObservedInput) []byte {
	sorted := make([]observedinput.ObservedInput, len(inputs))
	copy(sorted, inputs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Path < sorted[j].Path
	})

	var buf []byte
	for _, in := range sorted {
		buf = append(buf, []byte(in.Path)...)
		buf = append(buf, byte(in.Type))
		if in.HasHash {
			buf = append(buf, in.Hash[:]...)
		} else {
			buf = append(buf, in.EnumerationFingerprint[:]...)
		}
	}
	return buf
}

// ComputeStrongFingerprint implements §4.3's definition:
//
//	Hash(weakFp || pathSetHash || canonicalized observed-input list)
func ComputeStrongFingerprint(weak WeakFingerprint, pathSetHash PathSetHash, inputs []observedinput.ObservedInput) StrongFingerprint {
	buf := make([]byte, 0, 32+32+64*len(inputs))
	buf = append(buf, weak[:]...)
	buf = append(buf, pathSetHash[:]...)
	buf = append(buf, CanonicalizeObservedInputs(inputs)...)
	return StrongFingerprint(identity.HashBytes(buf))
}
