// Package observedinput implements the observed-input processor (§4.3): it
// validates a sequence of dynamic file-system observations -- either live
// sandbox accesses or a replayed path set -- against declared dependencies,
// allowlist rules, and seal-directory policy, classifying each into a typed
// ObservedInput and ultimately contributing to the pip's strong fingerprint.
package observedinput

import (
	"sort"

	"github.com/pipforge/pipforge/pkg/identity"
)

// EntryFlag is a bitmask of properties describing one observed path-set
// entry (§3 Data Model, ObservedPathEntry).
type EntryFlag uint8

const (
	FlagFileProbe EntryFlag = 1 << iota
	FlagDirectoryLocation
	FlagEnumeration
	FlagSearchPathEnumeration
	FlagDirectoryEnumerationPattern
)

// Has reports whether f includes bit.
func (f EntryFlag) Has(bit EntryFlag) bool {
	return f&bit != 0
}

// PathSetEntry is one entry of a serialized ObservedPathSet: a path plus
// the flags needed to interpret it during replay.
type PathSetEntry struct {
	Path  string
	Flags EntryFlag
}

// UnsafeOptions is a snapshot of the unsafe-but-permitted configuration in
// effect when a path set was recorded (e.g. whether undeclared source reads
// were allowed). A cached path set recorded under less-safe options than
// the current lookup must never be trusted (§4.4 "if pathSet.UnsafeOptions
// is less-safe-than current -> skip").
type UnsafeOptions struct {
	AllowUndeclaredSourceReads bool
	IgnoreReparsePoints        bool
	IgnoreUndeclaredAccesses   bool
}

// LessSafeThan reports whether u permits strictly more than other -- i.e.
// whether a path set recorded under u cannot be trusted by a lookup that
// only tolerates other.
func (u UnsafeOptions) LessSafeThan(other UnsafeOptions) bool {
	permits := func(o UnsafeOptions) int {
		n := 0
		if o.AllowUndeclaredSourceReads {
			n++
		}
		if o.IgnoreReparsePoints {
			n++
		}
		if o.IgnoreUndeclaredAccesses {
			n++
		}
		return n
	}
	// "Less safe" is only a meaningful (and safe-to-reject) comparison
	// when every permission other grants is also granted by u; otherwise
	// the two option sets are incomparable and we conservatively treat
	// them as unsafe relative to each other.
	if (other.AllowUndeclaredSourceReads && !u.AllowUndeclaredSourceReads) ||
		(other.IgnoreReparsePoints && !u.IgnoreReparsePoints) ||
		(other.IgnoreUndeclaredAccesses && !u.IgnoreUndeclaredAccesses) {
		return (u.AllowUndeclaredSourceReads && !other.AllowUndeclaredSourceReads) ||
			(u.IgnoreReparsePoints && !other.IgnoreReparsePoints) ||
			(u.IgnoreUndeclaredAccesses && !other.IgnoreUndeclaredAccesses)
	}
	return permits(u) > permits(other)
}

// PathSet is the serialized, content-addressed description of which extra
// paths a pip accessed (§3 Data Model, ObservedPathSet).
type PathSet struct {
	Entries          []PathSetEntry
	ObservedFileNames []string // sorted, case-insensitive
	Unsafe           UnsafeOptions
}

// Canonicalize sorts Entries by path and ObservedFileNames
// case-insensitively, both required for the path-set hash to identify only
// the set's *shape* (§3: "sorted sequence ... sorted set").
func (s *PathSet) Canonicalize() {
	sort.Slice(s.Entries, func(i, j int) bool {
		return s.Entries[i].Path < s.Entries[j].Path
	})
	sort.Slice(s.ObservedFileNames, func(i, j int) bool {
		return lowerLess(s.ObservedFileNames[i], s.ObservedFileNames[j])
	})
}

func lowerLess(a, b string) bool {
	la, lb := toLower(a), toLower(b)
	return la < lb
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Hash computes the content-addressed hash identifying this path set's
// shape. The set must already be canonicalized (the caller is expected to
// call Canonicalize before ever persisting or hashing a PathSet, since
// entries arriving from a live sandbox run are not sorted).
func (s *PathSet) Hash() [32]byte {
	var buf []byte
	for _, e := range s.Entries {
		buf = append(buf, []byte(e.Path)...)
		buf = append(buf, byte(e.Flags))
	}
	for _, n := range s.ObservedFileNames {
		buf = append(buf, []byte(toLower(n))...)
		buf = append(buf, 0)
	}
	buf = appendBool(buf, s.Unsafe.AllowUndeclaredSourceReads)
	buf = appendBool(buf, s.Unsafe.IgnoreReparsePoints)
	buf = appendBool(buf, s.Unsafe.IgnoreUndeclaredAccesses)
	return identity.HashBytes(buf)
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// Type is the observed-input classification, in the precedence order
// defined by §4.3: FileContentRead > ExistingFileProbe >
// ExistingDirectoryProbe > DirectoryEnumeration > AbsentPathProbe. Higher
// numeric value means stronger, so "the stronger type wins" (§7 Merging
// retry evidence) reduces to a plain max.
type Type uint8

const (
	TypeAbsentPathProbe Type = iota
	TypeDirectoryEnumeration
	TypeExistingDirectoryProbe
	TypeExistingFileProbe
	TypeFileContentRead
)

// Stronger reports whether t should win over other when the same path was
// observed with conflicting types across retry attempts.
func (t Type) Stronger(other Type) bool {
	return t > other
}

// ObservedInput is one classified observation, ready for inclusion in the
// canonicalized list hashed into a strong fingerprint.
type ObservedInput struct {
	Path                   string
	Type                   Type
	HasHash                bool
	Hash                   identity.ContentHash
	EnumerationFingerprint identity.ContentHash
}

// Outcome is the result of processing an observation sequence.
type Outcome uint8

const (
	// OutcomeSuccess means every observation validated; the classified
	// inputs are returned alongside it.
	OutcomeSuccess Outcome = iota
	// OutcomeMismatched means some path fell under no declared dependency
	// and was not allowlisted.
	OutcomeMismatched
	// OutcomeAborted means a hashing or I/O failure occurred; the pip
	// must fail (it is not a cacheable miss).
	OutcomeAborted
)

// FailurePolicy controls what happens when an access falls outside every
// declared dependency and allowlist rule (§4.3 "OnAccessCheckFailure").
type FailurePolicy uint8

const (
	PolicyFail FailurePolicy = iota
	PolicySuppressAndIgnorePath
)
