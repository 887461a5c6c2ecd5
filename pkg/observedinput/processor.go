package observedinput

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"

	"github.com/pipforge/pipforge/pkg/identity"
)

// AllowlistRule is one configured exception to "every dynamic access must
// fall under a declared dependency": a glob pattern (matched with
// doublestar, supporting "**") optionally restricted to a particular
// observation flavor. SearchPathEnumeration and DirectoryEnumerationPattern
// observations (§4.3) are always matched against the Enumeration rules.
type AllowlistRule struct {
	Pattern            string
	SearchPath         bool
	EnumerationPattern bool
}

// Scope is the declared-dependency context an observation sequence is
// validated against: the pip's statically declared input paths, its
// declared seal-directory roots (any path under one is implicitly
// in-scope), and its allowlist rules.
type Scope struct {
	DeclaredPaths       map[string]bool
	SealDirectoryRoots  []string
	Allowlist           []AllowlistRule
	FailurePolicy       FailurePolicy
}

func (s Scope) declaredOrSealed(path string) bool {
	if s.DeclaredPaths[path] {
		return true
	}
	for _, root := range s.SealDirectoryRoots {
		if path == root || strings.HasPrefix(path, root+"/") {
			return true
		}
	}
	return false
}

func (s Scope) allowlisted(path string, enumeration bool) bool {
	for _, rule := range s.Allowlist {
		if enumeration && !rule.EnumerationPattern && !rule.SearchPath {
			continue
		}
		ok, err := doublestar.Match(rule.Pattern, path)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// Observation is one raw access to classify, either from a live sandbox run
// or replayed from a PathSet entry.
type Observation struct {
	Path        string
	Read        bool
	Write       bool
	Probe       bool
	Enumeration bool
	Exists      bool
	IsDirectory bool
	Hash        identity.ContentHash
	HasHash     bool
}

// classify determines an observation's Type using the precedence order of
// §4.3: FileContentRead > ExistingFileProbe > ExistingDirectoryProbe >
// DirectoryEnumeration > AbsentPathProbe.
func classify(o Observation) Type {
	switch {
	case o.Read && o.HasHash:
		return TypeFileContentRead
	case o.Probe && o.Exists && !o.IsDirectory:
		return TypeExistingFileProbe
	case o.Probe && o.Exists && o.IsDirectory:
		return TypeExistingDirectoryProbe
	case o.Enumeration:
		return TypeDirectoryEnumeration
	default:
		return TypeAbsentPathProbe
	}
}

// ErrAccessViolation is returned (wrapped with the offending path) when an
// observation falls outside every declared dependency and allowlist rule
// under PolicyFail.
var ErrAccessViolation = errors.New("observed access outside declared dependencies and allowlist")

// Processor replays or live-validates an observation sequence against a
// Scope, producing either a Success (with classified ObservedInputs) or a
// Mismatched/Aborted outcome (§4.3).
type Processor struct {
	Scope Scope
}

// NewProcessor constructs a Processor bound to scope.
func NewProcessor(scope Scope) *Processor {
	return &Processor{Scope: scope}
}

// Process classifies observations, enforcing the Scope's allowlist and
// seal-directory policy. hasher is invoked to content-hash file reads that
// didn't already carry a hash (as happens when replaying a PathSet, where
// only the shape -- not historical content -- is known up front); a hasher
// error yields OutcomeAborted (§4.3: "a hashing or I/O failure -- the pip
// must fail").
func (p *Processor) Process(observations []Observation, hasher func(path string) (identity.ContentHash, error)) (Outcome, []ObservedInput, error) {
	var inputs []ObservedInput

	for _, o := range observations {
		inScope := p.Scope.declaredOrSealed(o.Path)
		if !inScope {
			allowed := p.Scope.allowlisted(o.Path, o.Enumeration)
			if !allowed {
				if p.Scope.FailurePolicy == PolicySuppressAndIgnorePath {
					continue
				}
				return OutcomeMismatched, nil, errors.Wrap(ErrAccessViolation, o.Path)
			}
		}

		t := classify(o)

		input := ObservedInput{Path: o.Path, Type: t}
		switch t {
		case TypeFileContentRead:
			if o.HasHash {
				input.Hash = o.Hash
				input.HasHash = true
			} else if hasher != nil {
				h, err := hasher(o.Path)
				if err != nil {
					return OutcomeAborted, nil, errors.Wrapf(err, "hashing observed read of %s", o.Path)
				}
				input.Hash = h
				input.HasHash = true
			}
		case TypeDirectoryEnumeration:
			input.EnumerationFingerprint = enumerationFingerprint(o)
		}

		inputs = append(inputs, input)
	}

	return OutcomeSuccess, mergeByStrongestType(inputs), nil
}

// enumerationFingerprint derives a stable fingerprint for a directory
// enumeration observation. Real enumeration fingerprints are a hash of the
// member-name list seen at observation time; since that list is carried on
// richer Observation variants upstream (the sandbox report), here we only
// have the path and fall back to hashing the path itself as a placeholder
// identity -- callers that need to distinguish "same directory, different
// membership" must populate Observation with a richer hash via the Hash
// field and HasHash, which Process honors for any observation type.
func enumerationFingerprint(o Observation) identity.ContentHash {
	if o.HasHash {
		return o.Hash
	}
	return identity.FastHashBytes([]byte(o.Path))
}

// mergeByStrongestType collapses repeated observations of the same path
// (as happens when merging evidence across retry attempts, §7) keeping the
// strongest ObservedInputType per path.
func mergeByStrongestType(inputs []ObservedInput) []ObservedInput {
	byPath := make(map[string]ObservedInput, len(inputs))
	order := make([]string, 0, len(inputs))
	for _, in := range inputs {
		existing, ok := byPath[in.Path]
		if !ok {
			byPath[in.Path] = in
			order = append(order, in.Path)
			continue
		}
		if in.Type.Stronger(existing.Type) {
			byPath[in.Path] = in
		}
	}
	merged := make([]ObservedInput, 0, len(order))
	for _, path := range order {
		merged = append(merged, byPath[path])
	}
	return merged
}

// MergeAttempts unions the observed inputs from multiple retry attempts,
// resolving conflicting classifications of the same path by keeping the
// strongest observed type across all attempts (§7 Merging retry evidence).
func MergeAttempts(attempts ...[]ObservedInput) []ObservedInput {
	var all []ObservedInput
	for _, a := range attempts {
		all = append(all, a...)
	}
	return mergeByStrongestType(all)
}
