package observedinput

import (
	"testing"

	"github.com/pipforge/pipforge/pkg/identity"
)

func scopeWith(declared ...string) Scope {
	m := make(map[string]bool, len(declared))
	for _, d := range declared {
		m[d] = true
	}
	return Scope{DeclaredPaths: m}
}

func TestProcessClassifiesByPrecedence(t *testing.T) {
	scope := scopeWith("/in/read.txt", "/in/probe.txt", "/in/dir", "/in/missing")
	p := NewProcessor(scope)

	observations := []Observation{
		{Path: "/in/read.txt", Read: true, HasHash: true, Hash: identity.HashBytes([]byte("x")), Exists: true},
		{Path: "/in/probe.txt", Probe: true, Exists: true},
		{Path: "/in/dir", Probe: true, Exists: true, IsDirectory: true},
		{Path: "/in/missing", Probe: true, Exists: false},
	}

	outcome, inputs, err := p.Process(observations, nil)
	if err != nil || outcome != OutcomeSuccess {
		t.Fatalf("expected success, got outcome=%v err=%v", outcome, err)
	}

	byPath := map[string]Type{}
	for _, in := range inputs {
		byPath[in.Path] = in.Type
	}
	if byPath["/in/read.txt"] != TypeFileContentRead {
		t.Errorf("expected FileContentRead, got %v", byPath["/in/read.txt"])
	}
	if byPath["/in/probe.txt"] != TypeExistingFileProbe {
		t.Errorf("expected ExistingFileProbe, got %v", byPath["/in/probe.txt"])
	}
	if byPath["/in/dir"] != TypeExistingDirectoryProbe {
		t.Errorf("expected ExistingDirectoryProbe, got %v", byPath["/in/dir"])
	}
	if byPath["/in/missing"] != TypeAbsentPathProbe {
		t.Errorf("expected AbsentPathProbe, got %v", byPath["/in/missing"])
	}
}

func TestProcessMismatchedOutsideScope(t *testing.T) {
	p := NewProcessor(scopeWith("/declared"))
	_, _, err := p.Process([]Observation{{Path: "/undeclared", Probe: true, Exists: true}}, nil)
	if err == nil {
		t.Fatal("expected a mismatch error for undeclared access")
	}
}

func TestProcessAllowlistedViaGlob(t *testing.T) {
	scope := Scope{
		DeclaredPaths: map[string]bool{},
		Allowlist:     []AllowlistRule{{Pattern: "/tmp/**"}},
	}
	p := NewProcessor(scope)
	_, inputs, err := p.Process([]Observation{{Path: "/tmp/scratch/x", Probe: true, Exists: true}}, nil)
	if err != nil {
		t.Fatalf("expected allowlisted access to succeed, got %v", err)
	}
	if len(inputs) != 1 {
		t.Fatalf("expected 1 input, got %d", len(inputs))
	}
}

func TestProcessSuppressAndIgnorePolicy(t *testing.T) {
	scope := Scope{DeclaredPaths: map[string]bool{}, FailurePolicy: PolicySuppressAndIgnorePath}
	p := NewProcessor(scope)
	outcome, inputs, err := p.Process([]Observation{{Path: "/undeclared", Probe: true, Exists: true}}, nil)
	if err != nil || outcome != OutcomeSuccess {
		t.Fatalf("expected success with suppressed path, got outcome=%v err=%v", outcome, err)
	}
	if len(inputs) != 0 {
		t.Fatalf("expected the violating path to be dropped, got %d inputs", len(inputs))
	}
}

func TestProcessHasherFailureAborts(t *testing.T) {
	scope := scopeWith("/in/read.txt")
	p := NewProcessor(scope)
	_, _, err := p.Process([]Observation{{Path: "/in/read.txt", Read: true, Exists: true}}, func(string) (identity.ContentHash, error) {
		return identity.ContentHash{}, errBoom
	})
	if err == nil {
		t.Fatal("expected hasher failure to abort")
	}
}

func TestMergeAttemptsKeepsStrongerType(t *testing.T) {
	weak := []ObservedInput{{Path: "/a", Type: TypeAbsentPathProbe}}
	strong := []ObservedInput{{Path: "/a", Type: TypeFileContentRead, HasHash: true, Hash: identity.HashBytes([]byte("v"))}}

	merged := MergeAttempts(weak, strong)
	if len(merged) != 1 || merged[0].Type != TypeFileContentRead {
		t.Fatalf("expected the stronger FileContentRead classification to win, got %+v", merged)
	}
}

func TestUnsafeOptionsLessSafeThan(t *testing.T) {
	safe := UnsafeOptions{}
	unsafeOpts := UnsafeOptions{AllowUndeclaredSourceReads: true}
	if safe.LessSafeThan(unsafeOpts) {
		t.Fatal("the safer option set should not be 'less safe than' the riskier one")
	}
	if !unsafeOpts.LessSafeThan(safe) {
		t.Fatal("the riskier option set should be 'less safe than' the safer one")
	}
}

func TestPathSetHashStableUnderReorder(t *testing.T) {
	a := &PathSet{Entries: []PathSetEntry{{Path: "/b"}, {Path: "/a"}}}
	b := &PathSet{Entries: []PathSetEntry{{Path: "/a"}, {Path: "/b"}}}
	a.Canonicalize()
	b.Canonicalize()
	if a.Hash() != b.Hash() {
		t.Fatal("path set hash must be stable under entry reordering once canonicalized")
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
