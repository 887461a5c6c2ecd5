package identity

import (
	"path/filepath"
	"sync"
)

// PathID is a dense, interned identifier for an absolute path. Comparing two
// PathIDs for equality is equivalent to comparing the underlying paths, but
// is cheaper and lets every downstream map key on an integer instead of a
// string.
type PathID uint32

// PathTable interns absolute paths to dense PathIDs. It is safe for
// concurrent use. The zero value is not ready for use; construct one with
// NewPathTable.
//
// This mirrors the teacher's pattern of keeping a single concurrent
// path-identity map shared by every subsystem that needs to talk about
// "the same" filesystem location cheaply (§4.2's tri-view existence cache
// and the pip model's declared dependencies and outputs key off PathID).
type PathTable struct {
	mu      sync.RWMutex
	byPath  map[string]PathID
	byID    []string
}

// NewPathTable constructs an empty PathTable.
func NewPathTable() *PathTable {
	return &PathTable{
		byPath: make(map[string]PathID),
	}
}

// Intern returns the PathID for path, assigning a new one if path hasn't
// been seen before. The path is cleaned (via filepath.Clean) before
// interning so that textually different but equivalent paths map to the
// same identifier.
func (t *PathTable) Intern(path string) PathID {
	clean := filepath.Clean(path)

	t.mu.RLock()
	if id, ok := t.byPath[clean]; ok {
		t.mu.RUnlock()
		return id
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	// Re-check under the write lock in case another goroutine interned the
	// same path between the RUnlock above and this Lock.
	if id, ok := t.byPath[clean]; ok {
		return id
	}
	id := PathID(len(t.byID))
	t.byID = append(t.byID, clean)
	t.byPath[clean] = id
	return id
}

// Lookup returns the path for id. It panics if id was never interned by this
// table, since that indicates a PathID leaked across tables or was
// fabricated, which is always a caller bug.
func (t *PathTable) Lookup(id PathID) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.byID) {
		panic("identity: PathID not interned in this table")
	}
	return t.byID[id]
}

// Len returns the number of distinct paths interned so far.
func (t *PathTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Parent returns the PathID of path's parent directory and true, or the
// zero PathID and false if path has no parent (it is a filesystem root).
func (t *PathTable) Parent(id PathID) (PathID, bool) {
	path := t.Lookup(id)
	parent := filepath.Dir(path)
	if parent == path {
		return 0, false
	}
	return t.Intern(parent), true
}
