// Package fsview implements the tri-view path-existence cache (§4.2): a
// single concurrent map keyed by path ID whose entries hold the existence
// in each view (Real disk, FullGraph, Output), with parent-inference so that a probe of a deeply nested path can often
// settle without a disk call.
package fsview

import (
	"sync"

	"github.com/pipforge/pipforge/pkg/identity"
)

// Existence is the result of a path probe; Unknown means not yet recorded.
type Existence uint8

const (
	Unknown Existence = iota
	Nonexistent
	IsFile
	IsDirectory
)

// View names one of the three logical path-existence views (§4.2).
type View uint8

const (
	Real View = iota
	FullGraph
	Output
)

// Flags holds the auxiliary per-path bits tracked alongside existence
// (§4.2's flag word).
type Flags uint16

const (
	FlagDirectoryEnumerated Flags = 1 << iota
	FlagSymlinkChecked
	FlagDirectorySymlink
	FlagDirectoryCreatedByPip
	FlagDirectoryRemovedByPip
	FlagDirectoryContainsFiles
	FlagOutputProducedBeforeCaching
	FlagOutputProducedAfterCaching
	// FlagSharedOpaqueOutput marks a path the driver reported as written
	// under a shared-opaque directory, so a later build's scrubber can
	// find and remove it even if the producing pip ultimately failed.
	FlagSharedOpaqueOutput
)

// Has reports whether f includes bit.
func (f Flags) Has(bit Flags) bool {
	return f&bit != 0
}

// entry packs the three view existences plus the shared flag word for one
// path, matching §4.2's "small bit-vector plus flag word" layout.
type entry struct {
	existence [3]Existence
	flags     Flags
}

// Cache is the concurrent path->entry map underlying all three views, plus
// the path table used to turn raw path strings into dense IDs.
type Cache struct {
	paths *identity.PathTable

	mu      sync.RWMutex
	entries map[identity.PathID]*entry
}

// New constructs an empty Cache backed by paths.
func New(paths *identity.PathTable) *Cache {
	return &Cache{
		paths:   paths,
		entries: make(map[identity.PathID]*entry),
	}
}

func (c *Cache) getOrCreate(id identity.PathID) *entry {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if ok {
		return e
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[id]; ok {
		return e
	}
	e = &entry{}
	c.entries[id] = e
	return e
}

func (c *Cache) peek(id identity.PathID) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// Existence returns the currently cached existence for path in view, or
// Unknown when the answer hasn't been recorded yet (whether or not an entry
// exists for the path).
func (c *Cache) Existence(view View, id identity.PathID) Existence {
	e, ok := c.peek(id)
	if !ok {
		return Unknown
	}
	return e.existence[view]
}

// Flags returns the shared flag word for path.
func (c *Cache) Flags(id identity.PathID) Flags {
	e, ok := c.peek(id)
	if !ok {
		return 0
	}
	return e.flags
}

// SetFlags ORs extra into path's shared flag word.
func (c *Cache) SetFlags(id identity.PathID, extra Flags) {
	e := c.getOrCreate(id)
	c.mu.Lock()
	e.flags |= extra
	c.mu.Unlock()
}

// recordOptions.updateParents controls whether Record also marks every ancestor as
// an existing directory; pip-reported creations pass updateParents=false
// (§4.2 invariants).
type recordOptions struct {
	updateParents bool
}

// RecordOption configures a single Record call.
type RecordOption func(*recordOptions)

// WithoutParentUpdate disables the "mark every ancestor as an existing
// directory" side effect, for pip-reported creations (§4.2).
func WithoutParentUpdate() RecordOption {
	return func(o *recordOptions) { o.updateParents = false }
}

// Record sets the existence of path in view, applying the §4.2 invariant
// that adding a File also marks every ancestor as an existing directory
// (unless suppressed).
func (c *Cache) Record(view View, id identity.PathID, existence Existence, opts ...RecordOption) {
	options := recordOptions{updateParents: true}
	for _, opt := range opts {
		opt(&options)
	}

	e := c.getOrCreate(id)
	c.mu.Lock()
	e.existence[view] = existence
	c.mu.Unlock()

	if existence == IsFile && options.updateParents {
		parent, ok := c.paths.Parent(id)
		for ok {
			pe := c.getOrCreate(parent)
			c.mu.Lock()
			pe.existence[view] = IsDirectory
			c.mu.Unlock()
			parent, ok = c.paths.Parent(parent)
		}
	}
}

// Probe resolves path's existence in view using the parent-inference
// optimization of §4.2: if the nearest tracked ancestor is known
// Nonexistent or a File, the queried path is Nonexistent without a disk
// call; if a tracked ancestor is known enumerated, its immediate child's
// presence in children settles the query. probeDisk is invoked only when
// neither shortcut applies, and its result (plus every inferred
// intermediate ancestor) is cached as a side effect.
func (c *Cache) Probe(view View, id identity.PathID, children func(dir identity.PathID) (map[string]bool, bool), probeDisk func() (Existence, error)) (Existence, error) {
	if e, ok := c.peek(id); ok && e.existence[view] != Unknown {
		return e.existence[view], nil
	}

	// Walk upward collecting the chain until we hit a tracked ancestor or
	// run out of parents.
	var chain []identity.PathID
	cursor, ok := c.paths.Parent(id)
	for ok {
		if e, tracked := c.peek(cursor); tracked && e.existence[view] != Unknown {
			switch e.existence[view] {
			case Nonexistent, IsFile:
				c.markChainNonexistent(view, id, chain)
				return Nonexistent, nil
			case IsDirectory:
				if e.flags.Has(FlagDirectoryEnumerated) && len(chain) == 0 {
					// Immediate child of an enumerated directory: settle
					// from the enumeration's recorded children, if the
					// caller supplied them.
					if kids, haveKids := children(cursor); haveKids {
						name := c.paths.Lookup(id)
						if base := lastSegment(name); !kids[base] {
							c.Record(view, id, Nonexistent)
							return Nonexistent, nil
						}
					}
				}
			}
			break
		}
		chain = append(chain, cursor)
		cursor, ok = c.paths.Parent(cursor)
	}

	existence, err := probeDisk()
	if err != nil {
		return Unknown, err
	}
	c.Record(view, id, existence)
	if existence == Nonexistent {
		c.markChainNonexistent(view, id, chain)
	}
	return existence, nil
}

// markChainNonexistent caches every intermediate ancestor between the
// queried path and the first tracked ancestor as Nonexistent, per §4.2's
// "all intermediate ancestors ... are cached Nonexistent" rule.
func (c *Cache) markChainNonexistent(view View, queried identity.PathID, chain []identity.PathID) {
	for _, id := range chain {
		c.Record(view, id, Nonexistent)
	}
}

// RecordDirectoryCreatedByPip marks path as a pip-created directory. If
// containsFiles is false, the Output view reports this path as Nonexistent:
// replaying an empty directory creation is not modeled (§4.2 invariants).
func (c *Cache) RecordDirectoryCreatedByPip(id identity.PathID, containsFiles bool) {
	c.SetFlags(id, FlagDirectoryCreatedByPip)
	if containsFiles {
		c.SetFlags(id, FlagDirectoryContainsFiles)
		c.Record(Output, id, IsDirectory, WithoutParentUpdate())
		return
	}
	c.Record(Output, id, Nonexistent, WithoutParentUpdate())
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
