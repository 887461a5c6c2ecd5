// Package pip defines the immutable build-action graph node (Pip) and its
// mutable runtime companion (PipRuntimeInfo), together with the dense,
// lazily-constructed runtime table that backs every pip in a build (§3, §4.1
// Pip Runtime Table).
package pip

import "github.com/pipforge/pipforge/pkg/identity"

// ID is a dense 32-bit identifier for a pip, assigned by the pip graph at
// load time. IDs are dense and start at zero; the runtime table keys its
// entries by ID.
type ID uint32

// SemistableHash is a stable 64-bit hash of a pip's declared identity
// (command line, declared dependencies, rule set) computed once when the
// graph is built. It survives graph rebuilds across process restarts, which
// is what makes shared-opaque sideband logs and historic-metadata lookups
// possible (§6 Persisted State Layout).
type SemistableHash uint64

// Kind distinguishes the pip variants named in §3 Data Model.
type Kind uint8

const (
	KindProcess Kind = iota
	KindCopyFile
	KindWriteFile
	KindIpc
	KindSealDirectory
	KindValue
	KindModule
	KindSpec
)

// String returns a human-readable pip kind name.
func (k Kind) String() string {
	switch k {
	case KindProcess:
		return "Process"
	case KindCopyFile:
		return "CopyFile"
	case KindWriteFile:
		return "WriteFile"
	case KindIpc:
		return "Ipc"
	case KindSealDirectory:
		return "SealDirectory"
	case KindValue:
		return "Value"
	case KindModule:
		return "Module"
	case KindSpec:
		return "Spec"
	default:
		return "Unknown"
	}
}

// Heavy reports whether the pip kind performs real work that must flow
// through cache lookup, sandboxed execution, and dependent scheduling.
// Process and Ipc are "heavyweight" per §3; every other kind ("meta-pip")
// executes inline and never decrements a dependent's heavy-edge refcount.
func (k Kind) Heavy() bool {
	return k == KindProcess || k == KindIpc
}

// SealKind distinguishes seal-directory variants (only meaningful when
// Kind == KindSealDirectory).
type SealKind uint8

const (
	SealFull SealKind = iota
	SealPartial
	SealSourceTop
	SealSourceAll
	SealOpaque
	SealSharedOpaque
)

// Pip is an immutable node in the build graph. Once constructed by the
// graph, a Pip's fields never change; all mutable state for a pip lives in
// its PipRuntimeInfo, addressed by ID.
type Pip struct {
	ID             ID
	SemistableHash SemistableHash
	Kind           Kind
	SealKind       SealKind // only meaningful for KindSealDirectory

	// Declared static dependencies and outputs, expressed as interned
	// paths. These are the inputs to weak-fingerprint computation and the
	// baseline against which the observed-input processor validates
	// dynamic accesses.
	Dependencies []identity.PathID
	Outputs      []identity.PathID

	// OpaqueOutputs declares the roots of opaque and shared-opaque output
	// directories (§3 "Opaque directory"): directories whose contents are
	// discovered at execution time rather than statically declared. A
	// directory's position in this slice is its "opaque-idx", the key
	// PostProcess uses when recording discovered contents into
	// cache.Metadata.DynamicOutputs.
	OpaqueOutputs []identity.PathID

	// IsLight tags pips the dispatcher should route to the Light queue
	// regardless of kind (fast IPC calls, seal directories, write-file
	// pips with trivial content).
	IsLight bool

	// UserPriority occupies the high 8 bits of the pip's eventual
	// scheduling priority (§3, §8 "Priority overflow").
	UserPriority uint8

	// Uncacheable marks a pip that must always execute and must never
	// publish a cache entry, regardless of lookup outcome.
	Uncacheable bool
}
