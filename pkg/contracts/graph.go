// Package contracts defines the external collaborator interfaces the
// scheduler calls out to (§6 Consumed contracts) and the result/request
// types they exchange. Implementations -- the sandbox, the CAS, the
// two-phase fingerprint store, the file-content manager -- are out of
// scope for this module (§1 Non-goals); pkg/contracts/memory provides
// in-memory reference doubles so the scheduler is exercisable without them.
package contracts

import (
	"context"

	"github.com/pipforge/pipforge/pkg/identity"
	"github.com/pipforge/pipforge/pkg/pip"
)

// EdgeWeight distinguishes light and heavy graph edges (§6 PipGraph).
type EdgeWeight uint8

const (
	EdgeLight EdgeWeight = iota
	EdgeHeavy
)

// PipGraph enumerates the immutable build graph: pips, edges, producers by
// artifact, and reachability/ordering queries.
type PipGraph interface {
	// Pips returns every pip in the graph, in a stable, deterministic
	// order (topological tie-breaking is the graph's responsibility, not
	// the scheduler's).
	Pips() []*pip.Pip

	// Pip returns the pip with the given ID.
	Pip(id pip.ID) (*pip.Pip, bool)

	// Dependents returns the pips that depend on id, annotated with
	// whether the edge is light or heavy. Only heavy edges decrement a
	// dependent's refcount and participate in skip cascades (§3 Data
	// Model, §5 Ordering guarantees).
	Dependents(id pip.ID) []DependentEdge

	// Dependencies returns the pips that id depends on.
	Dependencies(id pip.ID) []DependentEdge

	// ProducerOf returns the pip that produces the given path as a static
	// output, if any.
	ProducerOf(path identity.PathID) (pip.ID, bool)

	// DeclaresUnderOpaque reports whether path falls under a declared
	// opaque or shared-opaque directory, and if so, the sealing pip's ID.
	DeclaresUnderOpaque(path identity.PathID) (pip.ID, bool)

	// TopologicalOrder returns pip IDs in a valid topological order with
	// respect to heavy edges.
	TopologicalOrder() []pip.ID
}

// DependentEdge names one endpoint of a graph edge plus its weight.
type DependentEdge struct {
	Pip    pip.ID
	Weight EdgeWeight
}

// ContentOrigin records where materialized content actually came from.
type ContentOrigin uint8

const (
	OriginCache ContentOrigin = iota
	OriginLocal
	OriginRemote
)

// FileContentManager hashes source files, tracks declared/dynamic output
// content, and materializes files to disk (§6).
type FileContentManager interface {
	HashSourceFile(ctx context.Context, path identity.PathID) (identity.FileMaterializationInfo, error)
	RegisterStaticDirectory(ctx context.Context, path identity.PathID, members []identity.PathID) error
	MaterializeInputs(ctx context.Context, p *pip.Pip) error
	MaterializeFile(ctx context.Context, artifact identity.FileArtifact, info identity.FileMaterializationInfo) (ContentOrigin, error)
	ReportOutputContent(ctx context.Context, artifact identity.FileArtifact, info identity.FileMaterializationInfo, origin ContentOrigin) error
	ListSealedDirectoryContents(ctx context.Context, dir identity.PathID) ([]identity.PathID, error)
	EnumerateAndTrackOutputDirectory(ctx context.Context, dir identity.PathID) ([]identity.PathID, error)
}

// ArtifactContentCache is the content-addressed byte store (CAS, §6).
type ArtifactContentCache interface {
	Store(ctx context.Context, path string, hash identity.ContentHash) (identity.ContentHash, error)
	Materialize(ctx context.Context, hash identity.ContentHash, path string) (ContentOrigin, error)
	ProbePin(ctx context.Context, hash identity.ContentHash) (bool, error)
	// Remove deletes a locally-produced file, used to scrub shared-opaque
	// outputs from a losing execution after a cache-publish conflict
	// (§4.5 PostProcess step 4, S6 convergence).
	Remove(ctx context.Context, path string) error
}

// Sandbox runs a pip's process under isolation and reports everything the
// observed-input processor and PostProcess need (§6).
type Sandbox interface {
	Run(ctx context.Context, p *pip.Pip, inputs []identity.FileArtifact) (*SandboxedProcessResult, error)
}

// SandboxedProcessResult is the full report of one sandboxed execution
// attempt (§6 Sandbox contract).
type SandboxedProcessResult struct {
	ExitCode               int
	TimedOut               bool
	UserTimeMs             int64
	SystemTimeMs           int64
	PeakMemoryBytes        int64
	ReportedFileAccesses   []ReportedAccess
	ObservedFileAccesses   []ReportedAccess
	SharedDynamicWrites    []identity.PathID
	CreatedDirectories     []identity.PathID
	StdoutPath             string
	StderrPath             string
	RetryInfo              *RetryInfo
}

// ReportedAccess is a single file-system access observed by the sandbox.
type ReportedAccess struct {
	Path        identity.PathID
	Read        bool
	Write       bool
	Probe       bool
	Enumeration bool
	ContentHash identity.ContentHash
	HasHash     bool

	// Length, IsExecutable, and Reparse are only populated for Write
	// accesses; they carry the stat info PostProcess needs to build a
	// FileMaterializationInfo without a second filesystem round-trip.
	Length       int64
	IsExecutable bool
	Reparse      identity.ReparsePointInfo
}

// RetryInfo, when non-nil on a SandboxedProcessResult, signals that the
// sandbox itself believes the attempt was inconclusive (lost message,
// detours mismatch) rather than a genuine process failure (§7).
type RetryInfo struct {
	Reason string
}

// IncrementalSchedulingState tracks which nodes are already known clean and
// materialized from a prior build (§6).
type IncrementalSchedulingState interface {
	IsCleanAndMaterialized(id pip.ID) bool
	IsMaterialized(id pip.ID) bool
	MarkClean(id pip.ID)
	MarkMaterialized(id pip.ID)
	RecordDynamicObservations(id pip.ID, observed []identity.PathID)
}

// PerformanceSample is one tick of machine resource usage (§6
// PerformanceCollector, §4.7 Resource Governor inputs).
type PerformanceSample struct {
	RAMPercent             float64
	EffectiveRAMPercent    float64
	CommitPercent          float64
	CPUPercent             float64
	ContextSwitchesPerSec  float64
	ModifiedPageSetPercent float64
	Cores                  int
	// CommitLimitBytes is the machine's total commit charge limit, used to
	// translate CommitPercent into an absolute byte count to free (§4.7
	// decision 1).
	CommitLimitBytes int64
}

// PerformanceCollector samples machine resource usage.
type PerformanceCollector interface {
	Sample(ctx context.Context) (PerformanceSample, error)
}
