package identity

// FileArtifact identifies a specific version of a file at a path. Source
// files always carry RewriteCount 0; each successive pip that rewrites the
// same path increments it, so two FileArtifact values with the same Path but
// different RewriteCount denote different, ordered versions of the file
// (§3 Data Model).
type FileArtifact struct {
	Path         PathID
	RewriteCount uint32
}

// Newer reports whether a is a later version of the same path than b. It
// panics if a and b refer to different paths, since "newer" is only
// meaningful within one path's rewrite history.
func (a FileArtifact) Newer(b FileArtifact) bool {
	if a.Path != b.Path {
		panic("identity: cannot compare FileArtifact versions across distinct paths")
	}
	return a.RewriteCount > b.RewriteCount
}

// DirectoryArtifact identifies a partial-seal directory by path and the
// identifier of the seal-directory pip that produced it.
type DirectoryArtifact struct {
	Path         PathID
	PartialSealID uint32
}

// ReparsePointInfo captures the minimal reparse-point (symlink/junction)
// metadata the scheduler must preserve through caching: whether the path is
// a reparse point at all, and if so, its target.
type ReparsePointInfo struct {
	IsReparsePoint bool
	Target         string
}

// FileMaterializationInfo is the metadata needed to both identify a file's
// content and correctly recreate it on disk (§3 Data Model).
type FileMaterializationInfo struct {
	// Hash is the content hash of the file. AbsentFile indicates the file
	// does not exist; such files are never stored in the CAS.
	Hash ContentHash
	// Length is the file's byte length. It is meaningless when Hash is
	// AbsentFile.
	Length int64
	// FileName preserves the on-disk casing of the final path component,
	// since case-insensitive filesystems can still produce
	// case-significant comparisons during replay.
	FileName string
	// IsExecutable records the file's executable bit.
	IsExecutable bool
	// Reparse carries symlink/junction metadata, if any.
	Reparse ReparsePointInfo
	// OpaqueDirectoryRoot is the PathID of the opaque directory this file
	// was discovered under, or the zero PathID if the file is a
	// statically declared output.
	OpaqueDirectoryRoot PathID
	// HasOpaqueDirectoryRoot distinguishes "not under an opaque
	// directory" from "under the opaque directory rooted at PathID 0",
	// since PathID's zero value is a valid interned id.
	HasOpaqueDirectoryRoot bool
	// CaseSensitiveRelativeSubdir is the relative path, with on-disk
	// casing preserved, from OpaqueDirectoryRoot to this file. It is only
	// meaningful when HasOpaqueDirectoryRoot is true.
	CaseSensitiveRelativeSubdir string
	// IsUndeclaredFileRewrite marks a file that was written more than
	// once by the same pip execution without being declared as a
	// rewritten output; downstream violation analysis treats this
	// specially.
	IsUndeclaredFileRewrite bool
}

// IsAbsent reports whether this materialization info describes a
// nonexistent file.
func (f FileMaterializationInfo) IsAbsent() bool {
	return f.Hash.IsAbsent()
}
