package observedinput

import "github.com/pipforge/pipforge/pkg/identity"

// FileSystemProbe answers existence/content questions during path-set
// replay. It is a narrow view of the tri-view filesystem cache (pkg/fsview)
// plus content hashing, kept separate from that package so observedinput
// has no import-time dependency on it -- both packages instead depend
// downward on identity and are wired together by the cache/driver layers.
type FileSystemProbe interface {
	Exists(path string) (exists bool, isDirectory bool, err error)
	Hash(path string) (identity.ContentHash, error)
}

// Replay converts a PathSet back into an Observation sequence by
// re-querying the current filesystem state (via probe) for each entry,
// mirroring what a live sandbox run would have reported. This is what C5
// calls once per distinct path-set hash during a cache lookup (§4.4).
func Replay(pathSet *PathSet, probe FileSystemProbe) ([]Observation, error) {
	observations := make([]Observation, 0, len(pathSet.Entries))
	for _, entry := range pathSet.Entries {
		exists, isDir, err := probe.Exists(entry.Path)
		if err != nil {
			return nil, err
		}

		o := Observation{
			Path:        entry.Path,
			Exists:      exists,
			IsDirectory: isDir,
			Probe:       entry.Flags.Has(FlagFileProbe) || entry.Flags.Has(FlagDirectoryLocation),
			Enumeration: entry.Flags.Has(FlagEnumeration) || entry.Flags.Has(FlagSearchPathEnumeration) || entry.Flags.Has(FlagDirectoryEnumerationPattern),
		}

		if exists && !isDir && entry.Flags.Has(FlagFileProbe) {
			// A probe entry alone doesn't imply a content read; only the
			// recorded set of accessed file names (handled by the
			// caller via pathSet.ObservedFileNames) implies reads. This
			// keeps Replay faithful to "shape" (§3: the path set
			// records *that* a name was observed, content is read
			// lazily when classification actually requires it).
		}

		observations = append(observations, o)
	}

	for _, name := range pathSet.ObservedFileNames {
		exists, isDir, err := probe.Exists(name)
		if err != nil {
			return nil, err
		}
		if !exists || isDir {
			continue
		}
		hash, err := probe.Hash(name)
		if err != nil {
			return nil, err
		}
		observations = append(observations, Observation{
			Path:    name,
			Read:    true,
			Exists:  true,
			Hash:    hash,
			HasHash: true,
		})
	}

	return observations, nil
}
