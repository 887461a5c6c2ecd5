package identity

import "encoding/hex"

// hashSize is the byte length of every identity hash in this package. Weak
// fingerprints, strong fingerprints, path-set hashes, and content hashes are
// all normalized to SHA-256-sized digests (32 bytes) regardless of which
// Algorithm produced them, so that every hash-keyed map and cache entry in
// the scheduler uses one fixed-size comparable key type.
const hashSize = 32

// ContentHash identifies the content of a file by digest. It is comparable
// and suitable as a map key.
type ContentHash [hashSize]byte

// AbsentFile is the well-known sentinel content hash for a file that does
// not exist. Files with this hash are never stored in the CAS (§3 Data
// Model, FileMaterializationInfo).
var AbsentFile = ContentHash{}

// IsAbsent reports whether h is the AbsentFile sentinel.
func (h ContentHash) IsAbsent() bool {
	return h == AbsentFile
}

// String returns the lowercase hex encoding of the hash.
func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

// HashFromBytes truncates or right-pads b into a ContentHash. Callers
// normally pass the output of a 32-byte digest (SHA-256) directly; shorter
// digests (e.g. a truncated XXH3) are zero-extended.
func HashFromBytes(b []byte) ContentHash {
	var h ContentHash
	copy(h[:], b)
	return h
}

// HashBytes computes the content hash of data using SHA-256, the algorithm
// used for every hash that identifies durable, externally-visible content
// (as opposed to shape/shape identity hashes, which use XXH3 for speed).
func HashBytes(data []byte) ContentHash {
	return HashFromBytes(AlgorithmSHA256.Sum(data))
}

// FastHashBytes computes a hash of data using XXH3, for high-volume,
// non-durable identity computations (weak fingerprints, path-set shape
// hashes). It is not a cryptographic hash and must never be used to
// identify content that will be trusted across machines without the
// accompanying strong fingerprint confirming it.
func FastHashBytes(data []byte) ContentHash {
	sum := AlgorithmXXH3.Sum(data)
	// xxh3's default Sum is 64 bits; zero-extend into the fixed-width
	// identity hash so it composes with the rest of this package.
	return HashFromBytes(sum)
}
