// Package identity implements the path/content identity layer: interned
// absolute paths, content hashes, and file materialization metadata shared
// by the cache protocol and the observed-input processor.
package identity

import (
	"crypto/sha256"
	"hash"

	"github.com/zeebo/xxh3"
)

// Algorithm identifies a hash algorithm used somewhere in the fingerprinting
// pipeline. The scheduler deliberately supports more than one: weak
// fingerprints and path-set shape hashes are produced in large volume and
// favor speed, while strong fingerprints and content hashes must resist
// collisions across the lifetime of a cache.
type Algorithm uint8

const (
	// AlgorithmDefault is the zero value and is never valid for hashing.
	AlgorithmDefault Algorithm = iota
	// AlgorithmXXH3 is a fast, non-cryptographic hash used for weak
	// fingerprints, path-set hashes, and other high-volume, low-stakes
	// identity computations.
	AlgorithmXXH3
	// AlgorithmSHA256 is a cryptographic hash used for strong fingerprints
	// and content hashes, where collision resistance actually matters.
	AlgorithmSHA256
)

// Supported indicates whether the algorithm is usable.
func (a Algorithm) Supported() bool {
	switch a {
	case AlgorithmXXH3, AlgorithmSHA256:
		return true
	default:
		return false
	}
}

// String returns a human-readable description of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmXXH3:
		return "xxh3"
	case AlgorithmSHA256:
		return "sha256"
	default:
		return "unknown"
	}
}

// newXXH3 adapts xxh3's streaming hasher to the standard hash.Hash
// interface (xxh3.New already implements it, this wrapper exists purely so
// Factory has one obvious construction path per algorithm, mirroring the
// per-algorithm factory functions the digest family historically used).
func newXXH3() hash.Hash {
	return xxh3.New()
}

// Factory returns a constructor for the algorithm's hash.Hash
// implementation. It panics on AlgorithmDefault or an unknown value, since
// callers are expected to validate Supported() (or rely on a fixed constant)
// before ever reaching for a factory.
func (a Algorithm) Factory() func() hash.Hash {
	switch a {
	case AlgorithmXXH3:
		return newXXH3
	case AlgorithmSHA256:
		return sha256.New
	default:
		panic("default or unknown hash algorithm")
	}
}

// Sum computes the digest of data using the algorithm and returns the raw
// bytes.
func (a Algorithm) Sum(data []byte) []byte {
	h := a.Factory()()
	h.Write(data)
	return h.Sum(nil)
}
