// Hash algorithm implementations used by the dictionary's internal
// bucket table. The record-id map does not go through this menu: it
// hashes its keys with xxh3 directly.
//
// Three algorithms are supported, selectable via Config.HashAlg,
// the same menu the teacher package exposes for its document-id hashing:
// xxHash3 is the fast default, FNV1a needs no external dependency, and
// Blake2b gives the best bucket distribution for adversarial key sets.
package colseg

import (
	"hash/fnv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Hash algorithm constants.
const (
	AlgXXHash3 = 1 // default, fastest
	AlgFNV1a   = 2 // no external dependencies
	AlgBlake2b = 3 // best distribution
)

// hashBytes produces a 64-bit bucket hash for b using the given algorithm.
func hashBytes(b []byte, alg int) uint64 {
	switch alg {
	case AlgFNV1a:
		h := fnv.New64a()
		h.Write(b)
		return h.Sum64()
	case AlgBlake2b:
		h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
		h.Write(b)
		sum := h.Sum(nil)
		var v uint64
		for _, by := range sum {
			v = v<<8 | uint64(by)
		}
		return v
	default: // AlgXXHash3
		return xxh3.Hash(b)
	}
}

// hashString hashes a string with the same result as hashBytes over its
// bytes, avoiding a []byte conversion on the default xxHash3 path. The
// dictionaries call hashBytes, not this function.
func hashString(s string, alg int) uint64 {
	switch alg {
	case AlgFNV1a:
		h := fnv.New64a()
		h.Write([]byte(s))
		return h.Sum64()
	case AlgBlake2b:
		return hashBytes([]byte(s), alg)
	default:
		return xxh3.HashString(s)
	}
}
