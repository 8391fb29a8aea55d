// Package pathkey bridges UUID-shaped path elements to the hash.Hash values
// mapstream keys are built from. It has no file I/O of its own; it exists so
// a future HashPath/FileSystem collaborator can derive MapStream keys from
// path elements without duplicating the hashing and bit-splitting logic.
package pathkey

import (
	"github.com/google/uuid"

	"github.com/sharedcode/vfs/hash"
)

// FromBytes hashes an arbitrary byte string into a hash.Hash. It is a thin
// re-export of hash.Sum for callers that only import pathkey.
func FromBytes(b []byte) hash.Hash {
	return hash.Sum(b)
}

// FromUUID hashes the 16 raw bytes of id into a hash.Hash, suitable for use
// as a fixed-width mapstream key when the natural identifier is a UUID.
func FromUUID(id uuid.UUID) hash.Hash {
	return hash.Sum(id[:])
}

// SplitUUID splits a UUID into its high and low 64-bit halves, most
// significant byte first in each half. This is the same construction a
// hash-partitioned on-disk registry uses to fan UUIDs out across fixed-size
// buckets, exposed here so a future bucketed MapStream key space can reuse it
// instead of re-deriving the bit-twiddling.
func SplitUUID(id uuid.UUID) (high, low uint64) {
	for i := 0; i < 8; i++ {
		high = high<<8 | uint64(id[i])
	}
	for i := 8; i < 16; i++ {
		low = low<<8 | uint64(id[i])
	}
	return high, low
}
