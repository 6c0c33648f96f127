// Package fingerprint computes fast, stable hashes used for dedup
// bookkeeping and mutation-type identity, built on xxhash (already
// pulled in transitively by Badger) rather than hash/fnv.
package fingerprint

import "github.com/cespare/xxhash/v2"

// Of returns a 64-bit fingerprint of s.
func Of(s string) uint64 {
	return xxhash.Sum64String(s)
}

// OfMutation returns a stable fingerprint of a mutation's owner key,
// used as the OfflineMutationEntry.MutationType handle when the caller
// registers no explicit name. (a reflect/function-pointer
// based hash is fragile across builds; fasq never hashes a function
// value, only the caller-supplied owner key string.)
func OfMutation(name string) uint64 {
	return xxhash.Sum64String("mutation:" + name)
}
