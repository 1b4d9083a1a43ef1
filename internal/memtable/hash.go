package memtable

import "hash/fnv"

// hashBytes hashes a raw key into the bucket/mutex index space. Two
// independent vectors (buckets, mutexes) both key off this same hash so
// a key's bucket and its protecting mutex are chosen independently
// (spec.md §4.1).
func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}
