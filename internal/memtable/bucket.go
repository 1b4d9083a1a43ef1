package memtable

import "sync"

// bucket is an ordered singly-linked list of key entries, ordering
// inside the bucket by the full key comparator (spec.md §4.1). Buckets
// and their protecting mutexes are independent vectors; a key hashes
// into both, so two keys sharing a mutex need not share a bucket — the
// mutex that protects this bucket lives in the memtable's separate
// mutex shard vector, not here.
type bucket struct {
	head *keyEntry
}

// insert walks the bucket's sorted list under the caller-held mutex and
// either installs newEntry in its sorted position or reports a duplicate
// (comparator returns 0), matching spec.md §4.1's "duplicate key ...
// fails silently and does not double-charge".
func (b *bucket) insert(cmp Comparator, newEntry *keyEntry) bool {
	var prev *keyEntry
	cur := b.head

	for cur != nil {
		c := cmp.Compare(newEntry.key, cur.key)
		if c == 0 {
			return false
		}
		if c < 0 {
			break
		}
		prev = cur
		cur = cur.next
	}

	newEntry.next = cur
	if prev == nil {
		b.head = newEntry
	} else {
		prev.next = newEntry
	}
	return true
}

// contains reports whether a key equal to key (by cmp) is present.
func (b *bucket) contains(cmp Comparator, key []byte) bool {
	for cur := b.head; cur != nil; cur = cur.next {
		c := cmp.Compare(key, cur.key)
		if c == 0 {
			return true
		}
		if c < 0 {
			return false
		}
	}
	return false
}

// get enumerates matching entries in ascending key order, stopping when
// fn returns false (spec.md §4.1, §6).
func (b *bucket) get(cmp Comparator, lookupKey []byte, fn func(key []byte) bool) {
	for cur := b.head; cur != nil; cur = cur.next {
		c := cmp.Compare(lookupKey, cur.key)
		if c < 0 {
			return
		}
		if c == 0 {
			if !fn(cur.key) {
				return
			}
		}
	}
}

// bucketSet is the memtable's vector of buckets, each protected by one
// of a separate, independently sized vector of mutexes (spec.md §4.1).
type bucketSet struct {
	buckets []bucket
	mutexes []sync.Mutex
}

func newBucketSet(numBuckets, numMutexes int) *bucketSet {
	return &bucketSet{
		buckets: make([]bucket, numBuckets),
		mutexes: make([]sync.Mutex, numMutexes),
	}
}

func (bs *bucketSet) bucketIndex(hash uint64) int {
	return int(hash % uint64(len(bs.buckets)))
}

func (bs *bucketSet) mutexIndex(bucketIdx int) int {
	return bucketIdx % len(bs.mutexes)
}

func (bs *bucketSet) lockFor(bucketIdx int) *sync.Mutex {
	return &bs.mutexes[bs.mutexIndex(bucketIdx)]
}
