package blob

import (
	"hash/fnv"
	"sync"

	"github.com/dolthub/swiss"
)

// RamControl is the in-memory index value: the record's file offset
// and its total on-disk size (header, payload, and any alignment
// padding).
type RamControl struct {
	Offset int64
	Size   int64
}

// IndexEntry pairs a composite key with its RamControl.
type IndexEntry struct {
	Key Key
	Ctl RamControl
}

// Index maps composite keys to RamControls. It is sharded
// internally; callers may assume the table is linearizable per key.
type Index struct {
	shards []*indexShard
}

type indexShard struct {
	mu sync.RWMutex
	m  *swiss.Map[Key, RamControl]
}

// NewIndex produces an Index with the given shard count.
// A count below one falls back to a single shard.
func NewIndex(shards int) *Index {
	if shards < 1 {
		shards = 1
	}
	idx := &Index{shards: make([]*indexShard, shards)}
	for i := range idx.shards {
		idx.shards[i] = &indexShard{m: swiss.NewMap[Key, RamControl](1024)}
	}
	return idx
}

func (idx *Index) shard(k Key) *indexShard {
	h := fnv.New32a()
	h.Write(k[:])
	return idx.shards[h.Sum32()%uint32(len(idx.shards))]
}

// Lookup returns the RamControl for k, if present.
func (idx *Index) Lookup(k Key) (RamControl, bool) {
	s := idx.shard(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.Get(k)
}

// Replace inserts or replaces the entry for k.
func (idx *Index) Replace(k Key, ctl RamControl) {
	s := idx.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.Put(k, ctl)
}

// Erase removes the entry for k, reporting whether it was present.
func (idx *Index) Erase(k Key) bool {
	s := idx.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Delete(k)
}

// Len reports the number of entries across all shards.
func (idx *Index) Len() int {
	var n int
	for _, s := range idx.shards {
		s.mu.RLock()
		n += s.m.Count()
		s.mu.RUnlock()
	}
	return n
}

// Snapshot copies out every entry of the given kind. The copy
// reflects at least the entries present when Snapshot was called.
func (idx *Index) Snapshot(kind Kind) []IndexEntry {
	var out []IndexEntry
	for _, s := range idx.shards {
		s.mu.RLock()
		s.m.Iter(func(k Key, ctl RamControl) bool {
			if k.Kind() == kind {
				out = append(out, IndexEntry{Key: k, Ctl: ctl})
			}
			return false
		})
		s.mu.RUnlock()
	}
	return out
}
