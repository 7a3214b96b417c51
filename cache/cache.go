// Package cache implements a least-recently-used read cache in
// front of a blob backend. Reads of whole records are served from
// memory when possible; writes pass through and refresh the cached
// copy, deletes invalidate it.
package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"blobring/blob"
)

// Cache wraps a backend with an LRU of record payloads keyed by
// composite key.
type Cache struct {
	c *lru.Cache // blob.Key -> []byte
	b *blob.Backend

	hits   int64
	misses int64
}

// New produces a Cache over b holding up to size payloads.
// A size of zero or less disables caching: every call passes
// through.
func New(b *blob.Backend, size int) (*Cache, error) {
	cc := &Cache{b: b}
	if size > 0 {
		c, err := lru.New(size)
		if err != nil {
			return nil, errors.Wrap(err, "creating lru")
		}
		cc.c = c
	}
	return cc, nil
}

// Backend exposes the wrapped backend.
func (c *Cache) Backend() *blob.Backend {
	return c.b
}

// Read behaves like the backend's Read but serves whole-record data
// reads from memory when a copy is cached. Partial reads slice the
// cached copy.
func (c *Cache) Read(attr *blob.IoAttr, dst []byte) (int, error) {
	if c.c == nil || attr.Flags&blob.IoHistory != 0 {
		return c.b.Read(attr, dst)
	}

	key := blob.MakeKey(attr.Origin, blob.KindData)
	payload, ok := c.get(key)
	if !ok {
		whole := blob.IoAttr{ID: attr.ID, Origin: attr.Origin}
		sr, err := c.b.ReadStream(&whole)
		if err != nil {
			return 0, err
		}
		payload = make([]byte, sr.Size())
		if len(payload) > 0 {
			if _, err := sr.ReadAt(payload, 0); err != nil {
				return 0, errors.Wrapf(err, "filling cache for %s", attr.Origin)
			}
		}
		c.c.Add(key, payload)
		atomic.AddInt64(&c.misses, 1)
	} else {
		atomic.AddInt64(&c.hits, 1)
	}

	if int64(attr.Offset) > int64(len(payload)) {
		return 0, errors.Wrapf(blob.ErrInvalid, "read offset %d exceeds record size %d", attr.Offset, len(payload))
	}
	window := payload[attr.Offset:]
	if attr.Size != 0 {
		if int64(attr.Size) > int64(len(window)) {
			return 0, errors.Wrapf(blob.ErrInvalid, "read window %d+%d exceeds record size %d", attr.Offset, attr.Size, len(payload))
		}
		window = window[:attr.Size]
	}
	n := copy(dst, window)
	return n, nil
}

func (c *Cache) get(key blob.Key) ([]byte, bool) {
	v, ok := c.c.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Write passes through to the backend and caches a copy of the new
// payload.
func (c *Cache) Write(attr *blob.IoAttr, payload []byte) error {
	if err := c.b.WriteData(attr, payload); err != nil {
		return err
	}
	c.add(attr.Origin, payload)
	return nil
}

// WriteAt is Write with a caller-supplied history timestamp.
func (c *Cache) WriteAt(attr *blob.IoAttr, payload []byte, ts uint64) error {
	if err := c.b.WriteDataAt(attr, payload, ts); err != nil {
		return err
	}
	c.add(attr.Origin, payload)
	return nil
}

func (c *Cache) add(id blob.ID, payload []byte) {
	if c.c == nil {
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.c.Add(blob.MakeKey(id, blob.KindData), cp)
}

// Delete invalidates the cached copy and passes through.
func (c *Cache) Delete(id blob.ID) error {
	if c.c != nil {
		c.c.Remove(blob.MakeKey(id, blob.KindData))
	}
	return c.b.Delete(id)
}

// Stats reports cache hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}
