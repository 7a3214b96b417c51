package recovery

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blobring/blob"
	"blobring/ring"
)

// memNode is an in-memory stand-in for a storage node.
type memNode struct {
	mu      sync.Mutex
	addr    string
	objs    map[blob.ID]ring.Object
	deleted []blob.ID
	written []blob.ID
}

func newMemNode(addr string) *memNode {
	return &memNode{addr: addr, objs: make(map[blob.ID]ring.Object)}
}

func (n *memNode) put(id blob.ID, ts uint64, data string) {
	n.objs[id] = ring.Object{ID: id, Timestamp: ts, Data: []byte(data)}
}

func (n *memNode) ids() []blob.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]blob.ID, 0, len(n.objs))
	for id := range n.objs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// memClient implements Client against a set of memNodes.
type memClient struct {
	node   *memNode
	routes []ring.RouteEntry
}

func (c *memClient) Addr() string { return c.node.addr }

func (c *memClient) Route(ctx context.Context) ([]ring.RouteEntry, error) {
	return c.routes, nil
}

func (c *memClient) Iterate(ctx context.Context, req ring.IterRequest, fn func(ring.IterRecord) error) error {
	rng := ring.Range{Start: req.Start, End: req.End}

	c.node.mu.Lock()
	recs := make([]ring.IterRecord, 0, len(c.node.objs))
	for id, obj := range c.node.objs {
		if !rng.Contains(id) {
			continue
		}
		if req.Since > 0 && obj.Timestamp < req.Since {
			continue
		}
		recs = append(recs, ring.IterRecord{ID: id, Size: uint64(len(obj.Data)), Timestamp: obj.Timestamp})
	}
	c.node.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].ID.Less(recs[j].ID) })
	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (c *memClient) BulkRead(ctx context.Context, ids []blob.ID) ([]ring.Object, error) {
	c.node.mu.Lock()
	defer c.node.mu.Unlock()
	var out []ring.Object
	for _, id := range ids {
		if obj, ok := c.node.objs[id]; ok {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (c *memClient) BulkWrite(ctx context.Context, objs []ring.Object) error {
	c.node.mu.Lock()
	defer c.node.mu.Unlock()
	for _, obj := range objs {
		c.node.objs[obj.ID] = obj
		c.node.written = append(c.node.written, obj.ID)
	}
	return nil
}

func (c *memClient) BulkDelete(ctx context.Context, ids []blob.ID) error {
	c.node.mu.Lock()
	defer c.node.mu.Unlock()
	for _, id := range ids {
		delete(c.node.objs, id)
		c.node.deleted = append(c.node.deleted, id)
	}
	return nil
}

// memDialer serves clients for a fleet of memNodes, with routes
// announced by every node.
func memDialer(nodes map[string]*memNode, routes []ring.RouteEntry) Dialer {
	return func(addr string) Client {
		return &memClient{node: nodes[addr], routes: routes}
	}
}

func newTestContext(t *testing.T, typ string, cfg Config, d Dialer) *Context {
	t.Helper()
	if cfg.TmpDir == "" {
		cfg.TmpDir = filepath.Join(t.TempDir(), "%TYPE%")
	}
	if cfg.StatsFormat == "" {
		cfg.StatsFormat = "none"
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = time.Second
	}
	c, err := NewContext(typ, cfg)
	require.NoError(t, err)
	c.SetDialer(d)
	t.Cleanup(func() { c.Close() })
	return c
}

func testID(b byte) blob.ID {
	var id blob.ID
	id[0] = b
	return id
}

func recordFor(b byte, ts uint64) ring.IterRecord {
	return ring.IterRecord{ID: testID(b), Size: 16, Timestamp: ts}
}
