package node

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blobring/blob"
	"blobring/cache"
	"blobring/recovery"
	"blobring/ring"
)

// startNode brings up a backend + cache + HTTP server and returns
// its dialable address.
func startNode(t *testing.T, routes func(self string) []ring.RouteEntry) (string, *cache.Cache) {
	t.Helper()

	dir, err := os.MkdirTemp("", "nodetest")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	b, err := blob.Open(blob.Options{
		DataPath:    filepath.Join(dir, "data"),
		HistoryPath: filepath.Join(dir, "history"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	c, err := cache.New(b, 128)
	require.NoError(t, err)

	// The server needs its own address inside the route table it
	// announces, so wire it up after the listener exists.
	srv := New(c, nil)
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)

	addr := ts.Listener.Addr().String()
	srv.routes = routes(addr)
	return addr, c
}

func testID(b byte) blob.ID {
	var id blob.ID
	id[0] = b
	return id
}

func writeKey(t *testing.T, c *cache.Cache, id blob.ID, ts uint64, data string) {
	t.Helper()
	attr := blob.IoAttr{ID: id, Origin: id, Size: uint64(len(data))}
	require.NoError(t, c.WriteAt(&attr, []byte(data), ts))
}

// TestMergeOverHTTP drives a whole merge run over the real wire:
// two nodes, the source holding keys the owner should have.
func TestMergeOverHTTP(t *testing.T) {
	var ownerAddr string
	routes := func(self string) []ring.RouteEntry {
		return []ring.RouteEntry{{Start: blob.Zero, Addr: ownerAddr, Group: 1}}
	}

	addr, ownerCache := startNode(t, routes)
	ownerAddr = addr
	sourceAddr, sourceCache := startNode(t, routes)

	k1, k2 := testID(1), testID(2)
	writeKey(t, sourceCache, k1, 50, "move me")
	writeKey(t, sourceCache, k2, 10, "stale here")
	writeKey(t, ownerCache, k2, 90, "fresher at owner")

	rctx, err := recovery.NewContext("merge", recovery.Config{
		Remote:      sourceAddr + ":2",
		TmpDir:      filepath.Join(t.TempDir(), "%TYPE%"),
		StatsFormat: "none",
		WaitTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	defer rctx.Close()

	require.NoError(t, recovery.NewMergeCoordinator(rctx).Run(context.Background()))

	// k1 arrived at the owner with its timestamp preserved.
	dst := make([]byte, 32)
	n, err := ownerCache.Read(&blob.IoAttr{ID: k1, Origin: k1}, dst)
	require.NoError(t, err)
	require.Equal(t, "move me", string(dst[:n]))
	require.Equal(t, uint64(50), ownerCache.Backend().LatestTimestamp(k1))

	// k2 was older at the source: the owner's copy survives.
	n, err = ownerCache.Read(&blob.IoAttr{ID: k2, Origin: k2}, dst)
	require.NoError(t, err)
	require.Equal(t, "fresher at owner", string(dst[:n]))

	// The source gave up the transferred key.
	_, err = sourceCache.Read(&blob.IoAttr{ID: k1, Origin: k1}, dst)
	require.ErrorIs(t, err, blob.ErrNotFound)
}

func TestIterateEndpoint(t *testing.T) {
	addr, c := startNode(t, func(self string) []ring.RouteEntry {
		return []ring.RouteEntry{{Start: blob.Zero, Addr: self, Group: 1}}
	})

	writeKey(t, c, testID(3), 30, "third")
	writeKey(t, c, testID(1), 10, "first")
	writeKey(t, c, testID(2), 20, "second")

	cl := recovery.DialHTTP(5 * time.Second)(addr)

	var got []ring.IterRecord
	err := cl.Iterate(context.Background(), ring.IterRequest{Group: 1}, func(rec ring.IterRecord) error {
		got = append(got, rec)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, rec := range got {
		require.Equal(t, testID(byte(i+1)), rec.ID, "stream must be sorted")
		require.Equal(t, uint64((i+1)*10), rec.Timestamp)
		require.Equal(t, uint64(len([]string{"first", "second", "third"}[i])), rec.Size)
	}

	// The since filter trims old keys.
	got = nil
	err = cl.Iterate(context.Background(), ring.IterRequest{Group: 1, Since: 15}, func(rec ring.IterRecord) error {
		got = append(got, rec)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestRouteEndpoint(t *testing.T) {
	addr, _ := startNode(t, func(self string) []ring.RouteEntry {
		return []ring.RouteEntry{{Start: blob.Zero, Addr: self, Group: 7}}
	})

	cl := recovery.DialHTTP(5 * time.Second)(addr)
	entries, err := cl.Route(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 7, entries[0].Group)
	require.Equal(t, addr, entries[0].Addr)
}
