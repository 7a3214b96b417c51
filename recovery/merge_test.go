package recovery

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"blobring/blob"
	"blobring/ring"
)

const (
	ownerAddr  = "10.0.0.1:1025"
	sourceAddr = "10.0.0.2:1025"
)

// mergeFixture: the whole ring belongs to owner; source still holds
// keys from before the topology change.
func mergeFixture() (map[string]*memNode, []ring.RouteEntry) {
	owner := newMemNode(ownerAddr)
	source := newMemNode(sourceAddr)
	nodes := map[string]*memNode{ownerAddr: owner, sourceAddr: source}
	routes := []ring.RouteEntry{{Start: blob.Zero, Addr: ownerAddr, Group: 1}}
	return nodes, routes
}

func TestMergeDiff(t *testing.T) {
	nodes, routes := mergeFixture()
	k1, k2 := testID(1), testID(2)
	nodes[sourceAddr].put(k1, 5, "stale")
	nodes[sourceAddr].put(k2, 9, "missing remotely")
	nodes[ownerAddr].put(k1, 7, "fresher")

	c := newTestContext(t, "merge", Config{Remote: sourceAddr + ":2"}, memDialer(nodes, routes))
	require.NoError(t, NewMergeCoordinator(c).Run(context.Background()))

	// k1 is newer on the owner, so only k2 moves.
	require.Equal(t, []blob.ID{k2}, nodes[ownerAddr].written)
	require.Equal(t, "missing remotely", string(nodes[ownerAddr].objs[k2].Data))

	// Without safe mode the source gives the key up after the write.
	require.Equal(t, []blob.ID{k2}, nodes[sourceAddr].deleted)
	require.Equal(t, []blob.ID{k1}, nodes[sourceAddr].ids())
}

func TestMergeSafeMode(t *testing.T) {
	nodes, routes := mergeFixture()
	k := testID(3)
	nodes[sourceAddr].put(k, 4, "kept at source")

	c := newTestContext(t, "merge", Config{Remote: sourceAddr + ":2", Safe: true}, memDialer(nodes, routes))
	require.NoError(t, NewMergeCoordinator(c).Run(context.Background()))

	require.Equal(t, []blob.ID{k}, nodes[ownerAddr].written)
	require.Empty(t, nodes[sourceAddr].deleted)
}

func TestMergeDryRun(t *testing.T) {
	nodes, routes := mergeFixture()
	nodes[sourceAddr].put(testID(4), 4, "would move")

	c := newTestContext(t, "merge", Config{Remote: sourceAddr + ":2", DryRun: true}, memDialer(nodes, routes))
	require.NoError(t, NewMergeCoordinator(c).Run(context.Background()))

	// The diff is counted but nothing moves.
	require.Empty(t, nodes[ownerAddr].written)
	require.Empty(t, nodes[sourceAddr].deleted)
	require.Contains(t, c.Monitor.Snapshot(), "merge.diff_keys: 1\n")
}

func TestMergeIdempotent(t *testing.T) {
	nodes, routes := mergeFixture()
	nodes[sourceAddr].put(testID(5), 8, "one hop")

	c := newTestContext(t, "merge", Config{Remote: sourceAddr + ":2"}, memDialer(nodes, routes))
	require.NoError(t, NewMergeCoordinator(c).Run(context.Background()))
	require.NoError(t, c.Close())

	// A second run with no intervening writes transfers nothing.
	c2 := newTestContext(t, "merge", Config{Remote: sourceAddr + ":2"}, memDialer(nodes, routes))
	require.NoError(t, NewMergeCoordinator(c2).Run(context.Background()))
	require.Contains(t, c2.Monitor.Snapshot(), "merge.diff_keys: 0\n")
}

func TestMergeTimeWindow(t *testing.T) {
	nodes, routes := mergeFixture()
	old, fresh := testID(6), testID(7)
	nodes[sourceAddr].put(old, 100, "below cutoff")
	nodes[sourceAddr].put(fresh, 2000, "above cutoff")

	c := newTestContext(t, "merge", Config{Remote: sourceAddr + ":2", MinTimeSpec: "1000"}, memDialer(nodes, routes))
	require.NoError(t, NewMergeCoordinator(c).Run(context.Background()))

	require.Equal(t, []blob.ID{fresh}, nodes[ownerAddr].written)
}

func TestMergeBatching(t *testing.T) {
	nodes, routes := mergeFixture()
	for i := 0; i < 10; i++ {
		nodes[sourceAddr].put(testID(byte(10+i)), 5, strings.Repeat("x", i+1))
	}

	c := newTestContext(t, "merge", Config{Remote: sourceAddr + ":2", BatchSize: 3, Workers: 4}, memDialer(nodes, routes))
	require.NoError(t, NewMergeCoordinator(c).Run(context.Background()))

	require.Len(t, nodes[ownerAddr].written, 10)
	require.Len(t, nodes[sourceAddr].ids(), 0)
	snap := c.Monitor.Snapshot()
	require.Contains(t, snap, "merge.transferred_keys: 10\n")
	require.Contains(t, snap, "merge.transferred_bytes: 55\n")
}
