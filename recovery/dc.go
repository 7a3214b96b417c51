package recovery

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"blobring/blob"
	"blobring/ring"
)

// DcCoordinator reconciles replicas across rings: for every key
// range it iterates one node per group, designates a winner per key,
// and transfers the winning copy to every stale replica.
type DcCoordinator struct {
	c *Context
}

// NewDcCoordinator produces a DcCoordinator over c.
func NewDcCoordinator(c *Context) *DcCoordinator {
	return &DcCoordinator{c: c}
}

// Run plans (range, peer-set) units from the route table and fans
// them out over the worker pool.
func (d *DcCoordinator) Run(ctx context.Context) error {
	c := d.c

	entries, err := c.Client(c.Remote.String()).Route(ctx)
	if err != nil {
		return errors.Wrap(err, "fetching route table")
	}
	table, err := ring.NewRouteTable(entries)
	if err != nil {
		return err
	}

	groups := c.Cfg.Groups
	if len(groups) == 0 {
		groups = table.Groups()
	}
	if len(groups) < 2 {
		return errors.Errorf("dc recovery needs at least two groups, have %d", len(groups))
	}

	units := planDcUnits(table, groups)
	if len(units) == 0 {
		return errors.New("dc: no recoverable ranges in route table")
	}
	log.Printf("dc: %d units across %d groups, %d workers", len(units), len(groups), c.Cfg.Workers)

	if failed := RunUnits(ctx, c.Cfg.Workers, units, c.Monitor, d.runUnit); failed > 0 {
		return errors.Errorf("dc: %d of %d units failed", failed, len(units))
	}
	return nil
}

// planDcUnits splits the ring at every range boundary any group
// knows about, so that each unit has exactly one owner per group.
func planDcUnits(table *ring.RouteTable, groups []int) []*Unit {
	var bounds []blob.ID
	seen := make(map[blob.ID]bool)
	for _, g := range groups {
		for _, rng := range table.Ranges(g) {
			if !seen[rng.Start] {
				seen[rng.Start] = true
				bounds = append(bounds, rng.Start)
			}
		}
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i].Less(bounds[j]) })

	var units []*Unit
	for i, start := range bounds {
		rng := ring.Range{Start: start, End: bounds[(i+1)%len(bounds)]}
		peers := make([]Peer, 0, len(groups))
		for _, g := range groups {
			addr, ok := table.OwnerAt(g, start)
			if !ok {
				continue
			}
			peers = append(peers, Peer{Group: g, Addr: addr})
		}
		if len(peers) < 2 {
			continue
		}
		units = append(units, &Unit{Index: len(units), Range: rng, Peers: peers})
	}
	return units
}

// runUnit iterates every replica of the range, diffs the streams
// simultaneously, and transfers winners to stale replicas.
func (d *DcCoordinator) runUnit(ctx context.Context, u *Unit) error {
	c := d.c

	u.SetState(StateIterating)

	// The replicas live on distinct nodes; iterate them concurrently.
	// Any replica failing to stream fails the whole unit.
	paths := make([]string, len(u.Peers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range u.Peers {
		i, p := i, p
		paths[i] = c.ScratchPath("iterator_", fmt.Sprintf("%s_g%d", p.Addr, p.Group), u.Index)
		g.Go(func() error {
			req := ring.IterRequest{
				Group: p.Group,
				Start: u.Range.Start,
				End:   u.Range.End,
				Since: c.MinTime,
			}
			n, err := iterateToScratch(gctx, c.Client(p.Addr), req, paths[i])
			c.Monitor.AddIterated(n)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	u.SetState(StateDiffing)
	diffs, diffed, err := d.diff(u, paths)
	c.Monitor.AddDiff(diffed)
	if err != nil {
		return err
	}
	c.Debugf("dc: unit %d: %d stale copies across %d transfer pairs", u.Index, diffed, len(diffs))

	if diffed == 0 || c.Cfg.DryRun {
		u.SetState(StateDone)
		return nil
	}

	u.SetState(StateTransferring)
	for pair, path := range diffs {
		src := c.Client(u.Peers[pair[0]].Addr)
		dst := c.Client(u.Peers[pair[1]].Addr)
		if err := c.transferFile(ctx, path, src, dst, false); err != nil {
			return err
		}
	}
	return nil
}

// diff merges the replicas' streams simultaneously. For each key the
// winner is the replica with the highest timestamp, ties broken by
// highest size, then lowest node address. One transfer instruction
// is spooled per stale replica, grouped by (winner, destination)
// pair into its own diff file.
func (d *DcCoordinator) diff(u *Unit, paths []string) (map[[2]int]string, int64, error) {
	c := d.c

	streams := make([]*recordStream, len(paths))
	for i, p := range paths {
		s, err := openRecordStream(p)
		if err != nil {
			for _, open := range streams[:i] {
				open.Close()
			}
			return nil, 0, err
		}
		streams[i] = s
	}
	defer func() {
		for _, s := range streams {
			s.Close()
		}
	}()

	outs := make(map[[2]int]*scratchWriter)
	outPaths := make(map[[2]int]string)
	spool := func(src, dst int, rec ring.IterRecord) error {
		pair := [2]int{src, dst}
		w, ok := outs[pair]
		if !ok {
			path := c.ScratchPath("diff_", fmt.Sprintf("%d_%d", src, dst), u.Index)
			var err error
			if w, err = createScratch(path); err != nil {
				return err
			}
			outs[pair] = w
			outPaths[pair] = path
		}
		return w.Write(rec)
	}

	var stale int64
	var loopErr error
	for loopErr == nil {
		// The frontier key is the smallest id under any cursor.
		var (
			min  blob.ID
			have bool
		)
		for _, s := range streams {
			if rec, ok := s.Current(); ok && (!have || rec.ID.Less(min)) {
				min, have = rec.ID, true
			}
		}
		if !have {
			break
		}

		winner := -1
		var wrec ring.IterRecord
		for i, s := range streams {
			rec, ok := s.Current()
			if !ok || rec.ID != min {
				continue
			}
			if winner < 0 || better(rec, u.Peers[i].Addr, wrec, u.Peers[winner].Addr) {
				winner, wrec = i, rec
			}
		}

		for i, s := range streams {
			if i == winner {
				continue
			}
			rec, ok := s.Current()
			if ok && rec.ID == min {
				// Same timestamp and size as the winner means the
				// replica already holds an equivalent copy.
				if rec.Timestamp == wrec.Timestamp && rec.Size == wrec.Size {
					continue
				}
			}
			stale++
			if err := spool(winner, i, wrec); err != nil {
				loopErr = err
				break
			}
		}

		for _, s := range streams {
			if rec, ok := s.Current(); ok && rec.ID == min {
				if err := s.Advance(); err != nil {
					loopErr = err
					break
				}
			}
		}
	}

	for _, w := range outs {
		if err := w.Close(); err != nil && loopErr == nil {
			loopErr = err
		}
	}
	if loopErr != nil {
		return nil, 0, loopErr
	}
	return outPaths, stale, nil
}

// better reports whether candidate (rec, addr) beats the current
// winner (wrec, waddr).
func better(rec ring.IterRecord, addr string, wrec ring.IterRecord, waddr string) bool {
	if rec.Timestamp != wrec.Timestamp {
		return rec.Timestamp > wrec.Timestamp
	}
	if rec.Size != wrec.Size {
		return rec.Size > wrec.Size
	}
	return addr < waddr
}
