package recovery

import (
	"context"
	"log"

	"github.com/pkg/errors"

	"blobring/ring"
)

// MergeCoordinator restores replica invariants within a single ring:
// after a topology change, keys held by the bootstrap node but owned
// by other nodes are transferred to their owners, and - unless safe
// mode is on - removed from the source once the write lands.
type MergeCoordinator struct {
	c *Context
}

// NewMergeCoordinator produces a MergeCoordinator over c.
func NewMergeCoordinator(c *Context) *MergeCoordinator {
	return &MergeCoordinator{c: c}
}

// Run plans the work units from the route table, fans them out over
// the worker pool, and reports failure if any unit failed.
func (m *MergeCoordinator) Run(ctx context.Context) error {
	c := m.c
	source := c.Remote.String()

	entries, err := c.Client(source).Route(ctx)
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

	var units []*Unit
	for _, g := range groups {
		for _, rng := range table.Ranges(g) {
			if rng.Addr == source {
				continue
			}
			units = append(units, &Unit{
				Index: len(units),
				Range: rng,
				Peers: []Peer{{Group: g, Addr: source}, {Group: g, Addr: rng.Addr}},
			})
		}
	}
	if len(units) == 0 {
		log.Printf("merge: %s owns every range it holds, nothing to do", source)
		return nil
	}
	log.Printf("merge: %d units across %d groups, %d workers", len(units), len(groups), c.Cfg.Workers)

	if failed := RunUnits(ctx, c.Cfg.Workers, units, c.Monitor, m.runUnit); failed > 0 {
		return errors.Errorf("merge: %d of %d units failed", failed, len(units))
	}
	return nil
}

// runUnit drives one range through iterate, diff, and transfer.
func (m *MergeCoordinator) runUnit(ctx context.Context, u *Unit) error {
	c := m.c
	src := c.Client(u.Peers[0].Addr)
	dst := c.Client(u.Peers[1].Addr)

	u.SetState(StateIterating)
	req := ring.IterRequest{
		Group: u.Peers[0].Group,
		Start: u.Range.Start,
		End:   u.Range.End,
		Since: c.MinTime,
	}

	srcPath := c.ScratchPath("iterator_", src.Addr(), u.Index)
	n, err := iterateToScratch(ctx, src, req, srcPath)
	c.Monitor.AddIterated(n)
	if err != nil {
		return err
	}

	dstPath := c.ScratchPath("iterator_", dst.Addr(), u.Index)
	n, err = iterateToScratch(ctx, dst, req, dstPath)
	c.Monitor.AddIterated(n)
	if err != nil {
		return err
	}

	u.SetState(StateDiffing)
	diffPath := c.ScratchPath("diff_", "merge", u.Index)
	diffed, err := m.diff(srcPath, dstPath, diffPath)
	c.Monitor.AddDiff(diffed)
	if err != nil {
		return err
	}
	c.Debugf("merge: unit %d: %d keys to move to %s", u.Index, diffed, dst.Addr())

	if diffed == 0 || c.Cfg.DryRun {
		u.SetState(StateDone)
		return nil
	}

	u.SetState(StateTransferring)
	return c.transferFile(ctx, diffPath, src, dst, !c.Cfg.Safe)
}

// diff merges two sorted iterator streams pairwise and spools the
// transfer set: every source key that is absent from the destination
// or newer at the source than the destination's copy.
func (m *MergeCoordinator) diff(srcPath, dstPath, outPath string) (int64, error) {
	local, err := openRecordStream(srcPath)
	if err != nil {
		return 0, err
	}
	defer local.Close()

	remote, err := openRecordStream(dstPath)
	if err != nil {
		return 0, err
	}
	defer remote.Close()

	out, err := createScratch(outPath)
	if err != nil {
		return 0, err
	}

	for {
		l, lok := local.Current()
		if !lok {
			break
		}
		r, rok := remote.Current()

		switch {
		case !rok || l.ID.Less(r.ID):
			// Missing remotely.
			if err := out.Write(l); err != nil {
				out.Close()
				return 0, err
			}
			if err := local.Advance(); err != nil {
				out.Close()
				return 0, err
			}

		case r.ID.Less(l.ID):
			if err := remote.Advance(); err != nil {
				out.Close()
				return 0, err
			}

		default:
			// Present on both sides; the local copy wins only if newer.
			if l.Timestamp > r.Timestamp {
				if err := out.Write(l); err != nil {
					out.Close()
					return 0, err
				}
			}
			if err := local.Advance(); err != nil {
				out.Close()
				return 0, err
			}
			if err := remote.Advance(); err != nil {
				out.Close()
				return 0, err
			}
		}
	}

	n := out.Count()
	return n, out.Close()
}
