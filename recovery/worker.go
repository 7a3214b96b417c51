package recovery

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"blobring/ring"
)

// State tracks a work unit through its lifecycle.
type State int32

const (
	StatePending State = iota
	StateIterating
	StateDiffing
	StateTransferring
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateIterating:
		return "ITERATING"
	case StateDiffing:
		return "DIFFING"
	case StateTransferring:
		return "TRANSFERRING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Peer is one node participating in a work unit.
type Peer struct {
	Group int
	Addr  string
}

// Unit is one per-range recovery task. Its scratch files are named
// after its index, giving each unit its own namespace under the
// shared tmp directory.
type Unit struct {
	Index int
	Range ring.Range
	Peers []Peer

	state int32
}

func (u *Unit) SetState(s State) {
	atomic.StoreInt32(&u.state, int32(s))
}

func (u *Unit) State() State {
	return State(atomic.LoadInt32(&u.state))
}

// RunUnits fans units out over the given number of workers. Units
// are distributed round-robin once at startup; there is no work
// stealing. A unit failure is logged, counted, and reported through
// the monitor, but does not abort sibling units. The failed-unit
// count is returned.
func RunUnits(ctx context.Context, workers int, units []*Unit, mon *Monitor, fn func(context.Context, *Unit) error) int64 {
	if workers < 1 {
		workers = 1
	}
	if workers > len(units) {
		workers = len(units)
	}

	buckets := make([][]*Unit, workers)
	for i, u := range units {
		buckets[i%workers] = append(buckets[i%workers], u)
	}

	var (
		wg     sync.WaitGroup
		failed int64
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(mine []*Unit) {
			defer wg.Done()
			for _, u := range mine {
				if err := ctx.Err(); err != nil {
					u.SetState(StateFailed)
					atomic.AddInt64(&failed, 1)
					mon.AddFailedUnit()
					log.Printf("recovery: unit %d [%s..%s): %s", u.Index, u.Range.Start, u.Range.End, err)
					continue
				}
				if err := fn(ctx, u); err != nil {
					u.SetState(StateFailed)
					atomic.AddInt64(&failed, 1)
					mon.AddFailedUnit()
					log.Printf("recovery: unit %d [%s..%s): %s", u.Index, u.Range.Start, u.Range.End, err)
					continue
				}
				u.SetState(StateDone)
			}
		}(buckets[w])
	}
	wg.Wait()
	return atomic.LoadInt64(&failed)
}
