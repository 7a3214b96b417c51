// Package ring holds the types shared between a node and the
// recovery engine: route tables over consistent-hash rings, key
// ranges, and the records exchanged by iterator and bulk RPCs.
package ring

import (
	"sort"

	"github.com/pkg/errors"

	"blobring/blob"
)

// RouteEntry places a node on a ring: it owns keys from Start up to
// the next entry's Start within the same group.
type RouteEntry struct {
	Start blob.ID `json:"start"`
	Addr  string  `json:"addr"`
	Group int     `json:"group"`
}

// Range is a half-open key range [Start, End) and its owner. A
// Start above End wraps around the top of the ring; Start equal to
// End covers the whole ring.
type Range struct {
	Start blob.ID
	End   blob.ID
	Addr  string
}

// Contains reports whether id falls inside r, honoring wraparound.
func (r Range) Contains(id blob.ID) bool {
	if r.Start == r.End {
		return true
	}
	if r.Start.Less(r.End) {
		return !id.Less(r.Start) && id.Less(r.End)
	}
	return !id.Less(r.Start) || id.Less(r.End)
}

// RouteTable is parsed ring membership, grouped by replica set.
// Entries within a group are kept sorted by range start.
type RouteTable struct {
	groups map[int][]RouteEntry
}

// NewRouteTable builds a table from raw entries.
func NewRouteTable(entries []RouteEntry) (*RouteTable, error) {
	if len(entries) == 0 {
		return nil, errors.New("empty route table")
	}
	t := &RouteTable{groups: make(map[int][]RouteEntry)}
	for _, e := range entries {
		if e.Addr == "" {
			return nil, errors.Errorf("route entry for group %d has no address", e.Group)
		}
		t.groups[e.Group] = append(t.groups[e.Group], e)
	}
	for g := range t.groups {
		es := t.groups[g]
		sort.Slice(es, func(i, j int) bool { return es[i].Start.Less(es[j].Start) })
	}
	return t, nil
}

// Groups lists the group ids present, in ascending order.
func (t *RouteTable) Groups() []int {
	out := make([]int, 0, len(t.groups))
	for g := range t.groups {
		out = append(out, g)
	}
	sort.Ints(out)
	return out
}

// Ranges returns the key ranges of a group: successive entries
// define range boundaries, and the final entry's range wraps back
// to the first boundary.
func (t *RouteTable) Ranges(group int) []Range {
	es := t.groups[group]
	out := make([]Range, 0, len(es))
	for i, e := range es {
		r := Range{Start: e.Start, Addr: e.Addr}
		r.End = es[(i+1)%len(es)].Start
		out = append(out, r)
	}
	return out
}

// OwnerAt reports the address responsible for id within a group.
// When an address appears in several entries, the last entry at or
// before id wins - route-table order decides, matching how the
// table was parsed.
func (t *RouteTable) OwnerAt(group int, id blob.ID) (string, bool) {
	es := t.groups[group]
	if len(es) == 0 {
		return "", false
	}
	i := sort.Search(len(es), func(n int) bool { return id.Less(es[n].Start) })
	// Keys below the first boundary wrap to the final entry.
	if i == 0 {
		return es[len(es)-1].Addr, true
	}
	return es[i-1].Addr, true
}

// IterRequest selects the keys an iterator RPC streams back.
type IterRequest struct {
	Group int     `json:"group"`
	Start blob.ID `json:"start"`
	End   blob.ID `json:"end"`
	Since uint64  `json:"since"`
}

// IterRecord is one element of an iterator stream.
type IterRecord struct {
	ID        blob.ID `json:"id"`
	Size      uint64  `json:"size"`
	Timestamp uint64  `json:"timestamp"`
	Flags     uint64  `json:"flags"`
}

// Object is one element of a bulk read or write batch.
type Object struct {
	ID        blob.ID `json:"id"`
	Timestamp uint64  `json:"timestamp"`
	Data      []byte  `json:"data"`
}
