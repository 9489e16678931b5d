// Package interval keeps the set of scheduled time ranges that take part in
// conflict checking and answers overlap queries in O(log n + k).
//
// The index is an AVL tree keyed by (start, id). Every node carries the
// maximum end of its subtree and, separately, the maximum end among the
// exclusive entries of its subtree, so both conflict rules prune whole
// branches.
//
// Index is not safe for concurrent use; callers serialize access.
package interval

import (
	"math"
	"time"
)

// Entry is one indexed range [Start, End).
type Entry struct {
	ID        int64
	Start     time.Time
	End       time.Time
	Exclusive bool
}

type node struct {
	id        int64
	start     int64
	end       int64
	exclusive bool

	height     int
	maxEnd     int64
	maxExclEnd int64
	left       *node
	right      *node
}

const noEnd = math.MinInt64

// Index is the interval tree plus an id lookup.
type Index struct {
	root *node
	byID map[int64]*node
}

// New returns an empty index.
func New() *Index {
	return &Index{byID: map[int64]*node{}}
}

// Len returns the number of indexed entries.
func (x *Index) Len() int { return len(x.byID) }

// Has reports whether id is indexed.
func (x *Index) Has(id int64) bool {
	_, ok := x.byID[id]
	return ok
}

// Get returns the entry for id.
func (x *Index) Get(id int64) (Entry, bool) {
	n, ok := x.byID[id]
	if !ok {
		return Entry{}, false
	}
	return n.entry(), true
}

// Insert adds e, replacing any entry with the same id.
func (x *Index) Insert(e Entry) {
	if _, ok := x.byID[e.ID]; ok {
		x.Remove(e.ID)
	}
	n := &node{
		id:        e.ID,
		start:     e.Start.UnixNano(),
		end:       e.End.UnixNano(),
		exclusive: e.Exclusive,
		height:    1,
	}
	n.update()
	x.root = insert(x.root, n)
	x.byID[e.ID] = n
}

// Remove deletes the entry for id. It reports whether one existed.
func (x *Index) Remove(id int64) bool {
	n, ok := x.byID[id]
	if !ok {
		return false
	}
	x.root = remove(x.root, n.start, n.id)
	delete(x.byID, id)
	return true
}

// Shrink moves the end of an entry and refreshes the augmentation.
func (x *Index) Shrink(id int64, end time.Time) bool {
	n, ok := x.byID[id]
	if !ok {
		return false
	}
	e := n.entry()
	e.End = end
	x.Insert(e)
	return true
}

// FirstConflict returns an indexed entry that conflicts with the candidate
// [start, end). An exclusive candidate conflicts with any overlapping entry;
// a shared candidate only with overlapping exclusive entries.
func (x *Index) FirstConflict(start, end time.Time, exclusive bool) (Entry, bool) {
	s, e := start.UnixNano(), end.UnixNano()
	if s >= e {
		return Entry{}, false
	}
	if n := search(x.root, s, e, exclusive); n != nil {
		return n.entry(), true
	}
	return Entry{}, false
}

// Overlapping returns every entry overlapping [start, end) in start order.
func (x *Index) Overlapping(start, end time.Time) []Entry {
	s, e := start.UnixNano(), end.UnixNano()
	var out []Entry
	collect(x.root, s, e, &out)
	return out
}

// PruneBefore removes entries that ended at or before cutoff and returns
// how many were removed.
func (x *Index) PruneBefore(cutoff time.Time) int {
	c := cutoff.UnixNano()
	var ids []int64
	for id, n := range x.byID {
		if n.end <= c {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		x.Remove(id)
	}
	return len(ids)
}

// Entries returns all entries in (start, id) order.
func (x *Index) Entries() []Entry {
	out := make([]Entry, 0, len(x.byID))
	walk(x.root, func(n *node) { out = append(out, n.entry()) })
	return out
}

func (n *node) entry() Entry {
	return Entry{
		ID:        n.id,
		Start:     time.Unix(0, n.start).UTC(),
		End:       time.Unix(0, n.end).UTC(),
		Exclusive: n.exclusive,
	}
}

func less(aStart, aID, bStart, bID int64) bool {
	if aStart != bStart {
		return aStart < bStart
	}
	return aID < bID
}

func height(n *node) int {
	if n == nil {
		return 0
	}
	return n.height
}

func maxEnd(n *node) int64 {
	if n == nil {
		return noEnd
	}
	return n.maxEnd
}

func maxExclEnd(n *node) int64 {
	if n == nil {
		return noEnd
	}
	return n.maxExclEnd
}

func (n *node) update() {
	n.height = 1 + max(height(n.left), height(n.right))
	n.maxEnd = max(n.end, maxEnd(n.left), maxEnd(n.right))
	own := int64(noEnd)
	if n.exclusive {
		own = n.end
	}
	n.maxExclEnd = max(own, maxExclEnd(n.left), maxExclEnd(n.right))
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	y.update()
	x.update()
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	x.update()
	y.update()
	return y
}

func rebalance(n *node) *node {
	n.update()
	bf := height(n.left) - height(n.right)
	switch {
	case bf > 1:
		if height(n.left.left) < height(n.left.right) {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	case bf < -1:
		if height(n.right.right) < height(n.right.left) {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

func insert(root, n *node) *node {
	if root == nil {
		return n
	}
	if less(n.start, n.id, root.start, root.id) {
		root.left = insert(root.left, n)
	} else {
		root.right = insert(root.right, n)
	}
	return rebalance(root)
}

func remove(root *node, start, id int64) *node {
	if root == nil {
		return nil
	}
	switch {
	case less(start, id, root.start, root.id):
		root.left = remove(root.left, start, id)
	case less(root.start, root.id, start, id):
		root.right = remove(root.right, start, id)
	default:
		if root.left == nil {
			return root.right
		}
		if root.right == nil {
			return root.left
		}
		// Replace with the in-order successor.
		var succ *node
		root.right, succ = popMin(root.right)
		succ.left = root.left
		succ.right = root.right
		return rebalance(succ)
	}
	return rebalance(root)
}

func popMin(n *node) (*node, *node) {
	if n.left == nil {
		return n.right, n
	}
	var m *node
	n.left, m = popMin(n.left)
	return rebalance(n), m
}

func search(n *node, s, e int64, exclusive bool) *node {
	for n != nil {
		bound := n.maxExclEnd
		if exclusive {
			bound = n.maxEnd
		}
		if bound <= s {
			return nil
		}
		if l := n.left; l != nil {
			lb := l.maxExclEnd
			if exclusive {
				lb = l.maxEnd
			}
			if lb > s {
				if hit := search(l, s, e, exclusive); hit != nil {
					return hit
				}
			}
		}
		if n.start >= e {
			// Everything to the right starts even later.
			return nil
		}
		if n.end > s && (exclusive || n.exclusive) {
			return n
		}
		n = n.right
	}
	return nil
}

func collect(n *node, s, e int64, out *[]Entry) {
	if n == nil || n.maxEnd <= s {
		return
	}
	collect(n.left, s, e, out)
	if n.start >= e {
		return
	}
	if n.end > s {
		*out = append(*out, n.entry())
	}
	collect(n.right, s, e, out)
}

func walk(n *node, fn func(*node)) {
	if n == nil {
		return
	}
	walk(n.left, fn)
	fn(n)
	walk(n.right, fn)
}
