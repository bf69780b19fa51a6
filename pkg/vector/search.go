package vector

import (
	"container/heap"
	"sort"
)

// Candidate is a (distance, VectorID) pair, ordered primarily by
// ascending distance. Ties break by the lower VectorID, which keeps
// search and insertion order deterministic.
type Candidate struct {
	Distance float32
	ID       VectorID
}

func less(a, b Candidate) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

// candidateHeap is a min-heap of Candidate ordered by less, used as the
// search frontier: the next candidate to expand is always the closest
// unexpanded one.
type candidateHeap []Candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(Candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// VectorSource resolves a VectorID to its stored Vector, the only
// dependency the search loop has on the backing collection.
type VectorSource interface {
	Vector(id VectorID) Vector
}

// Search is a per-query scratchpad: the candidate frontier, the bounded
// sorted list of current best results, the visited set, and a working
// buffer reused when fetching a candidate's neighbor list. Allocating
// one per query would dominate the cost of a fast ANN search, so
// instances are recycled through a Pool (see pool.go) instead.
type Search struct {
	ef         int
	visited    *Visited
	candidates candidateHeap
	nearest    []Candidate
	working    []VectorID
}

// NewSearch returns a Search with a visited set sized for capacity ids.
func NewSearch(capacity int) *Search {
	return &Search{
		visited:    NewVisited(capacity),
		candidates: make(candidateHeap, 0, 64),
		nearest:    make([]Candidate, 0, 64),
		working:    make([]VectorID, 0, capacity/M+1),
	}
}

// SetEf sets the bound on the size of the nearest list for the next
// search.
func (s *Search) SetEf(ef int) {
	s.ef = ef
}

// Len returns the current number of results in the nearest list.
func (s *Search) Len() int {
	return len(s.nearest)
}

// Nearest returns the current sorted nearest list, ascending by
// distance. The returned slice is only valid until the next mutating
// call on s.
func (s *Search) Nearest() []Candidate {
	return s.nearest
}

// Push considers id as a candidate: if it has already been visited this
// search it is skipped. Otherwise its distance from query is computed
// and it is inserted into the sorted nearest list (and the candidate
// frontier) if it ranks within the first ef results; candidates beyond
// ef are dropped. Push reports whether id was accepted into nearest.
func (s *Search) Push(id VectorID, query Vector, vectors VectorSource) bool {
	if !s.visited.Insert(id) {
		return false
	}
	cand := Candidate{Distance: query.Distance(vectors.Vector(id)), ID: id}

	idx := sort.Search(len(s.nearest), func(i int) bool {
		return !less(s.nearest[i], cand)
	})
	if idx >= s.ef {
		return false
	}
	s.nearest = append(s.nearest, Candidate{})
	copy(s.nearest[idx+1:], s.nearest[idx:])
	s.nearest[idx] = cand
	if len(s.nearest) > s.ef {
		s.nearest = s.nearest[:s.ef]
	}
	heap.Push(&s.candidates, cand)
	return true
}

// Search expands the candidate frontier on layer, fetching neighbor
// vectors from vectors, until the closest unexpanded candidate is no
// nearer than the current worst of nearest. It visits at most links
// neighbors per popped candidate (0 means unlimited). Every id enters
// the visited set at most once, so the loop is guaranteed to terminate.
func (s *Search) Search(layer Layer, query Vector, vectors VectorSource, links int) {
	for s.candidates.Len() > 0 {
		top := s.candidates[0]
		if len(s.nearest) >= s.ef && top.Distance > s.nearest[len(s.nearest)-1].Distance {
			break
		}
		heap.Pop(&s.candidates)

		s.working = layer.Neighbors(top.ID, s.working[:0])
		n := len(s.working)
		if links > 0 && links < n {
			n = links
		}
		for i := 0; i < n; i++ {
			s.Push(s.working[i], query, vectors)
		}
		if len(s.nearest) > s.ef {
			s.nearest = s.nearest[:s.ef]
		}
	}
}

// Cull prepares the search to descend one layer: the candidate frontier
// is re-seeded from the current nearest list, the visited set is reset,
// and every current nearest member is pre-marked visited so the next
// layer's search does not immediately re-expand it.
func (s *Search) Cull() {
	s.candidates = s.candidates[:0]
	for _, c := range s.nearest {
		s.candidates = append(s.candidates, c)
	}
	heap.Init(&s.candidates)

	s.visited.Clear()
	for _, c := range s.nearest {
		s.visited.Insert(c.ID)
	}
}

// Reset empties every buffer and advances the visited generation, ready
// for a fresh, unrelated search.
func (s *Search) Reset() {
	s.ef = 0
	s.candidates = s.candidates[:0]
	s.nearest = s.nearest[:0]
	s.working = s.working[:0]
	s.visited.Clear()
}
