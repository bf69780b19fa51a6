package vector

// Visited is a generation-stamped membership set: instead of clearing a
// byte slice between searches (an O(N) memset per query), every Insert
// stamps the current generation into the id's byte, and Clear simply
// advances the generation. A byte reads as "visited" only when it equals
// the current generation, so advancing the counter invalidates every
// previous stamp in O(1).
//
// The counter lives in [1, 249]; at 249 the next Clear wraps by zeroing
// the backing store and resetting to 1, so stamps never collide across a
// wrap.
type Visited struct {
	store      []byte
	generation byte
}

// NewVisited returns a Visited set sized for capacity ids.
func NewVisited(capacity int) *Visited {
	return &Visited{
		store:      make([]byte, capacity),
		generation: 1,
	}
}

const maxGeneration byte = 249

// Insert stamps id as visited in the current generation. It returns true
// if id was not already visited this generation, false otherwise. Ids
// outside the backing store's range are reported as not inserted.
func (vs *Visited) Insert(id VectorID) bool {
	i := int(id)
	if i < 0 || i >= len(vs.store) {
		return false
	}
	if vs.store[i] == vs.generation {
		return false
	}
	vs.store[i] = vs.generation
	return true
}

// Extend inserts every id in ids.
func (vs *Visited) Extend(ids ...VectorID) {
	for _, id := range ids {
		vs.Insert(id)
	}
}

// Contains reports whether id has been stamped in the current generation,
// without mutating state.
func (vs *Visited) Contains(id VectorID) bool {
	i := int(id)
	if i < 0 || i >= len(vs.store) {
		return false
	}
	return vs.store[i] == vs.generation
}

// Clear advances the generation, making every previously-stamped id read
// as unvisited again. On wrap past 249 it zeroes the backing store so
// that a fresh generation of 1 never matches a stale byte left at 249... 0.
func (vs *Visited) Clear() {
	if vs.generation >= maxGeneration {
		for i := range vs.store {
			vs.store[i] = 0
		}
		vs.generation = 1
		return
	}
	vs.generation++
}

// Resize grows or shrinks the backing store to n slots. New slots are
// filled with generation-1 so they read as "not visited" under the
// current generation.
func (vs *Visited) Resize(n int) {
	if n == len(vs.store) {
		return
	}
	fill := vs.generation - 1
	next := make([]byte, n)
	for i := range next {
		next[i] = fill
	}
	copy(next, vs.store)
	vs.store = next
}
