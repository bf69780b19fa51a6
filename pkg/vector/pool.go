package vector

import "sync"

// SearchPair is the unit of reuse handed out by Pool: a single Search
// scratchpad an insertion drives top-down through every layer via
// repeated Cull calls.
type SearchPair struct {
	Traversal *Search
}

// Pool is a mutex-guarded stack of reusable SearchPairs, amortizing the
// allocation of the candidate heap, nearest list, and visited bitmap
// across concurrent queries and insertions. Unlike a sync.Pool, entries
// are never dropped by the garbage collector between uses: the bound is
// soft, growing to the observed peak concurrency and never shrinking
// below it, which keeps the pool's behavior predictable under the
// bursty, latency-sensitive traffic a query-serving index sees.
type Pool struct {
	mu       sync.Mutex
	free     []*SearchPair
	capacity int
}

// NewPool returns a Pool whose freshly constructed SearchPairs size their
// visited sets for capacity ids.
func NewPool(capacity int) *Pool {
	return &Pool{capacity: capacity}
}

// Get returns the top of the free stack, or a freshly constructed pair
// sized at the pool's configured capacity if the stack is empty. A
// reused pair's visited set is resized to the configured capacity first.
func (p *Pool) Get() *SearchPair {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return &SearchPair{
			Traversal: NewSearch(p.capacity),
		}
	}
	pair := p.free[n-1]
	p.free = p.free[:n-1]
	capacity := p.capacity
	p.mu.Unlock()
	pair.Traversal.visited.Resize(capacity)
	return pair
}

// Put resets pair and returns it to the free stack.
func (p *Pool) Put(pair *SearchPair) {
	pair.Traversal.Reset()

	p.mu.Lock()
	p.free = append(p.free, pair)
	p.mu.Unlock()
}

// Resize updates the visited-set capacity used for fresh SearchPair
// allocations and for pooled pairs as Get hands them out again. Callers
// call this right after growing the collection and before the next
// round of inserts.
func (p *Pool) Resize(capacity int) {
	p.mu.Lock()
	p.capacity = capacity
	p.mu.Unlock()
}
