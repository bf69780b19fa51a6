package vector

import "sync"

// Layer is a read-only capability: given a VectorID, it yields that
// node's valid neighbors in stored order, stopping at the first invalid
// slot. The three concrete realizations below present identical
// iteration semantics over three different storage shapes.
type Layer interface {
	// Neighbors appends id's valid neighbor ids, in stored order, to dst
	// and returns the extended slice. If id has no slot on this layer,
	// it returns dst unchanged.
	Neighbors(id VectorID, dst []VectorID) []VectorID
}

// plainBaseLayer is a ground-layer Layer with no locking, for contexts
// that already have exclusive access to the graph (serialization, the
// property tests, a build holding the index-wide lock).
type plainBaseLayer struct {
	nodes []BaseNode
}

func (l plainBaseLayer) Neighbors(id VectorID, dst []VectorID) []VectorID {
	i := int(id)
	if i < 0 || i >= len(l.nodes) {
		return dst
	}
	return append(dst, baseSlots(&l.nodes[i])...)
}

// lockedBaseLayer is a ground-layer Layer that acquires a per-node read
// lock for the duration of iteration. This is the shape queries and
// concurrent insertions traverse through: a caller must not hold two
// overlapping node locks out of ascending VectorID order, or deadlock
// becomes possible under concurrent insertion (see the index builder).
type lockedBaseLayer struct {
	nodes []BaseNode
	locks []sync.RWMutex
}

func (l lockedBaseLayer) Neighbors(id VectorID, dst []VectorID) []VectorID {
	i := int(id)
	if i < 0 || i >= len(l.nodes) {
		return dst
	}
	l.locks[i].RLock()
	defer l.locks[i].RUnlock()
	return append(dst, baseSlots(&l.nodes[i])...)
}

// plainUpperLayer is an upper-layer Layer. Upper layers see far less
// traffic than the ground layer (only a small fraction of vectors climb
// above layer 0), so they are not independently lock-guarded at the
// Layer level; mutation safety instead comes from the builder taking the
// relevant node's lock (keyed by VectorID, shared across every layer
// that id appears on) before writing any slot, on any layer.
type plainUpperLayer struct {
	nodes []UpperNode
}

func (l plainUpperLayer) Neighbors(id VectorID, dst []VectorID) []VectorID {
	i := int(id)
	if i < 0 || i >= len(l.nodes) {
		return dst
	}
	return append(dst, upperSlots(&l.nodes[i])...)
}
