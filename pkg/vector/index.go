package vector

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/veloxdb/velox/pkg/graph"
)

// Config holds the parameters a collection is created with. M is fixed
// at the package constant M and is not independently configurable, to
// match the fixed fan-out this graph topology is built around.
type Config struct {
	Dimension      int
	EfConstruction int
	EfSearch       int
	// Seed drives the geometric layer-assignment draw. Two builds over
	// the same collection with the same Seed produce byte-identical
	// serialized graphs (see Index.Build).
	Seed int64
}

// DefaultConfig returns a Config with sensible defaults for a fresh index.
func DefaultConfig(dimension int) Config {
	return Config{
		Dimension:      dimension,
		EfConstruction: 100,
		EfSearch:       16,
		Seed:           1,
	}
}

// Index is the query- and build-facing ANN engine: a Graph, an
// in-memory vector cache mirroring the backing Collection, and the
// pooled Search scratchpads that both Build and Search draw from.
type Index struct {
	config Config

	// mu is the index-wide lock from §5: Build takes it exclusively;
	// Search and Remove take a non-blocking read attempt so that a
	// caller racing an in-progress Build observes ErrIndexBuilding
	// instead of stalling.
	mu sync.RWMutex

	graph      *Graph
	collection Collection
	pool       *Pool

	vectorsMu sync.RWMutex
	vectors   []Vector

	builtMu sync.RWMutex
	built   bool
}

// NewIndex returns an Index over collection with the given Config. The
// index is not searchable until Build is called.
func NewIndex(collection Collection, config Config) *Index {
	return &Index{
		config:     config,
		graph:      NewGraph(L2{}),
		collection: collection,
		pool:       NewPool(1024),
	}
}

// Vector implements VectorSource by looking up id in the in-memory
// vector cache that mirrors the backing collection.
func (idx *Index) Vector(id VectorID) Vector {
	idx.vectorsMu.RLock()
	defer idx.vectorsMu.RUnlock()
	i := int(id)
	if i < 0 || i >= len(idx.vectors) {
		return nil
	}
	return idx.vectors[i]
}

func (idx *Index) setVectorCache(id VectorID, v Vector) {
	idx.vectorsMu.Lock()
	idx.vectors[id] = v
	idx.vectorsMu.Unlock()
}

// Dimension returns the collection's configured embedding dimension.
func (idx *Index) Dimension() int {
	return idx.config.Dimension
}

// Insert stores rec in the backing collection, assigning a dense id if
// rec.ID is not already valid. It does not itself touch the graph: the
// graph is (re)built explicitly by Build, matching the HTTP surface's
// separation between upserting values and rebuilding the index.
func (idx *Index) Insert(rec Record) (VectorID, error) {
	if len(rec.Vector) != idx.config.Dimension {
		return Invalid, ErrInvalidDimension
	}
	id := rec.ID
	if id.IsValid() {
		if _, err := idx.collection.Get(id); err == nil {
			return Invalid, ErrDuplicate
		}
	} else {
		newID, err := idx.collection.AssignID()
		if err != nil {
			return Invalid, fmt.Errorf("%w: %v", ErrBackingStore, err)
		}
		id = newID
	}
	rec.ID = id
	if err := idx.collection.Put(id, rec); err != nil {
		return Invalid, fmt.Errorf("%w: %v", ErrBackingStore, err)
	}
	return id, nil
}

// Get returns the stored record for id.
func (idx *Index) Get(id VectorID) (Record, error) {
	rec, err := idx.collection.Get(id)
	if err != nil {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Remove deletes id from the backing collection and, if the graph has
// been built, unlinks its back-references from every layer it appeared
// on (§4.7). The slot id may be reused by a future Insert.
//
// A Remove on a graph that was reconstituted by Load (rather than built
// in-process) only removes the collection record and leaves the graph
// untouched: per-vector top-layer bookkeeping is not part of the
// persisted format, so back-links on every layer stay in place until a
// rebuild. Search skips the id, since its record is gone. A full Build
// remains the documented recovery path.
func (idx *Index) Remove(id VectorID) error {
	if !idx.mu.TryRLock() {
		return ErrIndexBuilding
	}
	defer idx.mu.RUnlock()

	if top := idx.graph.TopLayerOf(id); top >= 0 {
		for l := top; l >= 0; l-- {
			idx.unlinkBackReferences(l, id)
		}
		idx.graph.MarkDeleted(id)
	}

	if err := idx.collection.Delete(id); err != nil {
		return fmt.Errorf("%w: %v", ErrBackingStore, err)
	}
	return nil
}

// unlinkBackReferences removes id from the neighbor list of every
// neighbor id itself lists on layer l, shifting subsequent slots left
// and writing the sentinel into the freed tail slot.
func (idx *Index) unlinkBackReferences(l LayerID, id VectorID) {
	lock := idx.graph.LockNode(id)
	lock.RLock()
	neighbors := append([]VectorID(nil), getNodeNeighbors(idx.graph, l, id)...)
	lock.RUnlock()

	for _, u := range neighbors {
		ulock := idx.graph.LockNode(u)
		ulock.Lock()
		slots := getNodeNeighbors(idx.graph, l, u)
		out := slots[:0]
		for _, s := range slots {
			if s != id {
				out = append(out, s)
			}
		}
		setNodeNeighbors(idx.graph, l, u, out)
		ulock.Unlock()
	}
}

// Built reports whether Build or Load has completed at least once.
func (idx *Index) Built() bool {
	idx.builtMu.RLock()
	defer idx.builtMu.RUnlock()
	return idx.built
}

// Build (re)constructs the graph from scratch over every record
// currently in the backing collection, taking the index-wide exclusive
// lock for its whole duration (§5): concurrent Search/Remove calls fail
// fast with ErrIndexBuilding rather than blocking.
//
// Records are consumed from Collection.Iter in the collection's
// enumeration order and inserted into the graph one at a time, in that
// order, drawing the layer-assignment RNG sequentially from a single
// seed. Two Builds over an identical collection with an identical Seed
// therefore insert in an identical order and draw identical layers, so
// they produce byte-identical serialized graphs (§8, property 6 and 9).
func (idx *Index) Build(efSearch, efConstruction int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.config.EfSearch = efSearch
	idx.config.EfConstruction = efConstruction

	ch, err := idx.collection.Iter()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackingStore, err)
	}

	var records []Record
	var count uint32
	for rec := range ch {
		if len(rec.Vector) != idx.config.Dimension {
			return ErrInvalidDimension
		}
		records = append(records, rec)
		if uint32(rec.ID)+1 > count {
			count = uint32(rec.ID) + 1
		}
	}

	idx.graph = NewGraph(L2{})
	idx.graph.Grow(int(count))
	idx.vectorsMu.Lock()
	idx.vectors = make([]Vector, count)
	idx.vectorsMu.Unlock()

	for _, rec := range records {
		idx.setVectorCache(rec.ID, rec.Vector)
	}

	idx.pool.Resize(int(count))
	rng := rand.New(rand.NewSource(idx.config.Seed))

	for _, rec := range records {
		idx.insertOne(rec.ID, rec.Vector, rng)
	}

	idx.builtMu.Lock()
	idx.built = true
	idx.builtMu.Unlock()
	return nil
}

// randomLevel draws the geometric layer assignment: floor(-ln(U) * mL),
// mL = 1/ln(M), capped at maxLayer to avoid a pathological tower.
func randomLevel(rng *rand.Rand) LayerID {
	ml := 1.0 / math.Log(float64(M))
	u := rng.Float64()
	if u <= 0 {
		u = math.SmallestNonzeroFloat64
	}
	level := LayerID(math.Floor(-math.Log(u) * ml))
	if level > maxLayer {
		level = maxLayer
	}
	return level
}

// insertOne runs the top-down neighbor-selection insertion algorithm
// (§4.5) for a single vector already present in the vector cache.
func (idx *Index) insertOne(vid VectorID, vec Vector, rng *rand.Rand) {
	level := randomLevel(rng)
	idx.graph.EnsureLayer(level)
	idx.graph.SetTopLayer(vid, level)

	entryID, entryLayer := idx.graph.EntryPoint()
	if !entryID.IsValid() {
		idx.graph.PromoteEntryPoint(vid, level)
		return
	}

	pair := idx.pool.Get()
	defer idx.pool.Put(pair)
	search := pair.Traversal

	search.SetEf(1)
	search.Push(entryID, vec, idx)
	search.Search(idx.layerView(entryLayer, false), vec, idx, capacity(entryLayer))

	for l := entryLayer - 1; l > level; l-- {
		search.Cull()
		search.Search(idx.layerView(l, false), vec, idx, capacity(l))
	}

	top := entryLayer
	if level < top {
		top = level
	}
	// Every layer from top down to 0 is searched with the wider
	// construction beam, always funneling in from the previous layer's
	// (or, at top, the initial ef=1 descent's) nearest list via Cull.
	for l := top; l >= 0; l-- {
		search.Cull()
		search.SetEf(idx.config.EfConstruction)
		search.Search(idx.layerView(l, l == 0), vec, idx, capacity(l))

		maxNeighbors := capacity(l)
		nearest := search.Nearest()
		chosen := nearest
		if len(chosen) > maxNeighbors {
			chosen = chosen[:maxNeighbors]
		}
		idx.linkLayer(l, vid, vec, chosen)
	}

	idx.graph.PromoteEntryPoint(vid, level)
}

func (idx *Index) layerView(l LayerID, locked bool) Layer {
	if l == 0 {
		return idx.graph.BaseLayer(locked)
	}
	return idx.graph.UpperLayerView(l)
}

// linkLayer writes vid's chosen neighbor list on layer l and adds vid to
// each chosen neighbor's back-link list (§4.5 steps 2-3), holding every
// touched node's lock in ascending VectorID order for the duration.
func (idx *Index) linkLayer(l LayerID, vid VectorID, vec Vector, chosen []Candidate) {
	ids := make([]VectorID, 0, len(chosen)+1)
	ids = append(ids, vid)
	for _, c := range chosen {
		ids = append(ids, c.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	locks := make([]*sync.RWMutex, len(ids))
	for i, id := range ids {
		locks[i] = idx.graph.LockNode(id)
		locks[i].Lock()
	}
	defer func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}()

	chosenIDs := make([]VectorID, len(chosen))
	for i, c := range chosen {
		chosenIDs[i] = c.ID
	}
	setNodeNeighbors(idx.graph, l, vid, chosenIDs)

	for _, c := range chosen {
		idx.addBackLinkLocked(l, c.ID, vid, vec)
	}
}

// addBackLinkLocked inserts v into u's neighbor list on layer l,
// assuming u's lock is already held by the caller. If u has a free slot,
// v is inserted at the position that keeps the list sorted by distance
// from u. Otherwise distances from u to every current neighbor plus v
// are recomputed and the nearest capacity(l) are kept.
func (idx *Index) addBackLinkLocked(l LayerID, u, v VectorID, vVec Vector) {
	if u == v {
		return
	}
	existing := getNodeNeighbors(idx.graph, l, u)
	for _, id := range existing {
		if id == v {
			return
		}
	}
	uVec := idx.Vector(u)
	maxNeighbors := capacity(l)

	cands := make([]Candidate, 0, len(existing)+1)
	for _, id := range existing {
		cands = append(cands, Candidate{Distance: uVec.Distance(idx.Vector(id)), ID: id})
	}
	cands = append(cands, Candidate{Distance: uVec.Distance(vVec), ID: v})
	sort.Slice(cands, func(i, j int) bool { return less(cands[i], cands[j]) })

	if len(cands) > maxNeighbors {
		cands = cands[:maxNeighbors]
	}
	ids := make([]VectorID, len(cands))
	for i, c := range cands {
		ids[i] = c.ID
	}
	setNodeNeighbors(idx.graph, l, u, ids)
}

func getNodeNeighbors(g *Graph, l LayerID, id VectorID) []VectorID {
	if l == 0 {
		return append([]VectorID(nil), baseSlots(g.BaseNodeAt(id))...)
	}
	return append([]VectorID(nil), upperSlots(g.UpperNodeAt(l, id))...)
}

func setNodeNeighbors(g *Graph, l LayerID, id VectorID, neighbors []VectorID) {
	maxNeighbors := capacity(l)
	if l == 0 {
		n := g.BaseNodeAt(id)
		for i := 0; i < maxNeighbors; i++ {
			if i < len(neighbors) {
				n[i] = neighbors[i]
			} else {
				n[i] = Invalid
			}
		}
		return
	}
	n := g.UpperNodeAt(l, id)
	for i := 0; i < maxNeighbors; i++ {
		if i < len(neighbors) {
			n[i] = neighbors[i]
		} else {
			n[i] = Invalid
		}
	}
}

// Result is one ranked hit returned by Search: the matched record's id,
// its metadata, and its distance from the query.
type Result struct {
	ID       VectorID
	Metadata map[string]string
	Distance float32
}

// Search returns the k nearest records to q, ascending by distance
// (§4.6). It fails with ErrInvalidDimension if q's length does not match
// the collection's dimension, ErrIndexNotBuilt if neither Build nor Load
// has run, and ErrIndexBuilding if a Build is currently in progress.
func (idx *Index) Search(q Vector, k int) ([]Result, error) {
	if len(q) != idx.config.Dimension {
		return nil, ErrInvalidDimension
	}
	if !idx.Built() {
		return nil, ErrIndexNotBuilt
	}
	if !idx.mu.TryRLock() {
		return nil, ErrIndexBuilding
	}
	defer idx.mu.RUnlock()

	entryID, entryLayer := idx.graph.EntryPoint()
	if !entryID.IsValid() {
		return []Result{}, nil
	}

	pair := idx.pool.Get()
	defer idx.pool.Put(pair)
	search := pair.Traversal

	search.SetEf(1)
	search.Push(entryID, q, idx)
	search.Search(idx.layerView(entryLayer, false), q, idx, capacity(entryLayer))

	for l := entryLayer - 1; l >= 1; l-- {
		search.Cull()
		search.Search(idx.layerView(l, false), q, idx, capacity(l))
	}

	ef := idx.config.EfSearch
	if k > ef {
		ef = k
	}
	search.Cull()
	search.SetEf(ef)
	search.Search(idx.layerView(0, true), q, idx, capacity(0))

	nearest := search.Nearest()
	if len(nearest) > k {
		nearest = nearest[:k]
	}

	results := make([]Result, 0, len(nearest))
	for _, c := range nearest {
		rec, err := idx.collection.Get(c.ID)
		if err != nil {
			continue
		}
		results = append(results, Result{ID: c.ID, Metadata: rec.Metadata, Distance: c.Distance})
	}
	return results, nil
}

// Stats summarizes the index's current state, for the HTTP surface's
// informational endpoints.
type Stats struct {
	Dimension      int
	EfSearch       int
	EfConstruction int
	Built          bool
	Count          int
}

// Stats returns a snapshot of the index's configuration and size.
func (idx *Index) Stats() Stats {
	return Stats{
		Dimension:      idx.config.Dimension,
		EfSearch:       idx.config.EfSearch,
		EfConstruction: idx.config.EfConstruction,
		Built:          idx.Built(),
		Count:          idx.graph.Len(),
	}
}

// Diagnostics summarizes the connectivity and hub structure of the
// built base-layer graph, for an operator deciding whether a collection
// needs a rebuild with a larger EfConstruction (many small components or
// a very skewed degree distribution both suggest under-linking).
type Diagnostics struct {
	NodeCount        int
	ComponentCount   int
	LargestComponent int
	AverageDegree    float64
	TopHubs          []VectorID
}

// Diagnostics walks the current base layer and reports its connectivity
// (via graph.ConnectedComponents) and hub structure (via graph.PageRank,
// since the HNSW base layer's back-linked neighbor lists are already
// symmetric and so can stand in for PageRank's directed in/out edges).
// topK bounds how many hub ids are returned (0 means all live nodes).
// Only ids whose top layer was recorded by Build count as live nodes, so
// a graph installed by Load reports no nodes.
func (idx *Index) Diagnostics(topK int) Diagnostics {
	n := idx.graph.Len()
	nodeIDs := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		if idx.graph.TopLayerOf(VectorID(i)) >= 0 {
			nodeIDs = append(nodeIDs, uint64(i))
		}
	}

	neighbors := func(id uint64) []uint64 {
		raw := getNodeNeighbors(idx.graph, 0, VectorID(id))
		out := make([]uint64, 0, len(raw))
		for _, nb := range raw {
			if nb.IsValid() {
				out = append(out, uint64(nb))
			}
		}
		return out
	}

	components := graph.ConnectedComponents(nodeIDs, neighbors)
	largest := 0
	for _, c := range components {
		if len(c) > largest {
			largest = len(c)
		}
	}

	totalDegree := 0
	for _, id := range nodeIDs {
		totalDegree += len(neighbors(id))
	}
	avgDegree := 0.0
	if len(nodeIDs) > 0 {
		avgDegree = float64(totalDegree) / float64(len(nodeIDs))
	}

	scores := graph.PageRank(nodeIDs, neighbors, 0.85, 20)
	hubs := make([]VectorID, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		hubs = append(hubs, VectorID(id))
	}
	sort.Slice(hubs, func(i, j int) bool { return scores[uint64(hubs[i])] > scores[uint64(hubs[j])] })
	if topK > 0 && topK < len(hubs) {
		hubs = hubs[:topK]
	}

	return Diagnostics{
		NodeCount:        len(nodeIDs),
		ComponentCount:   len(components),
		LargestComponent: largest,
		AverageDegree:    avgDegree,
		TopHubs:          hubs,
	}
}
