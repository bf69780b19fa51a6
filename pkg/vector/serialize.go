package vector

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// magic identifies a serialized graph stream; version allows the wire
// format to evolve without breaking Load's ability to reject unknown
// bytes cleanly.
const (
	graphMagic   uint32 = 0x564e5347 // "VNSG"
	graphVersion uint16 = 1
)

type graphHeader struct {
	Magic      uint32
	Version    uint16
	Dimension  uint32
	M          uint32
	NumVectors uint32
	NumLayers  uint32
	EntryPoint uint32
}

// Save writes the graph as a flat little-endian byte stream: a header
// followed by, for each layer in order (0 first), a fixed-size array of
// VectorID slots per node with Invalid as the sentinel. The same byte
// sequence always round-trips through Load bit-exactly (§6, §8 property
// 8), since encoding reads directly off the arena-layout node arrays
// with no intermediate representation that could reorder anything.
func (idx *Index) Save(w io.Writer) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	entryID, _ := idx.graph.EntryPoint()
	entryWire := uint32(Invalid)
	if entryID.IsValid() {
		entryWire = uint32(entryID)
	}

	header := graphHeader{
		Magic:      graphMagic,
		Version:    graphVersion,
		Dimension:  uint32(idx.config.Dimension),
		M:          uint32(M),
		NumVectors: uint32(idx.graph.Len()),
		NumLayers:  uint32(idx.graph.TopLayers()) + 1,
		EntryPoint: entryWire,
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	base := idx.graph.BaseLayer(false).(plainBaseLayer)
	for i := range base.nodes {
		if err := binary.Write(bw, binary.LittleEndian, idsOf(base.nodes[i][:])); err != nil {
			return fmt.Errorf("%w: %v", ErrSerialization, err)
		}
	}

	for l := LayerID(1); l <= idx.graph.TopLayers(); l++ {
		layer := idx.graph.UpperLayerView(l).(plainUpperLayer)
		for i := range layer.nodes {
			if err := binary.Write(bw, binary.LittleEndian, idsOf(layer.nodes[i][:])); err != nil {
				return fmt.Errorf("%w: %v", ErrSerialization, err)
			}
		}
	}

	return bw.Flush()
}

func idsOf(slots []VectorID) []uint32 {
	out := make([]uint32, len(slots))
	for i, id := range slots {
		out[i] = uint32(id)
	}
	return out
}

// Load replaces the index's graph with one reconstituted from r, as
// written by Save. It also refills the in-memory vector cache from the
// backing collection and sizes the search pool for the loaded graph, so
// Search can resolve ids to vectors and metadata without a Build.
func (idx *Index) Load(r io.Reader) error {
	var header graphHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if header.Magic != graphMagic {
		return fmt.Errorf("%w: bad magic", ErrSerialization)
	}
	if header.Version != graphVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrSerialization, header.Version)
	}
	if header.M != uint32(M) {
		return fmt.Errorf("%w: M mismatch (graph has %d, expected %d)", ErrSerialization, header.M, M)
	}
	if int(header.Dimension) != idx.config.Dimension {
		return fmt.Errorf("%w: dimension mismatch (graph has %d, expected %d)", ErrSerialization, header.Dimension, idx.config.Dimension)
	}
	// Guard against a corrupt or hostile header driving an enormous
	// allocation: node counts beyond a generous cap are rejected before
	// any array is sized.
	const maxReasonableVectors = 1 << 28
	if header.NumVectors > maxReasonableVectors || header.NumLayers > uint32(maxLayer)+1 {
		return fmt.Errorf("%w: implausible header", ErrSerialization)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	g := NewGraph(idx.graph.Metric())
	g.Grow(int(header.NumVectors))

	base := g.BaseLayer(false).(plainBaseLayer)
	for i := range base.nodes {
		ids, err := readIDs(r, 2*M)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		copy(base.nodes[i][:], ids)
	}

	for l := LayerID(1); l < LayerID(header.NumLayers); l++ {
		g.EnsureLayer(l)
		layer := g.UpperLayerView(l).(plainUpperLayer)
		for i := range layer.nodes {
			ids, err := readIDs(r, M)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrSerialization, err)
			}
			copy(layer.nodes[i][:], ids)
		}
	}

	if header.EntryPoint != uint32(Invalid) {
		g.PromoteEntryPoint(VectorID(header.EntryPoint), LayerID(header.NumLayers)-1)
	}

	ch, err := idx.collection.Iter()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackingStore, err)
	}
	vectors := make([]Vector, header.NumVectors)
	for rec := range ch {
		if int(rec.ID) < len(vectors) {
			vectors[rec.ID] = rec.Vector
		}
	}
	idx.vectorsMu.Lock()
	idx.vectors = vectors
	idx.vectorsMu.Unlock()
	idx.pool.Resize(len(vectors))

	idx.graph = g
	idx.builtMu.Lock()
	idx.built = true
	idx.builtMu.Unlock()
	return nil
}

func readIDs(r io.Reader, n int) ([]VectorID, error) {
	raw := make([]uint32, n)
	if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
		return nil, err
	}
	ids := make([]VectorID, n)
	for i, v := range raw {
		ids[i] = VectorID(v)
	}
	return ids, nil
}
