package vector

// Record is the persisted form of one collection entry: an id, its
// embedding, and opaque string metadata.
type Record struct {
	ID       VectorID
	Vector   Vector
	Metadata map[string]string
}

// Collection is the contract the core requires from the persistence
// layer. Implementations (see pkg/store for the badger-backed one) are
// responsible for atomicity of each individual call; the core relies on
// Iter being a finite, snapshot-consistent enumeration for the duration
// of a single Build.
type Collection interface {
	// Iter returns a channel that yields every record currently stored,
	// then closes. The enumeration must be stable for the duration of
	// one Build call.
	Iter() (<-chan Record, error)
	// Get fetches a single record by id. Returns ErrNotFound if absent.
	Get(id VectorID) (Record, error)
	// Put stores or overwrites a record by id.
	Put(id VectorID, rec Record) error
	// Delete removes a record by id. Returns ErrNotFound if absent.
	Delete(id VectorID) error
	// AssignID returns the next dense, previously-unused VectorID.
	AssignID() (VectorID, error)
	// SaveGraph persists a serialized graph byte stream, if the
	// collaborator supports it.
	SaveGraph(data []byte) error
	// LoadGraph retrieves the previously saved graph bytes, if any.
	LoadGraph() ([]byte, error)
}

// KeyBinding pairs a caller-chosen string key with the VectorID it
// currently resolves to. Binding keys to ids is not part of the core
// Collection contract (the graph only ever deals in ids), but a
// persistence layer may offer it as an optional capability; see
// pkg/backup.KeyBinder.
type KeyBinding struct {
	Key string
	ID  VectorID
}
