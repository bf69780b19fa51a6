// Package store provides the badger-backed persistence collaborator for
// the vector engine: record storage, dense id assignment, and graph byte
// persistence, all behind the vector.Collection contract.
package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/cespare/xxhash/v2"

	"github.com/veloxdb/velox/pkg/logging"
	"github.com/veloxdb/velox/pkg/vector"
)

const (
	recordPrefix = "rec:"
	keyPrefix    = "key:"
	nextIDKey    = "meta:next_id"
	graphKey     = "meta:graph"
)

// Store is a badger-backed vector.Collection. A single Store instance owns
// one badger database directory (or an in-memory one for tests); callers
// must not share a directory between two open Stores.
type Store struct {
	db *badger.DB

	// idMu serializes AssignID's read-modify-write of the next-id counter.
	// badger transactions would otherwise need an optimistic-conflict
	// retry loop for what is, in this system, always a single-writer
	// counter bump.
	idMu sync.Mutex
}

// Options configures a Store.
type Options struct {
	// Dir is the on-disk directory for badger's data files.
	Dir string
	// InMemory runs badger without touching disk, for tests.
	InMemory bool
}

// Open creates or opens a badger database per opts.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("store: Options.Dir is required unless InMemory is set")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(newBadgerLogger())

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vector.ErrBackingStore, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(id vector.VectorID) []byte {
	key := make([]byte, len(recordPrefix)+4)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint32(key[len(recordPrefix):], uint32(id))
	return key
}

// Iter yields every stored record in ascending VectorID order (badger's
// prefix iterator walks keys in lexicographic order, and recordKey's
// big-endian suffix makes that the same as ascending numeric order),
// which is what Index.Build relies on for deterministic, repeatable
// builds.
func (s *Store) Iter() (<-chan vector.Record, error) {
	ch := make(chan vector.Record, 64)
	go func() {
		defer close(ch)
		_ = s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(recordPrefix)
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek([]byte(recordPrefix)); it.ValidForPrefix([]byte(recordPrefix)); it.Next() {
				item := it.Item()
				raw, err := item.ValueCopy(nil)
				if err != nil {
					continue
				}
				rec, err := decodeRecord(raw)
				if err != nil {
					continue
				}
				rec.ID = vector.VectorID(binary.BigEndian.Uint32(item.Key()[len(recordPrefix):]))
				ch <- rec
			}
			return nil
		})
	}()
	return ch, nil
}

// Get fetches a single record by id.
func (s *Store) Get(id vector.VectorID) (vector.Record, error) {
	var rec vector.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return vector.ErrNotFound
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err = decodeRecord(raw)
		rec.ID = id
		return err
	})
	if err != nil {
		if errors.Is(err, vector.ErrNotFound) {
			return vector.Record{}, err
		}
		return vector.Record{}, fmt.Errorf("%w: %v", vector.ErrBackingStore, err)
	}
	return rec, nil
}

// Put stores or overwrites a record by id.
func (s *Store) Put(id vector.VectorID, rec vector.Record) error {
	raw := encodeRecord(rec)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(id), raw)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", vector.ErrBackingStore, err)
	}
	return nil
}

// Delete removes a record by id.
func (s *Store) Delete(id vector.VectorID) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return vector.ErrNotFound
		}
		if err != nil {
			return err
		}
		return txn.Delete(recordKey(id))
	})
	if err != nil {
		if errors.Is(err, vector.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", vector.ErrBackingStore, err)
	}
	return nil
}

// ResolveKey looks up the VectorID a caller-chosen string key was last
// bound to via BindKey. Returns vector.ErrNotFound if the key is unknown.
func (s *Store) ResolveKey(key string) (vector.VectorID, error) {
	var id vector.VectorID
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(append([]byte(keyPrefix), key...))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return vector.ErrNotFound
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		id = vector.VectorID(binary.LittleEndian.Uint32(raw))
		return nil
	})
	if err != nil {
		if errors.Is(err, vector.ErrNotFound) {
			return vector.Invalid, err
		}
		return vector.Invalid, fmt.Errorf("%w: %v", vector.ErrBackingStore, err)
	}
	return id, nil
}

// BindKey records that key now resolves to id, overwriting any previous
// binding. The HTTP surface's `/values` upsert uses this to let callers
// address records by an arbitrary string key instead of the dense
// VectorID the graph builds over.
func (s *Store) BindKey(key string, id vector.VectorID) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(id))
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(append([]byte(keyPrefix), key...), buf)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", vector.ErrBackingStore, err)
	}
	return nil
}

// UnbindKey removes key's binding, if any.
func (s *Store) UnbindKey(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(append([]byte(keyPrefix), key...))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", vector.ErrBackingStore, err)
	}
	return nil
}

// IterKeys yields every bound key currently stored, then closes. Like
// Iter, it backs a Store's participation in a point-in-time backup: a
// backup that only captured records would silently drop every
// `/values` key binding on restore.
func (s *Store) IterKeys() (<-chan vector.KeyBinding, error) {
	ch := make(chan vector.KeyBinding, 64)
	go func() {
		defer close(ch)
		_ = s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(keyPrefix)
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek([]byte(keyPrefix)); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
				item := it.Item()
				raw, err := item.ValueCopy(nil)
				if err != nil {
					continue
				}
				ch <- vector.KeyBinding{
					Key: string(item.Key()[len(keyPrefix):]),
					ID:  vector.VectorID(binary.LittleEndian.Uint32(raw)),
				}
			}
			return nil
		})
	}()
	return ch, nil
}

// AssignID returns the next dense, previously-unused VectorID, persisting
// the bumped counter before returning it.
func (s *Store) AssignID() (vector.VectorID, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	var next uint32
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(nextIDKey))
		if err == nil {
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			next = binary.LittleEndian.Uint32(raw)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, next+1)
		return txn.Set([]byte(nextIDKey), buf)
	})
	if err != nil {
		return vector.Invalid, fmt.Errorf("%w: %v", vector.ErrBackingStore, err)
	}
	return vector.VectorID(next), nil
}

// SaveGraph persists the serialized graph byte stream.
func (s *Store) SaveGraph(data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(graphKey), data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", vector.ErrBackingStore, err)
	}
	return nil
}

// LoadGraph retrieves the previously saved graph bytes.
func (s *Store) LoadGraph() ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(graphKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return vector.ErrNotFound
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, vector.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", vector.ErrBackingStore, err)
	}
	return data, nil
}

// encodeRecord lays out a record as: xxhash64 checksum, dimension,
// float32 vector data, then a count-prefixed list of metadata key/value
// pairs, all little-endian. The checksum guards against silent on-disk
// corruption the way pkg/backup's WAL entries do for their own records.
func encodeRecord(rec vector.Record) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint32(len(rec.Vector)))
	for _, f := range rec.Vector {
		binary.Write(&body, binary.LittleEndian, f)
	}
	binary.Write(&body, binary.LittleEndian, uint32(len(rec.Metadata)))
	for k, v := range rec.Metadata {
		writeString(&body, k)
		writeString(&body, v)
	}

	checksum := xxhash.Sum64(body.Bytes())
	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, checksum)
	out.Write(body.Bytes())
	return out.Bytes()
}

func decodeRecord(raw []byte) (vector.Record, error) {
	r := bytes.NewReader(raw)
	var checksum uint64
	if err := binary.Read(r, binary.LittleEndian, &checksum); err != nil {
		return vector.Record{}, err
	}
	body := raw[8:]
	if xxhash.Sum64(body) != checksum {
		return vector.Record{}, fmt.Errorf("%w: record checksum mismatch", vector.ErrSerialization)
	}

	var dim uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return vector.Record{}, err
	}
	vec := make(vector.Vector, dim)
	for i := range vec {
		if err := binary.Read(r, binary.LittleEndian, &vec[i]); err != nil {
			return vector.Record{}, err
		}
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return vector.Record{}, err
	}
	meta := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		k, err := readString(r)
		if err != nil {
			return vector.Record{}, err
		}
		v, err := readString(r)
		if err != nil {
			return vector.Record{}, err
		}
		meta[k] = v
	}

	return vector.Record{Vector: vec, Metadata: meta}, nil
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// badgerLogger routes badger's internal logging through this system's own
// structured logger instead of badger's default stderr writer.
type badgerLogger struct {
	log *logging.Logger
}

func newBadgerLogger() badgerLogger {
	return badgerLogger{log: logging.Named("store.badger")}
}

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.log.Error(f, v...) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.log.Warn(f, v...) }
func (badgerLogger) Infof(string, ...interface{})          {}
func (badgerLogger) Debugf(string, ...interface{})         {}
