package backup

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/veloxdb/velox/pkg/vector"
)

// SyncMode controls how aggressively Append durably persists entries.
type SyncMode int

const (
	// SyncEveryWrite fsyncs after every Append (safest, slowest).
	SyncEveryWrite SyncMode = iota
	// SyncNever relies on OS buffering and an explicit Flush.
	SyncNever
)

// Op identifies the kind of mutation a WALEntry records.
type Op uint8

const (
	OpPut Op = iota + 1
	OpDelete
)

// WALEntry is a single durable record mutation. A Put carries the full
// record; a Delete carries only the id being removed.
type WALEntry struct {
	LSN       uint64
	Timestamp int64
	Op        Op
	ID        vector.VectorID
	Record    vector.Record
	Checksum  uint64
}

// WAL is an append-only log of record mutations, split across
// fixed-size segment files so recovery never has to scan one
// unbounded file to find its tail.
type WAL struct {
	dir  string
	file *os.File
	mu   sync.Mutex

	currentLSN uint64
	segmentNum int

	maxSegmentSize int64
	syncMode       SyncMode
}

// NewWAL opens (creating if absent) a WAL directory and its first
// segment.
func NewWAL(dir string, syncMode SyncMode) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}
	w := &WAL{
		dir:            dir,
		maxSegmentSize: 64 * 1024 * 1024,
		syncMode:       syncMode,
	}
	if err := w.openSegment(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) openSegment(num int) error {
	path := filepath.Join(w.dir, fmt.Sprintf("wal_%08d.log", num))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return err
		}
	}
	w.file = f
	w.segmentNum = num
	return nil
}

// Append records a mutation and returns its LSN. For OpDelete, rec is
// ignored and only id is persisted.
func (w *WAL) Append(op Op, id vector.VectorID, rec vector.Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.currentLSN++
	entry := &WALEntry{
		LSN:       w.currentLSN,
		Timestamp: time.Now().UnixNano(),
		Op:        op,
		ID:        id,
	}
	if op == OpPut {
		entry.Record = rec
	}
	entry.Checksum = checksumEntry(entry)

	if err := writeEntry(w.file, entry); err != nil {
		return 0, err
	}
	if w.syncMode == SyncEveryWrite {
		if err := w.file.Sync(); err != nil {
			return 0, err
		}
	}

	info, err := w.file.Stat()
	if err == nil && info.Size() > w.maxSegmentSize {
		if err := w.openSegment(w.segmentNum + 1); err != nil {
			return 0, err
		}
	}
	return entry.LSN, nil
}

func checksumEntry(e *WALEntry) uint64 {
	h := xxhash.New()
	binary.Write(h, binary.BigEndian, e.LSN)
	binary.Write(h, binary.BigEndian, e.Timestamp)
	h.Write([]byte{byte(e.Op)})
	binary.Write(h, binary.BigEndian, uint32(e.ID))
	h.Write(encodeRecord(e.Record))
	return h.Sum64()
}

// writeEntry lays out an entry as:
// [8 LSN][8 timestamp][1 op][4 id][4 record_len][record][8 checksum].
func writeEntry(f *os.File, e *WALEntry) error {
	raw := encodeRecord(e.Record)
	buf := make([]byte, 8+8+1+4+4+len(raw)+8)
	offset := 0

	binary.BigEndian.PutUint64(buf[offset:], e.LSN)
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(e.Timestamp))
	offset += 8
	buf[offset] = byte(e.Op)
	offset++
	binary.BigEndian.PutUint32(buf[offset:], uint32(e.ID))
	offset += 4
	binary.BigEndian.PutUint32(buf[offset:], uint32(len(raw)))
	offset += 4
	copy(buf[offset:], raw)
	offset += len(raw)
	binary.BigEndian.PutUint64(buf[offset:], e.Checksum)

	_, err := f.Write(buf)
	return err
}

// Flush fsyncs the current segment.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Close flushes and releases the current segment's file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

// CurrentLSN returns the most recently assigned LSN.
func (w *WAL) CurrentLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentLSN
}

// ReadEntries reads every WAL entry at or after fromLSN across every
// segment file in dir, in file order.
func ReadEntries(dir string, fromLSN uint64) ([]*WALEntry, error) {
	files, err := filepath.Glob(filepath.Join(dir, "wal_*.log"))
	if err != nil {
		return nil, err
	}

	var entries []*WALEntry
	for _, path := range files {
		fileEntries, err := readEntriesFromFile(path, fromLSN)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fileEntries...)
	}
	return entries, nil
}

func readEntriesFromFile(path string, fromLSN uint64) (entries []*WALEntry, retErr error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil && retErr == nil {
			retErr = err
		}
	}()

	for {
		entry, err := readEntry(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if entry.LSN >= fromLSN {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func readEntry(r io.Reader) (*WALEntry, error) {
	header := make([]byte, 8+8+1+4+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	entry := &WALEntry{
		LSN:       binary.BigEndian.Uint64(header[0:8]),
		Timestamp: int64(binary.BigEndian.Uint64(header[8:16])),
		Op:        Op(header[16]),
		ID:        vector.VectorID(binary.BigEndian.Uint32(header[17:21])),
	}

	recLen := binary.BigEndian.Uint32(header[21:25])
	raw := make([]byte, recLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	if entry.Op == OpPut {
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("decode WAL entry %d: %w", entry.LSN, err)
		}
		entry.Record = rec
	}

	if err := binary.Read(r, binary.BigEndian, &entry.Checksum); err != nil {
		return nil, err
	}
	return entry, nil
}
