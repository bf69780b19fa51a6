package backup

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/veloxdb/velox/pkg/vector"
)

// SnapshotHeader is written uncompressed at the start of a snapshot
// file, ahead of the gzip-compressed body.
type SnapshotHeader struct {
	Magic     [4]byte // "VLXB" (velox backup magic)
	Version   uint32
	Timestamp int64
	LSN       uint64
	Reserved  [32]byte
}

// SnapshotWriter writes a point-in-time snapshot: a header, then three
// length-prefixed blocks written in a fixed order — records, graph
// bytes, key bindings — matched by SnapshotReader's Read* methods in
// the same order.
type SnapshotWriter struct {
	file    *os.File
	gz      *gzip.Writer
	path    string
	tmpPath string
}

// NewSnapshotWriter creates a snapshot writer using a write-to-temp,
// rename-on-Close pattern so a crash mid-write never leaves a
// half-written file at path.
func NewSnapshotWriter(path string, lsn uint64) (*SnapshotWriter, error) {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create temp snapshot: %w", err)
	}

	header := SnapshotHeader{
		Magic:     [4]byte{'V', 'L', 'X', 'B'},
		Version:   1,
		Timestamp: time.Now().Unix(),
		LSN:       lsn,
	}
	if err := binary.Write(f, binary.BigEndian, header); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("write snapshot header: %w", err)
	}

	return &SnapshotWriter{file: f, gz: gzip.NewWriter(f), path: path, tmpPath: tmpPath}, nil
}

// WriteRecords drains ch and writes every record's encoded form as one
// block, returning the number of records written.
func (w *SnapshotWriter) WriteRecords(ch <-chan vector.Record) (int, error) {
	var buf bytes.Buffer
	count := 0
	for rec := range ch {
		buf.Write(encodeRecord(rec))
		count++
	}
	return count, writeBlock(w.gz, buf.Bytes())
}

// WriteGraph writes the collection's persisted graph bytes as one
// block. data may be empty if the collection has never built a graph.
func (w *SnapshotWriter) WriteGraph(data []byte) error {
	return writeBlock(w.gz, data)
}

// WriteKeys drains ch (if non-nil) and writes every key binding as one
// block. Collections that don't support key bindings pass a nil
// channel, producing an empty block so the reader's fixed read order
// still lines up.
func (w *SnapshotWriter) WriteKeys(ch <-chan vector.KeyBinding) error {
	var buf bytes.Buffer
	if ch != nil {
		for kb := range ch {
			writeString(&buf, kb.Key)
			binary.Write(&buf, binary.LittleEndian, uint32(kb.ID))
		}
	}
	return writeBlock(w.gz, buf.Bytes())
}

func writeBlock(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint64(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// Close flushes the gzip body and atomically renames the temp file
// into place.
func (w *SnapshotWriter) Close() error {
	if err := w.gz.Close(); err != nil {
		_ = w.file.Close()
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("close snapshot body: %w", err)
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("close snapshot file: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	return nil
}

// SnapshotReader reads a snapshot written by SnapshotWriter.
type SnapshotReader struct {
	file   *os.File
	gz     *gzip.Reader
	header SnapshotHeader
}

// NewSnapshotReader opens path, verifies its magic, and positions the
// reader at the start of the records block.
func NewSnapshotReader(path string) (*SnapshotReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var header SnapshotHeader
	if err := binary.Read(f, binary.BigEndian, &header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read snapshot header: %w", err)
	}
	if header.Magic != [4]byte{'V', 'L', 'X', 'B'} {
		_ = f.Close()
		return nil, fmt.Errorf("invalid snapshot magic")
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open snapshot body: %w", err)
	}

	return &SnapshotReader{file: f, gz: gz, header: header}, nil
}

// Header returns the snapshot's header.
func (r *SnapshotReader) Header() SnapshotHeader { return r.header }

// ReadRecords reads the records block and decodes every record in it.
func (r *SnapshotReader) ReadRecords() ([]vector.Record, error) {
	data, err := readBlock(r.gz)
	if err != nil {
		return nil, err
	}
	var records []vector.Record
	br := bytes.NewReader(data)
	for br.Len() > 0 {
		rec, err := decodeRecordReader(br)
		if err != nil {
			return nil, fmt.Errorf("decode snapshot record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadGraph reads the graph-bytes block.
func (r *SnapshotReader) ReadGraph() ([]byte, error) {
	return readBlock(r.gz)
}

// ReadKeys reads the key-bindings block.
func (r *SnapshotReader) ReadKeys() ([]vector.KeyBinding, error) {
	data, err := readBlock(r.gz)
	if err != nil {
		return nil, err
	}
	var keys []vector.KeyBinding
	br := bytes.NewReader(data)
	for br.Len() > 0 {
		key, err := readString(br)
		if err != nil {
			return nil, fmt.Errorf("decode snapshot key binding: %w", err)
		}
		var id uint32
		if err := binary.Read(br, binary.LittleEndian, &id); err != nil {
			return nil, fmt.Errorf("decode snapshot key binding %q: %w", key, err)
		}
		keys = append(keys, vector.KeyBinding{Key: key, ID: vector.VectorID(id)})
	}
	return keys, nil
}

func readBlock(r io.Reader) ([]byte, error) {
	var n uint64
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

// Close releases the snapshot reader's file handles.
func (r *SnapshotReader) Close() error {
	gzErr := r.gz.Close()
	fileErr := r.file.Close()
	if gzErr != nil {
		return gzErr
	}
	return fileErr
}

// CreateSnapshot creates a snapshot file at path for LSN lsn, calling
// writeFunc to populate its body in the order WriteRecords,
// WriteGraph, WriteKeys.
func CreateSnapshot(path string, lsn uint64, writeFunc func(w *SnapshotWriter) error) error {
	writer, err := NewSnapshotWriter(path, lsn)
	if err != nil {
		return err
	}
	if err := writeFunc(writer); err != nil {
		_ = writer.Close()
		_ = os.Remove(path)
		return err
	}
	return writer.Close()
}

// RestoreSnapshot opens path and calls readFunc to consume its body in
// the order ReadRecords, ReadGraph, ReadKeys.
func RestoreSnapshot(path string, readFunc func(r *SnapshotReader) error) error {
	reader, err := NewSnapshotReader(path)
	if err != nil {
		return err
	}
	if err := readFunc(reader); err != nil {
		_ = reader.Close()
		return err
	}
	return reader.Close()
}
