package backup

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/veloxdb/velox/pkg/vector"
)

// encodeRecord lays out a record as: id, dimension, float32s, then a
// count-prefixed list of metadata pairs, all little-endian. It is the
// wire shape both the WAL (one record per mutation) and a snapshot's
// records block (many records concatenated) use. It differs from
// pkg/store's own encodeRecord for badger values, which has no id field
// and starts with an xxhash64 checksum of the body.
func encodeRecord(rec vector.Record) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(rec.ID))
	binary.Write(&buf, binary.LittleEndian, uint32(len(rec.Vector)))
	for _, f := range rec.Vector {
		binary.Write(&buf, binary.LittleEndian, f)
	}
	binary.Write(&buf, binary.LittleEndian, uint32(len(rec.Metadata)))
	for k, v := range rec.Metadata {
		writeString(&buf, k)
		writeString(&buf, v)
	}
	return buf.Bytes()
}

func decodeRecord(raw []byte) (vector.Record, error) {
	return decodeRecordReader(bytes.NewReader(raw))
}

// decodeRecordReader decodes one encodeRecord-shaped record from r,
// leaving r positioned at the start of whatever follows. Snapshot
// record blocks are decoded by repeated calls until r is exhausted.
func decodeRecordReader(r *bytes.Reader) (vector.Record, error) {
	var id, dim uint32
	if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
		return vector.Record{}, err
	}
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
	return vector.Record{ID: vector.VectorID(id), Vector: vec, Metadata: meta}, nil
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
