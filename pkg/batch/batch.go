// Package batch accumulates record inserts and flushes them in bounded
// chunks, so a bulk load can amortize the backing store's per-call
// overhead without holding an unbounded slice in memory.
package batch

import (
	"fmt"
	"sync"

	"github.com/veloxdb/velox/pkg/vector"
)

// RecordBatch buffers records up to maxSize before Flush must be called.
type RecordBatch struct {
	records []vector.Record
	mu      sync.Mutex
	maxSize int
}

// NewRecordBatch returns a RecordBatch that buffers up to maxSize
// records (1000 if maxSize <= 0) before IsFull reports true.
func NewRecordBatch(maxSize int) *RecordBatch {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &RecordBatch{
		records: make([]vector.Record, 0, maxSize),
		maxSize: maxSize,
	}
}

// Add appends rec to the batch.
func (b *RecordBatch) Add(rec vector.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
}

// AddBulk appends every record in recs to the batch.
func (b *RecordBatch) AddBulk(recs []vector.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, recs...)
}

// Size returns the number of records currently buffered.
func (b *RecordBatch) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// IsFull reports whether the batch has reached its configured maxSize.
func (b *RecordBatch) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records) >= b.maxSize
}

// Flush returns and clears the buffered records. Returns nil if empty.
func (b *RecordBatch) Flush() []vector.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == 0 {
		return nil
	}
	result := make([]vector.Record, len(b.records))
	copy(result, b.records)
	b.records = b.records[:0]
	return result
}

// FlushFunc inserts a flushed chunk of records into the collection,
// returning the assigned ids in the same order.
type FlushFunc func([]vector.Record) ([]vector.VectorID, error)

// Processor auto-flushes a RecordBatch through a FlushFunc whenever it
// fills, and on an explicit final Flush.
type Processor struct {
	batch   *RecordBatch
	flush   FlushFunc
	autoRun bool
	mu      sync.Mutex
}

// NewProcessor returns a Processor over a RecordBatch of the given
// maxSize. If autoFlush is true, Add flushes automatically once the
// batch fills; otherwise the caller must call Flush explicitly.
func NewProcessor(maxSize int, autoFlush bool, flush FlushFunc) *Processor {
	return &Processor{
		batch:   NewRecordBatch(maxSize),
		flush:   flush,
		autoRun: autoFlush,
	}
}

// Add buffers rec, flushing immediately if autoFlush is enabled and the
// batch is now full.
func (p *Processor) Add(rec vector.Record) ([]vector.VectorID, error) {
	p.batch.Add(rec)
	if p.autoRun && p.batch.IsFull() {
		return p.Flush()
	}
	return nil, nil
}

// Flush drains the buffered records through the configured FlushFunc.
func (p *Processor) Flush() ([]vector.VectorID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	recs := p.batch.Flush()
	if len(recs) == 0 {
		return nil, nil
	}
	if p.flush == nil {
		return nil, nil
	}
	ids, err := p.flush(recs)
	if err != nil {
		return nil, fmt.Errorf("batch: flush failed: %w", err)
	}
	return ids, nil
}

// Pending returns how many records are currently buffered.
func (p *Processor) Pending() int {
	return p.batch.Size()
}
