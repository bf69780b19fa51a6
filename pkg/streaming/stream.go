// Package streaming provides a channel-based, context-aware conduit for
// delivering search results incrementally instead of buffering an entire
// result set before the caller can see the first hit.
package streaming

import (
	"context"
	"errors"
	"sync"

	"github.com/veloxdb/velox/pkg/vector"
)

var (
	ErrStreamClosed = errors.New("stream closed")
	ErrBufferFull   = errors.New("stream buffer full")
)

// ResultStream streams vector.Result values from a producer to a consumer,
// closing cleanly on context cancellation or an explicit Close.
type ResultStream struct {
	ch       chan vector.Result
	errCh    chan error
	doneCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
	mu       sync.Mutex
	buffSize int
}

// NewResultStream creates a stream buffering up to bufferSize results
// (100 if bufferSize <= 0) before Send blocks.
func NewResultStream(ctx context.Context, bufferSize int) *ResultStream {
	if bufferSize <= 0 {
		bufferSize = 100
	}

	streamCtx, cancel := context.WithCancel(ctx)

	return &ResultStream{
		ch:       make(chan vector.Result, bufferSize),
		errCh:    make(chan error, 1),
		doneCh:   make(chan struct{}),
		ctx:      streamCtx,
		cancel:   cancel,
		buffSize: bufferSize,
	}
}

// Send delivers a result to the stream, blocking until there is buffer
// room or the stream's context is cancelled.
func (s *ResultStream) Send(result vector.Result) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.mu.Unlock()

	select {
	case s.ch <- result:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Recv receives the next result. ok is false on a clean end of stream
// (after which err is nil unless Close was given one), not just on a
// zero-value Result.
func (s *ResultStream) Recv() (result vector.Result, ok bool, err error) {
	select {
	case result, ok = <-s.ch:
	case <-s.ctx.Done():
		// Close cancels the context too; a closed stream still drains
		// its buffered results before reporting the end of stream.
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			return vector.Result{}, false, s.ctx.Err()
		}
		result, ok = <-s.ch
	}
	if !ok {
		select {
		case err = <-s.errCh:
			return vector.Result{}, false, err
		default:
			return vector.Result{}, false, nil
		}
	}
	return result, true, nil
}

// Done returns a channel closed once the stream has been closed.
func (s *ResultStream) Done() <-chan struct{} {
	return s.doneCh
}

// Close closes the stream, optionally recording an error for the next
// Recv to surface once the buffered results are drained.
func (s *ResultStream) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	close(s.ch)

	if err != nil {
		select {
		case s.errCh <- err:
		default:
		}
	}

	close(s.doneCh)
	s.cancel()
}

// BatchWriter accumulates results and forwards them to a ResultStream in
// groups. Each result in a group is still delivered by its own Send, and
// none reaches the consumer until its group is flushed.
type BatchWriter struct {
	stream   *ResultStream
	batch    []vector.Result
	maxBatch int
	mu       sync.Mutex
}

// NewBatchWriter returns a BatchWriter flushing to stream every maxBatch
// items (10 if maxBatch <= 0).
func NewBatchWriter(stream *ResultStream, maxBatch int) *BatchWriter {
	if maxBatch <= 0 {
		maxBatch = 10
	}

	return &BatchWriter{
		stream:   stream,
		batch:    make([]vector.Result, 0, maxBatch),
		maxBatch: maxBatch,
	}
}

// Add appends a result, flushing when the batch reaches its configured size.
func (bw *BatchWriter) Add(item vector.Result) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	bw.batch = append(bw.batch, item)

	if len(bw.batch) >= bw.maxBatch {
		return bw.flushLocked()
	}

	return nil
}

// Flush forwards any buffered results to the stream.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

func (bw *BatchWriter) flushLocked() error {
	if len(bw.batch) == 0 {
		return nil
	}

	for _, item := range bw.batch {
		if err := bw.stream.Send(item); err != nil {
			return err
		}
	}

	bw.batch = bw.batch[:0]
	return nil
}
