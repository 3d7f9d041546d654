// Package writer implements the writer queue of the filesystem.
//
// Pages handed to storage are queued per page type and written in batches
// when the queue gets full or when a flush is requested. Flush requests are
// served in order by a single dispatcher, so a completion signal implies that
// everything queued before the request hit the store.
package writer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	e "github.com/pkg/errors"
	"github.com/sahib/f2cache/pagecache"
	"github.com/sahib/f2cache/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrClosed is passed to Op.Done for ops queued after Close.
var ErrClosed = errors.New("writer is closed")

// Op is a single block write.
type Op struct {
	Type  pagecache.PageType
	Ino   uint64
	Index uint64

	// Data is the content of the block. nil deletes the block.
	Data []byte

	// Cold blocks are written after the hot ones of the same batch.
	Cold bool

	// Done is called once the op was persisted or failed.
	Done func(err error)
}

func (op *Op) finish(err error) {
	if op.Done != nil {
		op.Done(err)
	}
}

// Options configure a Writer.
type Options struct {
	// Workers is the number of batches written in parallel.
	Workers int

	// BatchSize is the max number of ops per store batch.
	// A full queue is flushed without being asked to.
	BatchSize int

	// MaxWritesPerSecond limits the ops written per second. 0 means no limit.
	MaxWritesPerSecond float64
}

type flushRequest struct {
	types []pagecache.PageType
	done  chan<- struct{}
}

// Writer is the writer queue.
type Writer struct {
	mu     sync.Mutex
	queues [pagecache.NumPageTypes][]Op
	closed bool

	st      store.Store
	opts    Options
	limiter *rate.Limiter

	// closeMu is held while sending requests, so Close
	// cannot close the channel under the feet of a sender.
	closeMu  sync.RWMutex
	requests chan flushRequest
	wg       sync.WaitGroup

	written [pagecache.NumPageTypes]atomic.Int64
	failed  atomic.Int64
}

// New starts a writer that writes into `st`.
func New(st store.Store, opts Options) *Writer {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}

	limit := rate.Inf
	if opts.MaxWritesPerSecond > 0 {
		limit = rate.Limit(opts.MaxWritesPerSecond)
	}

	w := &Writer{
		st:       st,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, opts.BatchSize),
		requests: make(chan flushRequest, 64),
	}

	w.wg.Add(1)
	go w.dispatch()
	return w
}

// Enqueue queues `op`. It never blocks on I/O.
func (w *Writer) Enqueue(op Op) {
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		op.finish(ErrClosed)
		return
	}

	w.queues[op.Type] = append(w.queues[op.Type], op)
	full := len(w.queues[op.Type]) >= w.opts.BatchSize
	w.mu.Unlock()

	if !full {
		return
	}

	// A pending request will pick up the queue anyway.
	select {
	case w.requests <- flushRequest{types: []pagecache.PageType{op.Type}}:
	default:
	}
}

// Pending returns the number of queued ops of type `pt`.
func (w *Writer) Pending(pt pagecache.PageType) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.queues[pt])
}

// Written returns the number of ops of type `pt` that were persisted.
func (w *Writer) Written(pt pagecache.PageType) int64 {
	return w.written[pt].Load()
}

// Failed returns the number of ops that could not be persisted.
func (w *Writer) Failed() int64 {
	return w.failed.Load()
}

// ScheduleFlush writes all queued ops of type `pt`.
// `done` is closed afterwards, if not nil.
func (w *Writer) ScheduleFlush(done chan<- struct{}, pt pagecache.PageType) {
	w.schedule(flushRequest{types: []pagecache.PageType{pt}, done: done})
}

// ScheduleFlushAll is like ScheduleFlush, but for all page types.
func (w *Writer) ScheduleFlushAll(done chan<- struct{}) {
	types := []pagecache.PageType{}
	for pt := pagecache.PageType(0); pt < pagecache.NumPageTypes; pt++ {
		types = append(types, pt)
	}

	w.schedule(flushRequest{types: types, done: done})
}

// Flush writes all queued ops of the given types and waits for it.
// Without types everything is written.
func (w *Writer) Flush(types ...pagecache.PageType) {
	done := make(chan struct{})
	if len(types) == 0 {
		w.ScheduleFlushAll(done)
	} else {
		w.schedule(flushRequest{types: types, done: done})
	}

	<-done
}

func (w *Writer) schedule(req flushRequest) {
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()

	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()

	if closed {
		if req.done != nil {
			close(req.done)
		}

		return
	}

	w.requests <- req
}

func (w *Writer) dispatch() {
	defer w.wg.Done()

	for req := range w.requests {
		for _, pt := range req.types {
			w.mu.Lock()
			ops := w.queues[pt]
			w.queues[pt] = nil
			w.mu.Unlock()

			w.write(pt, ops)
		}

		if req.done != nil {
			close(req.done)
		}
	}
}

// write persists `ops` in batches, using up to opts.Workers goroutines.
func (w *Writer) write(pt pagecache.PageType, ops []Op) {
	if len(ops) == 0 {
		return
	}

	// Hot blocks first; keeps their order otherwise.
	ordered := make([]Op, 0, len(ops))
	for _, cold := range []bool{false, true} {
		for _, op := range ops {
			if op.Cold == cold {
				ordered = append(ordered, op)
			}
		}
	}

	eg := &errgroup.Group{}
	eg.SetLimit(w.opts.Workers)

	for start := 0; start < len(ordered); start += w.opts.BatchSize {
		end := start + w.opts.BatchSize
		if end > len(ordered) {
			end = len(ordered)
		}

		chunk := ordered[start:end]
		eg.Go(func() error {
			err := w.writeBatch(chunk)
			for idx := range chunk {
				chunk[idx].finish(err)
			}

			if err != nil {
				w.failed.Add(int64(len(chunk)))
				return err
			}

			w.written[pt].Add(int64(len(chunk)))
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		log.WithError(err).WithField("type", pt).Errorf("writer: failed to write batch")
	}
}

func (w *Writer) writeBatch(ops []Op) error {
	if err := w.limiter.WaitN(context.Background(), len(ops)); err != nil {
		return e.Wrap(err, "rate limit")
	}

	batch := w.st.Batch()
	for _, op := range ops {
		if op.Data == nil {
			batch.Delete(op.Ino, op.Index)
		} else {
			batch.Put(op.Ino, op.Index, op.Data)
		}
	}

	if err := batch.Flush(); err != nil {
		batch.Rollback()
		return e.Wrapf(err, "failed to write %d blocks", len(ops))
	}

	return nil
}

// Close writes everything that is still queued and stops the writer.
func (w *Writer) Close() error {
	w.Flush()

	w.closeMu.Lock()
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.closeMu.Unlock()
		return nil
	}

	w.closed = true
	w.mu.Unlock()

	close(w.requests)
	w.closeMu.Unlock()
	w.wg.Wait()

	// Ops that came in between the flush and closing:
	for pt := range w.queues {
		w.write(pagecache.PageType(pt), w.queues[pt])
		w.queues[pt] = nil
	}

	return nil
}
