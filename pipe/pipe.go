// Package pipe implements a bounded single-producer/single-consumer byte
// stream with backpressure, cancellable reads and an explicit completion
// signal. Two pipes cross-wired together form a full-duplex channel.
package pipe

import (
	"context"
	"errors"
	"sync"
)

const (
	// DefaultPauseThreshold is the number of buffered bytes at which a writer
	// starts waiting for the reader to catch up.
	DefaultPauseThreshold = 64 * 1024

	// DefaultResumeThreshold is the number of buffered bytes below which a
	// paused writer is released again.
	DefaultResumeThreshold = 32 * 1024
)

var (
	// ErrWriterCompleted is returned when writing to a pipe whose writer
	// already signalled completion.
	ErrWriterCompleted = errors.New("pipe: writer completed")

	// ErrReaderCompleted is returned when reading from a pipe whose reader
	// already signalled completion.
	ErrReaderCompleted = errors.New("pipe: reader completed")

	// ErrReadInProgress is returned by Read when the previous result has
	// not been released with Advance yet.
	ErrReadInProgress = errors.New("pipe: previous read not advanced")
)

// ReadResult is what a reader gets back from Read.
//
// Buffer holds the next contiguous span of unread bytes and may be empty.
// Canceled is set when CancelPendingRead woke the reader; Buffer is empty then.
// Completed is set once the writer is done and Buffer holds the last bytes
// the pipe will ever deliver. Err carries the writer's completion error.
type ReadResult struct {
	Buffer    []byte
	Canceled  bool
	Completed bool
	Err       error
}

// FlushResult is what a writer gets back from Write.
// Canceled means CancelPendingFlush released the writer early.
// Completed means the reader is gone and nothing more will be consumed.
type FlushResult struct {
	Canceled  bool
	Completed bool
}

// Reader is the consuming half of a pipe.
type Reader interface {
	// Read blocks until bytes are available, the read is cancelled,
	// the writer completes or ctx is done.
	Read(ctx context.Context) (ReadResult, error)

	// Advance releases n bytes of the last ReadResult's Buffer.
	// It must follow every successful Read, even when n is zero.
	Advance(n int)

	// CancelPendingRead wakes the pending Read, or the next one,
	// with a Canceled result. The pipe stays open.
	CancelPendingRead()

	// Complete tells the writer that nothing more will be read.
	Complete()
}

// Writer is the producing half of a pipe.
type Writer interface {
	// Write buffers p and then waits while the pipe is over its pause
	// threshold. The bytes are buffered even when the wait is cut short.
	Write(ctx context.Context, p []byte) (FlushResult, error)

	// CancelPendingFlush releases the pending Write, or the next one,
	// with a Canceled result.
	CancelPendingFlush()

	// Complete marks the end of the stream. The reader drains what is
	// buffered and then observes a Completed result carrying err.
	Complete(err error)
}

// Option configures a Pipe.
type Option func(*Pipe)

// WithPauseThreshold sets the buffered size at which writers wait.
// Zero or a negative value disables backpressure.
func WithPauseThreshold(n int) Option {
	return func(p *Pipe) { p.pause = n }
}

// WithResumeThreshold sets the buffered size below which waiting writers resume.
func WithResumeThreshold(n int) Option {
	return func(p *Pipe) { p.resume = n }
}

// Pipe is a single-producer/single-consumer byte stream.
// Every Write is stored as its own segment so a reader sees one write per Read
// unless it leaves bytes unconsumed, in which case the remainder is joined
// with the next segment.
type Pipe struct {
	mu sync.Mutex

	segments [][]byte // unconsumed writes, oldest first
	buffered int      // total bytes across segments

	pause  int
	resume int

	reading  bool // a result is out and Advance has not been called
	lastLen  int  // length of the Buffer handed out by the last Read
	needMore bool // last Advance left a remainder behind

	readCanceled  bool
	flushCanceled bool

	writerDone bool
	writerErr  error
	readerDone bool

	readSignal  chan struct{}
	writeSignal chan struct{}
}

// New creates an empty pipe.
func New(opts ...Option) *Pipe {
	p := &Pipe{
		pause:       DefaultPauseThreshold,
		resume:      DefaultResumeThreshold,
		readSignal:  make(chan struct{}, 1),
		writeSignal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.resume > p.pause {
		p.resume = p.pause
	}
	return p
}

// Reader returns the consuming half of p.
func (p *Pipe) Reader() Reader { return pipeReader{p} }

// Writer returns the producing half of p.
func (p *Pipe) Writer() Writer { return pipeWriter{p} }

// bufferedLen returns the number of bytes written but not yet advanced past.
func (p *Pipe) bufferedLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffered
}

func (p *Pipe) read(ctx context.Context) (ReadResult, error) {
	for {
		p.mu.Lock()
		if p.readerDone {
			p.mu.Unlock()
			return ReadResult{}, ErrReaderCompleted
		}
		if p.reading {
			p.mu.Unlock()
			return ReadResult{}, ErrReadInProgress
		}

		if p.readCanceled {
			p.readCanceled = false
			p.handOut(0)
			p.mu.Unlock()
			return ReadResult{Canceled: true}, nil
		}

		// the reader left bytes behind last time; only come back once there
		// is something new to join them with
		if p.needMore && len(p.segments) > 1 {
			merged := make([]byte, 0, len(p.segments[0])+len(p.segments[1]))
			merged = append(merged, p.segments[0]...)
			merged = append(merged, p.segments[1]...)
			p.segments[0] = nil
			p.segments[1] = merged
			p.segments = p.segments[1:]
			p.needMore = false
		}

		if len(p.segments) > 0 && (!p.needMore || p.writerDone) {
			res := ReadResult{Buffer: p.segments[0]}
			if p.writerDone && len(p.segments) == 1 {
				res.Completed = true
				res.Err = p.writerErr
			}
			p.handOut(len(res.Buffer))
			p.mu.Unlock()
			return res, nil
		}

		if len(p.segments) == 0 && p.writerDone {
			p.handOut(0)
			p.mu.Unlock()
			return ReadResult{Completed: true, Err: p.writerErr}, nil
		}
		p.mu.Unlock()

		select {
		case <-p.readSignal:
		case <-ctx.Done():
			return ReadResult{}, ctx.Err()
		}
	}
}

// handOut records that a result of n bytes is outstanding. Called with mu held.
func (p *Pipe) handOut(n int) {
	p.reading = true
	p.lastLen = n
}

func (p *Pipe) advance(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.reading {
		panic("pipe: Advance called without a pending Read")
	}
	if n < 0 || n > p.lastLen {
		panic("pipe: Advance past the end of the read buffer")
	}
	p.reading = false

	if p.lastLen > 0 && len(p.segments) > 0 {
		if n == p.lastLen {
			p.segments[0] = nil
			p.segments = p.segments[1:]
			p.needMore = false
		} else {
			p.segments[0] = p.segments[0][n:]
			p.needMore = true
		}
		p.buffered -= n
	}
	if len(p.segments) == 0 {
		// drop the backing array once drained so it does not grow forever
		p.segments = nil
	}

	if p.buffered < p.resume || p.pause <= 0 {
		signal(p.writeSignal)
	}
}

func (p *Pipe) cancelPendingRead() {
	p.mu.Lock()
	p.readCanceled = true
	p.mu.Unlock()
	signal(p.readSignal)
}

func (p *Pipe) completeReader() {
	p.mu.Lock()
	if p.readerDone {
		p.mu.Unlock()
		return
	}
	p.readerDone = true
	p.segments = nil
	p.buffered = 0
	p.mu.Unlock()
	signal(p.writeSignal)
}

func (p *Pipe) write(ctx context.Context, b []byte) (FlushResult, error) {
	if err := ctx.Err(); err != nil {
		return FlushResult{}, err
	}

	p.mu.Lock()
	if p.writerDone {
		p.mu.Unlock()
		return FlushResult{}, ErrWriterCompleted
	}
	if p.readerDone {
		p.mu.Unlock()
		return FlushResult{Completed: true}, nil
	}
	if len(b) > 0 {
		// copy so the caller may reuse b; the pipe never hands the same
		// memory to the reader twice
		seg := make([]byte, len(b))
		copy(seg, b)
		p.segments = append(p.segments, seg)
		p.buffered += len(b)
	}
	p.mu.Unlock()

	if len(b) > 0 {
		signal(p.readSignal)
	}
	return p.flush(ctx)
}

// flush waits for the reader to drain the pipe below its thresholds.
func (p *Pipe) flush(ctx context.Context) (FlushResult, error) {
	paused := false
	for {
		p.mu.Lock()
		switch {
		case p.flushCanceled:
			p.flushCanceled = false
			p.mu.Unlock()
			return FlushResult{Canceled: true}, nil
		case p.readerDone:
			p.mu.Unlock()
			return FlushResult{Completed: true}, nil
		case p.pause <= 0,
			!paused && p.buffered < p.pause,
			paused && p.buffered < p.resume:
			p.mu.Unlock()
			return FlushResult{}, nil
		}
		paused = true
		p.mu.Unlock()

		select {
		case <-p.writeSignal:
		case <-ctx.Done():
			return FlushResult{}, ctx.Err()
		}
	}
}

func (p *Pipe) cancelPendingFlush() {
	p.mu.Lock()
	p.flushCanceled = true
	p.mu.Unlock()
	signal(p.writeSignal)
}

func (p *Pipe) completeWriter(err error) {
	p.mu.Lock()
	if p.writerDone {
		p.mu.Unlock()
		return
	}
	p.writerDone = true
	p.writerErr = err
	p.mu.Unlock()
	signal(p.readSignal)
}

// signal pokes a waiter without blocking. Waiters re-check state under the
// lock, so coalesced signals are harmless.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

type pipeReader struct{ p *Pipe }

func (r pipeReader) Read(ctx context.Context) (ReadResult, error) { return r.p.read(ctx) }
func (r pipeReader) Advance(n int)                                { r.p.advance(n) }
func (r pipeReader) CancelPendingRead()                           { r.p.cancelPendingRead() }
func (r pipeReader) Complete()                                    { r.p.completeReader() }

type pipeWriter struct{ p *Pipe }

func (w pipeWriter) Write(ctx context.Context, b []byte) (FlushResult, error) {
	return w.p.write(ctx, b)
}
func (w pipeWriter) CancelPendingFlush() { w.p.cancelPendingFlush() }
func (w pipeWriter) Complete(err error)  { w.p.completeWriter(err) }
