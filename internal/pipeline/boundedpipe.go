package pipeline

import (
	"context"
	"io"
	"sync"
)

// BoundedPipe is the bounded byte channel connecting two pipeline
// stages. It is a ring buffer behind an io.Reader/io.Writer pair: a
// full pipe blocks the writer, an empty pipe blocks the reader, and
// closing it unblocks both sides — structural backpressure between the
// compressor, encryptor, and splitter stages so a slow stage never
// needs an unbounded buffer upstream of it.
//
// Adapted from a BoundedQueue type using the same circular buffer plus
// sync.Cond shape for streaming data between an HTTP handler and a
// crypto layer.
type BoundedPipe struct {
	buffer []byte
	size int
	cap int
	pos int

	mu sync.Mutex
	notEmpty *sync.Cond
	notFull *sync.Cond

	closed bool
	closeErr error
	ctx context.Context
	cancel context.CancelFunc
}

// NewBoundedPipe creates a pipe with the given byte capacity.
func NewBoundedPipe(ctx context.Context, capacity int) *BoundedPipe {
	ctx, cancel := context.WithCancel(ctx)
	p := &BoundedPipe{
		buffer: make([]byte, capacity),
		cap: capacity,
		ctx: ctx,
		cancel: cancel,
	}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)
	// Wake any blocked Read/Write when ctx is cancelled so they can
	// observe ctx.Err(); CloseWithError also cancels ctx, ending this.
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		p.notEmpty.Broadcast()
		p.notFull.Broadcast()
		p.mu.Unlock()
	}()
	return p
}

// Write blocks until there is room for at least one byte, the pipe is
// closed, or the context is cancelled.
func (p *BoundedPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	written := 0
	for len(b) > 0 {
		for p.size == p.cap && !p.closed {
			if p.ctx.Err() != nil {
				return written, p.ctx.Err()
			}
			p.notFull.Wait()
		}
		if p.closed {
			if p.closeErr != nil {
				return written, p.closeErr
			}
			return written, io.ErrClosedPipe
		}

		avail := p.cap - p.size
		n := len(b)
		if n > avail {
			n = avail
		}
		end := (p.pos + p.size) % p.cap
		first := n
		if end+first > p.cap {
			first = p.cap - end
		}
		copy(p.buffer[end:], b[:first])
		if first < n {
			copy(p.buffer, b[first:n])
		}

		p.size += n
		written += n
		b = b[n:]
		p.notEmpty.Signal()
	}
	return written, nil
}

// Read blocks until at least one byte is available, EOF is reached (the
// pipe was closed with CloseWithError(nil) or Close and drained), or the
// context is cancelled.
func (p *BoundedPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.size == 0 && !p.closed {
		if p.ctx.Err() != nil {
			return 0, p.ctx.Err()
		}
		p.notEmpty.Wait()
	}
	if p.size == 0 && p.closed {
		if p.closeErr != nil {
			return 0, p.closeErr
		}
		return 0, io.EOF
	}

	n := len(b)
	if n > p.size {
		n = p.size
	}
	first := n
	if p.pos+first > p.cap {
		first = p.cap - p.pos
	}
	copy(b, p.buffer[p.pos:p.pos+first])
	if first < n {
		copy(b[first:], p.buffer[:n-first])
	}

	p.pos = (p.pos + n) % p.cap
	p.size -= n
	p.notFull.Signal()
	return n, nil
}

// Close signals EOF to readers once the buffer drains.
func (p *BoundedPipe) Close() error {
	return p.CloseWithError(nil)
}

// CloseWithError signals err (or io.EOF if nil) to readers once the
// buffer drains, and unblocks any writer immediately.
func (p *BoundedPipe) CloseWithError(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.closeErr = err
	p.cancel()
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
	return nil
}
