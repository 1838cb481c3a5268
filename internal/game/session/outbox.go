package session

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrOutboxClosed is returned by Push after Close.
	ErrOutboxClosed = errors.New("outbox closed")
	// ErrOutboxFull is returned when the subscriber is not draining fast enough.
	ErrOutboxFull = errors.New("outbox full")
)

// Outbox buffers encoded frames bound for one connection. Push never blocks:
// when the buffer is full the frame is dropped.
type Outbox struct {
	frames  chan []byte
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// NewOutbox creates an Outbox holding up to size frames.
//
// Postcondition: Returns an open Outbox; size <= 0 falls back to 64.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{frames: make(chan []byte, size)}
}

// Push enqueues a frame.
//
// Postcondition: The frame is buffered, or ErrOutboxClosed / ErrOutboxFull is returned.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOutboxClosed
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		o.dropped.Add(1)
		return ErrOutboxFull
	}
}

// Frames returns the channel the transport writer drains. It is closed by Close.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Dropped reports how many frames were discarded because the buffer was full.
func (o *Outbox) Dropped() uint64 {
	return o.dropped.Load()
}

// Close closes the frame channel. It is safe to call more than once.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// IsClosed reports whether Close has been called.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
