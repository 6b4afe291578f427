package session

import (
	"errors"
	"sync"
)

var (
	// ErrOutboxClosed is returned by Push after the outbox was closed.
	ErrOutboxClosed = errors.New("outbox closed")
	// ErrOutboxFull is returned by the Push that overflowed the outbox. The
	// outbox is closed by that Push.
	ErrOutboxFull = errors.New("outbox overflowed")
)

// Outbox is a connection's outbound frame queue. The lobby pushes encoded
// deltas into it and the transport writer drains Frames; closing it is how the
// server disconnects a connection.
//
// Replication is delta-based, so a dropped frame would leave the client's view
// permanently stale. An outbox that cannot take a frame therefore closes
// itself instead of dropping it, and the connection must be removed.
type Outbox struct {
	id     ConnectionID
	frames chan []byte

	mu         sync.Mutex
	closed     bool
	overflowed bool
}

// NewOutbox creates an Outbox for the given connection.
//
// Postcondition: Returns an open Outbox holding up to bufferSize frames (64 when bufferSize <= 0).
func NewOutbox(id ConnectionID, bufferSize int) *Outbox {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Outbox{
		id:     id,
		frames: make(chan []byte, bufferSize),
	}
}

// ID returns the owning connection's identifier.
func (o *Outbox) ID() ConnectionID { return o.id }

// Push enqueues a frame without blocking.
//
// Postcondition: Returns ErrOutboxClosed if already closed. Returns
// ErrOutboxFull, and closes the outbox, if the buffer is full; frames queued
// before the overflow are still delivered.
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
	}
	o.overflowed = true
	o.closeLocked()
	return ErrOutboxFull
}

// Frames returns the frame channel; it is closed when the outbox closes.
func (o *Outbox) Frames() <-chan []byte { return o.frames }

// Close closes the outbox. Idempotent.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()
	return nil
}

func (o *Outbox) closeLocked() {
	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// IsClosed reports whether the outbox has been closed.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Overflowed reports whether the outbox was closed because a frame did not fit.
func (o *Outbox) Overflowed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.overflowed
}
