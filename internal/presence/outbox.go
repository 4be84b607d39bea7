package presence

import (
	"fmt"
	"sync"

	"github.com/cory-johannsen/cloudtown/internal/session"
)

// Outbox is the bounded queue of encoded frames waiting to be written to one
// connection. The transport's writer goroutine drains Frames.
type Outbox struct {
	id     session.ConnID
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for the given connection.
//
// Precondition: id must be non-empty.
// Postcondition: Returns an open Outbox; bufferSize <= 0 selects 64.
func NewOutbox(id session.ConnID, bufferSize int) *Outbox {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Outbox{
		id:     id,
		frames: make(chan []byte, bufferSize),
	}
}

// ID returns the connection handle.
func (o *Outbox) ID() session.ConnID {
	return o.id
}

// Push enqueues a frame without blocking.
//
// Postcondition: The frame is queued, or an error is returned if the outbox
// is closed or full.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("outbox %s is closed", o.id)
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		return fmt.Errorf("outbox %s buffer full", o.id)
	}
}

// Frames returns the read side of the queue. It is closed by Close.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Close marks the outbox closed and closes the frame channel. Idempotent.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
	return nil
}

// IsClosed reports whether the outbox has been closed.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
