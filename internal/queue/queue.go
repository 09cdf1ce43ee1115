// Package queue is the in-process event queue between watchers, the
// scheduler and the orchestrator. Durability comes from the sources, not
// the queue: watcher cursors advance only on ack, and timers live in the
// store, so a crash replays unacked work from the outside in.
package queue

import (
	"context"
	"errors"

	"github.com/garyjia/invoice-orchestrator/internal/domain/event"
)

// ErrClosed is returned when pushing to a closed queue.
var ErrClosed = errors.New("queue closed")

// Envelope pairs an event with an acknowledgement callback. Ack runs
// after the orchestrator has durably committed the transition; producers
// use it to advance their cursors.
type Envelope struct {
	Event *event.Event
	Ack   func()
}

// Queue is a bounded FIFO of event envelopes.
type Queue struct {
	ch     chan Envelope
	closed chan struct{}
}

// New creates a queue with the given buffer size.
func New(size int) *Queue {
	return &Queue{
		ch:     make(chan Envelope, size),
		closed: make(chan struct{}),
	}
}

// Push enqueues an envelope, blocking while the buffer is full.
func (q *Queue) Push(ctx context.Context, env Envelope) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	select {
	case q.ch <- env:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushEvent enqueues an event without an ack callback.
func (q *Queue) PushEvent(ctx context.Context, evt *event.Event) error {
	return q.Push(ctx, Envelope{Event: evt})
}

// C exposes the receive side for the orchestrator's consumption loop.
func (q *Queue) C() <-chan Envelope {
	return q.ch
}

// Close stops accepting new envelopes.
func (q *Queue) Close() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}
