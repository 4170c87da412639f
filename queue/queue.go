// Package queue hands accepted connections from the acceptor to the workers.
package queue

import (
	"context"
	"errors"
	"net"
	"sync"
)

// ErrClosed is returned by Push and Pop once the queue has been closed.
var ErrClosed = errors.New("connection queue closed")

// Queue is a bounded FIFO of connections.
// Push blocks while the queue is full and Pop blocks while it is empty.
// It is safe for any number of producers and consumers.
type Queue struct {
	slots     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		slots: make(chan net.Conn, capacity),
		done:  make(chan struct{}),
	}
}

// Push enqueues conn, waiting for a free slot.
// It returns ErrClosed if the queue is or gets closed while waiting,
// and the context error if ctx ends first. Either way conn was not enqueued.
func (q *Queue) Push(ctx context.Context, conn net.Conn) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.slots <- conn:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the oldest connection, waiting for one to arrive.
// Once the queue is closed, pending and future calls return ErrClosed,
// even if connections are still queued; collect those with Drain.
func (q *Queue) Pop(ctx context.Context) (net.Conn, error) {
	select {
	case <-q.done:
		return nil, ErrClosed
	default:
	}
	select {
	case conn := <-q.slots:
		return conn, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close wakes every blocked Push and Pop. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// Drain removes and returns whatever is still queued without blocking.
func (q *Queue) Drain() []net.Conn {
	conns := make([]net.Conn, 0, len(q.slots))
	for {
		select {
		case conn := <-q.slots:
			conns = append(conns, conn)
		default:
			return conns
		}
	}
}

// Len is the number of queued connections.
func (q *Queue) Len() int {
	return len(q.slots)
}

// Cap is the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.slots)
}
