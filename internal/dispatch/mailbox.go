// Package dispatch bridges producer goroutines into a single consumer loop.
package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("dispatch: mailbox closed")

// Mailbox is an unbounded FIFO with any number of producers and one
// consumer. Push never blocks; messages pushed before Run starts are
// buffered until it does.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	signal chan struct{} // cap 1, set when queue goes non-empty
}

// NewMailbox creates an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{signal: make(chan struct{}, 1)}
}

// Push appends msg. It only fails after Close.
func (m *Mailbox[T]) Push(msg T) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of queued messages.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close stops accepting messages. Already queued messages are still
// drained by Run.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// drain takes the whole queue.
func (m *Mailbox[T]) drain() (batch []T, closed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch = m.queue
	m.queue = nil
	return batch, m.closed
}

// Run calls fn for every message in push order until ctx is done, or until
// the mailbox is closed and empty. Only one Run may be active.
func (m *Mailbox[T]) Run(ctx context.Context, fn func(T)) error {
	for {
		batch, closed := m.drain()
		for i, msg := range batch {
			if err := ctx.Err(); err != nil {
				m.requeue(batch[i:])
				return err
			}
			fn(msg)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.signal:
		}
	}
}

// requeue puts unprocessed messages back at the front.
func (m *Mailbox[T]) requeue(rest []T) {
	m.mu.Lock()
	m.queue = append(append([]T(nil), rest...), m.queue...)
	m.mu.Unlock()
}
