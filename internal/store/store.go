// Package store implements the external state store contract: a document
// store for SupervisorState, a FIFO task queue, and a key-value namespace for
// circuit breaker bookkeeping, all backed by the same Redis-like deployment
// (three logical databases: state, breaker, queue).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or the state document does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the external persistence contract the control loop depends on.
// It is satisfied by RedisStore in production and by MemStore in tests.
type Store interface {
	// GetState reads the supervisor:state document. Returns ErrNotFound if
	// it has never been initialized.
	GetState(ctx context.Context) ([]byte, error)
	// SetState atomically replaces the supervisor:state document.
	SetState(ctx context.Context, data []byte) error

	// Enqueue pushes a task document onto the tail of the tasks queue.
	Enqueue(ctx context.Context, data []byte) error
	// Dequeue pops a task document from the head of the tasks queue.
	// Returns ErrNotFound if the queue is empty.
	Dequeue(ctx context.Context) ([]byte, error)
	// QueueLen returns the number of tasks currently queued.
	QueueLen(ctx context.Context) (int64, error)
	// QueueSnapshot returns up to limit queued task documents without
	// removing them, head first.
	QueueSnapshot(ctx context.Context, limit int64) ([][]byte, error)

	// BreakerGet reads the circuit breaker record for a provider. Returns
	// ErrNotFound if no record exists (equivalent to CLOSED with no history).
	BreakerGet(ctx context.Context, provider string) ([]byte, error)
	// BreakerSet writes a circuit breaker record for a provider with a TTL.
	// A TTL of zero means no expiry.
	BreakerSet(ctx context.Context, provider string, data []byte, ttl time.Duration) error

	// Close releases any underlying connections.
	Close() error
}
