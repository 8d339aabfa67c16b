package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	id         string
	job        Job
	attempts   int
	leaseUntil time.Time
}

// MemoryQueue is an in-process Queue with the same lease semantics as the
// SQLite queue. Jobs do not survive the process.
type MemoryQueue struct {
	cfg    Config
	now    func() time.Time
	mu     sync.Mutex
	ready  []*memoryEntry
	leased map[string]*memoryEntry
	notify chan struct{}
	closed bool
	done   chan struct{}
}

func NewMemoryQueue(cfg Config) *MemoryQueue {
	return &MemoryQueue{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		leased: make(map[string]*memoryEntry),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	// Round-trip through the codec so memory and SQLite see identical jobs.
	raw, err := encodeJob(job)
	if err != nil {
		return "", err
	}
	copied, err := decodeJob(raw)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	entry := &memoryEntry{id: uuid.NewString(), job: copied}
	q.ready = append(q.ready, entry)
	q.mu.Unlock()
	q.wake()
	return entry.id, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Delivery{}, ErrQueueClosed
		}
		q.reclaimExpiredLocked()
		if len(q.ready) > 0 {
			entry := q.ready[0]
			q.ready = q.ready[1:]
			entry.attempts++
			entry.leaseUntil = q.now().Add(q.cfg.Lease)
			q.leased[entry.id] = entry
			q.mu.Unlock()
			return Delivery{ID: entry.id, Job: entry.job, Attempt: entry.attempts}, nil
		}
		q.mu.Unlock()

		timer := time.NewTimer(q.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Delivery{}, ctx.Err()
		case <-q.done:
			timer.Stop()
			return Delivery{}, ErrQueueClosed
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, deliveryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.leased[deliveryID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, deliveryID)
	}
	delete(q.leased, deliveryID)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, deliveryID string) error {
	q.mu.Lock()
	entry, ok := q.leased[deliveryID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, deliveryID)
	}
	delete(q.leased, deliveryID)
	entry.leaseUntil = time.Time{}
	q.ready = append(q.ready, entry)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}

// Pending reports ready plus leased jobs.
func (q *MemoryQueue) Pending(context.Context) (int, error) {
	return q.Len(), nil
}

// Len reports ready plus leased jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.leased)
}

func (q *MemoryQueue) reclaimExpiredLocked() {
	now := q.now()
	for id, entry := range q.leased {
		if now.After(entry.leaseUntil) {
			delete(q.leased, id)
			q.ready = append(q.ready, entry)
		}
	}
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
