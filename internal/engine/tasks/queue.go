package tasks

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Delivery is a dequeued task. It stays pending until acked.
type Delivery struct {
	Task    Task
	Receipt string
}

// Queue is an at-least-once task queue. A task is not handed out before its
// NotBefore time. Deliveries that are never acked may be redelivered.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	// Dequeue blocks until a task is ready or ctx is done.
	Dequeue(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Close() error
}

// MemoryQueue is a process-local Queue.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []Task
	inflight map[string]Task
	wake     chan struct{}
	seq      int
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{inflight: make(map[string]Task), wake: make(chan struct{})}
}

func (q *MemoryQueue) Enqueue(_ context.Context, t Task) error {
	q.mu.Lock()
	q.pending = append(q.pending, t)
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		now := time.Now()
		wait := time.Duration(-1)
		for i, t := range q.pending {
			if !t.NotBefore.After(now) {
				q.pending = slices.Delete(q.pending, i, i+1)
				q.seq++
				receipt := strconv.Itoa(q.seq)
				q.inflight[receipt] = t
				q.mu.Unlock()
				return Delivery{Task: t, Receipt: receipt}, nil
			}
			if d := t.NotBefore.Sub(now); wait < 0 || d < wait {
				wait = d
			}
		}
		wake := q.wake
		q.mu.Unlock()

		var timer *time.Timer
		var fire <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return Delivery{}, ctx.Err()
		case <-wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.Receipt)
	return nil
}

func (q *MemoryQueue) Close() error { return nil }

// Len returns the number of queued and unacked tasks.
func (q *MemoryQueue) Len() (queued, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.inflight)
}
