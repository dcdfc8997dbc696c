package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue with the same delivery semantics as the
// Redis implementation. It backs tests and single-node development setups.
type MemoryQueue struct {
	mu sync.Mutex

	ready    []string
	delayed  map[string]time.Time
	inflight map[string]time.Time
	bodies   map[string]Body

	visibilityTimeout time.Duration
	now               func() time.Time
}

type MemoryOpt func(*MemoryQueue)

func WithVisibilityTimeout(timeout time.Duration) MemoryOpt {
	return func(q *MemoryQueue) {
		q.visibilityTimeout = timeout
	}
}

func WithClock(now func() time.Time) MemoryOpt {
	return func(q *MemoryQueue) {
		q.now = now
	}
}

func NewMemoryQueue(opts ...MemoryOpt) *MemoryQueue {
	q := &MemoryQueue{
		delayed:           make(map[string]time.Time),
		inflight:          make(map[string]time.Time),
		bodies:            make(map[string]Body),
		visibilityTimeout: 5 * time.Minute,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, body Body, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.NewString()
	q.bodies[id] = body
	if delay > 0 {
		q.delayed[id] = q.now().Add(delay)
	} else {
		q.ready = append(q.ready, id)
	}
	return id, nil
}

func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, maxWait time.Duration) ([]Message, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}

	deadline := q.now().Add(maxWait)
	for {
		if messages := q.pop(maxMessages); len(messages) > 0 {
			return messages, nil
		}
		if !q.now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) pop(maxMessages int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()

	for id, due := range q.delayed {
		if !due.After(now) {
			delete(q.delayed, id)
			q.ready = append(q.ready, id)
		}
	}
	for id, visibleAgain := range q.inflight {
		if !visibleAgain.After(now) {
			delete(q.inflight, id)
			q.ready = append(q.ready, id)
		}
	}

	var messages []Message
	for len(q.ready) > 0 && len(messages) < maxMessages {
		id := q.ready[0]
		q.ready = q.ready[1:]

		body, ok := q.bodies[id]
		if !ok {
			continue
		}
		q.inflight[id] = now.Add(q.visibilityTimeout)
		messages = append(messages, Message{ID: id, Body: body})
	}
	return messages
}

func (q *MemoryQueue) Delete(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, msg.ID)
	delete(q.bodies, msg.ID)
	return nil
}

// Size reports the number of undeleted messages, for tests.
func (q *MemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bodies)
}
