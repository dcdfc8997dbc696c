// Package queue is the at-least-once delivery channel carrying batch
// references to the consumer. The broker contract is deliberately narrow:
// delayed enqueue, long-poll receive with a visibility timeout, explicit
// delete. Everything else (retry counting, ordering, dead-lettering) is the
// consumer's business.
package queue

import (
	"context"
	"time"
)

// Body is the broker-visible payload. The retry count is tracked by the
// consumer and carried in the body on requeue so the engine stays
// broker-agnostic.
type Body struct {
	ProjectID  string `json:"projectId"`
	WriterID   string `json:"writerId"`
	BatchID    int64  `json:"batchId"`
	RetryCount int    `json:"retryCount,omitempty"`
}

// Message is one delivery. The ID is delivery-scoped, not a domain id.
type Message struct {
	ID   string
	Body Body
}

type Queue interface {
	// Enqueue publishes a body. The delay is a lower bound: the message must
	// not be delivered before it elapses, but may be delivered later.
	Enqueue(ctx context.Context, body Body, delay time.Duration) (string, error)

	// Receive returns up to maxMessages messages, waiting up to maxWait for
	// the first one. A received message stays invisible to other consumers
	// until it is deleted or its visibility timeout lapses.
	Receive(ctx context.Context, maxMessages int, maxWait time.Duration) ([]Message, error)

	// Delete acknowledges a received message. Deleting an already deleted
	// message is a no-op.
	Delete(ctx context.Context, msg Message) error
}
