package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job asks a worker to advance one feedback record through the
// processing pipeline. The record itself stays in Postgres; the queue
// carries only the reference.
type Job struct {
	FeedbackID uuid.UUID `json:"feedback_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
	Close() error
}
