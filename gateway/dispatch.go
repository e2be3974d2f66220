package gateway

import (
	"context"
	"errors"
	"sync/atomic"
)

var errQueueFull = errors.New("queue full")

// serialQueue runs submitted jobs one at a time, in submission order, on a
// single goroutine. Submit never blocks.
type serialQueue struct {
	jobs chan func(context.Context)

	submitted atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
}

func newSerialQueue(depth int) *serialQueue {
	if depth <= 0 {
		depth = 64
	}

	return &serialQueue{jobs: make(chan func(context.Context), depth)}
}

func (q *serialQueue) submit(job func(context.Context)) error {
	select {
	case q.jobs <- job:
		q.submitted.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		return errQueueFull
	}
}

// run processes jobs until ctx is done. Jobs still queued at that point are
// abandoned.
func (q *serialQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			job(ctx)
			q.processed.Add(1)
		}
	}
}

// QueueStats describes one host's command queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Submitted int64 `json:"submitted"`
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
}

func (q *serialQueue) stats() QueueStats {
	return QueueStats{
		Pending:   len(q.jobs),
		Submitted: q.submitted.Load(),
		Processed: q.processed.Load(),
		Dropped:   q.dropped.Load(),
	}
}
