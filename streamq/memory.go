package streamq

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"adcheck/obs"
)

// MemoryQueue is the single-process queue used when no Redis is configured.
// Failed non-terminal jobs are logged and dropped.
type MemoryQueue struct {
	ch       chan string
	inFlight atomic.Int64
	concur   int
	log      *slog.Logger
}

func NewMemoryQueue(size, concurrency int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &MemoryQueue{
		ch:     make(chan string, size),
		concur: concurrency,
		log:    obs.Component(nil, "streamq").With("consumer", "memory"),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return errors.New("job id is empty")
	}
	select {
	case q.ch <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("memory queue is full")
	}
}

func (q *MemoryQueue) Stats(context.Context) (Stats, error) {
	return Stats{Waiting: int64(len(q.ch)), InFlight: q.inFlight.Load()}, nil
}

// ConsumeLoop runs handler on up to concurrency jobs at a time until ctx is
// done, then waits for running handlers.
func (q *MemoryQueue) ConsumeLoop(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler is nil")
	}
	var wg sync.WaitGroup
	defer wg.Wait()
	sem := make(chan struct{}, q.concur)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sem <- struct{}{}:
		}
		var id string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id = <-q.ch:
		}
		q.inFlight.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer q.inFlight.Add(-1)
			if err := runHandler(ctx, handler, id, q.log); err != nil && !IsTerminal(err) {
				q.log.Warn("handler non-terminal error, dropping", "job_id", id, "err", err)
			}
		}()
	}
}
