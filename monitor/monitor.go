// Package monitor watches one job through two independent channels, the
// service's push stream and a fixed-interval poll, and merges them into a
// single event sequence in which only the first terminal event survives.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"adcheck/domain"
	"adcheck/handles"
	"adcheck/jobapi"
	"adcheck/obs"
)

// DegradedMessage is the status shown once the push channel is lost and only
// polling remains.
const DegradedMessage = "live updates interrupted, checking status periodically"

// Service is the part of the job service the monitor reads from.
type Service interface {
	Fetch(ctx context.Context, id string) (*domain.JobRecord, error)
	OpenEvents(ctx context.Context, id string) (*jobapi.Stream, error)
}

type Monitor struct {
	svc Service
	log *slog.Logger
}

func New(svc Service, log *slog.Logger) *Monitor {
	return &Monitor{svc: svc, log: obs.Component(log, "monitor")}
}

// Open starts both channels for serverID and returns the merged events. The
// push stream and poll ticker are attached to b; closing b (or cancelling ctx)
// stops both adapters, after which the returned channel is closed.
//
// Events from one channel keep their order. At most one terminal event is
// ever delivered; later ones are counted and dropped.
func (m *Monitor) Open(ctx context.Context, serverID string, interval time.Duration, b *handles.Bundle) <-chan domain.JobEvent {
	raw := make(chan domain.JobEvent, 8)
	out := make(chan domain.JobEvent, 8)
	log := m.log.With("job_id", b.JobID(), "server_id", serverID)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-b.Done():
		case <-ctx.Done():
		}
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.runPush(ctx, serverID, b, raw, log.With("source", domain.SourcePush))
	}()
	go func() {
		defer wg.Done()
		m.runPoll(ctx, serverID, interval, b, raw, log.With("source", domain.SourcePoll))
	}()
	go func() {
		wg.Wait()
		close(raw)
	}()

	go arbitrate(ctx, raw, out, log)
	return out
}

// arbitrate forwards raw events until the first terminal one; everything after
// that is discarded. It closes out once both adapters have stopped.
func arbitrate(ctx context.Context, raw <-chan domain.JobEvent, out chan<- domain.JobEvent, log *slog.Logger) {
	defer close(out)
	delivered := false
	for ev := range raw {
		if delivered {
			if ev.Terminal() {
				obs.RecordMonitorDiscard(string(ev.Source), "late_terminal")
				log.Info("terminal event discarded, job already settled", "source", ev.Source, "kind", ev.Kind)
			} else {
				obs.RecordMonitorDiscard(string(ev.Source), "after_terminal")
			}
			continue
		}
		select {
		case out <- ev:
			delivered = ev.Terminal()
		case <-ctx.Done():
			obs.RecordMonitorDiscard(string(ev.Source), "closed")
		}
	}
}

func send(ctx context.Context, raw chan<- domain.JobEvent, ev domain.JobEvent) bool {
	select {
	case raw <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Monitor) runPush(ctx context.Context, serverID string, b *handles.Bundle, raw chan<- domain.JobEvent, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("push adapter panicked", "panic", fmt.Sprint(r))
			degrade(ctx, raw)
		}
	}()

	stream, err := m.svc.OpenEvents(ctx, serverID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("push channel unavailable", "err", err)
		degrade(ctx, raw)
		return
	}
	if err := b.AttachPush(stream); err != nil {
		// Bundle closed while connecting; AttachPush already released the stream.
		if !errors.Is(err, handles.ErrClosed) {
			_ = stream.Close()
			log.Warn("push handle rejected", "err", err)
		}
		return
	}

	for {
		f, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil || b.Closed() {
				return
			}
			if errors.Is(err, io.EOF) {
				log.Warn("push channel ended before a terminal event")
			} else {
				log.Warn("push channel lost", "err", err)
			}
			degrade(ctx, raw)
			return
		}
		ev, err := jobapi.DecodeEvent(f)
		if err != nil {
			log.Warn("push message ignored", "err", err)
			continue
		}
		if ev.Kind == domain.EventHeartbeat {
			continue
		}
		if !send(ctx, raw, ev) || ev.Terminal() {
			return
		}
	}
}

func degrade(ctx context.Context, raw chan<- domain.JobEvent) {
	send(ctx, raw, domain.JobEvent{
		Kind:     domain.EventProgress,
		Source:   domain.SourcePush,
		Message:  DegradedMessage,
		Degraded: true,
	})
}

func (m *Monitor) runPoll(ctx context.Context, serverID string, interval time.Duration, b *handles.Bundle, raw chan<- domain.JobEvent, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("poll adapter panicked", "panic", fmt.Sprint(r))
		}
	}()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	if err := b.AttachPoll(ticker); err != nil {
		if !errors.Is(err, handles.ErrClosed) {
			ticker.Stop()
			log.Warn("poll handle rejected", "err", err)
		}
		return
	}

	// Progress is only reported when the status changes, so repeated ticks do
	// not overwrite richer messages from the push channel.
	var last domain.CheckJobStatus
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rec, err := m.svc.Fetch(ctx, serverID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Retried on the next tick.
			log.Warn("poll fetch failed", "err", err)
			continue
		}
		ev, ok := eventFromRecord(rec)
		if !ok {
			log.Warn("poll record has unknown status", "status", rec.Status)
			continue
		}
		if !ev.Terminal() && rec.Status == last {
			continue
		}
		last = rec.Status
		if !send(ctx, raw, ev) || ev.Terminal() {
			return
		}
	}
}

func eventFromRecord(rec *domain.JobRecord) (domain.JobEvent, bool) {
	ev := domain.JobEvent{Source: domain.SourcePoll}
	switch rec.Status {
	case domain.CheckJobStatusQueued:
		ev.Kind = domain.EventProgress
		ev.Message = "waiting in queue"
	case domain.CheckJobStatusProcessing:
		ev.Kind = domain.EventProgress
		ev.Message = "processing"
	case domain.CheckJobStatusCompleted:
		ev.Kind = domain.EventComplete
		ev.Result = rec.Result()
	case domain.CheckJobStatusFailed:
		ev.Kind = domain.EventError
		ev.Err = rec.ErrorMessage
		if ev.Err == "" {
			ev.Err = "check failed"
		}
	case domain.CheckJobStatusCancelled:
		ev.Kind = domain.EventError
		ev.Err = "cancelled on the server"
	default:
		return domain.JobEvent{}, false
	}
	return ev, true
}
