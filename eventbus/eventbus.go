// Package eventbus fans out per-job events from workers to the SSE handlers
// that stream them to clients.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"adcheck/obs"
)

// Event is one named message for a job. Type is the SSE event name.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent marshals payload into an Event.
func NewEvent(typ string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Data: b}, nil
}

type Subscription interface {
	Events() <-chan Event
	Close() error
}

type Bus interface {
	Publish(ctx context.Context, jobID string, ev Event) error
	// Subscribe returns once the subscription is live; events published after
	// it returns are delivered.
	Subscribe(ctx context.Context, jobID string) (Subscription, error)
}

const subscriberBuffer = 32

type Memory struct {
	mu   sync.Mutex
	subs map[string]map[*memorySub]struct{}
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	bus   *Memory
	jobID string
	ch    chan Event
	once  sync.Once
}

func (s *memorySub) Events() <-chan Event { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.jobID], s)
		if len(s.bus.subs[s.jobID]) == 0 {
			delete(s.bus.subs, s.jobID)
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (m *Memory) Subscribe(_ context.Context, jobID string) (Subscription, error) {
	s := &memorySub{bus: m, jobID: jobID, ch: make(chan Event, subscriberBuffer)}
	m.mu.Lock()
	if m.subs[jobID] == nil {
		m.subs[jobID] = make(map[*memorySub]struct{})
	}
	m.subs[jobID][s] = struct{}{}
	m.mu.Unlock()
	return s, nil
}

// Publish never blocks; a subscriber whose buffer is full misses the event.
func (m *Memory) Publish(_ context.Context, jobID string, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs[jobID] {
		select {
		case s.ch <- ev:
		default:
			obs.Component(nil, "eventbus").Warn("subscriber slow, event dropped", "job_id", jobID, "type", ev.Type)
		}
	}
	return nil
}

type Redis struct {
	rdb    *redis.Client
	prefix string
	log    *slog.Logger
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "adc:checkevents:"
	}
	return &Redis{rdb: rdb, prefix: prefix, log: obs.Component(nil, "eventbus")}
}

func (r *Redis) channel(jobID string) string { return r.prefix + strings.TrimSpace(jobID) }

func (r *Redis) Publish(ctx context.Context, jobID string, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel(jobID), b).Err()
}

func (r *Redis) Subscribe(ctx context.Context, jobID string) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, r.channel(jobID))
	// Wait for the subscribe confirmation so nothing published afterwards is lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", jobID, err)
	}
	s := &redisSub{ps: ps, ch: make(chan Event, subscriberBuffer), done: make(chan struct{})}
	go s.pump(r.log.With("job_id", jobID))
	return s, nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *redisSub) Events() <-chan Event { return s.ch }

func (s *redisSub) pump(log *slog.Logger) {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Warn("bad event payload", "err", err)
			continue
		}
		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
