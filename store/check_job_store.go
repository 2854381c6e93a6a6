package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"adcheck/domain"
	"adcheck/obs"
)

// CheckJobStore is the shared state store for check jobs. The API process and
// every worker read and write the same records through it.
type CheckJobStore interface {
	Create(ctx context.Context, job *domain.CheckJob) error
	Get(ctx context.Context, id string) (*domain.CheckJob, bool, error)
	// Update applies fn to the current record and stores the result atomically.
	// The bool is false when the job does not exist.
	Update(ctx context.Context, id string, fn func(j *domain.CheckJob)) (*domain.CheckJob, bool, error)
}

var ErrExists = errors.New("check job already exists")

func cloneJob(j *domain.CheckJob) *domain.CheckJob {
	cp := *j
	cp.Violations = append([]domain.Violation(nil), j.Violations...)
	return &cp
}

type InMemoryCheckJobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.CheckJob
}

func NewInMemoryCheckJobStore() *InMemoryCheckJobStore {
	return &InMemoryCheckJobStore{jobs: make(map[string]*domain.CheckJob)}
}

func (s *InMemoryCheckJobStore) Create(_ context.Context, job *domain.CheckJob) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return errors.New("job id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrExists
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *InMemoryCheckJobStore) Get(_ context.Context, id string) (*domain.CheckJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j == nil {
		return nil, false, nil
	}
	// Copies keep callers from mutating shared state outside the lock.
	return cloneJob(j), true, nil
}

func (s *InMemoryCheckJobStore) Update(_ context.Context, id string, fn func(j *domain.CheckJob)) (*domain.CheckJob, bool, error) {
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, nil
	}
	fn(j)
	return cloneJob(j), true, nil
}

type RedisCheckJobStore struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisCheckJobStore pings rdb before returning.
func NewRedisCheckJobStore(ctx context.Context, rdb *redis.Client, ttl time.Duration) (*RedisCheckJobStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	obs.Component(nil, "store").Info("check job store: redis enabled", "addr", rdb.Options().Addr, "db", rdb.Options().DB, "ttl", ttl.String())
	return &RedisCheckJobStore{
		rdb:       rdb,
		keyPrefix: "adc:checkjob:",
		ttl:       ttl,
	}, nil
}

func (s *RedisCheckJobStore) key(id string) string {
	return s.keyPrefix + strings.TrimSpace(id)
}

func (s *RedisCheckJobStore) Create(ctx context.Context, job *domain.CheckJob) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return errors.New("job id is empty")
	}
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ok, err := s.rdb.SetNX(ctx, s.key(job.ID), b, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisCheckJobStore) Get(ctx context.Context, id string) (*domain.CheckJob, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	val, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var j domain.CheckJob
	if err := json.Unmarshal(val, &j); err != nil {
		return nil, false, err
	}
	return &j, true, nil
}

func (s *RedisCheckJobStore) Update(ctx context.Context, id string, fn func(j *domain.CheckJob)) (*domain.CheckJob, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}

	key := s.key(id)

	var out *domain.CheckJob
	var ok bool

	ctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				ok = false
				out = nil
				return nil
			}
			if err != nil {
				return err
			}
			var j domain.CheckJob
			if err := json.Unmarshal(val, &j); err != nil {
				return err
			}
			fn(&j)
			out = &j
			ok = true

			nb, err := json.Marshal(&j)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, s.ttl)
				return nil
			})
			return err
		}, key)

		if err == nil {
			return out, ok, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}

	return nil, false, errors.New("redis update retry exceeded")
}
