// Package redislock is a small Redis lease: SET NX PX to take it, Lua scripts
// to refresh and release it only while the caller's token still owns it. The
// worker uses it so that one check job is processed by one worker at a time.
package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"adcheck/obs"
)

const defaultTTL = 2 * time.Minute

type Client struct {
	rdb    *redis.Client
	prefix string
}

func New(rdb *redis.Client, prefix string) *Client {
	return &Client{
		rdb:    rdb,
		prefix: strings.TrimSpace(prefix),
	}
}

func (c *Client) Key(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if c == nil {
		return jobID
	}
	p := c.prefix
	if p == "" {
		p = "adc:lock:checkjob:"
	}
	return p + jobID
}

func Token() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func (c *Client) check(key, token string) error {
	if c == nil || c.rdb == nil {
		return errors.New("redis lock not initialized")
	}
	if key == "" || token == "" {
		return errors.New("lock key/token is empty")
	}
	return nil
}

func (c *Client) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	key, token = strings.TrimSpace(key), strings.TrimSpace(token)
	if err := c.check(key, token); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return c.rdb.SetNX(ctx, key, token, ttl).Result()
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

func (c *Client) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	key, token = strings.TrimSpace(key), strings.TrimSpace(token)
	if err := c.check(key, token); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	n, err := refreshScript.Run(ctx, c.rdb, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	// PEXPIRE returns 1 if timeout was set, 0 otherwise.
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (c *Client) Release(ctx context.Context, key, token string) (bool, error) {
	key, token = strings.TrimSpace(key), strings.TrimSpace(token)
	if err := c.check(key, token); err != nil {
		return false, err
	}
	n, err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Hold takes the lease for jobID and keeps refreshing it every ttl/3 until
// release is called. ok is false when another holder owns it.
func (c *Client) Hold(ctx context.Context, jobID string, ttl time.Duration) (release func(), ok bool, err error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	token, err := Token()
	if err != nil {
		return nil, false, err
	}
	key := c.Key(jobID)
	ok, err = c.Acquire(ctx, key, token, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}

	log := obs.Component(nil, "redislock").With("job_id", jobID)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepAlive(key, token, ttl, stop, log)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := c.Release(rctx, key, token); err != nil {
				log.Warn("lease release failed", "err", err)
			}
		})
	}, true, nil
}

func (c *Client) keepAlive(key, token string, ttl time.Duration, stop <-chan struct{}, log *slog.Logger) {
	t := time.NewTicker(max(ttl/3, 10*time.Millisecond))
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			ok, err := c.Refresh(ctx, key, token, ttl)
			cancel()
			if err != nil {
				log.Warn("lease refresh failed", "err", err)
			} else if !ok {
				log.Warn("lease lost")
				return
			}
		}
	}
}
