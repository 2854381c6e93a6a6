// Package streamq carries check job ids from the API to the workers over a
// Redis stream consumer group, or over an in-process queue when Redis is not
// configured.
package streamq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"adcheck/obs"
)

// TerminalError marks an error as terminal: the message is ACKed even though
// the handler failed. Failed jobs are recorded in the job store and are not
// retried automatically.
type TerminalError struct{ Err error }

func (e TerminalError) Error() string {
	if e.Err == nil {
		return "terminal"
	}
	return e.Err.Error()
}

func (e TerminalError) Unwrap() error { return e.Err }

func Terminal(err error) error { return TerminalError{Err: err} }

func IsTerminal(err error) bool {
	var te TerminalError
	return errors.As(err, &te)
}

// Stats is a point-in-time view of the queue: ids not yet handed to a worker,
// and ids a worker has taken but not finished.
type Stats struct {
	Waiting  int64
	InFlight int64
}

type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Stats(ctx context.Context) (Stats, error)
}

type Handler func(ctx context.Context, jobID string) error

type RedisStreamQueue struct {
	rdb    *redis.Client
	stream string
	group  string
	maxLen int64
}

func NewRedisStreamQueue(rdb *redis.Client, stream, group string, maxLen int64) *RedisStreamQueue {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisStreamQueue{
		rdb:    rdb,
		stream: strings.TrimSpace(stream),
		group:  strings.TrimSpace(group),
		maxLen: maxLen,
	}
}

func (q *RedisStreamQueue) Enqueue(ctx context.Context, jobID string) error {
	if q == nil || q.rdb == nil {
		return errors.New("redis stream queue not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return errors.New("job id is empty")
	}
	if q.stream == "" {
		return errors.New("stream key is empty")
	}
	args := &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"jobId": jobID,
		},
	}
	return q.rdb.XAdd(ctx, args).Err()
}

func (q *RedisStreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil || q.rdb == nil {
		return errors.New("redis stream queue not initialized")
	}
	if q.stream == "" || q.group == "" {
		return errors.New("stream/group is empty")
	}
	// MKSTREAM: create stream automatically if it doesn't exist.
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err == nil {
		return nil
	}
	// BUSYGROUP means already exists.
	if strings.Contains(strings.ToLower(err.Error()), "busygroup") {
		return nil
	}
	return err
}

// Stats relies on consumers deleting entries once acknowledged, so the stream
// length is waiting plus in-flight.
func (q *RedisStreamQueue) Stats(ctx context.Context) (Stats, error) {
	length, err := q.rdb.XLen(ctx, q.stream).Result()
	if err != nil {
		return Stats{}, err
	}
	pending, err := q.rdb.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "nogroup") {
			return Stats{Waiting: length}, nil
		}
		return Stats{}, err
	}
	return Stats{Waiting: max(length-pending.Count, 0), InFlight: pending.Count}, nil
}

type Consumer struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	count    int64
	concur   chan struct{}
	log      *slog.Logger

	// Pending handling (XAUTOCLAIM).
	claimMinIdle    time.Duration
	claimCount      int64
	claimStart      string
	claimEvery      time.Duration
	lastClaimedTime time.Time
}

func NewConsumer(rdb *redis.Client, stream, group, consumer string) *Consumer {
	c := strings.TrimSpace(consumer)
	if c == "" {
		c = "c-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return &Consumer{
		rdb:      rdb,
		stream:   strings.TrimSpace(stream),
		group:    strings.TrimSpace(group),
		consumer: c,
		block:    10 * time.Second,
		count:    10,
		log:      obs.Component(nil, "streamq").With("consumer", c),

		claimMinIdle: 30 * time.Second,
		claimCount:   50,
		claimStart:   "0-0",
		claimEvery:   3 * time.Second,
	}
}

// SetConcurrency sets the max concurrent handler goroutines.
// n<=1 means run sequentially.
func (c *Consumer) SetConcurrency(n int) {
	if c == nil {
		return
	}
	if n <= 1 {
		c.concur = nil
		return
	}
	c.concur = make(chan struct{}, n)
}

// SetBlock changes how long one XREADGROUP waits for new entries.
func (c *Consumer) SetBlock(d time.Duration) {
	if d > 0 {
		c.block = d
	}
}

func (c *Consumer) ConsumeLoop(ctx context.Context, handler Handler) error {
	if c == nil || c.rdb == nil {
		return errors.New("consumer not initialized")
	}
	if c.stream == "" || c.group == "" {
		return errors.New("stream/group is empty")
	}
	if handler == nil {
		return errors.New("handler is nil")
	}
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Best-effort: auto-claim pending messages (worker crash/restart).
		c.maybeAutoClaim(ctx, handler, &wg)

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    c.count,
			Block:    c.block,
			NoAck:    false,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// transient network issue: keep looping
			c.log.Warn("stream consume error", "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				c.dispatch(ctx, handler, msg, &wg)
			}
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, handler Handler, msg redis.XMessage, wg *sync.WaitGroup) {
	if c.concur == nil {
		c.handleOne(ctx, handler, msg)
		return
	}
	c.concur <- struct{}{}
	wg.Add(1)
	go func(m redis.XMessage) {
		defer wg.Done()
		defer func() { <-c.concur }()
		c.handleOne(ctx, handler, m)
	}(msg)
}

// ack acknowledges and deletes the entry; Stats depends on acknowledged
// entries leaving the stream.
func (c *Consumer) ack(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	if err := c.rdb.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		return err
	}
	return c.rdb.XDel(ctx, c.stream, id).Err()
}

func (c *Consumer) handleOne(ctx context.Context, handler Handler, msg redis.XMessage) {
	jobID, ok := msg.Values["jobId"]
	if !ok {
		_ = c.ack(ctx, msg.ID)
		return
	}
	jid := strings.TrimSpace(fmt.Sprintf("%v", jobID))
	if jid == "" {
		_ = c.ack(ctx, msg.ID)
		return
	}

	err := runHandler(ctx, handler, jid, c.log.With("msg_id", msg.ID))

	// ACK rules:
	// - nil or Terminal(err): always ACK
	// - otherwise: keep pending (will be auto-claimed later)
	if err == nil || IsTerminal(err) {
		if aerr := c.ack(ctx, msg.ID); aerr != nil {
			c.log.Warn("ack failed", "msg_id", msg.ID, "job_id", jid, "err", aerr)
		}
	} else {
		c.log.Warn("handler non-terminal error, keeping pending", "msg_id", msg.ID, "job_id", jid, "err", err)
	}
}

func runHandler(ctx context.Context, handler Handler, jobID string, log *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panic", "job_id", jobID, "panic", fmt.Sprint(r))
			// A panic is terminal so a poison message cannot hot-loop; the handler
			// persists the job status itself.
			err = Terminal(fmt.Errorf("panic: %v", r))
		}
	}()
	return handler(ctx, jobID)
}

func (c *Consumer) maybeAutoClaim(ctx context.Context, handler Handler, wg *sync.WaitGroup) {
	if c.claimEvery <= 0 || c.claimMinIdle <= 0 {
		return
	}
	now := time.Now()
	if !c.lastClaimedTime.IsZero() && now.Sub(c.lastClaimedTime) < c.claimEvery {
		return
	}
	c.lastClaimedTime = now

	// Servers without XAUTOCLAIM return an error; skip quietly.
	msgs, nextStart, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.claimMinIdle,
		Start:    c.claimStart,
		Count:    c.claimCount,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			c.log.Debug("xautoclaim error", "err", err)
		}
		return
	}
	if strings.TrimSpace(nextStart) != "" {
		c.claimStart = nextStart
	}
	for _, msg := range msgs {
		c.dispatch(ctx, handler, msg, wg)
	}
}
