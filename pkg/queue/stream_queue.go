// Package queue delivers background jobs through a Redis stream consumer
// group. Jobs that keep failing are parked on a dead-letter stream.
package queue

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

	"copyreg/internal/util"
)

// Job is one unit of work. Payload is opaque to the queue.
type Job struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Payload    string    `json:"payload"`
	Attempt    int       `json:"attempt"`
	LastError  string    `json:"lastError,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Handler processes a job; a returned error schedules a retry.
type Handler func(context.Context, Job) error

type Config struct {
	Addr        string
	Password    string
	Stream      string
	Group       string
	Consumer    string
	MaxAttempts int
	Block       time.Duration
	ClaimIdle   time.Duration
	RetryDelay  time.Duration
	MaxLen      int64
}

// StreamQueue is safe for concurrent use.
type StreamQueue struct {
	client      *redis.Client
	stream      string
	deadStream  string
	group       string
	consumer    string
	maxAttempts int
	block       time.Duration
	claimIdle   time.Duration
	retryDelay  time.Duration
	maxLen      int64

	groupOnce sync.Once
	wg        sync.WaitGroup
}

func NewStreamQueue(cfg Config) (*StreamQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	q := &StreamQueue{
		client:      redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:      stream,
		deadStream:  stream + ":dead",
		group:       orDefault(cfg.Group, "workers"),
		consumer:    orDefault(cfg.Consumer, util.NewID()),
		maxAttempts: cfg.MaxAttempts,
		block:       cfg.Block,
		claimIdle:   cfg.ClaimIdle,
		retryDelay:  cfg.RetryDelay,
		maxLen:      cfg.MaxLen,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 5
	}
	if q.block <= 0 {
		q.block = 5 * time.Second
	}
	if q.claimIdle <= 0 {
		q.claimIdle = time.Minute
	}
	if q.retryDelay <= 0 {
		q.retryDelay = 2 * time.Second
	}
	if q.maxLen <= 0 {
		q.maxLen = 10000
	}
	return q, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

// Enqueue appends a job to the stream.
func (q *StreamQueue) Enqueue(ctx context.Context, kind, payload string) (Job, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return Job{}, errors.New("job kind required")
	}
	job := Job{ID: util.NewID(), Kind: kind, Payload: payload, EnqueuedAt: time.Now().UTC()}
	if err := q.client.XAdd(ctx, q.addArgs(q.stream, job)).Err(); err != nil {
		return Job{}, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return job, nil
}

// Start launches workers consumers that run until ctx is cancelled. Entries
// left pending by a crashed consumer are reclaimed after ClaimIdle.
func (q *StreamQueue) Start(ctx context.Context, workers int, handle Handler) {
	if workers <= 0 {
		workers = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < workers; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumer, i)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.consume(ctx, consumer, handle)
		}()
	}
}

// Wait blocks until every consumer started by Start has returned.
func (q *StreamQueue) Wait() {
	q.wg.Wait()
}

// DeadLetters returns up to n jobs that exhausted their attempts, oldest first.
func (q *StreamQueue) DeadLetters(ctx context.Context, n int64) ([]Job, error) {
	msgs, err := q.client.XRangeN(ctx, q.deadStream, "-", "+", n).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(msgs))
	for _, msg := range msgs {
		if job, ok := decodeJob(msg); ok {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (q *StreamQueue) Close() error {
	return q.client.Close()
}

func (q *StreamQueue) ensureGroup(ctx context.Context) {
	q.groupOnce.Do(func() {
		// "0" so jobs enqueued before the first worker are delivered.
		// BUSYGROUP is expected on restart; other errors surface on read.
		_ = q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	})
}

func (q *StreamQueue) consume(ctx context.Context, consumer string, handle Handler) {
	logger := util.LoggerFromContext(ctx).With("consumer", consumer, "stream", q.stream)
	for ctx.Err() == nil {
		claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: consumer,
			MinIdle:  q.claimIdle,
			Start:    "0-0",
			Count:    10,
		}).Result()
		if err == nil {
			for _, msg := range claimed {
				q.process(ctx, logger, msg, handle)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				logger.Warn("queue read failed", "err", err)
				sleep(ctx, q.retryDelay)
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				q.process(ctx, logger, msg, handle)
			}
		}
	}
}

func (q *StreamQueue) process(ctx context.Context, logger *slog.Logger, msg redis.XMessage, handle Handler) {
	job, ok := decodeJob(msg)
	if !ok {
		q.ack(ctx, msg.ID)
		return
	}
	job.Attempt++
	err := handle(ctx, job)
	if err == nil {
		q.ack(ctx, msg.ID)
		return
	}
	job.LastError = err.Error()
	target := q.stream
	if job.Attempt >= q.maxAttempts {
		target = q.deadStream
		logger.Error("job dead-lettered", "job_id", job.ID, "kind", job.Kind, "attempts", job.Attempt, "err", err)
	} else {
		logger.Warn("job failed, retrying", "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "err", err)
		sleep(ctx, q.retryDelay)
	}
	// on failure the entry stays pending and is reclaimed later
	_ = q.moveAndAck(ctx, msg.ID, target, job)
}

func (q *StreamQueue) ack(ctx context.Context, msgID string) {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, _ = pipe.Exec(ctx)
}

// moveAndAck re-adds job to target and acknowledges the original entry in
// one transaction.
func (q *StreamQueue) moveAndAck(ctx context.Context, msgID, target string, job Job) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(target, job))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *StreamQueue) addArgs(stream string, job Job) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":         job.ID,
			"kind":       job.Kind,
			"payload":    job.Payload,
			"attempt":    strconv.Itoa(job.Attempt),
			"error":      job.LastError,
			"enqueuedAt": job.EnqueuedAt.Format(time.RFC3339Nano),
		},
	}
}

func decodeJob(msg redis.XMessage) (Job, bool) {
	str := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}
	job := Job{ID: str("id"), Kind: str("kind"), Payload: str("payload"), LastError: str("error")}
	if job.ID == "" || job.Kind == "" {
		return Job{}, false
	}
	job.Attempt, _ = strconv.Atoi(str("attempt"))
	job.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, str("enqueuedAt"))
	return job, true
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
