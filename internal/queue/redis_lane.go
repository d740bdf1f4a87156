package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLane keeps each lane as a sorted set of task IDs scored by run-at
// unix millis, with the encoded tasks in a hash beside it.
type RedisLane struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLane(client redis.UniversalClient, prefix string) *RedisLane {
	if prefix == "" {
		prefix = "lane:"
	}
	return &RedisLane{client: client, prefix: prefix}
}

func (r *RedisLane) key(lane string) string      { return r.prefix + lane }
func (r *RedisLane) tasksKey(lane string) string { return r.prefix + lane + ":tasks" }

func (r *RedisLane) Enqueue(ctx context.Context, lane string, t Task, delay time.Duration) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	runAt := time.Now().Add(delay)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, r.key(lane), redis.Z{Score: float64(runAt.UnixMilli()), Member: t.ID})
		pipe.HSetNX(ctx, r.tasksKey(lane), t.ID, string(b))
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue on %s: %w", lane, err)
	}
	return nil
}

// Claim removes and returns up to n tasks due at now. An ID removed by
// another worker first is skipped, so each task is claimed once per enqueue.
func (r *RedisLane) Claim(ctx context.Context, lane string, now time.Time, n int) ([]Task, error) {
	key, tasksKey := r.key(lane), r.tasksKey(lane)
	ids, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(n),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", lane, err)
	}
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		var (
			removed *redis.IntCmd
			payload *redis.StringCmd
		)
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			removed = pipe.ZRem(ctx, key, id)
			payload = pipe.HGet(ctx, tasksKey, id)
			pipe.HDel(ctx, tasksKey, id)
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return out, fmt.Errorf("claim on %s: %w", lane, err)
		}
		if removed.Val() == 0 {
			continue
		}
		raw, err := payload.Result()
		if err != nil {
			// no stored task behind the id; nothing to run
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			// undecodable tasks are dropped; they would never succeed
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Source is what a Worker polls.
type Source interface {
	Lane
	Claim(ctx context.Context, lane string, now time.Time, n int) ([]Task, error)
}

// Worker polls one lane and hands due tasks to Handler.
type Worker struct {
	Source       Source
	Lane         string
	Handler      Handler
	Retry        RetryPolicy
	PollInterval time.Duration
	BatchSize    int
	Logger       *slog.Logger
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	log := loggerOr(w.Logger).With("lane", w.Lane)
	log.Info("queue worker started", "poll_interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("queue worker stopped")
			return nil
		case <-ticker.C:
			if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
				log.Error("queue poll failed", "error", err)
			}
		}
	}
}

// Poll claims and runs every due task once. It returns the number handled.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	batch := w.BatchSize
	if batch <= 0 {
		batch = 32
	}
	log := loggerOr(w.Logger).With("lane", w.Lane)
	tasks, err := w.Source.Claim(ctx, w.Lane, time.Now(), batch)
	for _, t := range tasks {
		if herr := run(ctx, w.Lane, w.Handler, t, log); herr != nil {
			delay, ok := w.Retry.next(t)
			if !ok {
				log.Warn("task dropped after retries", "task_id", t.ID, "attempts", t.Attempt+1)
				continue
			}
			t.Attempt++
			if eerr := w.Source.Enqueue(context.WithoutCancel(ctx), w.Lane, t, delay); eerr != nil {
				log.Error("task retry not scheduled", "task_id", t.ID, "error", eerr)
			}
		}
	}
	return len(tasks), err
}
