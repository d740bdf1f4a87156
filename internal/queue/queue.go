// Package queue dispatches discrete units of work on named lanes after a
// delay. Delivery is at-least-once; handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/service-matching/internal/logging"
	"github.com/example/service-matching/internal/observability"
)

var (
	ErrClosed      = errors.New("queue: lane closed")
	ErrUnknownKind = errors.New("queue: no handler for task kind")
)

type Task struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	// Attempt counts failed deliveries of this task so far.
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewTask(kind string, payload any) (Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Task{ID: uuid.NewString(), Kind: kind, Payload: b, EnqueuedAt: time.Now()}, nil
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Kind, err)
	}
	return nil
}

type Handler func(ctx context.Context, t Task) error

// Lane schedules a task to run on the named lane after delay.
type Lane interface {
	// Enqueue schedules t after delay. A task whose ID is already pending on
	// the lane is left as it is.
	Enqueue(ctx context.Context, lane string, t Task, delay time.Duration) error
}

// Mux routes tasks to handlers by Kind.
type Mux struct {
	handlers map[string]Handler
}

func NewMux() *Mux { return &Mux{handlers: make(map[string]Handler)} }

func (m *Mux) Handle(kind string, h Handler) { m.handlers[kind] = h }

func (m *Mux) Dispatch(ctx context.Context, t Task) error {
	h, ok := m.handlers[t.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, t.Kind)
	}
	return h(ctx, t)
}

// RetryPolicy decides whether a failed task goes back on its lane.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// next returns the delay before retrying t, or false once retries are spent.
func (p RetryPolicy) next(t Task) (time.Duration, bool) {
	if t.Attempt >= p.MaxRetries {
		return 0, false
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	return backoff << t.Attempt, true
}

// run executes h, converting a panic into an error.
func run(ctx context.Context, lane string, h Handler, t Task, log *slog.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task %s panicked: %v", t.ID, rec)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			log.Error("task failed", "lane", lane, "task_id", t.ID, "kind", t.Kind, "attempt", t.Attempt, "error", err)
		}
		observability.QueueTasksTotal.WithLabelValues(lane, outcome).Inc()
	}()
	return h(ctx, t)
}

func loggerOr(l *slog.Logger) *slog.Logger {
	return logging.Component(l, "queue")
}
