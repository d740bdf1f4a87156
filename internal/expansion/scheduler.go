// Package expansion widens the search radius of a pending request over time.
// Each step is a delayed task: reload the request, match at the next radius
// tier, record the attempt and, unless the ceiling was reached, schedule the
// following step.
package expansion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/service-matching/internal/lifecycle"
	"github.com/example/service-matching/internal/logging"
	"github.com/example/service-matching/internal/matcher"
	"github.com/example/service-matching/internal/models"
	"github.com/example/service-matching/internal/observability"
	"github.com/example/service-matching/internal/queue"
	"github.com/example/service-matching/internal/storage"
)

const (
	TaskKind = "radius_expansion"

	DefaultLane  = "radius-expansion"
	DefaultDelay = 10 * time.Second
)

// Payload identifies one expansion step. CurrentTier is the radius already
// searched; Attempt is the 1-based number of this asynchronous step.
type Payload struct {
	RequestID   string `json:"request_id"`
	CurrentTier int    `json:"current_tier"`
	Attempt     int    `json:"attempt"`
}

type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateStopped   State = "stopped"
)

type StopReason string

const (
	StopNone           StopReason = ""
	StopNotFound       StopReason = "request_not_found"
	StopNotPending     StopReason = "request_not_pending"
	StopExhausted      StopReason = "no_further_tier"
	StopMaxTierReached StopReason = "max_tier_reached"
	StopMatched        StopReason = "providers_notified"
	StopStale          StopReason = "stale_step"
	StopScheduleFailed StopReason = "schedule_failed"
)

// Transition is the scheduler state after one Expand call.
type Transition struct {
	State      State
	StopReason StopReason
	// Tier and Attempt describe the next scheduled step when State is
	// StateScheduled, otherwise the step just processed.
	Tier    int
	Attempt int
	Outcome *matcher.Outcome
}

type Matcher interface {
	Match(ctx context.Context, req models.ServiceRequest, radiusKm int) matcher.Outcome
}

type RequestStore interface {
	GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error)
	RecordExpansion(ctx context.Context, id string, radiusKm, attempt int, at time.Time) error
}

type Scheduler struct {
	Requests RequestStore
	Matcher  Matcher
	Lane     queue.Lane
	LaneName string
	Tiers    Tiers
	Delay    time.Duration
	// StopOnMatch ends expansion at the first tier that notifies a provider.
	// Off by default: every remaining tier is walked up to the ceiling.
	StopOnMatch bool
	Logger      *slog.Logger
	Now         func() time.Time
}

func (s *Scheduler) laneName() string {
	if s.LaneName != "" {
		return s.LaneName
	}
	return DefaultLane
}

func (s *Scheduler) delay() time.Duration {
	if s.Delay > 0 {
		return s.Delay
	}
	return DefaultDelay
}

func (s *Scheduler) tiers() Tiers {
	if len(s.Tiers) > 0 {
		return s.Tiers
	}
	return DefaultTiers
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) log() *slog.Logger {
	return logging.Component(s.Logger, "expansion")
}

// Start schedules the first asynchronous step after the synchronous pass at
// the first tier.
func (s *Scheduler) Start(ctx context.Context, requestID string) error {
	return s.Schedule(ctx, Payload{RequestID: requestID, CurrentTier: s.tiers().First(), Attempt: 1})
}

// TaskID is the queue identity of the step p. Enqueueing the same step twice
// while it is pending leaves a single task.
func TaskID(p Payload) string {
	return fmt.Sprintf("expansion:%s:%d", p.RequestID, p.Attempt)
}

// Schedule enqueues p on the expansion lane after the configured delay. The
// enqueue is not tied to ctx cancellation so a finishing handler still hands
// its follow-up to the lane.
func (s *Scheduler) Schedule(ctx context.Context, p Payload) error {
	t, err := queue.NewTask(TaskKind, p)
	if err != nil {
		return err
	}
	t.ID = TaskID(p)
	if err := s.Lane.Enqueue(context.WithoutCancel(ctx), s.laneName(), t, s.delay()); err != nil {
		return fmt.Errorf("schedule expansion for %s: %w", p.RequestID, err)
	}
	return nil
}

// HandleTask is the queue handler for TaskKind. Failures to load the request
// or to schedule the follow-up are returned so the lane retries the step; a
// retried step whose attempt is already recorded only re-schedules.
func (s *Scheduler) HandleTask(ctx context.Context, t queue.Task) error {
	var p Payload
	if err := t.Decode(&p); err != nil {
		s.log().Error("dropping undecodable expansion task", "task_id", t.ID, "error", err)
		return nil
	}
	_, err := s.expand(ctx, p)
	return err
}

// Expand runs one step for p and reports the resulting state.
func (s *Scheduler) Expand(ctx context.Context, p Payload) Transition {
	tr, err := s.expand(ctx, p)
	if err != nil && tr.State == "" {
		return Transition{State: StateIdle, Tier: p.CurrentTier, Attempt: p.Attempt}
	}
	return tr
}

func (s *Scheduler) expand(ctx context.Context, p Payload) (tr Transition, err error) {
	log := s.log().With("request_id", p.RequestID, "current_tier", p.CurrentTier, "attempt", p.Attempt)
	defer func() {
		outcome := string(tr.StopReason)
		switch {
		case tr.StopReason != StopNone:
		case err != nil:
			outcome = "load_failed"
		case tr.State == StateScheduled:
			outcome = "rescheduled"
		}
		observability.ExpansionsTotal.WithLabelValues(outcome).Inc()
	}()
	stop := func(reason StopReason, tier int, out *matcher.Outcome) Transition {
		return Transition{State: StateStopped, StopReason: reason, Tier: tier, Attempt: p.Attempt, Outcome: out}
	}

	req, err := s.Requests.GetRequest(ctx, p.RequestID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Info("expansion stopped: request not found")
		return stop(StopNotFound, p.CurrentTier, nil), nil
	}
	if err != nil {
		log.Error("expansion could not load request", "error", err)
		return Transition{}, fmt.Errorf("load request %s: %w", p.RequestID, err)
	}
	if !lifecycle.IsPending(*req) {
		log.Info("expansion stopped: request no longer pending", "status", req.Status)
		return stop(StopNotPending, p.CurrentTier, nil), nil
	}

	tiers := s.tiers()
	next, ok := tiers.Next(p.CurrentTier)
	if !ok {
		log.Info("expansion stopped: search space exhausted")
		return stop(StopExhausted, p.CurrentTier, nil), nil
	}
	if req.CurrentSearchRadius == nil {
		first := tiers.First()
		req.CurrentSearchRadius = &first
	}
	if *req.CurrentSearchRadius > next || req.ExpansionAttempts > p.Attempt {
		log.Info("expansion stopped: step already superseded", "stored_radius", *req.CurrentSearchRadius, "stored_attempts", req.ExpansionAttempts)
		return stop(StopStale, p.CurrentTier, nil), nil
	}
	if req.ExpansionAttempts == p.Attempt {
		// matched and recorded on an earlier delivery; only the follow-up is missing
		log.Info("expansion step already recorded; resuming", "tier", next)
		if next >= tiers.Max() {
			return stop(StopMaxTierReached, next, nil), nil
		}
		return s.scheduleNext(ctx, log, req.ID, next, p.Attempt, nil, stop)
	}

	out := s.Matcher.Match(ctx, *req, next)

	if err := s.Requests.RecordExpansion(ctx, req.ID, next, p.Attempt, s.now()); err != nil {
		if errors.Is(err, storage.ErrStaleExpansion) {
			log.Info("expansion stopped: newer step already recorded", "tier", next)
			return stop(StopStale, next, &out), nil
		}
		log.Error("recording expansion failed", "tier", next, "error", err)
	}

	log.Info("expansion step done", "tier", next, "notified", out.NotifiedCount, "result", out.Diagnostics.Result)

	if next >= tiers.Max() {
		return stop(StopMaxTierReached, next, &out), nil
	}
	if s.StopOnMatch && out.NotifiedCount > 0 {
		return stop(StopMatched, next, &out), nil
	}
	return s.scheduleNext(ctx, log, req.ID, next, p.Attempt, &out, stop)
}

func (s *Scheduler) scheduleNext(ctx context.Context, log *slog.Logger, requestID string, tier, attempt int, out *matcher.Outcome, stop func(StopReason, int, *matcher.Outcome) Transition) (Transition, error) {
	np := Payload{RequestID: requestID, CurrentTier: tier, Attempt: attempt + 1}
	if err := s.Schedule(ctx, np); err != nil {
		log.Error("next expansion step not scheduled; step will be retried", "error", err)
		return stop(StopScheduleFailed, tier, out), err
	}
	return Transition{State: StateScheduled, Tier: np.CurrentTier, Attempt: np.Attempt, Outcome: out}, nil
}
