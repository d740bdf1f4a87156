package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/example/service-matching/internal/dispatch"
	"github.com/example/service-matching/internal/geo"
	"github.com/example/service-matching/internal/lifecycle"
	"github.com/example/service-matching/internal/logging"
	"github.com/example/service-matching/internal/mirror"
	"github.com/example/service-matching/internal/models"
	"github.com/example/service-matching/internal/observability"
	"github.com/example/service-matching/internal/storage"
)

const (
	defaultConcurrency   = 8
	defaultMirrorTimeout = 5 * time.Second
)

// Engine runs matching passes: find eligible providers within a radius,
// record a notification per provider and deliver the offer over push and the
// real-time mirror.
type Engine struct {
	Store  storage.MatchStore
	Push   dispatch.Gateway
	Mirror mirror.Mirror
	Logger *slog.Logger

	// Concurrency caps simultaneous deliveries within one pass.
	Concurrency   int
	MirrorTimeout time.Duration

	Now   func() time.Time
	NewID func() string
}

type candidate struct {
	provider models.Provider
	distance float64
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e *Engine) logger() *slog.Logger {
	return logging.Component(e.Logger, "matcher")
}

// Match executes one pass for req at radiusKm. It never returns an error:
// failures are reported through Outcome.Diagnostics. A storage failure rolls
// back every record of the pass and yields zero matches.
func (e *Engine) Match(ctx context.Context, req models.ServiceRequest, radiusKm int) Outcome {
	start := time.Now()
	out := Outcome{RequestID: req.ID, RadiusKm: radiusKm, Diagnostics: newDiagnostics()}
	log := e.logger().With("request_id", req.ID, "radius_km", radiusKm)
	defer func() {
		out.Diagnostics.Duration = time.Since(start)
		observability.MatchLatency.Observe(out.Diagnostics.Duration.Seconds())
		observability.MatchPassesTotal.WithLabelValues(string(out.Diagnostics.Result)).Inc()
	}()

	if !lifecycle.IsPending(req) {
		out.Diagnostics.Result = ResultRequestNotPending
		log.Info("request not pending, skipping pass", "status", req.Status)
		return out
	}
	serviceType, ok := req.ServiceType()
	if !ok {
		out.Diagnostics.Result = ResultNoServiceType
		log.Error("no service determined for request")
		return out
	}
	out.Diagnostics.ServiceType = serviceType

	notifiedAt := e.now()
	var inserted []candidate
	err := e.Store.InMatchTx(ctx, func(tx storage.MatchTx) error {
		inserted = inserted[:0]
		d := newDiagnostics()
		d.ServiceType = serviceType

		providers, err := tx.EligibleProviders(ctx, req.ID, serviceType)
		if err != nil {
			return fmt.Errorf("eligible providers: %w", err)
		}
		d.Candidates = len(providers)

		for _, p := range providers {
			d.Processed++
			if p.Loc == nil {
				d.MissingCoordinates++
				log.Debug("provider has no coordinates", "provider_id", p.ID)
				continue
			}
			dist, within := geo.Within(req.Loc, *p.Loc, float64(radiusKm))
			if !within {
				continue
			}
			d.WithinRadius++

			exists, err := tx.NotificationExists(ctx, req.ID, p.ID)
			if err != nil {
				return fmt.Errorf("notification exists: %w", err)
			}
			if exists {
				d.AlreadyNotified++
				continue
			}
			rec := models.NotificationRecord{
				ID:         e.newID(),
				RequestID:  req.ID,
				ProviderID: p.ID,
				Status:     models.NotificationPending,
				DistanceKm: dist,
				RadiusKm:   radiusKm,
				NotifiedAt: notifiedAt,
			}
			if err := tx.InsertNotification(ctx, rec); err != nil {
				if errors.Is(err, storage.ErrDuplicateNotification) {
					d.AlreadyNotified++
					continue
				}
				return fmt.Errorf("insert notification for %s: %w", p.ID, err)
			}
			inserted = append(inserted, candidate{provider: p, distance: dist})
		}
		out.Diagnostics = d
		return nil
	})
	if err != nil {
		out.Diagnostics = newDiagnostics()
		out.Diagnostics.ServiceType = serviceType
		out.Diagnostics.Result = ResultStorageFailure
		out.Diagnostics.Error = err.Error()
		log.Error("matching pass aborted", "severity", "critical", "error", err)
		return out
	}

	switch {
	case out.Diagnostics.Candidates == 0:
		out.Diagnostics.Result = ResultNoEligibleCandidates
	case out.Diagnostics.WithinRadius == 0:
		out.Diagnostics.Result = ResultNoneWithinRadius
	case len(inserted) == 0:
		out.Diagnostics.Result = ResultNoNewProviders
	default:
		out.Diagnostics.Result = ResultMatched
	}
	out.NotifiedCount = len(inserted)
	observability.ProvidersNotified.Add(float64(len(inserted)))

	if len(inserted) > 0 {
		out.Notified = e.deliver(ctx, req, radiusKm, serviceType, inserted, &out.Diagnostics, log)
	}

	log.Info("matching pass finished",
		"result", out.Diagnostics.Result,
		"service_type", serviceType,
		"candidates", out.Diagnostics.Candidates,
		"within_radius", out.Diagnostics.WithinRadius,
		"already_notified", out.Diagnostics.AlreadyNotified,
		"notified", out.NotifiedCount,
		"push_failed", out.Diagnostics.Push.Failed,
		"mirror_failed", out.Diagnostics.Mirror.Failed,
	)
	return out
}

// deliver sends push and mirror updates for every inserted candidate. The
// records are already committed, so delivery outlives a cancelled caller.
func (e *Engine) deliver(ctx context.Context, req models.ServiceRequest, radiusKm int, serviceType string, cands []candidate, d *Diagnostics, log *slog.Logger) []Notified {
	ctx = context.WithoutCancel(ctx)
	limit := e.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	results := make([]Notified, len(cands))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, c := range cands {
		i, c := i, c
		g.Go(func() error {
			pushed, reason := e.push(gctx, req, radiusKm, serviceType, c, log)
			mirrored, mreason := e.mirror(gctx, req, radiusKm, serviceType, c, log)

			mu.Lock()
			defer mu.Unlock()
			results[i] = Notified{ProviderID: c.provider.ID, DistanceKm: c.distance, Pushed: pushed, Mirrored: mirrored}
			d.Push.Attempted++
			if pushed {
				d.Push.Succeeded++
			} else {
				d.Push.Failed++
				d.Push.Reasons[reason]++
			}
			d.Mirror.Attempted++
			if mirrored {
				d.Mirror.Succeeded++
			} else {
				d.Mirror.Failed++
				d.Mirror.Reasons[mreason]++
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) push(ctx context.Context, req models.ServiceRequest, radiusKm int, serviceType string, c candidate, log *slog.Logger) (ok bool, reason dispatch.FailureReason) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("push delivery panicked", "provider_id", c.provider.ID, "panic", rec)
			ok, reason = false, dispatch.ReasonTransient
		}
		outcome := "success"
		if !ok {
			outcome = "failure"
		}
		observability.PushDeliveries.WithLabelValues(outcome, string(reason)).Inc()
	}()

	if c.provider.DeviceToken == nil || *c.provider.DeviceToken == "" {
		log.Warn("provider has no device token", "provider_id", c.provider.ID)
		return false, dispatch.ReasonNoDeviceToken
	}
	res := e.Push.Send(ctx, dispatch.Message{
		DeviceToken: *c.provider.DeviceToken,
		Title:       "New service request",
		Body:        fmt.Sprintf("A customer needs %s service %.1f km away", serviceType, c.distance),
		Data: map[string]string{
			"type":         "new_request",
			"request_id":   req.ID,
			"service_type": serviceType,
			"distance_km":  strconv.FormatFloat(c.distance, 'f', 2, 64),
			"radius_km":    strconv.Itoa(radiusKm),
		},
	})
	if !res.Success {
		log.Warn("push delivery failed", "provider_id", c.provider.ID, "reason", res.Reason, "detail", res.Detail)
		return false, res.Reason
	}
	return true, dispatch.ReasonNone
}

func (e *Engine) mirror(ctx context.Context, req models.ServiceRequest, radiusKm int, serviceType string, c candidate, log *slog.Logger) (ok bool, reason MirrorFailure) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("mirror write panicked", "provider_id", c.provider.ID, "panic", rec)
			ok, reason = false, MirrorPanic
		}
		outcome := "success"
		if !ok {
			outcome = "failure"
		}
		observability.MirrorWrites.WithLabelValues(outcome, string(reason)).Inc()
	}()

	timeout := e.MirrorTimeout
	if timeout <= 0 {
		timeout = defaultMirrorTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fields := mirror.Flatten(IncomingRequestDocument(req, serviceType, c.distance, radiusKm, e.now()))
	err := e.Mirror.UpsertDocument(ctx, mirror.IncomingRequestsPath(c.provider.MirrorKey()), req.ID, fields)
	if err != nil {
		reason = MirrorWriteFailed
		if errors.Is(err, context.DeadlineExceeded) {
			reason = MirrorTimeout
		}
		log.Warn("mirror write failed", "provider_id", c.provider.ID, "reason", reason, "error", err)
		return false, reason
	}
	return true, ""
}

// IncomingRequestDocument is the snapshot a provider app shows for an offer.
func IncomingRequestDocument(req models.ServiceRequest, serviceType string, distanceKm float64, radiusKm int, at time.Time) map[string]any {
	return map[string]any{
		"request_id":     req.ID,
		"requester_name": req.RequesterName,
		"service_type":   serviceType,
		"distance_km":    strconv.FormatFloat(distanceKm, 'f', 2, 64),
		"radius_km":      radiusKm,
		"price_cents":    req.TotalPriceCents(),
		"gender":         req.Gender,
		"timestamp":      at,
		"status":         string(models.NotificationPending),
	}
}
