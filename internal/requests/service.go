// Package requests implements the request creation and cancellation flows
// that drive matching: the first pass runs inline, wider radii are searched
// by the expansion scheduler.
package requests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/service-matching/internal/geo"
	"github.com/example/service-matching/internal/lifecycle"
	"github.com/example/service-matching/internal/logging"
	"github.com/example/service-matching/internal/matcher"
	"github.com/example/service-matching/internal/models"
	"github.com/example/service-matching/internal/payments"
	"github.com/example/service-matching/internal/storage"
)

var (
	ErrInvalidRequest = errors.New("invalid service request")
	// ErrNoProvidersAvailable is returned when the inline pass notified nobody.
	// The request still exists and expansion may have been scheduled.
	ErrNoProvidersAvailable = errors.New("no providers available")
	ErrPaymentHold          = errors.New("payment hold failed")
)

type NewRequest struct {
	CustomerID    string            `json:"customer_id"`
	RequesterName string            `json:"requester_name"`
	Gender        string            `json:"gender"`
	Loc           models.Coord      `json:"loc"`
	LineItems     []models.LineItem `json:"line_items"`
}

type Created struct {
	Request            models.ServiceRequest `json:"request"`
	Outcome            matcher.Outcome       `json:"outcome"`
	ExpansionScheduled bool                  `json:"expansion_scheduled"`
}

type Matcher interface {
	Match(ctx context.Context, req models.ServiceRequest, radiusKm int) matcher.Outcome
}

type Expander interface {
	Start(ctx context.Context, requestID string) error
}

type Service struct {
	Store     storage.RequestStore
	Matcher   Matcher
	Expansion Expander
	// Payments is optional; without it no funds are held.
	Payments  payments.Holder
	Currency  string
	FirstTier int
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

func (s *Service) log() *slog.Logger {
	return logging.Component(s.Logger, "requests")
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func validate(in NewRequest) error {
	if in.CustomerID == "" {
		return fmt.Errorf("%w: customer_id is required", ErrInvalidRequest)
	}
	if !geo.ValidCoord(in.Loc) {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidRequest)
	}
	if len(in.LineItems) == 0 {
		return fmt.Errorf("%w: at least one line item is required", ErrInvalidRequest)
	}
	for i, li := range in.LineItems {
		if li.ServiceID == "" {
			return fmt.Errorf("%w: line item %d has no service_id", ErrInvalidRequest, i)
		}
		if li.PriceCents < 0 || li.Quantity < 0 {
			return fmt.Errorf("%w: line item %d has a negative price or quantity", ErrInvalidRequest, i)
		}
	}
	if _, ok := (models.ServiceRequest{LineItems: in.LineItems}).ServiceType(); !ok {
		return fmt.Errorf("%w: no line item names a service_type", ErrInvalidRequest)
	}
	return nil
}

// Create stores a pending request and runs the first matching pass inline.
// When that pass notifies nobody, expansion is scheduled and the created
// request is returned together with ErrNoProvidersAvailable.
func (s *Service) Create(ctx context.Context, in NewRequest) (Created, error) {
	if err := validate(in); err != nil {
		return Created{}, err
	}
	now := s.now()
	firstTier := s.FirstTier
	if firstTier <= 0 {
		firstTier = 1
	}
	req := models.ServiceRequest{
		ID:                  s.newID(),
		CustomerID:          in.CustomerID,
		RequesterName:       in.RequesterName,
		Gender:              in.Gender,
		Loc:                 in.Loc,
		Status:              models.StatusPending,
		LineItems:           in.LineItems,
		CurrentSearchRadius: &firstTier,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	log := s.log().With("request_id", req.ID)
	if err := s.Store.CreateRequest(ctx, &req); err != nil {
		return Created{}, fmt.Errorf("create request: %w", err)
	}

	if err := s.holdPayment(ctx, &req); err != nil {
		if uerr := s.Store.UpdateStatus(ctx, req.ID, models.StatusPending, models.StatusCancelled); uerr != nil {
			log.Error("cancelling request after failed hold", "error", uerr)
		}
		return Created{}, err
	}

	out := s.Matcher.Match(ctx, req, firstTier)
	created := Created{Request: req, Outcome: out}
	if out.NotifiedCount > 0 {
		log.Info("request created", "notified", out.NotifiedCount)
		return created, nil
	}

	if s.Expansion != nil {
		if err := s.Expansion.Start(ctx, req.ID); err != nil {
			log.Error("expansion not scheduled", "error", err)
		} else {
			created.ExpansionScheduled = true
		}
	}
	log.Info("no providers at first tier", "result", out.Diagnostics.Result, "expansion_scheduled", created.ExpansionScheduled)
	return created, ErrNoProvidersAvailable
}

func (s *Service) holdPayment(ctx context.Context, req *models.ServiceRequest) error {
	amount := req.TotalPriceCents()
	if s.Payments == nil || amount <= 0 {
		return nil
	}
	currency := s.Currency
	if currency == "" {
		currency = "egp"
	}
	piID, err := s.Payments.Hold(ctx, amount, currency, req.CustomerID, req.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentHold, err)
	}
	if err := s.Store.SetPaymentIntent(ctx, req.ID, piID); err != nil {
		return fmt.Errorf("store payment intent: %w", err)
	}
	req.PaymentIntentID = piID
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.ServiceRequest, error) {
	return s.Store.GetRequest(ctx, id)
}

// Cancel moves a request to cancelled and releases any payment hold. Scheduled
// expansion steps stop on their own when they see the new status.
func (s *Service) Cancel(ctx context.Context, id string) (*models.ServiceRequest, error) {
	req, err := s.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	to, err := lifecycle.Transition(req.Status, models.StatusCancelled)
	if err != nil {
		return nil, err
	}
	if err := s.Store.UpdateStatus(ctx, id, req.Status, to); err != nil {
		return nil, err
	}
	req.Status = to
	if req.PaymentIntentID != "" && s.Payments != nil {
		if err := s.Payments.Release(ctx, req.PaymentIntentID); err != nil {
			s.log().Error("releasing payment hold failed", "request_id", id, "payment_intent_id", req.PaymentIntentID, "error", err)
		}
	}
	return req, nil
}
