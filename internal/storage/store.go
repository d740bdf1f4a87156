package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/service-matching/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateNotification is returned when a notification record for the
	// same (request, provider) pair already exists.
	ErrDuplicateNotification = errors.New("provider already notified for request")
	// ErrStatusConflict is returned when a conditional status update finds the
	// request in a different status than expected.
	ErrStatusConflict = errors.New("request status changed concurrently")
	// ErrStaleExpansion is returned when recording an expansion would move the
	// search radius or attempt counter backwards.
	ErrStaleExpansion = errors.New("expansion state is older than stored state")
)

// RequestStore persists service requests.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.ServiceRequest) error
	GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error)
	UpdateStatus(ctx context.Context, id string, from, to models.RequestStatus) error
	SetPaymentIntent(ctx context.Context, id, paymentIntentID string) error
	// RecordExpansion stores the latest radius tier and attempt. The attempt
	// must be strictly greater than the stored one and the radius must not
	// shrink; otherwise ErrStaleExpansion is returned.
	RecordExpansion(ctx context.Context, id string, radiusKm, attempt int, at time.Time) error
}

// ProviderStore maintains the provider directory.
type ProviderStore interface {
	UpsertProvider(ctx context.Context, p models.Provider) error
	ApplyProviderUpdate(ctx context.Context, u models.ProviderUpdate) error
}

// Directory returns providers that may be offered a request: available, of
// the requested service type and not yet notified for that request.
type Directory interface {
	EligibleProviders(ctx context.Context, requestID, serviceType string) ([]models.Provider, error)
}

// MatchTx is the transactional view used by one matching pass.
type MatchTx interface {
	Directory
	NotificationExists(ctx context.Context, requestID, providerID string) (bool, error)
	InsertNotification(ctx context.Context, rec models.NotificationRecord) error
}

// MatchStore runs fn inside a single transaction. Any error returned by fn
// rolls back every insert made through the MatchTx.
type MatchStore interface {
	InMatchTx(ctx context.Context, fn func(tx MatchTx) error) error
}

type Store interface {
	RequestStore
	ProviderStore
	MatchStore
	ListNotifications(ctx context.Context, requestID string) ([]models.NotificationRecord, error)
	Close() error
}
