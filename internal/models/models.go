package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RequestStatus is the lifecycle state of a ServiceRequest.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusAccepted  RequestStatus = "accepted"
	StatusCompleted RequestStatus = "completed"
	StatusCancelled RequestStatus = "cancelled"
)

// NotificationStatus is the provider-side state of a NotificationRecord.
type NotificationStatus string

const (
	NotificationPending  NotificationStatus = "pending"
	NotificationAccepted NotificationStatus = "accepted"
	NotificationRejected NotificationStatus = "rejected"
)

// LineItem is one service ordered as part of a request.
type LineItem struct {
	ServiceID   string `json:"service_id"`
	ServiceType string `json:"service_type"` // provider type able to fulfil it
	PriceCents  int64  `json:"price_cents"`
	Quantity    int    `json:"quantity"`
}

type ServiceRequest struct {
	ID              string        `json:"id"`
	CustomerID      string        `json:"customer_id"`
	RequesterName   string        `json:"requester_name"`
	Gender          string        `json:"gender"` // preferred provider gender, free-form
	Loc             Coord         `json:"loc"`
	Status          RequestStatus `json:"status"`
	LineItems       []LineItem    `json:"line_items"`
	PaymentIntentID string        `json:"payment_intent_id,omitempty"`

	// CurrentSearchRadius is nil until the first matching pass is recorded.
	CurrentSearchRadius *int       `json:"current_search_radius_km"`
	ExpansionAttempts   int        `json:"expansion_attempts"`
	LastExpansionAt     *time.Time `json:"last_expansion_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServiceType returns the provider type required by the first line item that
// declares one.
func (r ServiceRequest) ServiceType() (string, bool) {
	for _, li := range r.LineItems {
		if li.ServiceType != "" {
			return li.ServiceType, true
		}
	}
	return "", false
}

// TotalPriceCents sums price*quantity over all line items. Quantity <= 0 counts as 1.
func (r ServiceRequest) TotalPriceCents() int64 {
	var total int64
	for _, li := range r.LineItems {
		q := li.Quantity
		if q <= 0 {
			q = 1
		}
		total += li.PriceCents * int64(q)
	}
	return total
}

type Provider struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	ServiceType string  `json:"service_type"`
	Available   bool    `json:"available"`
	Loc         *Coord  `json:"loc,omitempty"` // nil when the provider never reported a location
	DeviceToken *string `json:"device_token,omitempty"`
	// MirrorID addresses the provider's documents in the real-time mirror.
	// Empty means the provider ID is used.
	MirrorID  string    `json:"mirror_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MirrorKey returns the id used to address this provider in the real-time mirror.
func (p Provider) MirrorKey() string {
	if p.MirrorID != "" {
		return p.MirrorID
	}
	return p.ID
}

// NotificationRecord marks that a provider was offered a request at a radius tier.
// At most one exists per (RequestID, ProviderID).
type NotificationRecord struct {
	ID         string             `json:"id"`
	RequestID  string             `json:"request_id"`
	ProviderID string             `json:"provider_id"`
	Status     NotificationStatus `json:"status"`
	DistanceKm float64            `json:"distance_km"`
	RadiusKm   int                `json:"radius_km"`
	NotifiedAt time.Time          `json:"notified_at"`
}

// ProviderUpdate is a location/availability report published by provider apps.
type ProviderUpdate struct {
	ProviderID string    `json:"provider_id"`
	Loc        Coord     `json:"loc"`
	Available  bool      `json:"available"`
	ReportedAt time.Time `json:"reported_at"`
}
