package matcher

import (
	"time"

	"github.com/example/service-matching/internal/dispatch"
)

// Result summarizes how a matching pass ended.
type Result string

const (
	ResultMatched              Result = "matched"
	ResultNoServiceType        Result = "no_service_determined"
	ResultRequestNotPending    Result = "request_not_pending"
	ResultNoEligibleCandidates Result = "no_eligible_candidates"
	ResultNoneWithinRadius     Result = "none_within_radius"
	// ResultNoNewProviders means providers were in range but all had already
	// been notified for the request.
	ResultNoNewProviders Result = "no_new_providers"
	ResultStorageFailure Result = "storage_failure"
)

// MirrorFailure classifies a failed real-time mirror write.
type MirrorFailure string

const (
	MirrorWriteFailed MirrorFailure = "write_failed"
	MirrorTimeout     MirrorFailure = "timeout"
	MirrorPanic       MirrorFailure = "panic"
)

type PushStats struct {
	Attempted int                            `json:"attempted"`
	Succeeded int                            `json:"succeeded"`
	Failed    int                            `json:"failed"`
	Reasons   map[dispatch.FailureReason]int `json:"reasons"`
}

type MirrorStats struct {
	Attempted int                   `json:"attempted"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Reasons   map[MirrorFailure]int `json:"reasons"`
}

// Diagnostics is the per-pass record of what happened to every candidate.
type Diagnostics struct {
	Result             Result        `json:"result"`
	ServiceType        string        `json:"service_type,omitempty"`
	Candidates         int           `json:"candidates"`
	Processed          int           `json:"processed"`
	MissingCoordinates int           `json:"missing_coordinates"`
	WithinRadius       int           `json:"within_radius"`
	AlreadyNotified    int           `json:"already_notified"`
	Push               PushStats     `json:"push"`
	Mirror             MirrorStats   `json:"mirror"`
	Error              string        `json:"error,omitempty"`
	Duration           time.Duration `json:"duration_ns"`
}

// Notified is one provider offered the request during a pass.
type Notified struct {
	ProviderID string  `json:"provider_id"`
	DistanceKm float64 `json:"distance_km"`
	Pushed     bool    `json:"pushed"`
	Mirrored   bool    `json:"mirrored"`
}

// Outcome is returned by Engine.Match. NotifiedCount counts notification
// records inserted during the pass, regardless of delivery success.
type Outcome struct {
	RequestID     string      `json:"request_id"`
	RadiusKm      int         `json:"radius_km"`
	NotifiedCount int         `json:"notified_count"`
	Notified      []Notified  `json:"notified"`
	Diagnostics   Diagnostics `json:"diagnostics"`
}

func newDiagnostics() Diagnostics {
	return Diagnostics{
		Push:   PushStats{Reasons: make(map[dispatch.FailureReason]int)},
		Mirror: MirrorStats{Reasons: make(map[MirrorFailure]int)},
	}
}
