package dispatch

import "context"

// FailureReason classifies an unsuccessful push delivery.
type FailureReason string

const (
	ReasonNone          FailureReason = ""
	ReasonNoDeviceToken FailureReason = "no_device_token"
	// ReasonInvalidToken marks tokens the push service reports as unregistered
	// or malformed. These are candidates for token cleanup; retrying is useless.
	ReasonInvalidToken FailureReason = "invalid_token"
	ReasonTimeout      FailureReason = "timeout"
	ReasonTransient    FailureReason = "transient"
	ReasonRejected     FailureReason = "rejected"
)

// Message is a single device push.
type Message struct {
	DeviceToken string
	Title       string
	Body        string
	Data        map[string]string
}

// SendResult is the outcome of one push. Transport problems are reported here
// rather than as an error so callers can aggregate them.
type SendResult struct {
	Success           bool
	Reason            FailureReason
	Detail            string
	ProviderMessageID string
}

// InvalidToken reports whether the device token should be considered dead.
func (r SendResult) InvalidToken() bool { return r.Reason == ReasonInvalidToken }

// Gateway delivers push notifications to a single device.
type Gateway interface {
	Send(ctx context.Context, msg Message) SendResult
}
