package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultPushTimeout bounds one FCM call.
const DefaultPushTimeout = 5 * time.Second

// FCMGateway posts JSON to the FCM HTTP v1 messages:send endpoint using a
// bearer token.
type FCMGateway struct {
	Endpoint string
	Key      string
	Client   *http.Client
	Timeout  time.Duration
}

func NewFCMGateway(endpoint, key string, timeout time.Duration) *FCMGateway {
	if timeout <= 0 {
		timeout = DefaultPushTimeout
	}
	return &FCMGateway{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: timeout}, Timeout: timeout}
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmResponse struct {
	Name  string `json:"name"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

func (f *FCMGateway) Send(ctx context.Context, msg Message) SendResult {
	if msg.DeviceToken == "" {
		return SendResult{Reason: ReasonNoDeviceToken}
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultPushTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b, err := json.Marshal(fcmRequest{Message: fcmMessage{
		Token:        msg.DeviceToken,
		Notification: fcmNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	}})
	if err != nil {
		return SendResult{Reason: ReasonRejected, Detail: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return SendResult{Reason: ReasonRejected, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return SendResult{Reason: ReasonTimeout, Detail: err.Error()}
		}
		return SendResult{Reason: ReasonTransient, Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out fcmResponse
	_ = json.Unmarshal(body, &out)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return SendResult{Success: true, ProviderMessageID: out.Name}
	}
	return classifyFCMError(resp.StatusCode, out)
}

func classifyFCMError(status int, out fcmResponse) SendResult {
	detail := fmt.Sprintf("http %d", status)
	var errorCode string
	if out.Error != nil {
		detail = fmt.Sprintf("http %d %s: %s", status, out.Error.Status, out.Error.Message)
		for _, d := range out.Error.Details {
			if d.ErrorCode != "" {
				errorCode = d.ErrorCode
				break
			}
		}
	}
	switch {
	case errorCode == "UNREGISTERED", errorCode == "INVALID_ARGUMENT", status == http.StatusNotFound:
		return SendResult{Reason: ReasonInvalidToken, Detail: detail}
	case status == http.StatusTooManyRequests, status >= 500, errorCode == "UNAVAILABLE", errorCode == "INTERNAL", errorCode == "QUOTA_EXCEEDED":
		return SendResult{Reason: ReasonTransient, Detail: detail}
	default:
		return SendResult{Reason: ReasonRejected, Detail: detail}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// LogGateway accepts every message without sending it. Used when no push
// endpoint is configured.
type LogGateway struct {
	Logf func(format string, args ...any)
}

func (l *LogGateway) Send(ctx context.Context, msg Message) SendResult {
	if msg.DeviceToken == "" {
		return SendResult{Reason: ReasonNoDeviceToken}
	}
	if l.Logf != nil {
		l.Logf("[push] token=%s title=%q data=%v", msg.DeviceToken, msg.Title, msg.Data)
	}
	return SendResult{Success: true}
}
