package batch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haasonsaas/pilot/internal/retry"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

const notifyTimeout = 10 * time.Second

// deliveryRetry bounds redelivery of one payload. 4xx responses stop the
// schedule: a rejected signature or a bad URL will not heal between
// attempts.
var deliveryRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Factor:       2,
	Jitter:       true,
}

// Payload is the body POSTed to the batch webhook after each task reaches
// a terminal or stopped state.
type Payload struct {
	BatchExecutionID string    `json:"batchExecutionId"`
	TaskID           string    `json:"taskId"`
	TaskIndex        int       `json:"taskIndex"`
	Status           string    `json:"status"`
	AgentStatus      string    `json:"agentStatus,omitempty"`
	Message          string    `json:"message,omitempty"`
	Evidence         string    `json:"evidence,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Notifier delivers signed webhook payloads. A nil Notifier is valid and
// delivers nothing, so callers don't have to branch on configuration.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	retry  retry.Config
}

// NewNotifier returns nil when no URL is configured.
func NewNotifier(url, secret string) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: notifyTimeout},
		retry:  deliveryRetry,
	}
}

// Notify POSTs the payload, redelivering transient failures on a backoff
// schedule. The caller decides whether delivery failures matter.
func (n *Notifier) Notify(ctx context.Context, p Payload) error {
	if n == nil {
		return nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	res := retry.Do(ctx, n.retry, func() error {
		return n.post(ctx, body)
	})
	return res.Err
}

// post performs one delivery attempt. Client errors come back wrapped as
// permanent so the retry schedule stops.
func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set(SignatureHeader, Sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body. Receivers use it
// to authenticate deliveries.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(signature), []byte(expected))
}
