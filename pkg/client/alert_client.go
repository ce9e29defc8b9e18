// Package client calls the gateway's internal alert endpoint on behalf of
// the safety service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"groupchat/pkg/types"
)

// DefaultTimeout bounds a whole alert call.
const DefaultTimeout = 10 * time.Second

const internalTokenHeader = "X-Internal-Token"

var (
	// ErrDeliveryFailed is returned when the gateway could not be reached
	// or answered with an error. Calls are never retried.
	ErrDeliveryFailed = errors.New("alert delivery failed")
	// ErrNoGroups is returned when the event has no chat groups.
	ErrNoGroups = errors.New("event has no chat groups")
)

// AlertClient posts safety alerts to the gateway.
type AlertClient struct {
	baseURL string
	secret  string
	http    *http.Client
	logger  *zap.Logger
}

// Option configures an AlertClient.
type Option func(*AlertClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *AlertClient) { a.http = c }
}

// WithLogger sets the logger used for failed calls.
func WithLogger(l *zap.Logger) Option {
	return func(a *AlertClient) { a.logger = l }
}

// NewAlertClient returns a client for the gateway at baseURL.
func NewAlertClient(baseURL, sharedSecret string, opts ...Option) *AlertClient {
	a := &AlertClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  sharedSecret,
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Broadcast sends req and returns the per-group report. A response whose
// Success is false still returns a nil error; callers inspect Groups.
func (a *AlertClient) Broadcast(ctx context.Context, req *types.AlertRequest) (*types.AlertResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid alert: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/internal/alerts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(internalTokenHeader, a.secret)

	resp, err := a.http.Do(httpReq)
	if err != nil {
		a.logger.Warn("alert delivery failed",
			zap.String("event_id", req.EventID),
			zap.String("alert_id", req.AlertID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNoGroups
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		a.logger.Warn("alert rejected by gateway",
			zap.String("event_id", req.EventID),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", detail),
		)
		return nil, fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}

	var out types.AlertResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrDeliveryFailed, err)
	}
	if !out.Success {
		a.logger.Warn("alert partially delivered",
			zap.String("event_id", req.EventID),
			zap.String("alert_id", req.AlertID),
		)
	}
	return &out, nil
}
