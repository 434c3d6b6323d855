// Package control talks to the session control plane over HTTP.
package control

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/livesession/errs"
	"github.com/coachpo/livesession/internal/observability"
	"github.com/coachpo/livesession/internal/schema"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4096
	requestIDKey   = "X-Request-ID"
)

// Config configures the control-plane client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RateLimit  float64
	Burst      int
	HTTPClient *http.Client
	Logger     observability.Logger
}

// StartRequest is the body of POST /start.
type StartRequest struct {
	UserID             string `json:"user_id"`
	StrategyID         string `json:"strategy_id"`
	StrategyName       string `json:"strategy_name"`
	BrokerConnectionID string `json:"broker_connection_id"`
}

// Validate ensures the identifiers required by the control plane are present.
func (r StartRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errs.New("control", errs.CodeInvalid, errs.WithMessage("user_id required"))
	}
	if strings.TrimSpace(r.StrategyID) == "" {
		return errs.New("control", errs.CodeInvalid, errs.WithMessage("strategy_id required"))
	}
	return nil
}

type startResponse struct {
	SessionID string               `json:"session_id"`
	StreamURL string               `json:"stream_url"`
	Status    schema.SessionStatus `json:"status"`
}

type speedRequest struct {
	SessionID       string  `json:"session_id,omitempty"`
	SpeedMultiplier float64 `json:"speed_multiplier"`
}

// Client issues control-plane requests.
type Client struct {
	baseURL *url.URL
	client  *http.Client
	limiter *rate.Limiter
	logger  observability.Logger
}

// NewClient builds a client for the control plane at cfg.BaseURL.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errs.New("control", errs.CodeInvalid, errs.WithMessage("base url required"))
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errs.New("control", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("invalid base url %q", cfg.BaseURL)), errs.WithCause(err))
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = new(http.Client)
		client.Timeout = timeout
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.Log()
	}

	return &Client{
		baseURL: base,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// Start asks the control plane to launch a session.
func (c *Client) Start(ctx context.Context, req StartRequest) (schema.Session, error) {
	if err := req.Validate(); err != nil {
		return schema.Session{}, err
	}
	var resp startResponse
	if err := c.do(ctx, "start", http.MethodPost, "/start", req, &resp); err != nil {
		return schema.Session{}, err
	}
	if strings.TrimSpace(resp.SessionID) == "" {
		return schema.Session{}, errs.New("control", errs.CodeControl,
			errs.WithOperation("start"), errs.WithMessage("start response missing session_id"))
	}
	status := resp.Status
	if status == "" {
		status = schema.SessionStarting
	}
	return schema.Session{
		ID:                 resp.SessionID,
		UserID:             req.UserID,
		StrategyID:         req.StrategyID,
		StrategyName:       req.StrategyName,
		BrokerConnectionID: req.BrokerConnectionID,
		StreamURL:          resp.StreamURL,
		Status:             status,
		CreatedAt:          time.Now().UTC(),
	}, nil
}

// Stop ends a session.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errs.New("control", errs.CodeInvalid, errs.WithMessage("session id required"))
	}
	return c.do(ctx, "stop", http.MethodPost, "/stop/"+url.PathEscape(sessionID), nil, nil)
}

// SetSpeed changes the simulation speed multiplier.
func (c *Client) SetSpeed(ctx context.Context, sessionID string, multiplier float64) error {
	if multiplier <= 0 {
		return errs.New("control", errs.CodeInvalid, errs.WithMessage("speed multiplier must be positive"))
	}
	return c.do(ctx, "speed", http.MethodPost, "/speed", speedRequest{SessionID: sessionID, SpeedMultiplier: multiplier}, nil)
}

// Snapshot fetches the authoritative baseline for a session.
func (c *Client) Snapshot(ctx context.Context, sessionID string) (schema.Snapshot, error) {
	if strings.TrimSpace(sessionID) == "" {
		return schema.Snapshot{}, errs.New("control", errs.CodeInvalid, errs.WithMessage("session id required"))
	}
	var snap schema.Snapshot
	if err := c.do(ctx, "snapshot", http.MethodGet, "/snapshot/"+url.PathEscape(sessionID), nil, &snap); err != nil {
		return schema.Snapshot{}, err
	}
	if snap.SessionID == "" {
		snap.SessionID = sessionID
	}
	return snap, nil
}

// StreamURL resolves the push-channel URL handed out by /start. Relative
// references are resolved against the control base URL.
func (c *Client) StreamURL(streamURL string) (string, error) {
	streamURL = strings.TrimSpace(streamURL)
	if streamURL == "" {
		return "", errs.New("control", errs.CodeInvalid, errs.WithMessage("stream url empty"))
	}
	ref, err := url.Parse(streamURL)
	if err != nil {
		return "", errs.New("control", errs.CodeInvalid, errs.WithMessage("invalid stream url"), errs.WithCause(err))
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base := *c.baseURL
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	ref.Path = strings.TrimPrefix(ref.Path, "/")
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("control %s throttled: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := strings.TrimRight(c.baseURL.String(), "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	requestID := uuid.NewString()
	req.Header.Set(requestIDKey, requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return errs.New("control", errs.CodeUnavailable,
			errs.WithOperation(op), errs.WithMessage("control request failed"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	c.logger.Debug("control request",
		observability.F("operation", op),
		observability.F("status", resp.StatusCode),
		observability.F("request_id", requestID),
		observability.F("elapsed", time.Since(started)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return errs.Control(op, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.New("control", errs.CodeControl,
			errs.WithOperation(op), errs.WithHTTP(resp.StatusCode), errs.WithMessage("decode response"), errs.WithCause(err))
	}
	return nil
}
