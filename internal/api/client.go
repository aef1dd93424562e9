package api

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

	"github.com/manhavi/shopsync/internal/auth"
)

const (
	pathPurchases = "/purchases"
	pathDispatch  = "/dispatch"
	pathBills     = "/bills"
	pathHealth    = "/health"

	headerIdempotencyKey = "Idempotency-Key"
)

var (
	errMissingBaseURL = errors.New("base URL is required")
	errMissingSession = errors.New("session is required")
)

// WriteStatus classifies the outcome of an optimistic or replayed write. The
// caller switches on the status instead of sniffing error strings.
type WriteStatus string

const (
	// WriteAccepted means the server durably accepted the write.
	WriteAccepted WriteStatus = "accepted"
	// WriteNetworkUnavailable means the host was unreachable; the payload is
	// eligible for offline queueing.
	WriteNetworkUnavailable WriteStatus = "network_unavailable"
	// WriteRejected means the server rejected the payload; retrying the same
	// bytes will not succeed.
	WriteRejected WriteStatus = "rejected"
	// WriteUnauthorized means the session credential is invalid or expired.
	WriteUnauthorized WriteStatus = "unauthorized"
)

// WriteOutcome is the result of one write attempt against the remote API.
type WriteOutcome struct {
	Status WriteStatus
	// Record holds the server's representation of the created entity when the
	// write was accepted.
	Record json.RawMessage
	// Reason carries the rejection or transport detail for non-accepted outcomes.
	Reason string
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL    string
	Session    *auth.Session
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the shop backend REST boundary. Every write carries the
// entry's idempotency key so a replay that raced a crash is detectable
// server-side.
type Client struct {
	baseURL    string
	session    *auth.Session
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates dependencies and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Session == nil {
		return nil, errMissingSession
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		session:    cfg.Session,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// CreatePurchase posts a purchase entry payload.
func (c *Client) CreatePurchase(ctx context.Context, payload json.RawMessage, idempotencyKey string) WriteOutcome {
	return c.create(ctx, pathPurchases, payload, idempotencyKey)
}

// CreateDispatch posts a dispatch payload.
func (c *Client) CreateDispatch(ctx context.Context, payload json.RawMessage, idempotencyKey string) WriteOutcome {
	return c.create(ctx, pathDispatch, payload, idempotencyKey)
}

// CreateBill posts a bill payload.
func (c *Client) CreateBill(ctx context.Context, payload json.RawMessage, idempotencyKey string) WriteOutcome {
	return c.create(ctx, pathBills, payload, idempotencyKey)
}

// Ping reports whether the backend health endpoint is reachable.
func (c *Client) Ping(ctx context.Context) bool {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathHealth, nil)
	if err != nil {
		return false
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return false
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body) //nolint:errcheck
	return response.StatusCode < http.StatusInternalServerError
}

func (c *Client) create(ctx context.Context, path string, payload json.RawMessage, idempotencyKey string) WriteOutcome {
	// An expired credential fails locally instead of burning a doomed round-trip.
	if err := c.session.Valid(); err != nil {
		c.session.Teardown()
		return WriteOutcome{Status: WriteUnauthorized, Reason: err.Error()}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return WriteOutcome{Status: WriteRejected, Reason: err.Error()}
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+c.session.Token())
	if idempotencyKey != "" {
		request.Header.Set(headerIdempotencyKey, idempotencyKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("write attempt unreachable",
			zap.String("path", path),
			zap.Error(err))
		return WriteOutcome{Status: WriteNetworkUnavailable, Reason: err.Error()}
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return WriteOutcome{Status: WriteNetworkUnavailable, Reason: err.Error()}
	}

	switch {
	case response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices:
		return WriteOutcome{Status: WriteAccepted, Record: body}
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		c.session.Teardown()
		return WriteOutcome{Status: WriteUnauthorized, Reason: rejectionReason(response.StatusCode, body)}
	case response.StatusCode >= http.StatusBadRequest && response.StatusCode < http.StatusInternalServerError:
		return WriteOutcome{Status: WriteRejected, Reason: rejectionReason(response.StatusCode, body)}
	default:
		// 5xx is treated as transient; the entry stays queued for the next pass.
		return WriteOutcome{Status: WriteNetworkUnavailable, Reason: rejectionReason(response.StatusCode, body)}
	}
}

func rejectionReason(statusCode int, body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Sprintf("HTTP %d: %s", statusCode, payload.Error)
	}
	return fmt.Sprintf("HTTP %d", statusCode)
}
