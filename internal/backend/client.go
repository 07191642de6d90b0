// Package backend is the REST collaborator that serves authoritative
// entity reads for the sync client.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/aegisshield/realtime-sync/internal/models"
)

// ErrNotFound is returned when the backend has no entity with the requested id
var ErrNotFound = errors.New("entity not found")

// APIError is the error object of the response envelope
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Response is the envelope every backend endpoint returns
type Response struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *APIError       `json:"error,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// RequestError reports a non-2xx or unsuccessful backend response
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Temporary reports whether a retry may succeed
func (e *RequestError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config holds the backend connection settings
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Client reads property, incident and system health snapshots
type Client struct {
	config Config
	rest   *resty.Client
	logger *zap.Logger
}

// NewClient creates a backend client. A nil httpClient gets one bounded by
// cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rest := resty.New()
	if httpClient != nil {
		rest = resty.NewWithClient(httpClient)
	}
	rest.SetBaseURL(base.String()).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		rest.SetAuthToken(cfg.Token)
	}
	return &Client{config: cfg, rest: rest, logger: logger}, nil
}

// ListProperties returns every property visible to the token
func (c *Client) ListProperties(ctx context.Context) ([]models.PropertySyncData, error) {
	var out []models.PropertySyncData
	if err := c.get(ctx, "/api/v1/properties", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetProperty returns one property
func (c *Client) GetProperty(ctx context.Context, id string) (models.PropertySyncData, error) {
	var out models.PropertySyncData
	err := c.get(ctx, "/api/v1/properties/"+url.PathEscape(id), &out)
	return out, err
}

// ListIncidents returns every open or recently closed incident
func (c *Client) ListIncidents(ctx context.Context) ([]models.IncidentSyncData, error) {
	var out []models.IncidentSyncData
	if err := c.get(ctx, "/api/v1/incidents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetIncident returns one incident
func (c *Client) GetIncident(ctx context.Context, id string) (models.IncidentSyncData, error) {
	var out models.IncidentSyncData
	err := c.get(ctx, "/api/v1/incidents/"+url.PathEscape(id), &out)
	return out, err
}

// GetSystemHealth returns the health snapshot of every platform component
func (c *Client) GetSystemHealth(ctx context.Context) ([]models.SystemHealthSyncData, error) {
	var out []models.SystemHealthSyncData
	if err := c.get(ctx, "/api/v1/system/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, into interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	resp, err := c.rest.R().SetContext(ctx).Get(path)
	if err != nil {
		return fmt.Errorf("failed to call backend %s: %w", path, err)
	}

	c.logger.Debug("Backend request completed",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("duration", resp.Time()))

	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}

	var envelope Response
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		if resp.StatusCode() >= 300 {
			return &RequestError{Method: http.MethodGet, Path: path, StatusCode: resp.StatusCode()}
		}
		return fmt.Errorf("failed to decode backend response: %w", err)
	}

	if resp.StatusCode() >= 300 || !envelope.Success {
		reqErr := &RequestError{Method: http.MethodGet, Path: path, StatusCode: resp.StatusCode()}
		if envelope.Error != nil {
			reqErr.Code = envelope.Error.Code
			reqErr.Message = envelope.Error.Message
		}
		return reqErr
	}

	if err := json.Unmarshal(envelope.Data, into); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", path, err)
	}
	return nil
}
