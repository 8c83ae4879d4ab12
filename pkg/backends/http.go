package backends

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPConfig configures the HTTP state-service backend.
type HTTPConfig struct {
	// BaseURL is the service root; documents live at
	// <base>/deployments/{id}/state.
	BaseURL string
	// Token, when set, is sent as a bearer token.
	Token   string
	Timeout time.Duration
}

// HTTPBackend talks to a state service exposing POST/GET/DELETE
// /deployments/{id}/state.
type HTTPBackend struct {
	base   *url.URL
	token  string
	client *http.Client
}

// NewHTTPBackend builds a backend for the given service.
func NewHTTPBackend(cfg HTTPConfig) (*HTTPBackend, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must include scheme and host", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPBackend{
		base:   base,
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Name identifies the backend kind.
func (b *HTTPBackend) Name() string { return "http" }

func (b *HTTPBackend) endpoint(deploymentID string) string {
	return b.base.JoinPath("deployments", deploymentID, "state").String()
}

func (b *HTTPBackend) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	return b.client.Do(req)
}

// Put posts the document to the service.
func (b *HTTPBackend) Put(ctx context.Context, deploymentID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint(deploymentID), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := b.do(req)
	if err != nil {
		return fmt.Errorf("failed to push state for %s: %w", deploymentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("state service rejected push for %s: %s: %s", deploymentID, resp.Status, errBody(resp.Body))
	}
	return nil
}

// Get fetches the document from the service.
func (b *HTTPBackend) Get(ctx context.Context, deploymentID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint(deploymentID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := b.do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch state for %s: %w", deploymentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("state for %s: %w", deploymentID, ErrNotFound)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("state service rejected fetch for %s: %s: %s", deploymentID, resp.Status, errBody(resp.Body))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response for %s: %w", deploymentID, err)
	}
	return data, nil
}

// Delete removes the document. A 404 means it is already gone.
func (b *HTTPBackend) Delete(ctx context.Context, deploymentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.endpoint(deploymentID), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := b.do(req)
	if err != nil {
		return fmt.Errorf("failed to delete state for %s: %w", deploymentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode/100 == 2 {
		return nil
	}
	return fmt.Errorf("state service rejected delete for %s: %s: %s", deploymentID, resp.Status, errBody(resp.Body))
}

// Ping checks the service health endpoint.
func (b *HTTPBackend) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base.JoinPath("healthz").String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := b.do(req)
	if err != nil {
		return fmt.Errorf("state service not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("state service unhealthy: %s", resp.Status)
	}
	return nil
}

// errBody returns a short excerpt of an error response body for messages.
func errBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(data) == 0 {
		return "<no body>"
	}
	return string(data)
}
