package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"radonflow/internal/services"
)

// RequestIDHeader carries the correlation id of a control request.
const RequestIDHeader = "X-Request-ID"

// ErrDaemonUnavailable is returned when the daemon cannot be reached.
var ErrDaemonUnavailable = errors.New("daemon not reachable")

// Client talks to the daemon's control API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient builds a client for the daemon listening on bind.
func NewClient(bind, token string) *Client {
	return &Client{
		base:  BaseURL(bind),
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// BaseURL converts a listen address into a dialable URL. Wildcard hosts are
// replaced with the loopback address.
func BaseURL(bind string) string {
	bind = strings.TrimSpace(bind)
	if strings.HasPrefix(bind, "http://") || strings.HasPrefix(bind, "https://") {
		return strings.TrimRight(bind, "/")
	}
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return "http://" + bind
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Status fetches daemon and scheduler state.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var resp DaemonStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Summary fetches eligible counts and catalog tallies.
func (c *Client) Summary(ctx context.Context) (*Summary, error) {
	var resp Summary
	if err := c.do(ctx, http.MethodGet, "/api/summary", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Record fetches the status view of one record.
func (c *Client) Record(ctx context.Context, externalID string) (*RecordView, error) {
	var resp RecordView
	if err := c.do(ctx, http.MethodGet, "/api/records/"+url.PathEscape(externalID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Workers lists running workers.
func (c *Client) Workers(ctx context.Context) ([]Worker, error) {
	var resp WorkersResponse
	if err := c.do(ctx, http.MethodGet, "/api/workers", &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// Cycle triggers a dispatch cycle.
func (c *Client) Cycle(ctx context.Context) (*ActionResponse, error) {
	var resp ActionResponse
	if err := c.do(ctx, http.MethodPost, "/api/cycle", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pause stops dispatch of new work for stage.
func (c *Client) Pause(ctx context.Context, stage string) (*ActionResponse, error) {
	var resp ActionResponse
	if err := c.do(ctx, http.MethodPost, "/api/stages/"+url.PathEscape(stage)+"/pause", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resume re-enables dispatch for stage.
func (c *Client) Resume(ctx context.Context, stage string) (*ActionResponse, error) {
	var resp ActionResponse
	if err := c.do(ctx, http.MethodPost, "/api/stages/"+url.PathEscape(stage)+"/resume", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w at %s: %w", ErrDaemonUnavailable, c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr ErrorResponse
		message := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			message = apiErr.Error
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", services.ErrNotFound, message)
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %s", services.ErrValidation, message)
		default:
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, message)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
