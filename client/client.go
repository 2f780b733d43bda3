// Package client is the Go client for a pickd server: a thin HTTP wrapper
// plus a device-side Session that drives the lease heartbeat and the offline
// replica sync.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pickd/api"
	"pkt.systems/pickd/internal/loggingutil"
	"pkt.systems/pslog"
)

// DefaultRequestTimeout bounds individual HTTP calls when the caller does
// not supply its own http.Client.
const DefaultRequestTimeout = 10 * time.Second

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	Status       int
	Code         string
	Detail       string
	HolderUserID string
	RetryAfter   int64
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("pickd: %s (%d): %s", e.Code, e.Status, e.Detail)
	}
	return fmt.Sprintf("pickd: %s (%d)", e.Code, e.Status)
}

// IsCode reports whether err is an APIError with the given error code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger attaches a logger; absent one the client is silent.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client talks to one pickd server.
type Client struct {
	baseURL string
	http    *http.Client
	logger  pslog.Logger
}

// New returns a Client for baseURL (scheme and host, no trailing slash
// required).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = loggingutil.EnsureLogger(c.logger)
	return c
}

// Acquire requests exclusive custody of one (order, section) pair.
func (c *Client) Acquire(ctx context.Context, orderID, sectionID, userID string) (*api.AcquireResponse, error) {
	req := api.AcquireRequest{OrderID: orderID, SectionID: sectionID, UserID: userID}
	var resp api.AcquireResponse
	if err := c.do(ctx, http.MethodPost, "/v1/locks/acquire", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Renew refreshes the lease heartbeat.
func (c *Client) Renew(ctx context.Context, orderID, sectionID, sessionID string) (*api.RenewResponse, error) {
	req := api.RenewRequest{OrderID: orderID, SectionID: sectionID, SessionID: sessionID}
	var resp api.RenewResponse
	if err := c.do(ctx, http.MethodPost, "/v1/locks/renew", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Release relinquishes custody.
func (c *Client) Release(ctx context.Context, orderID, sectionID, sessionID string) (*api.ReleaseResponse, error) {
	req := api.ReleaseRequest{OrderID: orderID, SectionID: sectionID, SessionID: sessionID}
	var resp api.ReleaseResponse
	if err := c.do(ctx, http.MethodPost, "/v1/locks/release", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitPick flushes one recorded pick to the server.
func (c *Client) SubmitPick(ctx context.Context, req api.SubmitPickRequest) (*api.SubmitPickResponse, error) {
	var resp api.SubmitPickResponse
	if err := c.do(ctx, http.MethodPost, "/v1/picks", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FinishSection completes a section and releases its lease.
func (c *Client) FinishSection(ctx context.Context, orderID, sectionID, sessionID string) (*api.FinishResponse, error) {
	req := api.FinishRequest{OrderID: orderID, SectionID: sectionID, SessionID: sessionID}
	var resp api.FinishResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sections/finish", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AuthorizeExceptions presents a supervisor credential for the listed
// exception ids.
func (c *Client) AuthorizeExceptions(ctx context.Context, req api.AuthorizeRequest) (*api.AuthorizeResponse, error) {
	var resp api.AuthorizeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/exceptions/authorize", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SectionItems fetches the authoritative item state for one section.
func (c *Client) SectionItems(ctx context.Context, orderID, sectionID string) (*api.SectionItemsResponse, error) {
	path := fmt.Sprintf("/v1/sections/%s/%s/items", orderID, sectionID)
	var resp api.SectionItemsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OrderExceptions fetches every exception reported against an order.
func (c *Client) OrderExceptions(ctx context.Context, orderID string) (*api.OrderExceptionsResponse, error) {
	path := fmt.Sprintf("/v1/orders/%s/exceptions", orderID)
	var resp api.OrderExceptionsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events subscribes to the server-sent event stream. The returned channel is
// closed when the stream ends or ctx is cancelled. Events are delivered at
// most once; treat each as a hint to re-fetch authoritative state.
func (c *Client) Events(ctx context.Context) (<-chan api.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events", nil)
	if err != nil {
		return nil, fmt.Errorf("build events request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The shared client has a per-request timeout that would cut a stream
	// short; streaming rides a dedicated transport bound only by ctx.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.decodeError(resp)
	}

	out := make(chan api.Event)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event api.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				c.logger.Warn("events.decode_failed", "error", err)
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: "unknown"}
	var body api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err == nil && body.Error != "" {
		apiErr.Code = body.Error
		apiErr.Detail = body.Detail
		apiErr.HolderUserID = body.HolderUserID
		apiErr.RetryAfter = body.RetryAfter
	}
	return apiErr
}
