// Package identity is the external credential verifier: a black box,
// called once per connection at WebSocket handshake time, that turns a
// bearer credential into a stable user identifier or rejects it. Never
// called again on the hot path.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrUnauthorized is returned when the credential is empty (checked
// locally, without a request) or the remote endpoint rejects it.
var ErrUnauthorized = errors.New("identity: credential rejected")

// Verifier resolves a handshake credential to a user identifier.
type Verifier interface {
	Verify(ctx context.Context, credential string) (userID string, err error)
}

// Client is a fasthttp-backed Verifier calling a remote identity
// endpoint.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	timeout time.Duration
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, MaxConnsPerHost: 64},
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type verifyRequest struct {
	Credential string `json:"credential"`
}

type verifyResponse struct {
	UserID string `json:"userId"`
	Valid  bool   `json:"valid"`
}

// Verify calls the remote endpoint once. A network error is surfaced as
// an error distinct from ErrUnauthorized, since the caller (the fabric's
// handshake path) may choose to treat them differently (e.g. closing
// with a retry-able status).
func (c *Client) Verify(ctx context.Context, credential string) (string, error) {
	if strings.TrimSpace(credential) == "" {
		return "", ErrUnauthorized
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	body, err := json.Marshal(verifyRequest{Credential: credential})
	if err != nil {
		return "", fmt.Errorf("identity: marshal request: %w", err)
	}
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(c.baseURL + "/verify")
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline := c.computeDeadline(ctx)
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return "", fmt.Errorf("identity: verify request failed: %w", err)
	}

	if resp.StatusCode() == fasthttp.StatusUnauthorized || resp.StatusCode() == fasthttp.StatusForbidden {
		return "", ErrUnauthorized
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return "", fmt.Errorf("identity: verify status=%d", resp.StatusCode())
	}

	var out verifyResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("identity: decode response: %w", err)
	}
	if !out.Valid || strings.TrimSpace(out.UserID) == "" {
		return "", ErrUnauthorized
	}
	return out.UserID, nil
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.timeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.timeout)
}
