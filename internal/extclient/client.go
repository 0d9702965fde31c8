// Package extclient talks to the services the trade engine depends on but
// does not own: offers, user profiles, market prices and the randomness
// oracle. Every remote call goes through a per-host circuit breaker.
package extclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/tradeescrow/internal/circuitbreaker"
)

// ErrNotFound is returned for a 404 from the remote service.
var ErrNotFound = errors.New("resource not found")

// StatusError is a non-2xx response.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("remote error (%d)", e.Status)
}

// Config configures one remote service.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// client is the JSON transport shared by the concrete clients.
type client struct {
	base    string
	host    string
	token   string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

func newClient(cfg Config, breaker *circuitbreaker.Breaker) (*client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &client{
		base:    u.String(),
		host:    u.Host,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
	}, nil
}

// countable reports whether err says something about the remote's health.
// Client-side mistakes (4xx) leave the circuit alone.
func countable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}
	return true
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	err := c.breaker.Do(c.host, func() error {
		return c.roundTrip(ctx, method, path, body, out)
	}, countable)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%s: %w", c.host, err)
	}
	return err
}

func (c *client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		se := &StatusError{Status: resp.StatusCode}
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil {
			se.Code, se.Message = apiErr.Error, apiErr.Message
		}
		return se
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
