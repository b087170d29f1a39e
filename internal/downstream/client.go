// ============================================================================
// Downstream Client
// ============================================================================
//
// Package: internal/downstream
// File: client.go
// Purpose: Performs one business call against a named integration.
//
// Call flow:
//   1. Token from the session cache
//   2. Request with the token attached, bounded by the call timeout
//   3. On an authentication failure (401 or a session fault marker in the
//      body) the token is invalidated, a fresh one obtained, and the call
//      retried exactly once
//   4. The raw result is returned as-is; classification happens elsewhere
//
// This layer is transport only. Request contents are validated upstream.
//
// ============================================================================

package downstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/extask-gateway/internal/metrics"
	"github.com/ChuLiYu/extask-gateway/pkg/types"
)

var log = slog.Default()

const (
	// DefaultCallTimeout applies when neither the request nor the integration sets one.
	DefaultCallTimeout = 30 * time.Second
	maxResponseBytes   = 32 << 20
)

// TokenSource hands out and invalidates session tokens.
type TokenSource interface {
	Token(ctx context.Context, integrationID string) (string, error)
	InvalidateToken(integrationID, token string) bool
}

// Integration describes how to reach one downstream system.
type Integration struct {
	ID                  string
	BaseURL             string
	CallTimeout         time.Duration // default per call
	MaxCallTimeout      time.Duration // upper bound for request overrides
	AuthHeader          string        // defaults to Authorization
	AuthScheme          string        // defaults to Bearer; "-" sends the raw token
	SessionFaultMarkers []string      // body substrings meaning "session invalid"
}

// Request is one business call.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Header      http.Header
	Body        []byte
	ContentType string
	Timeout     time.Duration
}

// RawResult is what the integration answered, or why it could not be reached.
type RawResult struct {
	Integration     string
	StatusCode      int
	Header          http.Header
	Body            []byte
	Err             error // set when no response was obtained
	AuthFailed      bool  // still rejected as unauthenticated after the retry
	Attempts        int
	Reauthenticated bool
	Duration        time.Duration

	token string
}

// Client calls integrations with credentials from a TokenSource.
type Client struct {
	http         *http.Client
	tokens       TokenSource
	integrations map[string]Integration
	metrics      *metrics.Collector
}

// NewClient creates a Client. A nil httpClient uses a client without a global
// timeout; every call is bounded by its own context deadline.
func NewClient(httpClient *http.Client, tokens TokenSource, integrations []Integration, collector *metrics.Collector) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	byID := make(map[string]Integration, len(integrations))
	for _, in := range integrations {
		byID[in.ID] = in
	}
	return &Client{
		http:         httpClient,
		tokens:       tokens,
		integrations: byID,
		metrics:      collector,
	}
}

// Integration returns the configuration of id.
func (c *Client) Integration(id string) (Integration, bool) {
	in, ok := c.integrations[id]
	return in, ok
}

// Call performs req against integration id, re-authenticating at most once.
func (c *Client) Call(ctx context.Context, id string, req Request) RawResult {
	in, ok := c.integrations[id]
	if !ok {
		return RawResult{Integration: id, Err: fmt.Errorf("%w: unknown integration %q", types.ErrFatal, id)}
	}

	start := time.Now()
	res := c.attempt(ctx, in, req)
	res.Attempts = 1

	if c.authFailure(in, res) {
		log.Info("Session rejected, re-authenticating", "integration", id, "status", res.StatusCode)
		c.tokens.InvalidateToken(id, res.token)

		res = c.attempt(ctx, in, req)
		res.Attempts = 2
		res.Reauthenticated = true
		res.AuthFailed = c.authFailure(in, res)
		if res.AuthFailed {
			log.Warn("Session rejected after re-authentication", "integration", id, "status", res.StatusCode)
		}
	}

	res.Duration = time.Since(start)
	return res
}

func (c *Client) attempt(ctx context.Context, in Integration, req Request) RawResult {
	res := RawResult{Integration: in.ID}

	token, err := c.tokens.Token(ctx, in.ID)
	if err != nil {
		res.Err = err
		return res
	}
	res.token = token

	callCtx, cancel := context.WithTimeout(ctx, callTimeout(in, req))
	defer cancel()

	httpReq, err := c.buildRequest(callCtx, in, req, token)
	if err != nil {
		res.Err = fmt.Errorf("%w: build request: %v", types.ErrFatal, err)
		return res
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.RecordDownstream(in.ID, 0, time.Since(start))
		res.Err = fmt.Errorf("%w: %s %s: %v", types.ErrTransient, httpReq.Method, httpReq.URL.Path, err)
		return res
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordDownstream(in.ID, resp.StatusCode, time.Since(start))
	if err != nil {
		res.Err = fmt.Errorf("%w: read response: %v", types.ErrTransient, err)
		return res
	}

	res.StatusCode = resp.StatusCode
	res.Header = resp.Header
	res.Body = body
	return res
}

func (c *Client) buildRequest(ctx context.Context, in Integration, req Request, token string) (*http.Request, error) {
	target, err := joinURL(in.BaseURL, req.Path, req.Query)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	header := in.AuthHeader
	if header == "" {
		header = "Authorization"
	}
	switch in.AuthScheme {
	case "-":
		httpReq.Header.Set(header, token)
	case "":
		httpReq.Header.Set(header, "Bearer "+token)
	default:
		httpReq.Header.Set(header, in.AuthScheme+" "+token)
	}
	return httpReq, nil
}

// authFailure reports whether res means the session was not accepted.
func (c *Client) authFailure(in Integration, res RawResult) bool {
	if res.Err != nil {
		return false
	}
	if res.StatusCode == http.StatusUnauthorized {
		return true
	}
	if len(in.SessionFaultMarkers) == 0 || len(res.Body) == 0 {
		return false
	}
	body := string(res.Body)
	for _, marker := range in.SessionFaultMarkers {
		if marker != "" && strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

func callTimeout(in Integration, req Request) time.Duration {
	timeout := in.CallTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if in.MaxCallTimeout > 0 && timeout > in.MaxCallTimeout {
		timeout = in.MaxCallTimeout
	}
	return timeout
}

// joinURL appends an already escaped path to base.
func joinURL(base, path string, query url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", base, err)
	}
	if path != "" {
		raw := strings.TrimRight(u.EscapedPath(), "/") + "/" + strings.TrimLeft(path, "/")
		unescaped, err := url.PathUnescape(raw)
		if err != nil {
			return "", fmt.Errorf("escape path %q: %w", path, err)
		}
		u.Path, u.RawPath = unescaped, raw
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
