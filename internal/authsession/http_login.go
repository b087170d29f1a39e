package authsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ChuLiYu/extask-gateway/pkg/types"
)

// Endpoint is the login contract of one integration.
type Endpoint struct {
	URL      string
	Identity string
	Secret   string
}

type loginRequest struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
}

type loginResponse struct {
	Token            string `json:"token"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
}

// HTTPLogin logs in with POST {identity, secret} and reads {token, expires_in_seconds}.
type HTTPLogin struct {
	client    *http.Client
	endpoints map[string]Endpoint
}

// NewHTTPLogin creates an HTTPLogin. A nil client uses http.DefaultClient.
func NewHTTPLogin(client *http.Client, endpoints map[string]Endpoint) *HTTPLogin {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPLogin{client: client, endpoints: endpoints}
}

// Login implements Login.
//
// A 4xx answer means the credentials or configuration are wrong and wraps
// types.ErrAuthentication. Transport failures and 5xx wrap types.ErrTransient.
func (l *HTTPLogin) Login(ctx context.Context, integrationID string) (string, time.Duration, error) {
	ep, ok := l.endpoints[integrationID]
	if !ok {
		return "", 0, fmt.Errorf("%w: no login endpoint for integration %q", types.ErrFatal, integrationID)
	}

	body, err := json.Marshal(loginRequest{Identity: ep.Identity, Secret: ep.Secret})
	if err != nil {
		return "", 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("%w: build login request: %v", types.ErrFatal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: login request failed: %v", types.ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("%w: read login response: %v", types.ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return "", 0, fmt.Errorf("%w: login endpoint returned %d", types.ErrTransient, resp.StatusCode)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return "", 0, fmt.Errorf("%w: login endpoint returned %d", types.ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", 0, fmt.Errorf("%w: login rejected with status %d", types.ErrAuthentication, resp.StatusCode)
	}

	var out loginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", 0, fmt.Errorf("%w: malformed login response: %v", types.ErrAuthentication, err)
	}
	if out.Token == "" {
		return "", 0, fmt.Errorf("%w: %v", types.ErrAuthentication, ErrEmptyToken)
	}
	if out.ExpiresInSeconds <= 0 {
		return "", 0, fmt.Errorf("%w: login response without expiry", types.ErrAuthentication)
	}
	return out.Token, time.Duration(out.ExpiresInSeconds) * time.Second, nil
}
