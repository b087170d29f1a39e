// ============================================================================
// Process Engine Client
// ============================================================================
//
// Package: internal/engine
// File: client.go
// Purpose: REST client for the external-task protocol of the process engine.
//
// Endpoints (all POST, JSON):
//   /claim                     {topics, max_tasks, lock_duration_ms, worker_id} -> [Task]
//   /extend-lock               {task_id, lock_duration_ms}
//   /complete                  {task_id, result_variables}
//   /report-business-error     {task_id, error_code, message}
//   /report-retryable-failure  {task_id, message, retries_remaining, retry_after_ms}
//   /report-incident           {task_id, message}
//
// A 404 or 409 on extend or report means the caller no longer holds the lock.
//
// ============================================================================

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/extask-gateway/pkg/types"
)

var log = slog.Default()

var (
	// ErrLockRejected means the engine refused to extend a lock.
	ErrLockRejected = errors.New("lock extension rejected")
	// ErrReportRejected means the engine refused an outcome report.
	ErrReportRejected = errors.New("report rejected")
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultRetries        = 3
)

// Protocol paths.
const (
	PathClaim                  = "/claim"
	PathExtendLock             = "/extend-lock"
	PathComplete               = "/complete"
	PathReportBusinessError    = "/report-business-error"
	PathReportRetryableFailure = "/report-retryable-failure"
	PathReportIncident         = "/report-incident"
)

// ============================================================================
// Wire types
// ============================================================================

type ClaimRequest struct {
	Topics         []string `json:"topics"`
	MaxTasks       int      `json:"max_tasks"`
	LockDurationMs int64    `json:"lock_duration_ms"`
	WorkerID       string   `json:"worker_id"`
}

// TaskPayload is a claimed task as sent by the engine. Some engines omit
// retries_remaining on the first claim.
type TaskPayload struct {
	ID               types.TaskID    `json:"id"`
	Topic            string          `json:"topic"`
	Variables        types.Variables `json:"variables"`
	LockExpiresAt    *time.Time      `json:"lock_expires_at,omitempty"`
	RetriesRemaining *int            `json:"retries_remaining,omitempty"`
}

type ExtendLockRequest struct {
	TaskID         types.TaskID `json:"task_id"`
	LockDurationMs int64        `json:"lock_duration_ms"`
}

type CompleteRequest struct {
	TaskID          types.TaskID    `json:"task_id"`
	ResultVariables types.Variables `json:"result_variables"`
}

type BusinessErrorRequest struct {
	TaskID    types.TaskID `json:"task_id"`
	ErrorCode string       `json:"error_code"`
	Message   string       `json:"message"`
}

type RetryableFailureRequest struct {
	TaskID           types.TaskID `json:"task_id"`
	Message          string       `json:"message"`
	RetriesRemaining int          `json:"retries_remaining"`
	RetryAfterMs     int64        `json:"retry_after_ms"`
}

type IncidentRequest struct {
	TaskID  types.TaskID `json:"task_id"`
	Message string       `json:"message"`
}

// ============================================================================
// Client
// ============================================================================

// Config holds the client settings.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	DefaultRetries int
}

// Client talks to one process engine.
type Client struct {
	baseURL        string
	http           *http.Client
	timeout        time.Duration
	defaultRetries int
	now            func() time.Time
}

// NewClient creates a Client. A nil httpClient uses http.DefaultClient; each
// request is bounded by cfg.RequestTimeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.DefaultRetries <= 0 {
		cfg.DefaultRetries = DefaultRetries
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		http:           httpClient,
		timeout:        cfg.RequestTimeout,
		defaultRetries: cfg.DefaultRetries,
		now:            time.Now,
	}
}

// Claim locks up to req.MaxTasks tasks of the given topics.
func (c *Client) Claim(ctx context.Context, req types.ClaimRequest) ([]*types.Task, error) {
	sent := c.now()
	var payloads []TaskPayload
	err := c.post(ctx, PathClaim, ClaimRequest{
		Topics:         req.Topics,
		MaxTasks:       req.MaxTasks,
		LockDurationMs: req.LockDuration.Milliseconds(),
		WorkerID:       req.WorkerID,
	}, &payloads)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	tasks := make([]*types.Task, 0, len(payloads))
	for _, p := range payloads {
		task := &types.Task{
			ID:               p.ID,
			Topic:            p.Topic,
			Variables:        p.Variables,
			RetriesRemaining: c.defaultRetries,
			WorkerID:         req.WorkerID,
		}
		if task.Variables == nil {
			task.Variables = types.Variables{}
		}
		if p.RetriesRemaining != nil {
			task.RetriesRemaining = *p.RetriesRemaining
		}
		// Without an expiry from the engine the lock is assumed to run from
		// the moment the claim was sent.
		if p.LockExpiresAt != nil {
			task.LockExpiresAt = *p.LockExpiresAt
		} else {
			task.LockExpiresAt = sent.Add(req.LockDuration)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ExtendLock renews the lock on taskID for d.
func (c *Client) ExtendLock(ctx context.Context, taskID types.TaskID, d time.Duration) error {
	err := c.post(ctx, PathExtendLock, ExtendLockRequest{TaskID: taskID, LockDurationMs: d.Milliseconds()}, nil)
	if errors.Is(err, errRejected) {
		return fmt.Errorf("%w: %s: %w", ErrLockRejected, taskID, err)
	}
	return err
}

// Complete reports success with result variables.
func (c *Client) Complete(ctx context.Context, taskID types.TaskID, vars types.Variables) error {
	if vars == nil {
		vars = types.Variables{}
	}
	return c.report(ctx, PathComplete, taskID, CompleteRequest{TaskID: taskID, ResultVariables: vars})
}

// ReportBusinessError raises a BPMN error on the task.
func (c *Client) ReportBusinessError(ctx context.Context, taskID types.TaskID, code, message string) error {
	return c.report(ctx, PathReportBusinessError, taskID, BusinessErrorRequest{TaskID: taskID, ErrorCode: code, Message: message})
}

// ReportRetryableFailure reports a failure the engine retries after retryAfter.
func (c *Client) ReportRetryableFailure(ctx context.Context, taskID types.TaskID, message string, retriesRemaining int, retryAfter time.Duration) error {
	return c.report(ctx, PathReportRetryableFailure, taskID, RetryableFailureRequest{
		TaskID:           taskID,
		Message:          message,
		RetriesRemaining: retriesRemaining,
		RetryAfterMs:     retryAfter.Milliseconds(),
	})
}

// ReportIncident raises an operator-visible incident.
func (c *Client) ReportIncident(ctx context.Context, taskID types.TaskID, message string) error {
	return c.report(ctx, PathReportIncident, taskID, IncidentRequest{TaskID: taskID, Message: message})
}

func (c *Client) report(ctx context.Context, path string, taskID types.TaskID, body any) error {
	err := c.post(ctx, path, body, nil)
	if errors.Is(err, errRejected) {
		return fmt.Errorf("%w: %s %s: %w", ErrReportRejected, path, taskID, err)
	}
	return err
}

// errRejected marks 404/409 answers.
var errRejected = errors.New("task not locked by caller")

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrTransient, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", types.ErrTransient, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w (%d): %s", errRejected, resp.StatusCode, strings.TrimSpace(string(data)))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s answered %d", types.ErrTransient, path, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s answered %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		log.Warn("Malformed engine response", "path", path, "error", err)
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
