package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/extask-gateway/pkg/types"
)

// ProcessTaskPath is the gateway endpoint a worker delegates to.
const ProcessTaskPath = "/process-task"

// DefaultUnreachableBackoff is the retry hint when the gateway cannot be reached.
const DefaultUnreachableBackoff = 30 * time.Second

// ProcessTaskRequest is the body of POST /process-task.
type ProcessTaskRequest struct {
	TaskID    types.TaskID    `json:"task_id"`
	Topic     string          `json:"topic"`
	Variables types.Variables `json:"variables"`
}

// HTTPDelegate delegates to a gateway running in another process.
type HTTPDelegate struct {
	url     string
	client  *http.Client
	backoff time.Duration
}

// NewHTTPDelegate creates a delegate for the gateway at baseURL. The client
// must carry a timeout that covers the slowest downstream call.
func NewHTTPDelegate(baseURL string, client *http.Client, backoff time.Duration) *HTTPDelegate {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	if backoff <= 0 {
		backoff = DefaultUnreachableBackoff
	}
	return &HTTPDelegate{
		url:     strings.TrimRight(baseURL, "/") + ProcessTaskPath,
		client:  client,
		backoff: backoff,
	}
}

// Delegate implements dispatcher.Delegate. A gateway that cannot be reached
// yields a RetryableFailure.
func (d *HTTPDelegate) Delegate(ctx context.Context, topic string, taskID types.TaskID, vars types.Variables) types.Outcome {
	body, err := json.Marshal(ProcessTaskRequest{TaskID: taskID, Topic: topic, Variables: vars})
	if err != nil {
		return types.FatalFailure(fmt.Sprintf("encode delegation request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return types.FatalFailure(fmt.Sprintf("build delegation request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		log.Warn("Gateway unreachable", "taskID", taskID, "topic", topic, "error", err)
		return types.RetryableFailure(fmt.Sprintf("gateway unreachable: %v", err), d.backoff)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return types.RetryableFailure(fmt.Sprintf("read gateway response: %v", err), d.backoff)
	}

	switch {
	case resp.StatusCode >= 500:
		return types.RetryableFailure(fmt.Sprintf("gateway answered %d", resp.StatusCode), d.backoff)
	case resp.StatusCode != http.StatusOK:
		return types.FatalFailure(fmt.Sprintf("gateway rejected the task with %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	var out types.Outcome
	if err := json.Unmarshal(data, &out); err != nil {
		return types.FatalFailure(fmt.Sprintf("gateway returned a malformed outcome: %v", err))
	}
	return out
}
