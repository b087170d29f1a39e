package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutcomeKind tags which variant of Outcome is populated.
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeBusinessError    OutcomeKind = "business_error"
	OutcomeRetryableFailure OutcomeKind = "retryable_failure"
	OutcomeFatalFailure     OutcomeKind = "fatal_failure"
)

// Outcome is the result of processing a task. Exactly one variant is populated,
// selected by Kind. Build values with Success, BusinessError, RetryableFailure
// and FatalFailure.
type Outcome struct {
	Kind OutcomeKind

	// Success
	ResultVariables Variables

	// BusinessError
	ErrorCode string

	// BusinessError, RetryableFailure, FatalFailure
	Message string

	// RetryableFailure
	RetryAfter      time.Duration
	RetriesOverride *int
}

// Success completes the task with result variables.
func Success(vars Variables) Outcome {
	if vars == nil {
		vars = Variables{}
	}
	return Outcome{Kind: OutcomeSuccess, ResultVariables: vars}
}

// BusinessError raises a BPMN error. It never consumes a retry.
func BusinessError(code, message string) Outcome {
	return Outcome{Kind: OutcomeBusinessError, ErrorCode: code, Message: message}
}

// RetryableFailure reports a transient failure; the engine retries after retryAfter.
func RetryableFailure(message string, retryAfter time.Duration) Outcome {
	return Outcome{Kind: OutcomeRetryableFailure, Message: message, RetryAfter: retryAfter}
}

// WithRetries overrides the retries the engine is told remain.
func (o Outcome) WithRetries(n int) Outcome {
	o.RetriesOverride = &n
	return o
}

// FatalFailure raises an incident regardless of remaining retries.
func FatalFailure(message string) Outcome {
	return Outcome{Kind: OutcomeFatalFailure, Message: message}
}

// IsTerminal reports whether the task will not be retried by the engine.
func (o Outcome) IsTerminal() bool {
	return o.Kind != OutcomeRetryableFailure
}

// RetriesAfter returns the retries_remaining value to report for this outcome
// given the task's current budget. Only RetryableFailure decrements it.
func (o Outcome) RetriesAfter(current int) int {
	if o.Kind != OutcomeRetryableFailure {
		return current
	}
	if o.RetriesOverride != nil {
		return max(*o.RetriesOverride, 0)
	}
	return max(current-1, 0)
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeSuccess:
		return fmt.Sprintf("success(%d vars)", len(o.ResultVariables))
	case OutcomeBusinessError:
		return fmt.Sprintf("business_error(%s: %s)", o.ErrorCode, o.Message)
	case OutcomeRetryableFailure:
		return fmt.Sprintf("retryable_failure(%s, after %s)", o.Message, o.RetryAfter)
	case OutcomeFatalFailure:
		return fmt.Sprintf("fatal_failure(%s)", o.Message)
	default:
		return "invalid_outcome"
	}
}

// Validate checks that the populated fields match Kind.
func (o Outcome) Validate() error {
	switch o.Kind {
	case OutcomeSuccess:
		if o.ErrorCode != "" || o.Message != "" || o.RetryAfter != 0 {
			return fmt.Errorf("success outcome carries failure fields")
		}
	case OutcomeBusinessError:
		if o.ErrorCode == "" {
			return fmt.Errorf("business error without error code")
		}
		if o.ResultVariables != nil || o.RetryAfter != 0 {
			return fmt.Errorf("business error carries foreign fields")
		}
	case OutcomeRetryableFailure:
		if o.ResultVariables != nil || o.ErrorCode != "" {
			return fmt.Errorf("retryable failure carries foreign fields")
		}
		if o.RetryAfter < 0 {
			return fmt.Errorf("negative retry_after")
		}
	case OutcomeFatalFailure:
		if o.ResultVariables != nil || o.ErrorCode != "" || o.RetryAfter != 0 {
			return fmt.Errorf("fatal failure carries foreign fields")
		}
	default:
		return fmt.Errorf("unknown outcome kind %q", o.Kind)
	}
	return nil
}

// outcomeWire is the /process-task response body.
type outcomeWire struct {
	Status          OutcomeKind `json:"status"`
	ErrorCode       string      `json:"error_code,omitempty"`
	Message         string      `json:"message,omitempty"`
	RetryAfterMs    int64       `json:"retry_after_ms,omitempty"`
	Retries         *int        `json:"retries,omitempty"`
	ResultVariables Variables   `json:"result_variables,omitempty"`
}

// MarshalJSON encodes the outcome in the gateway response format.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(outcomeWire{
		Status:          o.Kind,
		ErrorCode:       o.ErrorCode,
		Message:         o.Message,
		RetryAfterMs:    o.RetryAfter.Milliseconds(),
		Retries:         o.RetriesOverride,
		ResultVariables: o.ResultVariables,
	})
}

// UnmarshalJSON decodes the gateway response format and rejects malformed variants.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var w outcomeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Outcome{
		Kind:            w.Status,
		ErrorCode:       w.ErrorCode,
		Message:         w.Message,
		RetryAfter:      time.Duration(w.RetryAfterMs) * time.Millisecond,
		RetriesOverride: w.Retries,
	}
	if w.Status == OutcomeSuccess {
		out.ResultVariables = w.ResultVariables
		if out.ResultVariables == nil {
			out.ResultVariables = Variables{}
		}
	}
	if err := out.Validate(); err != nil {
		return fmt.Errorf("invalid outcome: %w", err)
	}
	*o = out
	return nil
}
