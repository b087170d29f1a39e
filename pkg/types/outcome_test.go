package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRetriesAfter: only a retryable failure consumes a retry.
func TestRetriesAfter(t *testing.T) {
	for _, current := range []int{0, 1, 3, 10} {
		assert.Equal(t, current, Success(nil).RetriesAfter(current))
		assert.Equal(t, current, BusinessError("ERRO_X", "bad").RetriesAfter(current))
		assert.Equal(t, current, FatalFailure("corrupt").RetriesAfter(current))

		want := current - 1
		if want < 0 {
			want = 0
		}
		assert.Equal(t, want, RetryableFailure("down", time.Second).RetriesAfter(current))
	}

	assert.Equal(t, 7, RetryableFailure("down", 0).WithRetries(7).RetriesAfter(3))
	assert.Equal(t, 0, RetryableFailure("down", 0).WithRetries(-2).RetriesAfter(3))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, Success(nil).IsTerminal())
	assert.True(t, BusinessError("E", "m").IsTerminal())
	assert.True(t, FatalFailure("m").IsTerminal())
	assert.False(t, RetryableFailure("m", 0).IsTerminal())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Success(Variables{"a": 1}).Validate())
	assert.NoError(t, BusinessError("E", "m").Validate())
	assert.NoError(t, RetryableFailure("m", time.Second).Validate())
	assert.NoError(t, FatalFailure("m").Validate())

	assert.Error(t, BusinessError("", "m").Validate())
	assert.Error(t, Outcome{Kind: OutcomeSuccess, ErrorCode: "E"}.Validate())
	assert.Error(t, Outcome{Kind: OutcomeFatalFailure, RetryAfter: time.Second}.Validate())
	assert.Error(t, Outcome{Kind: OutcomeRetryableFailure, ErrorCode: "E"}.Validate())
	assert.Error(t, Outcome{Kind: OutcomeRetryableFailure, RetryAfter: -time.Second}.Validate())
	assert.Error(t, Outcome{}.Validate())
}

func TestOutcomeWireFormat(t *testing.T) {
	data, err := json.Marshal(RetryableFailure("busy", 1500*time.Millisecond))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status": "retryable_failure", "message": "busy", "retry_after_ms": 1500}`, string(data))

	data, err = json.Marshal(BusinessError("ERRO_NEGOCIO", "archived"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status": "business_error", "error_code": "ERRO_NEGOCIO", "message": "archived"}`, string(data))

	var out Outcome
	require.NoError(t, json.Unmarshal([]byte(`{"status": "success", "result_variables": {"n": 2}}`), &out))
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, json.Number("2"), out.ResultVariables["n"])

	require.NoError(t, json.Unmarshal([]byte(`{"status": "success"}`), &out))
	assert.NotNil(t, out.ResultVariables)

	require.NoError(t, json.Unmarshal([]byte(`{"status": "retryable_failure", "message": "x", "retries": 2}`), &out))
	require.NotNil(t, out.RetriesOverride)
	assert.Equal(t, 2, *out.RetriesOverride)
}

func TestOutcomeRejectsMalformedVariants(t *testing.T) {
	bad := []string{
		`{"status": "business_error", "message": "no code"}`,
		`{"status": "fatal_failure", "error_code": "E"}`,
		`{"status": "done"}`,
		`{}`,
		`[1]`,
	}
	for _, body := range bad {
		var out Outcome
		assert.Error(t, json.Unmarshal([]byte(body), &out), body)
	}
}
