package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Variables maps a variable name to a string, integer, boolean or JSON value.
// Values decoded from the wire keep integers as json.Number.
type Variables map[string]any

// DecodeVariables parses a JSON object preserving integer precision.
func DecodeVariables(data []byte) (Variables, error) {
	vars := Variables{}
	if len(bytes.TrimSpace(data)) == 0 {
		return vars, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&vars); err != nil {
		return nil, fmt.Errorf("decode variables: %w", err)
	}
	return vars, nil
}

// UnmarshalJSON keeps integers as json.Number.
func (v *Variables) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = nil
		return nil
	}
	m := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return err
	}
	*v = m
	return nil
}

// Has reports whether name is present with a non-nil value.
func (v Variables) Has(name string) bool {
	val, ok := v[name]
	return ok && val != nil
}

// String returns the value as a string. Numbers and booleans are formatted.
func (v Variables) String(name string) (string, bool) {
	switch val := v[name].(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case bool:
		return strconv.FormatBool(val), true
	case int, int32, int64, float64:
		return fmt.Sprint(val), true
	default:
		return "", false
	}
}

// Int returns the value as an integer. Strings holding an integer are accepted.
func (v Variables) Int(name string) (int64, bool) {
	switch val := v[name].(type) {
	case json.Number:
		n, err := val.Int64()
		return n, err == nil
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case float64:
		if val != math.Trunc(val) {
			return 0, false
		}
		return int64(val), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Bool returns the value as a boolean. "true"/"false" strings are accepted.
func (v Variables) Bool(name string) (bool, bool) {
	switch val := v[name].(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		return b, err == nil
	default:
		return false, false
	}
}

// JSON returns the value as a JSON object or array.
func (v Variables) JSON(name string) (any, bool) {
	switch val := v[name].(type) {
	case map[string]any, []any:
		return val, true
	case string:
		var out any
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			return nil, false
		}
		switch out.(type) {
		case map[string]any, []any:
			return out, true
		}
		return nil, false
	default:
		return nil, false
	}
}

// Clone returns a shallow copy.
func (v Variables) Clone() Variables {
	out := make(Variables, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
