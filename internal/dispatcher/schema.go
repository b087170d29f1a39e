package dispatcher

import (
	"fmt"
	"strings"

	"github.com/ChuLiYu/extask-gateway/pkg/types"
	"github.com/hashicorp/go-multierror"
)

// FieldType is the expected kind of a task variable.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeJSON    FieldType = "json"
)

// FieldRule constrains one input variable.
type FieldRule struct {
	Name      string
	Type      FieldType
	Required  bool
	Min       *int64 // integer lower bound
	Max       *int64 // integer upper bound
	MaxLength int    // string length bound, zero means unbounded
}

// Validator checks task input before anything leaves the process.
type Validator interface {
	Validate(vars types.Variables) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(vars types.Variables) error

func (f ValidatorFunc) Validate(vars types.Variables) error { return f(vars) }

// Schema is the declarative validator used for configured topics.
type Schema struct {
	Fields []FieldRule
}

// Validate checks every rule and reports all offending fields at once. The
// returned error wraps types.ErrValidation.
func (s Schema) Validate(vars types.Variables) error {
	var result *multierror.Error
	for _, rule := range s.Fields {
		if err := rule.check(vars); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result == nil {
		return nil
	}
	result.ErrorFormat = joinErrors
	return fmt.Errorf("%w: %w", types.ErrValidation, result)
}

func (r FieldRule) check(vars types.Variables) error {
	if !vars.Has(r.Name) {
		if r.Required {
			return fmt.Errorf("%s is required", r.Name)
		}
		return nil
	}

	switch r.Type {
	case TypeInteger:
		n, ok := vars.Int(r.Name)
		if !ok {
			return fmt.Errorf("%s must be an integer", r.Name)
		}
		if r.Max != nil && n > *r.Max {
			return fmt.Errorf("%s exceeds %d", r.Name, *r.Max)
		}
		if r.Min != nil && n < *r.Min {
			return fmt.Errorf("%s is below %d", r.Name, *r.Min)
		}

	case TypeBoolean:
		if _, ok := vars.Bool(r.Name); !ok {
			return fmt.Errorf("%s must be a boolean", r.Name)
		}

	case TypeJSON:
		if _, ok := vars.JSON(r.Name); !ok {
			return fmt.Errorf("%s must be a JSON object or array", r.Name)
		}

	default: // string
		s, ok := vars.String(r.Name)
		if !ok {
			return fmt.Errorf("%s must be a string", r.Name)
		}
		s = strings.TrimSpace(s)
		if r.Required && s == "" {
			return fmt.Errorf("%s must not be empty", r.Name)
		}
		if r.MaxLength > 0 && len([]rune(s)) > r.MaxLength {
			return fmt.Errorf("%s exceeds %d characters", r.Name, r.MaxLength)
		}
	}
	return nil
}

func joinErrors(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
