// ============================================================================
// Task Dispatcher
// ============================================================================
//
// Package: internal/dispatcher
// File: dispatcher.go
// Purpose: Validates a claimed task and hands it to its topic handler.
//
// Flow per task:
//   1. Look up the topic registration
//   2. Validate the input variables; a failure becomes a BusinessError with
//      code ERRO_VALIDACAO_<TOPIC> and no network call is made
//   3. Run the handler (usually a delegation to the gateway)
//   4. Return the Outcome; reporting to the engine happens in the worker
//
// A Dispatcher is safe for concurrent use. It holds no per-task state.
//
// ============================================================================

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ChuLiYu/extask-gateway/internal/metrics"
	"github.com/ChuLiYu/extask-gateway/pkg/types"
	"github.com/hashicorp/go-multierror"
)

var log = slog.Default()

// ValidationCodePrefix prefixes the topic in validation error codes.
const ValidationCodePrefix = "ERRO_VALIDACAO_"

// Delegate hands validated input to wherever the downstream call runs.
type Delegate interface {
	Delegate(ctx context.Context, topic string, taskID types.TaskID, vars types.Variables) types.Outcome
}

// DelegateHandler returns a handler that forwards every task to d.
func DelegateHandler(d Delegate) HandlerFunc {
	return func(ctx context.Context, task *types.Task) types.Outcome {
		return d.Delegate(ctx, task.Topic, task.ID, task.Variables)
	}
}

// Dispatcher runs registered handlers.
type Dispatcher struct {
	registry *Registry
	metrics  *metrics.Collector
}

func New(registry *Registry, collector *metrics.Collector) *Dispatcher {
	return &Dispatcher{registry: registry, metrics: collector}
}

// Registry returns the registry the dispatcher serves.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Handle validates task and runs its handler. It always returns a valid Outcome.
func (d *Dispatcher) Handle(ctx context.Context, task *types.Task) (out types.Outcome) {
	reg, ok := d.registry.Lookup(task.Topic)
	if !ok {
		log.Error("Task for unregistered topic", "taskID", task.ID, "topic", task.Topic)
		return types.FatalFailure(fmt.Sprintf("%v: %s", ErrUnknownTopic, task.Topic))
	}

	if reg.Validator != nil {
		if err := reg.Validator.Validate(task.Variables); err != nil {
			d.metrics.RecordValidationFailure(task.Topic)
			out = types.BusinessError(ValidationCode(task.Topic), validationMessage(err))
			log.Info("Task input rejected", "taskID", task.ID, "topic", task.Topic, "reason", out.Message)
			return out
		}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panicked", "taskID", task.ID, "topic", task.Topic, "panic", r)
			out = types.FatalFailure(fmt.Sprintf("handler for %s panicked: %v", task.Topic, r))
		}
	}()

	out = reg.Handler(ctx, task)
	if err := out.Validate(); err != nil {
		log.Error("Handler returned a malformed outcome", "taskID", task.ID, "topic", task.Topic, "error", err)
		return types.FatalFailure(fmt.Sprintf("handler for %s returned a malformed outcome: %v", task.Topic, err))
	}
	return out
}

// ValidationCode is the business error code of a validation failure on topic.
func ValidationCode(topic string) string {
	code := strings.ToUpper(strings.TrimSpace(topic))
	code = strings.Map(func(r rune) rune {
		if r == '-' || r == '.' || r == ' ' {
			return '_'
		}
		return r
	}, code)
	return ValidationCodePrefix + code
}

func validationMessage(err error) string {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		return merr.Error()
	}
	return strings.TrimPrefix(err.Error(), types.ErrValidation.Error()+": ")
}
