package config

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/extask-gateway/internal/authsession"
	"github.com/ChuLiYu/extask-gateway/internal/classifier"
	"github.com/ChuLiYu/extask-gateway/internal/dispatcher"
	"github.com/ChuLiYu/extask-gateway/internal/downstream"
	"github.com/ChuLiYu/extask-gateway/internal/engine"
	"github.com/ChuLiYu/extask-gateway/internal/gateway"
	"github.com/ChuLiYu/extask-gateway/internal/worker"
)

// DefaultRenewalBuffer applies to integrations without renewal_buffer.
const DefaultRenewalBuffer = time.Minute

// Builders turn the file layout into the settings each component takes.

func (c *Config) EngineClient() engine.Config {
	return engine.Config{
		BaseURL:        c.Engine.BaseURL,
		RequestTimeout: c.Engine.RequestTimeout,
		DefaultRetries: c.Engine.DefaultRetries,
	}
}

func (c *Config) Worker(workerID string) worker.Config {
	return worker.Config{
		WorkerID:         workerID,
		Topics:           c.Engine.Topics,
		MaxTasks:         c.Engine.MaxTasks,
		LockDuration:     c.Engine.LockDuration,
		LockExtendMargin: c.Engine.LockExtendMargin,
		PollInterval:     c.Engine.PollInterval,
		MaxPollBackoff:   c.Engine.MaxPollBackoff,
		ReportTimeout:    c.Engine.ReportTimeout,
	}
}

func (c *Config) ClassifierPolicy() classifier.Policy {
	return classifier.Policy{
		DefaultBackoff:   c.Gateway.DefaultBackoff,
		RateLimitBackoff: c.Gateway.RateLimitBackoff,
		MaxRetryAfter:    c.Gateway.MaxRetryAfter,
	}
}

func (c *Config) Routes() []gateway.Route {
	routes := make([]gateway.Route, 0, len(c.Topics))
	for _, t := range c.Topics {
		routes = append(routes, gateway.Route{
			Topic:          t.Name,
			Integration:    t.Integration,
			Method:         t.Method,
			Path:           t.Path,
			Timeout:        t.Timeout,
			ResultVariable: t.ResultVariable,
		})
	}
	return routes
}

func (c *Config) DownstreamIntegrations() []downstream.Integration {
	out := make([]downstream.Integration, 0, len(c.Integrations))
	for _, in := range c.Integrations {
		out = append(out, downstream.Integration{
			ID:                  in.ID,
			BaseURL:             in.BaseURL,
			CallTimeout:         in.CallTimeout,
			MaxCallTimeout:      in.MaxCallTimeout,
			AuthHeader:          in.AuthHeader,
			AuthScheme:          in.AuthScheme,
			SessionFaultMarkers: in.SessionFaultMarkers,
		})
	}
	return out
}

func (c *Config) LoginEndpoints() map[string]authsession.Endpoint {
	out := make(map[string]authsession.Endpoint, len(c.Integrations))
	for _, in := range c.Integrations {
		out[in.ID] = authsession.Endpoint{URL: in.LoginURL, Identity: in.Identity, Secret: in.Secret}
	}
	return out
}

func (c *Config) SessionConfig() authsession.Config {
	buffers := make(map[string]time.Duration, len(c.Integrations))
	for _, in := range c.Integrations {
		if in.RenewalBuffer > 0 {
			buffers[in.ID] = in.RenewalBuffer
		}
	}
	return authsession.Config{DefaultRenewalBuffer: DefaultRenewalBuffer, RenewalBuffers: buffers}
}

// Schema builds the input validator of topic t.
func (t TopicConfig) Schema() dispatcher.Schema {
	rules := make([]dispatcher.FieldRule, 0, len(t.Fields))
	for _, f := range t.Fields {
		rules = append(rules, dispatcher.FieldRule{
			Name:      f.Name,
			Type:      dispatcher.FieldType(f.Type),
			Required:  f.Required,
			Min:       f.Min,
			Max:       f.Max,
			MaxLength: f.MaxLength,
		})
	}
	return dispatcher.Schema{Fields: rules}
}

// Registry registers every defined topic with its schema in front of
// delegate, and checks that all subscribed topics are covered.
func (c *Config) Registry(delegate dispatcher.Delegate) (*dispatcher.Registry, error) {
	registry := dispatcher.NewRegistry()
	handler := dispatcher.DelegateHandler(delegate)
	for _, t := range c.Topics {
		if err := registry.Register(t.Name, t.Schema(), handler); err != nil {
			return nil, fmt.Errorf("register topic %q: %w", t.Name, err)
		}
	}
	if err := registry.CheckComplete(c.Engine.Topics); err != nil {
		return nil, err
	}
	return registry, nil
}
