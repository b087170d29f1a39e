// ============================================================================
// Gateway Delegate
// ============================================================================
//
// Package: internal/gateway
// File: delegate.go
// Purpose: Runs a validated task against its integration and returns the
//          classified Outcome.
//
// Pipeline:
//   topic -> Route -> downstream.Request -> Client.Call -> Classify -> Outcome
//
// The delegate never retries a business call. Retries belong to the engine
// and are driven by the reported Outcome.
//
// Terminal outcomes (Success, BusinessError) are cached per task so a task
// that is delegated again after a lost report does not repeat the downstream
// side effect. The cache is bounded by outcome_cache_ttl.
//
// ============================================================================

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/extask-gateway/internal/downstream"
	"github.com/ChuLiYu/extask-gateway/internal/metrics"
	"github.com/ChuLiYu/extask-gateway/pkg/types"
	"github.com/patrickmn/go-cache"
)

var log = slog.Default()

// DefaultOutcomeCacheTTL bounds how long a terminal outcome is remembered.
const DefaultOutcomeCacheTTL = 10 * time.Minute

// Route binds a topic to one call against an integration.
type Route struct {
	Topic          string
	Integration    string
	Method         string        // defaults to POST
	Path           string        // may reference variables as {name}
	Timeout        time.Duration // overrides the integration call timeout
	ResultVariable string        // when set, the result is nested under this name
}

// Caller performs downstream calls.
type Caller interface {
	Call(ctx context.Context, integrationID string, req downstream.Request) downstream.RawResult
}

// Classifier maps raw results to outcomes.
type Classifier interface {
	Classify(r downstream.RawResult) types.Outcome
}

// LocalDelegate runs delegations in-process.
type LocalDelegate struct {
	routes     map[string]Route
	caller     Caller
	classifier Classifier
	outcomes   *cache.Cache
	metrics    *metrics.Collector
}

// NewLocalDelegate creates a LocalDelegate. A non-positive cacheTTL disables
// the outcome cache.
//
// Terminal outcomes are cached per topic and task id, so only a re-delivery
// of the same id is answered from the cache. Engines that issue a new id on
// every claim, like the dev engine, never hit it.
func NewLocalDelegate(caller Caller, classifier Classifier, routes []Route, cacheTTL time.Duration, collector *metrics.Collector) *LocalDelegate {
	byTopic := make(map[string]Route, len(routes))
	for _, r := range routes {
		byTopic[r.Topic] = r
	}
	d := &LocalDelegate{
		routes:     byTopic,
		caller:     caller,
		classifier: classifier,
		metrics:    collector,
	}
	if cacheTTL > 0 {
		d.outcomes = cache.New(cacheTTL, 2*cacheTTL)
	}
	return d
}

// Delegate implements dispatcher.Delegate.
func (d *LocalDelegate) Delegate(ctx context.Context, topic string, taskID types.TaskID, vars types.Variables) types.Outcome {
	key := topic + "/" + string(taskID)
	if out, ok := d.cached(key); ok {
		log.Info("Outcome served from cache", "taskID", taskID, "topic", topic, "outcome", out.Kind)
		d.metrics.RecordCacheHit()
		return out
	}

	route, ok := d.routes[topic]
	if !ok {
		out := types.FatalFailure(fmt.Sprintf("no route configured for topic %s", topic))
		d.metrics.RecordDelegation(topic, out.Kind)
		return out
	}

	req, err := buildRequest(route, vars)
	if err != nil {
		out := types.FatalFailure(fmt.Sprintf("build request for %s: %v", topic, err))
		d.metrics.RecordDelegation(topic, out.Kind)
		return out
	}

	res := d.caller.Call(ctx, route.Integration, req)
	out := d.classifier.Classify(res)
	if out.Kind == types.OutcomeSuccess && route.ResultVariable != "" {
		out = types.Success(types.Variables{route.ResultVariable: map[string]any(out.ResultVariables)})
	}

	log.Debug("Task delegated",
		"taskID", taskID,
		"topic", topic,
		"integration", route.Integration,
		"status", res.StatusCode,
		"attempts", res.Attempts,
		"outcome", out.Kind,
		"duration", res.Duration,
	)
	d.metrics.RecordDelegation(topic, out.Kind)

	if d.outcomes != nil && (out.Kind == types.OutcomeSuccess || out.Kind == types.OutcomeBusinessError) {
		d.outcomes.SetDefault(key, out)
	}
	return out
}

func (d *LocalDelegate) cached(key string) (types.Outcome, bool) {
	if d.outcomes == nil {
		return types.Outcome{}, false
	}
	v, ok := d.outcomes.Get(key)
	if !ok {
		return types.Outcome{}, false
	}
	out, ok := v.(types.Outcome)
	return out, ok
}

// buildRequest expands the path template and places the remaining variables
// in the query string (GET, DELETE, HEAD) or in a JSON body.
func buildRequest(route Route, vars types.Variables) (downstream.Request, error) {
	method := strings.ToUpper(route.Method)
	if method == "" {
		method = http.MethodPost
	}

	path, used, err := expandPath(route.Path, vars)
	if err != nil {
		return downstream.Request{}, err
	}

	rest := types.Variables{}
	for k, v := range vars {
		if !used[k] {
			rest[k] = v
		}
	}

	req := downstream.Request{Method: method, Path: path, Timeout: route.Timeout}
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		query := url.Values{}
		for k := range rest {
			s, ok := rest.String(k)
			if !ok {
				return downstream.Request{}, fmt.Errorf("variable %s cannot be sent as a query parameter", k)
			}
			query.Set(k, s)
		}
		req.Query = query
	default:
		body, err := json.Marshal(rest)
		if err != nil {
			return downstream.Request{}, fmt.Errorf("encode body: %w", err)
		}
		req.Body = body
		req.ContentType = "application/json"
	}
	return req, nil
}

func expandPath(tmpl string, vars types.Variables) (string, map[string]bool, error) {
	used := map[string]bool{}
	var b strings.Builder
	for {
		start := strings.IndexByte(tmpl, '{')
		if start < 0 {
			b.WriteString(tmpl)
			break
		}
		end := strings.IndexByte(tmpl[start:], '}')
		if end < 0 {
			return "", nil, fmt.Errorf("unterminated placeholder in %q", tmpl)
		}
		end += start

		name := tmpl[start+1 : end]
		value, ok := vars.String(name)
		if !ok || strings.TrimSpace(value) == "" {
			return "", nil, fmt.Errorf("path variable %s is missing", name)
		}
		b.WriteString(tmpl[:start])
		b.WriteString(url.PathEscape(value))
		used[name] = true
		tmpl = tmpl[end+1:]
	}
	return b.String(), used, nil
}
