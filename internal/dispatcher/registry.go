package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ChuLiYu/extask-gateway/pkg/types"
	"github.com/samber/lo"
)

var (
	ErrUnknownTopic    = errors.New("no handler registered for topic")
	ErrDuplicateTopic  = errors.New("topic already registered")
	ErrInvalidRegister = errors.New("invalid registration")
)

// HandlerFunc processes one validated task.
type HandlerFunc func(ctx context.Context, task *types.Task) types.Outcome

// Registration pairs a topic's validator with its handler.
type Registration struct {
	Topic     string
	Validator Validator // optional
	Handler   HandlerFunc
}

// Registry maps topics to registrations. It is built once at startup and only
// read afterwards.
type Registry struct {
	entries map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register adds a topic. A topic can be registered once.
func (r *Registry) Register(topic string, validator Validator, handler HandlerFunc) error {
	topic = strings.TrimSpace(topic)
	if topic == "" || handler == nil {
		return fmt.Errorf("%w: topic %q needs a name and a handler", ErrInvalidRegister, topic)
	}
	if _, exists := r.entries[topic]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTopic, topic)
	}
	r.entries[topic] = Registration{Topic: topic, Validator: validator, Handler: handler}
	return nil
}

// Lookup returns the registration of topic.
func (r *Registry) Lookup(topic string) (Registration, bool) {
	reg, ok := r.entries[topic]
	return reg, ok
}

// Topics returns the registered topics in sorted order.
func (r *Registry) Topics() []string {
	topics := lo.Keys(r.entries)
	sort.Strings(topics)
	return topics
}

// CheckComplete fails if any of the given topics has no registration.
func (r *Registry) CheckComplete(topics []string) error {
	missing := lo.Filter(lo.Uniq(topics), func(topic string, _ int) bool {
		_, ok := r.entries[topic]
		return !ok
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrUnknownTopic, strings.Join(missing, ", "))
	}
	return nil
}
