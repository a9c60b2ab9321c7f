package strategy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/derivlab/perpengine/internal/domain"
)

// Factory builds a strategy instance from raw per-instance config.
type Factory func(raw json.RawMessage, logger *slog.Logger) (Strategy, error)

// Registry maps strategy names to factories. Names are matched
// case-insensitively. It is safe for concurrent use.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry returns a Registry preloaded with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("razor", func(raw json.RawMessage, logger *slog.Logger) (Strategy, error) {
		return NewRazor(raw, logger)
	})
	r.Register("thor", func(raw json.RawMessage, logger *slog.Logger) (Strategy, error) {
		return NewThor(raw, logger)
	})
	return r
}

// Register adds a factory under the given name. An existing factory with the
// same name is replaced.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

// Build instantiates the named strategy with the given config. It returns
// domain.ErrUnknownStrategy when the name is not registered; config errors
// wrap domain.ErrInvalidConfig.
func (r *Registry) Build(name string, raw json.RawMessage, logger *slog.Logger) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy %q: %w", name, domain.ErrUnknownStrategy)
	}
	return f(raw, logger)
}

// List returns the registered strategy names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
