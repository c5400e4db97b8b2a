// Package registry maps broker names to lazily created backends.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/tathienbao/exec-gateway/internal/broker"
	"github.com/tathienbao/exec-gateway/internal/types"
)

// Factory constructs the backend registered under a name.
type Factory func() (broker.Backend, error)

// Registry creates each backend on first request and keeps it for the
// lifetime of the registry. At most one instance per name is ever returned.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	factories map[string]Factory
	backends  map[string]broker.Backend
	created   []string
}

// New creates a registry with the given factories.
func New(logger *slog.Logger, factories map[string]Factory) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:    logger,
		factories: make(map[string]Factory, len(factories)),
		backends:  make(map[string]broker.Backend),
	}
	for name, f := range factories {
		r.factories[normalize(name)] = f
	}
	return r
}

func normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Get returns the backend for name, constructing it on first use. The lock
// is held across construction so concurrent first requests share one
// instance.
func (r *Registry) Get(name string) (broker.Backend, error) {
	key := normalize(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.backends[key]; ok {
		return b, nil
	}
	f, ok := r.factories[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnsupportedBroker, name)
	}

	b, err := f()
	if err != nil {
		return nil, fmt.Errorf("create broker %s: %w", key, err)
	}
	r.backends[key] = b
	r.created = append(r.created, key)
	r.logger.Info("broker backend created", "broker", key)
	return b, nil
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Backends returns the backends created so far, in creation order.
func (r *Registry) Backends() []broker.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]broker.Backend, 0, len(r.created))
	for _, name := range r.created {
		out = append(out, r.backends[name])
	}
	return out
}

// Close disconnects every created backend and returns the combined errors.
func (r *Registry) Close() error {
	var err error
	for _, b := range r.Backends() {
		if derr := b.Disconnect(); derr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", b.Name(), derr))
		}
	}
	return err
}
