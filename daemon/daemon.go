// Package daemon runs the long-lived in-process control loops: the
// auto sync trigger, the downloads watcher, the cron scheduler, and
// the test loop. A Supervisor owns their lifecycles against the
// persistent daemon rows.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/stashhog/stashhog/storage"
)

var (
	ErrAlreadyRunning = errors.New("daemon already running")
	ErrNotRunning     = errors.New("daemon not running")
	ErrUnknownType    = errors.New("unknown daemon type")
)

// Daemon is one control loop. Run must return promptly when its
// context is cancelled, heartbeat through the facilities, and absorb
// its own non-fatal errors; an error returned from Run marks the
// daemon ERROR.
type Daemon interface {
	Type() storage.DaemonType
	OnStart(ctx context.Context, f *Facilities) error
	Run(ctx context.Context, f *Facilities) error
	OnStop(ctx context.Context) error
}

// Factory builds a daemon instance from its stored configuration.
type Factory func(config map[string]any) (Daemon, error)

// Registry maps the closed daemon type enum to factories.
type Registry struct {
	mu        sync.Mutex
	factories map[storage.DaemonType]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[storage.DaemonType]Factory)}
}

// RegisterFactory binds a factory to a daemon type. Re-registration
// replaces the previous factory.
func (r *Registry) RegisterFactory(dt storage.DaemonType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[dt] = f
}

// Build instantiates a daemon of the given type.
func (r *Registry) Build(dt storage.DaemonType, config map[string]any) (Daemon, error) {
	r.mu.Lock()
	f, ok := r.factories[dt]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("daemon type %s: %w", dt, ErrUnknownType)
	}
	d, err := f(config)
	if err != nil {
		return nil, fmt.Errorf("build %s daemon: %w", dt, err)
	}
	return d, nil
}

// Types lists the registered daemon types in stable order.
func (r *Registry) Types() []storage.DaemonType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]storage.DaemonType, 0, len(r.factories))
	for dt := range r.factories {
		types = append(types, dt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
