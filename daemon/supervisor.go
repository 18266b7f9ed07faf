package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stashhog/stashhog/bus"
	"github.com/stashhog/stashhog/jobs"
	"github.com/stashhog/stashhog/observe"
	"github.com/stashhog/stashhog/storage"
)

// DefaultStopGrace bounds how long Stop waits for a daemon's loop to
// unwind before moving on.
const DefaultStopGrace = 10 * time.Second

// HeartbeatMaxAge is how stale a running daemon's heartbeat may be
// before Health reports it unhealthy.
const HeartbeatMaxAge = 2 * time.Minute

// RunningGauge receives daemon up/down transitions; satisfied by
// observe.Metrics.
type RunningGauge interface {
	DaemonRunning(name string, running bool)
}

// Supervisor owns the in-process daemon instances and keeps the
// persistent rows in step with them.
type Supervisor struct {
	store    *storage.Store
	jobs     *jobs.Service
	hub      *bus.Hub
	recorder *observe.Recorder
	registry *Registry
	logger   *slog.Logger
	gauge    RunningGauge
	grace    time.Duration

	mu      sync.Mutex
	running map[string]*instance
}

type instance struct {
	daemon Daemon
	cancel context.CancelFunc
	done   chan struct{}
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = logger }
}

// WithStopGrace bounds how long Stop waits for loop shutdown.
func WithStopGrace(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.grace = d }
}

// WithRunningGauge wires daemon up/down metrics.
func WithRunningGauge(g RunningGauge) SupervisorOption {
	return func(s *Supervisor) { s.gauge = g }
}

// NewSupervisor builds a Supervisor; exactly one runs per process.
func NewSupervisor(store *storage.Store, jobService *jobs.Service, hub *bus.Hub, registry *Registry, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		store:    store,
		jobs:     jobService,
		hub:      hub,
		registry: registry,
		logger:   slog.Default(),
		grace:    DefaultStopGrace,
		running:  make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.recorder = observe.NewRecorder(store.Observe, s.logger)
	return s
}

// RowName is the stable daemon row name for a type, e.g.
// AUTO_STASH_SYNC -> auto_stash_sync.
func RowName(dt storage.DaemonType) string {
	return strings.ToLower(string(dt))
}

// Initialize seeds a row for every registered daemon type and starts
// the auto_start ones. Per-row failures are logged, not fatal; the
// process comes up with whatever daemons it can.
func (s *Supervisor) Initialize(ctx context.Context) error {
	for _, dt := range s.registry.Types() {
		name := RowName(dt)
		if _, err := s.store.Daemons.GetByName(ctx, name); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("look up daemon %s: %w", name, err)
		}
		_, err := s.store.Daemons.Create(ctx, &storage.Daemon{
			ID:            uuid.NewString(),
			Name:          name,
			Type:          dt,
			Enabled:       false,
			AutoStart:     false,
			Status:        storage.DaemonStatusStopped,
			Configuration: storage.JSONMap{},
		})
		if err != nil {
			return fmt.Errorf("seed daemon %s: %w", name, err)
		}
		s.logger.Info("Seeded daemon row", "name", name, "type", dt)
	}

	rows, err := s.store.Daemons.ListAutoStart(ctx)
	if err != nil {
		return fmt.Errorf("list auto-start daemons: %w", err)
	}
	for _, row := range rows {
		if err := s.Start(ctx, row.ID); err != nil {
			s.logger.Error("Failed to auto-start daemon",
				"daemon_id", row.ID, "name", row.Name, "error", err)
		}
	}
	return nil
}

// Start builds the daemon from its stored configuration and runs it
// supervised.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	// Reserve the id before the slow work (DB read, factory build) so
	// concurrent Starts for the same daemon lose immediately instead
	// of racing past the check and overwriting each other's instance.
	// The loop outlives the Start call's context.
	loopCtx, cancel := context.WithCancel(context.Background())
	inst := &instance{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if _, ok := s.running[id]; ok {
		s.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	s.running[id] = inst
	s.mu.Unlock()

	release := func() {
		cancel()
		close(inst.done)
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}

	row, err := s.store.Daemons.Get(ctx, id)
	if err != nil {
		release()
		return err
	}
	d, err := s.registry.Build(row.Type, row.Configuration)
	if err != nil {
		release()
		return err
	}
	inst.daemon = d

	now := time.Now().UTC()
	if err := s.store.Daemons.UpdateStatus(ctx, id, storage.DaemonStatusRunning, &now); err != nil {
		release()
		return fmt.Errorf("mark daemon %s running: %w", id, err)
	}

	f := &Facilities{
		daemonID: id,
		name:     row.Name,
		daemons:  s.store.Daemons,
		observed: s.store.Observe,
		jobs:     s.jobs,
		hub:      s.hub,
		recorder: s.recorder,
		logger:   s.logger.With("daemon", row.Name),
	}

	s.logger.Info("Starting daemon", "daemon_id", id, "name", row.Name, "type", row.Type)
	if s.gauge != nil {
		s.gauge.DaemonRunning(row.Name, true)
	}
	go s.supervise(loopCtx, row, d, f, inst)
	return nil
}

func (s *Supervisor) supervise(ctx context.Context, row *storage.Daemon, d Daemon, f *Facilities, inst *instance) {
	defer close(inst.done)

	runErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("daemon panic: %v", r)
			}
		}()
		if err := d.OnStart(ctx, f); err != nil {
			return fmt.Errorf("on start: %w", err)
		}
		err = d.Run(ctx, f)
		if stopErr := d.OnStop(context.Background()); stopErr != nil {
			s.logger.Error("Daemon OnStop failed", "daemon_id", row.ID, "error", stopErr)
		}
		return err
	}()

	s.mu.Lock()
	delete(s.running, row.ID)
	s.mu.Unlock()
	if s.gauge != nil {
		s.gauge.DaemonRunning(row.Name, false)
	}

	// Shutdown bookkeeping happens on its own context; the loop
	// context is already cancelled by then.
	bg := context.Background()
	stopped := ctx.Err() != nil
	if runErr != nil && (!stopped || !errors.Is(runErr, context.Canceled)) {
		s.logger.Error("Daemon exited with error", "daemon_id", row.ID, "name", row.Name, "error", runErr)
		if _, terr := s.recorder.TrackError(bg, row.ID, "daemon_exit", runErr.Error()); terr != nil {
			s.logger.Error("Failed to record daemon exit error", "daemon_id", row.ID, "error", terr)
		}
		if uerr := s.store.Daemons.UpdateStatus(bg, row.ID, storage.DaemonStatusError, nil); uerr != nil {
			s.logger.Error("Failed to mark daemon errored", "daemon_id", row.ID, "error", uerr)
		}
		return
	}
	if uerr := s.store.Daemons.UpdateStatus(bg, row.ID, storage.DaemonStatusStopped, nil); uerr != nil {
		s.logger.Error("Failed to mark daemon stopped", "daemon_id", row.ID, "error", uerr)
	}
	s.logger.Info("Daemon stopped", "daemon_id", row.ID, "name", row.Name)
}

// Stop cancels the daemon's loop and waits up to the grace period for
// it to unwind.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	inst, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	inst.cancel()
	select {
	case <-inst.done:
	case <-time.After(s.grace):
		s.logger.Warn("Daemon did not stop within grace period", "daemon_id", id)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Restart stops the daemon if running and starts it from its current
// stored configuration.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	if err := s.Stop(ctx, id); err != nil && err != ErrNotRunning {
		return err
	}
	return s.Start(ctx, id)
}

// UpdateConfig persists new configuration and flags; they take effect
// on the next start.
func (s *Supervisor) UpdateConfig(ctx context.Context, id string, cfg storage.JSONMap, enabled, autoStart *bool) error {
	if err := s.store.Daemons.UpdateConfig(ctx, id, cfg, enabled, autoStart); err != nil {
		return err
	}
	s.logger.Info("Daemon configuration updated", "daemon_id", id)
	return nil
}

// HealthState classifies one daemon row.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStopped   HealthState = "stopped"
)

// DaemonHealth is one row of the health report.
type DaemonHealth struct {
	ID            string                  `json:"id"`
	Name          string                  `json:"name"`
	State         HealthState             `json:"state"`
	Running       bool                    `json:"running"`
	LastHeartbeat *time.Time              `json:"last_heartbeat,omitempty"`
	Status        storage.DaemonRunStatus `json:"status"`
}

// Health reports every daemon's state: enabled and running with a
// fresh heartbeat is healthy; enabled but stopped, errored, or stale
// is unhealthy; disabled is stopped.
func (s *Supervisor) Health(ctx context.Context) ([]DaemonHealth, error) {
	rows, err := s.store.Daemons.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list daemons: %w", err)
	}

	s.mu.Lock()
	live := make(map[string]bool, len(s.running))
	for id := range s.running {
		live[id] = true
	}
	s.mu.Unlock()

	out := make([]DaemonHealth, 0, len(rows))
	now := time.Now().UTC()
	for _, row := range rows {
		h := DaemonHealth{
			ID:            row.ID,
			Name:          row.Name,
			Running:       live[row.ID],
			LastHeartbeat: row.LastHeartbeat,
			Status:        row.Status,
		}
		switch {
		case !row.Enabled:
			h.State = HealthStopped
		case h.Running && row.LastHeartbeat != nil && now.Sub(*row.LastHeartbeat) < HeartbeatMaxAge:
			h.State = HealthHealthy
		case h.Running && row.LastHeartbeat == nil && row.StartedAt != nil && now.Sub(*row.StartedAt) < HeartbeatMaxAge:
			// Just started; no heartbeat yet.
			h.State = HealthHealthy
		default:
			h.State = HealthUnhealthy
		}
		out = append(out, h)
	}
	return out, nil
}

// StopAll shuts down every running daemon.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil && err != ErrNotRunning {
			s.logger.Error("Failed to stop daemon", "daemon_id", id, "error", err)
		}
	}
}
