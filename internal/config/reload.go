package config

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/rathix/dev-gateway/internal/registry"
	"github.com/rathix/dev-gateway/internal/state"
)

// Hook runs after a snapshot has been published.
type Hook func(ctx context.Context, cfg *Config, snap *state.Snapshot)

// Reloader loads, builds and publishes configuration snapshots. Concurrent
// Reload calls share one load.
type Reloader struct {
	path        string
	environment string
	store       *state.Store
	logger      *slog.Logger

	group  singleflight.Group
	config atomic.Pointer[Config]

	mu    sync.Mutex
	hooks []Hook
}

// NewReloader creates a Reloader publishing into store.
func NewReloader(path, environment string, store *state.Store, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reloader{
		path:        path,
		environment: environment,
		store:       store,
		logger:      logger,
	}
}

// OnPublish registers a hook run after every successful publish.
func (r *Reloader) OnPublish(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Config returns the configuration behind the active snapshot, or nil before
// the first successful reload.
func (r *Reloader) Config() *Config {
	return r.config.Load()
}

// Path returns the configuration file path.
func (r *Reloader) Path() string {
	return r.path
}

// Reload loads the configuration file and atomically publishes the result.
// On error the active snapshot is left untouched.
func (r *Reloader) Reload(ctx context.Context) (*state.Snapshot, error) {
	v, err, shared := r.group.Do("reload", func() (any, error) {
		return r.reload(ctx)
	})
	if shared {
		r.logger.Debug("reload coalesced with a concurrent trigger")
	}
	if err != nil {
		return nil, err
	}
	return v.(*state.Snapshot), nil
}

func (r *Reloader) reload(ctx context.Context) (*state.Snapshot, error) {
	cfg, err := Load(r.path, r.environment)
	if err != nil {
		return nil, r.failed(err)
	}
	reg, table, err := Build(cfg)
	if err != nil {
		if cerr, ok := err.(*ConfigError); ok {
			cerr.Path = r.path
		}
		return nil, r.failed(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var carried, bound int
	if prev := r.store.Current(); prev != nil {
		bound = carryBoundEndpoints(r.config.Load(), cfg, prev.Registry, reg)
		carried = carryLiveness(prev.Registry, reg)
	}

	snap := r.store.Publish(reg, table, r.path, cfg.Environment)
	r.config.Store(cfg)

	r.logger.Info("Config loaded",
		"version", snap.Version,
		"environment", cfg.Environment,
		"targets", reg.Len(),
		"routes", table.Len(),
		"livenessCarried", carried,
		"endpointsCarried", bound,
	)
	r.store.Notify(state.Event{Type: state.EventReloaded, Version: snap.Version})

	r.mu.Lock()
	hooks := append([]Hook(nil), r.hooks...)
	r.mu.Unlock()
	for _, h := range hooks {
		h(ctx, cfg, snap)
	}
	return snap, nil
}

func (r *Reloader) failed(err error) error {
	r.logger.Error("Config reload failed, keeping previous snapshot", "path", r.path, "error", err)
	r.store.Notify(state.Event{Type: state.EventReloadFailed, Error: err.Error()})
	return err
}

// carryLiveness copies liveness from prev into next for targets whose id and
// endpoint are unchanged.
func carryLiveness(prev, next *registry.Registry) int {
	var n int
	for _, t := range next.List() {
		old, err := prev.Resolve(t.ID)
		if err != nil || !old.SameEndpoint(t) {
			continue
		}
		if l := old.Liveness(); l != registry.LivenessUnknown {
			_, _ = next.SetLiveness(t.ID, l)
			n++
		}
	}
	return n
}

// carryBoundEndpoints keeps the discovered endpoint of Kubernetes-bound
// targets whose binding did not change, so the new snapshot never serves the
// placeholder address from the file while discovery catches up.
func carryBoundEndpoints(prevCfg, cfg *Config, prev, next *registry.Registry) int {
	if prevCfg == nil {
		return 0
	}
	prevBindings := prevCfg.KubernetesBindings()

	var n int
	for id, b := range cfg.KubernetesBindings() {
		if pb, ok := prevBindings[id]; !ok || pb != b {
			continue
		}
		old, err := prev.Resolve(id)
		if err != nil {
			continue
		}
		cur, err := next.Resolve(id)
		if err != nil || old.Scheme != cur.Scheme || old.SameEndpoint(cur) {
			continue
		}
		if _, err := next.Register(id, old.Address(), cur.Scheme,
			registry.WithHealthPath(cur.HealthPath),
			registry.WithPreserveHost(cur.PreserveHost),
			registry.WithInsecureSkipVerify(cur.InsecureSkipVerify),
		); err == nil {
			n++
		}
	}
	return n
}
