package websocket

import (
	"context"
	"io"
	"log/slog"
	"sync"

	ws "nhooyr.io/websocket"
)

// ConnectionRegistry tracks open event stream connections so they can be
// closed on shutdown.
type ConnectionRegistry struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
	log   *slog.Logger
}

// NewRegistry creates a new ConnectionRegistry.
func NewRegistry(logger *slog.Logger) *ConnectionRegistry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ConnectionRegistry{
		conns: make(map[*Conn]struct{}),
		log:   logger,
	}
}

// Track adds c to the registry and returns a func that removes it.
func (r *ConnectionRegistry) Track(c *Conn) (untrack func()) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()
	}
}

// Count returns the number of tracked connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll sends a going-away close frame to every tracked connection and
// waits for the closes to complete or ctx to expire.
func (r *ConnectionRegistry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	open := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		open = append(open, c)
	}
	r.mu.Unlock()

	if len(open) == 0 {
		return
	}

	r.log.Info("closing event stream connections", slog.Int("count", len(open)))

	var wg sync.WaitGroup
	for _, c := range open {
		wg.Go(func() {
			_ = c.CloseWithContext(ctx, ws.StatusGoingAway, "server shutting down")
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info("event stream connections closed")
	case <-ctx.Done():
		r.log.Warn("shutdown timeout reached, some event stream connections may not have closed cleanly")
	}
}
