package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rathix/dev-gateway/internal/registry"
	"github.com/rathix/dev-gateway/internal/routing"
)

// phase is the furthest state a request reached.
type phase string

const (
	phaseReceived   phase = "RECEIVED"
	phaseMatched    phase = "MATCHED"
	phaseRewritten  phase = "REWRITTEN"
	phaseForwarding phase = "FORWARDING"
	phaseResponded  phase = "RESPONDED"
	phaseComplete   phase = "COMPLETE"
	phaseFailed     phase = "FAILED"
)

// forward carries the routing decision of one request through the reverse
// proxy callbacks.
type forward struct {
	route     *routing.Route
	target    *registry.Target
	path      string
	rawPath   string
	requestID string

	// client is the inbound request context; cancel aborts the outbound
	// request without touching it.
	client context.Context
	cancel context.CancelFunc

	phase    phase
	kind     string
	status   int
	err      error
	upgraded bool

	reset       atomic.Bool
	idleExpired atomic.Bool
}

type forwardKey struct{}

func withForward(ctx context.Context, f *forward) context.Context {
	return context.WithValue(ctx, forwardKey{}, f)
}

func forwardFrom(ctx context.Context) *forward {
	f, _ := ctx.Value(forwardKey{}).(*forward)
	return f
}

func (f *forward) routePrefix() string {
	if f.route == nil {
		return ""
	}
	return f.route.Prefix
}

func (f *forward) targetID() string {
	if f.target != nil {
		return f.target.ID
	}
	if f.route != nil {
		return f.route.TargetID
	}
	return ""
}

// streamBody wraps an upstream response body. It aborts the upstream request
// when a single Read waits longer than idle for data and records read
// failures as resets. Time spent writing to a slow client is not counted.
type streamBody struct {
	io.ReadCloser
	fwd   *forward
	idle  time.Duration
	timer *time.Timer
}

func newStreamBody(rc io.ReadCloser, idle time.Duration, fwd *forward) *streamBody {
	b := &streamBody{ReadCloser: rc, fwd: fwd, idle: idle}
	if idle > 0 {
		b.timer = time.AfterFunc(idle, b.expire)
		b.timer.Stop()
	}
	return b
}

func (b *streamBody) expire() {
	b.fwd.idleExpired.Store(true)
	b.fwd.cancel()
}

func (b *streamBody) Read(p []byte) (int, error) {
	if b.timer != nil {
		b.timer.Reset(b.idle)
	}
	n, err := b.ReadCloser.Read(p)
	if b.timer != nil {
		b.timer.Stop()
	}
	if err != nil && !errors.Is(err, io.EOF) {
		b.fwd.reset.Store(true)
		if b.fwd.idleExpired.Load() {
			err = fmt.Errorf("%w: no data for %s", ErrUpstreamReset, b.idle)
		} else {
			err = fmt.Errorf("%w: %v", ErrUpstreamReset, err)
		}
		b.fwd.err = err
	}
	return n, err
}

func (b *streamBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	return b.ReadCloser.Close()
}

// responseRecorder captures the status written to the client. Unwrap lets
// http.ResponseController reach the underlying writer for Flush and Hijack.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.status == 0 && code >= http.StatusOK {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
