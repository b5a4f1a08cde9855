package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/google/uuid"

	"github.com/rathix/dev-gateway/internal/registry"
	"github.com/rathix/dev-gateway/internal/routing"
	"github.com/rathix/dev-gateway/internal/state"
)

// RequestIDHeader is set on every forwarded request. An inbound value is kept.
const RequestIDHeader = "X-Request-Id"

// DefaultIdleTimeout bounds the wait for response body data.
const DefaultIdleTimeout = 60 * time.Second

// SnapshotSource provides the active snapshot.
type SnapshotSource interface {
	Current() *state.Snapshot
}

// Recorder receives one observation per request.
type Recorder interface {
	ObserveRequest(route, target, outcome string, status int, d time.Duration)
}

// Options configures a Router.
type Options struct {
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	RetryBackoff   time.Duration
	Logger         *slog.Logger
	Recorder       Recorder
}

// Router is the gateway request handler. It matches each request against the
// snapshot current when the request arrived and forwards it to the bound
// target, streaming the response back.
type Router struct {
	snapshots   SnapshotSource
	pool        *TransportPool
	proxy       *httputil.ReverseProxy
	idleTimeout time.Duration
	logger      *slog.Logger
	recorder    Recorder
}

// NewRouter creates a Router reading snapshots from src.
func NewRouter(src SnapshotSource, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	idle := opts.IdleTimeout
	if idle == 0 {
		idle = DefaultIdleTimeout
	}

	r := &Router{
		snapshots:   src,
		pool:        NewTransportPool(opts.ConnectTimeout, opts.RetryBackoff, logger),
		idleTimeout: idle,
		logger:      logger,
		recorder:    opts.Recorder,
	}
	r.proxy = &httputil.ReverseProxy{
		Rewrite:        r.rewrite,
		Transport:      r.pool,
		FlushInterval:  -1,
		ModifyResponse: r.modifyResponse,
		ErrorHandler:   r.handleError,
		ErrorLog:       slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
	}
	return r
}

// Pool exposes the per-target transport pool.
func (r *Router) Pool() *TransportPool {
	return r.pool
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	fwd := &forward{phase: phaseReceived, client: req.Context()}

	snap := r.snapshots.Current()
	if snap == nil {
		r.fail(w, req, fwd, start, kindTargetUnavailable, http.StatusServiceUnavailable,
			fmt.Errorf("%w: no configuration loaded", ErrTargetUnavailable))
		return
	}

	route, _, err := snap.Routes.Match(req.URL.Path)
	if err != nil {
		r.fail(w, req, fwd, start, kindNoRoute, http.StatusNotFound, err)
		return
	}
	fwd.route = route
	fwd.phase = phaseMatched

	fwd.path, fwd.rawPath = routing.Rewrite(route, req.URL)
	fwd.phase = phaseRewritten

	target, err := snap.Registry.Resolve(route.TargetID)
	if err != nil {
		r.fail(w, req, fwd, start, kindUnknownTarget, http.StatusBadGateway, err)
		return
	}
	fwd.target = target
	if target.Liveness() == registry.LivenessDown {
		r.fail(w, req, fwd, start, kindTargetUnavailable, http.StatusServiceUnavailable,
			fmt.Errorf("%w: %s is DOWN", ErrTargetUnavailable, target.ID))
		return
	}

	fwd.requestID = req.Header.Get(RequestIDHeader)
	if fwd.requestID == "" {
		fwd.requestID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	fwd.cancel = cancel
	fwd.phase = phaseForwarding

	rec := &responseRecorder{ResponseWriter: w}
	// finish runs even when the reverse proxy aborts a truncated stream
	defer r.finish(req, fwd, rec, start)
	r.proxy.ServeHTTP(rec, req.WithContext(withForward(ctx, fwd)))
}

// rewrite builds the outbound request: target address, rewritten path,
// forwarding headers. Upgrade and Connection headers of upgrade requests are
// restored by the reverse proxy before this runs.
func (r *Router) rewrite(pr *httputil.ProxyRequest) {
	fwd := forwardFrom(pr.In.Context())

	pr.Out.URL.Scheme = fwd.target.Scheme
	pr.Out.URL.Host = fwd.target.Address()
	pr.Out.URL.Path = fwd.path
	pr.Out.URL.RawPath = fwd.rawPath

	pr.Out.Header["X-Forwarded-For"] = pr.In.Header["X-Forwarded-For"]
	pr.SetXForwarded()

	if fwd.target.PreserveHost {
		pr.Out.Host = pr.In.Host
	} else {
		pr.Out.Host = ""
	}
	pr.Out.Header.Set(RequestIDHeader, fwd.requestID)
}

func (r *Router) modifyResponse(resp *http.Response) error {
	fwd := forwardFrom(resp.Request.Context())
	fwd.phase = phaseResponded
	fwd.status = resp.StatusCode

	if resp.StatusCode == http.StatusSwitchingProtocols {
		// the body is the raw upgraded connection and must stay unwrapped
		fwd.upgraded = true
		return nil
	}
	resp.Body = newStreamBody(resp.Body, r.idleTimeout, fwd)
	return nil
}

// handleError maps failures that happen before response headers were sent.
func (r *Router) handleError(w http.ResponseWriter, req *http.Request, err error) {
	fwd := forwardFrom(req.Context())

	if fwd.client.Err() != nil {
		fwd.phase = phaseFailed
		fwd.kind = kindClientClosed
		fwd.status = statusClientClosedRequest
		fwd.err = err
		return
	}

	var dialErr *DialError
	if errors.As(err, &dialErr) {
		fwd.kind = kindTargetUnavailable
		fwd.err = fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
		writeFailure(w, kindTargetUnavailable, http.StatusServiceUnavailable,
			fmt.Sprintf("target %q is unreachable", fwd.target.ID))
	} else {
		fwd.kind = kindUpstreamReset
		fwd.err = fmt.Errorf("%w: %v", ErrUpstreamReset, err)
		writeFailure(w, kindUpstreamReset, http.StatusBadGateway,
			fmt.Sprintf("target %q failed before responding", fwd.target.ID))
	}
	fwd.phase = phaseFailed
}

// fail answers a request that never reached forwarding.
func (r *Router) fail(w http.ResponseWriter, req *http.Request, fwd *forward, start time.Time, kind string, status int, err error) {
	phaseReached := fwd.phase
	fwd.phase = phaseFailed
	fwd.kind = kind
	fwd.err = err

	var msg string
	switch kind {
	case kindNoRoute:
		msg = fmt.Sprintf("no route matches %s", req.URL.Path)
	case kindUnknownTarget:
		msg = fmt.Sprintf("route %s is bound to unknown target %q", fwd.routePrefix(), fwd.targetID())
	default:
		msg = err.Error()
	}
	writeFailure(w, kind, status, msg)

	r.logger.Warn("request failed",
		"method", req.Method,
		"path", req.URL.Path,
		"route", fwd.routePrefix(),
		"target", fwd.targetID(),
		"phase", string(phaseReached),
		"kind", kind,
		"status", status,
		"error", err,
	)
	r.observe(fwd, kind, status, time.Since(start))
}

func (r *Router) finish(req *http.Request, fwd *forward, rec *responseRecorder, start time.Time) {
	elapsed := time.Since(start)

	status := rec.status
	if status == 0 {
		status = fwd.status
	}
	kind := fwd.kind
	if kind == "" && fwd.reset.Load() {
		kind = kindUpstreamReset
		fwd.phase = phaseFailed
	}
	if kind == "" {
		kind = kindOK
		fwd.phase = phaseComplete
	}

	attrs := []any{
		"method", req.Method,
		"path", req.URL.Path,
		"upstreamPath", fwd.path,
		"route", fwd.routePrefix(),
		"target", fwd.targetID(),
		"status", status,
		"phase", string(fwd.phase),
		"requestId", fwd.requestID,
		"durationMs", elapsed.Milliseconds(),
	}
	switch kind {
	case kindOK:
		if fwd.upgraded {
			r.logger.Debug("upgraded connection closed", attrs...)
		} else {
			r.logger.Debug("request forwarded", append(attrs, "bytes", rec.written)...)
		}
	case kindClientClosed:
		r.logger.Debug("client closed request", append(attrs, "error", fwd.err)...)
	case kindUpstreamReset:
		r.logger.Warn("upstream reset", append(attrs, "bytes", rec.written, "error", fwd.err)...)
	default:
		r.logger.Warn("request failed", append(attrs, "kind", kind, "error", fwd.err)...)
	}
	r.observe(fwd, kind, status, elapsed)
}

func (r *Router) observe(fwd *forward, kind string, status int, d time.Duration) {
	if r.recorder == nil {
		return
	}
	r.recorder.ObserveRequest(fwd.routePrefix(), fwd.targetID(), kind, status, d)
}
