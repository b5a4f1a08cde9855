package health

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rathix/dev-gateway/internal/registry"
	"github.com/rathix/dev-gateway/internal/state"
)

// Default probe timings.
const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 2 * time.Second
)

// maxConcurrentProbes bounds the probes in flight during one cycle.
const maxConcurrentProbes = 16

// HTTPProber abstracts *http.Client for testability.
type HTTPProber interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dialer abstracts *net.Dialer for testability.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Store provides the active snapshot and receives liveness events.
type Store interface {
	Current() *state.Snapshot
	Notify(ev state.Event)
}

// Result is the outcome of probing one target.
type Result struct {
	TargetID string            `json:"targetId"`
	Liveness registry.Liveness `json:"liveness"`
	Previous registry.Liveness `json:"previous"`
	HTTPCode int               `json:"httpCode,omitempty"`
	Latency  time.Duration     `json:"latencyNs"`
	Error    string            `json:"error,omitempty"`
}

// Checker periodically probes every target of the active snapshot and
// records the outcome as target liveness. Targets with a health path get an
// HTTP GET, all others a TCP connect.
type Checker struct {
	store    Store
	client   HTTPProber
	insecure HTTPProber
	dialer   Dialer
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithHTTPProber replaces the HTTP client used for health path probes.
func WithHTTPProber(p HTTPProber) Option {
	return func(c *Checker) {
		c.client = p
		c.insecure = p
	}
}

// WithDialer replaces the dialer used for TCP probes.
func WithDialer(d Dialer) Option {
	return func(c *Checker) { c.dialer = d }
}

// NewChecker creates a new health checker. If logger is nil, a no-op logger is used.
// Zero durations select the defaults.
func NewChecker(store Store, interval, timeout time.Duration, logger *slog.Logger, opts ...Option) *Checker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Checker{
		store:    store,
		client:   &http.Client{Timeout: timeout, CheckRedirect: noRedirect},
		insecure: &http.Client{
			Timeout:       timeout,
			CheckRedirect: noRedirect,
			Transport:     &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		},
		dialer:   &net.Dialer{Timeout: timeout},
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Run starts the health check loop. It performs an immediate check on start,
// then checks at the configured interval. It returns when ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.CheckNow(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckNow(ctx)
		}
	}
}

// CheckNow probes every target of the active snapshot concurrently and
// returns the results in registry order.
func (c *Checker) CheckNow(ctx context.Context) []Result {
	snap := c.store.Current()
	if snap == nil {
		return nil
	}
	targets := snap.Registry.List()
	if len(targets) == 0 {
		return nil
	}

	start := time.Now()
	results := make([]Result, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = c.apply(snap.Registry, t, c.probe(gctx, t))
			return nil
		})
	}
	_ = g.Wait()

	var down int
	for _, r := range results {
		if r.Liveness == registry.LivenessDown {
			down++
		}
	}
	c.logger.Debug("health check cycle complete",
		"targets", len(targets),
		"down", down,
		"durationMs", time.Since(start).Milliseconds(),
	)
	return results
}

type probeResult struct {
	liveness registry.Liveness
	httpCode int
	latency  time.Duration
	err      error
}

func (c *Checker) probe(ctx context.Context, t *registry.Target) probeResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if t.HealthPath != "" {
		return c.probeHTTP(ctx, t)
	}
	return c.probeTCP(ctx, t)
}

// probeTCP reports UP when a connection can be established.
func (c *Checker) probeTCP(ctx context.Context, t *registry.Target) probeResult {
	start := time.Now()
	conn, err := c.dialer.DialContext(ctx, "tcp", t.Address())
	latency := time.Since(start)
	if err != nil {
		return probeResult{liveness: registry.LivenessDown, latency: latency, err: err}
	}
	conn.Close()
	return probeResult{liveness: registry.LivenessUp, latency: latency}
}

// probeHTTP issues a GET to the health path.
func (c *Checker) probeHTTP(ctx context.Context, t *registry.Target) probeResult {
	u := t.URL()
	u.Path = t.HealthPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return probeResult{liveness: registry.LivenessDown, err: err}
	}

	client := c.client
	if t.InsecureSkipVerify {
		client = c.insecure
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return probeResult{liveness: registry.LivenessDown, latency: latency, err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return probeResult{
		liveness: classifyStatus(resp.StatusCode),
		httpCode: resp.StatusCode,
		latency:  latency,
	}
}

// classifyStatus maps an HTTP status code to liveness. Auth-gated targets are
// reachable and count as UP.
func classifyStatus(code int) registry.Liveness {
	switch {
	case code >= 200 && code <= 399:
		return registry.LivenessUp
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return registry.LivenessUp
	default:
		return registry.LivenessDown
	}
}

// apply records res on t unless t was replaced while the probe ran.
func (c *Checker) apply(reg *registry.Registry, t *registry.Target, res probeResult) Result {
	out := Result{
		TargetID: t.ID,
		Liveness: res.liveness,
		Previous: t.Liveness(),
		HTTPCode: res.httpCode,
		Latency:  res.latency,
	}
	if res.err != nil {
		out.Error = snippet(res.err.Error())
	}

	previous, applied := reg.SetLivenessIf(t, res.liveness)
	if !applied {
		c.logger.Debug("discarding probe of replaced target", "target", t.ID)
		return out
	}
	out.Previous = previous

	if previous != res.liveness {
		logArgs := []any{
			"target", t.ID,
			"address", t.Address(),
			"from", previous.String(),
			"to", res.liveness.String(),
		}
		if out.Error != "" {
			logArgs = append(logArgs, "error", out.Error)
		}
		c.logger.Info("target liveness changed", logArgs...)
		c.store.Notify(state.Event{
			Type:     state.EventLiveness,
			TargetID: t.ID,
			Liveness: res.liveness,
			Error:    out.Error,
		})
	}

	logArgs := []any{
		"target", t.ID,
		"liveness", res.liveness.String(),
		"latencyMs", res.latency.Milliseconds(),
	}
	if res.httpCode != 0 {
		logArgs = append(logArgs, "httpCode", res.httpCode)
	}
	c.logger.Debug("health check completed", logArgs...)
	return out
}

const maxSnippetLen = 256

// snippet returns the first line of s, truncated to maxSnippetLen.
func snippet(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > maxSnippetLen {
		s = s[:maxSnippetLen]
	}
	return strings.TrimSpace(s)
}
