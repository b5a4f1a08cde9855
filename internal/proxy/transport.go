package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rathix/dev-gateway/internal/registry"
)

// Default transport timings.
const (
	DefaultConnectTimeout = 2 * time.Second
	DefaultRetryBackoff   = 100 * time.Millisecond
)

// dialAttempts is the initial attempt plus one retry.
const dialAttempts = 2

type poolKey struct {
	id       string
	address  string
	scheme   string
	insecure bool
}

func keyFor(t *registry.Target) poolKey {
	return poolKey{id: t.ID, address: t.Address(), scheme: t.Scheme, insecure: t.InsecureSkipVerify}
}

// TransportPool keeps one connection pool per target. The mutex is only held
// while a transport is looked up or created, never while a request runs.
type TransportPool struct {
	connectTimeout time.Duration
	retryBackoff   time.Duration
	logger         *slog.Logger

	mu         sync.Mutex
	transports map[poolKey]*http.Transport
}

// NewTransportPool creates a pool. Zero durations select the defaults.
func NewTransportPool(connectTimeout, retryBackoff time.Duration, logger *slog.Logger) *TransportPool {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if retryBackoff <= 0 {
		retryBackoff = DefaultRetryBackoff
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &TransportPool{
		connectTimeout: connectTimeout,
		retryBackoff:   retryBackoff,
		logger:         logger,
		transports:     make(map[poolKey]*http.Transport),
	}
}

// Transport checks out the transport for t, creating it on first use.
func (p *TransportPool) Transport(t *registry.Target) *http.Transport {
	key := keyFor(t)

	p.mu.Lock()
	defer p.mu.Unlock()
	if tr, ok := p.transports[key]; ok {
		return tr
	}
	tr := &http.Transport{
		DialContext:           p.dial,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   p.connectTimeout,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: t.InsecureSkipVerify,
		},
	}
	p.transports[key] = tr
	return tr
}

// RoundTrip sends req through the transport of the target attached to the
// request context by the Router.
func (p *TransportPool) RoundTrip(req *http.Request) (*http.Response, error) {
	fwd := forwardFrom(req.Context())
	if fwd == nil || fwd.target == nil {
		return nil, errors.New("request has no forwarding target")
	}
	return p.Transport(fwd.target).RoundTrip(req)
}

// Prune drops the pools of targets that are not in active and closes their
// idle connections. Requests already running on a dropped pool complete.
func (p *TransportPool) Prune(active []*registry.Target) int {
	keep := make(map[poolKey]struct{}, len(active))
	for _, t := range active {
		keep[keyFor(t)] = struct{}{}
	}

	p.mu.Lock()
	var dropped []*http.Transport
	for key, tr := range p.transports {
		if _, ok := keep[key]; !ok {
			dropped = append(dropped, tr)
			delete(p.transports, key)
		}
	}
	p.mu.Unlock()

	for _, tr := range dropped {
		tr.CloseIdleConnections()
	}
	if len(dropped) > 0 {
		p.logger.Debug("pruned target connection pools", "count", len(dropped))
	}
	return len(dropped)
}

// CloseIdleConnections closes idle connections of every pool.
func (p *TransportPool) CloseIdleConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tr := range p.transports {
		tr.CloseIdleConnections()
	}
}

// Len returns the number of pools.
func (p *TransportPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

// dial connects with a bounded timeout and retries once with backoff. Only
// connection establishment is retried; nothing has been sent at this point.
func (p *TransportPool) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: p.connectTimeout, KeepAlive: 30 * time.Second}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryBackoff

	attempts := 0
	op := func() (net.Conn, error) {
		attempts++
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return conn, err
	}
	conn, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(dialAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Debug("dial failed, retrying", "addr", addr, "error", err, "backoff", next)
		}),
	)
	if err != nil {
		return nil, &DialError{Addr: addr, Attempts: attempts, Err: err}
	}
	return conn, nil
}
