package registry

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
)

// Liveness is the reachability state of a target as last observed by a probe.
type Liveness int32

const (
	LivenessUnknown Liveness = iota
	LivenessUp
	LivenessDown
)

func (l Liveness) String() string {
	switch l {
	case LivenessUp:
		return "UP"
	case LivenessDown:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the liveness as its upper-case name.
func (l Liveness) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses the upper-case name.
func (l *Liveness) UnmarshalText(b []byte) error {
	v, err := ParseLiveness(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLiveness parses UNKNOWN, UP or DOWN (case-insensitive).
func ParseLiveness(s string) (Liveness, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UNKNOWN", "":
		return LivenessUnknown, nil
	case "UP":
		return LivenessUp, nil
	case "DOWN":
		return LivenessDown, nil
	default:
		return LivenessUnknown, fmt.Errorf("unknown liveness %q", s)
	}
}

// Target is a named upstream endpoint. Everything except liveness is fixed
// at registration; re-registering an id creates a new Target.
type Target struct {
	ID                 string
	Host               string
	Port               int
	Scheme             string
	HealthPath         string
	PreserveHost       bool
	InsecureSkipVerify bool

	liveness atomic.Int32
}

// Address returns host:port.
func (t *Target) Address() string {
	return net.JoinHostPort(t.Host, fmt.Sprint(t.Port))
}

// URL returns the base URL of the target (scheme and host only).
func (t *Target) URL() *url.URL {
	return &url.URL{Scheme: t.Scheme, Host: t.Address()}
}

// Liveness returns the last observed liveness.
func (t *Target) Liveness() Liveness {
	return Liveness(t.liveness.Load())
}

// setLiveness stores l and returns the previous value.
func (t *Target) setLiveness(l Liveness) Liveness {
	return Liveness(t.liveness.Swap(int32(l)))
}

// SameEndpoint reports whether o points at the same network endpoint.
func (t *Target) SameEndpoint(o *Target) bool {
	return o != nil && t.Host == o.Host && t.Port == o.Port && t.Scheme == o.Scheme
}

// Option configures optional target attributes at registration.
type Option func(*Target)

// WithHealthPath makes probes issue an HTTP GET to path instead of a TCP connect.
func WithHealthPath(path string) Option {
	return func(t *Target) { t.HealthPath = path }
}

// WithPreserveHost forwards the inbound Host header instead of the target address.
func WithPreserveHost(preserve bool) Option {
	return func(t *Target) { t.PreserveHost = preserve }
}

// WithInsecureSkipVerify disables certificate verification for https targets.
func WithInsecureSkipVerify(skip bool) Option {
	return func(t *Target) { t.InsecureSkipVerify = skip }
}

// WithLiveness sets the initial liveness.
func WithLiveness(l Liveness) Option {
	return func(t *Target) { t.liveness.Store(int32(l)) }
}
