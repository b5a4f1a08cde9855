package registry

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrUnknownTarget is returned when an id is not registered.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrInvalidTarget is returned when a registration is malformed.
	ErrInvalidTarget = errors.New("invalid target")
)

// entries is an immutable view of the registry contents.
type entries struct {
	order []string
	byID  map[string]*Target
}

// Registry holds the named upstream targets. Reads are lock-free; writers
// serialize on mu and publish a fresh entries value.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[entries]
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{}
	r.current.Store(&entries{byID: map[string]*Target{}})
	return r
}

// Register adds a target or replaces the one with the same id. address must
// be host:port. A replaced target keeps its position in List order; holders
// of the old *Target are unaffected.
func (r *Registry) Register(id, address, scheme string, opts ...Option) (*Target, error) {
	t, err := newTarget(id, address, scheme)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	next := &entries{
		order: old.order,
		byID:  make(map[string]*Target, len(old.byID)+1),
	}
	for k, v := range old.byID {
		next.byID[k] = v
	}
	if _, exists := old.byID[t.ID]; !exists {
		next.order = append(append(make([]string, 0, len(old.order)+1), old.order...), t.ID)
	}
	next.byID[t.ID] = t
	r.current.Store(next)
	return t, nil
}

// Deregister removes id. It reports whether the target existed.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	if _, ok := old.byID[id]; !ok {
		return false
	}
	next := &entries{
		order: make([]string, 0, len(old.order)-1),
		byID:  make(map[string]*Target, len(old.byID)-1),
	}
	for _, k := range old.order {
		if k == id {
			continue
		}
		next.order = append(next.order, k)
		next.byID[k] = old.byID[k]
	}
	r.current.Store(next)
	return true
}

// Resolve returns the target registered under id.
func (r *Registry) Resolve(id string) (*Target, error) {
	t, ok := r.current.Load().byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, id)
	}
	return t, nil
}

// SetLiveness updates the liveness of id and returns the previous value.
func (r *Registry) SetLiveness(id string, l Liveness) (Liveness, error) {
	t, err := r.Resolve(id)
	if err != nil {
		return LivenessUnknown, err
	}
	return t.setLiveness(l), nil
}

// SetLivenessIf updates the liveness of t only while t is still the target
// registered under its id. It returns the previous value and whether the
// update was applied.
func (r *Registry) SetLivenessIf(t *Target, l Liveness) (Liveness, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.current.Load().byID[t.ID]; !ok || cur != t {
		return t.Liveness(), false
	}
	return t.setLiveness(l), true
}

// List returns all targets in insertion order.
func (r *Registry) List() []*Target {
	e := r.current.Load()
	out := make([]*Target, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.byID[id])
	}
	return out
}

// Len returns the number of registered targets.
func (r *Registry) Len() int {
	return len(r.current.Load().order)
}

func newTarget(id, address, scheme string) (*Target, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidTarget)
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: address %q: %v", ErrInvalidTarget, id, address, err)
	}
	if host == "" {
		return nil, fmt.Errorf("%w: %q: address %q has no host", ErrInvalidTarget, id, address)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: %q: port %q out of range", ErrInvalidTarget, id, portStr)
	}
	scheme, err = normalizeScheme(scheme)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTarget, id, err)
	}
	return &Target{ID: id, Host: host, Port: port, Scheme: scheme}, nil
}

// normalizeScheme maps the accepted spellings onto http or https. WebSocket
// schemes are accepted since upgrades travel over the same transport.
func normalizeScheme(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "http", "ws":
		return "http", nil
	case "https", "wss":
		return "https", nil
	default:
		return "", fmt.Errorf("unsupported scheme %q", s)
	}
}
