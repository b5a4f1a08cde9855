package routing

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/rathix/dev-gateway/internal/registry"
)

var (
	// ErrNoRoute is returned by Match when no prefix matches.
	ErrNoRoute = errors.New("no route")
	// ErrDuplicatePrefix marks two routes declaring the same prefix.
	ErrDuplicatePrefix = errors.New("duplicate route prefix")
	// ErrDanglingTarget marks a route whose target id is not registered.
	ErrDanglingTarget = errors.New("route references unregistered target")
	// ErrInvalidPrefix marks a prefix that does not start with '/'.
	ErrInvalidPrefix = errors.New("invalid route prefix")
)

// TargetLookup resolves target ids at build time.
type TargetLookup interface {
	Resolve(id string) (*registry.Target, error)
}

// Table is an immutable set of routes. It is safe for concurrent use.
type Table struct {
	declared []Route
	// byLength holds the routes ordered by descending prefix length,
	// declaration order within equal lengths.
	byLength []*Route
}

// Build validates specs against targets and returns a Table. Every problem
// found is reported; the table is only returned when there are none.
func Build(specs []Spec, targets TargetLookup) (*Table, error) {
	var errs []error
	seen := make(map[string]int, len(specs))
	declared := make([]Route, 0, len(specs))

	for i, s := range specs {
		valid := true
		if !strings.HasPrefix(s.Prefix, "/") {
			errs = append(errs, fmt.Errorf("routes[%d]: %w: %q must begin with '/'", i, ErrInvalidPrefix, s.Prefix))
			valid = false
		}
		if first, dup := seen[s.Prefix]; dup {
			errs = append(errs, fmt.Errorf("routes[%d]: %w: %q already declared by routes[%d]", i, ErrDuplicatePrefix, s.Prefix, first))
			valid = false
		}
		if targets == nil {
			errs = append(errs, fmt.Errorf("routes[%d]: %w: %q", i, ErrDanglingTarget, s.TargetID))
			valid = false
		} else if _, err := targets.Resolve(s.TargetID); err != nil {
			errs = append(errs, fmt.Errorf("routes[%d]: %w: %q", i, ErrDanglingTarget, s.TargetID))
			valid = false
		}
		if _, dup := seen[s.Prefix]; !dup {
			seen[s.Prefix] = i
		}
		if valid {
			declared = append(declared, Route{
				Prefix:        s.Prefix,
				TargetID:      s.TargetID,
				Rewrite:       s.Rewrite,
				TrailingSlash: s.TrailingSlash,
				index:         i,
			})
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	t := &Table{declared: declared, byLength: make([]*Route, len(declared))}
	for i := range t.declared {
		t.byLength[i] = &t.declared[i]
	}
	sort.SliceStable(t.byLength, func(a, b int) bool {
		return len(t.byLength[a].Prefix) > len(t.byLength[b].Prefix)
	})
	return t, nil
}

// Match returns the route with the longest prefix of p and the length of
// that prefix.
func (t *Table) Match(p string) (*Route, int, error) {
	for _, r := range t.byLength {
		if strings.HasPrefix(p, r.Prefix) {
			return r, len(r.Prefix), nil
		}
	}
	return nil, 0, fmt.Errorf("%w for %q", ErrNoRoute, p)
}

// Routes returns the routes in declaration order.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.declared))
	copy(out, t.declared)
	return out
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return len(t.declared)
}

// TargetIDs returns the distinct target ids referenced by the table.
func (t *Table) TargetIDs() []string {
	seen := make(map[string]struct{}, len(t.declared))
	var ids []string
	for _, r := range t.declared {
		if _, ok := seen[r.TargetID]; ok {
			continue
		}
		seen[r.TargetID] = struct{}{}
		ids = append(ids, r.TargetID)
	}
	return ids
}

// Rewrite computes the outbound path for u under route r. rawPath is only
// non-empty when the outbound path needs a non-default encoding.
func Rewrite(r *Route, u *url.URL) (outPath, rawPath string) {
	outPath, rawPath = u.Path, u.RawPath

	if r.Rewrite == StripPrefix {
		outPath = stripPrefix(outPath, r.Prefix)
		if rawPath != "" {
			if strings.HasPrefix(rawPath, r.Prefix) {
				rawPath = stripPrefix(rawPath, r.Prefix)
			} else {
				// prefix is encoded differently in the raw form; fall back to
				// the default encoding of the decoded path
				rawPath = ""
			}
		}
	}

	if r.TrailingSlash == Normalize {
		outPath = normalize(outPath)
		if rawPath != "" {
			rawPath = normalize(rawPath)
		}
	}
	return outPath, rawPath
}

func stripPrefix(p, prefix string) string {
	rest := strings.TrimPrefix(p, prefix)
	if rest == "" {
		return "/"
	}
	if !strings.HasPrefix(rest, "/") {
		return "/" + rest
	}
	return rest
}

func normalize(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean(p)
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + strings.TrimPrefix(cleaned, ".")
	}
	return cleaned
}
