package routing

import (
	"fmt"
	"strings"
)

// RewriteMode controls how the matched prefix is treated in the outbound path.
type RewriteMode int

const (
	// Passthrough forwards the original path unmodified.
	Passthrough RewriteMode = iota
	// StripPrefix removes the matched prefix before forwarding.
	StripPrefix
)

func (m RewriteMode) String() string {
	if m == StripPrefix {
		return "STRIP_PREFIX"
	}
	return "PASSTHROUGH"
}

// MarshalText renders the mode as its configuration name.
func (m RewriteMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses a configuration name.
func (m *RewriteMode) UnmarshalText(b []byte) error {
	v, err := ParseRewriteMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseRewriteMode accepts STRIP_PREFIX or PASSTHROUGH in any case.
// The empty string yields the default, Passthrough.
func ParseRewriteMode(s string) (RewriteMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "PASSTHROUGH":
		return Passthrough, nil
	case "STRIP_PREFIX":
		return StripPrefix, nil
	default:
		return Passthrough, fmt.Errorf("unknown rewrite mode %q", s)
	}
}

// SlashPolicy controls trailing slash handling of the outbound path.
type SlashPolicy int

const (
	// Preserve carries the trailing slash, or its absence, verbatim.
	Preserve SlashPolicy = iota
	// Normalize cleans the outbound path and drops a trailing slash.
	Normalize
)

func (p SlashPolicy) String() string {
	if p == Normalize {
		return "NORMALIZE"
	}
	return "PRESERVE"
}

// MarshalText renders the policy as its configuration name.
func (p SlashPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a configuration name.
func (p *SlashPolicy) UnmarshalText(b []byte) error {
	v, err := ParseSlashPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParseSlashPolicy accepts PRESERVE or NORMALIZE in any case.
// The empty string yields the default, Preserve.
func ParseSlashPolicy(s string) (SlashPolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "PRESERVE":
		return Preserve, nil
	case "NORMALIZE":
		return Normalize, nil
	default:
		return Preserve, fmt.Errorf("unknown trailing slash policy %q", s)
	}
}

// Spec is the declarative form of a route before validation.
type Spec struct {
	Prefix        string
	TargetID      string
	Rewrite       RewriteMode
	TrailingSlash SlashPolicy
}

// Route binds a path prefix to a target id.
type Route struct {
	Prefix        string      `json:"prefix"`
	TargetID      string      `json:"targetId"`
	Rewrite       RewriteMode `json:"rewrite"`
	TrailingSlash SlashPolicy `json:"trailingSlash"`

	// index is the declaration position, used as the tie-break.
	index int
}
