package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration parsed from the YAML config file.
type Config struct {
	Listen       string                 `yaml:"listen"       json:"listen"`
	Targets      []TargetConfig         `yaml:"targets"      json:"targets"`
	Routes       []RouteConfig          `yaml:"routes"       json:"routes"`
	Health       HealthConfig           `yaml:"health"       json:"health"`
	Proxy        ProxyConfig            `yaml:"proxy"        json:"proxy"`
	Environments map[string]Environment `yaml:"environments" json:"environments,omitempty"`

	// Environment is the overlay that was applied, empty for the base document.
	Environment string `yaml:"-" json:"environment,omitempty"`
}

// TargetConfig declares one upstream target.
type TargetConfig struct {
	ID                 string            `yaml:"id"                 json:"id"`
	Host               string            `yaml:"host"               json:"host"`
	Port               int               `yaml:"port"               json:"port"`
	Scheme             string            `yaml:"scheme"             json:"scheme"`
	HealthPath         string            `yaml:"healthPath"         json:"healthPath,omitempty"`
	PreserveHost       bool              `yaml:"preserveHost"       json:"preserveHost"`
	InsecureSkipVerify bool              `yaml:"insecureSkipVerify" json:"insecureSkipVerify"`
	Kubernetes         *KubernetesSource `yaml:"kubernetes"         json:"kubernetes,omitempty"`
}

// KubernetesSource binds a target to the EndpointSlices of a Service.
type KubernetesSource struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Service   string `yaml:"service"   json:"service"`
	Port      int    `yaml:"port"      json:"port"`
}

// RouteConfig declares one path-prefix route.
type RouteConfig struct {
	Prefix        string `yaml:"prefix"        json:"prefix"`
	TargetID      string `yaml:"targetId"      json:"targetId"`
	Rewrite       string `yaml:"rewrite"       json:"rewrite,omitempty"`
	TrailingSlash string `yaml:"trailingSlash" json:"trailingSlash,omitempty"`
}

// HealthConfig controls health check behavior.
type HealthConfig struct {
	Interval Duration `yaml:"interval" json:"interval"`
	Timeout  Duration `yaml:"timeout"  json:"timeout"`
}

// ProxyConfig controls upstream connection behavior.
type ProxyConfig struct {
	ConnectTimeout Duration `yaml:"connectTimeout" json:"connectTimeout"`
	IdleTimeout    Duration `yaml:"idleTimeout"    json:"idleTimeout"`
	RetryBackoff   Duration `yaml:"retryBackoff"   json:"retryBackoff"`
}

// Environment is an overlay selected by name. Targets replace base targets
// with the same id and are appended otherwise.
type Environment struct {
	Listen  string         `yaml:"listen"  json:"listen,omitempty"`
	Targets []TargetConfig `yaml:"targets" json:"targets,omitempty"`
}

// Defaults applied when a field is absent.
const (
	DefaultHealthInterval = 10 * time.Second
	DefaultHealthTimeout  = 2 * time.Second
	DefaultConnectTimeout = 2 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultRetryBackoff   = 100 * time.Millisecond
)

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML accepts duration strings.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"10s\"", node.Line)
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
	}
	if parsed < 0 {
		return fmt.Errorf("line %d: duration %q must not be negative", node.Line, s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
