package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rathix/dev-gateway/internal/routing"
)

// ErrUnknownEnvironment is reported when the selected overlay is not declared.
var ErrUnknownEnvironment = errors.New("unknown environment")

// ConfigError collects every problem found while loading or building a
// configuration. A configuration with problems is never activated.
type ConfigError struct {
	Path     string
	Problems []error
}

func (e *ConfigError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	prefix := "invalid configuration"
	if e.Path != "" {
		prefix = fmt.Sprintf("invalid configuration %s", e.Path)
	}
	return fmt.Sprintf("%s: %s", prefix, strings.Join(msgs, "; "))
}

func (e *ConfigError) Unwrap() []error {
	return e.Problems
}

func (e *ConfigError) add(err error) {
	e.Problems = append(e.Problems, err)
}

func (e *ConfigError) addf(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Errorf(format, args...))
}

func (e *ConfigError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// Load reads the YAML configuration at path, expands ${VAR} references from
// the process environment, applies the named environment overlay and
// validates the result. Every problem is reported in a single *ConfigError.
func Load(path, environment string) (*Config, error) {
	cerr := &ConfigError{Path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		cerr.add(fmt.Errorf("failed to read config file: %w", err))
		return nil, cerr
	}

	expanded, missing := expandEnv(string(data))
	for _, name := range missing {
		cerr.addf("environment variable %s is not set", name)
	}

	cfg, err := parse([]byte(expanded))
	if err != nil {
		cerr.add(err)
		return nil, cerr
	}

	if environment != "" {
		if err := cfg.applyOverlay(environment); err != nil {
			cerr.add(err)
		}
	}
	cfg.applyDefaults()
	cfg.validate(cerr)

	if err := cerr.orNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse decodes a single YAML document, rejecting unknown fields.
func parse(data []byte) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("config file is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("config file is empty")
		}
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

// expandEnv replaces ${VAR} references. $VAR without braces is left alone so
// that literal dollar signs survive. Unset variables are returned sorted.
func expandEnv(s string) (string, []string) {
	seen := make(map[string]struct{})
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.IndexByte(s[start:], '}')
		if end < 0 {
			b.WriteString(s)
			break
		}
		name := s[start+2 : start+end]
		b.WriteString(s[:start])
		if v, ok := os.LookupEnv(name); ok {
			b.WriteString(v)
		} else {
			seen[name] = struct{}{}
		}
		s = s[start+end+1:]
	}

	missing := make([]string, 0, len(seen))
	for name := range seen {
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return b.String(), missing
}

// applyOverlay merges the named environment into the base document.
func (c *Config) applyOverlay(name string) error {
	env, ok := c.Environments[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownEnvironment, name)
	}
	c.Environment = name
	if env.Listen != "" {
		c.Listen = env.Listen
	}

	index := make(map[string]int, len(c.Targets))
	for i, t := range c.Targets {
		index[t.ID] = i
	}
	for _, t := range env.Targets {
		if i, ok := index[t.ID]; ok {
			c.Targets[i] = t
			continue
		}
		index[t.ID] = len(c.Targets)
		c.Targets = append(c.Targets, t)
	}
	return nil
}

func (c *Config) applyDefaults() {
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.Scheme == "" {
			t.Scheme = "http"
		}
		if k := t.Kubernetes; k != nil && k.Port == 0 {
			k.Port = t.Port
		}
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = Duration(DefaultHealthInterval)
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = Duration(DefaultHealthTimeout)
	}
	if c.Proxy.ConnectTimeout == 0 {
		c.Proxy.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
	if c.Proxy.IdleTimeout == 0 {
		c.Proxy.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if c.Proxy.RetryBackoff == 0 {
		c.Proxy.RetryBackoff = Duration(DefaultRetryBackoff)
	}
}

// validate checks the document shape. Prefixes and cross references
// (dangling target ids, duplicate prefixes) are checked by Build.
func (c *Config) validate(cerr *ConfigError) {
	if len(c.Targets) == 0 {
		cerr.addf("targets: at least one target is required")
	}
	if len(c.Routes) == 0 {
		cerr.addf("routes: at least one route is required")
	}

	seen := make(map[string]struct{}, len(c.Targets))
	for i, t := range c.Targets {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			cerr.addf("targets[%d].id: required field missing", i)
		} else if _, dup := seen[id]; dup {
			cerr.addf("targets[%d].id: duplicate target id %q", i, id)
		}
		seen[id] = struct{}{}

		if strings.TrimSpace(t.Host) == "" {
			cerr.addf("targets[%d].host: required field missing", i)
		}
		if t.Port < 1 || t.Port > 65535 {
			cerr.addf("targets[%d].port: must be between 1 and 65535, got %d", i, t.Port)
		}
		switch strings.ToLower(t.Scheme) {
		case "http", "https", "ws", "wss":
		default:
			cerr.addf("targets[%d].scheme: unsupported scheme %q", i, t.Scheme)
		}
		if t.HealthPath != "" && !strings.HasPrefix(t.HealthPath, "/") {
			cerr.addf("targets[%d].healthPath: must begin with /, got %q", i, t.HealthPath)
		}
		if k := t.Kubernetes; k != nil {
			if k.Namespace == "" || k.Service == "" {
				cerr.addf("targets[%d].kubernetes: namespace and service are required", i)
			}
			if k.Port < 1 || k.Port > 65535 {
				cerr.addf("targets[%d].kubernetes.port: must be between 1 and 65535, got %d", i, k.Port)
			}
		}
	}

	for i, r := range c.Routes {
		if strings.TrimSpace(r.TargetID) == "" {
			cerr.addf("routes[%d].targetId: required field missing", i)
		}
		if _, err := routing.ParseRewriteMode(r.Rewrite); err != nil {
			cerr.addf("routes[%d].rewrite: %w", i, err)
		}
		if _, err := routing.ParseSlashPolicy(r.TrailingSlash); err != nil {
			cerr.addf("routes[%d].trailingSlash: %w", i, err)
		}
	}

	if c.Health.Timeout > c.Health.Interval {
		cerr.addf("health.timeout: %s exceeds interval %s", c.Health.Timeout, c.Health.Interval)
	}
}
