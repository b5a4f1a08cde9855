package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/rathix/dev-gateway/internal/registry"
	"github.com/rathix/dev-gateway/internal/routing"
)

// Build turns a loaded Config into a fresh registry and route table. Nothing
// is published; the caller decides when the pair becomes active.
func Build(cfg *Config) (*registry.Registry, *routing.Table, error) {
	cerr := &ConfigError{}

	reg := registry.New()
	for i, t := range cfg.Targets {
		addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
		_, err := reg.Register(t.ID, addr, t.Scheme,
			registry.WithHealthPath(t.HealthPath),
			registry.WithPreserveHost(t.PreserveHost),
			registry.WithInsecureSkipVerify(t.InsecureSkipVerify),
		)
		if err != nil {
			cerr.add(fmt.Errorf("targets[%d]: %w", i, err))
		}
	}

	specs := make([]routing.Spec, 0, len(cfg.Routes))
	for i, r := range cfg.Routes {
		mode, err := routing.ParseRewriteMode(r.Rewrite)
		if err != nil {
			cerr.add(fmt.Errorf("routes[%d].rewrite: %w", i, err))
		}
		slash, err := routing.ParseSlashPolicy(r.TrailingSlash)
		if err != nil {
			cerr.add(fmt.Errorf("routes[%d].trailingSlash: %w", i, err))
		}
		specs = append(specs, routing.Spec{
			Prefix:        r.Prefix,
			TargetID:      r.TargetID,
			Rewrite:       mode,
			TrailingSlash: slash,
		})
	}

	table, err := routing.Build(specs, reg)
	if err != nil {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			cerr.Problems = append(cerr.Problems, joined.Unwrap()...)
		} else {
			cerr.add(err)
		}
	}

	if err := cerr.orNil(); err != nil {
		return nil, nil, err
	}
	return reg, table, nil
}

// KubernetesBindings returns the EndpointSlice sources declared by targets,
// keyed by target id.
func (c *Config) KubernetesBindings() map[string]KubernetesSource {
	out := make(map[string]KubernetesSource)
	for _, t := range c.Targets {
		if t.Kubernetes != nil {
			out[t.ID] = *t.Kubernetes
		}
	}
	return out
}
