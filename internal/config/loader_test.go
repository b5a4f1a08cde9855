package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const fullConfig = `
listen: ":8080"
targets:
  - id: frontend
    host: localhost
    port: 5173
  - id: discount
    host: localhost
    port: 9001
    healthPath: /healthz
  - id: legacy
    host: legacy.local
    port: 8443
    scheme: https
    preserveHost: true
    insecureSkipVerify: true
routes:
  - prefix: /
    targetId: frontend
  - prefix: /backend/discountservice
    targetId: discount
    rewrite: STRIP_PREFIX
  - prefix: /legacy
    targetId: legacy
    trailingSlash: normalize
health:
  interval: 30s
  timeout: 5s
proxy:
  connectTimeout: 1s
  idleTimeout: 2m
  retryBackoff: 50ms
environments:
  staging:
    listen: ":8081"
    targets:
      - id: discount
        host: discount.staging.internal
        port: 443
        scheme: https
      - id: reports
        host: reports.staging.internal
        port: 80
`

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTempConfig(t, fullConfig)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.Listen != ":8080" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if len(cfg.Targets) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(cfg.Targets))
	}
	if cfg.Targets[0].Scheme != "http" {
		t.Errorf("expected default scheme http, got %q", cfg.Targets[0].Scheme)
	}
	legacy := cfg.Targets[2]
	if !legacy.PreserveHost || !legacy.InsecureSkipVerify || legacy.Scheme != "https" {
		t.Errorf("legacy flags not parsed: %+v", legacy)
	}
	if len(cfg.Routes) != 3 || cfg.Routes[1].Rewrite != "STRIP_PREFIX" {
		t.Errorf("unexpected routes: %+v", cfg.Routes)
	}
	if cfg.Health.Interval.D() != 30*time.Second || cfg.Health.Timeout.D() != 5*time.Second {
		t.Errorf("unexpected health config: %+v", cfg.Health)
	}
	if cfg.Proxy.IdleTimeout.D() != 2*time.Minute || cfg.Proxy.RetryBackoff.D() != 50*time.Millisecond {
		t.Errorf("unexpected proxy config: %+v", cfg.Proxy)
	}
	if cfg.Environment != "" {
		t.Errorf("expected no environment applied, got %q", cfg.Environment)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, `
targets:
  - id: api
    host: localhost
    port: 3000
routes:
  - prefix: /api
    targetId: api
`)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Health.Interval.D() != DefaultHealthInterval {
		t.Errorf("health interval default = %s", cfg.Health.Interval)
	}
	if cfg.Health.Timeout.D() != DefaultHealthTimeout {
		t.Errorf("health timeout default = %s", cfg.Health.Timeout)
	}
	if cfg.Proxy.ConnectTimeout.D() != DefaultConnectTimeout {
		t.Errorf("connect timeout default = %s", cfg.Proxy.ConnectTimeout)
	}
	if cfg.Proxy.IdleTimeout.D() != DefaultIdleTimeout {
		t.Errorf("idle timeout default = %s", cfg.Proxy.IdleTimeout)
	}
	if cfg.Proxy.RetryBackoff.D() != DefaultRetryBackoff {
		t.Errorf("retry backoff default = %s", cfg.Proxy.RetryBackoff)
	}
	if cfg.Listen != "" {
		t.Errorf("listen should stay empty for the CLI fallback, got %q", cfg.Listen)
	}
}

func TestLoad_EnvironmentOverlay(t *testing.T) {
	path := writeTempConfig(t, fullConfig)
	cfg, err := Load(path, "staging")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Environment != "staging" {
		t.Errorf("environment = %q", cfg.Environment)
	}
	if cfg.Listen != ":8081" {
		t.Errorf("listen = %q, want overlay value", cfg.Listen)
	}
	if len(cfg.Targets) != 4 {
		t.Fatalf("expected 4 targets after overlay, got %d", len(cfg.Targets))
	}
	discount := cfg.Targets[1]
	if discount.ID != "discount" || discount.Host != "discount.staging.internal" || discount.Port != 443 || discount.Scheme != "https" {
		t.Errorf("discount not replaced in place: %+v", discount)
	}
	if discount.HealthPath != "" {
		t.Errorf("overlay replaces the whole target, got healthPath %q", discount.HealthPath)
	}
	if cfg.Targets[3].ID != "reports" {
		t.Errorf("expected appended target reports, got %q", cfg.Targets[3].ID)
	}
}

func TestLoad_UnknownEnvironment(t *testing.T) {
	path := writeTempConfig(t, fullConfig)
	_, err := Load(path, "production")
	if !errors.Is(err, ErrUnknownEnvironment) {
		t.Fatalf("expected ErrUnknownEnvironment, got %v", err)
	}
}

func TestLoad_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("DISCOUNT_HOST", "10.0.0.7")
	t.Setenv("DISCOUNT_PORT", "9100")
	path := writeTempConfig(t, `
targets:
  - id: discount
    host: ${DISCOUNT_HOST}
    port: ${DISCOUNT_PORT}
routes:
  - prefix: /price$
    targetId: discount
`)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Targets[0].Host != "10.0.0.7" || cfg.Targets[0].Port != 9100 {
		t.Errorf("variables not expanded: %+v", cfg.Targets[0])
	}
	if cfg.Routes[0].Prefix != "/price$" {
		t.Errorf("literal dollar sign altered: %q", cfg.Routes[0].Prefix)
	}
}

func TestLoad_UnsetVariableIsAnError(t *testing.T) {
	path := writeTempConfig(t, `
targets:
  - id: discount
    host: ${GATEWAY_TEST_UNSET_HOST}
    port: 80
routes:
  - prefix: /
    targetId: discount
`)
	_, err := Load(path, "")
	if err == nil || !strings.Contains(err.Error(), "GATEWAY_TEST_UNSET_HOST") {
		t.Fatalf("expected unset variable error, got %v", err)
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeTempConfig(t, `
targets:
  - id: api
    host: localhost
    port: 3000
    weight: 5
routes:
  - prefix: /
    targetId: api
`)
	_, err := Load(path, "")
	if err == nil || !strings.Contains(err.Error(), "weight") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeTempConfig(t, "targets:\n  - id: [broken\n")
	cfg, err := Load(path, "")
	if cfg != nil {
		t.Error("expected nil config on parse failure")
	}
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if cerr.Path != path {
		t.Errorf("error path = %q", cerr.Path)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeTempConfig(t, "   \n")
	_, err := Load(path, "")
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("expected empty file error, got %v", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeTempConfig(t, `
targets:
  - id: api
    host: localhost
    port: 3000
routes:
  - prefix: /
    targetId: api
health:
  interval: often
`)
	_, err := Load(path, "")
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestLoad_ValidationCollectsAllProblems(t *testing.T) {
	path := writeTempConfig(t, `
targets:
  - id: ""
    host: localhost
    port: 3000
  - id: api
    host: ""
    port: 70000
    scheme: ftp
  - id: api
    host: localhost
    port: 3001
    healthPath: healthz
  - id: k8s
    host: localhost
    port: 80
    kubernetes:
      service: discount
routes:
  - prefix: /
    targetId: ""
    rewrite: REPLACE
    trailingSlash: sometimes
health:
  interval: 1s
  timeout: 5s
`)
	_, err := Load(path, "")
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}

	want := []string{
		"targets[0].id",
		"targets[1].host",
		"targets[1].port",
		"targets[1].scheme",
		"targets[2].id: duplicate",
		"targets[2].healthPath",
		"targets[3].kubernetes",
		"routes[0].targetId",
		"routes[0].rewrite",
		"routes[0].trailingSlash",
		"health.timeout",
	}
	msg := err.Error()
	for _, w := range want {
		if !strings.Contains(msg, w) {
			t.Errorf("expected problem %q in %q", w, msg)
		}
	}
	if len(cerr.Problems) != len(want) {
		t.Errorf("expected %d problems, got %d: %v", len(want), len(cerr.Problems), cerr.Problems)
	}
}

func TestLoad_RequiresTargetsAndRoutes(t *testing.T) {
	path := writeTempConfig(t, `listen: ":9000"`)
	_, err := Load(path, "")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, w := range []string{"targets:", "routes:"} {
		if !strings.Contains(err.Error(), w) {
			t.Errorf("expected %q in %v", w, err)
		}
	}
}

func TestLoad_KubernetesPortDefaultsToTargetPort(t *testing.T) {
	path := writeTempConfig(t, `
targets:
  - id: discount
    host: localhost
    port: 9001
    kubernetes:
      namespace: dev
      service: discount
routes:
  - prefix: /
    targetId: discount
`)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bindings := cfg.KubernetesBindings()
	b, ok := bindings["discount"]
	if !ok {
		t.Fatal("expected kubernetes binding for discount")
	}
	if b.Namespace != "dev" || b.Service != "discount" || b.Port != 9001 {
		t.Errorf("unexpected binding %+v", b)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("GW_A", "alpha")
	tests := []struct {
		in      string
		want    string
		missing []string
	}{
		{"plain", "plain", nil},
		{"${GW_A}", "alpha", nil},
		{"x-${GW_A}-y", "x-alpha-y", nil},
		{"$GW_A", "$GW_A", nil},
		{"${GW_NOPE_2} ${GW_NOPE_1} ${GW_NOPE_1}", " ", []string{"GW_NOPE_1", "GW_NOPE_2"}},
		{"${unterminated", "${unterminated", nil},
	}
	for _, tc := range tests {
		got, missing := expandEnv(tc.in)
		if got != tc.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tc.in, got, tc.want)
		}
		if strings.Join(missing, ",") != strings.Join(tc.missing, ",") {
			t.Errorf("expandEnv(%q) missing = %v, want %v", tc.in, missing, tc.missing)
		}
	}
}
