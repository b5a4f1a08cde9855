package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	appconfig "github.com/rathix/dev-gateway/internal/config"
	"github.com/rathix/dev-gateway/internal/health"
	"github.com/rathix/dev-gateway/internal/k8s"
	"github.com/rathix/dev-gateway/internal/metrics"
	"github.com/rathix/dev-gateway/internal/proxy"
	"github.com/rathix/dev-gateway/internal/server"
	"github.com/rathix/dev-gateway/internal/state"
	"github.com/rathix/dev-gateway/internal/websocket"
)

const (
	defaultListenAddr  = ":8080"
	defaultControlAddr = "127.0.0.1:9901"
)

// Version is injected at build time using ldflags.
var Version = "(unknown)"

// config holds the process configuration.
type config struct {
	ShowVersion    bool
	ConfigFile     string
	Environment    string
	ListenAddr     string
	ControlAddr    string
	Kubeconfig     string
	LogFormat      string
	LogLevel       slog.Level
	Watch          bool
	AllowedOrigins []string
}

func main() {
	// Quick check for version flag before full config loading
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Printf("dev-gateway version %s\n", Version)
			return
		}
	}

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses flags and environment variables with precedence: Flag > Env > Default.
// The listen address additionally falls back to the configuration file.
func loadConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("dev-gateway", flag.ContinueOnError)

	cfg := config{}
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	fs.StringVar(&cfg.ConfigFile, "config", getEnv("CONFIG_FILE", ""), "path to the YAML gateway configuration (required)")
	fs.StringVar(&cfg.Environment, "env", getEnv("GATEWAY_ENV", ""), "environment overlay to apply")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", getEnv("LISTEN_ADDR", ""), "gateway listen address (default: config listen, then "+defaultListenAddr+")")
	fs.StringVar(&cfg.ControlAddr, "control-addr", getEnv("CONTROL_ADDR", defaultControlAddr), "control API listen address, empty disables")
	fs.StringVar(&cfg.Kubeconfig, "kubeconfig", getEnv("KUBECONFIG", ""), "path to kubeconfig file for EndpointSlice discovery")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log format (json or text)")
	fs.BoolVar(&cfg.Watch, "watch", getEnvBool("WATCH_CONFIG", true), "reload when the configuration file changes")

	logLevelStr := getEnv("LOG_LEVEL", "info")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "log level (debug, info, warn, error)")

	originsStr := getEnv("ALLOWED_ORIGINS", "")
	fs.StringVar(&originsStr, "allowed-origins", originsStr, "comma-separated browser origins allowed to open the event stream")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if cfg.ConfigFile == "" {
		return config{}, errors.New("a configuration file is required (-config or CONFIG_FILE)")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return config{}, fmt.Errorf("unsupported log format %q: must be \"json\" or \"text\"", cfg.LogFormat)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(logLevelStr)); err != nil {
		return config{}, fmt.Errorf("invalid log level %q: %w", logLevelStr, err)
	}
	for _, o := range strings.Split(originsStr, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}

// resolveListenAddr applies Flag/Env > Config > Default.
func resolveListenAddr(flagValue, configValue string) string {
	switch {
	case flagValue != "":
		return flagValue
	case configValue != "":
		return configValue
	default:
		return defaultListenAddr
	}
}

func setupLoggerWithWriter(format string, level slog.Level, writer io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}
	return slog.New(handler)
}

// kubernetesBindings lists the EndpointSlice bindings of cfg ordered by target id.
func kubernetesBindings(cfg *appconfig.Config) []k8s.Binding {
	src := cfg.KubernetesBindings()
	out := make([]k8s.Binding, 0, len(src))
	for id, b := range src {
		out = append(out, k8s.Binding{TargetID: id, Namespace: b.Namespace, Service: b.Service, Port: b.Port})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

// run loads the configuration, starts every component and blocks until ctx
// is cancelled or a component fails.
func run(ctx context.Context, cfg config, logOutput io.Writer) error {
	logger := setupLoggerWithWriter(cfg.LogFormat, cfg.LogLevel, logOutput)
	slog.SetDefault(logger)

	logger.Info("Starting dev-gateway", "version", Version, "config", cfg.ConfigFile, "environment", cfg.Environment)

	store := state.NewStore()
	reloader := appconfig.NewReloader(cfg.ConfigFile, cfg.Environment, store, logger)
	if _, err := reloader.Reload(ctx); err != nil {
		return fmt.Errorf("initial configuration: %w", err)
	}
	appCfg := reloader.Config()

	m := metrics.New(store)
	router := proxy.NewRouter(store, proxy.Options{
		ConnectTimeout: appCfg.Proxy.ConnectTimeout.D(),
		IdleTimeout:    appCfg.Proxy.IdleTimeout.D(),
		RetryBackoff:   appCfg.Proxy.RetryBackoff.D(),
		Logger:         logger,
		Recorder:       m,
	})
	checker := health.NewChecker(store, appCfg.Health.Interval.D(), appCfg.Health.Timeout.D(), logger)

	var discovery *k8s.EndpointSliceWatcher
	if bindings := kubernetesBindings(appCfg); len(bindings) > 0 {
		clientset, err := k8s.BuildClientset(cfg.Kubeconfig)
		if err != nil {
			logger.Warn("Kubernetes discovery disabled", "error", err)
		} else {
			discovery = k8s.NewEndpointSliceWatcher(clientset, store, logger)
			discovery.Bind(bindings)
		}
	}

	reloader.OnPublish(func(ctx context.Context, c *appconfig.Config, snap *state.Snapshot) {
		if n := router.Pool().Prune(snap.Registry.List()); n > 0 {
			logger.Debug("pruned upstream transports", "count", n)
		}
		bindings := kubernetesBindings(c)
		switch {
		case discovery != nil:
			discovery.Bind(bindings)
		case len(bindings) > 0:
			logger.Warn("Kubernetes bindings added at runtime take effect after restart", "targets", len(bindings))
		}
	})

	listenAddr := resolveListenAddr(cfg.ListenAddr, appCfg.Listen)
	gatewayLn, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}
	gatewaySrv := server.New(listenAddr, router, logger)

	var controlLn net.Listener
	conns := websocket.NewRegistry(logger)
	if cfg.ControlAddr != "" {
		controlLn, err = net.Listen("tcp", cfg.ControlAddr)
		if err != nil {
			gatewayLn.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.ControlAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Gateway listening", "addr", gatewayLn.Addr().String())
		return server.Serve(gctx, gatewaySrv, gatewayLn, server.DefaultShutdownTimeout)
	})

	if controlLn != nil {
		controlSrv := server.New(cfg.ControlAddr, server.NewControlHandler(server.ControlOptions{
			Store:          store,
			Reloader:       reloader,
			Prober:         checker,
			Metrics:        m.Handler(),
			Conns:          conns,
			Logger:         logger,
			OriginPatterns: cfg.AllowedOrigins,
		}), logger)
		g.Go(func() error {
			logger.Info("Control API listening", "addr", controlLn.Addr().String())
			return server.Serve(gctx, controlSrv, controlLn, server.DefaultShutdownTimeout, conns.CloseAll)
		})
	}

	g.Go(func() error {
		checker.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return m.Run(gctx, store)
	})

	if cfg.Watch {
		watcher := appconfig.NewWatcher(cfg.ConfigFile, reloader, logger)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil && gctx.Err() == nil {
				logger.Warn("config watcher stopped with error", "error", err)
			}
			return nil
		})
	}

	if discovery != nil {
		g.Go(func() error {
			return discovery.Run(gctx)
		})
	}

	g.Go(func() error {
		reloadOnSignal(gctx, reloader, logger)
		return nil
	})

	err = g.Wait()
	router.Pool().CloseIdleConnections()
	if err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// reloadOnSignal reloads the configuration on every SIGHUP until ctx is done.
func reloadOnSignal(ctx context.Context, r appconfig.Reloadable, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("SIGHUP received, reloading configuration")
			// failures are logged by the reloader
			_, _ = r.Reload(ctx)
		}
	}
}
