package websocket

import (
	"io"
	"log/slog"
	"time"
)

const (
	DefaultPingInterval = 15 * time.Second
	DefaultPongTimeout  = 10 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// Options configures a wrapped WebSocket connection.
type Options struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Option is a functional option for configuring a WebSocket connection.
type Option func(*Options)

// WithPingInterval sets the interval between server-sent pings.
func WithPingInterval(d time.Duration) Option {
	return func(o *Options) { o.PingInterval = d }
}

// WithPongTimeout sets the maximum time to wait for a pong reply.
func WithPongTimeout(d time.Duration) Option {
	return func(o *Options) { o.PongTimeout = d }
}

// WithWriteTimeout bounds a single message write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Options) { o.WriteTimeout = d }
}

// WithLogger sets the logger for the connection.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

func applyOptions(opts []Option) Options {
	o := Options{
		PingInterval: DefaultPingInterval,
		PongTimeout:  DefaultPongTimeout,
		WriteTimeout: DefaultWriteTimeout,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
