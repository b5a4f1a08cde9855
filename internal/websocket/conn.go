package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Conn is a server-to-client WebSocket connection with ping/pong keepalive.
// Incoming data messages are not expected; a background reader processes
// control frames and ends the connection if the peer sends data.
type Conn struct {
	inner  *ws.Conn
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// WrapConn wraps an accepted WebSocket connection. It starts the background
// reader and a goroutine that pings the peer at the configured interval.
// Call Close to stop the goroutine and close the connection.
func WrapConn(ctx context.Context, c *ws.Conn, options ...Option) *Conn {
	opts := applyOptions(options)
	ctx, cancel := context.WithCancel(c.CloseRead(ctx))
	conn := &Conn{
		inner:  c,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go conn.pingLoop()
	return conn
}

// Context is cancelled when the peer disconnects, a pong times out or the
// connection is closed.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// WriteJSON sends v as a single text message, bounded by the write timeout.
func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.inner, v)
}

// Close sends a close frame and shuts down the connection.
func (c *Conn) Close(code ws.StatusCode, reason string) error {
	if !c.markClosed() {
		return nil
	}
	c.cancel()
	<-c.done
	return c.inner.Close(code, reason)
}

// CloseWithContext sends a close frame within the given context deadline.
func (c *Conn) CloseWithContext(ctx context.Context, code ws.StatusCode, reason string) error {
	if !c.markClosed() {
		return nil
	}
	c.cancel()

	select {
	case <-c.done:
	case <-ctx.Done():
	}
	return c.inner.Close(code, reason)
}

// ForceClose closes the underlying connection without a close handshake.
func (c *Conn) ForceClose() {
	if !c.markClosed() {
		return
	}
	c.cancel()
	c.inner.CloseNow()
}

func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *Conn) pingLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(c.ctx, c.opts.PongTimeout)
			err := c.inner.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.opts.Logger.Warn("pong timeout, closing connection", slog.String("error", err.Error()))
				// peer is unresponsive, skip the close handshake
				c.cancel()
				c.inner.CloseNow()
				return
			}
		}
	}
}
