package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/relaychat/internal/identity"
	"github.com/Tyrowin/relaychat/internal/logging"
	"github.com/Tyrowin/relaychat/internal/metrics"
)

const (
	sendBufferSize    = 256
	inboundBufferSize = 32
)

// wsConn is the subset of *websocket.Conn a Connection needs.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var connectionIDCounter atomic.Uint64

// Connection is one live transport session. Its bound identity is fixed at
// construction and never changes for the connection's lifetime.
type Connection struct {
	id            uint64
	conn          wsConn
	send          chan []byte
	inbound       chan []byte
	hub           *Hub
	addr          string
	identity      identity.Identity
	authenticated bool
	closed        bool // guarded by hub.mutex
	limiter       *rate.Limiter
	hb            heartbeat
	closeOnce     sync.Once
	log           zerolog.Logger
}

func newConnection(conn wsConn, hub *Hub, addr string, id identity.Identity, authenticated bool) *Connection {
	opts := hub.opts
	if conn != nil {
		conn.SetReadLimit(opts.MaxMessageSize)
	}

	c := &Connection{
		id:            connectionIDCounter.Add(1),
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		inbound:       make(chan []byte, inboundBufferSize),
		hub:           hub,
		addr:          addr,
		identity:      id,
		authenticated: authenticated,
		limiter:       newInboundLimiter(opts.RateLimit.Burst, opts.RateLimit.RefillInterval),
	}

	logCtx := logging.Component("relay").With().Uint64("conn_id", c.id).Str("addr", addr)
	if authenticated {
		logCtx = logCtx.Str("user_id", id.UserID)
	}
	c.log = logCtx.Logger()
	return c
}

// newInboundLimiter allows burst frames per interval, refilled continuously.
func newInboundLimiter(burst int, interval time.Duration) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Limit(float64(burst)/interval.Seconds()), burst)
}

// ID returns the connection's process-unique, monotonically increasing id.
func (c *Connection) ID() uint64 { return c.id }

// Addr returns the remote address of the connection.
func (c *Connection) Addr() string { return c.addr }

// Authenticated reports whether a valid identity token was presented.
func (c *Connection) Authenticated() bool { return c.authenticated }

// UserID returns the bound user id, or "" for unauthenticated connections.
func (c *Connection) UserID() string { return c.identity.UserID }

// Username returns the bound display name.
func (c *Connection) Username() string { return c.identity.Username }

func (c *Connection) start(ctx context.Context) {
	c.hub.wg.Add(3)
	go func() {
		defer c.hub.wg.Done()
		c.writePump(ctx)
	}()
	go func() {
		defer c.hub.wg.Done()
		c.readPump()
	}()
	go func() {
		defer c.hub.wg.Done()
		c.dispatchLoop(ctx)
	}()
}

// closeTransport forcibly closes the underlying socket once.
func (c *Connection) closeTransport() {
	c.closeOnce.Do(func() {
		if c.conn == nil {
			return
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("error closing connection")
		}
	})
}

// ping sends a heartbeat probe. WriteControl is safe alongside the write pump.
func (c *Connection) ping() error {
	if c.conn == nil {
		return ErrTransport
	}
	deadline := time.Now().Add(c.hub.opts.WriteWait)
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return errors.Join(ErrTransport, err)
	}
	return nil
}

// handleReadError logs the read failure and reports whether it was a clean close.
func (c *Connection) handleReadError(err error) bool {
	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Warn().Int64("limit", c.hub.opts.MaxMessageSize).Msg("message exceeded maximum size")
		return false
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Info().Msg("client disconnected")
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("connection closed")
		return false
	}

	c.log.Warn().Err(err).Msg("websocket read error")
	return false
}

// checkRateLimit reports whether the next inbound frame may be processed.
func (c *Connection) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.Allow() {
		c.log.Warn().Msg("rate limit exceeded; discarding message")
		metrics.MessagesRouted.WithLabelValues(metrics.RouteRateLimited).Inc()
		return false
	}
	return true
}

// readPump reads frames and queues them for dispatchLoop. Pongs are handled
// here, independent of how long dispatch takes.
func (c *Connection) readPump() {
	reason := metrics.ReasonTransport
	defer func() {
		close(c.inbound)
		c.hub.remove(c, reason)
	}()

	c.conn.SetPongHandler(func(string) error {
		c.hub.monitor.Pong(c)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				reason = metrics.ReasonClosed
			}
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		select {
		case c.inbound <- raw:
		default:
			c.log.Warn().Msg("inbound queue full; discarding message")
			metrics.MessagesRouted.WithLabelValues(metrics.RouteQueueFull).Inc()
		}
	}
}

// dispatchLoop hands queued frames to the hub's handler in receipt order.
func (c *Connection) dispatchLoop(ctx context.Context) {
	for raw := range c.inbound {
		c.hub.dispatch(ctx, c, raw)
	}
}

func (c *Connection) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.closeTransport()
			return
		case message, ok := <-c.send:
			if !ok {
				c.writeCloseMessage()
				c.closeTransport()
				return
			}
			if err := c.writeTextMessage(message); err != nil {
				c.log.Warn().Err(err).Msg("write failed; evicting connection")
				c.hub.remove(c, metrics.ReasonTransport)
				c.closeTransport()
				return
			}
		}
	}
}

// writeCloseMessage sends a close frame to the client.
func (c *Connection) writeCloseMessage() {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait)); err != nil {
		return
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("error writing close message")
	}
}

// writeTextMessage writes one JSON frame.
func (c *Connection) writeTextMessage(message []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait)); err != nil {
		return errors.Join(ErrTransport, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		return errors.Join(ErrTransport, err)
	}
	return nil
}
