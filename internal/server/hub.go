package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/config"
	"github.com/Tyrowin/relaychat/internal/identity"
	"github.com/Tyrowin/relaychat/internal/logging"
	"github.com/Tyrowin/relaychat/internal/metrics"
)

// MessageHandler processes one inbound frame from a connection. Calls for a
// single connection are made sequentially in receipt order.
type MessageHandler interface {
	HandleIncoming(ctx context.Context, from *Connection, raw []byte)
}

// RateLimit bounds inbound frames per connection.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

// Options tune the hub and its connections.
type Options struct {
	ProbeInterval  time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	RateLimit      RateLimit
	WriteWait      time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		ProbeInterval:  5 * time.Second,
		PongTimeout:    time.Second,
		MaxMessageSize: 10 << 20,
		RateLimit:      RateLimit{Burst: 5, RefillInterval: time.Second},
		WriteWait:      10 * time.Second,
	}
}

// OptionsFromConfig maps loaded configuration onto hub options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.ProbeInterval = cfg.Heartbeat.ProbeInterval()
	opts.PongTimeout = cfg.Heartbeat.PongTimeout()
	opts.MaxMessageSize = cfg.Server.MaxMessageSize
	opts.RateLimit = RateLimit{Burst: cfg.RateLimit.Burst, RefillInterval: cfg.RateLimit.RefillInterval}
	if cfg.Server.WriteTimeout > 0 {
		opts.WriteWait = cfg.Server.WriteTimeout
	}
	return opts
}

type registration struct {
	conn *Connection
	ack  chan struct{}
}

type unregistration struct {
	conn   *Connection
	reason string
}

// Hub is the connection registry. Its event loop is the only writer of the
// connection set; readers take snapshots under the read lock.
type Hub struct {
	conns      map[*Connection]struct{}
	register   chan registration
	unregister chan unregistration
	announceCh chan struct{}
	mutex      sync.RWMutex
	wg         sync.WaitGroup

	verifier identity.Verifier
	handler  MessageHandler
	monitor  *HeartbeatMonitor
	opts     Options

	ctx      context.Context
	cancel   context.CancelFunc
	started  chan struct{}
	done     chan struct{}
	runOnce  sync.Once
	doneOnce sync.Once
}

// NewHub creates a hub. A nil verifier leaves every connection unauthenticated.
func NewHub(verifier identity.Verifier, opts Options) *Hub {
	h := &Hub{
		conns:      make(map[*Connection]struct{}),
		register:   make(chan registration),
		unregister: make(chan unregistration),
		announceCh: make(chan struct{}, 1),
		verifier:   verifier,
		opts:       opts,
		started:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	h.monitor = NewHeartbeatMonitor(opts.ProbeInterval, opts.PongTimeout, h.onDead)
	return h
}

// SetHandler installs the inbound message handler. It must be called before Run.
func (h *Hub) SetHandler(handler MessageHandler) {
	h.handler = handler
}

// Register authenticates and registers a new connection. A missing or invalid
// token still registers the connection, unauthenticated, and the auth error is
// returned alongside it.
func (h *Hub) Register(conn wsConn, token, addr string) (*Connection, error) {
	id, authErr := h.authenticate(token)
	c := newConnection(conn, h, addr, id, authErr == nil)

	req := registration{conn: c, ack: make(chan struct{})}
	select {
	case h.register <- req:
	case <-h.done:
		return nil, ErrHubStopped
	}
	select {
	case <-req.ack:
	case <-h.done:
		return nil, ErrHubStopped
	}
	return c, authErr
}

func (h *Hub) authenticate(token string) (identity.Identity, error) {
	if token == "" {
		return identity.Identity{}, identity.ErrMissingToken
	}
	if h.verifier == nil {
		return identity.Identity{}, identity.ErrInvalidToken
	}
	id, err := h.verifier.Verify(token)
	if err != nil {
		return identity.Identity{}, err
	}
	return id, nil
}

// Unregister removes a connection. Removing an already-removed connection is a no-op.
func (h *Hub) Unregister(c *Connection) {
	h.remove(c, metrics.ReasonClosed)
}

func (h *Hub) remove(c *Connection, reason string) {
	if c == nil {
		return
	}
	select {
	case h.unregister <- unregistration{conn: c, reason: reason}:
	case <-h.done:
	}
}

// onDead is the heartbeat's eviction path.
func (h *Hub) onDead(c *Connection, cause error) {
	reason := metrics.ReasonTransport
	if errors.Is(cause, ErrProbeTimeout) {
		reason = metrics.ReasonProbeTimeout
	}
	c.log.Warn().Err(cause).Msg("heartbeat declared connection dead")
	h.remove(c, reason)
	c.closeTransport()
}

// AllConnections returns the registered connections ordered by registration.
func (h *Hub) AllConnections() []*Connection {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	out := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	sortByID(out)
	return out
}

// ConnectionsFor returns every registered, authenticated connection bound to userID.
func (h *Hub) ConnectionsFor(userID string) []*Connection {
	if userID == "" {
		return nil
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	var out []*Connection
	for c := range h.conns {
		if c.authenticated && c.identity.UserID == userID {
			out = append(out, c)
		}
	}
	sortByID(out)
	return out
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.conns)
}

func sortByID(conns []*Connection) {
	sort.Slice(conns, func(i, j int) bool { return conns[i].id < conns[j].id })
}

// Deliver enqueues payload on c without blocking. A failed enqueue marks the
// connection suspect so its next heartbeat probe evicts it.
func (h *Hub) Deliver(c *Connection, payload []byte) bool {
	if h.safeSend(c, payload) {
		return true
	}
	metrics.FramesDropped.Inc()
	h.monitor.MarkSuspect(c)
	return false
}

func (h *Hub) safeSend(c *Connection, payload []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Component("hub").Error().Interface("panic", r).Msg("recovered from panic in safeSend")
			sent = false
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.conns[c]; !exists || c.closed {
		return false
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Connection, raw []byte) {
	if h.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("recovered from panic handling message")
		}
	}()
	h.handler.HandleIncoming(ctx, c, raw)
}

// Serve runs the event loop until ctx is canceled. It satisfies suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	h.Run(ctx)
	return ctx.Err()
}

// Run processes registrations, removals and announce requests until ctx is
// canceled, then closes every connection. It returns immediately if the hub
// has already run.
func (h *Hub) Run(ctx context.Context) {
	first := false
	h.runOnce.Do(func() {
		first = true
		h.ctx, h.cancel = context.WithCancel(ctx)
		close(h.started)
	})
	if !first {
		return
	}
	defer h.doneOnce.Do(func() { close(h.done) })

	log := logging.Component("hub")
	log.Info().Msg("hub started")

	for h.step(h.ctx) {
	}
	h.shutdownConnections()
}

// step handles one event and reports whether the loop should continue. A
// panic while handling an event is logged and the loop keeps running.
func (h *Hub) step(ctx context.Context) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Component("hub").Error().Interface("panic", r).Msg("recovered from panic in hub loop")
			cont = true
		}
	}()

	select {
	case <-ctx.Done():
		return false
	case req := <-h.register:
		h.handleRegister(ctx, req)
	case req := <-h.unregister:
		h.handleUnregister(req)
	case <-h.announceCh:
		h.announce()
	}
	return true
}

func (h *Hub) handleRegister(ctx context.Context, req registration) {
	defer close(req.ack)
	c := req.conn

	h.mutex.Lock()
	c.closed = false
	h.conns[c] = struct{}{}
	count := len(h.conns)
	h.mutex.Unlock()

	auth := "anonymous"
	if c.authenticated {
		auth = "authenticated"
	}
	metrics.ConnectionsTotal.WithLabelValues(auth).Inc()
	metrics.ConnectionsActive.Set(float64(count))
	c.log.Info().Bool("authenticated", c.authenticated).Int("total", count).Msg("connection registered")

	if c.conn != nil {
		c.start(ctx)
	}
	h.monitor.Watch(c)
	h.announce()
}

func (h *Hub) handleUnregister(req unregistration) {
	c := req.conn

	h.mutex.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.conns, c)
	c.closed = true
	count := len(h.conns)
	h.mutex.Unlock()

	// The write pump sends a close frame and closes the transport.
	close(c.send)
	h.monitor.Stop(c)

	metrics.Disconnects.WithLabelValues(req.reason).Inc()
	metrics.ConnectionsActive.Set(float64(count))
	c.log.Info().Str("reason", req.reason).Int("total", count).Msg("connection unregistered")

	h.announce()
}

// shutdownConnections closes every registered connection.
func (h *Hub) shutdownConnections() {
	log := logging.Component("hub")
	log.Info().Msg("shutting down all connections")

	h.mutex.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
		delete(h.conns, c)
		c.closed = true
	}
	h.mutex.Unlock()

	for _, c := range conns {
		h.monitor.Stop(c)
		close(c.send)
		c.closeTransport()
		metrics.Disconnects.WithLabelValues(metrics.ReasonShutdown).Inc()
	}
	metrics.ConnectionsActive.Set(0)

	log.Info().Int("count", len(conns)).Msg("closed connections")
}

// Shutdown cancels the event loop and waits for connection goroutines to
// finish, or for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	select {
	case <-h.started:
		h.cancel()
	default:
		h.doneOnce.Do(func() { close(h.done) })
		return nil
	}
	<-h.done
	return h.Wait(timeout)
}

// Wait blocks until the hub has stopped and every connection goroutine has
// exited, or until timeout elapses.
func (h *Hub) Wait(timeout time.Duration) error {
	finished := make(chan struct{})
	go func() {
		<-h.done
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		logging.Component("hub").Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("hub shutdown: %w", context.DeadlineExceeded)
	}
}
