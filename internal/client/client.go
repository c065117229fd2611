// Package client implements the relay's client side: a websocket session that
// reconnects forever after a fixed backoff, keeps the latest presence view,
// and merges live, optimistic and fetched messages without duplicates.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/relaychat/internal/attachment"
	"github.com/Tyrowin/relaychat/internal/identity"
	"github.com/Tyrowin/relaychat/internal/logging"
	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/internal/storage"
)

var (
	// ErrNotConnected is returned by Send while no socket is open.
	ErrNotConnected = errors.New("client is not connected")
	// ErrNoPartner is returned by Send before a conversation partner is selected.
	ErrNoPartner = errors.New("no conversation partner selected")
	// ErrEmptyMessage is returned by Send when there is neither text nor a file.
	ErrEmptyMessage = errors.New("message has neither text nor file")
)

// State is the connection state of a ReconnectingClient.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// UpdateKind says what changed in an Update.
type UpdateKind int

const (
	UpdateState UpdateKind = iota
	UpdatePresence
	UpdateMessage
	UpdateHistory
)

// Update is a change notification delivered on Updates().
type Update struct {
	Kind     UpdateKind
	State    State
	Online   []server.PresenceEntry
	Message  *Message
	Messages []Message
}

// HistoryFetcher loads the conversation between the caller and partner.
type HistoryFetcher interface {
	History(ctx context.Context, partner string) ([]Message, error)
}

// Options configure a ReconnectingClient.
type Options struct {
	// URL is the relay websocket endpoint, e.g. ws://localhost:4000/ws.
	URL string
	// Token is sent as the identity cookie on every dial.
	Token string
	// Origin is sent as the Origin header; relays reject dials without one.
	Origin string
	// SelfID is the caller's user id, used to filter live messages.
	SelfID string
	// Backoff is the fixed delay between a close and the next dial.
	Backoff          time.Duration
	HandshakeTimeout time.Duration
	History          HistoryFetcher
}

// ReconnectingClient owns at most one relay socket at a time and redials
// forever after each close.
type ReconnectingClient struct {
	opts   Options
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	online   []server.PresenceEntry
	partner  string
	messages []Message

	writeMu sync.Mutex
	updates chan Update
	newID   func() string
}

// New creates a ReconnectingClient. Call Run to start connecting.
func New(opts Options) *ReconnectingClient {
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	return &ReconnectingClient{
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		log:     logging.Component("client").With().Str("url", opts.URL).Logger(),
		updates: make(chan Update, 64),
		newID:   storage.NewID,
	}
}

// Updates returns change notifications. Notifications are dropped when the
// channel is full; State, Online and Messages always reflect the latest view.
func (c *ReconnectingClient) Updates() <-chan Update {
	return c.updates
}

func (c *ReconnectingClient) notify(u Update) {
	select {
	case c.updates <- u:
	default:
	}
}

// State returns the current connection state.
func (c *ReconnectingClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ReconnectingClient) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.log.Debug().Stringer("state", s).Msg("state changed")
	c.notify(Update{Kind: UpdateState, State: s})
}

// Online returns the last presence snapshot received.
func (c *ReconnectingClient) Online() []server.PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]server.PresenceEntry(nil), c.online...)
}

// Messages returns the visible conversation with the selected partner.
func (c *ReconnectingClient) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// Partner returns the selected conversation partner.
func (c *ReconnectingClient) Partner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partner
}

// Run connects and reconnects until ctx is canceled.
func (c *ReconnectingClient) Run(ctx context.Context) error {
	for {
		c.setState(StateConnecting)
		metrics.ClientReconnects.Inc()

		conn, err := c.dial(ctx)
		if err != nil {
			c.log.Warn().Err(err).Dur("backoff", c.opts.Backoff).Msg("dial failed")
		} else {
			c.session(ctx, conn)
		}

		c.setState(StateDisconnected)
		if !c.sleep(ctx) {
			return ctx.Err()
		}
	}
}

func (c *ReconnectingClient) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.opts.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *ReconnectingClient) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Origin != "" {
		header.Set("Origin", c.opts.Origin)
	}
	if c.opts.Token != "" {
		header.Set("Cookie", (&http.Cookie{Name: identity.CookieName, Value: c.opts.Token}).String())
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// session reads frames from conn until it fails or ctx is canceled.
func (c *ReconnectingClient) session(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	prev := c.conn
	c.conn = conn
	c.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	c.setState(StateOpen)
	c.log.Info().Msg("connected")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Info().Err(err).Msg("connection closed")
			}
			break
		}
		c.handleFrame(raw)
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// frame is the union of the server->client frames.
type frame struct {
	Online *[]server.PresenceEntry `json:"online"`
	server.DeliveredMessage
}

func (c *ReconnectingClient) handleFrame(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.log.Debug().Err(err).Msg("ignoring malformed frame")
		return
	}

	if f.Online != nil {
		online := append([]server.PresenceEntry(nil), (*f.Online)...)
		c.mu.Lock()
		c.online = online
		c.mu.Unlock()
		c.notify(Update{Kind: UpdatePresence, Online: online})
		return
	}

	if f.ID == "" {
		return
	}
	msg := messageFromWire(f.DeliveredMessage)

	c.mu.Lock()
	if !c.inConversation(msg) {
		c.mu.Unlock()
		return
	}
	c.messages = MergeMessages(c.messages, []Message{msg})
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateMessage, Message: &msg})
}

// inConversation reports whether msg belongs to the selected conversation.
// Caller holds c.mu.
func (c *ReconnectingClient) inConversation(msg Message) bool {
	if c.partner == "" {
		return false
	}
	if msg.Sender == c.partner {
		return c.opts.SelfID == "" || msg.Recipient == c.opts.SelfID
	}
	return msg.Recipient == c.partner && msg.Sender == c.opts.SelfID
}

// Select switches the visible conversation to partner and merges its history.
func (c *ReconnectingClient) Select(ctx context.Context, partner string) error {
	c.mu.Lock()
	c.partner = partner
	c.messages = nil
	c.mu.Unlock()

	return c.Refresh(ctx)
}

// Refresh refetches history for the selected partner and merges it into the
// visible conversation.
func (c *ReconnectingClient) Refresh(ctx context.Context) error {
	partner := c.Partner()
	if partner == "" || c.opts.History == nil {
		return nil
	}

	fetched, err := c.opts.History.History(ctx, partner)
	if err != nil {
		return fmt.Errorf("failed to fetch history: %w", err)
	}

	c.mu.Lock()
	if c.partner != partner {
		c.mu.Unlock()
		return nil
	}
	c.messages = MergeMessages(fetched, c.messages)
	merged := append([]Message(nil), c.messages...)
	c.mu.Unlock()

	c.notify(Update{Kind: UpdateHistory, Messages: merged})
	return nil
}

// Send writes a message to the selected partner and inserts it optimistically
// into the visible conversation under a local client id.
func (c *ReconnectingClient) Send(text string, file *attachment.Payload) (Message, error) {
	if text == "" && file == nil {
		return Message{}, ErrEmptyMessage
	}

	c.mu.Lock()
	partner := c.partner
	conn := c.conn
	c.mu.Unlock()

	if partner == "" {
		return Message{}, ErrNoPartner
	}
	if conn == nil {
		return Message{}, ErrNotConnected
	}

	out := server.IncomingMessage{
		Recipient: partner,
		Text:      text,
		File:      file,
		ClientID:  c.newID(),
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return Message{}, err
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	msg := Message{
		ClientID:  out.ClientID,
		Text:      text,
		Sender:    c.opts.SelfID,
		Recipient: partner,
		CreatedAt: time.Now(),
		Pending:   true,
	}
	if file != nil {
		msg.FileName = file.Name
	}

	c.mu.Lock()
	if c.partner == partner {
		c.messages = MergeMessages(c.messages, []Message{msg})
	}
	c.mu.Unlock()
	return msg, nil
}

// Close closes the current socket, if any. Run keeps reconnecting until its
// context is canceled.
func (c *ReconnectingClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
