package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/identity"
	"github.com/Tyrowin/relaychat/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

// fakeConn is an in-memory wsConn. Text frames written to it are pushed on
// frames; when respond is set every ping is answered with a pong.
type fakeConn struct {
	mu          sync.Mutex
	respond     bool
	pingErr     error
	pings       int
	pongHandler func(string) error

	inbox     chan []byte
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(respond bool) *fakeConn {
	return &fakeConn{
		respond: respond,
		inbox:   make(chan []byte, 16),
		frames:  make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-f.inbox:
		return websocket.TextMessage, m, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("use of closed network connection")
	default:
	}
	if messageType == websocket.TextMessage {
		select {
		case f.frames <- data:
		default:
		}
	}
	return nil
}

func (f *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType != websocket.PingMessage {
		return nil
	}
	f.pings++
	if f.pingErr != nil {
		return f.pingErr
	}
	if f.respond && f.pongHandler != nil {
		h := f.pongHandler
		go func() { _ = h("") }()
	}
	return nil
}

func (f *fakeConn) SetReadLimit(int64) {}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	f.pongHandler = h
	f.mu.Unlock()
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// nextPresence waits for the next presence frame written to f.
func (f *fakeConn) nextPresence(t *testing.T) PresenceFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-f.frames:
			var frame struct {
				Online *[]PresenceEntry `json:"online"`
			}
			require.NoError(t, json.Unmarshal(raw, &frame))
			if frame.Online != nil {
				return PresenceFrame{Online: *frame.Online}
			}
		case <-deadline:
			t.Fatal("timed out waiting for presence frame")
			return PresenceFrame{}
		}
	}
}

// presenceWith waits for a presence frame listing exactly ids.
func (f *fakeConn) presenceWith(t *testing.T, ids ...string) PresenceFrame {
	t.Helper()
	for {
		frame := f.nextPresence(t)
		if assert.ObjectsAreEqual(ids, entryIDs(frame.Online)) {
			return frame
		}
	}
}

// drain discards every frame currently queued on f.
func (f *fakeConn) drain() {
	for {
		select {
		case <-f.frames:
		default:
			return
		}
	}
}

// mapVerifier accepts tokens found in its map.
type mapVerifier map[string]identity.Identity

func (v mapVerifier) Verify(token string) (identity.Identity, error) {
	id, ok := v[token]
	if !ok {
		return identity.Identity{}, identity.ErrInvalidToken
	}
	return id, nil
}

var testVerifier = mapVerifier{
	"alice-token": {UserID: "u-alice", Username: "alice"},
	"bob-token":   {UserID: "u-bob", Username: "bob"},
	"carol-token": {UserID: "u-carol", Username: "carol"},
	// Same user as alice-token under a newer display name.
	"alice-renamed-token": {UserID: "u-alice", Username: "alice2"},
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ProbeInterval = time.Hour
	opts.PongTimeout = time.Minute
	opts.WriteWait = time.Second
	return opts
}

// startHub runs a hub until the test ends.
func startHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	h := NewHub(testVerifier, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = h.Wait(2 * time.Second)
	})
	return h
}

func entryIDs(entries []PresenceEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.UserID)
	}
	return ids
}
