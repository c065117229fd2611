package server

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/attachment"
	"github.com/Tyrowin/relaychat/internal/identity"
	"github.com/Tyrowin/relaychat/internal/storage"
)

type fakeRegistry struct {
	mu        sync.Mutex
	byUser    map[string][]*Connection
	delivered map[*Connection][][]byte
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		byUser:    make(map[string][]*Connection),
		delivered: make(map[*Connection][][]byte),
	}
}

func (r *fakeRegistry) add(c *Connection) {
	r.byUser[c.UserID()] = append(r.byUser[c.UserID()], c)
}

func (r *fakeRegistry) ConnectionsFor(userID string) []*Connection {
	return r.byUser[userID]
}

func (r *fakeRegistry) Deliver(c *Connection, payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered[c] = append(r.delivered[c], payload)
	return true
}

func (r *fakeRegistry) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, frames := range r.delivered {
		n += len(frames)
	}
	return n
}

type fakeStore struct {
	saved []storage.Message
	err   error
}

func (s *fakeStore) Save(_ context.Context, msg *storage.Message) error {
	if s.err != nil {
		return s.err
	}
	msg.ID = storage.NewID()
	s.saved = append(s.saved, *msg)
	return nil
}

type fakeBlobs struct {
	files map[string][]byte
	err   error
}

func (b *fakeBlobs) Put(_ context.Context, name string, data []byte) error {
	if b.err != nil {
		return b.err
	}
	if b.files == nil {
		b.files = make(map[string][]byte)
	}
	b.files[name] = data
	return nil
}

type routerFixture struct {
	router   *Router
	registry *fakeRegistry
	store    *fakeStore
	blobs    *fakeBlobs
	alice    *Connection
	bob1     *Connection
	bob2     *Connection
	anon     *Connection
}

func newRouterFixture() *routerFixture {
	h := NewHub(nil, testOptions())
	f := &routerFixture{
		registry: newFakeRegistry(),
		store:    &fakeStore{},
		blobs:    &fakeBlobs{},
		alice:    newConnection(nil, h, "a", identity.Identity{UserID: "u-alice", Username: "alice"}, true),
		bob1:     newConnection(nil, h, "b1", identity.Identity{UserID: "u-bob", Username: "bob"}, true),
		bob2:     newConnection(nil, h, "b2", identity.Identity{UserID: "u-bob", Username: "bob"}, true),
		anon:     newConnection(nil, h, "x", identity.Identity{}, false),
	}
	f.registry.add(f.alice)
	f.registry.add(f.bob1)
	f.registry.add(f.bob2)
	f.router = NewRouter(f.registry, f.store, attachment.NewCodec(), f.blobs)
	return f
}

func (f *routerFixture) send(from *Connection, msg any) {
	raw, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	f.router.HandleIncoming(context.Background(), from, raw)
}

func TestRouterFansOutToEveryRecipientSession(t *testing.T) {
	f := newRouterFixture()

	f.send(f.alice, IncomingMessage{Recipient: "u-bob", Text: "hi", ClientID: "local-1"})

	require.Len(t, f.store.saved, 1)
	saved := f.store.saved[0]
	assert.Equal(t, "u-alice", saved.SenderID)
	assert.Equal(t, "u-bob", saved.RecipientID)

	got1 := f.registry.delivered[f.bob1]
	got2 := f.registry.delivered[f.bob2]
	require.Len(t, got1, 1)
	require.Len(t, got2, 1)
	assert.Equal(t, got1[0], got2[0])
	assert.Empty(t, f.registry.delivered[f.alice])

	var delivered DeliveredMessage
	require.NoError(t, json.Unmarshal(got1[0], &delivered))
	assert.Equal(t, saved.ID, delivered.ID)
	assert.Equal(t, "hi", delivered.Text)
	assert.Equal(t, "u-alice", delivered.Sender)
	assert.Equal(t, "u-bob", delivered.Recipient)
	assert.Equal(t, "local-1", delivered.ClientID)
}

func TestRouterDropsWithoutSideEffects(t *testing.T) {
	tests := []struct {
		name string
		from func(f *routerFixture) *Connection
		raw  string
	}{
		{"neither text nor file", func(f *routerFixture) *Connection { return f.alice }, `{"recipient":"u-bob"}`},
		{"empty text", func(f *routerFixture) *Connection { return f.alice }, `{"recipient":"u-bob","text":""}`},
		{"no recipient", func(f *routerFixture) *Connection { return f.alice }, `{"text":"hi"}`},
		{"malformed json", func(f *routerFixture) *Connection { return f.alice }, `{"recipient":`},
		{"unauthenticated sender", func(f *routerFixture) *Connection { return f.anon }, `{"recipient":"u-bob","text":"hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture()
			f.router.HandleIncoming(context.Background(), tt.from(f), []byte(tt.raw))

			assert.Empty(t, f.store.saved)
			assert.Equal(t, 0, f.registry.total())
		})
	}
}

func TestRouterBadAttachmentKeepsText(t *testing.T) {
	f := newRouterFixture()

	f.send(f.alice, IncomingMessage{
		Recipient: "u-bob",
		Text:      "see attached",
		File:      &attachment.Payload{Name: "photo.png", Data: "%%%not-base64%%%"},
	})

	require.Len(t, f.store.saved, 1)
	assert.Equal(t, "see attached", f.store.saved[0].Text)
	assert.Empty(t, f.store.saved[0].AttachmentName)
	assert.Empty(t, f.blobs.files)
	assert.Equal(t, 2, f.registry.total())
}

func TestRouterBadAttachmentOnlyIsDropped(t *testing.T) {
	f := newRouterFixture()

	f.send(f.alice, IncomingMessage{
		Recipient: "u-bob",
		File:      &attachment.Payload{Name: "photo.png", Data: ""},
	})

	assert.Empty(t, f.store.saved)
	assert.Equal(t, 0, f.registry.total())
}

func TestRouterStoresAttachment(t *testing.T) {
	f := newRouterFixture()
	body := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png bytes"))

	f.send(f.alice, IncomingMessage{
		Recipient: "u-bob",
		File:      &attachment.Payload{Name: "photo.png", Data: body},
	})

	require.Len(t, f.store.saved, 1)
	saved := f.store.saved[0]
	assert.True(t, strings.HasSuffix(saved.AttachmentName, ".png"), saved.AttachmentName)
	assert.Equal(t, "photo.png", saved.AttachmentOriginal)
	assert.Equal(t, []byte("png bytes"), f.blobs.files[saved.AttachmentName])

	var delivered DeliveredMessage
	require.NoError(t, json.Unmarshal(f.registry.delivered[f.bob1][0], &delivered))
	assert.Equal(t, saved.AttachmentName, delivered.File)
	assert.Equal(t, "photo.png", delivered.FileName)
}

func TestRouterBlobFailureKeepsText(t *testing.T) {
	f := newRouterFixture()
	f.blobs.err = errors.New("disk full")
	body := base64.StdEncoding.EncodeToString([]byte("x"))

	f.send(f.alice, IncomingMessage{
		Recipient: "u-bob",
		Text:      "hello",
		File:      &attachment.Payload{Name: "a.txt", Data: body},
	})

	require.Len(t, f.store.saved, 1)
	assert.Empty(t, f.store.saved[0].AttachmentName)
}

func TestRouterPersistFailureForwardsNothing(t *testing.T) {
	f := newRouterFixture()
	f.store.err = storage.ErrPersistence

	f.send(f.alice, IncomingMessage{Recipient: "u-bob", Text: "hi"})

	assert.Equal(t, 0, f.registry.total())
}

func TestRouterOfflineRecipientIsPersisted(t *testing.T) {
	f := newRouterFixture()

	f.send(f.alice, IncomingMessage{Recipient: "u-carol", Text: "are you there?"})

	require.Len(t, f.store.saved, 1)
	assert.Equal(t, 0, f.registry.total())
}

func TestRouterNoEchoToSendingSession(t *testing.T) {
	f := newRouterFixture()

	// bob writes to himself from one session; only the other session gets it.
	f.send(f.bob1, IncomingMessage{Recipient: "u-bob", Text: "note to self"})

	assert.Empty(t, f.registry.delivered[f.bob1])
	assert.Len(t, f.registry.delivered[f.bob2], 1)
}
