package server

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Tyrowin/relaychat/internal/attachment"
	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/storage"
)

// Registry is the part of the connection registry the router needs.
type Registry interface {
	ConnectionsFor(userID string) []*Connection
	Deliver(c *Connection, payload []byte) bool
}

// MessageStore persists chat messages.
type MessageStore interface {
	Save(ctx context.Context, msg *storage.Message) error
}

// BlobStore stores decoded attachment bytes under a name.
type BlobStore interface {
	Put(ctx context.Context, name string, data []byte) error
}

// Router validates, persists and fans out inbound chat messages.
type Router struct {
	registry Registry
	store    MessageStore
	codec    *attachment.Codec
	blobs    BlobStore
	timeout  time.Duration
}

// NewRouter creates a Router. blobs may be nil, in which case attachments are
// dropped and only text is routed.
func NewRouter(registry Registry, store MessageStore, codec *attachment.Codec, blobs BlobStore) *Router {
	if codec == nil {
		codec = attachment.NewCodec()
	}
	return &Router{
		registry: registry,
		store:    store,
		codec:    codec,
		blobs:    blobs,
		timeout:  10 * time.Second,
	}
}

// HandleIncoming routes one raw frame from a connection. Malformed, empty
// and unauthenticated frames are dropped without affecting the connection.
func (r *Router) HandleIncoming(ctx context.Context, from *Connection, raw []byte) {
	log := from.log

	if !from.Authenticated() {
		log.Debug().Msg("dropping message from unauthenticated connection")
		metrics.MessagesRouted.WithLabelValues(metrics.RouteUnauthenticated).Inc()
		return
	}

	var in IncomingMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		log.Debug().Err(err).Msg("dropping malformed message")
		metrics.MessagesRouted.WithLabelValues(metrics.RouteMalformed).Inc()
		return
	}
	in.Recipient = strings.TrimSpace(in.Recipient)
	if in.Recipient == "" {
		log.Debug().Msg("dropping message without recipient")
		metrics.MessagesRouted.WithLabelValues(metrics.RouteMalformed).Inc()
		return
	}
	if in.Text == "" && in.File == nil {
		metrics.MessagesRouted.WithLabelValues(metrics.RouteEmpty).Inc()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	msg := &storage.Message{
		SenderID:    from.UserID(),
		RecipientID: in.Recipient,
		Text:        in.Text,
		ClientID:    in.ClientID,
	}
	if in.File != nil {
		if ref, ok := r.storeAttachment(ctx, from, *in.File); ok {
			msg.AttachmentName = ref.GeneratedName
			msg.AttachmentOriginal = ref.OriginalName
		}
	}
	if msg.Text == "" && msg.AttachmentName == "" {
		metrics.MessagesRouted.WithLabelValues(metrics.RouteEmpty).Inc()
		return
	}

	if err := r.store.Save(ctx, msg); err != nil {
		log.Error().Err(err).Str("recipient", msg.RecipientID).Msg("message not persisted; dropping")
		metrics.MessagesRouted.WithLabelValues(metrics.RoutePersistFailed).Inc()
		return
	}

	payload, err := json.Marshal(NewDeliveredMessage(msg))
	if err != nil {
		log.Error().Err(err).Msg("failed to encode delivered message")
		return
	}

	delivered := 0
	for _, c := range r.registry.ConnectionsFor(msg.RecipientID) {
		if c == from {
			continue
		}
		if r.registry.Deliver(c, payload) {
			delivered++
		}
	}
	metrics.MessagesRouted.WithLabelValues(metrics.RouteDelivered).Inc()
	log.Debug().
		Str("message_id", msg.ID).
		Str("recipient", msg.RecipientID).
		Int("sessions", delivered).
		Msg("message routed")
}

// storeAttachment decodes and stores p. Failures are logged and reported as
// !ok so the text part of the message can still be routed.
func (r *Router) storeAttachment(ctx context.Context, from *Connection, p attachment.Payload) (attachment.Ref, bool) {
	if r.blobs == nil {
		return attachment.Ref{}, false
	}
	data, name, err := r.codec.Decode(p)
	if err != nil {
		from.log.Warn().Err(err).Str("file", p.Name).Msg("dropping undecodable attachment")
		metrics.AttachmentFailures.Inc()
		return attachment.Ref{}, false
	}
	if err := r.blobs.Put(ctx, name, data); err != nil {
		from.log.Error().Err(err).Str("file", name).Msg("failed to store attachment")
		metrics.AttachmentFailures.Inc()
		return attachment.Ref{}, false
	}
	return attachment.Ref{GeneratedName: name, OriginalName: p.Name}, true
}
