package server

import (
	"errors"
	"strings"
	"time"

	"github.com/Tyrowin/relaychat/internal/attachment"
	"github.com/Tyrowin/relaychat/internal/storage"
)

var (
	// ErrTransport marks a read or write failure on a single connection.
	ErrTransport = errors.New("connection transport failure")
	// ErrProbeTimeout marks a connection that missed its pong deadline.
	ErrProbeTimeout = errors.New("heartbeat probe timed out")
	// ErrHubStopped is returned when registering with a hub that is not running.
	ErrHubStopped = errors.New("hub is not running")
)

// PresenceEntry is one reachable user in a presence snapshot.
type PresenceEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// PresenceFrame replaces the client's full view of who is online.
type PresenceFrame struct {
	Online []PresenceEntry `json:"online"`
}

// IncomingMessage is a chat message sent by a client. At least one of Text
// and File must be present.
type IncomingMessage struct {
	Recipient string              `json:"recipient"`
	Text      string              `json:"text,omitempty"`
	File      *attachment.Payload `json:"file,omitempty"`
	ClientID  string              `json:"clientId,omitempty"`
}

// DeliveredMessage is a persisted message as forwarded to recipients and
// returned by the history endpoint.
type DeliveredMessage struct {
	ID        string    `json:"_id"`
	Text      string    `json:"text,omitempty"`
	File      string    `json:"file,omitempty"`
	FileName  string    `json:"fileName,omitempty"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	ClientID  string    `json:"clientId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewDeliveredMessage converts a stored message to its wire form.
func NewDeliveredMessage(m *storage.Message) DeliveredMessage {
	return DeliveredMessage{
		ID:        m.ID,
		Text:      m.Text,
		File:      m.AttachmentName,
		FileName:  m.AttachmentOriginal,
		Sender:    m.SenderID,
		Recipient: m.RecipientID,
		ClientID:  m.ClientID,
		CreatedAt: m.CreatedAt,
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
