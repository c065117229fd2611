package client

import (
	"time"

	"github.com/Tyrowin/relaychat/internal/server"
)

// Message is one entry of the visible conversation. ID is empty until the
// relay has persisted it; ClientID is set for messages sent from this client.
type Message struct {
	ID        string
	ClientID  string
	Text      string
	File      string
	FileName  string
	Sender    string
	Recipient string
	CreatedAt time.Time
	Pending   bool
}

func messageFromWire(m server.DeliveredMessage) Message {
	return Message{
		ID:        m.ID,
		ClientID:  m.ClientID,
		Text:      m.Text,
		File:      m.File,
		FileName:  m.FileName,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		CreatedAt: m.CreatedAt,
	}
}

// MergeMessages returns base followed by the messages of extra that do not
// duplicate an earlier entry. Two messages are duplicates when they share a
// server ID or a client ID. A confirmed record replaces a pending one it
// duplicates, keeping the pending entry's position.
func MergeMessages(base, extra []Message) []Message {
	out := make([]Message, 0, len(base)+len(extra))
	byID := make(map[string]int)
	byClientID := make(map[string]int)

	add := func(m Message) {
		idx, dup := -1, false
		if m.ID != "" {
			idx, dup = byID[m.ID]
		}
		if !dup && m.ClientID != "" {
			idx, dup = byClientID[m.ClientID]
		}

		if dup {
			if out[idx].Pending && !m.Pending {
				if m.ClientID == "" {
					m.ClientID = out[idx].ClientID
				}
				out[idx] = m
				index(byID, byClientID, m, idx)
			}
			return
		}

		out = append(out, m)
		index(byID, byClientID, m, len(out)-1)
	}

	for _, m := range base {
		add(m)
	}
	for _, m := range extra {
		add(m)
	}
	return out
}

func index(byID, byClientID map[string]int, m Message, i int) {
	if m.ID != "" {
		byID[m.ID] = i
	}
	if m.ClientID != "" {
		byClientID[m.ClientID] = i
	}
}
