package server

import (
	"sort"

	"github.com/goccy/go-json"

	"github.com/Tyrowin/relaychat/internal/logging"
	"github.com/Tyrowin/relaychat/internal/metrics"
)

// Presence returns the current snapshot: one entry per user with at least one
// authenticated connection, sorted by user id. When a user has several
// connections the most recently registered one supplies the username.
func (h *Hub) Presence() []PresenceEntry {
	return snapshotOf(h.AllConnections())
}

func snapshotOf(conns []*Connection) []PresenceEntry {
	byUser := make(map[string]PresenceEntry, len(conns))
	for _, c := range conns {
		if !c.authenticated {
			continue
		}
		byUser[c.identity.UserID] = PresenceEntry{UserID: c.identity.UserID, Username: c.identity.Username}
	}

	entries := make([]PresenceEntry, 0, len(byUser))
	for _, e := range byUser {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

// Announce asks the event loop to broadcast a fresh presence snapshot.
// Requests made while one is already pending are coalesced.
func (h *Hub) Announce() {
	select {
	case h.announceCh <- struct{}{}:
	default:
	}
}

// announce runs on the event loop. Every registered connection, authenticated
// or not, receives the snapshot; a connection that cannot take it is left for
// its heartbeat to evict.
func (h *Hub) announce() {
	conns := h.AllConnections()
	frame := PresenceFrame{Online: snapshotOf(conns)}

	payload, err := json.Marshal(frame)
	if err != nil {
		logging.Component("presence").Error().Err(err).Msg("failed to encode presence snapshot")
		return
	}

	metrics.PresenceAnnouncements.Inc()

	failed := 0
	for _, c := range conns {
		if !h.Deliver(c, payload) {
			failed++
		}
	}

	ev := logging.Component("presence").Debug().
		Int("online", len(frame.Online)).
		Int("recipients", len(conns))
	if failed > 0 {
		ev = ev.Int("failed", failed)
	}
	ev.Msg("presence announced")
}
