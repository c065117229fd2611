package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relaychat/internal/identity"
	"github.com/Tyrowin/relaychat/internal/logging"
)

// NewWebSocketHandler upgrades requests to relay connections and registers
// them with hub. The identity token is read from the token cookie; a missing
// or invalid token yields an unauthenticated connection rather than a refusal.
func NewWebSocketHandler(hub *Hub, origins *OriginPolicy) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.CheckOrigin,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		token := identity.TokenFromRequest(r)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}

		c, err := hub.Register(conn, token, r.RemoteAddr)
		switch {
		case errors.Is(err, ErrHubStopped):
			_ = conn.Close()
		case err != nil:
			c.log.Info().Err(err).Msg("connection accepted without identity")
		}
	}
}

// HealthHandler reports that the relay is up and how many connections it holds.
func HealthHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if _, err := fmt.Fprintf(w, "relaychat server is running (%d connections)", hub.Count()); err != nil {
			logging.Debug().Err(err).Msg("failed to write health response")
		}
	}
}

// TestHandler answers the liveness probe used by browser clients.
func TestHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, "test ok")
}
