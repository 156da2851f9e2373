package bridge

import (
	"net/http"

	"github.com/brightline-ai/voice-bridge/internal/amd"
	"github.com/brightline-ai/voice-bridge/internal/tools"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Twilio does not send a browser Origin header
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Deps bundles the collaborators every session needs
type Deps struct {
	Dialer   AgentDialer
	Registry *amd.Registry
	Proxy    *tools.Proxy
	Finalize Finalizer
	Logger   zerolog.Logger
}

// Handler upgrades a Twilio media stream connection and runs a session for
// the given call direction
func Handler(deps Deps, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.Logger.Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		session := NewSession(conn, deps.Dialer, deps.Registry, deps.Proxy, deps.Finalize, opts, deps.Logger)
		session.Run(r.Context())
	}
}
