package realtime

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Server upgrades authenticated requests to realtime connections.
type Server struct {
	hub      *Hub
	handler  *Handler
	auth     Authenticator
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewServer returns the websocket endpoint.
func NewServer(hub *Hub, handler *Handler, auth Authenticator, log *slog.Logger) *Server {
	return &Server{
		hub:     hub,
		handler: handler,
		auth:    auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The player is served from a different origin; the token is the credential.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// ServeHTTP refuses requests without a valid token before upgrading, then
// serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(r)
	if err != nil {
		s.log.Info("realtime handshake rejected",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		http.Error(w, ErrUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(conn, identity, s.hub, s.handler, s.log)
	if !s.hub.Register(c) {
		_ = conn.Close()
		return
	}
	go c.writePump()
	c.readPump(r.Context())
}
