package websocket

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 512
)

// Server upgrades HTTP requests and pumps hub messages to the socket.
type Server struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewServer accepts browser connections only from allowedOrigins. A "*"
// entry allows any origin. Requests without an Origin header are allowed.
func NewServer(hub *Hub, allowedOrigins []string) *Server {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(strings.TrimSpace(o), "/")] = true
	}
	return &Server{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(allowed, r.Header.Get("Origin"))
			},
		},
	}
}

func originAllowed(allowed map[string]bool, origin string) bool {
	if origin == "" || allowed["*"] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return allowed[u.Scheme+"://"+u.Host]
}

// Serve upgrades the connection and subscribes it to topics. It returns
// once the upgrade is done; the pumps run until the peer goes away.
func (s *Server) Serve(c echo.Context, topics ...string) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		return nil
	}

	client := NewClient(topics...)
	s.hub.Register(client)

	go s.writePump(client, ws)
	go s.readPump(client, ws)
	return nil
}

// readPump discards inbound frames; it exists to process pongs and notice
// the peer closing.
func (s *Server) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		s.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessage)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
