package ingress

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
	"github.com/jandersen-uva/mocap-coordinator/internal/command"
	"github.com/jandersen-uva/mocap-coordinator/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient is one inbound connection, identified by a google/uuid ID
// rather than r.RemoteAddr (which collides for clients behind NAT),
// grounded in the teacher's WebSocketClient shape in
// internal/desktop/visualizer/websocket.go.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// WebSocketServer is the inbound ingress listener (spec §6): text frames,
// JSON per frame, published onto C4. Parse failures are silently dropped
// per spec.
type WebSocketServer struct {
	addr string
	bus  *bus.Bus
	log  *logger.Logger

	mu       sync.Mutex
	clients  map[string]*wsClient
	listener net.Listener
	server   *http.Server
}

// NewWebSocketServer builds a WebSocketServer bound to addr.
func NewWebSocketServer(addr string, b *bus.Bus) *WebSocketServer {
	s := &WebSocketServer{
		addr:    addr,
		bus:     b,
		log:     logger.NewComponentLogger("WSIngress"),
		clients: make(map[string]*wsClient),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *WebSocketServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed: %v", err)
		return
	}

	c := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, 32)}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	go s.writePump(c)
	go s.readPump(c)
}

func (s *WebSocketServer) readPump(c *wsClient) {
	defer s.disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd command.Command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			s.log.Debug("discarding non-JSON inbound frame from %s", c.id)
			continue
		}
		s.bus.Publish(cmd)
	}
}

func (s *WebSocketServer) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *WebSocketServer) disconnect(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	close(c.send)
}

// Start begins serving in a background goroutine. The listener is bound
// tcp4-only (spec §6: "the inbound WebSocket is IPv4-bound to avoid
// dual-stack surprises").
func (s *WebSocketServer) Start() error {
	ln, err := net.Listen("tcp4", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("websocket ingress server stopped: %v", err)
		}
	}()
	return nil
}

// Stop closes the listener and every connected client.
func (s *WebSocketServer) Stop() {
	_ = s.server.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.conn.Close()
	}
}
