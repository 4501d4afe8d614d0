package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"claude-relay/internal/engine"
	"claude-relay/internal/protocol"
	"claude-relay/internal/stream"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 64
)

// Options configures a Server.
type Options struct {
	// AllowedOrigins lists the origins accepted for CORS and WebSocket
	// upgrades. "*" accepts any origin.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server exposes the engine over HTTP and WebSocket.
type Server struct {
	eng      *engine.Engine
	origins  map[string]bool
	anyOrig  bool
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// client is one WebSocket subscriber to one session.
type client struct {
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}
	sub  *stream.Subscription
	log  *slog.Logger
}

// New creates a new realtime server.
func New(eng *engine.Engine, opts Options) *Server {
	s := &Server{
		eng:     eng,
		origins: make(map[string]bool),
		log:     opts.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	for _, o := range opts.AllowedOrigins {
		if o == "*" {
			s.anyOrig = true
		}
		s.origins[o] = true
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/sessions/{id}", s.handleSubscribe)

	mux.HandleFunc("POST /sessions", s.handleStartSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.handleCancelSession)

	mux.HandleFunc("POST /sessions/{id}/checkpoints", s.handleCreateCheckpoint)
	mux.HandleFunc("GET /sessions/{id}/timeline", s.handleTimeline)
	mux.HandleFunc("POST /checkpoints/{id}/restore", s.handleRestore)
	mux.HandleFunc("DELETE /checkpoints/{id}", s.handleDeleteCheckpoint)
	mux.HandleFunc("GET /checkpoints/{id}/conversation", s.handleConversation)
	mux.HandleFunc("GET /diff", s.handleDiff)

	mux.HandleFunc("GET /health", s.handleHealth)

	return s.corsMiddleware(mux)
}

func (s *Server) originAllowed(origin string) bool {
	return s.anyOrig || s.origins[origin]
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			if s.anyOrig {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleSubscribe upgrades to WebSocket and streams one session's events:
// the replay buffer, live events, one terminal message, then close.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, err := s.eng.Subscribe(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.eng.Unsubscribe(sub)
		s.log.Warn("websocket upgrade failed", "session", id, "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		quit: make(chan struct{}),
		sub:  sub,
		log:  s.log.With("session", id, "subscriber", sub.ID),
	}

	go c.writePump()
	go s.forward(c)
	go s.readPump(c)
}

// enqueue hands data to the write pump. A nil slice asks the pump to
// close the connection. It returns false once the pump has stopped.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.quit:
		return false
	}
}

func (c *client) enqueueMessage(msg *protocol.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("encode message", "type", msg.Type, "error", err)
		return true
	}
	return c.enqueue(data)
}

// forward copies the subscription onto the connection. The broker closes
// the subscription after the terminal event, on overflow, or when the
// session is dropped.
func (s *Server) forward(c *client) {
	for ev := range c.sub.Events() {
		msg, err := protocol.EventMessage(ev)
		if err != nil {
			c.log.Error("encode event", "seq", ev.Seq, "error", err)
			continue
		}
		if !c.enqueueMessage(msg) {
			return
		}
	}

	if errors.Is(c.sub.Err(), stream.ErrSlowSubscriber) {
		msg, _ := protocol.NewErrorMessage(protocol.ErrSlowSubscriber, "subscriber fell behind; reconnect to resume from the replay buffer")
		c.enqueueMessage(msg)
	}
	c.enqueue(nil)
}

// readPump reads client messages until the connection fails.
func (s *Server) readPump(c *client) {
	defer func() {
		s.eng.Unsubscribe(c.sub)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", "error", err)
			}
			return
		}

		s.handleMessage(c, message)
	}
}

// writePump is the only writer on the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		close(c.quit)
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if message == nil {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes a client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionCancel:
		var p protocol.SessionCancelPayload
		json.Unmarshal(msg.Payload, &p)
		if p.SessionID != c.sub.SessionID {
			s.sendError(c, protocol.ErrInvalidMessage, "sessionId does not match the subscribed session")
			return
		}
		// The terminal event arrives through the subscription. Cancelling
		// a finished session is a no-op.
		if !s.eng.Cancel(p.SessionID) {
			c.log.Debug("cancel ignored, no running process")
		}
	}
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.enqueueMessage(msg)
}
