package devbackend

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/arvyn/pkg/sidecar/protocol"
)

const (
	maxClientFrameBytes = 64 * 1024
	writeTimeout        = 5 * time.Second
)

type client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]struct{}
}

func (c *client) subscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[sessionID]
	return ok
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxClientFrameBytes)

	c := &client{conn: conn, subs: make(map[string]struct{})}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("event client connected", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		_ = conn.Close()
		s.logger.Info("event client disconnected", "remote", r.RemoteAddr)
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			s.logger.Warn("ignoring client frame", "err", err)
			continue
		}
		switch m := msg.(type) {
		case protocol.ClientSubscribe:
			s.subscribe(c, m.SessionID)
		case protocol.ClientUserDecision:
			s.decide(m.SessionID, protocol.Outcome(m.Decision))
		case protocol.ClientHaltSession:
			s.halt(m.SessionID)
		}
	}
}

// subscribe routes sessionID's updates to c and re-sends its latest one.
func (s *Server) subscribe(c *client, sessionID string) {
	c.mu.Lock()
	c.subs[sessionID] = struct{}{}
	c.mu.Unlock()

	r := s.lookup(sessionID)
	if r == nil {
		return
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	r.mu.Lock()
	latest := r.latest
	r.mu.Unlock()
	if latest == nil {
		return
	}
	if err := c.write(latest.raw); err != nil {
		s.logger.Debug("re-push failed", "session_id", sessionID, "err", err)
	}
}

func (s *Server) broadcast(sessionID string, data []byte) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c.subscribed(sessionID) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.write(data); err != nil {
			s.logger.Debug("push failed", "session_id", sessionID, "err", err)
		}
	}
}
