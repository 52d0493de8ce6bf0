// Package authority is a simulated remote authority: it answers the
// client handshake, acknowledges events idempotently, answers pings and
// broadcasts state_sync messages. It backs the dev harness and the
// integration tests; production clients talk to the real service.
package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mindmirror/mindlink/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

type session struct {
	id       string
	clientID string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	authed   bool
}

func (s *session) send(msg proto.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

type Server struct {
	Addr   string
	server *http.Server

	// RejectAuth makes every handshake fail with the given status.
	RejectAuth string

	mu       sync.Mutex
	sessions map[string]*session
	value    float64
	phase    string
	seen     map[string]bool // event ids already applied
	events   []proto.EventPayload
}

func NewServer(addr string) *Server {
	return &Server{
		Addr:     addr,
		sessions: make(map[string]*session),
		seen:     make(map[string]bool),
	}
}

// Handler exposes the WebSocket endpoint, usable directly with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	return mux
}

func (s *Server) Start() error {
	slog.Info("Starting authority server", "addr", s.Addr)
	s.server = &http.Server{Addr: s.Addr, Handler: s.Handler()}
	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}

	sess := &session{id: uuid.NewString(), conn: conn}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	slog.Debug("Client connected", "session", sess.id, "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		conn.Close()
		slog.Debug("Client disconnected", "session", sess.id)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg proto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid JSON from client", "session", sess.id, "error", err)
			continue
		}
		if err := s.handleMessage(sess, msg); err != nil {
			slog.Warn("Failed to handle message", "type", msg.Type, "error", err)
		}
	}
}

func (s *Server) handleMessage(sess *session, msg proto.Message) error {
	switch msg.Type {
	case proto.TypeAuth:
		return s.handleAuth(sess, msg)
	case proto.TypeEvent:
		return s.handleEvent(sess, msg)
	case proto.TypePing:
		var p proto.PingPayload
		_ = json.Unmarshal(msg.Payload, &p)
		return s.reply(sess, proto.TypePong, proto.PongPayload{Seq: p.Seq})
	case proto.TypeContextUpdate:
		var p proto.ContextUpdatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return s.replyError(sess, msg.ID, "bad_payload", err.Error())
		}
		if p.ForceSync {
			s.mu.Lock()
			value, phase := s.value, s.phase
			s.mu.Unlock()
			// Echo the request id so the client can correlate the reply.
			return s.replyTo(sess, msg.ID, proto.TypeStateSync, proto.StateSyncPayload{Value: value, Phase: phase})
		}
		return nil
	default:
		return s.replyError(sess, msg.ID, "unknown_type", fmt.Sprintf("unhandled message type %q", msg.Type))
	}
}

func (s *Server) handleAuth(sess *session, msg proto.Message) error {
	var p proto.AuthPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return s.reply(sess, proto.TypeAuthAck, proto.AuthAckPayload{Status: "invalid"})
	}
	if s.RejectAuth != "" {
		slog.Info("Rejecting handshake", "client", p.ClientID, "status", s.RejectAuth)
		return s.reply(sess, proto.TypeAuthAck, proto.AuthAckPayload{Status: s.RejectAuth})
	}
	sess.authed = true
	sess.clientID = p.ClientID
	slog.Info("Client identified", "client", p.ClientID, "platform", p.Platform, "capabilities", len(p.Capabilities))
	return s.reply(sess, proto.TypeAuthAck, proto.AuthAckPayload{Status: "ok", SessionID: sess.id})
}

// handleEvent acks every delivery but applies each event id at most
// once, which is what makes client replay idempotent.
func (s *Server) handleEvent(sess *session, msg proto.Message) error {
	var p proto.EventPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return s.replyError(sess, msg.ID, "bad_payload", err.Error())
	}

	status := "ok"
	s.mu.Lock()
	if s.seen[msg.ID] {
		status = "duplicate"
	} else {
		s.seen[msg.ID] = true
		s.events = append(s.events, p)
	}
	s.mu.Unlock()

	return s.reply(sess, proto.TypeEventAck, proto.EventAckPayload{EventID: msg.ID, Status: status})
}

func (s *Server) reply(sess *session, msgType string, payload any) error {
	msg, err := proto.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return sess.send(msg)
}

func (s *Server) replyTo(sess *session, requestID, msgType string, payload any) error {
	msg, err := proto.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	msg.ID = requestID
	return sess.send(msg)
}

func (s *Server) replyError(sess *session, requestID, code, detail string) error {
	return s.reply(sess, proto.TypeError, proto.ErrorPayload{Code: code, Message: detail, RequestID: requestID})
}

// SetState records a new authoritative state and broadcasts it to every
// identified client.
func (s *Server) SetState(value float64, phase string) {
	s.mu.Lock()
	s.value = value
	s.phase = phase
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.authed {
			sessions = append(sessions, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := s.reply(sess, proto.TypeStateSync, proto.StateSyncPayload{Value: value, Phase: phase}); err != nil {
			slog.Warn("Failed to broadcast state", "session", sess.id, "error", err)
		}
	}
}

// AppliedEvents returns the events applied so far, duplicates excluded.
func (s *Server) AppliedEvents() []proto.EventPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proto.EventPayload, len(s.events))
	copy(out, s.events)
	return out
}

// SessionCount reports currently open sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// WaitForSessions polls until n sessions are open or the timeout
// elapses, a convenience for tests.
func (s *Server) WaitForSessions(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.SessionCount() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
