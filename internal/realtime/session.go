package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/notifyhub/realtime-gateway/internal/auth"
)

// State is the handshake state of one connection.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Session drives the protocol of one connection. Frames are handled strictly
// in order by the connection's read goroutine; State and UserID may be read
// from others.
type Session struct {
	id       string
	conn     Conn
	registry *Registry
	verifier auth.TokenVerifier
	limiter  *rate.Limiter
	logger   *zap.Logger

	state  atomic.Int32
	userID atomic.Pointer[string]
}

// NewSession builds the handshake for a freshly accepted connection.
// limiter may be nil to disable inbound rate limiting.
func NewSession(id string, conn Conn, registry *Registry, verifier auth.TokenVerifier, limiter *rate.Limiter, logger *zap.Logger) *Session {
	return &Session{
		id:       id,
		conn:     conn,
		registry: registry,
		verifier: verifier,
		limiter:  limiter,
		logger:   logger.With(zap.String("connection_id", id)),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// UserID returns the authenticated principal, or "".
func (s *Session) UserID() string {
	if p := s.userID.Load(); p != nil {
		return *p
	}
	return ""
}

// Open registers the connection as unauthenticated.
func (s *Session) Open() {
	s.registry.Add(s.id, s.conn, "", "")
}

// Close moves the session to Closed and forgets the connection. Safe to call
// more than once.
func (s *Session) Close() {
	if State(s.state.Swap(int32(StateClosed))) == StateClosed {
		return
	}
	s.registry.Remove(s.id)
}

// HandleFrame processes one inbound frame. Protocol and auth problems are
// answered on the socket; the returned error is non-nil only when replying
// failed, which the caller treats as a transport failure.
func (s *Session) HandleFrame(raw []byte) error {
	if s.State() == StateClosed {
		return errors.New("session closed")
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return s.reply(TypeError, messageData{Message: "rate limit exceeded"})
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Type == "" {
		return s.reply(TypeError, messageData{Message: "invalid message format"})
	}

	switch f.Type {
	case TypeAuth:
		return s.handleAuth(f.Data)
	case TypePing:
		return s.handlePing(f.Data)
	default:
		return s.reply(TypeError, messageData{Message: "unknown message type: " + f.Type})
	}
}

func (s *Session) handleAuth(data json.RawMessage) error {
	var req authData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return s.reply(TypeError, messageData{Message: "invalid message format"})
		}
	}
	if req.Token == "" {
		s.registry.hooks.OnAuth(false)
		return s.reply(TypeAuthError, messageData{Message: "token is required"})
	}

	claims, err := s.verifier.Verify(req.Token)
	if err != nil {
		s.registry.hooks.OnAuth(false)
		s.logger.Info("websocket authentication failed", zap.Error(err))
		return s.reply(TypeAuthError, messageData{Message: "invalid or expired token"})
	}

	if err := s.registry.Promote(s.id, claims.Subject, req.ConnectionID); err != nil {
		s.registry.hooks.OnAuth(false)
		s.logger.Warn("promote failed", zap.String("user_id", claims.Subject), zap.Error(err))
		return s.reply(TypeAuthError, messageData{Message: "connection is no longer registered"})
	}

	subject := claims.Subject
	s.userID.Store(&subject)
	s.state.Store(int32(StateAuthenticated))
	s.registry.hooks.OnAuth(true)
	s.logger.Info("websocket authenticated",
		zap.String("user_id", claims.Subject),
		zap.String("client_connection_id", req.ConnectionID))

	return s.reply(TypeAuthSuccess, authSuccessData{
		UserID:       claims.Subject,
		ConnectionID: req.ConnectionID,
	})
}

func (s *Session) handlePing(data json.RawMessage) error {
	var req pingData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return s.reply(TypeError, messageData{Message: "invalid message format"})
		}
	}
	return s.reply(TypePong, pongData{Timestamp: req.Timestamp})
}

func (s *Session) reply(typ string, data any) error {
	if err := s.conn.WriteText(Encode(typ, data)); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	return nil
}
