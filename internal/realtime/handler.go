package realtime

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/notifyhub/realtime-gateway/internal/auth"
)

// HandlerConfig carries the transport settings of the /ws endpoint.
type HandlerConfig struct {
	WriteTimeout    time.Duration
	PongWait        time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	// InboundRate is the sustained frames/sec allowed per connection; <= 0 disables limiting.
	InboundRate  float64
	InboundBurst int
	CheckOrigin  func(r *http.Request) bool
}

func (c *HandlerConfig) norm() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 1
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// Handler accepts WebSocket upgrades and runs one Session per connection.
type Handler struct {
	cfg      HandlerConfig
	registry *Registry
	verifier auth.TokenVerifier
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewHandler(cfg HandlerConfig, registry *Registry, verifier auth.TokenVerifier, logger *zap.Logger) *Handler {
	cfg.norm()
	return &Handler{
		cfg:      cfg,
		registry: registry,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger: logger.With(zap.String("component", "ws")),
	}
}

// ServeHTTP handles GET /ws. Authentication happens after the upgrade via
// the auth control frame.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}

	conn := newWSConn(ws, h.cfg.WriteTimeout)
	var limiter *rate.Limiter
	if h.cfg.InboundRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.InboundRate), h.cfg.InboundBurst)
	}
	session := NewSession(uuid.NewString(), conn, h.registry, h.verifier, limiter, h.logger)
	session.Open()
	defer func() {
		session.Close()
		_ = conn.Close()
	}()

	log := h.logger.With(zap.String("connection_id", session.ID()), zap.String("remote_addr", r.RemoteAddr))
	log.Debug("websocket connected")
	defer func() {
		log.Debug("websocket disconnected", zap.String("user_id", session.UserID()))
	}()

	ws.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go h.keepalive(conn, stop, log)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			logReadError(log, err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		if err := session.HandleFrame(data); err != nil {
			log.Info("websocket write failed", zap.Error(err))
			return
		}
	}
}

// Wait refuses further upgrades and blocks until every connection goroutine
// has returned. Call after the registry has been shut down so read loops
// unblock.
func (h *Handler) Wait() {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Handler) keepalive(conn *wsConn, stop <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				log.Debug("keepalive ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func logReadError(log *zap.Logger, err error) {
	var ne net.Error
	switch {
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		log.Debug("websocket closed by peer", zap.Error(err))
	case errors.As(err, &ne) && ne.Timeout():
		log.Info("websocket read timeout", zap.Error(err))
	case errors.Is(err, net.ErrClosed):
		log.Debug("websocket closed locally")
	default:
		log.Info("websocket read error", zap.Error(err))
	}
}
