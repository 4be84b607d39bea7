// Package ws accepts WebSocket connections and runs the presence protocol
// over them.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/cloudtown/internal/config"
	"github.com/cory-johannsen/cloudtown/internal/presence"
	"github.com/cory-johannsen/cloudtown/internal/session"
)

// Acceptor upgrades HTTP requests to WebSocket connections and drives one
// presence.Handler per connection.
type Acceptor struct {
	cfg      config.WebSocketConfig
	origins  map[string]bool
	svc      *presence.Service
	logger   *zap.Logger
	upgrader websocket.Upgrader

	wg      sync.WaitGroup
	quit    chan struct{}
	mu      sync.Mutex
	stopped bool
}

// NewAcceptor creates an Acceptor.
//
// Precondition: cfg must pass config validation; svc and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be mounted as an http.Handler.
func NewAcceptor(cfg config.WebSocketConfig, allowedOrigins []string, svc *presence.Service, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		cfg:     cfg,
		origins: make(map[string]bool, len(allowedOrigins)),
		svc:     svc,
		logger:  logger,
		quit:    make(chan struct{}),
	}
	for _, o := range allowedOrigins {
		a.origins[o] = true
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}
	return a
}

// checkOrigin accepts every origin when no allow-list is configured, and
// requests without an Origin header (non-browser clients).
func (a *Acceptor) checkOrigin(r *http.Request) bool {
	if len(a.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || a.origins[origin] {
		return true
	}
	a.logger.Warn("rejecting websocket origin",
		zap.String("origin", origin),
		zap.String("remote_addr", r.RemoteAddr),
	)
	return false
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	a.serve(conn, r.RemoteAddr)
}

func (a *Acceptor) serve(conn *websocket.Conn, remoteAddr string) {
	start := time.Now()
	id := session.ConnID(uuid.NewString())
	logger := a.logger.With(
		zap.String("conn", string(id)),
		zap.String("remote_addr", remoteAddr),
	)
	logger.Info("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	box := presence.NewOutbox(id, a.cfg.SendBuffer)
	h := a.svc.Open(ctx, box)

	written := make(chan struct{})
	go a.writePump(conn, box, logger, cancel, written)

	// On shutdown, cancel in-flight work and close the socket so the read
	// loop unblocks.
	go func() {
		select {
		case <-a.quit:
			cancel()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(a.cfg.WriteWait))
			_ = conn.Close()
		case <-ctx.Done():
		}
	}()

	err := a.readLoop(conn, h)

	cancel()
	h.Disconnect()
	_ = box.Close()
	<-written
	_ = conn.Close()

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Debug("session ended", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return
	}
	logger.Info("session ended cleanly", zap.Duration("duration", time.Since(start)))
}

// readLoop feeds inbound messages to h in arrival order until the connection
// fails. A panicking handler ends the session instead of the process.
func (a *Acceptor) readLoop(conn *websocket.Conn, h *presence.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("protocol handler panic",
				zap.String("conn", string(h.Conn())),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	conn.SetReadLimit(a.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(a.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(a.cfg.PongWait))
	})

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		h.Dispatch(payload)
	}
}

// writePump is the only writer of data frames on conn. It exits when box is
// closed or a write fails; a failed write cancels the connection context.
func (a *Acceptor) writePump(conn *websocket.Conn, box *presence.Outbox, logger *zap.Logger, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-box.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("write failed", zap.Error(err))
				cancel()
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("ping failed", zap.Error(err))
				cancel()
				_ = conn.Close()
				return
			}
		}
	}
}

// Stop closes every open connection and waits for their sessions to end.
//
// Postcondition: No connection goroutines remain; later upgrades get 503.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	close(a.quit)
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("websocket acceptor stopped")
}
