// Package ws exposes the broker over WebSocket: one upgraded connection per
// participant, JSON envelopes inbound, events and replies outbound.
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dilemmalab/arena/internal/broker"
	"github.com/dilemmalab/arena/internal/config"
)

// Server accepts WebSocket upgrades and binds each connection to the broker.
type Server struct {
	cfg    config.ListenConfig
	broker *broker.Broker
	logger *zap.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer creates the WebSocket acceptor.
//
// Precondition: cfg validated; b and logger non-nil.
func NewServer(cfg config.ListenConfig, b *broker.Broker, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		broker: b,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Research clients connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", s.serveHealth)
	s.httpSrv = &http.Server{
		Addr:    cfg.Addr(),
		Handler: mux,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown is called.
//
// Postcondition: Returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("websocket listener starting", zap.String("addr", s.cfg.Addr()))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting upgrades and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	c := newClient(ws, s.logger)
	conn := s.broker.HandleConnect(c, r.RemoteAddr)
	s.logger.Info("client connected",
		zap.String("conn_id", conn.ID()),
		zap.String("remote", r.RemoteAddr),
	)

	go c.writePump(s.writeTimeout(), s.cfg.PongTimeout)
	go c.readPump(s.broker, conn, s.cfg.PongTimeout)
}

func (s *Server) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 10 * time.Second
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
