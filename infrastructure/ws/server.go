// Package ws is the realtime transport: one websocket per session.
package ws

import (
	"live-hub/contract"
	"live-hub/domain/action"
	"live-hub/domain/event"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

type Config struct {
	BufferSize     int
	WriteWait      time.Duration
	PongWait       time.Duration
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	return c
}

// Server upgrades HTTP requests and bridges each socket to the hub:
// connect adds a session, every inbound action is submitted, disconnect
// removes the session with all its subscriptions.
type Server struct {
	log      *slog.Logger
	registry contract.IRegistry
	hub      contract.IHub
	config   Config
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*Connection]struct{}
}

func NewServer(log *slog.Logger, registry contract.IRegistry, hub contract.IHub, cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		log:      log,
		registry: registry,
		hub:      hub,
		config:   cfg,
		conns:    make(map[*Connection]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 || lo.Contains(s.config.AllowedOrigins, "*") {
		return true
	}
	return lo.Contains(s.config.AllowedOrigins, origin)
}

// ServeHTTP blocks for the lifetime of the socket.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := newConnection(socket, s.log, s.config)
	s.track(conn, true)
	defer s.track(conn, false)

	sender := s.registry.AddSession(conn, r.RemoteAddr)
	log := s.log.With("session_id", sender.ID)
	log.Info("Session connected", "remote", r.RemoteAddr)

	go conn.writePump()
	if err = sender.SendEvent(event.Initialized(sender.ID)); err != nil {
		log.Warn("Could not greet session", "error", err)
	}

	conn.readPump(sender, func(msg action.Message) {
		s.hub.Submit(sender, msg.Type, msg.Payload)
	})

	s.registry.RemoveSession(sender.ID)
	_ = conn.Close()
	log.Info("Session disconnected")
}

func (s *Server) track(conn *Connection, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}

// Close says goodbye to every open socket, used on shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	conns := lo.Keys(s.conns)
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Connections returns how many sockets are open.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
