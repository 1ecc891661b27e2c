// Package server provides the HTTP and websocket transport.
package server

import (
	"context"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog/log"

	"quiz-duel/internal/config"
	"quiz-duel/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8 * 1024
)

// MessageHandler consumes websocket traffic.
type MessageHandler interface {
	HandleMessage(ctx context.Context, sess *Session, data []byte)
	HandleClose(ctx context.Context, sess *Session)
}

// Server wraps the fiber app with the websocket hub.
type Server struct {
	app     *fiber.App
	cfg     config.ServerConfig
	hub     *Hub
	handler MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server and mounts /ws.
func New(cfg config.ServerConfig, hub *Hub, handler MessageHandler) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		app: fiber.New(fiber.Config{
			AppName:               "quiz-duel",
			DisableStartupMessage: true,
			ErrorHandler:          ErrorHandler,
		}),
		cfg:     cfg,
		hub:     hub,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	s.registerMiddleware()
	s.registerRoutes()
	return s
}

// registerMiddleware registers all middleware.
func (s *Server) registerMiddleware() {
	s.app.Use(RecoveryMiddleware())
	s.app.Use(LoggingMiddleware())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-Id",
	}))
}

// registerRoutes mounts the websocket endpoint.
func (s *Server) registerRoutes() {
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.serveWS, websocket.Config{
		ReadBufferSize:  s.cfg.ReadBufferSize,
		WriteBufferSize: s.cfg.WriteBufferSize,
	}))
}

// App exposes the fiber app for REST route registration.
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on the configured address. It blocks until shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.Addr).Msg("Starting server...")
	return s.app.Listen(s.cfg.Addr)
}

// Serve accepts connections on ln. It blocks until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Stop closes live connections and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping server...")
	s.cancel()
	s.hub.CloseAll()
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) serveWS(conn *websocket.Conn) {
	client := newClient(s.cfg.SendQueueSize)
	sess := newSession(s.hub, client)

	log.Debug().Str("session_id", sess.ID).Str("remote", conn.RemoteAddr().String()).Msg("Connection opened")

	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		s.writePump(conn, client)
	}()

	s.readLoop(conn, sess)
	client.Close()
	<-pumped

	s.closeSession(sess)
	_ = conn.Close()
}

func (s *Server) readLoop(conn *websocket.Conn, sess *Session) {
	wait := 2 * s.cfg.PingInterval
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("session_id", sess.ID).Msg("Connection closed unexpectedly")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.dispatch(sess, data)
	}
}

func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				client.Close()
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				_ = conn.Close()
				return
			}
		case <-client.done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			return
		}
	}
}

// dispatch runs one message through the handler. A panic is contained to
// the message that caused it.
func (s *Server) dispatch(sess *Session, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("session_id", sess.ID).
				Str("user_id", sess.UserID()).
				Msg("Recovered from panic in message handler")
			if msg, err := protocol.Encode(protocol.Error{Code: protocol.CodeInternal, Message: "internal error"}); err == nil {
				sess.Reply(msg)
			}
		}
	}()
	s.handler.HandleMessage(s.ctx, sess, data)
}

func (s *Server) closeSession(sess *Session) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("session_id", sess.ID).Msg("Recovered from panic in close handler")
		}
	}()
	// Connections dropped by shutdown keep their battles for the next start.
	if s.ctx.Err() != nil {
		log.Debug().Str("session_id", sess.ID).Msg("Connection closed during shutdown")
		return
	}
	s.handler.HandleClose(context.Background(), sess)
	log.Debug().Str("session_id", sess.ID).Str("user_id", sess.UserID()).Msg("Connection closed")
}
