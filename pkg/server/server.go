// Package server exposes the voice conversation endpoint over HTTP: a
// websocket route that hands each accepted connection to a session, plus a
// health route.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/voxbridge/voxbridge/internal/log"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/engine"
	"github.com/voxbridge/voxbridge/pkg/prompt"
	"github.com/voxbridge/voxbridge/pkg/session"
)

// ErrMissingRuntime is returned by New when a required collaborator is nil.
var ErrMissingRuntime = errors.New("server: incomplete runtime")

// CodecFactory creates a fresh decoder/encoder pair for one session. Codec
// contexts carry per-stream state and are never shared across sessions.
type CodecFactory func() (audio.StreamDecoder, audio.StreamEncoder, error)

// Runtime bundles the shared collaborators every session is built from.
type Runtime struct {
	Engine    engine.Engine
	Gate      *engine.Gate
	Tokenizer engine.Tokenizer
	Resolver  prompt.Resolver
	NewCodecs CodecFactory
}

func (rt Runtime) validate() error {
	if rt.Engine == nil || rt.Gate == nil || rt.Tokenizer == nil || rt.NewCodecs == nil {
		return ErrMissingRuntime
	}
	return nil
}

// Server is the HTTP front of the bridge.
type Server struct {
	cfg    Config
	rt     Runtime
	app    *fiber.App
	logger *slog.Logger

	ctx       atomic.Pointer[context.Context]
	active    atomic.Int64
	served    atomic.Int64
	startedAt time.Time
}

// New builds the server and its routes.
func New(cfg Config, rt Runtime) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := rt.validate(); err != nil {
		return nil, err
	}

	// Establish the streaming baseline before the first session. Every
	// session thereafter resets while draining, so between sessions the
	// reset runs exactly once.
	rt.Engine.ResetStreaming()

	s := &Server{
		cfg:       cfg,
		rt:        rt,
		logger:    log.With("component", "server"),
		startedAt: time.Now(),
	}
	base := context.Background()
	s.ctx.Store(&base)

	app := fiber.New(fiber.Config{
		AppName:               "voxbridge",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/health", s.handleHealth)

	api.Use("/chat", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/chat", websocket.New(s.handleChat))

	s.app = app
	return s, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.ctx.Store(&ctx)
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.logger.Info("listening", "addr", addr, "frame_size", s.cfg.FrameSize())

	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listen(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down")
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":          "ok",
		"active_sessions": s.active.Load(),
		"sessions_served": s.served.Load(),
		"uptime":          time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// queryKeys are the negotiable connection parameters.
var queryKeys = []string{
	"text_prompt", "voice_prompt", "seed",
	"audio_temperature", "text_temperature",
	"audio_topk", "text_topk",
	"repetition_penalty", "repetition_penalty_context",
}

// handleChat runs one session over an upgraded connection. It returns when
// the session ends; the websocket library closes the connection after.
func (s *Server) handleChat(conn *websocket.Conn) {
	q := url.Values{}
	for _, key := range queryKeys {
		if v := conn.Query(key); v != "" {
			q.Set(key, v)
		}
	}
	params, err := session.ParseParams(q)
	if err != nil {
		s.logger.Warn("rejecting connection", "error", err)
		return
	}

	decoder, encoder, err := s.rt.NewCodecs()
	if err != nil {
		s.logger.Error("codec setup failed", "error", err)
		return
	}

	sess, err := session.New(
		session.DefaultConfig(s.cfg.FrameSize()),
		conn,
		params,
		session.Runtime{
			Engine:    s.rt.Engine,
			Gate:      s.rt.Gate,
			Tokenizer: s.rt.Tokenizer,
			Resolver:  s.rt.Resolver,
			Decoder:   decoder,
			Encoder:   encoder,
		},
	)
	if err != nil {
		s.logger.Error("session setup failed", "error", err)
		return
	}

	s.active.Add(1)
	s.served.Add(1)
	defer s.active.Add(-1)

	if err := sess.Run(*s.ctx.Load()); err != nil {
		s.logger.Warn("session ended with error", "session", sess.ID(), "error", err)
	}
}
