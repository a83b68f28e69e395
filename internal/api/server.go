// Package api exposes the recording service and session store over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/iksnae/chat-harvest/internal/recording"
	"github.com/iksnae/chat-harvest/internal/store"
)

// ErrNoSecret is returned when the API is constructed without an
// authentication secret. There is no insecure default.
var ErrNoSecret = errors.New("api: authentication secret is required")

// Config for the API server.
type Config struct {
	Port   int
	Secret string
}

// Server is the Fiber application fronting the recording service and the
// session store.
type Server struct {
	app     *fiber.App
	service *recording.Service
	store   *store.Store
	schema  *jsonschema.Schema
	cfg     Config
	log     zerolog.Logger
}

// NewServer builds the server. A missing secret is a construction-time
// failure, not a runtime surprise.
func NewServer(cfg Config, service *recording.Service, st *store.Store, log zerolog.Logger) (*Server, error) {
	if cfg.Secret == "" {
		return nil, ErrNoSecret
	}
	schema, err := compileEventSchema()
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:     app,
		service: service,
		store:   st,
		schema:  schema,
		cfg:     cfg,
		log:     log.With().Str("component", "api").Logger(),
	}

	app.Use(recover.New())
	app.Use(s.requestLog)

	app.Get("/healthz", s.handleHealth)

	rec := app.Group("/recording", s.requireSecret)
	rec.Post("/events", s.handleEvents)
	rec.Post("/snapshot", s.handleSnapshot)
	rec.Post("/sessions/:id/acknowledge", s.handleAcknowledge)
	rec.Get("/sessions", s.handleListSessions)
	rec.Get("/sessions/:id", s.handleGetSession)
	rec.Get("/status", s.handleStatus)
	rec.Get("/stream", s.handleStream)
	rec.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	rec.Get("/ws", websocket.New(s.handleWS))

	return s, nil
}

// Listen blocks serving requests until Shutdown.
func (s *Server) Listen() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.log.Info().Str("addr", addr).Msg("api listening")
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the underlying Fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) requestLog(c *fiber.Ctx) error {
	if c.Path() == "/healthz" {
		return c.Next()
	}
	s.log.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Str("ip", c.IP()).
		Msg("request")
	return c.Next()
}

// requireSecret guards every recording endpoint, reads included: session
// content is as sensitive as session writes.
func (s *Server) requireSecret(c *fiber.Ctx) error {
	header := c.Get("Authorization")
	if header == "" {
		return errorResponse(c, fiber.StatusUnauthorized, "missing_auth", "Authorization header is required")
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token != s.cfg.Secret {
		s.log.Warn().Str("path", c.Path()).Str("ip", c.IP()).Msg("rejected request")
		return errorResponse(c, fiber.StatusUnauthorized, "invalid_auth", "invalid bearer token")
	}
	return c.Next()
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorResponse(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(apiError{Code: code, Message: message})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
