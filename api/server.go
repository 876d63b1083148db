// Package api serves the relay over HTTP and streams sender status events over WebSocket.
package api

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	jww "github.com/spf13/jwalterweatherman"

	"ephemera/delivery"
	"ephemera/relay"
)

const (
	// DeviceHeader carries the opaque identity of the calling device.
	DeviceHeader = "X-Device-ID"

	// DefaultRequestTimeout bounds one request against the store.
	DefaultRequestTimeout = 5 * time.Second

	localDeviceID = "deviceId"
)

// Config controls the HTTP surface.
type Config struct {
	RequestTimeout time.Duration
	RelayID        string
	Version        string
	// AccessLog enables per-request logging.
	AccessLog bool
	Events    EventsConfig
}

// Server is the fiber application exposing the relay.
type Server struct {
	app    *fiber.App
	relay  *relay.Service
	hub    *delivery.Hub
	cfg    Config
	health func() error
}

// New builds the fiber application. hub may be nil, in which case the events endpoint
// is not registered. health, when set, is consulted by the health endpoint.
func New(svc *relay.Service, hub *delivery.Hub, health func() error, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	cfg.Events = cfg.Events.withDefaults()

	s := &Server{
		relay:  svc,
		hub:    hub,
		cfg:    cfg,
		health: health,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "ephemera",
		BodyLimit:             bodyLimit(svc.Limits()),
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})
	s.app.Use(recover.New())
	if cfg.AccessLog {
		s.app.Use(logger.New(logger.Config{
			Format: "[API] ${status} ${method} ${path} ${latency}\n",
			Output: jww.INFO.Writer(),
		}))
	}
	s.routes()
	return s
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	jww.INFO.Printf("[API] listening on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones, up to timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.handleHealth)

	v1 := s.app.Group("/v1")

	conversations := v1.Group("/conversations")
	conversations.Post("/", requireDevice, s.handleCreateConversation)
	conversations.Get("/:id", s.handleGetConversation)
	conversations.Delete("/:id", requireDevice, s.handleDeleteConversation)
	conversations.Post("/:id/participants", requireDevice, s.handleJoinConversation)
	conversations.Post("/:id/messages", requireDevice, s.handleAppendMessage)
	conversations.Get("/:id/messages", s.handleGetMessages)

	v1.Post("/messages/:id/read", requireDevice, s.handleMarkRead)

	devices := v1.Group("/devices/:deviceId")
	devices.Put("/token", requireDevice, requireSelf, s.handleRegisterToken)
	devices.Delete("/token", requireDevice, requireSelf, s.handleDeactivateToken)
	if s.hub != nil {
		devices.Get("/events", requireDevice, requireSelf, requireUpgrade, s.eventsHandler())
	}
}

// requestContext derives the per-request deadline.
func (s *Server) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), s.cfg.RequestTimeout)
}

// requireDevice rejects requests without a device identity.
func requireDevice(c *fiber.Ctx) error {
	deviceID := strings.TrimSpace(c.Get(DeviceHeader))
	if deviceID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing "+DeviceHeader+" header")
	}
	c.Locals(localDeviceID, deviceID)
	return c.Next()
}

// requireSelf only lets a device act on its own device resources.
func requireSelf(c *fiber.Ctx) error {
	if c.Params("deviceId") != deviceID(c) {
		return fiber.NewError(fiber.StatusForbidden, "device mismatch")
	}
	return c.Next()
}

func deviceID(c *fiber.Ctx) string {
	if id, ok := c.Locals(localDeviceID).(string); ok {
		return id
	}
	return strings.TrimSpace(c.Get(DeviceHeader))
}

// bodyLimit allows the largest base64-encoded append request plus JSON overhead.
func bodyLimit(limits relay.Config) int {
	raw := limits.MaxCiphertextBytes + limits.MaxNonceBytes + limits.MaxTagBytes
	return (raw+2)/3*4 + 4096
}
