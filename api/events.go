package api

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	jww "github.com/spf13/jwalterweatherman"

	"ephemera/models"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxControlSize = 512
)

// EventsConfig controls the status event stream.
type EventsConfig struct {
	WriteWait time.Duration
	PongWait  time.Duration
	// PingPeriod must be shorter than PongWait.
	PingPeriod time.Duration
}

func (c EventsConfig) withDefaults() EventsConfig {
	out := c
	if out.WriteWait <= 0 {
		out.WriteWait = defaultWriteWait
	}
	if out.PongWait <= 0 {
		out.PongWait = defaultPongWait
	}
	if out.PingPeriod <= 0 || out.PingPeriod >= out.PongWait {
		out.PingPeriod = out.PongWait * 9 / 10
	}
	return out
}

// requireUpgrade only lets WebSocket upgrade requests through.
func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// eventsHandler streams status events of the device's own messages until the peer
// goes away. Clients only send pongs and close frames.
func (s *Server) eventsHandler() fiber.Handler {
	cfg := s.cfg.Events
	return websocket.New(func(conn *websocket.Conn) {
		device, _ := conn.Locals(localDeviceID).(string)
		events, cancel := s.hub.Subscribe(device)
		defer cancel()

		jww.DEBUG.Printf("[API] status stream opened for %s", device)
		done := make(chan struct{})
		go func() {
			defer close(done)
			readControl(conn, cfg)
		}()

		writeEvents(conn, events, done, cfg)
		_ = conn.Close()
		<-done
		jww.DEBUG.Printf("[API] status stream closed for %s", device)
	})
}

// readControl consumes inbound frames so pongs and close frames are processed.
func readControl(conn *websocket.Conn, cfg EventsConfig) {
	conn.SetReadLimit(defaultMaxControlSize)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				jww.DEBUG.Printf("[API] status stream read: %v", err)
			}
			return
		}
	}
}

func writeEvents(conn *websocket.Conn, events <-chan models.StatusEvent, done <-chan struct{}, cfg EventsConfig) {
	ticker := time.NewTicker(cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				jww.DEBUG.Printf("[API] status stream write: %v", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
