package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"

	"ephemera/models"
	"ephemera/relay"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	health := models.Health{Status: "ok", RelayID: s.cfg.RelayID, Version: s.cfg.Version}
	if s.health != nil {
		if err := s.health(); err != nil {
			health.Status = "degraded"
			return c.Status(fiber.StatusServiceUnavailable).JSON(health)
		}
	}
	return c.JSON(health)
}

func (s *Server) handleCreateConversation(c *fiber.Ctx) error {
	var req models.CreateConversationRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.TTLSeconds < 0 {
		return errors.Wrap(relay.ErrValidation, "ttlSeconds must not be negative")
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	conversation, err := s.relay.CreateConversation(ctx, deviceID(c), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(conversation)
}

func (s *Server) handleGetConversation(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	conversation, err := s.relay.GetConversation(ctx, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(conversation)
}

func (s *Server) handleJoinConversation(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	if err := s.relay.JoinConversation(ctx, c.Params("id"), deviceID(c)); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleDeleteConversation(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	if err := s.relay.DeleteConversation(ctx, c.Params("id"), deviceID(c)); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleAppendMessage(c *fiber.Ctx) error {
	var req models.AppendMessageRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	receipt, err := s.relay.AppendMessage(ctx, relay.AppendRequest{
		ConversationID: c.Params("id"),
		SenderDeviceID: deviceID(c),
		Ciphertext:     req.Ciphertext,
		Nonce:          req.Nonce,
		Tag:            req.Tag,
		IdempotencyKey: req.IdempotencyKey,
		LocalID:        req.LocalID,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(receipt)
}

func (s *Server) handleGetMessages(c *fiber.Ctx) error {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		var err error
		limit, err = parseLimit(raw)
		if err != nil {
			return err
		}
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	page, err := s.relay.GetMessages(ctx, relay.MessagesQuery{
		ConversationID:    c.Params("id"),
		Limit:             limit,
		Cursor:            c.Query("cursor"),
		RequesterDeviceID: deviceID(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (s *Server) handleMarkRead(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	if err := s.relay.MarkRead(ctx, c.Params("id"), deviceID(c)); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleRegisterToken(c *fiber.Ctx) error {
	var req models.RegisterTokenRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	if err := s.relay.RegisterToken(ctx, deviceID(c), req.PushToken); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleDeactivateToken(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	if err := s.relay.DeactivateToken(ctx, deviceID(c)); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func parseBody(c *fiber.Ctx, out interface{}) error {
	if len(c.Body()) == 0 {
		return errors.Wrap(relay.ErrValidation, "request body is required")
	}
	if err := c.BodyParser(out); err != nil {
		return errors.Wrapf(relay.ErrValidation, "malformed request body: %v", err)
	}
	return nil
}

func parseLimit(raw string) (int, error) {
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.Wrapf(relay.ErrValidation, "limit %q is not a positive integer", raw)
	}
	return limit, nil
}
