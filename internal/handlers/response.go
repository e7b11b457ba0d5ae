package handlers

import (
	"context"
	"errors"

	"periskope/chatsync/internal/session"
	"periskope/chatsync/internal/syncerr"
	ws "periskope/chatsync/internal/websocket"

	"github.com/gofiber/fiber/v2"
)

var (
	// Sessions holds the sync state of signed-in users
	Sessions *session.Manager

	// WSHub is the global WebSocket hub instance
	WSHub *ws.Hub
)

// Init wires the handlers to the session manager and hub
func Init(sessions *session.Manager, hub *ws.Hub) {
	Sessions = sessions
	WSHub = hub
}

// statusFor maps a sync error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, syncerr.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, syncerr.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, syncerr.ErrSendInFlight):
		return fiber.StatusConflict
	case errors.Is(err, syncerr.ErrClosed):
		return fiber.StatusGone
	case errors.Is(err, syncerr.ErrRemote):
		return fiber.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
	})
}

func currentSession(c *fiber.Ctx) (*session.Session, error) {
	userID, _ := c.Locals("userID").(string)
	if userID == "" {
		return nil, syncerr.Validation("missing user")
	}
	return Sessions.Get(c.UserContext(), userID)
}
