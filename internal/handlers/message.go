package handlers

import (
	"periskope/chatsync/internal/chatlist"
	"periskope/chatsync/internal/session"
	"periskope/chatsync/internal/syncerr"
	"periskope/chatsync/internal/timeline"
	"periskope/chatsync/internal/utils"

	"github.com/gofiber/fiber/v2"
)

// SendMessageRequest represents send message request body
type SendMessageRequest struct {
	Content string `json:"content"`
}

// TimelineItem is a timeline entry as seen by the signed-in user
type TimelineItem struct {
	timeline.Entry
	IsMine bool `json:"isMine"`
}

// openConversation returns the open conversation for :chatId, opening it if needed
func openConversation(c *fiber.Ctx) (*session.Conversation, error) {
	s, err := currentSession(c)
	if err != nil {
		return nil, err
	}
	chatID := c.Params("chatId")
	if !utils.ValidateID(chatID) {
		return nil, syncerr.Validation("invalid chat id")
	}
	if conv, ok := s.Conversation(chatID); ok {
		return conv, nil
	}
	return s.Open(c.UserContext(), chatID)
}

// GetMessages returns the conversation's timeline: confirmed messages in
// order followed by pending and failed sends
func GetMessages(c *fiber.Ctx) error {
	conv, err := openConversation(c)
	if err != nil {
		return fail(c, err)
	}

	userID := c.Locals("userID").(string)
	entries := conv.Timeline()
	items := make([]TimelineItem, len(entries))
	for i, e := range entries {
		items[i] = TimelineItem{Entry: e, IsMine: chatlist.IsMine(&e.Message, userID)}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    items,
	})
}

// SendMessage appends a pending message and submits it in the background.
// The stored message arrives as a message_confirmed event.
func SendMessage(c *fiber.Ctx) error {
	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}

	conv, err := openConversation(c)
	if err != nil {
		return fail(c, err)
	}

	sub, err := conv.Send(req.Content)
	if err != nil {
		return fail(c, err)
	}
	return accepted(c, conv, sub.PendingID)
}

// RetryMessage resubmits a failed message
func RetryMessage(c *fiber.Ctx) error {
	pendingID := c.Params("pendingId")
	if !utils.IsPendingID(pendingID) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid pending message id",
		})
	}

	conv, err := openConversation(c)
	if err != nil {
		return fail(c, err)
	}

	sub, err := conv.Retry(pendingID)
	if err != nil {
		return fail(c, err)
	}
	return accepted(c, conv, sub.PendingID)
}

// DiscardMessage removes a failed message from the timeline
func DiscardMessage(c *fiber.Ctx) error {
	conv, err := openConversation(c)
	if err != nil {
		return fail(c, err)
	}

	if err := conv.Discard(c.Params("pendingId")); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Message discarded",
	})
}

func accepted(c *fiber.Ctx, conv *session.Conversation, pendingID string) error {
	data := fiber.Map{"pendingId": pendingID}
	if entry, ok := conv.Entry(pendingID); ok {
		data["entry"] = entry
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}
