package handlers

import (
	"periskope/chatsync/internal/chatlist"

	"github.com/gofiber/fiber/v2"
)

// GetChats returns the ranked conversation list. A list whose last load
// failed is reloaded first.
func GetChats(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if err != nil {
		return fail(c, err)
	}

	if s.ListErr() != nil {
		if err := s.Reload(c.UserContext()); err != nil {
			return fail(c, err)
		}
	}

	chats := s.Chats()
	if chats == nil {
		chats = []chatlist.ChatView{}
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    chats,
	})
}

// ReloadChats fetches the conversation list again
func ReloadChats(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if err != nil {
		return fail(c, err)
	}
	if err := s.Reload(c.UserContext()); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    s.Chats(),
	})
}

// OpenChat opens a conversation: loads its history and starts its live feed
func OpenChat(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if err != nil {
		return fail(c, err)
	}

	conv, err := s.Open(c.UserContext(), c.Params("chatId"))
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"chat":         conv.Header(),
			"participants": chatlist.ParticipantNames(conv.Chat().Participants),
			"messages":     conv.Timeline(),
		},
	})
}

// CloseChat closes a conversation and cancels its outstanding work
func CloseChat(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if err != nil {
		return fail(c, err)
	}

	if !s.CloseConversation(c.Params("chatId")) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Chat is not open",
		})
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Chat closed",
	})
}
