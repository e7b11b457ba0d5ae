package handlers

import (
	"context"
	"time"

	ws "periskope/chatsync/internal/websocket"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

const commandTimeout = 30 * time.Second

// WebSocketUpgrade checks if the request should be upgraded to WebSocket
func WebSocketUpgrade(c *fiber.Ctx) error {
	// Check if this is a WebSocket upgrade request
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}

	return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
		"success": false,
		"error":   "WebSocket upgrade required",
	})
}

// WebSocketHandler streams sync events to the connection and accepts
// open_chat, close_chat and send_message commands from it
func WebSocketHandler(c *websocket.Conn) {
	// Get user info from context (set by auth middleware)
	userID := c.Locals("userID").(string)

	client := ws.NewClient(userID, c, WSHub, handleCommand)
	if !WSHub.Connect(client) {
		c.Close()
		return
	}
	Sessions.Attach(userID)
	defer Sessions.Detach(userID)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	if s, err := Sessions.Get(ctx, userID); err != nil {
		client.SendMessage(commandError("session_failed", "", err))
	} else {
		client.SendMessage(ws.NewMessage(ws.EventChatListUpdated, ws.ChatListPayload{Chats: s.Chats()}))
	}
	cancel()

	// Start read and write pumps in separate goroutines
	go client.WritePump()
	client.ReadPump() // This blocks until connection closes
}

// handleCommand runs a client command off the read loop; opening a chat
// waits on remote loads.
func handleCommand(client *ws.Client, msg ws.IncomingMessage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		chatID := msg.String("chatId")
		s, err := Sessions.Get(ctx, client.ID)
		if err != nil {
			client.SendMessage(commandError("session_failed", chatID, err))
			return
		}

		switch msg.Type {
		case ws.EventOpenChat:
			// The timeline arrives as a timeline_updated event.
			if _, err := s.Open(ctx, chatID); err != nil {
				client.SendMessage(commandError("open_failed", chatID, err))
			}
		case ws.EventCloseChat:
			s.CloseConversation(chatID)
		case ws.EventSendMessage:
			conv, ok := s.Conversation(chatID)
			if !ok {
				client.SendMessage(ws.NewMessage(ws.EventError, ws.ErrorPayload{
					Code:    "not_open",
					Message: "chat is not open",
					ChatID:  chatID,
				}))
				return
			}
			if _, err := conv.Send(msg.String("content")); err != nil {
				client.SendMessage(commandError("send_rejected", chatID, err))
			}
		}
	}()
}

func commandError(code, chatID string, err error) ws.WSMessage {
	return ws.NewMessage(ws.EventError, ws.ErrorPayload{
		Code:    code,
		Message: err.Error(),
		ChatID:  chatID,
	})
}

// GetWebSocketStats returns WebSocket connection statistics
func GetWebSocketStats(c *fiber.Ctx) error {
	if WSHub == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"success": false,
			"error":   "WebSocket hub not initialized",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"onlineUsers": WSHub.GetOnlineCount(),
		},
	})
}
