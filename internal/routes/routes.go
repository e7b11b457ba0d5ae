package routes

import (
	"time"

	"periskope/chatsync/internal/handlers"
	"periskope/chatsync/internal/middleware"
	"periskope/chatsync/internal/utils"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

const requestTimeout = 30 * time.Second

// SetupRoutes configures all application routes
func SetupRoutes(app *fiber.App, verifier *utils.TokenVerifier) {
	// API v1 group
	api := app.Group("/api/v1")

	// Health check (public)
	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"message": "chatsync is running",
		})
	})

	auth := middleware.AuthMiddleware(verifier)
	bounded := middleware.RequestTimeout(requestTimeout)

	api.Get("/me", auth, bounded, handlers.GetMe)
	api.Post("/logout", auth, handlers.Logout)

	// Chat routes (protected)
	chats := api.Group("/chats", auth, bounded)
	chats.Get("/", middleware.RelaxedRateLimiter(), handlers.GetChats)
	chats.Post("/reload", middleware.RelaxedRateLimiter(), handlers.ReloadChats)
	chats.Post("/:chatId/open", handlers.OpenChat)
	chats.Delete("/:chatId/open", handlers.CloseChat)

	// Message routes (protected)
	chats.Get("/:chatId/messages", middleware.RelaxedRateLimiter(), handlers.GetMessages)
	chats.Post("/:chatId/messages", middleware.SendRateLimiter(), handlers.SendMessage)
	chats.Post("/:chatId/messages/:pendingId/retry", middleware.SendRateLimiter(), handlers.RetryMessage)
	chats.Delete("/:chatId/messages/:pendingId", handlers.DiscardMessage)

	// WebSocket route (protected)
	api.Get("/ws", auth, handlers.WebSocketUpgrade, websocket.New(handlers.WebSocketHandler))

	// WebSocket stats (protected, for debugging)
	api.Get("/ws/stats", auth, handlers.GetWebSocketStats)
}
