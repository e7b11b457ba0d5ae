package handlers

import (
	"github.com/gofiber/fiber/v2"
)

// GetMe returns the signed-in user's profile
func GetMe(c *fiber.Ctx) error {
	s, err := currentSession(c)
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    s.User().ToSummary(),
	})
}

// Logout ends the user's sync session and clears the token cookie
func Logout(c *fiber.Ctx) error {
	userID := c.Locals("userID").(string)
	Sessions.Close(userID)

	c.Cookie(&fiber.Cookie{
		Name:     "token",
		Value:    "",
		HTTPOnly: true,
		Secure:   false,
		SameSite: "Lax",
		MaxAge:   -1, // Delete cookie
	})

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Logged out successfully",
	})
}
