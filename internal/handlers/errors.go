package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"

	"media-pipeline/internal/models"
)

// ErrorHandler renders errors that escape a handler in the same shape the
// handlers use for their own failures
func ErrorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return errorJSON(c, code, message, "")
}

func errorJSON(c fiber.Ctx, status int, message, details string) error {
	return c.Status(status).JSON(models.ErrorResponse{
		Success:   false,
		Error:     message,
		Details:   details,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}
