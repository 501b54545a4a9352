package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/internal/metrics"
	"github.com/abparts/troubleshoot/internal/storage/sqlite"
	"github.com/abparts/troubleshoot/internal/workflow"
	"github.com/abparts/troubleshoot/pkg/logger"
)

// apiError is the body of every failed response.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

// classify maps workflow and store errors onto HTTP statuses.
func classify(err error) (int, apiError) {
	var stale *workflow.StaleStepError
	var closed *workflow.SessionClosedError

	switch {
	case errors.As(err, &stale):
		return fiber.StatusConflict, apiError{Code: "stale_step", Message: "This step has already been answered. Refresh the session to continue."}
	case errors.As(err, &closed):
		return fiber.StatusGone, apiError{Code: "session_closed", Message: "This session is closed. Start a new session."}
	case errors.Is(err, sqlite.ErrNotFound):
		return fiber.StatusNotFound, apiError{Code: "not_found", Message: "Not found"}
	case errors.Is(err, workflow.ErrInvalidInput):
		return fiber.StatusBadRequest, apiError{Code: "invalid_request", Message: err.Error()}
	}
	return fiber.StatusInternalServerError, apiError{Code: "internal", Message: "Internal server error"}
}

func respondError(c *fiber.Ctx, operation string, err error) error {
	status, body := classify(err)
	if status == fiber.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("operation", operation),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	} else {
		logger.Debug("Request rejected",
			zap.String("operation", operation),
			zap.String("code", body.Code),
			zap.Error(err),
		)
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(apiError{Code: "invalid_request", Message: message})
}

func observe(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		_, body := classify(err)
		status = body.Code
	}
	metrics.RequestDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}
