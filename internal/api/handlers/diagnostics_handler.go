package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/internal/storage/models"
	"github.com/abparts/troubleshoot/internal/workflow"
	"github.com/abparts/troubleshoot/pkg/logger"
)

type DiagnosticsHandler struct {
	engine *workflow.Engine
}

func NewDiagnosticsHandler(engine *workflow.Engine) *DiagnosticsHandler {
	return &DiagnosticsHandler{
		engine: engine,
	}
}

type messageRequest struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	MachineID    string `json:"machine_id"`
	MachineModel string `json:"machine_model"`
	Message      string `json:"message"`
	Language     string `json:"language"`
}

type feedbackRequest struct {
	SessionID string `json:"session_id"`
	StepID    string `json:"step_id"`
	Feedback  string `json:"feedback"`
	Language  string `json:"language"`
}

func (h *DiagnosticsHandler) HandleMessage(c *fiber.Ctx) error {
	start := time.Now()

	var req messageRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		observe("start_or_continue", start, workflow.ErrInvalidInput)
		return badRequest(c, "Invalid request body")
	}

	res, err := h.engine.StartOrContinue(c.Context(), workflow.MessageRequest{
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		MachineID:    req.MachineID,
		MachineModel: req.MachineModel,
		Message:      req.Message,
		Language:     req.Language,
	})
	observe("start_or_continue", start, err)
	if err != nil {
		return respondError(c, "start_or_continue", err)
	}

	return c.JSON(newMessageResponse(res))
}

func (h *DiagnosticsHandler) HandleFeedback(c *fiber.Ctx) error {
	start := time.Now()

	var req feedbackRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		observe("submit_feedback", start, workflow.ErrInvalidInput)
		return badRequest(c, "Invalid request body")
	}

	res, err := h.engine.SubmitFeedback(c.Context(), workflow.FeedbackRequest{
		SessionID: req.SessionID,
		StepID:    req.StepID,
		Feedback:  models.Feedback(req.Feedback),
		Language:  req.Language,
	})
	observe("submit_feedback", start, err)
	if err != nil {
		return respondError(c, "submit_feedback", err)
	}

	return c.JSON(newFeedbackResponse(res))
}

func (h *DiagnosticsHandler) GetSession(c *fiber.Ctx) error {
	view, err := h.engine.GetSession(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, "get_session", err)
	}
	return c.JSON(newSessionResponse(view))
}

func (h *DiagnosticsHandler) SelectMachine(c *fiber.Ctx) error {
	var req struct {
		MachineID    string `json:"machine_id"`
		MachineModel string `json:"machine_model"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	session, err := h.engine.SelectMachine(c.Context(), c.Params("id"), req.MachineID, req.MachineModel)
	if err != nil {
		return respondError(c, "select_machine", err)
	}

	return c.JSON(fiber.Map{
		"session_id":    session.ID,
		"machine_id":    session.MachineID,
		"machine_model": session.MachineModel,
	})
}

func (h *DiagnosticsHandler) Abandon(c *fiber.Ctx) error {
	res, err := h.engine.Abandon(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, "abandon", err)
	}
	return c.JSON(newFeedbackResponse(res))
}

func (h *DiagnosticsHandler) Escalate(c *fiber.Ctx) error {
	res, err := h.engine.Escalate(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, "escalate", err)
	}
	return c.JSON(newFeedbackResponse(res))
}

func (h *DiagnosticsHandler) Rate(c *fiber.Ctx) error {
	var req struct {
		Rating int `json:"rating"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	if err := h.engine.Rate(c.Context(), c.Params("id"), req.Rating); err != nil {
		return respondError(c, "rate", err)
	}

	return c.JSON(fiber.Map{
		"session_id": c.Params("id"),
		"rating":     req.Rating,
	})
}
