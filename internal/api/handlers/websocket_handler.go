package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/internal/storage/models"
	"github.com/abparts/troubleshoot/internal/workflow"
	"github.com/abparts/troubleshoot/pkg/logger"
)

// WebSocketHandler carries the chat over a websocket. Each frame is either a
// "message" or a "feedback" request and gets one reply frame.
type WebSocketHandler struct {
	engine  *workflow.Engine
	timeout time.Duration
}

func NewWebSocketHandler(engine *workflow.Engine, timeout time.Duration) *WebSocketHandler {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WebSocketHandler{
		engine:  engine,
		timeout: timeout,
	}
}

type wsRequest struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	MachineID    string `json:"machine_id"`
	MachineModel string `json:"machine_model"`
	Message      string `json:"message"`
	StepID       string `json:"step_id"`
	Feedback     string `json:"feedback"`
	Language     string `json:"language"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg wsRequest
		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if err := h.dispatch(c, msg); err != nil {
			logger.Error("Failed to write WebSocket reply", zap.Error(err))
			break
		}
	}
}

func (h *WebSocketHandler) dispatch(c *websocket.Conn, msg wsRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	switch msg.Type {
	case "message":
		start := time.Now()
		res, err := h.engine.StartOrContinue(ctx, workflow.MessageRequest{
			SessionID:    msg.SessionID,
			UserID:       msg.UserID,
			MachineID:    msg.MachineID,
			MachineModel: msg.MachineModel,
			Message:      msg.Message,
			Language:     msg.Language,
		})
		observe("ws_start_or_continue", start, err)
		if err != nil {
			return h.sendError(c, err)
		}
		return c.WriteJSON(struct {
			Type string `json:"type"`
			messageResponse
		}{"message", newMessageResponse(res)})

	case "feedback":
		start := time.Now()
		res, err := h.engine.SubmitFeedback(ctx, workflow.FeedbackRequest{
			SessionID: msg.SessionID,
			StepID:    msg.StepID,
			Feedback:  models.Feedback(msg.Feedback),
			Language:  msg.Language,
		})
		observe("ws_submit_feedback", start, err)
		if err != nil {
			return h.sendError(c, err)
		}
		return c.WriteJSON(struct {
			Type string `json:"type"`
			feedbackResponse
		}{"feedback", newFeedbackResponse(res)})
	}

	return c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"code":  "invalid_request",
		"error": "Unknown message type",
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, err error) error {
	status, body := classify(err)
	if status >= 500 {
		logger.Error("WebSocket request failed", zap.Error(err))
	}
	return c.WriteJSON(map[string]interface{}{
		"type":   "error",
		"status": status,
		"code":   body.Code,
		"error":  body.Message,
	})
}
