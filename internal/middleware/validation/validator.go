package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/internal/storage/models"
)

var scriptPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	MaxMessageLength    int
	MaxLanguageLength   int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects malformed diagnostic requests before they reach the
// workflow. The parsed body is left in Locals("validated_body").
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 4000
	}
	if cfg.MaxLanguageLength <= 0 {
		cfg.MaxLanguageLength = 16
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}

		if contentType := c.Get("Content-Type"); contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"code":  "invalid_request",
				"error": "Unsupported content type",
			})
		}

		path := c.Path()
		if !strings.HasSuffix(path, "/messages") && !strings.HasSuffix(path, "/feedback") {
			return c.Next()
		}

		var req map[string]interface{}
		if err := c.BodyParser(&req); err != nil {
			return reject(c, "Invalid JSON format")
		}

		if sid, ok := req["session_id"].(string); ok && sid != "" {
			if _, err := uuid.Parse(sid); err != nil {
				return reject(c, "session_id must be a UUID")
			}
		}
		if lang, ok := req["language"].(string); ok && utf8.RuneCountInString(lang) > cfg.MaxLanguageLength {
			return reject(c, "language tag is too long")
		}

		if strings.HasSuffix(path, "/messages") {
			message, ok := req["message"].(string)
			if !ok || strings.TrimSpace(message) == "" {
				return reject(c, "message is required and must be a string")
			}
			if utf8.RuneCountInString(message) > cfg.MaxMessageLength {
				return reject(c, "message exceeds maximum length")
			}
			if scriptPattern.MatchString(message) {
				cfg.Logger.Warn("Rejected message with script content",
					zap.String("ip", c.IP()),
					zap.String("path", path),
				)
				return reject(c, "Invalid message content")
			}
			req["message"] = sanitizeString(message)
		} else {
			stepID, _ := req["step_id"].(string)
			if _, err := uuid.Parse(stepID); err != nil {
				return reject(c, "step_id must be a UUID")
			}
			feedback, _ := req["feedback"].(string)
			if !models.Feedback(feedback).Valid() {
				return reject(c, "feedback must be one of worked, partially_worked, didnt_work")
			}
		}

		c.Locals("validated_body", req)
		return c.Next()
	}
}

func reject(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"code":  "invalid_request",
		"error": message,
	})
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

func sanitizeString(input string) string {
	input = strings.TrimSpace(input)
	return strings.ReplaceAll(input, "\x00", "")
}
