package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{MaxMessageLength: 20}))
	ok := func(c *fiber.Ctx) error { return c.SendString("ok") }
	app.Post("/api/v1/diagnostics/messages", ok)
	app.Post("/api/v1/diagnostics/feedback", ok)
	app.Post("/api/v1/diagnostics/solutions", ok)
	return app
}

func post(t *testing.T, app *fiber.App, path, contentType, body string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestMessageValidation(t *testing.T) {
	app := newApp()
	path := "/api/v1/diagnostics/messages"

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"user_id":"u1","message":"pump won't start"}`, http.StatusOK},
		{"missing message", `{"user_id":"u1"}`, http.StatusBadRequest},
		{"too long", `{"message":"` + strings.Repeat("a", 21) + `"}`, http.StatusBadRequest},
		{"script", `{"message":"<script>x</script>"}`, http.StatusBadRequest},
		{"bad session id", `{"session_id":"abc","message":"hi"}`, http.StatusBadRequest},
		{"valid session id", `{"session_id":"` + uuid.NewString() + `","message":"hi"}`, http.StatusOK},
		{"malformed", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, post(t, app, path, "application/json", tt.body))
		})
	}
}

func TestFeedbackValidation(t *testing.T) {
	app := newApp()
	path := "/api/v1/diagnostics/feedback"
	sid, step := uuid.NewString(), uuid.NewString()

	assert.Equal(t, http.StatusOK, post(t, app, path, "application/json",
		`{"session_id":"`+sid+`","step_id":"`+step+`","feedback":"partially_worked"}`))
	assert.Equal(t, http.StatusBadRequest, post(t, app, path, "application/json",
		`{"session_id":"`+sid+`","step_id":"`+step+`","feedback":"maybe"}`))
	assert.Equal(t, http.StatusBadRequest, post(t, app, path, "application/json",
		`{"session_id":"`+sid+`","feedback":"worked"}`))
}

func TestContentTypeAndOtherRoutes(t *testing.T) {
	app := newApp()

	assert.Equal(t, http.StatusUnsupportedMediaType,
		post(t, app, "/api/v1/diagnostics/messages", "text/plain", "hello"))
	assert.Equal(t, http.StatusOK,
		post(t, app, "/api/v1/diagnostics/solutions", "application/json", `{"problem_category":"engine"}`))
}
