package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abparts/troubleshoot/internal/storage/models"
)

func TestEncodeTicket(t *testing.T) {
	data, err := encodeTicket(&models.Ticket{
		ID:                "t1",
		SessionID:         "s1",
		Priority:          models.PriorityHigh,
		Reason:            "step limit reached",
		TranscriptSummary: "summary",
		CreatedAt:         time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "t1", got["ticket_id"])
	assert.Equal(t, "high", got["priority"])
	assert.Equal(t, "2026-03-01T09:00:00Z", got["created_at"])
}

func TestNewNotifierFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewNotifier(ctx, Options{Host: "127.0.0.1", Port: 1, Channel: "c", List: "l"})
	assert.Error(t, err)
}
