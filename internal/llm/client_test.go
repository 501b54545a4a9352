package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, status int, content string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "test",
			"choices": []map[string]interface{}{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": content},
			}},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testClient(baseURL string) *Client {
	return NewClient(Options{
		APIKey:      "test",
		BaseURL:     baseURL + "/v1",
		Model:       "test",
		MaxAttempts: 2,
		Timeout:     5 * time.Second,
	})
}

func TestDisabledClientIsUnavailable(t *testing.T) {
	c := NewClient(Options{Model: "gpt"})
	assert.False(t, c.Enabled())

	_, err := c.PhraseStep(context.Background(), StepRequest{})
	assert.ErrorIs(t, err, ErrGenerationUnavailable)

	_, err = c.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, ErrGenerationUnavailable)
}

func TestPhraseStepParsesFencedJSON(t *testing.T) {
	srv, _ := chatServer(t, http.StatusOK, "```json\n{\"instruction\": \"Check the hydraulic filter\", \"safety_warnings\": [\"Depressurise\"]}\n```")
	c := testClient(srv.URL)

	step, err := c.PhraseStep(context.Background(), StepRequest{
		MachineModel:        "AB-100",
		SolutionDescription: "check filter",
		StepNumber:          1,
	})
	require.NoError(t, err)
	assert.Equal(t, "Check the hydraulic filter", step.Instruction)
	assert.Equal(t, 10, step.EstimatedDurationMinutes)
	assert.Equal(t, []string{"Depressurise"}, step.SafetyWarnings)
	assert.Equal(t, []string{}, step.ExpectedOutcomes)
}

func TestServerErrorsBecomeUnavailable(t *testing.T) {
	srv, calls := chatServer(t, http.StatusInternalServerError, "")
	c := testClient(srv.URL)
	c.retryConfig.InitialDelay = time.Millisecond

	_, err := c.ExtractFacts(context.Background(), "AB-100", "user: E42 again")
	assert.ErrorIs(t, err, ErrGenerationUnavailable)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestParseFacts(t *testing.T) {
	facts, err := ParseFacts(`Here you go: {"facts": [
		{"fact_type": "Error_Code", "fact_key": " E42 ", "fact_value": "pressure sensor"},
		{"fact_type": "error_code", "fact_key": "", "fact_value": "dropped"}
	]}`)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "error_code", facts[0].FactType)
	assert.Equal(t, "E42", facts[0].FactKey)

	facts, err = ParseFacts(`[{"fact_type": "location", "fact_key": "filter", "fact_value": "under the left panel"}]`)
	require.NoError(t, err)
	assert.Len(t, facts, 1)

	_, err = ParseFacts("no json here")
	assert.ErrorIs(t, err, ErrGenerationUnavailable)
}

func TestParsePhrasedStepRejectsEmptyInstruction(t *testing.T) {
	_, err := ParsePhrasedStep(`{"instruction": "   "}`)
	assert.True(t, IsUnavailable(err))
}
