package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abparts/troubleshoot/internal/escalation"
	"github.com/abparts/troubleshoot/internal/intent"
	"github.com/abparts/troubleshoot/internal/kg/neo4j"
	"github.com/abparts/troubleshoot/internal/learning"
	"github.com/abparts/troubleshoot/internal/metrics"
	"github.com/abparts/troubleshoot/internal/stepgen"
	"github.com/abparts/troubleshoot/internal/storage/models"
	"github.com/abparts/troubleshoot/internal/storage/sqlite"
	"github.com/abparts/troubleshoot/internal/workflow"
)

type fakeRelated struct {
	facts []neo4j.GraphFact
	err   error
}

func (f *fakeRelated) RelatedFacts(context.Context, string, float64) ([]neo4j.GraphFact, error) {
	return f.facts, f.err
}

type testServer struct {
	app *fiber.App
	db  *sqlite.Client
}

func newTestServer(t *testing.T, related RelatedFactFinder) *testServer {
	t.Helper()

	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "api.db"), sqlite.Options{})
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())

	detector := intent.NewDetector()
	learner := learning.NewEngine(db, learning.Options{})
	generator := stepgen.NewGenerator(db, db, nil, stepgen.Options{})
	engine := workflow.NewEngine(db, detector, generator,
		escalation.NewService(db, nil, detector, time.Second), learner,
		workflow.Config{MaxSteps: 8, MaxPriorUserMessages: 1})

	app := fiber.New()
	api := app.Group("/api/v1/diagnostics")
	NewDiagnosticsHandler(engine).Register(api)
	NewCatalogHandler(db, db, related, stepgen.DefaultPolicy()).Register(api)

	t.Cleanup(func() {
		learner.Wait()
		db.Close()
	})
	return &testServer{app: app, db: db}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func startSession(t *testing.T, s *testServer) (string, string) {
	t.Helper()
	status, body := s.do(t, http.MethodPost, "/api/v1/diagnostics/messages", map[string]string{
		"user_id":    "u1",
		"machine_id": "M1",
		"message":    "pump won't start",
		"language":   "en",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "diagnostic_step", body["message_type"])
	step := body["step"].(map[string]interface{})
	assert.Equal(t, float64(1), step["step_number"])
	return body["session_id"].(string), step["id"].(string)
}

// requestSamples returns how many requests were observed for an operation
// and status label.
func requestSamples(t *testing.T, operation, status string) uint64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(metrics.RequestDuration))
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["operation"] == operation && labels["status"] == status {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func TestRequestMetricsLabelFailures(t *testing.T) {
	s := newTestServer(t, nil)
	sessionID, stepID := startSession(t, s)

	okBefore := requestSamples(t, "submit_feedback", "ok")
	staleBefore := requestSamples(t, "submit_feedback", "stale_step")
	invalidBefore := requestSamples(t, "start_or_continue", "invalid_request")

	status, _ := s.do(t, http.MethodPost, "/api/v1/diagnostics/feedback", map[string]string{
		"session_id": sessionID,
		"step_id":    stepID,
		"feedback":   "didnt_work",
	})
	require.Equal(t, http.StatusOK, status)

	status, _ = s.do(t, http.MethodPost, "/api/v1/diagnostics/feedback", map[string]string{
		"session_id": sessionID,
		"step_id":    stepID,
		"feedback":   "didnt_work",
	})
	require.Equal(t, http.StatusConflict, status)

	status, _ = s.do(t, http.MethodPost, "/api/v1/diagnostics/messages", map[string]string{"user_id": "u1"})
	require.Equal(t, http.StatusBadRequest, status)

	assert.Equal(t, okBefore+1, requestSamples(t, "submit_feedback", "ok"))
	assert.Equal(t, staleBefore+1, requestSamples(t, "submit_feedback", "stale_step"))
	assert.Equal(t, invalidBefore+1, requestSamples(t, "start_or_continue", "invalid_request"))
}

func TestMessageAndFeedbackFlow(t *testing.T) {
	s := newTestServer(t, nil)
	sessionID, stepID := startSession(t, s)

	status, body := s.do(t, http.MethodPost, "/api/v1/diagnostics/feedback", map[string]string{
		"session_id": sessionID,
		"step_id":    stepID,
		"feedback":   "didnt_work",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", body["workflow_status"])
	next := body["next_step"].(map[string]interface{})
	assert.Equal(t, float64(2), next["step_number"])

	status, body = s.do(t, http.MethodPost, "/api/v1/diagnostics/feedback", map[string]string{
		"session_id": sessionID,
		"step_id":    stepID,
		"feedback":   "didnt_work",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "stale_step", body["code"])

	status, body = s.do(t, http.MethodPost, "/api/v1/diagnostics/feedback", map[string]string{
		"session_id": sessionID,
		"step_id":    next["id"].(string),
		"feedback":   "worked",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", body["workflow_status"])
	assert.NotEmpty(t, body["completion_message"])

	status, body = s.do(t, http.MethodPost, "/api/v1/diagnostics/feedback", map[string]string{
		"session_id": sessionID,
		"step_id":    next["id"].(string),
		"feedback":   "worked",
	})
	assert.Equal(t, http.StatusGone, status)
	assert.Equal(t, "session_closed", body["code"])

	status, body = s.do(t, http.MethodGet, "/api/v1/diagnostics/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", body["status"])
	assert.Len(t, body["steps"], 2)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)

	status, body := s.do(t, http.MethodGet, "/api/v1/diagnostics/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])

	status, body = s.do(t, http.MethodPost, "/api/v1/diagnostics/feedback", map[string]string{
		"session_id": "s1",
		"step_id":    "x",
		"feedback":   "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", body["code"])

	status, _ = s.do(t, http.MethodPost, "/api/v1/diagnostics/messages", map[string]string{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestClassifyInternalErrorsAreGeneric(t *testing.T) {
	status, body := classify(errors.New("disk I/O error"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Internal server error", body.Message)

	status, _ = classify(&workflow.StaleStepError{SessionID: "s", StepID: "x"})
	assert.Equal(t, http.StatusConflict, status)
}

func TestSessionActions(t *testing.T) {
	s := newTestServer(t, nil)
	sessionID, _ := startSession(t, s)

	status, body := s.do(t, http.MethodPost, "/api/v1/diagnostics/sessions/"+sessionID+"/escalate", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "escalated", body["workflow_status"])
	assert.NotEmpty(t, body["ticket_id"])

	status, _ = s.do(t, http.MethodPost, "/api/v1/diagnostics/sessions/"+sessionID+"/abandon", nil)
	assert.Equal(t, http.StatusGone, status)

	status, body = s.do(t, http.MethodPost, "/api/v1/diagnostics/sessions/"+sessionID+"/rating", map[string]int{"rating": 5})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(5), body["rating"])

	status, _ = s.do(t, http.MethodPost, "/api/v1/diagnostics/sessions/"+sessionID+"/rating", map[string]int{"rating": 0})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSelectMachineThenStart(t *testing.T) {
	s := newTestServer(t, nil)

	status, body := s.do(t, http.MethodPost, "/api/v1/diagnostics/messages", map[string]string{
		"user_id": "u1",
		"message": "hello",
	})
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, body, "session_id")

	status, body = s.do(t, http.MethodPost, "/api/v1/diagnostics/messages", map[string]string{
		"user_id": "u1",
		"message": "my pump is leaking",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "text", body["message_type"])
	sessionID := body["session_id"].(string)

	status, body = s.do(t, http.MethodPost, "/api/v1/diagnostics/sessions/"+sessionID+"/machine", map[string]string{
		"machine_id": "M1",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "M1", body["machine_model"])

	status, body = s.do(t, http.MethodPost, "/api/v1/diagnostics/messages", map[string]string{
		"session_id": sessionID,
		"message":    "the pump is leaking oil",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "diagnostic_step", body["message_type"])
}

func TestSolutionCatalogue(t *testing.T) {
	s := newTestServer(t, nil)

	status, body := s.do(t, http.MethodPost, "/api/v1/diagnostics/solutions", map[string]string{
		"problem_category":     "Hydraulics",
		"solution_description": "Replace the pump fuse",
		"machine_model":        "AB-100",
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "hydraulics", body["problem_category"])
	assert.Equal(t, 0.5, body["score"])

	status, _ = s.do(t, http.MethodPost, "/api/v1/diagnostics/solutions", map[string]string{"problem_category": "hydraulics"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = s.do(t, http.MethodGet, "/api/v1/diagnostics/solutions?category=hydraulics&machine_model=AB-100", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["solutions"], 1)

	status, body = s.do(t, http.MethodGet, "/api/v1/diagnostics/solutions?category=hydraulics&machine_model=OTHER", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["solutions"], 0)
}

func TestMachineFacts(t *testing.T) {
	related := &fakeRelated{facts: []neo4j.GraphFact{
		{MachineModel: "AB-200", FactType: "error_code", FactKey: "E-42", FactValue: "hydraulics", Confidence: 0.9},
	}}
	s := newTestServer(t, related)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		return tx.PutFact(ctx, &models.MachineFact{
			MachineModel:    "AB-100",
			FactType:        "error_code",
			FactKey:         "E-42",
			FactValue:       "hydraulics",
			ConfidenceScore: 0.5,
			TimesConfirmed:  1,
			SourceSessions:  []string{"s1"},
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}))

	status, body := s.do(t, http.MethodGet, "/api/v1/diagnostics/machines/AB-100/facts", nil)
	require.Equal(t, http.StatusOK, status)
	facts := body["facts"].([]interface{})
	require.Len(t, facts, 1)
	assert.Equal(t, "E-42", facts[0].(map[string]interface{})["fact_key"])
	assert.Len(t, body["related"], 1)
}
