package learning

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abparts/troubleshoot/internal/storage/models"
	"github.com/abparts/troubleshoot/internal/storage/sqlite"
	"github.com/abparts/troubleshoot/internal/vector/zilliz"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *sqlite.Client {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "learning.db"), sqlite.Options{})
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })
	return db
}

type stepPlan struct {
	solution string
	feedback models.Feedback
	isNew    bool
}

// runSession replays a finished session: one step per plan entry, each
// closed with its feedback, then the terminal status 30 minutes after start.
func runSession(t *testing.T, db *sqlite.Client, status models.SessionStatus, userText string, plan ...stepPlan) *models.Session {
	t.Helper()
	ctx := context.Background()

	s := &models.Session{
		ID:                 uuid.NewString(),
		UserID:             "u1",
		MachineID:          "M1",
		MachineModel:       "AB-100",
		Status:             models.SessionActive,
		Language:           "en",
		ProblemCategory:    "hydraulics",
		ProblemDescription: userText,
		CreatedAt:          t0,
		UpdatedAt:          t0,
	}
	require.NoError(t, db.CreateSession(ctx, s, &models.Message{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		Sender:    models.SenderUser,
		Content:   userText,
		Type:      models.MessageText,
		Language:  "en",
		CreatedAt: t0,
	}))

	var prev *models.DiagnosticStep
	for i, p := range plan {
		at := t0.Add(time.Duration(i+1) * time.Minute)
		step := &models.DiagnosticStep{
			ID:                  uuid.NewString(),
			SessionID:           s.ID,
			StepNumber:          i + 1,
			Instruction:         p.solution,
			ConfidenceScore:     0.5,
			RequiresFeedback:    true,
			ProblemCategory:     "hydraulics",
			SolutionDescription: p.solution,
			NewSolution:         p.isNew,
			CreatedAt:           at,
		}
		tr := &sqlite.Transition{SessionID: s.ID, At: at, NewStep: step}
		if prev != nil {
			tr.CloseStep = &sqlite.StepCompletion{StepID: prev.ID, Feedback: plan[i-1].feedback}
		}
		require.NoError(t, db.ApplyTransition(ctx, tr))
		prev = step
	}

	final := &sqlite.Transition{SessionID: s.ID, At: t0.Add(30 * time.Minute), Status: status}
	if prev != nil && plan[len(plan)-1].feedback != "" {
		final.CloseStep = &sqlite.StepCompletion{StepID: prev.ID, Feedback: plan[len(plan)-1].feedback}
	}
	require.NoError(t, db.ApplyTransition(ctx, final))

	got, err := db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	return got
}

func solutionRow(t *testing.T, db *sqlite.Client, description string) *models.SolutionEffectiveness {
	t.Helper()
	var row *models.SolutionEffectiveness
	err := db.WithTx(context.Background(), func(tx *sqlite.Tx) error {
		var err error
		row, err = tx.GetEffectiveness(context.Background(), "hydraulics", description, "AB-100")
		return err
	})
	require.NoError(t, err)
	return row
}

type fakeExtractor struct {
	facts []models.FactObservation
	err   error
}

func (f *fakeExtractor) ExtractFacts(context.Context, string, string) ([]models.FactObservation, error) {
	return f.facts, f.err
}

type recordingSinks struct {
	mu          sync.Mutex
	mirrored    []string
	indexed     []zilliz.Resolution
	invalidated []string
}

func (r *recordingSinks) MirrorOutcome(_ context.Context, sessionID, _ string, _ []models.MachineFact, _ []models.SolutionEffectiveness) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirrored = append(r.mirrored, sessionID)
	return errors.New("graph offline")
}

func (r *recordingSinks) IndexResolution(_ context.Context, res zilliz.Resolution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = append(r.indexed, res)
	return nil
}

func (r *recordingSinks) Invalidate(machineModels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, machineModels...)
}

func TestResolvedSessionRecordsOutcomeAndSuccess(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, Options{})
	ctx := context.Background()

	s := runSession(t, db, models.SessionCompleted, "pump won't start",
		stepPlan{solution: "check filter", feedback: models.FeedbackWorked},
	)

	outcome, err := engine.OnSessionTerminal(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeResolved, outcome.OutcomeType)
	assert.Equal(t, 1, outcome.StepsTaken)
	assert.InDelta(t, 30, outcome.ResolutionTimeMinutes, 1e-9)
	assert.Equal(t, SourceFallback, outcome.ExtractedLearnings.Source)
	require.Len(t, outcome.ExtractedLearnings.Solutions, 1)

	row := solutionRow(t, db, "check filter")
	assert.Equal(t, 1, row.SuccessCount)
	assert.Equal(t, 0, row.FailureCount)
	assert.InDelta(t, 30, row.AvgResolutionTimeMinutes, 1e-9)
	require.NotNil(t, row.LastUsedAt)

	again, err := engine.OnSessionTerminal(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, outcome.OutcomeType, again.OutcomeType)
	assert.Equal(t, 1, solutionRow(t, db, "check filter").SuccessCount)
}

func TestFailedStepsAreNotCountedAgainAtTerminal(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, Options{})

	s := runSession(t, db, models.SessionEscalated, "hydraulic leak",
		stepPlan{solution: "check filter", feedback: models.FeedbackDidntWork},
		stepPlan{solution: "bleed lines", feedback: models.FeedbackPartiallyWorked},
		stepPlan{solution: "bleed lines", feedback: models.FeedbackDidntWork},
	)

	// Rejections are counted as each step closes.
	assert.Equal(t, 1, solutionRow(t, db, "check filter").FailureCount)
	assert.Equal(t, 1, solutionRow(t, db, "bleed lines").FailureCount)

	outcome, err := engine.OnSessionTerminal(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeEscalated, outcome.OutcomeType)
	assert.Equal(t, 3, outcome.StepsTaken)

	assert.Equal(t, 1, solutionRow(t, db, "check filter").FailureCount)
	bleed := solutionRow(t, db, "bleed lines")
	assert.Equal(t, 1, bleed.FailureCount)
	assert.Equal(t, 0, bleed.SuccessCount)
}

func TestNewSolutionTrackedEvenWithoutVerdict(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, Options{})

	s := runSession(t, db, models.SessionAbandoned, "strange leak",
		stepPlan{solution: "inspect hoses", isNew: true},
	)

	_, err := engine.OnSessionTerminal(context.Background(), s.ID)
	require.NoError(t, err)

	row := solutionRow(t, db, "inspect hoses")
	assert.Equal(t, 0, row.SuccessCount)
	assert.Equal(t, 0, row.FailureCount)
}

func TestFallbackFactsConfirmAndContradict(t *testing.T) {
	db := newTestDB(t)
	sinks := &recordingSinks{}
	engine := NewEngine(db, Options{Graph: sinks, Index: sinks, Cache: sinks})
	ctx := context.Background()

	first := runSession(t, db, models.SessionCompleted, "AB-100 shows E42 and won't lift",
		stepPlan{solution: "check filter", feedback: models.FeedbackWorked},
	)
	_, err := engine.OnSessionTerminal(ctx, first.ID)
	require.NoError(t, err)

	facts, err := db.ListFacts(ctx, "AB-100")
	require.NoError(t, err)
	require.Len(t, facts, 2)
	for _, f := range facts {
		assert.Equal(t, "E42", f.FactKey)
		assert.Equal(t, NewFactConfidence, f.ConfidenceScore)
	}

	second := runSession(t, db, models.SessionCompleted, "E42 again",
		stepPlan{solution: "bleed lines", feedback: models.FeedbackWorked},
	)
	_, err = engine.OnSessionTerminal(ctx, second.ID)
	require.NoError(t, err)

	facts, err = db.ListFacts(ctx, "AB-100")
	require.NoError(t, err)
	byType := map[string]models.MachineFact{}
	for _, f := range facts {
		byType[f.FactType] = f
	}
	assert.InDelta(t, 0.6, byType["error_code"].ConfidenceScore, 1e-9)
	assert.Equal(t, 2, byType["error_code"].TimesConfirmed)
	assert.InDelta(t, 0.3, byType["fix"].ConfidenceScore, 1e-9)
	assert.Equal(t, 1, byType["fix"].TimesContradicted)
	assert.Equal(t, "check filter", byType["fix"].FactValue)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, byType["fix"].SourceSessions)

	assert.Equal(t, []string{first.ID, second.ID}, sinks.mirrored)
	require.Len(t, sinks.indexed, 2)
	assert.Equal(t, "check filter", sinks.indexed[0].Solution)
	assert.Equal(t, []string{"AB-100", "AB-100"}, sinks.invalidated)
}

func TestExtractorFactsAndFallbackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	engine := NewEngine(db, Options{Extractor: &fakeExtractor{facts: []models.FactObservation{
		{FactType: "location", FactKey: "filter", FactValue: "under left panel"},
		{FactType: "location", FactKey: "filter", FactValue: "duplicate ignored"},
	}}})
	s := runSession(t, db, models.SessionCompleted, "leak near filter",
		stepPlan{solution: "check filter", feedback: models.FeedbackWorked},
	)
	outcome, err := engine.OnSessionTerminal(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, SourceGeneration, outcome.ExtractedLearnings.Source)
	require.Len(t, outcome.ExtractedLearnings.Facts, 1)

	failing := NewEngine(db, Options{Extractor: &fakeExtractor{err: errors.New("generation unavailable")}})
	s2 := runSession(t, db, models.SessionCompleted, "code E7 7",
		stepPlan{solution: "check filter", feedback: models.FeedbackWorked},
	)
	outcome, err = failing.OnSessionTerminal(ctx, s2.ID)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, outcome.ExtractedLearnings.Source)
}

func TestOnSessionTerminalRejectsActiveAndEmptySessions(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, Options{})
	ctx := context.Background()

	active := &models.Session{ID: uuid.NewString(), UserID: "u", Status: models.SessionActive, Language: "en", CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, db.CreateSession(ctx, active))
	_, err := engine.OnSessionTerminal(ctx, active.ID)
	assert.ErrorIs(t, err, ErrSessionNotTerminal)

	empty := runSession(t, db, models.SessionAbandoned, "hello")
	_, err = engine.OnSessionTerminal(ctx, empty.ID)
	assert.ErrorIs(t, err, ErrNoSteps)

	_, err = engine.OnSessionTerminal(ctx, "missing")
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestConcurrentRunsRecordOneOutcome(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, Options{})

	s := runSession(t, db, models.SessionCompleted, "pump won't start",
		stepPlan{solution: "check filter", feedback: models.FeedbackWorked},
	)

	for i := 0; i < 6; i++ {
		engine.Schedule(s.ID)
	}
	engine.Wait()

	assert.Equal(t, 1, solutionRow(t, db, "check filter").SuccessCount)
	_, err := db.GetOutcome(context.Background(), s.ID)
	require.NoError(t, err)
}

func TestRetrierSweepsMissingOutcomes(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, Options{})
	ctx := context.Background()

	a := runSession(t, db, models.SessionCompleted, "leak", stepPlan{solution: "check filter", feedback: models.FeedbackWorked})
	b := runSession(t, db, models.SessionEscalated, "leak", stepPlan{solution: "check filter", feedback: models.FeedbackDidntWork})
	runSession(t, db, models.SessionAbandoned, "no steps")

	retrier := NewRetrier(engine, time.Hour, 10)
	n, err := retrier.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{a.ID, b.ID} {
		_, err := db.GetOutcome(ctx, id)
		require.NoError(t, err)
	}

	n, err = retrier.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	row := solutionRow(t, db, "check filter")
	assert.Equal(t, 1, row.SuccessCount)
	assert.Equal(t, 1, row.FailureCount)
}

func TestRetrierRunStopsOnCancel(t *testing.T) {
	db := newTestDB(t)
	retrier := NewRetrier(NewEngine(db, Options{}), 10*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- retrier.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("retrier did not stop")
	}
}
