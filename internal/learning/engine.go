// Package learning turns finished sessions into outcomes, solution
// effectiveness counts and machine facts.
package learning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/internal/metrics"
	"github.com/abparts/troubleshoot/internal/storage/models"
	"github.com/abparts/troubleshoot/internal/storage/sqlite"
	"github.com/abparts/troubleshoot/internal/vector/zilliz"
	"github.com/abparts/troubleshoot/pkg/logger"
	"github.com/abparts/troubleshoot/pkg/utils"
)

var (
	ErrSessionNotTerminal = errors.New("session is not terminal")
	// ErrNoSteps is returned for terminal sessions that never ran a step.
	// They produce no outcome.
	ErrNoSteps = errors.New("session has no diagnostic steps")
)

const (
	SourceGeneration = "generation"
	SourceFallback   = "fallback"
)

type FactExtractor interface {
	ExtractFacts(ctx context.Context, machineModel, transcript string) ([]models.FactObservation, error)
}

type FactGraph interface {
	MirrorOutcome(ctx context.Context, sessionID, machineModel string, facts []models.MachineFact, solutions []models.SolutionEffectiveness) error
}

type ResolutionIndex interface {
	IndexResolution(ctx context.Context, r zilliz.Resolution) error
}

type FactCache interface {
	Invalidate(machineModels ...string)
}

type Options struct {
	Extractor FactExtractor
	Graph     FactGraph
	Index     ResolutionIndex
	Cache     FactCache
	Timeout   time.Duration
	Now       func() time.Time
}

type Engine struct {
	db        *sqlite.Client
	extractor FactExtractor
	graph     FactGraph
	index     ResolutionIndex
	cache     FactCache
	timeout   time.Duration
	now       func() time.Time

	wg sync.WaitGroup
}

func NewEngine(db *sqlite.Client, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		db:        db,
		extractor: opts.Extractor,
		graph:     opts.Graph,
		index:     opts.Index,
		cache:     opts.Cache,
		timeout:   opts.Timeout,
		now:       opts.Now,
	}
}

// Schedule runs OnSessionTerminal in the background. Failures are left for
// the retrier.
func (e *Engine) Schedule(sessionID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		if _, err := e.OnSessionTerminal(ctx, sessionID); err != nil && !errors.Is(err, ErrNoSteps) {
			logger.Error("Learning failed, will retry",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every scheduled run has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// OnSessionTerminal records what a terminal session taught us. It runs at
// most once per session; later calls return the stored outcome.
func (e *Engine) OnSessionTerminal(ctx context.Context, sessionID string) (*models.SessionOutcome, error) {
	start := time.Now()

	session, err := e.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	outcomeType, ok := models.OutcomeFor(session.Status)
	if !ok {
		return nil, ErrSessionNotTerminal
	}

	if existing, err := e.db.GetOutcome(ctx, sessionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, sqlite.ErrNotFound) {
		return nil, err
	}

	steps, err := e.db.ListSteps(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}

	messages, err := e.db.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	observations, source := e.extractFacts(ctx, session, steps, messages)

	resolutionMinutes := session.UpdatedAt.Sub(session.CreatedAt).Minutes()
	if resolutionMinutes < 0 {
		resolutionMinutes = 0
	}

	outcome := &models.SessionOutcome{
		SessionID:             session.ID,
		OutcomeType:           outcomeType,
		ResolutionTimeMinutes: resolutionMinutes,
		StepsTaken:            len(steps),
		SatisfactionRating:    session.SatisfactionRating,
		ExtractedLearnings: models.Learnings{
			Facts:     observations,
			Solutions: observedSolutions(steps),
			Source:    source,
		},
		CreatedAt: e.now().UTC(),
	}

	var (
		inserted  bool
		facts     []models.MachineFact
		solutions []models.SolutionEffectiveness
	)

	err = e.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		facts, solutions = nil, nil

		var err error
		inserted, err = tx.InsertOutcome(ctx, outcome)
		if err != nil || !inserted {
			return err
		}

		solutions, err = applySteps(ctx, tx, session, steps, resolutionMinutes)
		if err != nil {
			return err
		}

		facts, err = applyFacts(ctx, tx, session, observations, outcome.CreatedAt)
		return err
	})
	if err != nil {
		metrics.LearningRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to record outcome: %w", err)
	}

	if !inserted {
		return e.db.GetOutcome(ctx, sessionID)
	}

	metrics.LearningRuns.WithLabelValues("success").Inc()
	metrics.LearningDuration.Observe(time.Since(start).Seconds())

	logger.Info("Session outcome recorded",
		zap.String("session_id", sessionID),
		zap.String("outcome", string(outcomeType)),
		zap.Int("steps", len(steps)),
		zap.Int("facts", len(facts)),
		zap.String("source", source),
	)

	e.afterCommit(ctx, session, steps, facts, solutions)
	return outcome, nil
}

func (e *Engine) afterCommit(ctx context.Context, session *models.Session, steps []models.DiagnosticStep, facts []models.MachineFact, solutions []models.SolutionEffectiveness) {
	if e.cache != nil && len(facts) > 0 {
		e.cache.Invalidate(session.MachineModel)
	}

	if e.graph != nil {
		if err := e.graph.MirrorOutcome(ctx, session.ID, session.MachineModel, facts, solutions); err != nil {
			logger.Warn("Failed to mirror outcome to fact graph", zap.String("session_id", session.ID), zap.Error(err))
		}
	}

	if e.index != nil && session.Status == models.SessionCompleted {
		if solved := workedSolution(steps); solved != "" {
			err := e.index.IndexResolution(ctx, zilliz.Resolution{
				SessionID:    session.ID,
				MachineModel: session.MachineModel,
				Category:     session.ProblemCategory,
				Problem:      session.ProblemDescription,
				Solution:     solved,
				ResolvedAt:   session.UpdatedAt,
			})
			if err != nil {
				logger.Warn("Failed to index resolution", zap.String("session_id", session.ID), zap.Error(err))
			}
		}
	}
}

func (e *Engine) extractFacts(ctx context.Context, session *models.Session, steps []models.DiagnosticStep, messages []models.Message) ([]models.FactObservation, string) {
	if e.extractor != nil && session.MachineModel != "" {
		facts, err := e.extractor.ExtractFacts(ctx, session.MachineModel, transcript(messages))
		if err == nil {
			return dedupeObservations(facts), SourceGeneration
		}
		metrics.GenerationFallbacks.WithLabelValues("extract_facts").Inc()
		logger.Warn("Fact extraction unavailable, using error code scan",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}
	return fallbackFacts(session, steps, messages), SourceFallback
}

// fallbackFacts links error codes the user reported to the problem category
// and, for resolved sessions, to the fix that worked.
func fallbackFacts(session *models.Session, steps []models.DiagnosticStep, messages []models.Message) []models.FactObservation {
	var text strings.Builder
	for _, m := range messages {
		if m.Sender == models.SenderUser {
			text.WriteString(m.Content)
			text.WriteString("\n")
		}
	}

	codes := ExtractErrorCodes(text.String(), session.MachineID, session.MachineModel)
	solved := ""
	if session.Status == models.SessionCompleted {
		solved = workedSolution(steps)
	}

	var out []models.FactObservation
	for _, code := range codes {
		if session.ProblemCategory != "" {
			out = append(out, models.FactObservation{FactType: "error_code", FactKey: code, FactValue: session.ProblemCategory})
		}
		if solved != "" {
			out = append(out, models.FactObservation{FactType: "fix", FactKey: code, FactValue: solved})
		}
	}
	return out
}

// applySteps credits worked steps and collects every solution the session
// tried. Failures were already counted when each step was closed.
func applySteps(ctx context.Context, tx *sqlite.Tx, session *models.Session, steps []models.DiagnosticStep, minutes float64) ([]models.SolutionEffectiveness, error) {
	touched := map[int64]int{}
	var out []models.SolutionEffectiveness

	for _, step := range steps {
		tried := step.Feedback == models.FeedbackWorked || step.Feedback == models.FeedbackDidntWork
		if !tried && !step.NewSolution {
			continue
		}

		row, err := tx.GetEffectiveness(ctx, step.ProblemCategory, step.SolutionDescription, session.MachineModel)
		if errors.Is(err, sqlite.ErrNotFound) {
			row = &models.SolutionEffectiveness{
				ProblemCategory:     step.ProblemCategory,
				SolutionDescription: step.SolutionDescription,
				MachineModel:        session.MachineModel,
				CreatedAt:           session.UpdatedAt,
			}
		} else if err != nil {
			return nil, err
		}

		if step.Feedback == models.FeedbackWorked {
			usedAt := session.UpdatedAt
			if step.CompletedAt != nil {
				usedAt = *step.CompletedAt
			}
			RecordSuccess(row, minutes, usedAt)
		}

		if step.Feedback == models.FeedbackWorked || row.ID == 0 {
			if err := tx.PutEffectiveness(ctx, row); err != nil {
				return nil, err
			}
		}

		if i, ok := touched[row.ID]; ok {
			out[i] = *row
		} else {
			touched[row.ID] = len(out)
			out = append(out, *row)
		}
	}
	return out, nil
}

func applyFacts(ctx context.Context, tx *sqlite.Tx, session *models.Session, observations []models.FactObservation, at time.Time) ([]models.MachineFact, error) {
	if session.MachineModel == "" {
		return nil, nil
	}

	out := make([]models.MachineFact, 0, len(observations))
	for _, obs := range observations {
		existing, err := tx.GetFact(ctx, session.MachineModel, obs.FactType, obs.FactKey)
		if errors.Is(err, sqlite.ErrNotFound) {
			existing = nil
		} else if err != nil {
			return nil, err
		}

		merged := MergeFact(existing, session.MachineModel, obs, session.ID, at)
		if err := tx.PutFact(ctx, merged); err != nil {
			return nil, err
		}
		out = append(out, *merged)
	}
	return out, nil
}

func observedSolutions(steps []models.DiagnosticStep) []models.SolutionObserved {
	out := make([]models.SolutionObserved, 0, len(steps))
	for _, s := range steps {
		out = append(out, models.SolutionObserved{
			Description: s.SolutionDescription,
			Category:    s.ProblemCategory,
			StepNumber:  s.StepNumber,
			Feedback:    s.Feedback,
		})
	}
	return out
}

func workedSolution(steps []models.DiagnosticStep) string {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Feedback == models.FeedbackWorked {
			return steps[i].SolutionDescription
		}
	}
	return ""
}

func dedupeObservations(facts []models.FactObservation) []models.FactObservation {
	seen := map[string]struct{}{}
	out := make([]models.FactObservation, 0, len(facts))
	for _, f := range facts {
		key := utils.HashKey(f.FactType, f.FactKey)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}
	return out
}

func transcript(messages []models.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Sender == models.SenderSystem {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Content)
	}
	return b.String()
}
