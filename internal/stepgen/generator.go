// Package stepgen picks the next solution to try for a session and turns it
// into a diagnostic step.
package stepgen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/internal/llm"
	"github.com/abparts/troubleshoot/internal/metrics"
	"github.com/abparts/troubleshoot/internal/storage/models"
	"github.com/abparts/troubleshoot/pkg/logger"
)

// ErrNoCandidateSolution means every candidate was already tried.
var ErrNoCandidateSolution = errors.New("no candidate solution left")

// FallbackConfidence is used for solutions without history.
const FallbackConfidence = 0.5

const (
	SourceHistory   = "history"
	SourceSimilar   = "similar"
	SourceChecklist = "checklist"
)

type Store interface {
	ListCandidates(ctx context.Context, category, machineModel string) ([]models.SolutionEffectiveness, error)
}

type FactSource interface {
	ListFacts(ctx context.Context, machineModel string) ([]models.MachineFact, error)
}

type Phraser interface {
	PhraseStep(ctx context.Context, req llm.StepRequest) (*llm.PhrasedStep, error)
}

// SimilarFinder returns solution descriptions that resolved similar
// sessions, best match first.
type SimilarFinder interface {
	SimilarSolutions(ctx context.Context, category, machineModel, problem string) ([]string, error)
}

type Options struct {
	Policy  Policy
	Timeout time.Duration
	Similar SimilarFinder
	Now     func() time.Time
}

type Generator struct {
	store   Store
	facts   FactSource
	phraser Phraser
	similar SimilarFinder
	policy  Policy
	timeout time.Duration
	now     func() time.Time
}

func NewGenerator(store Store, facts FactSource, phraser Phraser, opts Options) *Generator {
	if opts.Policy.HalfLife <= 0 {
		opts.Policy = DefaultPolicy()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Generator{
		store:   store,
		facts:   facts,
		phraser: phraser,
		similar: opts.Similar,
		policy:  opts.Policy,
		timeout: opts.Timeout,
		now:     opts.Now,
	}
}

type selection struct {
	description string
	score       float64
	isNew       bool
	source      string
}

// GenerateStep builds step stepNumber for session from the best solution
// not listed in excluded.
func (g *Generator) GenerateStep(ctx context.Context, session *models.Session, stepNumber int, excluded []string) (*models.DiagnosticStep, error) {
	sel, err := g.selectSolution(ctx, session, excluded)
	if err != nil {
		return nil, err
	}

	step := &models.DiagnosticStep{
		ID:                  uuid.NewString(),
		SessionID:           session.ID,
		StepNumber:          stepNumber,
		ConfidenceScore:     sel.score,
		RequiresFeedback:    true,
		ProblemCategory:     session.ProblemCategory,
		SolutionDescription: sel.description,
		NewSolution:         sel.isNew,
		CreatedAt:           g.now().UTC(),
	}
	g.phrase(ctx, session, step, "")

	metrics.StepsGenerated.WithLabelValues(sel.source).Inc()
	metrics.StepConfidence.Observe(step.ConfidenceScore)

	logger.Info("Diagnostic step generated",
		zap.String("session_id", session.ID),
		zap.Int("step_number", stepNumber),
		zap.String("source", sel.source),
		zap.Float64("confidence", step.ConfidenceScore),
	)
	return step, nil
}

// RefineStep follows a partially working step with a deeper step on the
// same solution and the same score.
func (g *Generator) RefineStep(ctx context.Context, session *models.Session, previous *models.DiagnosticStep, stepNumber int) *models.DiagnosticStep {
	step := &models.DiagnosticStep{
		ID:                  uuid.NewString(),
		SessionID:           session.ID,
		StepNumber:          stepNumber,
		ConfidenceScore:     previous.ConfidenceScore,
		RequiresFeedback:    true,
		ProblemCategory:     previous.ProblemCategory,
		SolutionDescription: previous.SolutionDescription,
		NewSolution:         previous.NewSolution,
		CreatedAt:           g.now().UTC(),
	}
	g.phrase(ctx, session, step, previous.Instruction)
	metrics.StepsGenerated.WithLabelValues("refinement").Inc()
	return step
}

// RegenerateStep rephrases the open step after the user added context. The
// step keeps its id, number, solution and score.
func (g *Generator) RegenerateStep(ctx context.Context, session *models.Session, open *models.DiagnosticStep) *models.DiagnosticStep {
	step := *open
	step.SafetyWarnings = nil
	step.ExpectedOutcomes = nil
	g.phrase(ctx, session, &step, "")
	metrics.StepsGenerated.WithLabelValues("regenerated").Inc()
	return &step
}

// Candidates returns the ranked history for a category and model.
func (g *Generator) Candidates(ctx context.Context, category, machineModel string) ([]Candidate, error) {
	rows, err := g.store.ListCandidates(ctx, category, machineModel)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}
	return Rank(rows, g.now(), g.policy), nil
}

func (g *Generator) selectSolution(ctx context.Context, session *models.Session, excluded []string) (*selection, error) {
	ranked, err := g.Candidates(ctx, session.ProblemCategory, session.MachineModel)
	if err != nil {
		return nil, err
	}
	skip := exclusionSet(excluded)

	if len(ranked) > 0 {
		for _, c := range ranked {
			if _, ok := skip[SolutionKey(c.Solution.SolutionDescription)]; ok {
				continue
			}
			return &selection{
				description: c.Solution.SolutionDescription,
				score:       c.Score,
				source:      SourceHistory,
			}, nil
		}
		return nil, ErrNoCandidateSolution
	}

	for _, d := range g.similarSolutions(ctx, session) {
		if _, ok := skip[SolutionKey(d)]; ok {
			continue
		}
		return &selection{description: d, score: FallbackConfidence, isNew: true, source: SourceSimilar}, nil
	}

	for _, d := range checklistFor(session.ProblemCategory) {
		if _, ok := skip[SolutionKey(d)]; ok {
			continue
		}
		return &selection{description: d, score: FallbackConfidence, isNew: true, source: SourceChecklist}, nil
	}

	return nil, ErrNoCandidateSolution
}

func (g *Generator) similarSolutions(ctx context.Context, session *models.Session) []string {
	if g.similar == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	found, err := g.similar.SimilarSolutions(ctx, session.ProblemCategory, session.MachineModel, session.ProblemDescription)
	if err != nil {
		logger.Warn("Resolution index lookup failed",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
		return nil
	}
	return found
}

// phrase fills the step text from the generation capability, or from
// templates when it is unavailable.
func (g *Generator) phrase(ctx context.Context, session *models.Session, step *models.DiagnosticStep, previous string) {
	var facts []models.MachineFact
	if g.facts != nil && session.MachineModel != "" {
		f, err := g.facts.ListFacts(ctx, session.MachineModel)
		if err != nil {
			logger.Warn("Failed to load machine facts", zap.String("machine_model", session.MachineModel), zap.Error(err))
		}
		facts = f
	}

	var phrased *llm.PhrasedStep
	if g.phraser != nil {
		pctx, cancel := context.WithTimeout(ctx, g.timeout)
		p, err := g.phraser.PhraseStep(pctx, llm.StepRequest{
			Language:            session.Language,
			MachineModel:        session.MachineModel,
			ProblemCategory:     step.ProblemCategory,
			ProblemDescription:  session.ProblemDescription,
			SolutionDescription: step.SolutionDescription,
			StepNumber:          step.StepNumber,
			Facts:               facts,
			PreviousInstruction: previous,
		})
		cancel()
		if err != nil {
			logger.Warn("Step phrasing unavailable, using template",
				zap.String("session_id", session.ID),
				zap.Error(err),
			)
		} else {
			phrased = p
		}
	}

	if phrased == nil {
		metrics.GenerationFallbacks.WithLabelValues("phrase_step").Inc()
		phrased = templateStep(step, previous, facts)
	}

	step.Instruction = phrased.Instruction
	step.EstimatedDurationMinutes = phrased.EstimatedDurationMinutes
	step.SafetyWarnings = phrased.SafetyWarnings
	step.ExpectedOutcomes = phrased.ExpectedOutcomes
}

func templateStep(step *models.DiagnosticStep, previous string, facts []models.MachineFact) *llm.PhrasedStep {
	desc := strings.TrimSuffix(strings.TrimSpace(step.SolutionDescription), ".")

	var b strings.Builder
	if previous != "" {
		fmt.Fprintf(&b, "That helped partly. Let's go further with the same fix: %s. ", desc)
		b.WriteString("Work through it more thoroughly this time and note anything that changed.")
	} else {
		fmt.Fprintf(&b, "%s.", desc)
	}
	for _, f := range facts {
		if f.FactType == "error_code" && f.ConfidenceScore >= 0.7 {
			fmt.Fprintf(&b, " Note: on this model %s means %s.", f.FactKey, f.FactValue)
			break
		}
	}
	b.WriteString(" Then tell me whether it worked, partially worked or didn't work.")

	warnings := []string{}
	if hazardousCategories[strings.ToLower(step.ProblemCategory)] {
		warnings = append(warnings, "Switch the machine off and secure it against restart before touching any components.")
	}

	return &llm.PhrasedStep{
		Instruction:              b.String(),
		EstimatedDurationMinutes: 10,
		SafetyWarnings:           warnings,
		ExpectedOutcomes:         []string{"The problem no longer occurs"},
	}
}
