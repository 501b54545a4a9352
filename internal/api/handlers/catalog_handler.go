package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/internal/kg/neo4j"
	"github.com/abparts/troubleshoot/internal/stepgen"
	"github.com/abparts/troubleshoot/internal/storage/models"
	"github.com/abparts/troubleshoot/pkg/logger"
)

type SolutionStore interface {
	ListSolutions(ctx context.Context, category string) ([]models.SolutionEffectiveness, error)
	RegisterSolution(ctx context.Context, category, description, machineModel string, at time.Time) (*models.SolutionEffectiveness, error)
}

type FactLister interface {
	ListFacts(ctx context.Context, machineModel string) ([]models.MachineFact, error)
}

// RelatedFactFinder looks up facts of other models through the fact graph.
type RelatedFactFinder interface {
	RelatedFacts(ctx context.Context, machineModel string, minConfidence float64) ([]neo4j.GraphFact, error)
}

// CatalogHandler serves the solution catalogue and the learned machine facts.
type CatalogHandler struct {
	solutions SolutionStore
	facts     FactLister
	related   RelatedFactFinder
	policy    stepgen.Policy
}

func NewCatalogHandler(solutions SolutionStore, facts FactLister, related RelatedFactFinder, policy stepgen.Policy) *CatalogHandler {
	return &CatalogHandler{
		solutions: solutions,
		facts:     facts,
		related:   related,
		policy:    policy,
	}
}

type solutionView struct {
	ID                       int64      `json:"id"`
	ProblemCategory          string     `json:"problem_category"`
	SolutionDescription      string     `json:"solution_description"`
	MachineModel             string     `json:"machine_model"`
	SuccessCount             int        `json:"success_count"`
	FailureCount             int        `json:"failure_count"`
	AvgResolutionTimeMinutes float64    `json:"avg_resolution_time_minutes"`
	LastUsedAt               *time.Time `json:"last_used_at,omitempty"`
	Score                    float64    `json:"score"`
}

type factView struct {
	MachineModel      string  `json:"machine_model"`
	FactType          string  `json:"fact_type"`
	FactKey           string  `json:"fact_key"`
	FactValue         string  `json:"fact_value"`
	ConfidenceScore   float64 `json:"confidence_score"`
	TimesConfirmed    int     `json:"times_confirmed,omitempty"`
	TimesContradicted int     `json:"times_contradicted,omitempty"`
}

// ListSolutions returns the catalogue with live scores, best first. With a
// machine_model the list is restricted to what that model would be offered.
func (h *CatalogHandler) ListSolutions(c *fiber.Ctx) error {
	category := strings.TrimSpace(c.Query("category"))
	machineModel := strings.TrimSpace(c.Query("machine_model"))

	rows, err := h.solutions.ListSolutions(c.Context(), category)
	if err != nil {
		return respondError(c, "list_solutions", err)
	}

	if machineModel != "" {
		filtered := rows[:0]
		for _, r := range rows {
			if r.MachineModel == machineModel || r.MachineModel == "" {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}

	ranked := stepgen.Rank(rows, time.Now(), h.policy)
	out := make([]solutionView, 0, len(ranked))
	for _, cand := range ranked {
		s := cand.Solution
		out = append(out, solutionView{
			ID:                       s.ID,
			ProblemCategory:          s.ProblemCategory,
			SolutionDescription:      s.SolutionDescription,
			MachineModel:             s.MachineModel,
			SuccessCount:             s.SuccessCount,
			FailureCount:             s.FailureCount,
			AvgResolutionTimeMinutes: s.AvgResolutionTimeMinutes,
			LastUsedAt:               s.LastUsedAt,
			Score:                    cand.Score,
		})
	}

	return c.JSON(fiber.Map{
		"solutions": out,
	})
}

func (h *CatalogHandler) RegisterSolution(c *fiber.Ctx) error {
	var req struct {
		ProblemCategory     string `json:"problem_category"`
		SolutionDescription string `json:"solution_description"`
		MachineModel        string `json:"machine_model"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	category := strings.ToLower(strings.TrimSpace(req.ProblemCategory))
	description := strings.TrimSpace(req.SolutionDescription)
	if category == "" || description == "" {
		return badRequest(c, "problem_category and solution_description are required")
	}

	row, err := h.solutions.RegisterSolution(c.Context(), category, description, strings.TrimSpace(req.MachineModel), time.Now().UTC())
	if err != nil {
		return respondError(c, "register_solution", err)
	}

	logger.Info("Solution registered",
		zap.Int64("id", row.ID),
		zap.String("category", row.ProblemCategory),
		zap.String("machine_model", row.MachineModel),
	)

	return c.Status(fiber.StatusCreated).JSON(solutionView{
		ID:                       row.ID,
		ProblemCategory:          row.ProblemCategory,
		SolutionDescription:      row.SolutionDescription,
		MachineModel:             row.MachineModel,
		SuccessCount:             row.SuccessCount,
		FailureCount:             row.FailureCount,
		AvgResolutionTimeMinutes: row.AvgResolutionTimeMinutes,
		LastUsedAt:               row.LastUsedAt,
		Score:                    stepgen.Score(*row, time.Now(), h.policy),
	})
}

// ListFacts returns what has been learned about a machine model. When the
// fact graph is configured, facts shared with other models are included.
func (h *CatalogHandler) ListFacts(c *fiber.Ctx) error {
	machineModel := c.Params("model")

	facts, err := h.facts.ListFacts(c.Context(), machineModel)
	if err != nil {
		return respondError(c, "list_facts", err)
	}

	out := make([]factView, 0, len(facts))
	for _, f := range facts {
		out = append(out, factView{
			MachineModel:      f.MachineModel,
			FactType:          f.FactType,
			FactKey:           f.FactKey,
			FactValue:         f.FactValue,
			ConfidenceScore:   f.ConfidenceScore,
			TimesConfirmed:    f.TimesConfirmed,
			TimesContradicted: f.TimesContradicted,
		})
	}

	related := []factView{}
	if h.related != nil {
		graphFacts, err := h.related.RelatedFacts(c.Context(), machineModel, 0.7)
		if err != nil {
			logger.Warn("Related fact lookup failed", zap.String("machine_model", machineModel), zap.Error(err))
		}
		for _, f := range graphFacts {
			related = append(related, factView{
				MachineModel:    f.MachineModel,
				FactType:        f.FactType,
				FactKey:         f.FactKey,
				FactValue:       f.FactValue,
				ConfidenceScore: f.Confidence,
			})
		}
	}

	return c.JSON(fiber.Map{
		"machine_model": machineModel,
		"facts":         out,
		"related":       related,
	})
}
