package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/internal/storage/models"
	"github.com/abparts/troubleshoot/pkg/logger"
)

// StepRequest is everything the model sees when phrasing one step.
type StepRequest struct {
	Language            string
	MachineModel        string
	ProblemCategory     string
	ProblemDescription  string
	SolutionDescription string
	StepNumber          int
	Facts               []models.MachineFact
	// PreviousInstruction is set when refining a step that partially worked.
	PreviousInstruction string
}

type PhrasedStep struct {
	Instruction              string   `json:"instruction"`
	EstimatedDurationMinutes int      `json:"estimated_duration_minutes"`
	SafetyWarnings           []string `json:"safety_warnings"`
	ExpectedOutcomes         []string `json:"expected_outcomes"`
}

const stepSystemPrompt = `You are a field service technician guiding an operator through equipment troubleshooting.
Write exactly one concrete diagnostic step for the solution you are given. Use the operator's language.
Never invent part numbers. Mention lockout or depressurisation when the step touches energised or pressurised parts.

Return JSON only:
{"instruction": "...", "estimated_duration_minutes": 10, "safety_warnings": ["..."], "expected_outcomes": ["..."]}`

func (c *Client) PhraseStep(ctx context.Context, req StepRequest) (*PhrasedStep, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Language: %s\n", req.Language)
	fmt.Fprintf(&b, "Machine model: %s\n", req.MachineModel)
	fmt.Fprintf(&b, "Problem category: %s\n", req.ProblemCategory)
	fmt.Fprintf(&b, "Problem: %s\n", req.ProblemDescription)
	fmt.Fprintf(&b, "Step number: %d\n", req.StepNumber)
	fmt.Fprintf(&b, "Solution to try: %s\n", req.SolutionDescription)
	if req.PreviousInstruction != "" {
		fmt.Fprintf(&b, "The previous step only partially worked: %s\nGo one level deeper on the same solution.\n", req.PreviousInstruction)
	}
	if len(req.Facts) > 0 {
		b.WriteString("Known facts about this model:\n")
		for _, f := range req.Facts {
			fmt.Fprintf(&b, "- %s %s: %s (confidence %.2f)\n", f.FactType, f.FactKey, f.FactValue, f.ConfidenceScore)
		}
	}

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: stepSystemPrompt,
		UserPrompt:   b.String(),
		JSON:         true,
	})
	if err != nil {
		return nil, err
	}

	step, err := ParsePhrasedStep(resp.Content)
	if err != nil {
		logger.Warn("Unusable step phrasing", zap.Error(err))
		return nil, err
	}
	return step, nil
}

const factSystemPrompt = `You extract durable facts about a machine model from a troubleshooting transcript.
Only report facts that would help with a future session on the same model: error codes and their meaning,
component locations, recurring failure causes, settings.

Return JSON only:
{"facts": [{"fact_type": "error_code", "fact_key": "E42", "fact_value": "hydraulic pressure sensor fault"}]}`

func (c *Client) ExtractFacts(ctx context.Context, machineModel, transcript string) ([]models.FactObservation, error) {
	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: factSystemPrompt,
		UserPrompt:   fmt.Sprintf("Machine model: %s\n\nTranscript:\n%s", machineModel, transcript),
		Temperature:  0.1,
		JSON:         true,
	})
	if err != nil {
		return nil, err
	}

	facts, err := ParseFacts(resp.Content)
	if err != nil {
		logger.Warn("Unusable fact extraction", zap.Error(err))
		return nil, err
	}

	logger.Info("Facts extracted", zap.String("machine_model", machineModel), zap.Int("count", len(facts)))
	return facts, nil
}

func ParsePhrasedStep(content string) (*PhrasedStep, error) {
	var step PhrasedStep
	if err := json.Unmarshal([]byte(extractJSON(content)), &step); err != nil {
		return nil, fmt.Errorf("%w: malformed step: %v", ErrGenerationUnavailable, err)
	}
	step.Instruction = strings.TrimSpace(step.Instruction)
	if step.Instruction == "" {
		return nil, fmt.Errorf("%w: empty instruction", ErrGenerationUnavailable)
	}
	if step.EstimatedDurationMinutes <= 0 {
		step.EstimatedDurationMinutes = 10
	}
	if step.SafetyWarnings == nil {
		step.SafetyWarnings = []string{}
	}
	if step.ExpectedOutcomes == nil {
		step.ExpectedOutcomes = []string{}
	}
	return &step, nil
}

// ParseFacts accepts either {"facts": [...]} or a bare array and drops
// entries missing a type, key or value.
func ParseFacts(content string) ([]models.FactObservation, error) {
	raw := extractJSON(content)

	var facts []models.FactObservation
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &facts); err != nil {
			return nil, fmt.Errorf("%w: malformed facts: %v", ErrGenerationUnavailable, err)
		}
	} else {
		var wrapped struct {
			Facts []models.FactObservation `json:"facts"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
			return nil, fmt.Errorf("%w: malformed facts: %v", ErrGenerationUnavailable, err)
		}
		facts = wrapped.Facts
	}

	out := make([]models.FactObservation, 0, len(facts))
	for _, f := range facts {
		f.FactType = strings.ToLower(strings.TrimSpace(f.FactType))
		f.FactKey = strings.TrimSpace(f.FactKey)
		f.FactValue = strings.TrimSpace(f.FactValue)
		if f.FactType == "" || f.FactKey == "" || f.FactValue == "" {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// extractJSON strips markdown fences and any prose around the first JSON
// object or array.
func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closing := byte('}')
	if s[start] == '[' {
		closing = ']'
	}
	end := strings.LastIndexByte(s, closing)
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}

// IsUnavailable reports whether err came from a failed generation call.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrGenerationUnavailable)
}
