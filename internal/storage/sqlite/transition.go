package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/internal/storage/models"
	"github.com/abparts/troubleshoot/pkg/logger"
)

type StepCompletion struct {
	StepID   string
	Feedback models.Feedback
}

// Transition is one all-or-nothing change to an active session. Every
// field is optional; the session must still be active when it commits.
type Transition struct {
	SessionID string
	At        time.Time

	// CloseStep completes the open step. Fails with ErrStepNotOpen if the
	// step is no longer open. A didnt_work verdict also counts a failure
	// against the step's solution.
	CloseStep *StepCompletion
	// ReplaceStep rewrites the open step's content in place.
	ReplaceStep *models.DiagnosticStep
	// NewStep becomes the open step. Its StepNumber must follow the highest
	// existing step and no other step may be open.
	NewStep *models.DiagnosticStep

	Status             models.SessionStatus
	ProblemCategory    *string
	ProblemDescription *string
	ResolutionSummary  *string

	Messages []*models.Message
	Ticket   *models.Ticket
}

func (c *Client) ApplyTransition(ctx context.Context, t *Transition) error {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}

	err := c.WithTx(ctx, func(tx *Tx) error {
		return tx.applyTransition(ctx, t)
	})
	if err != nil {
		return err
	}

	logger.Debug("Session transition applied",
		zap.String("session_id", t.SessionID),
		zap.String("status", string(t.Status)),
		zap.Bool("closed_step", t.CloseStep != nil),
		zap.Bool("new_step", t.NewStep != nil),
	)
	return nil
}

func (tx *Tx) applyTransition(ctx context.Context, t *Transition) error {
	var status string
	err := tx.tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, t.SessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read session status: %w", err)
	}
	if models.SessionStatus(status) != models.SessionActive {
		return ErrSessionNotActive
	}

	if t.CloseStep != nil {
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE diagnostic_steps SET completed = 1, feedback = ?, completed_at = ?
			WHERE id = ? AND session_id = ? AND completed = 0`,
			string(t.CloseStep.Feedback), toMillis(t.At), t.CloseStep.StepID, t.SessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to close step: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrStepNotOpen
		}
		if t.CloseStep.Feedback == models.FeedbackDidntWork {
			if err := tx.recordStepFailure(ctx, t.CloseStep.StepID, t.SessionID, t.At); err != nil {
				return err
			}
		}
	}

	if s := t.ReplaceStep; s != nil {
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE diagnostic_steps
			SET instruction = ?, estimated_duration_minutes = ?, confidence_score = ?,
			    safety_warnings = ?, expected_outcomes = ?
			WHERE id = ? AND session_id = ? AND completed = 0`,
			s.Instruction,
			s.EstimatedDurationMinutes,
			s.ConfidenceScore,
			encodeStrings(s.SafetyWarnings),
			encodeStrings(s.ExpectedOutcomes),
			s.ID,
			t.SessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to replace step: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrStepNotOpen
		}
	}

	if s := t.NewStep; s != nil {
		var open, maxNumber int
		err := tx.tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(CASE WHEN completed = 0 THEN 1 ELSE 0 END), 0), COALESCE(MAX(step_number), 0)
			FROM diagnostic_steps WHERE session_id = ?`, t.SessionID,
		).Scan(&open, &maxNumber)
		if err != nil {
			return fmt.Errorf("failed to inspect steps: %w", err)
		}
		if open > 0 || s.StepNumber != maxNumber+1 {
			return ErrStepNotOpen
		}
		if err := tx.insertStep(ctx, s); err != nil {
			return err
		}
	}

	res, err := tx.tx.ExecContext(ctx, `
		UPDATE sessions SET
			status = COALESCE(NULLIF(?, ''), status),
			problem_category = COALESCE(?, problem_category),
			problem_description = COALESCE(?, problem_description),
			resolution_summary = COALESCE(?, resolution_summary),
			updated_at = ?
		WHERE id = ? AND status = ?`,
		string(t.Status),
		t.ProblemCategory,
		t.ProblemDescription,
		t.ResolutionSummary,
		toMillis(t.At),
		t.SessionID,
		string(models.SessionActive),
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if err := tx.requireActive(ctx, res, t.SessionID); err != nil {
		return err
	}

	for _, msg := range t.Messages {
		if err := tx.insertMessage(ctx, msg); err != nil {
			return err
		}
	}

	if t.Ticket != nil {
		if err := tx.insertTicket(ctx, t.Ticket); err != nil {
			return err
		}
	}

	return nil
}

// recordStepFailure counts a rejected step against its solution for the
// session's machine model, creating the row for solutions not yet tracked.
// It must run in the transaction that closed the step.
func (tx *Tx) recordStepFailure(ctx context.Context, stepID, sessionID string, at time.Time) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO solution_effectiveness (problem_category, solution_description, machine_model,
			success_count, failure_count, avg_resolution_time_minutes, last_used_at, created_at)
		SELECT d.problem_category, d.solution_description, s.machine_model, 0, 1, 0, ?, ?
		FROM diagnostic_steps d JOIN sessions s ON s.id = d.session_id
		WHERE d.id = ? AND d.session_id = ?
		ON CONFLICT (problem_category, solution_description, machine_model) DO UPDATE SET
			failure_count = failure_count + 1,
			last_used_at = excluded.last_used_at`,
		toMillis(at), toMillis(at), stepID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to record step failure: %w", err)
	}
	return nil
}

func (tx *Tx) insertStep(ctx context.Context, s *models.DiagnosticStep) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO diagnostic_steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID,
		s.SessionID,
		s.StepNumber,
		s.Instruction,
		s.EstimatedDurationMinutes,
		s.ConfidenceScore,
		boolToInt(s.RequiresFeedback),
		encodeStrings(s.SafetyWarnings),
		encodeStrings(s.ExpectedOutcomes),
		boolToInt(s.Completed),
		string(s.Feedback),
		s.ProblemCategory,
		s.SolutionDescription,
		boolToInt(s.NewSolution),
		toMillis(s.CreatedAt),
		nullableMillis(s.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}
