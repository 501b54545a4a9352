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

const sessionColumns = `id, user_id, machine_id, machine_model, status, language, problem_category,
	problem_description, resolution_summary, satisfaction_rating, created_at, updated_at`

const stepColumns = `id, session_id, step_number, instruction, estimated_duration_minutes, confidence_score,
	requires_feedback, safety_warnings, expected_outcomes, completed, feedback, problem_category,
	solution_description, new_solution, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// CreateSession inserts the session together with its opening messages.
func (c *Client) CreateSession(ctx context.Context, session *models.Session, messages ...*models.Message) error {
	err := c.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID,
			session.UserID,
			session.MachineID,
			session.MachineModel,
			string(session.Status),
			session.Language,
			session.ProblemCategory,
			session.ProblemDescription,
			session.ResolutionSummary,
			nullableInt(session.SatisfactionRating),
			toMillis(session.CreatedAt),
			toMillis(session.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}

		for _, msg := range messages {
			if err := tx.insertMessage(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Session created",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID),
	)
	return nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// SelectMachine records the machine context of an active session and
// appends the accompanying system message.
func (c *Client) SelectMachine(ctx context.Context, sessionID, machineID, machineModel string, msg *models.Message, at time.Time) error {
	return c.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE sessions SET machine_id = ?, machine_model = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			machineID, machineModel, toMillis(at), sessionID, string(models.SessionActive),
		)
		if err != nil {
			return fmt.Errorf("failed to update machine: %w", err)
		}
		if err := tx.requireActive(ctx, res, sessionID); err != nil {
			return err
		}
		if msg != nil {
			return tx.insertMessage(ctx, msg)
		}
		return nil
	})
}

// SetSatisfaction stores the rating on the session and, if learning has
// already run, on its outcome. updated_at is left alone because it marks
// the terminal transition.
func (c *Client) SetSatisfaction(ctx context.Context, sessionID string, rating int) error {
	return c.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx,
			`UPDATE sessions SET satisfaction_rating = ? WHERE id = ?`,
			rating, sessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to store satisfaction: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		_, err = tx.tx.ExecContext(ctx,
			`UPDATE session_outcomes SET satisfaction_rating = ? WHERE session_id = ?`,
			rating, sessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to update outcome satisfaction: %w", err)
		}
		return nil
	})
}

func (c *Client) AppendMessage(ctx context.Context, msg *models.Message) error {
	return c.WithTx(ctx, func(tx *Tx) error {
		return tx.insertMessage(ctx, msg)
	})
}

func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, session_id, sender, content, type, language, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var sender, msgType string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &sender, &m.Content, &msgType, &m.Language, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Sender = models.Sender(sender)
		m.Type = models.MessageType(msgType)
		m.CreatedAt = fromMillis(createdAt)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// CountMessagesBySender counts transcript messages authored by sender.
func (c *Client) CountMessagesBySender(ctx context.Context, sessionID string, sender models.Sender) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ? AND sender = ?`,
		sessionID, string(sender),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (c *Client) ListSteps(ctx context.Context, sessionID string) ([]models.DiagnosticStep, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM diagnostic_steps WHERE session_id = ? ORDER BY step_number ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []models.DiagnosticStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

// GetOpenStep returns the step awaiting feedback, or ErrNotFound.
func (c *Client) GetOpenStep(ctx context.Context, sessionID string) (*models.DiagnosticStep, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM diagnostic_steps WHERE session_id = ? AND completed = 0`,
		sessionID,
	)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open step: %w", err)
	}
	return step, nil
}

func (c *Client) CountOpenSteps(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM diagnostic_steps WHERE session_id = ? AND completed = 0`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open steps: %w", err)
	}
	return n, nil
}

// ListSessionsAwaitingLearning returns terminal sessions that ran at least
// one step and have no outcome yet.
func (c *Client) ListSessionsAwaitingLearning(ctx context.Context, limit int) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT s.id FROM sessions s
		WHERE s.status IN (?, ?, ?)
		  AND NOT EXISTS (SELECT 1 FROM session_outcomes o WHERE o.session_id = s.id)
		  AND EXISTS (SELECT 1 FROM diagnostic_steps d WHERE d.session_id = s.id)
		ORDER BY s.updated_at ASC
		LIMIT ?`,
		string(models.SessionCompleted), string(models.SessionEscalated), string(models.SessionAbandoned), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions awaiting learning: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (tx *Tx) insertMessage(ctx context.Context, msg *models.Message) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, sender, content, type, language, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.SessionID,
		string(msg.Sender),
		msg.Content,
		string(msg.Type),
		msg.Language,
		toMillis(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// requireActive turns a zero-row conditional update into the right error.
func (tx *Tx) requireActive(ctx context.Context, res sql.Result, sessionID string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err := tx.tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read session status: %w", err)
	}
	return ErrSessionNotActive
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var status string
	var rating sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.MachineID,
		&s.MachineModel,
		&status,
		&s.Language,
		&s.ProblemCategory,
		&s.ProblemDescription,
		&s.ResolutionSummary,
		&rating,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Status = models.SessionStatus(status)
	s.SatisfactionRating = intPtr(rating)
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}

func scanStep(row rowScanner) (*models.DiagnosticStep, error) {
	var st models.DiagnosticStep
	var requiresFeedback, completed, newSolution int
	var safety, expected, feedback string
	var createdAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&st.ID,
		&st.SessionID,
		&st.StepNumber,
		&st.Instruction,
		&st.EstimatedDurationMinutes,
		&st.ConfidenceScore,
		&requiresFeedback,
		&safety,
		&expected,
		&completed,
		&feedback,
		&st.ProblemCategory,
		&st.SolutionDescription,
		&newSolution,
		&createdAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan step: %w", err)
	}

	st.RequiresFeedback = requiresFeedback == 1
	st.Completed = completed == 1
	st.NewSolution = newSolution == 1
	st.SafetyWarnings = decodeStrings(safety)
	st.ExpectedOutcomes = decodeStrings(expected)
	st.Feedback = models.Feedback(feedback)
	st.CreatedAt = fromMillis(createdAt)
	st.CompletedAt = timePtr(completedAt)
	return &st, nil
}
