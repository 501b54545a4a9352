package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/abparts/troubleshoot/internal/storage/models"
)

func (c *Client) GetOutcome(ctx context.Context, sessionID string) (*models.SessionOutcome, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT session_id, outcome_type, resolution_time_minutes, steps_taken, satisfaction_rating,
			extracted_learnings, created_at
		FROM session_outcomes WHERE session_id = ?`, sessionID)

	var o models.SessionOutcome
	var outcomeType, learnings string
	var rating sql.NullInt64
	var createdAt int64
	err := row.Scan(&o.SessionID, &outcomeType, &o.ResolutionTimeMinutes, &o.StepsTaken, &rating, &learnings, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outcome: %w", err)
	}

	if err := json.Unmarshal([]byte(learnings), &o.ExtractedLearnings); err != nil {
		return nil, fmt.Errorf("failed to decode learnings: %w", err)
	}
	o.OutcomeType = models.OutcomeType(outcomeType)
	o.SatisfactionRating = intPtr(rating)
	o.CreatedAt = fromMillis(createdAt)
	return &o, nil
}

// InsertOutcome records the outcome unless one already exists. It reports
// whether this call created it.
func (tx *Tx) InsertOutcome(ctx context.Context, o *models.SessionOutcome) (bool, error) {
	learnings, err := json.Marshal(o.ExtractedLearnings)
	if err != nil {
		return false, fmt.Errorf("failed to encode learnings: %w", err)
	}

	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO session_outcomes (session_id, outcome_type, resolution_time_minutes, steps_taken,
			satisfaction_rating, extracted_learnings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		o.SessionID,
		string(o.OutcomeType),
		o.ResolutionTimeMinutes,
		o.StepsTaken,
		nullableInt(o.SatisfactionRating),
		string(learnings),
		toMillis(o.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert outcome: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
