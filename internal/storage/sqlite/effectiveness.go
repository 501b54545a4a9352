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

const effectivenessColumns = `id, problem_category, solution_description, machine_model, success_count,
	failure_count, avg_resolution_time_minutes, last_used_at, created_at`

// ListCandidates returns the rows for category that apply to machineModel:
// the model's own rows plus model-agnostic rows whose description the model
// does not already track. Rows come back in insertion order.
func (c *Client) ListCandidates(ctx context.Context, category, machineModel string) ([]models.SolutionEffectiveness, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+effectivenessColumns+` FROM solution_effectiveness e
		WHERE e.problem_category = ?
		  AND (e.machine_model = ?
		       OR (e.machine_model = '' AND NOT EXISTS (
		           SELECT 1 FROM solution_effectiveness m
		           WHERE m.problem_category = e.problem_category
		             AND m.solution_description = e.solution_description
		             AND m.machine_model = ?)))
		ORDER BY e.id ASC`,
		category, machineModel, machineModel,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	defer rows.Close()
	return scanEffectivenessRows(rows)
}

// ListSolutions returns the catalogue, optionally filtered by category.
func (c *Client) ListSolutions(ctx context.Context, category string) ([]models.SolutionEffectiveness, error) {
	query := `SELECT ` + effectivenessColumns + ` FROM solution_effectiveness`
	var args []interface{}
	if category != "" {
		query += ` WHERE problem_category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY id ASC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list solutions: %w", err)
	}
	defer rows.Close()
	return scanEffectivenessRows(rows)
}

// RegisterSolution adds a candidate with zero counts. Registering an
// existing key returns the stored row unchanged.
func (c *Client) RegisterSolution(ctx context.Context, category, description, machineModel string, at time.Time) (*models.SolutionEffectiveness, error) {
	var row *models.SolutionEffectiveness
	err := c.WithTx(ctx, func(tx *Tx) error {
		existing, err := tx.GetEffectiveness(ctx, category, description, machineModel)
		if err == nil {
			row = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		row = &models.SolutionEffectiveness{
			ProblemCategory:     category,
			SolutionDescription: description,
			MachineModel:        machineModel,
			CreatedAt:           at,
		}
		return tx.PutEffectiveness(ctx, row)
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Solution registered",
		zap.String("category", category),
		zap.String("machine_model", machineModel),
		zap.Int64("id", row.ID),
	)
	return row, nil
}

func (tx *Tx) GetEffectiveness(ctx context.Context, category, description, machineModel string) (*models.SolutionEffectiveness, error) {
	row := tx.tx.QueryRowContext(ctx, `
		SELECT `+effectivenessColumns+` FROM solution_effectiveness
		WHERE problem_category = ? AND solution_description = ? AND machine_model = ?`,
		category, description, machineModel,
	)
	e, err := scanEffectiveness(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get effectiveness: %w", err)
	}
	return e, nil
}

// PutEffectiveness inserts e when ID is zero and updates it otherwise.
func (tx *Tx) PutEffectiveness(ctx context.Context, e *models.SolutionEffectiveness) error {
	if e.ID == 0 {
		res, err := tx.tx.ExecContext(ctx, `
			INSERT INTO solution_effectiveness (problem_category, solution_description, machine_model,
				success_count, failure_count, avg_resolution_time_minutes, last_used_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ProblemCategory,
			e.SolutionDescription,
			e.MachineModel,
			e.SuccessCount,
			e.FailureCount,
			e.AvgResolutionTimeMinutes,
			nullableMillis(e.LastUsedAt),
			toMillis(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert effectiveness: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read effectiveness id: %w", err)
		}
		e.ID = id
		return nil
	}

	_, err := tx.tx.ExecContext(ctx, `
		UPDATE solution_effectiveness
		SET success_count = ?, failure_count = ?, avg_resolution_time_minutes = ?, last_used_at = ?
		WHERE id = ?`,
		e.SuccessCount,
		e.FailureCount,
		e.AvgResolutionTimeMinutes,
		nullableMillis(e.LastUsedAt),
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update effectiveness: %w", err)
	}
	return nil
}

func scanEffectivenessRows(rows *sql.Rows) ([]models.SolutionEffectiveness, error) {
	var out []models.SolutionEffectiveness
	for rows.Next() {
		e, err := scanEffectiveness(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan effectiveness: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEffectiveness(row rowScanner) (*models.SolutionEffectiveness, error) {
	var e models.SolutionEffectiveness
	var lastUsed sql.NullInt64
	var createdAt int64
	err := row.Scan(
		&e.ID,
		&e.ProblemCategory,
		&e.SolutionDescription,
		&e.MachineModel,
		&e.SuccessCount,
		&e.FailureCount,
		&e.AvgResolutionTimeMinutes,
		&lastUsed,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	e.LastUsedAt = timePtr(lastUsed)
	e.CreatedAt = fromMillis(createdAt)
	return &e, nil
}
