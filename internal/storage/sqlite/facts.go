package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/abparts/troubleshoot/internal/storage/models"
)

const factColumns = `id, machine_model, fact_type, fact_key, fact_value, confidence_score,
	times_confirmed, times_contradicted, source_sessions, created_at, updated_at`

// ListFacts returns the facts known for a model, most confident first.
func (c *Client) ListFacts(ctx context.Context, machineModel string) ([]models.MachineFact, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+factColumns+` FROM machine_facts
		WHERE machine_model = ?
		ORDER BY confidence_score DESC, id ASC`, machineModel)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	var facts []models.MachineFact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, *f)
	}
	return facts, rows.Err()
}

func (tx *Tx) GetFact(ctx context.Context, machineModel, factType, factKey string) (*models.MachineFact, error) {
	row := tx.tx.QueryRowContext(ctx, `
		SELECT `+factColumns+` FROM machine_facts
		WHERE machine_model = ? AND fact_type = ? AND fact_key = ?`,
		machineModel, factType, factKey,
	)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}
	return f, nil
}

// PutFact inserts f when ID is zero and updates it otherwise. The fact key
// columns are never rewritten.
func (tx *Tx) PutFact(ctx context.Context, f *models.MachineFact) error {
	if f.ID == 0 {
		res, err := tx.tx.ExecContext(ctx, `
			INSERT INTO machine_facts (machine_model, fact_type, fact_key, fact_value, confidence_score,
				times_confirmed, times_contradicted, source_sessions, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.MachineModel,
			f.FactType,
			f.FactKey,
			f.FactValue,
			f.ConfidenceScore,
			f.TimesConfirmed,
			f.TimesContradicted,
			encodeStrings(f.SourceSessions),
			toMillis(f.CreatedAt),
			toMillis(f.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert fact: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read fact id: %w", err)
		}
		f.ID = id
		return nil
	}

	_, err := tx.tx.ExecContext(ctx, `
		UPDATE machine_facts
		SET confidence_score = ?, times_confirmed = ?, times_contradicted = ?, source_sessions = ?, updated_at = ?
		WHERE id = ?`,
		f.ConfidenceScore,
		f.TimesConfirmed,
		f.TimesContradicted,
		encodeStrings(f.SourceSessions),
		toMillis(f.UpdatedAt),
		f.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update fact: %w", err)
	}
	return nil
}

func scanFact(row rowScanner) (*models.MachineFact, error) {
	var f models.MachineFact
	var sources string
	var createdAt, updatedAt int64
	err := row.Scan(
		&f.ID,
		&f.MachineModel,
		&f.FactType,
		&f.FactKey,
		&f.FactValue,
		&f.ConfidenceScore,
		&f.TimesConfirmed,
		&f.TimesContradicted,
		&sources,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.SourceSessions = decodeStrings(sources)
	f.CreatedAt = fromMillis(createdAt)
	f.UpdatedAt = fromMillis(updatedAt)
	return &f, nil
}
