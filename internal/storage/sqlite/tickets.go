package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/abparts/troubleshoot/internal/storage/models"
)

const ticketColumns = `id, session_id, priority, reason, transcript_summary, notified, created_at, updated_at`

func (tx *Tx) insertTicket(ctx context.Context, t *models.Ticket) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.SessionID,
		string(t.Priority),
		t.Reason,
		t.TranscriptSummary,
		boolToInt(t.Notified),
		toMillis(t.CreatedAt),
		toMillis(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert ticket: %w", err)
	}
	return nil
}

func (c *Client) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return t, nil
}

func (c *Client) ListTicketsForSession(ctx context.Context, sessionID string) ([]models.Ticket, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

func (c *Client) MarkTicketNotified(ctx context.Context, id string, at time.Time) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE tickets SET notified = 1, updated_at = ? WHERE id = ?`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark ticket notified: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTicket(row rowScanner) (*models.Ticket, error) {
	var t models.Ticket
	var priority string
	var notified int
	var createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.SessionID, &priority, &t.Reason, &t.TranscriptSummary, &notified, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Priority = models.TicketPriority(priority)
	t.Notified = notified == 1
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}
