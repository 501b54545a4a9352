// Package redis delivers escalation tickets to the service team: a pub/sub
// message for live dashboards and a list entry for workers that poll.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/internal/storage/models"
	"github.com/abparts/troubleshoot/pkg/logger"
)

type Notifier struct {
	client  *redis.Client
	channel string
	list    string
}

type Options struct {
	Host     string
	Port     int
	Password string
	DB       int
	Channel  string
	List     string
}

type ticketMessage struct {
	TicketID          string `json:"ticket_id"`
	SessionID         string `json:"session_id"`
	Priority          string `json:"priority"`
	Reason            string `json:"reason"`
	TranscriptSummary string `json:"transcript_summary"`
	CreatedAt         string `json:"created_at"`
}

func NewNotifier(ctx context.Context, opts Options) (*Notifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password: opts.Password,
		DB:       opts.DB,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis notifier initialized",
		zap.String("addr", fmt.Sprintf("%s:%d", opts.Host, opts.Port)),
		zap.String("channel", opts.Channel),
		zap.String("list", opts.List),
	)

	return &Notifier{client: client, channel: opts.Channel, list: opts.List}, nil
}

func (n *Notifier) Close() error {
	return n.client.Close()
}

func (n *Notifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

// Notify publishes the ticket and queues it in one MULTI/EXEC.
func (n *Notifier) Notify(ctx context.Context, ticket *models.Ticket) error {
	payload, err := encodeTicket(ticket)
	if err != nil {
		return err
	}

	_, err = n.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, n.channel, payload)
		pipe.LPush(ctx, n.list, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to deliver ticket: %w", err)
	}

	logger.Debug("Ticket delivered",
		zap.String("ticket_id", ticket.ID),
		zap.String("priority", string(ticket.Priority)),
	)
	return nil
}

func encodeTicket(ticket *models.Ticket) ([]byte, error) {
	data, err := json.Marshal(ticketMessage{
		TicketID:          ticket.ID,
		SessionID:         ticket.SessionID,
		Priority:          string(ticket.Priority),
		Reason:            ticket.Reason,
		TranscriptSummary: ticket.TranscriptSummary,
		CreatedAt:         ticket.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ticket: %w", err)
	}
	return data, nil
}
