// Package escalation hands sessions the engine cannot resolve to a human
// technician.
package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/internal/metrics"
	"github.com/abparts/troubleshoot/internal/storage/models"
	"github.com/abparts/troubleshoot/internal/storage/sqlite"
	"github.com/abparts/troubleshoot/pkg/logger"
)

const (
	ReasonNoCandidates  = "no remaining candidate solutions"
	ReasonStepCeiling   = "step limit reached"
	ReasonUserRequested = "requested by user"
)

type Notifier interface {
	Notify(ctx context.Context, ticket *models.Ticket) error
}

type HazardDetector interface {
	MentionsHazard(text, language string) bool
}

type Request struct {
	Session *models.Session
	Reason  string
	// CloseStep completes the open step in the same transaction.
	CloseStep      *sqlite.StepCompletion
	CeilingReached bool
	// Messages are committed together with the escalation.
	Messages []*models.Message
	At       time.Time
}

type Result struct {
	Ticket  *models.Ticket
	Message *models.Message
}

type Service struct {
	db       *sqlite.Client
	notifier Notifier
	hazards  HazardDetector
	timeout  time.Duration
}

// NewService builds the service. notifier may be nil, in which case tickets
// stay unnotified.
func NewService(db *sqlite.Client, notifier Notifier, hazards HazardDetector, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{db: db, notifier: notifier, hazards: hazards, timeout: timeout}
}

// Escalate persists a ticket and moves the session to escalated in one
// transaction, then tries to notify the service team.
func (s *Service) Escalate(ctx context.Context, req Request) (*Result, error) {
	if req.At.IsZero() {
		req.At = time.Now().UTC()
	}
	session := req.Session

	steps, err := s.db.ListSteps(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if req.CloseStep != nil {
		for i := range steps {
			if steps[i].ID == req.CloseStep.StepID {
				steps[i].Completed = true
				steps[i].Feedback = req.CloseStep.Feedback
			}
		}
	}

	ticket := &models.Ticket{
		ID:                uuid.NewString(),
		SessionID:         session.ID,
		Priority:          s.priority(session, req.CeilingReached),
		Reason:            req.Reason,
		TranscriptSummary: Summarize(session, steps, req.Reason),
		CreatedAt:         req.At,
		UpdatedAt:         req.At,
	}

	reply := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Sender:    models.SenderAssistant,
		Content:   EscalationMessage(ticket),
		Type:      models.MessageEscalation,
		Language:  session.Language,
		CreatedAt: req.At,
	}

	resolution := fmt.Sprintf("Escalated to a technician: %s", req.Reason)
	err = s.db.ApplyTransition(ctx, &sqlite.Transition{
		SessionID:         session.ID,
		At:                req.At,
		CloseStep:         req.CloseStep,
		Status:            models.SessionEscalated,
		ResolutionSummary: &resolution,
		Messages:          append(append([]*models.Message(nil), req.Messages...), reply),
		Ticket:            ticket,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Session escalated",
		zap.String("session_id", session.ID),
		zap.String("ticket_id", ticket.ID),
		zap.String("priority", string(ticket.Priority)),
		zap.String("reason", req.Reason),
	)

	s.notify(ctx, ticket)
	return &Result{Ticket: ticket, Message: reply}, nil
}

func (s *Service) notify(ctx context.Context, ticket *models.Ticket) {
	if s.notifier == nil {
		metrics.Notifications.WithLabelValues("skipped").Inc()
		logger.Warn("No notification channel configured, ticket left unnotified", zap.String("ticket_id", ticket.ID))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.notifier.Notify(ctx, ticket); err != nil {
		metrics.Notifications.WithLabelValues("failed").Inc()
		logger.Error("Ticket notification failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
		return
	}

	if err := s.db.MarkTicketNotified(ctx, ticket.ID, time.Now().UTC()); err != nil {
		logger.Error("Failed to mark ticket notified", zap.String("ticket_id", ticket.ID), zap.Error(err))
		return
	}
	ticket.Notified = true
	metrics.Notifications.WithLabelValues("delivered").Inc()
}

func (s *Service) priority(session *models.Session, ceilingReached bool) models.TicketPriority {
	if ceilingReached {
		return models.PriorityHigh
	}
	if s.hazards != nil && s.hazards.MentionsHazard(session.ProblemDescription, session.Language) {
		return models.PriorityHigh
	}
	return models.PriorityMedium
}

// Summarize renders the part of the transcript a technician needs: the
// machine, the problem and every step with its result.
func Summarize(session *models.Session, steps []models.DiagnosticStep, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Machine: %s (%s)\n", orDash(session.MachineID), orDash(session.MachineModel))
	fmt.Fprintf(&b, "Category: %s\n", orDash(session.ProblemCategory))
	fmt.Fprintf(&b, "Problem: %s\n", orDash(session.ProblemDescription))

	if len(steps) == 0 {
		b.WriteString("Steps tried: none\n")
	} else {
		b.WriteString("Steps tried:\n")
		for _, st := range steps {
			result := string(st.Feedback)
			if result == "" {
				result = "no feedback"
			}
			fmt.Fprintf(&b, "%d. %s - %s\n", st.StepNumber, st.SolutionDescription, result)
		}
	}

	fmt.Fprintf(&b, "Reason: %s", reason)
	return b.String()
}

func EscalationMessage(ticket *models.Ticket) string {
	if ticket.Priority == models.PriorityHigh {
		return fmt.Sprintf("I've raised an urgent ticket (%s) with our service team. Please stop using the machine until a technician contacts you.", ticket.ID)
	}
	return fmt.Sprintf("I've passed this to our service team (ticket %s). A technician will contact you shortly.", ticket.ID)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
