package handlers

import (
	"time"

	"github.com/abparts/troubleshoot/internal/storage/models"
	"github.com/abparts/troubleshoot/internal/workflow"
)

type stepView struct {
	ID                       string   `json:"id"`
	StepNumber               int      `json:"step_number"`
	Instruction              string   `json:"instruction"`
	EstimatedDurationMinutes int      `json:"estimated_duration_minutes"`
	ConfidenceScore          float64  `json:"confidence_score"`
	RequiresFeedback         bool     `json:"requires_feedback"`
	SafetyWarnings           []string `json:"safety_warnings"`
	ExpectedOutcomes         []string `json:"expected_outcomes"`
	Completed                bool     `json:"completed"`
	Feedback                 string   `json:"feedback,omitempty"`
	ProblemCategory          string   `json:"problem_category"`
	SolutionDescription      string   `json:"solution_description"`
}

func newStepView(s *models.DiagnosticStep) *stepView {
	if s == nil {
		return nil
	}
	return &stepView{
		ID:                       s.ID,
		StepNumber:               s.StepNumber,
		Instruction:              s.Instruction,
		EstimatedDurationMinutes: s.EstimatedDurationMinutes,
		ConfidenceScore:          s.ConfidenceScore,
		RequiresFeedback:         s.RequiresFeedback,
		SafetyWarnings:           nonNil(s.SafetyWarnings),
		ExpectedOutcomes:         nonNil(s.ExpectedOutcomes),
		Completed:                s.Completed,
		Feedback:                 string(s.Feedback),
		ProblemCategory:          s.ProblemCategory,
		SolutionDescription:      s.SolutionDescription,
	}
}

type messageResponse struct {
	SessionID      string    `json:"session_id,omitempty"`
	MessageType    string    `json:"message_type"`
	Message        string    `json:"message"`
	Step           *stepView `json:"step,omitempty"`
	WorkflowStatus string    `json:"workflow_status"`
	TicketID       string    `json:"ticket_id,omitempty"`
}

func newMessageResponse(r *workflow.MessageResponse) messageResponse {
	return messageResponse{
		SessionID:      r.SessionID,
		MessageType:    string(r.MessageType),
		Message:        r.Message,
		Step:           newStepView(r.Step),
		WorkflowStatus: string(r.WorkflowStatus),
		TicketID:       r.TicketID,
	}
}

type feedbackResponse struct {
	WorkflowStatus    string    `json:"workflow_status"`
	NextStep          *stepView `json:"next_step,omitempty"`
	CompletionMessage string    `json:"completion_message,omitempty"`
	TicketID          string    `json:"ticket_id,omitempty"`
}

func newFeedbackResponse(r *workflow.FeedbackResponse) feedbackResponse {
	return feedbackResponse{
		WorkflowStatus:    string(r.WorkflowStatus),
		NextStep:          newStepView(r.NextStep),
		CompletionMessage: r.CompletionMessage,
		TicketID:          r.TicketID,
	}
}

type messageView struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
}

type ticketView struct {
	ID                string    `json:"id"`
	Priority          string    `json:"priority"`
	Reason            string    `json:"reason"`
	TranscriptSummary string    `json:"transcript_summary"`
	Notified          bool      `json:"notified"`
	CreatedAt         time.Time `json:"created_at"`
}

type sessionResponse struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"user_id"`
	MachineID          string        `json:"machine_id"`
	MachineModel       string        `json:"machine_model"`
	Status             string        `json:"status"`
	Language           string        `json:"language"`
	ProblemCategory    string        `json:"problem_category"`
	ProblemDescription string        `json:"problem_description"`
	ResolutionSummary  string        `json:"resolution_summary,omitempty"`
	SatisfactionRating *int          `json:"satisfaction_rating,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	Steps              []*stepView   `json:"steps"`
	Messages           []messageView `json:"messages"`
	Tickets            []ticketView  `json:"tickets"`
}

func newSessionResponse(v *workflow.SessionView) sessionResponse {
	s := v.Session
	out := sessionResponse{
		ID:                 s.ID,
		UserID:             s.UserID,
		MachineID:          s.MachineID,
		MachineModel:       s.MachineModel,
		Status:             string(s.Status),
		Language:           s.Language,
		ProblemCategory:    s.ProblemCategory,
		ProblemDescription: s.ProblemDescription,
		ResolutionSummary:  s.ResolutionSummary,
		SatisfactionRating: s.SatisfactionRating,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
		Steps:              make([]*stepView, 0, len(v.Steps)),
		Messages:           make([]messageView, 0, len(v.Messages)),
		Tickets:            make([]ticketView, 0, len(v.Tickets)),
	}
	for i := range v.Steps {
		out.Steps = append(out.Steps, newStepView(&v.Steps[i]))
	}
	for _, m := range v.Messages {
		out.Messages = append(out.Messages, messageView{
			ID:        m.ID,
			Sender:    string(m.Sender),
			Content:   m.Content,
			Type:      string(m.Type),
			Language:  m.Language,
			CreatedAt: m.CreatedAt,
		})
	}
	for _, t := range v.Tickets {
		out.Tickets = append(out.Tickets, ticketView{
			ID:                t.ID,
			Priority:          string(t.Priority),
			Reason:            t.Reason,
			TranscriptSummary: t.TranscriptSummary,
			Notified:          t.Notified,
			CreatedAt:         t.CreatedAt,
		})
	}
	return out
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
