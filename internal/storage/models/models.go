package models

import "time"

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionEscalated SessionStatus = "escalated"
	SessionAbandoned SessionStatus = "abandoned"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionEscalated || s == SessionAbandoned
}

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

type MessageType string

const (
	MessageText           MessageType = "text"
	MessageDiagnosticStep MessageType = "diagnostic_step"
	MessageEscalation     MessageType = "escalation"
)

type Feedback string

const (
	FeedbackWorked          Feedback = "worked"
	FeedbackPartiallyWorked Feedback = "partially_worked"
	FeedbackDidntWork       Feedback = "didnt_work"
)

func (f Feedback) Valid() bool {
	switch f {
	case FeedbackWorked, FeedbackPartiallyWorked, FeedbackDidntWork:
		return true
	}
	return false
}

type OutcomeType string

const (
	OutcomeResolved  OutcomeType = "resolved"
	OutcomeEscalated OutcomeType = "escalated"
	OutcomeAbandoned OutcomeType = "abandoned"
)

// OutcomeFor maps a terminal session status to its outcome type.
func OutcomeFor(status SessionStatus) (OutcomeType, bool) {
	switch status {
	case SessionCompleted:
		return OutcomeResolved, true
	case SessionEscalated:
		return OutcomeEscalated, true
	case SessionAbandoned:
		return OutcomeAbandoned, true
	}
	return "", false
}

type Session struct {
	ID                 string
	UserID             string
	MachineID          string
	MachineModel       string
	Status             SessionStatus
	Language           string
	ProblemCategory    string
	ProblemDescription string
	ResolutionSummary  string
	SatisfactionRating *int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (s *Session) HasMachine() bool {
	return s.MachineID != "" || s.MachineModel != ""
}

type Message struct {
	ID        string
	SessionID string
	Sender    Sender
	Content   string
	Type      MessageType
	Language  string
	CreatedAt time.Time
}

type DiagnosticStep struct {
	ID                       string
	SessionID                string
	StepNumber               int
	Instruction              string
	EstimatedDurationMinutes int
	ConfidenceScore          float64
	RequiresFeedback         bool
	SafetyWarnings           []string
	ExpectedOutcomes         []string
	Completed                bool
	Feedback                 Feedback
	ProblemCategory          string
	SolutionDescription      string
	NewSolution              bool
	CreatedAt                time.Time
	CompletedAt              *time.Time
}

type SessionOutcome struct {
	SessionID             string
	OutcomeType           OutcomeType
	ResolutionTimeMinutes float64
	StepsTaken            int
	SatisfactionRating    *int
	ExtractedLearnings    Learnings
	CreatedAt             time.Time
}

// Learnings is the structured record stored with an outcome.
type Learnings struct {
	Facts     []FactObservation  `json:"facts"`
	Solutions []SolutionObserved `json:"solutions"`
	Source    string             `json:"source"`
}

type FactObservation struct {
	FactType  string `json:"fact_type"`
	FactKey   string `json:"fact_key"`
	FactValue string `json:"fact_value"`
}

type SolutionObserved struct {
	Description string   `json:"description"`
	Category    string   `json:"category"`
	StepNumber  int      `json:"step_number"`
	Feedback    Feedback `json:"feedback,omitempty"`
}

type MachineFact struct {
	ID                int64
	MachineModel      string
	FactType          string
	FactKey           string
	FactValue         string
	ConfidenceScore   float64
	TimesConfirmed    int
	TimesContradicted int
	SourceSessions    []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type SolutionEffectiveness struct {
	ID                       int64
	ProblemCategory          string
	SolutionDescription      string
	MachineModel             string
	SuccessCount             int
	FailureCount             int
	AvgResolutionTimeMinutes float64
	LastUsedAt               *time.Time
	CreatedAt                time.Time
}

type TicketPriority string

const (
	PriorityMedium TicketPriority = "medium"
	PriorityHigh   TicketPriority = "high"
)

type Ticket struct {
	ID                string
	SessionID         string
	Priority          TicketPriority
	Reason            string
	TranscriptSummary string
	Notified          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
