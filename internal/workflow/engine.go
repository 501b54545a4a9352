// Package workflow runs the diagnostic conversation: it decides when a chat
// turns into a guided workflow and moves a session through its steps until
// it is resolved, escalated or abandoned.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abparts/troubleshoot/internal/escalation"
	"github.com/abparts/troubleshoot/internal/intent"
	"github.com/abparts/troubleshoot/internal/metrics"
	"github.com/abparts/troubleshoot/internal/stepgen"
	"github.com/abparts/troubleshoot/internal/storage/models"
	"github.com/abparts/troubleshoot/internal/storage/sqlite"
	"github.com/abparts/troubleshoot/pkg/logger"
)

// Learner is notified once a session reaches a terminal state.
type Learner interface {
	Schedule(sessionID string)
}

type Config struct {
	MaxSteps             int
	MaxPriorUserMessages int
	Now                  func() time.Time
}

type Engine struct {
	db        *sqlite.Client
	detector  *intent.Detector
	generator *stepgen.Generator
	escalator *escalation.Service
	learner   Learner
	cfg       Config
}

func NewEngine(db *sqlite.Client, detector *intent.Detector, generator *stepgen.Generator, escalator *escalation.Service, learner Learner, cfg Config) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 8
	}
	if cfg.MaxPriorUserMessages < 0 {
		cfg.MaxPriorUserMessages = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		db:        db,
		detector:  detector,
		generator: generator,
		escalator: escalator,
		learner:   learner,
		cfg:       cfg,
	}
}

type MessageRequest struct {
	SessionID    string
	UserID       string
	MachineID    string
	MachineModel string
	Message      string
	Language     string
}

type MessageResponse struct {
	SessionID      string
	MessageType    models.MessageType
	Message        string
	Step           *models.DiagnosticStep
	WorkflowStatus models.SessionStatus
	TicketID       string
}

type FeedbackRequest struct {
	SessionID string
	StepID    string
	Feedback  models.Feedback
	Language  string
}

type FeedbackResponse struct {
	WorkflowStatus    models.SessionStatus
	NextStep          *models.DiagnosticStep
	CompletionMessage string
	TicketID          string
}

// SessionView is a session with everything recorded against it.
type SessionView struct {
	Session  *models.Session
	Steps    []models.DiagnosticStep
	Messages []models.Message
	Tickets  []models.Ticket
}

// StartOrContinue handles one chat message. Without a session id a session
// is created only once the message describes a problem; other messages get
// the generic reply and no session.
func (e *Engine) StartOrContinue(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	text := intent.PlainText(req.Message)
	if text == "" {
		return nil, invalid("message is required")
	}
	lang := intent.NormalizeLanguage(req.Language)

	var session *models.Session
	if req.SessionID == "" {
		if strings.TrimSpace(req.UserID) == "" {
			return nil, invalid("user_id is required")
		}
		if !e.detector.Detect(text, lang) {
			return &MessageResponse{MessageType: models.MessageText, Message: replyGeneric}, nil
		}
		created, err := e.createSession(ctx, req, lang)
		if err != nil {
			return nil, err
		}
		session = created
	} else {
		loaded, err := e.activeSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		session = loaded
	}

	userMsg := e.message(session.ID, models.SenderUser, text, models.MessageText, lang)

	open, err := e.db.GetOpenStep(ctx, session.ID)
	switch {
	case err == nil:
		return e.continueStep(ctx, session, open, userMsg)
	case errors.Is(err, sqlite.ErrNotFound):
		return e.entry(ctx, session, userMsg)
	default:
		return nil, err
	}
}

// SubmitFeedback closes the open step with the user's verdict and moves the
// session on.
func (e *Engine) SubmitFeedback(ctx context.Context, req FeedbackRequest) (*FeedbackResponse, error) {
	if req.SessionID == "" || req.StepID == "" {
		return nil, invalid("session_id and step_id are required")
	}
	if !req.Feedback.Valid() {
		return nil, invalid("unknown feedback %q", req.Feedback)
	}

	session, err := e.activeSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	return e.submit(ctx, session, req.StepID, req.Feedback, nil)
}

// SelectMachine sets the machine a session is about and records it as a
// system message.
func (e *Engine) SelectMachine(ctx context.Context, sessionID, machineID, machineModel string) (*models.Session, error) {
	machineID = strings.TrimSpace(machineID)
	if machineID == "" {
		return nil, invalid("machine_id is required")
	}
	machineModel = strings.TrimSpace(machineModel)
	if machineModel == "" {
		machineModel = machineID
	}

	session, err := e.activeSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	msg := e.message(sessionID, models.SenderSystem, fmt.Sprintf(messageMachineSelected, machineLabel(machineID, machineModel)), models.MessageText, session.Language)
	if err := e.db.SelectMachine(ctx, sessionID, machineID, machineModel, msg, msg.CreatedAt); err != nil {
		return nil, e.mapStoreError(ctx, sessionID, "", err)
	}

	session.MachineID = machineID
	session.MachineModel = machineModel
	return session, nil
}

// Abandon closes an active session at the user's request.
func (e *Engine) Abandon(ctx context.Context, sessionID string) (*FeedbackResponse, error) {
	session, err := e.activeSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	summary := "Abandoned by user"
	reply := e.message(sessionID, models.SenderAssistant, replyAbandoned, models.MessageText, session.Language)
	err = e.db.ApplyTransition(ctx, &sqlite.Transition{
		SessionID:         sessionID,
		At:                reply.CreatedAt,
		Status:            models.SessionAbandoned,
		ResolutionSummary: &summary,
		Messages:          []*models.Message{reply},
	})
	if err != nil {
		return nil, e.mapStoreError(ctx, sessionID, "", err)
	}

	e.terminated(session, models.SessionAbandoned)
	return &FeedbackResponse{WorkflowStatus: models.SessionAbandoned, CompletionMessage: replyAbandoned}, nil
}

// Escalate hands an active session to a technician on the user's request.
func (e *Engine) Escalate(ctx context.Context, sessionID string) (*FeedbackResponse, error) {
	session, err := e.activeSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return e.escalate(ctx, session, escalation.ReasonUserRequested, false, nil, nil)
}

// Rate stores a 1-5 satisfaction rating.
func (e *Engine) Rate(ctx context.Context, sessionID string, rating int) error {
	if rating < 1 || rating > 5 {
		return invalid("rating must be between 1 and 5")
	}
	return e.db.SetSatisfaction(ctx, sessionID, rating)
}

func (e *Engine) GetSession(ctx context.Context, sessionID string) (*SessionView, error) {
	session, err := e.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	steps, err := e.db.ListSteps(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := e.db.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tickets, err := e.db.ListTicketsForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionView{Session: session, Steps: steps, Messages: messages, Tickets: tickets}, nil
}

func (e *Engine) createSession(ctx context.Context, req MessageRequest, lang string) (*models.Session, error) {
	now := e.cfg.Now().UTC()
	machineID := strings.TrimSpace(req.MachineID)
	machineModel := strings.TrimSpace(req.MachineModel)
	if machineModel == "" {
		machineModel = machineID
	}

	session := &models.Session{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		MachineID:    machineID,
		MachineModel: machineModel,
		Status:       models.SessionActive,
		Language:     lang,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.db.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	metrics.SessionsStarted.Inc()
	logger.Info("Session started",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID),
		zap.String("machine_id", machineID),
	)
	return session, nil
}

// entry decides whether a message on a session without an open step starts
// the workflow. Only user-authored messages count as prior turns.
func (e *Engine) entry(ctx context.Context, session *models.Session, userMsg *models.Message) (*MessageResponse, error) {
	prior, err := e.db.CountMessagesBySender(ctx, session.ID, models.SenderUser)
	if err != nil {
		return nil, err
	}

	detected := e.detector.Detect(userMsg.Content, userMsg.Language)
	if !detected || !session.HasMachine() || prior > e.cfg.MaxPriorUserMessages {
		reply := replyGeneric
		if detected && !session.HasMachine() {
			reply = replyNeedMachine
		}
		return e.replyText(ctx, session, userMsg, reply)
	}

	category := e.detector.Categorize(userMsg.Content, userMsg.Language)
	problem := userMsg.Content

	draft := *session
	draft.ProblemCategory = category
	draft.ProblemDescription = problem

	step, err := e.generator.GenerateStep(ctx, &draft, 1, nil)
	if errors.Is(err, stepgen.ErrNoCandidateSolution) {
		res, err := e.escalate(ctx, &draft, escalation.ReasonNoCandidates, false, nil, []*models.Message{userMsg})
		if err != nil {
			return nil, err
		}
		return &MessageResponse{
			SessionID:      session.ID,
			MessageType:    models.MessageEscalation,
			Message:        res.CompletionMessage,
			WorkflowStatus: res.WorkflowStatus,
			TicketID:       res.TicketID,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	reply := e.message(session.ID, models.SenderAssistant, stepMessage(step), models.MessageDiagnosticStep, userMsg.Language)
	err = e.db.ApplyTransition(ctx, &sqlite.Transition{
		SessionID:          session.ID,
		At:                 reply.CreatedAt,
		NewStep:            step,
		ProblemCategory:    &category,
		ProblemDescription: &problem,
		Messages:           []*models.Message{userMsg, reply},
	})
	if err != nil {
		return nil, e.mapStoreError(ctx, session.ID, step.ID, err)
	}

	logger.Info("Diagnostic workflow started",
		zap.String("session_id", session.ID),
		zap.String("category", category),
		zap.Int("prior_user_messages", prior),
	)

	return &MessageResponse{
		SessionID:      session.ID,
		MessageType:    models.MessageDiagnosticStep,
		Message:        reply.Content,
		Step:           step,
		WorkflowStatus: models.SessionActive,
	}, nil
}

// continueStep routes a chat message while a step is open: an explicit
// verdict is treated as feedback, anything else adds context and rephrases
// the open step.
func (e *Engine) continueStep(ctx context.Context, session *models.Session, open *models.DiagnosticStep, userMsg *models.Message) (*MessageResponse, error) {
	if fb, ok := e.detector.ParseFeedback(userMsg.Content, userMsg.Language); ok {
		res, err := e.submit(ctx, session, open.ID, fb, []*models.Message{userMsg})
		if err != nil {
			return nil, err
		}
		out := &MessageResponse{
			SessionID:      session.ID,
			MessageType:    models.MessageText,
			Message:        res.CompletionMessage,
			Step:           res.NextStep,
			WorkflowStatus: res.WorkflowStatus,
			TicketID:       res.TicketID,
		}
		switch {
		case res.NextStep != nil:
			out.MessageType = models.MessageDiagnosticStep
			out.Message = stepMessage(res.NextStep)
		case res.WorkflowStatus == models.SessionEscalated:
			out.MessageType = models.MessageEscalation
		}
		return out, nil
	}

	problem := strings.TrimSpace(session.ProblemDescription + "\n" + userMsg.Content)
	draft := *session
	draft.ProblemDescription = problem

	step := e.generator.RegenerateStep(ctx, &draft, open)
	reply := e.message(session.ID, models.SenderAssistant, stepMessage(step), models.MessageDiagnosticStep, userMsg.Language)
	err := e.db.ApplyTransition(ctx, &sqlite.Transition{
		SessionID:          session.ID,
		At:                 reply.CreatedAt,
		ReplaceStep:        step,
		ProblemDescription: &problem,
		Messages:           []*models.Message{userMsg, reply},
	})
	if err != nil {
		return nil, e.mapStoreError(ctx, session.ID, open.ID, err)
	}

	return &MessageResponse{
		SessionID:      session.ID,
		MessageType:    models.MessageDiagnosticStep,
		Message:        reply.Content,
		Step:           step,
		WorkflowStatus: models.SessionActive,
	}, nil
}

func (e *Engine) submit(ctx context.Context, session *models.Session, stepID string, fb models.Feedback, userMsgs []*models.Message) (*FeedbackResponse, error) {
	open, err := e.db.GetOpenStep(ctx, session.ID)
	if errors.Is(err, sqlite.ErrNotFound) || (err == nil && open.ID != stepID) {
		metrics.StaleSubmissions.Inc()
		return nil, &StaleStepError{SessionID: session.ID, StepID: stepID}
	}
	if err != nil {
		return nil, err
	}

	metrics.FeedbackTotal.WithLabelValues(string(fb)).Inc()
	closeStep := &sqlite.StepCompletion{StepID: open.ID, Feedback: fb}

	if fb == models.FeedbackWorked {
		return e.complete(ctx, session, open, closeStep, userMsgs)
	}

	if open.StepNumber >= e.cfg.MaxSteps {
		return e.escalate(ctx, session, escalation.ReasonStepCeiling, true, closeStep, userMsgs)
	}

	var next *models.DiagnosticStep
	if fb == models.FeedbackPartiallyWorked {
		next = e.generator.RefineStep(ctx, session, open, open.StepNumber+1)
	} else {
		excluded, err := e.failedSolutions(ctx, session.ID, open)
		if err != nil {
			return nil, err
		}
		next, err = e.generator.GenerateStep(ctx, session, open.StepNumber+1, excluded)
		if errors.Is(err, stepgen.ErrNoCandidateSolution) {
			return e.escalate(ctx, session, escalation.ReasonNoCandidates, false, closeStep, userMsgs)
		}
		if err != nil {
			return nil, err
		}
	}

	reply := e.message(session.ID, models.SenderAssistant, stepMessage(next), models.MessageDiagnosticStep, session.Language)
	err = e.db.ApplyTransition(ctx, &sqlite.Transition{
		SessionID: session.ID,
		At:        reply.CreatedAt,
		CloseStep: closeStep,
		NewStep:   next,
		Messages:  append(append([]*models.Message(nil), userMsgs...), reply),
	})
	if err != nil {
		return nil, e.mapStoreError(ctx, session.ID, stepID, err)
	}

	logger.Info("Step feedback recorded",
		zap.String("session_id", session.ID),
		zap.Int("step_number", open.StepNumber),
		zap.String("feedback", string(fb)),
		zap.Int("next_step", next.StepNumber),
	)
	return &FeedbackResponse{WorkflowStatus: models.SessionActive, NextStep: next}, nil
}

func (e *Engine) complete(ctx context.Context, session *models.Session, open *models.DiagnosticStep, closeStep *sqlite.StepCompletion, userMsgs []*models.Message) (*FeedbackResponse, error) {
	summary := open.SolutionDescription
	reply := e.message(session.ID, models.SenderAssistant, replyCompleted, models.MessageText, session.Language)
	err := e.db.ApplyTransition(ctx, &sqlite.Transition{
		SessionID:         session.ID,
		At:                reply.CreatedAt,
		CloseStep:         closeStep,
		Status:            models.SessionCompleted,
		ResolutionSummary: &summary,
		Messages:          append(append([]*models.Message(nil), userMsgs...), reply),
	})
	if err != nil {
		return nil, e.mapStoreError(ctx, session.ID, open.ID, err)
	}

	e.terminated(session, models.SessionCompleted)
	return &FeedbackResponse{WorkflowStatus: models.SessionCompleted, CompletionMessage: replyCompleted}, nil
}

func (e *Engine) escalate(ctx context.Context, session *models.Session, reason string, ceilingReached bool, closeStep *sqlite.StepCompletion, userMsgs []*models.Message) (*FeedbackResponse, error) {
	res, err := e.escalator.Escalate(ctx, escalation.Request{
		Session:        session,
		Reason:         reason,
		CloseStep:      closeStep,
		CeilingReached: ceilingReached,
		Messages:       userMsgs,
		At:             e.cfg.Now().UTC(),
	})
	if err != nil {
		stepID := ""
		if closeStep != nil {
			stepID = closeStep.StepID
		}
		return nil, e.mapStoreError(ctx, session.ID, stepID, err)
	}

	e.terminated(session, models.SessionEscalated)
	return &FeedbackResponse{
		WorkflowStatus:    models.SessionEscalated,
		CompletionMessage: res.Message.Content,
		TicketID:          res.Ticket.ID,
	}, nil
}

func (e *Engine) replyText(ctx context.Context, session *models.Session, userMsg *models.Message, text string) (*MessageResponse, error) {
	reply := e.message(session.ID, models.SenderAssistant, text, models.MessageText, userMsg.Language)
	err := e.db.ApplyTransition(ctx, &sqlite.Transition{
		SessionID: session.ID,
		At:        reply.CreatedAt,
		Messages:  []*models.Message{userMsg, reply},
	})
	if err != nil {
		return nil, e.mapStoreError(ctx, session.ID, "", err)
	}
	return &MessageResponse{
		SessionID:      session.ID,
		MessageType:    models.MessageText,
		Message:        text,
		WorkflowStatus: models.SessionActive,
	}, nil
}

// failedSolutions lists every solution already rejected in this session,
// including the one being rejected now.
func (e *Engine) failedSolutions(ctx context.Context, sessionID string, open *models.DiagnosticStep) ([]string, error) {
	steps, err := e.db.ListSteps(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	excluded := []string{open.SolutionDescription}
	for _, st := range steps {
		if st.Feedback == models.FeedbackDidntWork {
			excluded = append(excluded, st.SolutionDescription)
		}
	}
	return excluded, nil
}

func (e *Engine) activeSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := e.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, &SessionClosedError{SessionID: sessionID, Status: session.Status}
	}
	return session, nil
}

func (e *Engine) terminated(session *models.Session, status models.SessionStatus) {
	metrics.SessionsTerminated.WithLabelValues(string(status)).Inc()
	logger.Info("Session closed",
		zap.String("session_id", session.ID),
		zap.String("status", string(status)),
	)
	if e.learner != nil {
		e.learner.Schedule(session.ID)
	}
}

// mapStoreError converts the store's guard failures into the typed errors
// callers act on.
func (e *Engine) mapStoreError(ctx context.Context, sessionID, stepID string, err error) error {
	switch {
	case errors.Is(err, sqlite.ErrStepNotOpen):
		metrics.StaleSubmissions.Inc()
		return &StaleStepError{SessionID: sessionID, StepID: stepID}
	case errors.Is(err, sqlite.ErrSessionNotActive):
		closed := &SessionClosedError{SessionID: sessionID}
		if s, gerr := e.db.GetSession(ctx, sessionID); gerr == nil {
			closed.Status = s.Status
		}
		return closed
	}
	return err
}

func (e *Engine) message(sessionID string, sender models.Sender, content string, msgType models.MessageType, lang string) *models.Message {
	return &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Sender:    sender,
		Content:   content,
		Type:      msgType,
		Language:  lang,
		CreatedAt: e.cfg.Now().UTC(),
	}
}
