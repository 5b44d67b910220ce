package consultation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/scof256/hellodoctor-sub007/internal/agent"
	"github.com/scof256/hellodoctor-sub007/internal/intake"
)

// ReportService delivers the handover summary to the clinician.
type ReportService interface {
	SendDoctorReport(ctx context.Context, c Consultation) error
}

// Service runs intake turns and the consultation lifecycle.
type Service interface {
	ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResult, error)
	ProcessVoiceTurn(ctx context.Context, audio []byte, fileName string, req TurnRequest) (string, *TurnResult, error)
	CreateConsultation(ctx context.Context, patientID uuid.UUID) (*Consultation, error)
	GetConsultation(ctx context.Context, id uuid.UUID) (*Consultation, intake.TrackingState, error)
	BookAppointment(ctx context.Context, id uuid.UUID, at time.Time) (*Consultation, error)
	RescheduleAppointment(ctx context.Context, id uuid.UUID, at time.Time) (*Consultation, error)
	CancelAppointment(ctx context.Context, id uuid.UUID) (*Consultation, error)
	CancelConsultation(ctx context.Context, id uuid.UUID) (*Consultation, error)
	SynthesizeSpeech(ctx context.Context, text string) ([]byte, error)
}

// Engine bundles the intake components a Service drives.
type Engine struct {
	Caller   *agent.Caller
	Injector *intake.Injector
	Detector *intake.Detector
	Machine  *intake.Machine
	Weights  intake.Weights
	Prompts  *PromptBook
}

// NewEngine assembles an Engine from its settings. A nil prompt book uses
// the embedded one; empty phrases fall back to the prompt book's.
func NewEngine(caller *agent.Caller, limits intake.Limits, weights intake.Weights, phrases []string, prompts *PromptBook) Engine {
	if prompts == nil {
		prompts = DefaultPromptBook()
	}
	if len(phrases) == 0 {
		phrases = prompts.CompletionPhrases
	}
	return Engine{
		Caller:   caller,
		Injector: intake.NewInjector(limits),
		Detector: intake.NewDetector(phrases),
		Machine:  intake.NewMachine(limits, weights),
		Weights:  weights,
		Prompts:  prompts,
	}
}

type service struct {
	repo        Repository
	engine      Engine
	transcriber agent.Transcriber
	synthesizer agent.Synthesizer
	reportSvc   ReportService
	locks       *sessionLocks
	logger      *log.Logger
	now         func() time.Time
}

// NewService wires the service. repo, transcriber, synthesizer and report
// may be nil; the matching features are then unavailable.
func NewService(repo Repository, engine Engine, stt agent.Transcriber, tts agent.Synthesizer, report ReportService, logger *log.Logger) Service {
	if engine.Prompts == nil {
		engine.Prompts = DefaultPromptBook()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &service{
		repo:        repo,
		engine:      engine,
		transcriber: stt,
		synthesizer: tts,
		reportSvc:   report,
		locks:       newSessionLocks(),
		logger:      logger,
		now:         time.Now,
	}
}

func (s *service) CreateConsultation(ctx context.Context, patientID uuid.UUID) (*Consultation, error) {
	if s.repo == nil {
		return nil, errStorageDisabled
	}
	c := &Consultation{
		ID:        uuid.New(),
		PatientID: patientID,
		MedicalData: intake.MedicalData{
			CurrentAgent: intake.AgentTriage,
		},
		Status:    StatusActive,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *service) GetConsultation(ctx context.Context, id uuid.UUID) (*Consultation, intake.TrackingState, error) {
	if s.repo == nil {
		return nil, intake.TrackingState{}, errStorageDisabled
	}
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, intake.TrackingState{}, err
	}
	return c, s.engine.Machine.Replay(c.Messages(), c.MedicalData), nil
}

// ProcessTurn is the central loop of the intake: derive tracking, build the
// prompt, call the generator reliably, then decide termination and the next
// agent. Turns for the same session run one at a time.
func (s *service) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var c *Consultation
	if req.SessionID != "" && s.repo != nil {
		id, err := uuid.Parse(req.SessionID)
		if err != nil {
			return nil, invalid("sessionId", "sessionId must be a UUID")
		}
		unlock, err := s.locks.acquire(ctx, id.String())
		if err != nil {
			return nil, err
		}
		defer unlock()

		c, err = s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if c.Status == StatusCancelled {
			return nil, ErrSessionClosed
		}
		if req.ClientMessageID != "" {
			rec, err := s.repo.FindTurn(ctx, id, req.ClientMessageID)
			switch {
			case err == nil:
				return s.replayTurn(c, rec), nil
			case !errors.Is(err, ErrNotFound):
				return nil, err
			}
		}
	}

	tracking := s.engine.Machine.Replay(req.History, req.MedicalData)
	prompt := s.engine.Injector.Inject(s.engine.Prompts.Template(req.Mode, tracking.ActiveAgent), tracking)

	outcome, err := s.engine.Caller.Call(ctx, agent.GenerateRequest{
		History: req.History,
		Data:    req.MedicalData,
		Prompt:  prompt,
	})
	if err != nil {
		return nil, err
	}

	merged := req.MedicalData.Clone()
	var proposed string
	if outcome.Payload != nil {
		merged = merged.Merge(outcome.Payload.UpdatedData)
		proposed = outcome.Payload.ActiveAgent
	}

	decision := s.engine.Detector.Evaluate(intake.TerminationInput{
		Utterance:         req.LastUtterance(),
		ActiveAgent:       tracking.ActiveAgent,
		TotalMessages:     tracking.TotalAgentMessages,
		Completeness:      s.engine.Weights.Score(merged),
		HasChiefComplaint: merged.HasChiefComplaint(),
		HasPresentIllness: merged.HasPresentIllness(),
	})

	next, tr := s.engine.Machine.Advance(tracking, merged, intake.Signals{
		Triage:      intake.TriageFromVitals(req.Vitals),
		Termination: decision,
		Proposed:    proposed,
	})
	merged.CurrentAgent = next.ActiveAgent

	result := &TurnResult{
		Reply:       outcome.Reply,
		MedicalData: merged,
		ActiveAgent: next.ActiveAgent,
		Tracking:    next,
		Recovered:   outcome.Recovered,
		Fallback:    outcome.Exhausted,
		Attempts:    outcome.Attempts,
		Transition:  tr,
	}
	if decision.ShouldTerminate() {
		result.Termination = &decision
		s.logger.Printf("session %q: terminating (%s) at %d%% complete", req.SessionID, decision.Kind, next.Completeness)
	}
	if tr.Err != nil {
		result.TransitionError = tr.Err.Error()
		s.logger.Printf("session %q: kept %s, rejected proposal: %v", req.SessionID, tr.From, tr.Err)
	}

	if c != nil {
		if err := s.record(ctx, c, req, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// replayTurn answers a resent message with what was recorded the first time.
func (s *service) replayTurn(c *Consultation, rec *RecordedTurn) *TurnResult {
	tracking := s.engine.Machine.Replay(c.Messages(), c.MedicalData)
	return &TurnResult{
		Reply:       rec.Reply,
		MedicalData: c.MedicalData,
		ActiveAgent: tracking.ActiveAgent,
		Tracking:    tracking,
		Attempts:    0,
		Transition:  intake.Transition{From: tracking.ActiveAgent, To: tracking.ActiveAgent},
		MessageID:   rec.UserMessageID.String(),
		Duplicate:   true,
	}
}

func (s *service) record(ctx context.Context, c *Consultation, req TurnRequest, result *TurnResult) error {
	now := s.now().UTC()
	user := StoredMessage{
		ID:              uuid.New(),
		ClientMessageID: req.ClientMessageID,
		Message:         lastUserMessage(req.History, now),
	}
	assistant := StoredMessage{
		ID: uuid.New(),
		Message: intake.Message{
			Role:      intake.RoleAssistant,
			Content:   result.Reply,
			Agent:     result.ActiveAgent,
			Timestamp: now,
		},
	}
	if err := s.repo.AppendTurn(ctx, c.ID, user, assistant); err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	result.MessageID = user.ID.String()

	c.MedicalData = c.MedicalData.Merge(result.MedicalData)
	c.MedicalData.CurrentAgent = result.ActiveAgent
	if result.ActiveAgent == intake.AgentHandoverSpecialist {
		c.HandOver()
	}
	report := s.reportSvc != nil &&
		c.HandoverReportedAt == nil &&
		result.ActiveAgent == intake.AgentHandoverSpecialist &&
		c.MedicalData.ClinicalHandover.Complete()
	if report {
		c.HandoverReportedAt = &now
	}
	if err := s.repo.SaveState(ctx, c); err != nil {
		return fmt.Errorf("save consultation: %w", err)
	}

	if report {
		snapshot := *c
		snapshot.History = append(append([]StoredMessage(nil), c.History...), user, assistant)
		go func(c Consultation) {
			bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := s.reportSvc.SendDoctorReport(bgCtx, c); err != nil {
				s.logger.Printf("session %s: failed to send handover report: %v", c.ID, err)
				return
			}
			s.logger.Printf("session %s: handover report sent", c.ID)
		}(snapshot)
	}
	return nil
}

func lastUserMessage(history []intake.Message, now time.Time) intake.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == intake.RoleUser {
			m := history[i]
			if m.Timestamp.IsZero() {
				m.Timestamp = now
			}
			return m
		}
	}
	return intake.Message{Role: intake.RoleUser, Timestamp: now}
}

func (s *service) ProcessVoiceTurn(ctx context.Context, audio []byte, fileName string, req TurnRequest) (string, *TurnResult, error) {
	if s.transcriber == nil {
		return "", nil, fmt.Errorf("%w: speech-to-text is disabled", agent.ErrNotConfigured)
	}
	text, err := s.transcriber.Transcribe(ctx, audio, fileName)
	if err != nil {
		return "", nil, err
	}
	if text == "" {
		return "", nil, nil
	}
	req.History = append(append([]intake.Message(nil), req.History...), intake.Message{
		Role:      intake.RoleUser,
		Content:   text,
		Timestamp: s.now().UTC(),
	})
	result, err := s.ProcessTurn(ctx, req)
	return text, result, err
}

func (s *service) SynthesizeSpeech(ctx context.Context, text string) ([]byte, error) {
	if s.synthesizer == nil {
		return nil, fmt.Errorf("%w: text-to-speech is disabled", agent.ErrNotConfigured)
	}
	return s.synthesizer.Synthesize(ctx, text, "")
}

func (s *service) BookAppointment(ctx context.Context, id uuid.UUID, at time.Time) (*Consultation, error) {
	return s.mutate(ctx, id, func(c *Consultation) error { return c.Book(at, s.now()) })
}

func (s *service) RescheduleAppointment(ctx context.Context, id uuid.UUID, at time.Time) (*Consultation, error) {
	return s.mutate(ctx, id, func(c *Consultation) error { return c.Reschedule(at, s.now()) })
}

func (s *service) CancelAppointment(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return s.mutate(ctx, id, func(c *Consultation) error { return c.CancelBooking() })
}

func (s *service) CancelConsultation(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return s.mutate(ctx, id, func(c *Consultation) error {
		c.Cancel()
		return nil
	})
}

// mutate applies one lifecycle operation under the session lock and saves
// the result only if the invariants still hold.
func (s *service) mutate(ctx context.Context, id uuid.UUID, op func(*Consultation) error) (*Consultation, error) {
	if s.repo == nil {
		return nil, errStorageDisabled
	}
	unlock, err := s.locks.acquire(ctx, id.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := op(c); err != nil {
		return nil, err
	}
	if err := c.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("consultation %s: %w", id, err)
	}
	if err := s.repo.SaveState(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

var errStorageDisabled = fmt.Errorf("%w: session storage is disabled", agent.ErrNotConfigured)
