package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"listenlabdev/conversation"
	"listenlabdev/logger"
	"listenlabdev/reflection"
	"listenlabdev/scenario"
	"listenlabdev/speech"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type Phase string

const (
	PhaseNoScenario           Phase = "no_scenario"
	PhaseAwaitingPersonaTurn  Phase = "awaiting_persona_turn"
	PhaseAwaitingReflection   Phase = "awaiting_reflection"
	PhaseAwaitingLearnerInput Phase = "awaiting_learner_input"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrPhase    = errors.New("action not allowed in current phase")
)

// Session holds everything needed to resume the lifecycle between user
// actions. Nothing about a session lives outside this record.
type Session struct {
	ID          string
	Phase       Phase
	Scenario    *scenario.Scenario
	Transcript  *conversation.Transcript
	Reflections []reflection.Entry
	AudioID     string

	// stageIndex counts recorded reflection entries for the latest persona
	// turn; 6 means the turn is fully reflected upon.
	stageIndex int

	mu sync.Mutex
}

type ScenarioService interface {
	Generate(ctx context.Context, industry string) (*scenario.Scenario, error)
	Narrate(ctx context.Context, scn *scenario.Scenario) (string, error)
}

type ConversationService interface {
	Open(ctx context.Context, scn *scenario.Scenario) (*conversation.Transcript, string, error)
	Continue(ctx context.Context, t *conversation.Transcript, learnerText string) (string, error)
}

type ReflectionService interface {
	Ask(stage reflection.Stage) (string, error)
	Evaluate(ctx context.Context, stage reflection.Stage, personaUtterance, learnerAnswer string) (reflection.Entry, error)
	Policy() reflection.Policy
}

type SpeechService interface {
	Synthesize(ctx context.Context, text, personaName string) (*speech.Artifact, error)
}

type ControllerConnectProps struct {
	Logger        *logger.LogMiddleware
	Scenarios     ScenarioService
	Conversations ConversationService
	Reflections   ReflectionService
	Speech        SpeechService // optional; sessions run without audio when nil
}

// Controller owns all live sessions and sequences the lifecycle: scenario
// creation, opening persona turn, six reflections per persona turn, gated
// progression to the next learner turn.
type Controller struct {
	logger        *logger.LogMiddleware
	scenarios     ScenarioService
	conversations ConversationService
	reflections   ReflectionService
	speech        SpeechService

	mu       sync.RWMutex
	sessions map[string]*Session
}

func Connect(args ControllerConnectProps) *Controller {
	return &Controller{
		logger:        args.Logger,
		scenarios:     args.Scenarios,
		conversations: args.Conversations,
		reflections:   args.Reflections,
		speech:        args.Speech,
		sessions:      make(map[string]*Session),
	}
}

func (c *Controller) Create() *Session {
	s := &Session{
		ID:    uuid.NewString(),
		Phase: PhaseNoScenario,
	}

	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()

	return s
}

func (c *Controller) get(id string) (*Session, error) {
	c.mu.RLock()
	s, ok := c.sessions[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return s, nil
}

// StartScenario generates and narrates the scenario for the session. The
// scenario is created once; a session that already has one rejects the call.
func (c *Controller) StartScenario(ctx context.Context, id, industry string) (*scenario.Scenario, error) {
	tracer := otel.Tracer("session/StartScenario")
	ctx, span := tracer.Start(ctx, "StartScenario")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", id), attribute.String("industry", industry))

	s, err := c.get(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Phase != PhaseNoScenario {
		return nil, fmt.Errorf("%w: scenario already created", ErrPhase)
	}

	scn, err := c.scenarios.Generate(ctx, industry)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	narrative, err := c.scenarios.Narrate(ctx, scn)
	if err != nil {
		// Scenario setup halts; the session stays in NoScenario for an
		// explicit re-trigger.
		span.RecordError(err)
		return nil, err
	}
	scn.Narrative = narrative

	s.Scenario = scn
	s.Phase = PhaseAwaitingPersonaTurn

	c.logger.Logger(ctx).Info("[Session] Scenario created",
		zap.String("session_id", s.ID),
		zap.String("industry", industry),
		zap.String("persona", scn.PersonName))

	return scn, nil
}

// TurnResult describes a freshly generated persona turn and the first
// reflection question that now gates progression.
type TurnResult struct {
	PersonaText string
	AudioID     string
	Stage       reflection.Stage
	Question    string
}

// BeginConversation produces the persona's opening utterance and moves the
// session into the reflection phase. A failed opening leaves the session in
// AwaitingPersonaTurn for an explicit retry.
func (c *Controller) BeginConversation(ctx context.Context, id string) (*TurnResult, error) {
	tracer := otel.Tracer("session/BeginConversation")
	ctx, span := tracer.Start(ctx, "BeginConversation")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", id))

	s, err := c.get(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Phase != PhaseAwaitingPersonaTurn {
		return nil, fmt.Errorf("%w: conversation cannot be opened in phase %s", ErrPhase, s.Phase)
	}

	t, reply, err := c.conversations.Open(ctx, s.Scenario)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.Transcript = t
	s.Phase = PhaseAwaitingReflection
	s.stageIndex = 0
	s.AudioID = c.renderAudio(ctx, s, reply)

	stage := reflection.Stages[0]
	question, err := c.reflections.Ask(stage)
	if err != nil {
		return nil, err
	}

	c.logger.Logger(ctx).Info("[Session] Conversation opened",
		zap.String("session_id", s.ID),
		zap.Int("transcript.turns", len(t.Turns)))

	return &TurnResult{
		PersonaText: reply,
		AudioID:     s.AudioID,
		Stage:       stage,
		Question:    question,
	}, nil
}

// renderAudio synthesizes the utterance best-effort. Audio is decorative; a
// synthesis failure is logged and the session continues silently.
func (c *Controller) renderAudio(ctx context.Context, s *Session, text string) string {
	if c.speech == nil {
		return ""
	}
	artifact, err := c.speech.Synthesize(ctx, text, s.Scenario.PersonName)
	if err != nil {
		c.logger.Logger(ctx).Warn("[Session] Audio rendering failed, continuing without audio",
			zap.String("session_id", s.ID),
			zap.Error(err))
		return ""
	}
	return artifact.ID
}

// CurrentQuestion reports the pending reflection stage and its question.
func (c *Controller) CurrentQuestion(id string) (reflection.Stage, string, error) {
	s, err := c.get(id)
	if err != nil {
		return "", "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Phase != PhaseAwaitingReflection {
		return "", "", fmt.Errorf("%w: no reflection pending in phase %s", ErrPhase, s.Phase)
	}

	stage := reflection.Stages[s.stageIndex]
	question, err := c.reflections.Ask(stage)
	if err != nil {
		return "", "", err
	}
	return stage, question, nil
}

// ReflectionResult reports one scoring outcome and where the session stands
// afterwards.
type ReflectionResult struct {
	Entry        reflection.Entry
	Advanced     bool
	TurnComplete bool
	NextStage    reflection.Stage
	NextQuestion string
}

// SubmitReflection scores the learner's answer for the pending stage. Under
// the advisory policy the outcome never blocks progression; under the gated
// policy a failed answer keeps the stage pending for a retry. A scoring call
// that fails outright still records a fallback entry and advances, so the
// session can always progress.
func (c *Controller) SubmitReflection(ctx context.Context, id, answer string) (*ReflectionResult, error) {
	tracer := otel.Tracer("session/SubmitReflection")
	ctx, span := tracer.Start(ctx, "SubmitReflection")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", id))

	s, err := c.get(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Phase != PhaseAwaitingReflection {
		return nil, fmt.Errorf("%w: no reflection pending in phase %s", ErrPhase, s.Phase)
	}

	stage := reflection.Stages[s.stageIndex]
	utterance := s.Transcript.LatestPersonaText()

	entry, evalErr := c.reflections.Evaluate(ctx, stage, utterance, answer)
	if evalErr != nil {
		if errors.Is(evalErr, reflection.ErrInvalidStage) {
			return nil, evalErr
		}
		c.logger.Logger(ctx).Warn("[Session] Scoring failed, recording fallback entry",
			zap.String("session_id", s.ID),
			zap.String("stage", string(stage)),
			zap.Error(evalErr))
		span.RecordError(evalErr)
	}

	advance := c.reflections.Policy() == reflection.PolicyAdvisory ||
		entry.Evaluation == reflection.EvaluationPassed ||
		evalErr != nil

	result := &ReflectionResult{Entry: entry, Advanced: advance}

	if !advance {
		// Gated policy: the failed attempt is not recorded; the same stage
		// stays pending.
		result.NextStage = stage
		result.NextQuestion = entry.Question
		return result, nil
	}

	s.Reflections = append(s.Reflections, entry)
	s.stageIndex++

	if s.stageIndex >= len(reflection.Stages) {
		s.Phase = PhaseAwaitingLearnerInput
		result.TurnComplete = true
		c.logger.Logger(ctx).Info("[Session] Turn fully reflected upon",
			zap.String("session_id", s.ID),
			zap.Int("reflections.total", len(s.Reflections)))
		return result, nil
	}

	next := reflection.Stages[s.stageIndex]
	question, err := c.reflections.Ask(next)
	if err != nil {
		return nil, err
	}
	result.NextStage = next
	result.NextQuestion = question
	return result, nil
}

// SubmitLearnerMessage appends the learner's turn, produces the persona's
// reply, and opens the next reflection round. Rejected while reflections are
// pending: a second persona turn can never be generated without an
// intervening, fully reflected learner turn.
func (c *Controller) SubmitLearnerMessage(ctx context.Context, id, text string) (*TurnResult, error) {
	tracer := otel.Tracer("session/SubmitLearnerMessage")
	ctx, span := tracer.Start(ctx, "SubmitLearnerMessage")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", id))

	s, err := c.get(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Phase != PhaseAwaitingLearnerInput {
		return nil, fmt.Errorf("%w: learner input not accepted in phase %s", ErrPhase, s.Phase)
	}

	reply, err := c.conversations.Continue(ctx, s.Transcript, text)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.Phase = PhaseAwaitingReflection
	s.stageIndex = 0
	s.AudioID = c.renderAudio(ctx, s, reply)

	stage := reflection.Stages[0]
	question, err := c.reflections.Ask(stage)
	if err != nil {
		return nil, err
	}

	c.logger.Logger(ctx).Info("[Session] Learner turn completed",
		zap.String("session_id", s.ID),
		zap.Int("transcript.turns", len(s.Transcript.Turns)))

	return &TurnResult{
		PersonaText: reply,
		AudioID:     s.AudioID,
		Stage:       stage,
		Question:    question,
	}, nil
}

// Snapshot is the read-only view the UI layer renders from.
type Snapshot struct {
	ID              string              `json:"id"`
	Phase           Phase               `json:"phase"`
	Scenario        *scenario.Scenario  `json:"scenario,omitempty"`
	Turns           []conversation.Turn `json:"turns"`
	Reflections     []reflection.Entry  `json:"reflections"`
	CurrentStage    reflection.Stage    `json:"current_stage,omitempty"`
	CurrentQuestion string              `json:"current_question,omitempty"`
	AudioID         string              `json:"audio_id,omitempty"`
}

func (c *Controller) Snapshot(id string) (*Snapshot, error) {
	s, err := c.get(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		ID:          s.ID,
		Phase:       s.Phase,
		Scenario:    s.Scenario,
		Reflections: append([]reflection.Entry(nil), s.Reflections...),
		AudioID:     s.AudioID,
	}
	if s.Transcript != nil {
		snap.Turns = append([]conversation.Turn(nil), s.Transcript.Turns...)
	}
	if s.Phase == PhaseAwaitingReflection {
		stage := reflection.Stages[s.stageIndex]
		snap.CurrentStage = stage
		if question, err := c.reflections.Ask(stage); err == nil {
			snap.CurrentQuestion = question
		}
	}
	return snap, nil
}
