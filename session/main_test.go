package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"listenlabdev/conversation"
	"listenlabdev/logger"
	"listenlabdev/reflection"
	"listenlabdev/scenario"
	"listenlabdev/speech"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScenarios struct {
	generateErr error
	narrateErr  error
}

func (f *fakeScenarios) Generate(ctx context.Context, industry string) (*scenario.Scenario, error) {
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	return &scenario.Scenario{
		Industry:         industry,
		CompanyName:      "Veridian Capital",
		CompanyFunction:  "asset management",
		PersonName:       "Lena Ortiz",
		PersonRole:       "Portfolio Manager",
		DiscussionReason: "a delayed fund launch",
	}, nil
}

func (f *fakeScenarios) Narrate(ctx context.Context, scn *scenario.Scenario) (string, error) {
	if f.narrateErr != nil {
		return "", f.narrateErr
	}
	return "You are meeting Lena Ortiz to discuss the delayed fund launch.", nil
}

type fakeConversations struct {
	openErr     error
	continueErr error
	replies     int
}

func (f *fakeConversations) Open(ctx context.Context, scn *scenario.Scenario) (*conversation.Transcript, string, error) {
	if f.openErr != nil {
		return nil, "", f.openErr
	}
	f.replies++
	reply := fmt.Sprintf("persona line %d", f.replies)
	t := &conversation.Transcript{
		SystemInstruction: "instruction",
		Turns:             []conversation.Turn{{Speaker: conversation.SpeakerPersona, Text: reply}},
	}
	return t, reply, nil
}

func (f *fakeConversations) Continue(ctx context.Context, t *conversation.Transcript, learnerText string) (string, error) {
	if f.continueErr != nil {
		return "", f.continueErr
	}
	f.replies++
	reply := fmt.Sprintf("persona line %d", f.replies)
	t.Turns = append(t.Turns,
		conversation.Turn{Speaker: conversation.SpeakerLearner, Text: learnerText},
		conversation.Turn{Speaker: conversation.SpeakerPersona, Text: reply},
	)
	return reply, nil
}

type fakeReflections struct {
	policy     reflection.Policy
	evaluation reflection.Evaluation
	evalErr    error
}

func (f *fakeReflections) Ask(stage reflection.Stage) (string, error) {
	return "question for " + string(stage), nil
}

func (f *fakeReflections) Evaluate(ctx context.Context, stage reflection.Stage, utterance, answer string) (reflection.Entry, error) {
	evaluation := f.evaluation
	feedback := "well done"
	if f.evalErr != nil || evaluation == "" {
		evaluation = reflection.EvaluationFailed
	}
	if f.evalErr != nil {
		feedback = reflection.FallbackFeedback
	}
	return reflection.Entry{
		Stage:      stage,
		Question:   "question for " + string(stage),
		Answer:     answer,
		Evaluation: evaluation,
		Feedback:   feedback,
	}, f.evalErr
}

func (f *fakeReflections) Policy() reflection.Policy {
	if f.policy == "" {
		return reflection.PolicyAdvisory
	}
	return f.policy
}

type fakeSpeech struct {
	err   error
	calls int
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text, personaName string) (*speech.Artifact, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &speech.Artifact{ID: fmt.Sprintf("audio-%d", f.calls)}, nil
}

type fixture struct {
	ctrl          *Controller
	scenarios     *fakeScenarios
	conversations *fakeConversations
	reflections   *fakeReflections
	speech        *fakeSpeech
}

func newFixture() *fixture {
	f := &fixture{
		scenarios:     &fakeScenarios{},
		conversations: &fakeConversations{},
		reflections:   &fakeReflections{evaluation: reflection.EvaluationPassed},
		speech:        &fakeSpeech{},
	}
	f.ctrl = Connect(ControllerConnectProps{
		Logger:        logger.Connect(logger.LoggerConnectProps{Production: false}),
		Scenarios:     f.scenarios,
		Conversations: f.conversations,
		Reflections:   f.reflections,
		Speech:        f.speech,
	})
	return f
}

func (f *fixture) reflectAll(t *testing.T, id string) {
	t.Helper()
	for i := 0; i < len(reflection.Stages); i++ {
		_, err := f.ctrl.SubmitReflection(context.Background(), id, "my answer")
		require.NoError(t, err)
	}
}

func TestLifecycleEndToEnd(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.ctrl.Create()
	assert.Equal(t, PhaseNoScenario, s.Phase)

	scn, err := f.ctrl.StartScenario(ctx, s.ID, "Finance")
	require.NoError(t, err)
	assert.Equal(t, "Finance", scn.Industry)
	assert.NotEmpty(t, scn.Narrative)

	turn, err := f.ctrl.BeginConversation(ctx, s.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, turn.PersonaText)
	assert.Equal(t, reflection.StageHear, turn.Stage)
	assert.Equal(t, "audio-1", turn.AudioID)

	// Six reflections, in stage order, then the gate lifts.
	for i, stage := range reflection.Stages {
		snap, err := f.ctrl.Snapshot(s.ID)
		require.NoError(t, err)
		assert.Equal(t, PhaseAwaitingReflection, snap.Phase)
		assert.Equal(t, stage, snap.CurrentStage)

		result, err := f.ctrl.SubmitReflection(ctx, s.ID, "my answer")
		require.NoError(t, err)
		assert.True(t, result.Advanced)
		assert.Equal(t, stage, result.Entry.Stage)
		assert.Equal(t, i == len(reflection.Stages)-1, result.TurnComplete)
	}

	snap, err := f.ctrl.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingLearnerInput, snap.Phase)
	require.Len(t, snap.Reflections, 6)
	for i, stage := range reflection.Stages {
		assert.Equal(t, stage, snap.Reflections[i].Stage)
	}

	turn, err = f.ctrl.SubmitLearnerMessage(ctx, s.ID, "I think we should delay the rollout")
	require.NoError(t, err)
	assert.Equal(t, "persona line 2", turn.PersonaText)

	snap, err = f.ctrl.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingReflection, snap.Phase)
	// Exactly two new turns: learner then persona.
	require.Len(t, snap.Turns, 3)
	assert.Equal(t, conversation.SpeakerLearner, snap.Turns[1].Speaker)
	assert.Equal(t, "I think we should delay the rollout", snap.Turns[1].Text)
	assert.Equal(t, conversation.SpeakerPersona, snap.Turns[2].Speaker)
}

func TestScenarioCreatedOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s := f.ctrl.Create()

	_, err := f.ctrl.StartScenario(ctx, s.ID, "Finance")
	require.NoError(t, err)

	_, err = f.ctrl.StartScenario(ctx, s.ID, "Law")
	assert.ErrorIs(t, err, ErrPhase)
}

func TestLearnerInputRejectedDuringReflection(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s := f.ctrl.Create()

	_, err := f.ctrl.StartScenario(ctx, s.ID, "Finance")
	require.NoError(t, err)
	_, err = f.ctrl.BeginConversation(ctx, s.ID)
	require.NoError(t, err)

	_, err = f.ctrl.SubmitLearnerMessage(ctx, s.ID, "too early")
	assert.ErrorIs(t, err, ErrPhase)

	// Answering four of six questions is not enough either.
	for i := 0; i < 4; i++ {
		_, err := f.ctrl.SubmitReflection(ctx, s.ID, "answer")
		require.NoError(t, err)
	}
	_, err = f.ctrl.SubmitLearnerMessage(ctx, s.ID, "still too early")
	assert.ErrorIs(t, err, ErrPhase)
}

func TestNoBackToBackPersonaTurns(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s := f.ctrl.Create()

	_, err := f.ctrl.StartScenario(ctx, s.ID, "Technology")
	require.NoError(t, err)
	_, err = f.ctrl.BeginConversation(ctx, s.ID)
	require.NoError(t, err)

	// A second opening is rejected outright.
	_, err = f.ctrl.BeginConversation(ctx, s.ID)
	assert.ErrorIs(t, err, ErrPhase)

	// Across several cycles: persona turns never exceed completed
	// reflection sets + 1.
	for cycle := 0; cycle < 3; cycle++ {
		f.reflectAll(t, s.ID)

		snap, err := f.ctrl.Snapshot(s.ID)
		require.NoError(t, err)
		personaTurns := 0
		for _, turn := range snap.Turns {
			if turn.Speaker == conversation.SpeakerPersona {
				personaTurns++
			}
		}
		completedSets := len(snap.Reflections) / len(reflection.Stages)
		assert.LessOrEqual(t, personaTurns, completedSets+1)

		_, err = f.ctrl.SubmitLearnerMessage(ctx, s.ID, "next point")
		require.NoError(t, err)
	}
}

func TestReflectionSetsPerPersonaTurn(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s := f.ctrl.Create()

	_, err := f.ctrl.StartScenario(ctx, s.ID, "Healthcare")
	require.NoError(t, err)
	_, err = f.ctrl.BeginConversation(ctx, s.ID)
	require.NoError(t, err)

	const cycles = 3
	for i := 0; i < cycles; i++ {
		f.reflectAll(t, s.ID)
		if i < cycles-1 {
			_, err = f.ctrl.SubmitLearnerMessage(ctx, s.ID, "go on")
			require.NoError(t, err)
		}
	}

	snap, err := f.ctrl.Snapshot(s.ID)
	require.NoError(t, err)

	personaTurns := 0
	for _, turn := range snap.Turns {
		if turn.Speaker == conversation.SpeakerPersona {
			personaTurns++
		}
	}
	require.Equal(t, cycles, personaTurns)
	require.Len(t, snap.Reflections, cycles*len(reflection.Stages))
	for i, entry := range snap.Reflections {
		assert.Equal(t, reflection.Stages[i%len(reflection.Stages)], entry.Stage)
	}
}

func TestAdvisoryPolicyNeverBlocks(t *testing.T) {
	f := newFixture()
	f.reflections.evaluation = reflection.EvaluationFailed
	ctx := context.Background()
	s := f.ctrl.Create()

	_, err := f.ctrl.StartScenario(ctx, s.ID, "Retail")
	require.NoError(t, err)
	_, err = f.ctrl.BeginConversation(ctx, s.ID)
	require.NoError(t, err)

	for range reflection.Stages {
		result, err := f.ctrl.SubmitReflection(ctx, s.ID, "weak answer")
		require.NoError(t, err)
		assert.True(t, result.Advanced)
		assert.Equal(t, reflection.EvaluationFailed, result.Entry.Evaluation)
	}

	snap, err := f.ctrl.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingLearnerInput, snap.Phase)
}

func TestGatedPolicyRepeatsFailedStage(t *testing.T) {
	f := newFixture()
	f.reflections.policy = reflection.PolicyGated
	f.reflections.evaluation = reflection.EvaluationFailed
	ctx := context.Background()
	s := f.ctrl.Create()

	_, err := f.ctrl.StartScenario(ctx, s.ID, "Law")
	require.NoError(t, err)
	_, err = f.ctrl.BeginConversation(ctx, s.ID)
	require.NoError(t, err)

	result, err := f.ctrl.SubmitReflection(ctx, s.ID, "weak answer")
	require.NoError(t, err)
	assert.False(t, result.Advanced)
	assert.Equal(t, reflection.StageHear, result.NextStage)

	snap, err := f.ctrl.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, reflection.StageHear, snap.CurrentStage)
	assert.Empty(t, snap.Reflections)

	// A passing answer moves on.
	f.reflections.evaluation = reflection.EvaluationPassed
	result, err = f.ctrl.SubmitReflection(ctx, s.ID, "better answer")
	require.NoError(t, err)
	assert.True(t, result.Advanced)
	assert.Equal(t, reflection.StageUnderstand, result.NextStage)
}

func TestGatedPolicyStillAdvancesOnScoringFailure(t *testing.T) {
	f := newFixture()
	f.reflections.policy = reflection.PolicyGated
	f.reflections.evalErr = errors.New("scoring service down")
	ctx := context.Background()
	s := f.ctrl.Create()

	_, err := f.ctrl.StartScenario(ctx, s.ID, "Marketing")
	require.NoError(t, err)
	_, err = f.ctrl.BeginConversation(ctx, s.ID)
	require.NoError(t, err)

	result, err := f.ctrl.SubmitReflection(ctx, s.ID, "answer")
	require.NoError(t, err)
	assert.True(t, result.Advanced)
	assert.Equal(t, reflection.FallbackFeedback, result.Entry.Feedback)
}

func TestAudioFailureDoesNotBlockSession(t *testing.T) {
	f := newFixture()
	f.speech.err = errors.New("tts down")
	ctx := context.Background()
	s := f.ctrl.Create()

	_, err := f.ctrl.StartScenario(ctx, s.ID, "Consulting")
	require.NoError(t, err)

	turn, err := f.ctrl.BeginConversation(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, turn.AudioID)
	assert.NotEmpty(t, turn.PersonaText)
}

func TestFailedOpeningAllowsRetry(t *testing.T) {
	f := newFixture()
	f.conversations.openErr = errors.New("service down")
	ctx := context.Background()
	s := f.ctrl.Create()

	_, err := f.ctrl.StartScenario(ctx, s.ID, "Finance")
	require.NoError(t, err)

	_, err = f.ctrl.BeginConversation(ctx, s.ID)
	require.Error(t, err)

	snap, err := f.ctrl.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingPersonaTurn, snap.Phase)

	f.conversations.openErr = nil
	_, err = f.ctrl.BeginConversation(ctx, s.ID)
	require.NoError(t, err)
}

func TestFailedContinuationKeepsPhase(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s := f.ctrl.Create()

	_, err := f.ctrl.StartScenario(ctx, s.ID, "Finance")
	require.NoError(t, err)
	_, err = f.ctrl.BeginConversation(ctx, s.ID)
	require.NoError(t, err)
	f.reflectAll(t, s.ID)

	f.conversations.continueErr = errors.New("service down")
	_, err = f.ctrl.SubmitLearnerMessage(ctx, s.ID, "hello?")
	require.Error(t, err)

	snap, err := f.ctrl.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingLearnerInput, snap.Phase)
}

func TestUnknownSession(t *testing.T) {
	f := newFixture()

	_, err := f.ctrl.Snapshot("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.ctrl.StartScenario(context.Background(), "nope", "Finance")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCurrentQuestionPhaseGate(t *testing.T) {
	f := newFixture()
	s := f.ctrl.Create()

	_, _, err := f.ctrl.CurrentQuestion(s.ID)
	assert.ErrorIs(t, err, ErrPhase)

	ctx := context.Background()
	_, err = f.ctrl.StartScenario(ctx, s.ID, "Finance")
	require.NoError(t, err)
	_, err = f.ctrl.BeginConversation(ctx, s.ID)
	require.NoError(t, err)

	stage, question, err := f.ctrl.CurrentQuestion(s.ID)
	require.NoError(t, err)
	assert.Equal(t, reflection.StageHear, stage)
	assert.NotEmpty(t, question)
}
