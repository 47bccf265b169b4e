package reflection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"listenlabdev/logger"
	"listenlabdev/modelapi"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type Stage string

const (
	StageHear       Stage = "Hear"
	StageUnderstand Stage = "Understand"
	StageRemember   Stage = "Remember"
	StageInterpret  Stage = "Interpret"
	StageEvaluate   Stage = "Evaluate"
	StageRespond    Stage = "Respond"
)

// Stages in the fixed order they are visited for every persona turn.
var Stages = []Stage{
	StageHear,
	StageUnderstand,
	StageRemember,
	StageInterpret,
	StageEvaluate,
	StageRespond,
}

var questions = map[Stage]string{
	StageHear:       "What did you hear in the message?",
	StageUnderstand: "What do you understand from this message?",
	StageRemember:   "What key points do you remember from the message?",
	StageInterpret:  "How do you interpret the meaning behind this message?",
	StageEvaluate:   "How would you evaluate the importance or relevance of this message?",
	StageRespond:    "How would you respond to this message?",
}

var ErrInvalidStage = errors.New("unknown reflection stage")

const FallbackFeedback = "Unable to analyze response due to an error."

type Evaluation string

const (
	EvaluationPassed Evaluation = "passed"
	EvaluationFailed Evaluation = "failed"
)

// Entry is one scored learner answer to one stage question. Never mutated
// after scoring.
type Entry struct {
	Stage      Stage      `json:"stage"`
	Question   string     `json:"question"`
	Answer     string     `json:"answer"`
	Evaluation Evaluation `json:"evaluation"`
	Feedback   string     `json:"feedback"`
}

// Policy decides whether a failed evaluation blocks progression to the next
// stage. Advisory scoring is the documented default.
type Policy string

const (
	PolicyAdvisory Policy = "advisory"
	PolicyGated    Policy = "gated"
)

func ParsePolicy(s string) Policy {
	if strings.EqualFold(s, string(PolicyGated)) {
		return PolicyGated
	}
	return PolicyAdvisory
}

type CoachConnectProps struct {
	Logger *logger.LogMiddleware
	LLM    modelapi.TextGenerator
	Policy Policy
}

type Coach struct {
	logger *logger.LogMiddleware
	llm    modelapi.TextGenerator
	policy Policy
}

func Connect(args CoachConnectProps) *Coach {
	policy := args.Policy
	if policy == "" {
		policy = PolicyAdvisory
	}
	return &Coach{logger: args.Logger, llm: args.LLM, policy: policy}
}

func (c *Coach) Policy() Policy {
	return c.policy
}

// Ask returns the fixed question for a stage.
func (c *Coach) Ask(stage Stage) (string, error) {
	question, ok := questions[stage]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	return question, nil
}

// Evaluate scores a learner answer against one HURIER stage. It is total: a
// malformed model verdict or a failed generation call degrades to a failed
// entry with fixed fallback feedback, so the session can still progress. The
// generation error, when present, is returned alongside the usable entry for
// the caller to log.
func (c *Coach) Evaluate(ctx context.Context, stage Stage, personaUtterance, learnerAnswer string) (Entry, error) {
	tracer := otel.Tracer("reflection/Evaluate")
	ctx, span := tracer.Start(ctx, "Evaluate")
	defer span.End()

	span.SetAttributes(
		attribute.String("stage", string(stage)),
		attribute.Int("answer.length", len(learnerAnswer)),
	)

	question, ok := questions[stage]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}

	entry := Entry{
		Stage:      stage,
		Question:   question,
		Answer:     learnerAnswer,
		Evaluation: EvaluationFailed,
		Feedback:   FallbackFeedback,
	}

	prompt := fmt.Sprintf(`Analyze the learner's response for the '%s' element of the HURIER model.

Assistant's message: "%s"
Learner's response: "%s"

Evaluate if the learner's response accurately reflects the quality of the '%s' element.
Provide constructive feedback that is positive, clear, and concrete.

Return your analysis as a JSON object with two keys:
1. "Evaluation": Either "passed" or "failed"
2. "Feedback": Your constructive feedback for the learner

The response should be marked as "passed" if the learner demonstrated a good understanding of the '%s' element, and "failed" if their response needs improvement.`,
		stage, personaUtterance, learnerAnswer, stage, stage)

	raw, err := c.llm.GenerateText(ctx, modelapi.GenerateTextProps{
		Messages: []modelapi.ChatMessage{
			{Role: modelapi.SYSTEM, Content: modelapi.EVALUATOR_SYSTEM_PROMPT},
			{Role: modelapi.USER, Content: prompt},
		},
		ForceJSON: true,
	})
	if err != nil {
		c.logger.Logger(ctx).Error("[Reflection] Scoring call failed, using fallback entry",
			zap.String("stage", string(stage)),
			zap.Error(err))
		span.RecordError(err)
		return entry, err
	}

	evaluation, feedback, ok := decodeVerdict(raw)
	if !ok {
		c.logger.Logger(ctx).Warn("[Reflection] Could not parse verdict, using fallback entry",
			zap.String("stage", string(stage)))
		span.AddEvent("MalformedVerdict")
		return entry, nil
	}

	entry.Evaluation = evaluation
	entry.Feedback = feedback

	c.logger.Logger(ctx).Info("[Reflection] Answer scored",
		zap.String("stage", string(stage)),
		zap.String("evaluation", string(evaluation)))

	return entry, nil
}

// decodeVerdict parses the model's {"Evaluation", "Feedback"} object,
// accepting any key casing. Anything other than a clean "passed" verdict
// counts as failed.
func decodeVerdict(raw string) (Evaluation, string, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &fields); err != nil {
		return "", "", false
	}

	var evaluation, feedback string
	for key, value := range fields {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			continue
		}
		switch strings.ToLower(key) {
		case "evaluation":
			evaluation = s
		case "feedback":
			feedback = s
		}
	}

	if evaluation == "" && feedback == "" {
		return "", "", false
	}

	verdict := EvaluationFailed
	if strings.EqualFold(strings.TrimSpace(evaluation), string(EvaluationPassed)) {
		verdict = EvaluationPassed
	}
	if strings.TrimSpace(feedback) == "" {
		feedback = FallbackFeedback
	}

	return verdict, feedback, true
}
