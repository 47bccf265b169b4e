package conversation

import (
	"context"
	"fmt"
	"strings"

	"listenlabdev/logger"
	"listenlabdev/modelapi"
	"listenlabdev/scenario"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type Speaker string

const (
	SpeakerPersona Speaker = "persona"
	SpeakerLearner Speaker = "learner"
)

type Turn struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Transcript is the append-only record of one simulated conversation. The
// system instruction set at Open is preserved and replayed, with every turn in
// order, on each continuation call. Conversational coherence depends entirely
// on the complete ordered history being sent every time.
type Transcript struct {
	SystemInstruction string `json:"system_instruction"`
	Turns             []Turn `json:"turns"`
}

// Messages renders the transcript as the ordered message list submitted to
// the generation service: the original system instruction first, then every
// turn in transcript order. No truncation, no summarization.
func (t *Transcript) Messages() []modelapi.ChatMessage {
	messages := make([]modelapi.ChatMessage, 0, len(t.Turns)+1)
	messages = append(messages, modelapi.ChatMessage{
		Role:    modelapi.SYSTEM,
		Content: t.SystemInstruction,
	})
	for _, turn := range t.Turns {
		role := modelapi.USER
		if turn.Speaker == SpeakerPersona {
			role = modelapi.ASSISTANT
		}
		messages = append(messages, modelapi.ChatMessage{Role: role, Content: turn.Text})
	}
	return messages
}

// PersonaTurns counts completed persona utterances.
func (t *Transcript) PersonaTurns() int {
	n := 0
	for _, turn := range t.Turns {
		if turn.Speaker == SpeakerPersona {
			n++
		}
	}
	return n
}

func (t *Transcript) LatestPersonaText() string {
	for i := len(t.Turns) - 1; i >= 0; i-- {
		if t.Turns[i].Speaker == SpeakerPersona {
			return t.Turns[i].Text
		}
	}
	return ""
}

type EngineConnectProps struct {
	Logger *logger.LogMiddleware
	LLM    modelapi.TextGenerator
}

type Engine struct {
	logger *logger.LogMiddleware
	llm    modelapi.TextGenerator
}

func Connect(args EngineConnectProps) *Engine {
	return &Engine{logger: args.Logger, llm: args.LLM}
}

func personaInstruction(scn *scenario.Scenario) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a conversational agent designed to help a person work on their listening skills. ")
	fmt.Fprintf(&b, "You will be playing the role of %s, %s at %s (%s). ", scn.PersonName, scn.PersonRole, scn.CompanyName, scn.CompanyFunction)
	fmt.Fprintf(&b, "You are meeting with the learner to discuss %s.", scn.DiscussionReason)
	if scn.Narrative != "" {
		fmt.Fprintf(&b, "\n\nContext: %s", scn.Narrative)
	}
	b.WriteString("\n\nSpeak as though the meeting is already underway. Do not introduce yourself, do not offer to help, and do not break character. ")
	b.WriteString("Respond conversationally to the learner, with appropriate emotion and tone.")
	return b.String()
}

// Open binds the model to the scenario persona and produces the persona's
// opening utterance. The returned transcript holds the system instruction and
// the first persona turn.
func (e *Engine) Open(ctx context.Context, scn *scenario.Scenario) (*Transcript, string, error) {
	tracer := otel.Tracer("conversation/Open")
	ctx, span := tracer.Start(ctx, "Open")
	defer span.End()

	span.SetAttributes(attribute.String("persona", scn.PersonName))

	t := &Transcript{SystemInstruction: personaInstruction(scn)}

	reply, err := e.llm.GenerateText(ctx, modelapi.GenerateTextProps{
		Messages: t.Messages(),
	})
	if err != nil {
		e.logger.Logger(ctx).Error("[Conversation] Could not open conversation", zap.Error(err))
		span.RecordError(err)
		return nil, "", err
	}

	reply = strings.TrimSpace(reply)
	t.Turns = append(t.Turns, Turn{Speaker: SpeakerPersona, Text: reply})

	e.logger.Logger(ctx).Info("[Conversation] Conversation opened",
		zap.String("persona", scn.PersonName),
		zap.Int("reply.length", len(reply)))

	return t, reply, nil
}

// Continue appends the learner's message and the persona's reply to the
// transcript. The full ordered history is resubmitted; on a failed generation
// call the transcript is left untouched so the learner can re-send.
func (e *Engine) Continue(ctx context.Context, t *Transcript, learnerText string) (string, error) {
	tracer := otel.Tracer("conversation/Continue")
	ctx, span := tracer.Start(ctx, "Continue")
	defer span.End()

	span.SetAttributes(
		attribute.Int("transcript.turns", len(t.Turns)),
		attribute.Int("learner_text.length", len(learnerText)),
	)

	messages := append(t.Messages(), modelapi.ChatMessage{
		Role:    modelapi.USER,
		Content: learnerText,
	})

	reply, err := e.llm.GenerateText(ctx, modelapi.GenerateTextProps{
		Messages: messages,
	})
	if err != nil {
		e.logger.Logger(ctx).Error("[Conversation] Could not continue conversation", zap.Error(err))
		span.RecordError(err)
		return "", err
	}

	reply = strings.TrimSpace(reply)
	t.Turns = append(t.Turns,
		Turn{Speaker: SpeakerLearner, Text: learnerText},
		Turn{Speaker: SpeakerPersona, Text: reply},
	)

	e.logger.Logger(ctx).Info("[Conversation] Turn completed",
		zap.Int("transcript.turns", len(t.Turns)))

	return reply, nil
}
