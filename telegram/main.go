package telegram

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"listenlabdev/httpmiddleware"
	"listenlabdev/logger"
	"listenlabdev/modelapi"
	"listenlabdev/reflection"
	"listenlabdev/scenario"
	"listenlabdev/session"
	"listenlabdev/speech"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const industryCallbackPrefix = "industry:"

type TelegramConnectProps struct {
	Logger      *logger.LogMiddleware
	Controller  *session.Controller
	Transcriber modelapi.Transcriber // optional; voice notes are ignored when nil
	Renderer    *speech.Renderer     // optional; persona replies are text only when nil
}

type Telegram struct {
	logger      *logger.LogMiddleware
	bot         *tgbotapi.BotAPI
	controller  *session.Controller
	transcriber modelapi.Transcriber
	renderer    *speech.Renderer

	mu       sync.Mutex
	sessions map[int64]string
}

func Connect(ctx context.Context, args TelegramConnectProps) *Telegram {
	tracer := otel.Tracer("telegram/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	botToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	if botToken == "" {
		args.Logger.Logger(ctx).Fatal("TELEGRAM_BOT_TOKEN environment variable not set")
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		args.Logger.Logger(ctx).Fatal("Failed to create Telegram bot", zap.Error(err))
	}

	debug := os.Getenv("TELEGRAM_DEBUG") == "true"
	bot.Debug = debug

	span.SetAttributes(
		attribute.String("bot.username", bot.Self.UserName),
		attribute.Bool("bot.debug", debug),
	)

	args.Logger.Logger(ctx).Info("Telegram bot connected successfully",
		zap.String("username", bot.Self.UserName),
		zap.Bool("debug", debug),
	)

	return &Telegram{
		logger:      args.Logger,
		bot:         bot,
		controller:  args.Controller,
		transcriber: args.Transcriber,
		renderer:    args.Renderer,
		sessions:    make(map[int64]string),
	}
}

func (t *Telegram) Listen(ctx context.Context) {
	tracer := otel.Tracer("telegram/Listen")
	ctx, span := tracer.Start(ctx, "Listen")
	defer span.End()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := t.bot.GetUpdatesChan(u)

	t.logger.Logger(ctx).Info("Starting Telegram bot message listener")

	for {
		select {
		case <-ctx.Done():
			t.logger.Logger(ctx).Info("Shutting down Telegram bot listener")
			return
		case update := <-updates:
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	tracer := otel.Tracer("telegram/handleUpdate")
	ctx, span := tracer.Start(ctx, "handleUpdate")
	defer span.End()

	switch {
	case update.Message != nil:
		t.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		t.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

// sessionFor maps a chat onto its live practice session, creating one on
// first contact.
func (t *Telegram) sessionFor(chatID int64) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.sessions[chatID]; ok {
		return id
	}
	s := t.controller.Create()
	t.sessions[chatID] = s.ID
	return s.ID
}

func (t *Telegram) resetSession(chatID int64) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.controller.Create()
	t.sessions[chatID] = s.ID
	return s.ID
}

func (t *Telegram) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	tracer := otel.Tracer("telegram/handleMessage")
	ctx, span := tracer.Start(ctx, "handleMessage")
	defer span.End()

	if message.From == nil {
		return
	}

	user := message.From
	span.SetAttributes(
		attribute.Int64("user.id", user.ID),
		attribute.String("user.username", user.UserName),
	)

	t.logger.Logger(ctx).Info("Received message",
		zap.Int64("user_id", user.ID),
		zap.String("username", user.UserName),
		zap.String("text", message.Text),
	)

	chatID := message.Chat.ID

	switch {
	case message.IsCommand():
		t.handleCommand(ctx, chatID, message.Command())
	case message.Voice != nil:
		t.handleVoiceNote(ctx, chatID, message.Voice)
	case message.Text != "":
		t.routeText(ctx, chatID, message.Text)
	}
}

func (t *Telegram) handleCommand(ctx context.Context, chatID int64, command string) {
	switch command {
	case "start", "scenario":
		t.resetSession(chatID)
		t.sendText(ctx, chatID, "Welcome to active listening practice. Pick an industry for your scenario:")
		t.sendIndustryKeyboard(ctx, chatID)
	case "status":
		snap, err := t.controller.Snapshot(t.sessionFor(chatID))
		if err != nil {
			t.sendText(ctx, chatID, "No active session. Send /start to begin.")
			return
		}
		t.sendText(ctx, chatID, fmt.Sprintf("Session phase: %s. Reflections recorded: %d.", snap.Phase, len(snap.Reflections)))
	default:
		t.sendText(ctx, chatID, "Commands: /start to begin a new scenario, /status to check progress.")
	}
}

func (t *Telegram) sendIndustryKeyboard(ctx context.Context, chatID int64) {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(scenario.Industries))
	for _, industry := range scenario.Industries {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(industry, industryCallbackPrefix+industry),
		))
	}

	msg := tgbotapi.NewMessage(chatID, "Industries:")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Logger(ctx).Error("Failed to send industry keyboard", zap.Error(err))
	}
}

func (t *Telegram) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	tracer := otel.Tracer("telegram/handleCallbackQuery")
	ctx, span := tracer.Start(ctx, "handleCallbackQuery")
	defer span.End()

	if query.From == nil || query.Message == nil {
		return
	}

	span.SetAttributes(
		attribute.Int64("user.id", query.From.ID),
		attribute.String("callback.data", query.Data),
	)

	callback := tgbotapi.NewCallback(query.ID, "")
	if _, err := t.bot.Request(callback); err != nil {
		t.logger.Logger(ctx).Error("Failed to acknowledge callback", zap.Error(err))
	}

	if !strings.HasPrefix(query.Data, industryCallbackPrefix) {
		return
	}
	industry := strings.TrimPrefix(query.Data, industryCallbackPrefix)
	chatID := query.Message.Chat.ID
	sessionID := t.sessionFor(chatID)

	scn, err := t.controller.StartScenario(ctx, sessionID, industry)
	if err != nil {
		t.logger.Logger(ctx).Error("Failed to start scenario", zap.Error(err))
		t.sendText(ctx, chatID, "Could not build a scenario right now. Send /start to try again.")
		return
	}

	t.sendText(ctx, chatID, scn.Narrative)

	turn, err := t.controller.BeginConversation(ctx, sessionID)
	if err != nil {
		t.logger.Logger(ctx).Error("Failed to open conversation", zap.Error(err))
		t.sendText(ctx, chatID, "Could not open the conversation. Send any message to retry.")
		return
	}
	t.sendPersonaTurn(ctx, chatID, scn.PersonName, turn)
}

// routeText feeds learner text into whichever step of the lifecycle the
// session is waiting on.
func (t *Telegram) routeText(ctx context.Context, chatID int64, text string) {
	sessionID := t.sessionFor(chatID)

	snap, err := t.controller.Snapshot(sessionID)
	if err != nil {
		t.sendText(ctx, chatID, "Send /start to begin a new scenario.")
		return
	}

	switch snap.Phase {
	case session.PhaseNoScenario:
		t.sendText(ctx, chatID, "Pick an industry first:")
		t.sendIndustryKeyboard(ctx, chatID)

	case session.PhaseAwaitingPersonaTurn:
		// A failed opening leaves the session here; any message retries it.
		turn, err := t.controller.BeginConversation(ctx, sessionID)
		if err != nil {
			t.logger.Logger(ctx).Error("Failed to open conversation", zap.Error(err))
			t.sendText(ctx, chatID, "Could not open the conversation. Send any message to retry.")
			return
		}
		t.sendPersonaTurn(ctx, chatID, personName(snap), turn)

	case session.PhaseAwaitingReflection:
		result, err := t.controller.SubmitReflection(ctx, sessionID, text)
		if err != nil {
			t.logger.Logger(ctx).Error("Failed to submit reflection", zap.Error(err))
			t.sendText(ctx, chatID, "Could not score that answer. Please try again.")
			return
		}
		t.sendText(ctx, chatID, fmt.Sprintf("%s. %s", verdictLabel(result.Entry.Evaluation), result.Entry.Feedback))
		if result.TurnComplete {
			t.sendText(ctx, chatID, "All six reflections done. Now reply to them in the conversation.")
		} else {
			t.sendText(ctx, chatID, fmt.Sprintf("%s: %s", result.NextStage, result.NextQuestion))
		}

	case session.PhaseAwaitingLearnerInput:
		turn, err := t.controller.SubmitLearnerMessage(ctx, sessionID, text)
		if err != nil {
			t.logger.Logger(ctx).Error("Failed to submit learner message", zap.Error(err))
			t.sendText(ctx, chatID, "Could not deliver that message. Please try again.")
			return
		}
		t.sendPersonaTurn(ctx, chatID, personName(snap), turn)
	}
}

func (t *Telegram) handleVoiceNote(ctx context.Context, chatID int64, voice *tgbotapi.Voice) {
	tracer := otel.Tracer("telegram/handleVoiceNote")
	ctx, span := tracer.Start(ctx, "handleVoiceNote")
	defer span.End()

	if t.transcriber == nil {
		t.sendText(ctx, chatID, "Voice input is not configured. Please type your answer.")
		return
	}

	fileURL, err := t.bot.GetFileDirectURL(voice.FileID)
	if err != nil {
		t.logger.Logger(ctx).Error("Failed to resolve voice file", zap.Error(err))
		t.sendText(ctx, chatID, "Could not fetch that voice note. Please try again.")
		return
	}

	audio, err := httpmiddleware.HttpRequest(httpmiddleware.HttpRequestStruct{
		Method: "GET",
		Url:    fileURL,
	})
	if err != nil {
		t.logger.Logger(ctx).Error("Failed to download voice file", zap.Error(err))
		t.sendText(ctx, chatID, "Could not fetch that voice note. Please try again.")
		return
	}

	text, err := t.transcriber.Transcribe(ctx, audio)
	if err != nil {
		t.logger.Logger(ctx).Error("Failed to transcribe voice note", zap.Error(err))
		t.sendText(ctx, chatID, "Could not understand that voice note. Please try again.")
		return
	}

	t.sendText(ctx, chatID, fmt.Sprintf("You said: %s", text))
	t.routeText(ctx, chatID, text)
}

// sendPersonaTurn delivers a persona reply as a voice note when audio is
// available, then poses the first reflection question.
func (t *Telegram) sendPersonaTurn(ctx context.Context, chatID int64, persona string, turn *session.TurnResult) {
	if persona == "" {
		persona = "Persona"
	}
	t.sendText(ctx, chatID, fmt.Sprintf("%s: %s", persona, turn.PersonaText))

	if t.renderer != nil && turn.AudioID != "" {
		if data, err := t.renderer.ReadArtifact(turn.AudioID); err == nil {
			msg := tgbotapi.NewVoice(chatID, tgbotapi.FileBytes{Name: turn.AudioID + ".mp3", Bytes: data})
			if _, err := t.bot.Send(msg); err != nil {
				t.logger.Logger(ctx).Error("Failed to send voice reply", zap.Error(err))
			}
		}
	}

	t.sendText(ctx, chatID, fmt.Sprintf("%s: %s", turn.Stage, turn.Question))
}

func (t *Telegram) sendText(ctx context.Context, chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Logger(ctx).Error("Failed to send message", zap.Error(err))
	}
}

func verdictLabel(e reflection.Evaluation) string {
	if e == reflection.EvaluationPassed {
		return "Passed"
	}
	return "Needs work"
}

func personName(snap *session.Snapshot) string {
	if snap != nil && snap.Scenario != nil {
		return snap.Scenario.PersonName
	}
	return ""
}
