package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"listenlabdev/conversation"
	"listenlabdev/logger"
	"listenlabdev/modelapi"
	"listenlabdev/modelapi/deepgramapi"
	"listenlabdev/modelapi/geminiapi"
	"listenlabdev/modelapi/groqapi"
	"listenlabdev/modelapi/openaiapi"
	"listenlabdev/reflection"
	"listenlabdev/scenario"
	"listenlabdev/session"
	"listenlabdev/speech"
	"listenlabdev/telegram"
	"listenlabdev/web"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hyperdxio/opentelemetry-logs-go/exporters/otlp/otlplogs"
	sdk "github.com/hyperdxio/opentelemetry-logs-go/sdk/logs"
	"github.com/hyperdxio/otel-config-go/otelconfig"
)

const defaultPort = "8080"
const defaultSpeechDir = "/tmp/listenlab-audio"

func main() {
	godotenv.Load()
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	production := os.Getenv("PRODUCTION") != ""

	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		log.Fatalf("Error setting up OTel SDK - %e", err)
	}
	defer otelShutdown()
	ctx := context.Background()

	logExporter, _ := otlplogs.NewExporter(ctx)
	loggerProvider := sdk.NewLoggerProvider(sdk.WithBatcher(logExporter))
	defer loggerProvider.Shutdown(ctx)

	LogMiddleware := logger.Connect(logger.LoggerConnectProps{Production: production, LoggerProvider: loggerProvider})
	Logger := LogMiddleware.Logger(ctx)

	openaiClient := openaiapi.Connect(ctx, openaiapi.OpenAIConnectProps{Logger: LogMiddleware})

	// Text generation prefers Gemini, then Groq, then OpenAI, depending on
	// which keys are present.
	var llm modelapi.TextGenerator = openaiClient
	switch {
	case os.Getenv("GEMINI_SECRET_KEY") != "":
		llm = geminiapi.Connect(ctx, geminiapi.GeminiConnectProps{Logger: LogMiddleware})
		Logger.Info("[Server] Using Gemini for text generation")
	case os.Getenv("GROQ_SECRET_KEY") != "":
		llm = groqapi.Connect(ctx, groqapi.GroqConnectProps{Logger: LogMiddleware})
		Logger.Info("[Server] Using Groq for text generation")
	default:
		Logger.Info("[Server] Using OpenAI for text generation")
	}

	var transcriber modelapi.Transcriber
	if os.Getenv("DEEPGRAM_API_KEY") != "" {
		transcriber = deepgramapi.Connect(LogMiddleware)
		Logger.Info("[Server] Voice input enabled via Deepgram")
	}

	speechDir := os.Getenv("SPEECH_DIR")
	if speechDir == "" {
		speechDir = defaultSpeechDir
	}
	if removed, err := speech.Cleanup(speechDir, speech.RetentionWindow); err != nil {
		Logger.Warn("[Server] Speech directory cleanup failed", zap.Error(err))
	} else if removed > 0 {
		Logger.Info("[Server] Removed stale audio artifacts", zap.Int("count", removed))
	}

	renderer, err := speech.Connect(speech.RendererConnectProps{
		Logger: LogMiddleware,
		TTS:    openaiClient,
		Dir:    speechDir,
	})
	if err != nil {
		Logger.Fatal("[Server] Could not prepare speech directory", zap.Error(err))
	}

	scenarios := scenario.Connect(scenario.GeneratorConnectProps{Logger: LogMiddleware, LLM: llm})
	conversations := conversation.Connect(conversation.EngineConnectProps{Logger: LogMiddleware, LLM: llm})
	coach := reflection.Connect(reflection.CoachConnectProps{
		Logger: LogMiddleware,
		LLM:    llm,
		Policy: reflection.ParsePolicy(os.Getenv("REFLECTION_POLICY")),
	})

	controller := session.Connect(session.ControllerConnectProps{
		Logger:        LogMiddleware,
		Scenarios:     scenarios,
		Conversations: conversations,
		Reflections:   coach,
		Speech:        renderer,
	})

	if os.Getenv("TELEGRAM_BOT_TOKEN") != "" {
		bot := telegram.Connect(ctx, telegram.TelegramConnectProps{
			Logger:      LogMiddleware,
			Controller:  controller,
			Transcriber: transcriber,
			Renderer:    renderer,
		})
		go bot.Listen(ctx)
	}

	handler := web.Connect(web.HandlerConnectProps{
		Logger:      LogMiddleware,
		Controller:  controller,
		Renderer:    renderer,
		Transcriber: transcriber,
	})

	Logger.Info("[Server] Listening", zap.String("port", port), zap.Bool("production", production))
	if err := http.ListenAndServe(":"+port, handler.Routes()); err != nil {
		Logger.Fatal("[Server] Server stopped", zap.Error(err))
	}
}
