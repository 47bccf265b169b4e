package openaiapi

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"listenlabdev/logger"
	"listenlabdev/modelapi"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

const (
	CHAT_MODEL = openai.ChatModelGPT4oMini
	TTS_MODEL  = openai.SpeechModelTTS1
)

const (
	maxRetries = 3
	baseDelay  = 1 * time.Second
)

type OpenAI struct {
	logger    *logger.LogMiddleware
	semaphore *semaphore.Weighted
	client    *openai.Client
}

type OpenAIConnectProps struct {
	Logger *logger.LogMiddleware
}

func exponentialBackoff(attempt int) time.Duration {
	return baseDelay * time.Duration(1<<uint(attempt))
}

func Connect(ctx context.Context, args OpenAIConnectProps) *OpenAI {
	tracer := otel.Tracer("openaiapi/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()
	args.Logger.Logger(ctx).Info("[OpenAIAPI] Connecting OpenAI API client")

	maxWorkers := 10
	sem := semaphore.NewWeighted(int64(maxWorkers))

	OPENAI_SECRET_KEY := os.Getenv("OPENAI_SECRET_KEY")

	span.SetAttributes(attribute.Int("maxWorkers", maxWorkers))
	client := openai.NewClient(
		option.WithAPIKey(OPENAI_SECRET_KEY),
	)

	return &OpenAI{logger: args.Logger, semaphore: sem, client: &client}
}

func (o *OpenAI) GenerateText(ctx context.Context, args modelapi.GenerateTextProps) (string, error) {
	tracer := otel.Tracer("openaiapi/GenerateText")
	ctx, span := tracer.Start(ctx, "GenerateText")
	defer span.End()

	span.SetAttributes(
		attribute.Int("messages.count", len(args.Messages)),
		attribute.Bool("force_json", args.ForceJSON),
	)

	if err := o.semaphore.Acquire(ctx, 1); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: failed to acquire semaphore: %v", modelapi.ErrGeneration, err)
	}
	defer o.semaphore.Release(1)

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(args.Messages))
	for _, m := range args.Messages {
		switch m.Role {
		case modelapi.SYSTEM:
			messages = append(messages, openai.SystemMessage(m.Content))
		case modelapi.ASSISTANT:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    CHAT_MODEL,
		Messages: messages,
	}
	if args.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(args.MaxTokens))
	}
	if args.Temperature != nil {
		params.Temperature = openai.Float(*args.Temperature)
	}
	if args.ForceJSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	var resp *openai.ChatCompletion
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		span.AddEvent("Attempt", trace.WithAttributes(attribute.Int("attemptNumber", attempt+1)))

		resp, err = o.client.Chat.Completions.New(ctx, params)
		if err == nil && len(resp.Choices) > 0 && resp.Choices[0].Message.Content != "" {
			span.AddEvent("LLM generation successful")
			return resp.Choices[0].Message.Content, nil
		}

		if err != nil {
			span.RecordError(err)
			o.logger.Logger(ctx).Warn("[OpenAIAPI] Error generating LLM content, retrying...",
				zap.Error(err),
				zap.Int("attempt", attempt+1),
				zap.Int("maxRetries", maxRetries))
		} else {
			o.logger.Logger(ctx).Warn("[OpenAIAPI] Received empty or invalid response, retrying...",
				zap.Int("attempt", attempt+1),
				zap.Int("maxRetries", maxRetries))
			span.AddEvent("EmptyResponse")
		}

		if attempt < maxRetries-1 {
			delay := exponentialBackoff(attempt)
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", modelapi.ErrGeneration, ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	if err != nil {
		o.logger.Logger(ctx).Error("[OpenAIAPI] Final error generating LLM content after retries", zap.Error(err))
		return "", fmt.Errorf("%w: %v", modelapi.ErrGeneration, err)
	}
	return "", fmt.Errorf("%w: no response received", modelapi.ErrGeneration)
}

func (o *OpenAI) GenerateSpeech(ctx context.Context, inputText string, voice string) ([]byte, error) {
	tracer := otel.Tracer("openaiapi/GenerateSpeech")
	ctx, span := tracer.Start(ctx, "GenerateSpeech")
	defer span.End()

	o.logger.Logger(ctx).Info("[OpenAIAPI] Generating speech",
		zap.Int("inputText.length", len(inputText)),
		zap.String("voice", voice))

	if err := o.semaphore.Acquire(ctx, 1); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: failed to acquire semaphore: %v", modelapi.ErrSynthesis, err)
	}
	defer o.semaphore.Release(1)

	res, err := o.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
		Model:          TTS_MODEL,
		Input:          inputText,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", modelapi.ErrSynthesis, err)
	}
	defer res.Body.Close()

	audioBytes, err := io.ReadAll(res.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", modelapi.ErrSynthesis, err)
	}

	o.logger.Logger(ctx).Info("[OpenAIAPI] Successfully generated speech",
		zap.Int("audioSize", len(audioBytes)))

	return audioBytes, nil
}
