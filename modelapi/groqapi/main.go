package groqapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"listenlabdev/httpmiddleware"
	"listenlabdev/logger"
	"listenlabdev/modelapi"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const GROQ_MODEL_NAME = "llama-3.3-70b-versatile"

type ChatCompletionInputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ResponseFormat struct {
	Type string `json:"type"`
}

type ChatRequestInput struct {
	Model          string                       `json:"model"`
	Messages       []ChatCompletionInputMessage `json:"messages"`
	MaxTokens      int                          `json:"max_tokens"`
	Temperature    *float64                     `json:"temperature,omitempty"`
	ResponseFormat *ResponseFormat              `json:"response_format,omitempty"`
}

type GroqResponse struct {
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GroqConnectProps struct {
	Logger *logger.LogMiddleware
}

type Groq struct {
	logger    *logger.LogMiddleware
	semaphore *semaphore.Weighted
}

func Connect(ctx context.Context, args GroqConnectProps) *Groq {
	tracer := otel.Tracer("groqapi/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	maxWorkers := 10
	sem := semaphore.NewWeighted(int64(maxWorkers))

	span.SetAttributes(attribute.Int("maxWorkers", maxWorkers))

	return &Groq{logger: args.Logger, semaphore: sem}
}

type MakeAPIRequestProps struct {
	Retries      int
	RequestInput ChatRequestInput
}

// Used for retry logic.
func GetExponentialDelaySeconds(retryNumber int) int {
	delayTime := int(5 * math.Pow(2, float64(retryNumber)))
	return delayTime
}

func (o *Groq) MakeAPIRequest(ctx context.Context, args MakeAPIRequestProps) (*GroqResponse, error) {
	tracer := otel.Tracer("groqapi/MakeAPIRequest")
	ctx, span := tracer.Start(ctx, "MakeAPIRequest")
	defer span.End()

	API_KEY := os.Getenv("GROQ_SECRET_KEY")
	URL := "https://api.groq.com/openai/v1/chat/completions"

	span.SetAttributes(
		attribute.String("api.url", URL),
		attribute.Int("request.max_tokens", args.RequestInput.MaxTokens),
		attribute.String("request.model", args.RequestInput.Model),
	)

	requestInput := args.RequestInput
	retries := args.Retries
	originalRetries := args.Retries

	jsonData, err := json.Marshal(requestInput)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("could not generate request body: %w", err)
	}

	span.SetAttributes(attribute.Int("retries", retries))

	if err := o.semaphore.Acquire(ctx, 1); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to acquire semaphore")
	}
	defer o.semaphore.Release(1)

	for retries > 0 {
		sleepTime := GetExponentialDelaySeconds(originalRetries - retries)

		respBody, err := httpmiddleware.HttpRequest(httpmiddleware.HttpRequestStruct{
			Method: "POST",
			Url:    URL,
			Body:   bytes.NewBuffer(jsonData),
			Headers: map[string]string{
				"authorization": "Bearer " + API_KEY,
				"content-type":  "application/json",
			},
		})

		if err != nil {
			span.RecordError(err)
			o.logger.Logger(ctx).Error(
				"[Groq-API] Could not make request to Groq. Retrying after sleeping.",
				zap.Error(err),
				zap.Int("retries_left", retries),
				zap.Int("sleep_time", sleepTime),
			)
			retries -= 1
			time.Sleep(time.Duration(sleepTime) * time.Second)
			continue
		}

		var messageResponse GroqResponse
		err = json.Unmarshal(respBody, &messageResponse)
		if err != nil || len(messageResponse.Choices) == 0 {
			span.RecordError(err)
			retries -= 1
			o.logger.Logger(ctx).Error(
				"[Groq-API] Could not parse Groq response. Retrying after sleeping.",
				zap.Int("retries_left", retries),
				zap.Int("sleep_time", sleepTime),
				zap.Error(err),
				zap.String("response_body", string(respBody)),
			)
			time.Sleep(time.Duration(sleepTime) * time.Second)
			continue
		}

		span.AddEvent("Request successful")
		return &messageResponse, nil
	}

	span.AddEvent("All retries exhausted")
	return nil, fmt.Errorf("groq requests failed")
}

func (o *Groq) GenerateText(ctx context.Context, args modelapi.GenerateTextProps) (string, error) {
	tracer := otel.Tracer("groqapi/GenerateText")
	ctx, span := tracer.Start(ctx, "GenerateText")
	defer span.End()

	span.SetAttributes(
		attribute.Int("messages.count", len(args.Messages)),
		attribute.Bool("force_json", args.ForceJSON),
	)

	messages := make([]ChatCompletionInputMessage, 0, len(args.Messages))
	for _, m := range args.Messages {
		messages = append(messages, ChatCompletionInputMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := args.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}

	requestInput := ChatRequestInput{
		Model:       GROQ_MODEL_NAME,
		MaxTokens:   maxTokens,
		Messages:    messages,
		Temperature: args.Temperature,
	}
	if args.ForceJSON {
		requestInput.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	resp, err := o.MakeAPIRequest(ctx, MakeAPIRequestProps{
		Retries:      3,
		RequestInput: requestInput,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", modelapi.ErrGeneration, err)
	}

	if len(resp.Choices) == 0 || len(resp.Choices[0].Message.Content) == 0 {
		return "", fmt.Errorf("%w: no response received", modelapi.ErrGeneration)
	}

	return resp.Choices[0].Message.Content, nil
}
