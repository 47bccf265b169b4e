package groqapi

import (
	"context"
	"os"
	"testing"
	"time"

	"listenlabdev/logger"
	"listenlabdev/modelapi"
)

func TestGenerateText(t *testing.T) {
	apiKey := os.Getenv("GROQ_SECRET_KEY")
	if apiKey == "" {
		t.Skip("GROQ_SECRET_KEY environment variable not set, skipping test")
	}

	logMiddleware := logger.Connect(logger.LoggerConnectProps{Production: false})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	groq := Connect(ctx, GroqConnectProps{Logger: logMiddleware})

	response, err := groq.GenerateText(ctx, modelapi.GenerateTextProps{
		Messages: []modelapi.ChatMessage{
			{Role: modelapi.USER, Content: "Hello, how are you?"},
		},
	})
	if err != nil {
		t.Fatalf("GenerateText failed: %v", err)
	}

	if response == "" {
		t.Error("Expected non-empty response, got empty string")
	}

	t.Logf("Response received: %s", response)
}
