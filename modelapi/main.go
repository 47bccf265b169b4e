package modelapi

import (
	"context"
	"errors"
)

const (
	ASSISTANT = "assistant"
	SYSTEM    = "system"
	USER      = "user"
)

var (
	// ErrGeneration marks a failed text-generation round trip.
	ErrGeneration = errors.New("text generation failed")
	// ErrSynthesis marks a failed speech-synthesis round trip.
	ErrSynthesis = errors.New("speech synthesis failed")
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GenerateTextProps struct {
	Messages    []ChatMessage
	ForceJSON   bool
	Temperature *float64
	MaxTokens   int
}

// TextGenerator is the completion surface the lifecycle components consume.
// Implementations must return the generated message text verbatim.
type TextGenerator interface {
	GenerateText(ctx context.Context, args GenerateTextProps) (string, error)
}

type SpeechGenerator interface {
	GenerateSpeech(ctx context.Context, text string, voice string) ([]byte, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audioData []byte) (string, error)
}

func Float64Ptr(v float64) *float64 {
	return &v
}
