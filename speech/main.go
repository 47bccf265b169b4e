package speech

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"listenlabdev/logger"
	"listenlabdev/modelapi"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const DefaultVoice = "alloy"

// RetentionWindow is how long rendered audio is kept before the boot-time
// cleanup reclaims it.
const RetentionWindow = 5 * time.Minute

// personaVoices maps a persona first name to a fixed voice. Purely cosmetic;
// everyone else gets the default voice.
var personaVoices = map[string]string{
	"Bob": "onyx",
}

// VoiceFor selects the voice label for a persona by first name.
func VoiceFor(personaName string) string {
	first := personaName
	if idx := strings.IndexByte(personaName, ' '); idx > 0 {
		first = personaName[:idx]
	}
	if voice, ok := personaVoices[first]; ok {
		return voice
	}
	return DefaultVoice
}

// Artifact is a handle to one rendered utterance left on disk for the UI
// layer to stream and for Cleanup to reclaim.
type Artifact struct {
	ID        string    `json:"id"`
	Path      string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

type RendererConnectProps struct {
	Logger *logger.LogMiddleware
	TTS    modelapi.SpeechGenerator
	Dir    string
}

type Renderer struct {
	logger *logger.LogMiddleware
	tts    modelapi.SpeechGenerator
	dir    string
}

func Connect(args RendererConnectProps) (*Renderer, error) {
	if err := os.MkdirAll(args.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create speech directory: %w", err)
	}
	return &Renderer{logger: args.Logger, tts: args.TTS, dir: args.Dir}, nil
}

func (r *Renderer) Dir() string {
	return r.dir
}

// Synthesize renders one persona utterance to an mp3 artifact. Audio is
// decorative; callers continue without it when this fails.
func (r *Renderer) Synthesize(ctx context.Context, text, personaName string) (*Artifact, error) {
	tracer := otel.Tracer("speech/Synthesize")
	ctx, span := tracer.Start(ctx, "Synthesize")
	defer span.End()

	voice := VoiceFor(personaName)
	span.SetAttributes(
		attribute.String("voice", voice),
		attribute.Int("text.length", len(text)),
	)

	audio, err := r.tts.GenerateSpeech(ctx, text, voice)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, modelapi.ErrSynthesis) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", modelapi.ErrSynthesis, err)
	}

	id := uuid.NewString()
	path := filepath.Join(r.dir, id+".mp3")
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: could not write artifact: %v", modelapi.ErrSynthesis, err)
	}

	r.logger.Logger(ctx).Info("[Speech] Rendered utterance",
		zap.String("artifact_id", id),
		zap.Int("audioSize", len(audio)))

	return &Artifact{ID: id, Path: path, CreatedAt: time.Now()}, nil
}

// ReadArtifact streams back a previously rendered artifact by id.
func (r *Renderer) ReadArtifact(id string) ([]byte, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid artifact id: %w", err)
	}
	return os.ReadFile(filepath.Join(r.dir, id+".mp3"))
}

// Cleanup deletes speech artifacts older than maxAge and reports how many
// were removed. Best effort: files deleted concurrently by another session
// are not an error.
func (r *Renderer) Cleanup(maxAge time.Duration) (int, error) {
	return Cleanup(r.dir, maxAge)
}

func Cleanup(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("could not scan speech directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".mp3") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return deleted, err
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return deleted, err
		}
		deleted++
	}

	return deleted, nil
}
