package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"listenlabdev/logger"
	"listenlabdev/modelapi"
	"listenlabdev/scenario"
	"listenlabdev/session"
	"listenlabdev/speech"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// maxVoiceUpload caps learner voice answer uploads.
const maxVoiceUpload = 10 << 20

type HandlerConnectProps struct {
	Logger      *logger.LogMiddleware
	Controller  *session.Controller
	Renderer    *speech.Renderer    // optional; audio endpoints 404 without it
	Transcriber modelapi.Transcriber // optional; voice endpoint 501s without it
}

type Handler struct {
	logger      *logger.LogMiddleware
	controller  *session.Controller
	renderer    *speech.Renderer
	transcriber modelapi.Transcriber
}

func Connect(args HandlerConnectProps) *Handler {
	return &Handler{
		logger:      args.Logger,
		controller:  args.Controller,
		renderer:    args.Renderer,
		transcriber: args.Transcriber,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requestLogger)

	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/industries", h.Industries)
		r.Post("/sessions", h.CreateSession)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/scenario", h.StartScenario)
			r.Post("/open", h.BeginConversation)
			r.Post("/reflections", h.SubmitReflection)
			r.Post("/messages", h.SubmitMessage)
			r.Post("/voice", h.SubmitVoice)
		})
		r.Get("/audio/{audioID}", h.GetAudio)
	})

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		h.logger.Logger(ctx).Info("Request Received", zap.String("url", r.URL.Path), zap.String("method", r.Method))
		next.ServeHTTP(w, r)
		h.logger.Logger(ctx).Info("Request Completed", zap.String("path", r.URL.Path), zap.String("method", r.Method))
	})
}

func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeError maps lifecycle errors onto HTTP statuses: unknown sessions 404,
// phase violations 409, bad industries 400, everything else is a failed
// upstream call.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrPhase):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, scenario.ErrUnknownIndustry):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Logger(r.Context()).Error("[Web] Upstream call failed", zap.Error(err))
		Error(w, http.StatusBadGateway, err.Error())
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Industries(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"industries": scenario.Industries})
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	s := h.controller.Create()
	JSON(w, http.StatusCreated, map[string]string{
		"session_id": s.ID,
		"phase":      string(s.Phase),
	})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.controller.Snapshot(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

func (h *Handler) StartScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Industry string `json:"industry"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	scn, err := h.controller.StartScenario(r.Context(), chi.URLParam(r, "sessionID"), req.Industry)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, scn)
}

func (h *Handler) BeginConversation(w http.ResponseWriter, r *http.Request) {
	turn, err := h.controller.BeginConversation(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, turnResponse(turn))
}

func (h *Handler) SubmitReflection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.controller.SubmitReflection(r.Context(), chi.URLParam(r, "sessionID"), req.Answer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"entry":         result.Entry,
		"advanced":      result.Advanced,
		"turn_complete": result.TurnComplete,
		"next_stage":    result.NextStage,
		"next_question": result.NextQuestion,
	})
}

func (h *Handler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	turn, err := h.controller.SubmitLearnerMessage(r.Context(), chi.URLParam(r, "sessionID"), req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, turnResponse(turn))
}

// SubmitVoice accepts a recorded learner answer, transcribes it, and routes
// the text by session phase: a pending reflection question takes priority,
// otherwise it is treated as the next learner message.
func (h *Handler) SubmitVoice(w http.ResponseWriter, r *http.Request) {
	if h.transcriber == nil {
		Error(w, http.StatusNotImplemented, "voice input is not configured")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")

	audio, err := io.ReadAll(io.LimitReader(r.Body, maxVoiceUpload))
	if err != nil || len(audio) == 0 {
		Error(w, http.StatusBadRequest, "missing audio body")
		return
	}

	text, err := h.transcriber.Transcribe(r.Context(), audio)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	snap, err := h.controller.Snapshot(sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if snap.Phase == session.PhaseAwaitingReflection {
		result, err := h.controller.SubmitReflection(r.Context(), sessionID, text)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		JSON(w, http.StatusOK, map[string]interface{}{
			"transcription": text,
			"entry":         result.Entry,
			"advanced":      result.Advanced,
			"turn_complete": result.TurnComplete,
			"next_stage":    result.NextStage,
			"next_question": result.NextQuestion,
		})
		return
	}

	turn, err := h.controller.SubmitLearnerMessage(r.Context(), sessionID, text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := turnResponse(turn)
	resp["transcription"] = text
	JSON(w, http.StatusOK, resp)
}

func (h *Handler) GetAudio(w http.ResponseWriter, r *http.Request) {
	if h.renderer == nil {
		Error(w, http.StatusNotFound, "audio not available")
		return
	}

	data, err := h.renderer.ReadArtifact(chi.URLParam(r, "audioID"))
	if err != nil {
		Error(w, http.StatusNotFound, "audio not available")
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func turnResponse(turn *session.TurnResult) map[string]interface{} {
	return map[string]interface{}{
		"persona_text": turn.PersonaText,
		"audio_id":     turn.AudioID,
		"stage":        turn.Stage,
		"question":     turn.Question,
	}
}
