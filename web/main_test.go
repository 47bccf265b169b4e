package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"listenlabdev/conversation"
	"listenlabdev/logger"
	"listenlabdev/reflection"
	"listenlabdev/scenario"
	"listenlabdev/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScenarios struct{}

func (fakeScenarios) Generate(ctx context.Context, industry string) (*scenario.Scenario, error) {
	if !scenario.ValidIndustry(industry) {
		return nil, fmt.Errorf("%w: %q", scenario.ErrUnknownIndustry, industry)
	}
	return &scenario.Scenario{
		Industry:         industry,
		CompanyName:      "Veridian Capital",
		CompanyFunction:  "asset management",
		PersonName:       "Lena Ortiz",
		PersonRole:       "Portfolio Manager",
		DiscussionReason: "a delayed fund launch",
	}, nil
}

func (fakeScenarios) Narrate(ctx context.Context, scn *scenario.Scenario) (string, error) {
	return "You are meeting Lena Ortiz.", nil
}

type fakeConversations struct{ replies int }

func (f *fakeConversations) Open(ctx context.Context, scn *scenario.Scenario) (*conversation.Transcript, string, error) {
	f.replies++
	reply := fmt.Sprintf("persona line %d", f.replies)
	return &conversation.Transcript{
		SystemInstruction: "instruction",
		Turns:             []conversation.Turn{{Speaker: conversation.SpeakerPersona, Text: reply}},
	}, reply, nil
}

func (f *fakeConversations) Continue(ctx context.Context, t *conversation.Transcript, learnerText string) (string, error) {
	f.replies++
	reply := fmt.Sprintf("persona line %d", f.replies)
	t.Turns = append(t.Turns,
		conversation.Turn{Speaker: conversation.SpeakerLearner, Text: learnerText},
		conversation.Turn{Speaker: conversation.SpeakerPersona, Text: reply},
	)
	return reply, nil
}

type fakeReflections struct{}

func (fakeReflections) Ask(stage reflection.Stage) (string, error) {
	return "question for " + string(stage), nil
}

func (fakeReflections) Evaluate(ctx context.Context, stage reflection.Stage, utterance, answer string) (reflection.Entry, error) {
	return reflection.Entry{
		Stage:      stage,
		Question:   "question for " + string(stage),
		Answer:     answer,
		Evaluation: reflection.EvaluationPassed,
		Feedback:   "well done",
	}, nil
}

func (fakeReflections) Policy() reflection.Policy { return reflection.PolicyAdvisory }

type fakeTranscriber struct{ text string }

func (f fakeTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return f.text, nil
}

func testServer(t *testing.T) (*httptest.Server, *session.Controller) {
	t.Helper()
	lm := logger.Connect(logger.LoggerConnectProps{Production: false})
	ctrl := session.Connect(session.ControllerConnectProps{
		Logger:        lm,
		Scenarios:     fakeScenarios{},
		Conversations: &fakeConversations{},
		Reflections:   fakeReflections{},
	})
	h := Connect(HandlerConnectProps{
		Logger:      lm,
		Controller:  ctrl,
		Transcriber: fakeTranscriber{text: "I heard concerns about the deadline"},
	})
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, ctrl
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestIndustries(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/api/industries")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	industries, ok := body["industries"].([]interface{})
	require.True(t, ok)
	assert.Len(t, industries, len(scenario.Industries))
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/api/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decodeBody(t, resp)["session_id"].(string)
	require.NotEmpty(t, id)

	resp = postJSON(t, srv.URL+"/api/sessions/"+id+"/scenario", map[string]string{"industry": "Finance"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	scn := decodeBody(t, resp)
	assert.Equal(t, "Veridian Capital", scn["company_name"])

	resp = postJSON(t, srv.URL+"/api/sessions/"+id+"/open", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	turn := decodeBody(t, resp)
	assert.Equal(t, "persona line 1", turn["persona_text"])
	assert.Equal(t, "Hear", turn["stage"])

	// Learner input is rejected while reflections are pending.
	resp = postJSON(t, srv.URL+"/api/sessions/"+id+"/messages", map[string]string{"text": "too early"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	for i := 0; i < 6; i++ {
		resp = postJSON(t, srv.URL+"/api/sessions/"+id+"/reflections", map[string]string{"answer": "my answer"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeBody(t, resp)
		assert.Equal(t, i == 5, body["turn_complete"])
	}

	resp = postJSON(t, srv.URL+"/api/sessions/"+id+"/messages", map[string]string{"text": "I think we should delay the rollout"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	turn = decodeBody(t, resp)
	assert.Equal(t, "persona line 2", turn["persona_text"])

	resp, err := http.Get(srv.URL + "/api/sessions/" + id + "/")
	require.NoError(t, err)
	snap := decodeBody(t, resp)
	assert.Equal(t, string(session.PhaseAwaitingReflection), snap["phase"])
	turns := snap["turns"].([]interface{})
	assert.Len(t, turns, 3)
}

func TestUnknownSessionIs404(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/api/sessions/does-not-exist/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestUnknownIndustryIs400(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/api/sessions", nil)
	id := decodeBody(t, resp)["session_id"].(string)

	resp = postJSON(t, srv.URL+"/api/sessions/"+id+"/scenario", map[string]string{"industry": "Astrology"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestVoiceAnswerRoutedToReflection(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/api/sessions", nil)
	id := decodeBody(t, resp)["session_id"].(string)
	postJSON(t, srv.URL+"/api/sessions/"+id+"/scenario", map[string]string{"industry": "Finance"}).Body.Close()
	postJSON(t, srv.URL+"/api/sessions/"+id+"/open", nil).Body.Close()

	resp, err := http.Post(srv.URL+"/api/sessions/"+id+"/voice", "audio/mpeg", strings.NewReader("fake-audio-bytes"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "I heard concerns about the deadline", body["transcription"])
	entry := body["entry"].(map[string]interface{})
	assert.Equal(t, "Hear", entry["stage"])
}

func TestAudioMissingIs404(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/api/audio/not-an-id")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
