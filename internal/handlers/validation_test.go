package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func performJSON(t *testing.T, handler gin.HandlerFunc, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Handle(method, path, handler)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func assertBadRequest(t *testing.T, w *httptest.ResponseRecorder, wantErr string) {
	t.Helper()
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if payload["ok"] != false {
		t.Fatalf("error responses carry ok:false, got %v", payload["ok"])
	}
	if msg, _ := payload["error"].(string); !strings.Contains(msg, wantErr) {
		t.Fatalf("expected error containing %q, got %q", wantErr, msg)
	}
}

func TestAskValidation(t *testing.T) {
	h := NewNotesHandler(nil, nil)
	w := performJSON(t, h.Ask, http.MethodPost, "/api/ask", `{"question":"hi"}`)
	assertBadRequest(t, w, "video_id is required")

	w = performJSON(t, h.Ask, http.MethodPost, "/api/ask", `{"video_id":"abc123def45"}`)
	assertBadRequest(t, w, "question is required")
}

func TestAnalyzeValidation(t *testing.T) {
	h := NewNotesHandler(nil, nil)
	w := performJSON(t, h.Analyze, http.MethodPost, "/api/analyze", `{}`)
	assertBadRequest(t, w, "video_id is required")

	// Malformed ids are rejected before any work happens.
	w = performJSON(t, h.Analyze, http.MethodPost, "/api/analyze", `{"video_id":"../x"}`)
	assertBadRequest(t, w, "video_id is required")
}

func TestSaveTranscriptValidation(t *testing.T) {
	h := NewNotesHandler(nil, nil)
	w := performJSON(t, h.SaveTranscript, http.MethodPost, "/api/save_transcript", `{}`)
	assertBadRequest(t, w, "url is required")
}

func TestLiveValidation(t *testing.T) {
	h := NewLiveHandler(nil)
	w := performJSON(t, h.StartLive, http.MethodPost, "/api/live/start", `{}`)
	assertBadRequest(t, w, "url is required")

	w = performJSON(t, h.StopLive, http.MethodPost, "/api/live/stop", `{}`)
	assertBadRequest(t, w, "video_id is required")
}

func TestResearchValidation(t *testing.T) {
	h := NewResearchHandler(nil, nil, nil)
	w := performJSON(t, h.RunKnowledgeJuice, http.MethodPost, "/api/knowledge_juice", `{"topic":"  "}`)
	assertBadRequest(t, w, "topic is required")

	w = performJSON(t, gin.HandlerFunc(h.GetResearch), http.MethodGet, "/api/research", "")
	assertBadRequest(t, w, "run_id is required")
}

func TestFriendlyAPIError(t *testing.T) {
	err := errString("ERROR: This video is private")
	if msg := FriendlyAPIError(err); !strings.Contains(msg, "private/unavailable") {
		t.Fatalf("private errors should get remediation text, got %q", msg)
	}
	plain := errString("boom")
	if msg := FriendlyAPIError(plain); msg != "boom" {
		t.Fatalf("unknown errors pass through, got %q", msg)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
