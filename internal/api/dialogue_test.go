package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/dialogos/internal/domain"
	"github.com/ashureev/dialogos/internal/engine"
	"github.com/ashureev/dialogos/internal/generator"
	"github.com/ashureev/dialogos/internal/metrics"
	"github.com/ashureev/dialogos/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	cfg := engine.DefaultConfig()
	cfg.MinResponseLength = 0
	eng := engine.New(repo, generator.Local{}, generator.Local{}, cfg,
		metrics.New(prometheus.NewRegistry()), nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	r := chi.NewRouter()
	NewDialogueHandler(eng).RegisterRoutes(r)
	NewHealthHandler(repo).RegisterHealth(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

type turnResultResponse struct {
	Session     *domain.DialogueSession `json:"session"`
	Turn        *domain.Turn            `json:"turn"`
	CanContinue bool                    `json:"can_continue"`
}

func TestDialogueFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	// Fresh topic may start.
	var canStart map[string]bool
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/topics/justice/dialogue/can-start", nil, &canStart); code != http.StatusOK {
		t.Fatalf("can-start status = %d", code)
	}
	if !canStart["can_start"] {
		t.Fatal("expected can_start true")
	}

	// Start issues the round-1 question.
	var started turnResultResponse
	code := doJSON(t, http.MethodPost, srv.URL+"/api/topics/justice/dialogue/",
		map[string]string{"initial_prompt": "what is fairness"}, &started)
	if code != http.StatusCreated {
		t.Fatalf("start status = %d", code)
	}
	if started.Session.CurrentRound != 1 || started.Turn.Type != domain.TurnInitialQuestion {
		t.Fatalf("unexpected start result: %+v", started)
	}
	sessionURL := srv.URL + "/api/dialogues/" + started.Session.ID

	// A second start for the same topic conflicts.
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/topics/justice/dialogue/", nil, nil); code != http.StatusConflict {
		t.Fatalf("duplicate start status = %d, want 409", code)
	}

	// Answer round 1.
	var answered turnResultResponse
	code = doJSON(t, http.MethodPost, sessionURL+"/turns",
		map[string]string{"content": "fairness means treating equals equally"}, &answered)
	if code != http.StatusCreated {
		t.Fatalf("turn status = %d", code)
	}
	if answered.Turn.Role != domain.RoleUser || answered.Turn.Round != 1 {
		t.Fatalf("unexpected turn: %+v", answered.Turn)
	}

	// Next question opens round 2; asking again before answering conflicts.
	var next turnResultResponse
	if code := doJSON(t, http.MethodPost, sessionURL+"/next", nil, &next); code != http.StatusCreated {
		t.Fatalf("next status = %d", code)
	}
	if next.Turn.Round != 2 {
		t.Fatalf("expected round-2 question, got %d", next.Turn.Round)
	}
	if code := doJSON(t, http.MethodPost, sessionURL+"/next", nil, nil); code != http.StatusConflict {
		t.Fatalf("premature next status = %d, want 409", code)
	}

	// Regenerate the open question; it keeps the round.
	var regen turnResultResponse
	if code := doJSON(t, http.MethodPost, sessionURL+"/regenerate", nil, &regen); code != http.StatusOK {
		t.Fatalf("regenerate status = %d", code)
	}
	if regen.Turn.Round != 2 || regen.Turn.Seq <= next.Turn.Seq {
		t.Fatalf("unexpected regenerated turn: %+v", regen.Turn)
	}

	// Answer round 2 and finalize.
	code = doJSON(t, http.MethodPost, sessionURL+"/turns",
		map[string]string{"content": "equals in what respect, though"}, nil)
	if code != http.StatusCreated {
		t.Fatalf("turn status = %d", code)
	}

	var insight domain.Insight
	code = doJSON(t, http.MethodPost, sessionURL+"/finalize",
		map[string]int{"satisfaction_score": 5}, &insight)
	if code != http.StatusOK {
		t.Fatalf("finalize status = %d", code)
	}
	if insight.CoreInsight == "" || insight.RoundStats.TotalRounds != 2 {
		t.Fatalf("unexpected insight: %+v", insight)
	}

	// Insight is retrievable and the transcript is complete.
	if code := doJSON(t, http.MethodGet, sessionURL+"/insight", nil, &insight); code != http.StatusOK {
		t.Fatalf("get insight status = %d", code)
	}

	var transcript struct {
		Turns []*domain.Turn `json:"turns"`
	}
	if code := doJSON(t, http.MethodGet, sessionURL+"/turns", nil, &transcript); code != http.StatusOK {
		t.Fatalf("list turns status = %d", code)
	}
	// 2 questions + 2 answers; the superseded question is not replayed.
	if len(transcript.Turns) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(transcript.Turns))
	}

	var session domain.DialogueSession
	if code := doJSON(t, http.MethodGet, sessionURL+"/", nil, &session); code != http.StatusOK {
		t.Fatalf("get session status = %d", code)
	}
	if session.Status != domain.StatusInsightGenerated {
		t.Fatalf("expected insight_generated, got %s", session.Status)
	}
}

func TestDialogueValidationOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	var started turnResultResponse
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/topics/justice/dialogue/", nil, &started); code != http.StatusCreated {
		t.Fatalf("start status = %d", code)
	}
	sessionURL := srv.URL + "/api/dialogues/" + started.Session.ID

	// Oversized content is 422, not truncated.
	tooLong := strings.Repeat("a", domain.MaxUserContentLength+1)
	code := doJSON(t, http.MethodPost, sessionURL+"/turns", map[string]string{"content": tooLong}, nil)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("oversized content status = %d, want 422", code)
	}

	// Unknown fields are rejected at the decoder.
	code = doJSON(t, http.MethodPost, sessionURL+"/turns", map[string]string{"contents": "typo"}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", code)
	}

	// Out-of-range satisfaction score is 422.
	code = doJSON(t, http.MethodPost, sessionURL+"/finalize", map[string]int{"satisfaction_score": 9}, nil)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("bad score status = %d, want 422", code)
	}

	// Unknown session is 404.
	code = doJSON(t, http.MethodGet, srv.URL+"/api/dialogues/nope/", nil, nil)
	if code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", code)
	}

	// No active dialogue for an untouched topic.
	code = doJSON(t, http.MethodGet, srv.URL+"/api/topics/untouched/dialogue/", nil, nil)
	if code != http.StatusNotFound {
		t.Errorf("no active session status = %d, want 404", code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil, &body); code != http.StatusOK {
		t.Fatalf("health status = %d", code)
	}
	if body.Status != "healthy" || body.Checks["database"] != "ok" {
		t.Fatalf("unexpected health body: %+v", body)
	}
}
