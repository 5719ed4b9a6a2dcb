package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/dialogos/internal/domain"
)

func TestJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, http.StatusCreated, map[string]string{"key": "value"})

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["key"] != "value" {
		t.Errorf("body = %v", body)
	}
}

func TestError(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusNotFound, "session not found")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["error"] != "session not found" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestEngineErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("content too long: %w", domain.ErrValidation), http.StatusUnprocessableEntity},
		{fmt.Errorf("no such session: %w", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("active session exists: %w", domain.ErrConflict), http.StatusConflict},
		{fmt.Errorf("session is abandoned: %w", domain.ErrInvalidState), http.StatusConflict},
		{fmt.Errorf("model deadline: %w", domain.ErrUpstreamTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("model said no: %w", domain.ErrGeneration), http.StatusBadGateway},
		{fmt.Errorf("bad draft: %w", domain.ErrSynthesis), http.StatusBadGateway},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		EngineError(rec, tt.err)
		if rec.Code != tt.status {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.status)
		}
	}
}

func TestEngineErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	EngineError(rec, fmt.Errorf("dsn user=admin password=hunter2"))

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["error"] != "internal error" {
		t.Errorf("internal errors must not leak detail, got %q", body["error"])
	}
}
