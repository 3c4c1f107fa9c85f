package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRespondError(t *testing.T) {
	resp := httptest.NewRecorder()
	RespondError(resp, http.StatusBadGateway, "engine exploded")

	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	if resp.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", resp.Header().Get("Content-Type"))
	}
	if strings.TrimSpace(resp.Body.String()) != `{"error":"engine exploded"}` {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

func TestRespondAttachment(t *testing.T) {
	resp := httptest.NewRecorder()
	RespondAttachment(resp, "application/octet-stream", "document.docx", []byte("PK"))

	if got := resp.Header().Get("Content-Disposition"); got != `attachment; filename="document.docx"` {
		t.Fatalf("unexpected disposition %q", got)
	}
	if resp.Header().Get("Content-Length") != "2" || resp.Body.String() != "PK" {
		t.Fatalf("unexpected body %q", resp.Body.String())
	}
}

func TestDecodeJSONLimit(t *testing.T) {
	var payload struct {
		Markdown string `json:"markdown"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"markdown":"`+strings.Repeat("a", 100)+`"}`))
	if err := DecodeJSON(httptest.NewRecorder(), req, 16, &payload); err == nil {
		t.Fatal("expected error for oversized body")
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"markdown":"# hi"}`))
	if err := DecodeJSON(httptest.NewRecorder(), req, 0, &payload); err != nil {
		t.Fatalf("DecodeJSON err: %v", err)
	}
	if payload.Markdown != "# hi" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}
