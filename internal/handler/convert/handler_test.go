package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/md2gost/studio/backend/internal/model/render"
	"github.com/md2gost/studio/backend/internal/model/session"
	sessionservice "github.com/md2gost/studio/backend/internal/service/session"
)

type stubRenderer struct {
	last     render.Request
	calls    int
	artifact *render.Artifact
	preview  *render.Preview
	err      error
}

func (s *stubRenderer) RenderFinal(_ context.Context, req render.Request) (*render.Artifact, error) {
	s.calls++
	s.last = req
	return s.artifact, s.err
}

func (s *stubRenderer) RenderPreview(_ context.Context, req render.Request) (*render.Preview, error) {
	s.calls++
	s.last = req
	return s.preview, s.err
}

func setupRouter(t *testing.T, renderer *stubRenderer) (*chi.Mux, session.Session) {
	t.Helper()
	sessions := sessionservice.NewService(session.NewMemoryStore(), sessionservice.Options{})
	sess, err := sessions.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	r := chi.NewRouter()
	New(renderer, sessions, 1<<20).RegisterRoutes(r)
	return r, sess
}

func post(r http.Handler, path string, body any) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestConvertReturnsDocx(t *testing.T) {
	renderer := &stubRenderer{artifact: &render.Artifact{
		Data:        []byte("PK\x03\x04"),
		ContentType: render.FinalContentType,
		Filename:    render.FinalFilename,
	}}
	r, sess := setupRouter(t, renderer)

	resp := post(r, "/convert", map[string]any{"markdown": "# Title", "syntaxHighlighting": false, "sessionId": sess.ID})

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Header().Get("Content-Type") != render.FinalContentType {
		t.Fatalf("unexpected content type %s", resp.Header().Get("Content-Type"))
	}
	if !strings.Contains(resp.Header().Get("Content-Disposition"), "document.docx") {
		t.Fatalf("unexpected disposition %s", resp.Header().Get("Content-Disposition"))
	}
	if renderer.last.Markdown != "# Title" || renderer.last.SyntaxHighlighting || renderer.last.SessionID != sess.ID {
		t.Fatalf("unexpected forwarded request %+v", renderer.last)
	}
}

func TestPreviewDefaultsSyntaxHighlightingOn(t *testing.T) {
	renderer := &stubRenderer{preview: &render.Preview{Format: render.FormatPDF, Data: "JVBERi0=", Pages: 2}}
	r, _ := setupRouter(t, renderer)

	resp := post(r, "/preview", map[string]any{"markdown": "text"})

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var preview render.Preview
	if err := json.NewDecoder(resp.Body).Decode(&preview); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if preview.Format != render.FormatPDF || preview.Pages != 2 {
		t.Fatalf("unexpected preview %+v", preview)
	}
	if !renderer.last.SyntaxHighlighting {
		t.Fatal("expected syntax highlighting on by default")
	}
}

func TestConvertRejectsMissingMarkdown(t *testing.T) {
	renderer := &stubRenderer{}
	r, _ := setupRouter(t, renderer)

	for _, body := range []any{map[string]any{}, map[string]any{"markdown": "  \n"}} {
		resp := post(r, "/convert", body)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.Code)
		}
	}
	if renderer.calls != 0 {
		t.Fatalf("renderer called %d times", renderer.calls)
	}
}

func TestConvertInvalidSession(t *testing.T) {
	renderer := &stubRenderer{}
	r, _ := setupRouter(t, renderer)

	resp := post(r, "/preview", map[string]any{"markdown": "# hi", "sessionId": "nope"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	if renderer.calls != 0 {
		t.Fatal("renderer should not be called for an invalid session")
	}
}

func TestRenderErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err     error
		status  int
		message string
	}{
		{&render.EngineError{StatusCode: 500, Message: "bad table on line 4"}, http.StatusBadGateway, "bad table on line 4"},
		{render.ErrRenderingTimeout, http.StatusGatewayTimeout, render.ErrRenderingTimeout.Error()},
		{fmt.Errorf("%w: connection refused", render.ErrRenderingFailed), http.StatusBadGateway, "connection refused"},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			r, _ := setupRouter(t, &stubRenderer{err: tc.err})
			resp := post(r, "/convert", map[string]any{"markdown": "# hi"})

			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.Code)
			}
			var body map[string]string
			json.NewDecoder(resp.Body).Decode(&body)
			if !strings.Contains(body["error"], tc.message) {
				t.Fatalf("expected message %q, got %q", tc.message, body["error"])
			}
		})
	}
}

func TestConvertBodyTooLarge(t *testing.T) {
	renderer := &stubRenderer{}
	sessions := sessionservice.NewService(session.NewMemoryStore(), sessionservice.Options{})
	r := chi.NewRouter()
	New(renderer, sessions, 32).RegisterRoutes(r)

	resp := post(r, "/convert", map[string]any{"markdown": strings.Repeat("x", 100)})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}
