package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/md2gost/studio/backend/internal/model/session"
	sessionservice "github.com/md2gost/studio/backend/internal/service/session"
)

func setupRouter() (*chi.Mux, *sessionservice.Service, *session.MemoryStore) {
	store := session.NewMemoryStore()
	svc := sessionservice.NewService(store, sessionservice.Options{MaxDocumentBytes: 64})
	handler := New(svc, 1<<20)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, svc, store
}

func do(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestCreateAndResolve(t *testing.T) {
	r, _, _ := setupRouter()

	resp := do(r, http.MethodPost, "/session/create", nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	var created sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.SessionID == "" || len(created.ShortID) != 8 {
		t.Fatalf("unexpected session %+v", created)
	}

	resp = do(r, http.MethodGet, "/session/short/"+created.ShortID, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var resolved sessionResponse
	json.NewDecoder(resp.Body).Decode(&resolved)
	if resolved.SessionID != created.SessionID {
		t.Fatalf("resolved %s, want %s", resolved.SessionID, created.SessionID)
	}

	resp = do(r, http.MethodGet, "/session/"+created.SessionID, nil)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "createdAt") {
		t.Fatalf("unexpected metadata response %d %s", resp.Code, resp.Body.String())
	}
}

func TestResolveUnknownShortID(t *testing.T) {
	r, _, _ := setupRouter()

	for _, alias := range []string{"xyz", "zzzzzzzz"} {
		resp := do(r, http.MethodGet, "/session/short/"+alias, nil)
		if resp.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", alias, resp.Code)
		}
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	r, svc, _ := setupRouter()
	sess, _ := svc.CreateSession(context.Background())
	path := "/session/" + sess.ID + "/data"

	resp := do(r, http.MethodGet, path, nil)
	if resp.Code != http.StatusOK || strings.TrimSpace(resp.Body.String()) != `{"data":{}}` {
		t.Fatalf("expected empty data, got %d %s", resp.Code, resp.Body.String())
	}

	body := []byte(`{"data":{"markdown":"# Hello","options":{"syntaxHighlighting":true}}}`)
	resp = do(r, http.MethodPost, path, body)
	if resp.Code != http.StatusOK || strings.TrimSpace(resp.Body.String()) != `{"success":true}` {
		t.Fatalf("unexpected save response %d %s", resp.Code, resp.Body.String())
	}

	resp = do(r, http.MethodGet, path, nil)
	var loaded struct {
		Data session.Document `json:"data"`
	}
	json.NewDecoder(resp.Body).Decode(&loaded)
	want := session.Document{Markdown: "# Hello", Options: session.RenderOptions{SyntaxHighlighting: true}}
	if loaded.Data != want {
		t.Fatalf("got %+v, want %+v", loaded.Data, want)
	}
}

func TestSaveValidation(t *testing.T) {
	r, svc, _ := setupRouter()
	sess, _ := svc.CreateSession(context.Background())
	path := "/session/" + sess.ID + "/data"

	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"missing data", path, `{}`, http.StatusBadRequest},
		{"malformed", path, `{"data":`, http.StatusBadRequest},
		{"wrong shape", path, `{"data":"text"}`, http.StatusBadRequest},
		{"too large", path, `{"data":{"markdown":"` + strings.Repeat("x", 100) + `"}}`, http.StatusRequestEntityTooLarge},
		{"unknown session", "/session/missing/data", `{"data":{"markdown":"x"}}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(r, http.MethodPost, tc.path, []byte(tc.body))
			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.Code)
			}
		})
	}
}

func TestStorageUnavailable(t *testing.T) {
	r, svc, store := setupRouter()
	sess, _ := svc.CreateSession(context.Background())
	store.Close()

	resp := do(r, http.MethodGet, "/session/"+sess.ID+"/data", nil)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}
