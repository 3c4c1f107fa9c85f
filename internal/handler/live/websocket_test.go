package live

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/md2gost/studio/backend/internal/editor"
	"github.com/md2gost/studio/backend/internal/model/render"
	"github.com/md2gost/studio/backend/internal/model/session"
	sessionservice "github.com/md2gost/studio/backend/internal/service/session"
)

type echoRenderer struct{}

func (echoRenderer) RenderPreview(_ context.Context, req render.Request) (*render.Preview, error) {
	if strings.Contains(req.Markdown, "broken") {
		return nil, &render.EngineError{StatusCode: 500, Message: "cannot parse table"}
	}
	return &render.Preview{Format: render.FormatHTML, Data: req.Markdown}, nil
}

type received struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

func setupServer(t *testing.T) (*httptest.Server, *sessionservice.Service) {
	t.Helper()
	sessions := sessionservice.NewService(session.NewMemoryStore(), sessionservice.Options{})
	handler := New(sessions, echoRenderer{}, editor.Config{
		PreviewDebounce: 10 * time.Millisecond,
		SyncDebounce:    10 * time.Millisecond,
	})

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, sessions
}

func dial(t *testing.T, srv *httptest.Server, shortID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/live/" + shortID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// waitFor reads messages until one of the wanted type arrives.
func waitFor(t *testing.T, ws *websocket.Conn, msgType string) received {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg received
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func sendEdit(t *testing.T, ws *websocket.Conn, markdown string) {
	t.Helper()
	err := ws.WriteJSON(map[string]any{"type": "edit", "data": map[string]string{"markdown": markdown}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLiveSessionCreatesAndPreviews(t *testing.T) {
	srv, sessions := setupServer(t)
	ws := dial(t, srv, "unknown")

	msg := waitFor(t, ws, "session")
	var boot struct {
		SessionID string `json:"sessionId"`
		ShortID   string `json:"shortId"`
		Created   bool   `json:"created"`
	}
	if err := json.Unmarshal(msg.Data, &boot); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if !boot.Created || boot.ShortID == "unknown" || boot.SessionID == "" {
		t.Fatalf("unexpected bootstrap %+v", boot)
	}

	// The example document is previewed first.
	waitFor(t, ws, "preview")

	sendEdit(t, ws, "# Hello")
	var preview struct {
		Format string `json:"format"`
		Data   string `json:"data"`
	}
	for preview.Data != "# Hello" {
		msg = waitFor(t, ws, "preview")
		json.Unmarshal(msg.Data, &preview)
	}
	if msg.SessionID != boot.SessionID {
		t.Fatalf("unexpected session id %s", msg.SessionID)
	}

	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := sessions.LoadDocument(context.Background(), boot.SessionID)
		if err == nil && doc != nil && doc.Markdown == "# Hello" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("edit was not persisted")
}

func TestLiveSessionSurfacesEngineError(t *testing.T) {
	srv, sessions := setupServer(t)
	sess, err := sessions.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if err := sessions.SaveDocument(context.Background(), sess.ID, session.Document{Markdown: "broken"}); err != nil {
		t.Fatalf("SaveDocument err: %v", err)
	}

	ws := dial(t, srv, sess.ShortID)
	msg := waitFor(t, ws, "session")
	if !strings.Contains(string(msg.Data), `"persisted":true`) {
		t.Fatalf("expected persisted document, got %s", msg.Data)
	}

	msg = waitFor(t, ws, "preview_error")
	if !strings.Contains(string(msg.Data), "cannot parse table") {
		t.Fatalf("expected engine message, got %s", msg.Data)
	}

	sendEdit(t, ws, "fixed")
	msg = waitFor(t, ws, "preview")
	if !strings.Contains(string(msg.Data), "fixed") {
		t.Fatalf("unexpected preview %s", msg.Data)
	}
}

func TestLiveSessionRejectsUnknownMessage(t *testing.T) {
	srv, _ := setupServer(t)
	ws := dial(t, srv, "unknown")
	waitFor(t, ws, "session")

	ws.WriteJSON(map[string]any{"type": "shout"})
	msg := waitFor(t, ws, "error")
	if !strings.Contains(string(msg.Data), "unknown message type") {
		t.Fatalf("unexpected error %s", msg.Data)
	}
}
