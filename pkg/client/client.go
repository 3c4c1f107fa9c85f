// Package client talks to the studio HTTP API. A Client can back an editing
// context from outside the server process: it satisfies the session backend
// and the preview renderer the editor package expects.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/md2gost/studio/backend/internal/model/render"
	"github.com/md2gost/studio/backend/internal/model/session"
)

// APIError is a non-success answer that has no more specific mapping.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Message)
}

// ErrInvalidSession is returned when the server rejects the session id.
var ErrInvalidSession = errors.New("invalid session")

// Client is an HTTP client for the studio API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// DefaultTimeout bounds a whole call of the default client. It sits above the
// server's render timeout so a slow render is reported by the server as a 504
// rather than cut off locally.
const DefaultTimeout = 6 * time.Minute

// New creates a client for the server at baseURL. A nil httpClient uses a
// client with DefaultTimeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// UploadResult describes a stored image.
type UploadResult struct {
	Reference string `json:"reference"`
	Filename  string `json:"filename"`
	URL       string `json:"url"`
}

// CreateSession asks the server for a fresh session.
func (c *Client) CreateSession(ctx context.Context) (session.Session, error) {
	var out struct {
		SessionID string `json:"sessionId"`
		ShortID   string `json:"shortId"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/session/create", nil, &out); err != nil {
		return session.Session{}, err
	}
	return session.Session{ID: out.SessionID, ShortID: out.ShortID}, nil
}

// ResolveShortID maps a short alias to its session id.
func (c *Client) ResolveShortID(ctx context.Context, shortID string) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/session/short/"+url.PathEscape(shortID), nil, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// LoadDocument returns the saved document, or nil when nothing was saved yet.
func (c *Client) LoadDocument(ctx context.Context, sessionID string) (*session.Document, error) {
	var out struct {
		Data json.RawMessage `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/session/"+url.PathEscape(sessionID)+"/data", nil, &out); err != nil {
		return nil, err
	}

	raw := bytes.TrimSpace(out.Data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("{}")) || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var doc session.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &doc, nil
}

// SaveDocument overwrites the saved document.
func (c *Client) SaveDocument(ctx context.Context, sessionID string, doc session.Document) error {
	body := map[string]any{"data": doc}
	return c.doJSON(ctx, http.MethodPost, "/api/session/"+url.PathEscape(sessionID)+"/data", body, nil)
}

// RenderPreview requests a display-ready preview.
func (c *Client) RenderPreview(ctx context.Context, req render.Request) (*render.Preview, error) {
	var out render.Preview
	if err := c.doJSON(ctx, http.MethodPost, "/api/preview", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenderFinal requests the final document.
func (c *Client) RenderFinal(ctx context.Context, req render.Request) (*render.Artifact, error) {
	resp, err := c.send(ctx, http.MethodPost, "/api/convert", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	filename := render.FinalFilename
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		filename = params["filename"]
	}

	return &render.Artifact{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Filename:    filename,
	}, nil
}

// Upload stores an image in the session's asset space.
func (c *Client) Upload(ctx context.Context, sessionID, filename string, r io.Reader) (UploadResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeUpload(mw, sessionID, filename, r)
		pw.CloseWithError(err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/images/upload", pr)
	if err != nil {
		pr.Close()
		return UploadResult{}, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("X-Session-Id", sessionID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return UploadResult{}, decodeError(resp)
	}

	var out UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return UploadResult{}, fmt.Errorf("decode upload response: %w", err)
	}
	return out, nil
}

func writeUpload(mw *multipart.Writer, sessionID, filename string, r io.Reader) error {
	if err := mw.WriteField("sessionId", sessionID); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%s %s: %w", method, path, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// decodeError maps an error response back onto the domain errors the server
// started from.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", session.ErrNotFound, msg)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrInvalidSession, msg)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", session.ErrStorageUnavailable, msg)
	case http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", render.ErrRenderingTimeout, msg)
	case http.StatusBadGateway:
		return &render.EngineError{StatusCode: resp.StatusCode, Message: msg}
	case http.StatusBadRequest:
		if msg == render.ErrInvalidInput.Error() {
			return render.ErrInvalidInput
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
