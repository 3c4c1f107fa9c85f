package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/md2gost/studio/backend/internal/model/render"
	"github.com/md2gost/studio/backend/internal/observability"
)

const (
	kindFinal   = "final"
	kindPreview = "preview"

	// maxErrorBody bounds how much of a failed response is kept as the diagnostic.
	maxErrorBody = 64 << 10
)

// Config 渲染网关配置
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	SanitizeHTML bool
	HTTPClient   *http.Client
}

// Gateway forwards render calls to the external rendering engine. It holds no
// per-call state and is safe for concurrent use.
type Gateway struct {
	baseURL  string
	timeout  time.Duration
	client   *http.Client
	sanitize *bluemonday.Policy
}

type engineRequest struct {
	Markdown           string `json:"markdown"`
	SyntaxHighlighting bool   `json:"syntax_highlighting"`
	SessionID          string `json:"session_id,omitempty"`
}

type enginePreview struct {
	PDF  string `json:"pdf"`
	HTML string `json:"html"`
}

// NewGateway 创建渲染网关
func NewGateway(cfg Config) *Gateway {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	g := &Gateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		client:  client,
	}
	if cfg.SanitizeHTML {
		policy := bluemonday.UGCPolicy()
		policy.AllowAttrs("class", "id").Globally()
		g.sanitize = policy
	}
	return g
}

// RenderFinal produces the downloadable document.
func (g *Gateway) RenderFinal(ctx context.Context, req render.Request) (*render.Artifact, error) {
	start := time.Now()
	data, err := g.call(ctx, "/api/convert", req)
	observability.RecordRender(kindFinal, outcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}

	return &render.Artifact{
		Data:        data,
		ContentType: render.FinalContentType,
		Filename:    render.FinalFilename,
	}, nil
}

// RenderPreview produces a display-ready preview.
func (g *Gateway) RenderPreview(ctx context.Context, req render.Request) (*render.Preview, error) {
	start := time.Now()
	preview, err := g.renderPreview(ctx, req)
	observability.RecordRender(kindPreview, outcome(err), time.Since(start))
	return preview, err
}

func (g *Gateway) renderPreview(ctx context.Context, req render.Request) (*render.Preview, error) {
	data, err := g.call(ctx, "/api/preview", req)
	if err != nil {
		return nil, err
	}

	var payload enginePreview
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode preview: %v", render.ErrRenderingFailed, err)
	}

	switch {
	case payload.PDF != "":
		return &render.Preview{
			Format: render.FormatPDF,
			Data:   payload.PDF,
			Pages:  countPages(payload.PDF),
		}, nil
	case payload.HTML != "":
		html := payload.HTML
		if g.sanitize != nil {
			html = g.sanitize.Sanitize(html)
		}
		return &render.Preview{Format: render.FormatHTML, Data: html}, nil
	default:
		return nil, fmt.Errorf("%w: engine returned an empty preview", render.ErrRenderingFailed)
	}
}

func (g *Gateway) call(ctx context.Context, path string, req render.Request) ([]byte, error) {
	if strings.TrimSpace(req.Markdown) == "" {
		return nil, render.ErrInvalidInput
	}

	body, err := json.Marshal(engineRequest{
		Markdown:           req.Markdown,
		SyntaxHighlighting: req.SyntaxHighlighting,
		SessionID:          req.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode render request: %w", err)
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, g.transportError(ctx, callCtx, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		engineErr := &render.EngineError{StatusCode: resp.StatusCode, Message: engineMessage(raw)}
		log.Printf("[render] %s failed: %v", path, engineErr)
		return nil, engineErr
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, g.transportError(ctx, callCtx, path, err)
	}
	return data, nil
}

func (g *Gateway) transportError(parent, callCtx context.Context, path string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		log.Printf("[render] %s timed out after %s", path, g.timeout)
		return render.ErrRenderingTimeout
	}
	log.Printf("[render] %s unreachable: %v", path, err)
	return fmt.Errorf("%w: %v", render.ErrRenderingFailed, err)
}

// engineMessage extracts the engine's diagnostic, preferring its {"error": ...}
// field over the raw body.
func engineMessage(raw []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(raw))
}

// countPages returns 0 when the payload cannot be parsed as a PDF.
func countPages(encoded string) int {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return 0
	}
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return 0
	}
	return ctx.PageCount
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, render.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, render.ErrRenderingTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "failed"
	}
}
