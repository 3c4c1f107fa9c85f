package render

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("markdown content is required")
	ErrRenderingFailed  = errors.New("rendering failed")
	ErrRenderingTimeout = errors.New("rendering timed out")
)

const (
	FinalFilename    = "document.docx"
	FinalContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Preview payload formats produced by the rendering engine.
const (
	FormatPDF  = "pdf"
	FormatHTML = "html"
)

// Request is one render call. Markdown is forwarded to the engine unchanged.
type Request struct {
	Markdown           string `json:"markdown"`
	SyntaxHighlighting bool   `json:"syntaxHighlighting"`
	SessionID          string `json:"sessionId,omitempty"`
}

// Artifact is the final document produced by RenderFinal.
type Artifact struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Preview is a display-ready rendering. For FormatPDF, Data holds base64 and
// Pages the page count when it could be determined.
type Preview struct {
	Format string `json:"format"`
	Data   string `json:"data"`
	Pages  int    `json:"pages,omitempty"`
}

// EngineError reports a non-success answer from the rendering engine.
type EngineError struct {
	StatusCode int
	Message    string
}

func (e *EngineError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rendering engine returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("rendering engine returned status %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrRenderingFailed) match engine failures.
func (e *EngineError) Is(target error) bool {
	return target == ErrRenderingFailed
}
