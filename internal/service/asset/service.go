package asset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/md2gost/studio/backend/internal/model/asset"
	"github.com/md2gost/studio/backend/internal/model/session"
	"github.com/md2gost/studio/backend/internal/observability"
)

var (
	ErrInvalidSession   = errors.New("invalid session")
	ErrUnsupportedMedia = errors.New("file must be an image")
	ErrPayloadTooLarge  = errors.New("file exceeds upload limit")
	ErrEmptyFile        = errors.New("no file provided")
)

const maxReferenceAttempts = 1000

// acceptedTypes maps each accepted image media type to its canonical extension.
var acceptedTypes = map[string]string{
	"image/png":     ".png",
	"image/jpeg":    ".jpg",
	"image/gif":     ".gif",
	"image/bmp":     ".bmp",
	"image/webp":    ".webp",
	"image/svg+xml": ".svg",
}

// Sessions is the part of the session service asset ingestion depends on.
type Sessions interface {
	GetSession(ctx context.Context, sessionID string) (session.Session, error)
}

// Service ingests session-scoped image uploads.
type Service struct {
	store    asset.Store
	sessions Sessions
	maxBytes int64
}

// NewService creates an asset service. maxBytes <= 0 disables the size ceiling.
func NewService(store asset.Store, sessions Sessions, maxBytes int64) *Service {
	return &Service{store: store, sessions: sessions, maxBytes: maxBytes}
}

// MaxBytes reports the configured upload ceiling.
func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// Upload stores an image for the session and returns it with a reference that
// is unique within the session. The session document is left untouched.
func (s *Service) Upload(ctx context.Context, sessionID, filename, mimeType string, r io.Reader) (asset.Asset, error) {
	a, err := s.upload(ctx, sessionID, filename, mimeType, r)
	if err != nil {
		observability.RecordUpload(uploadOutcome(err))
		return asset.Asset{}, err
	}
	observability.RecordUpload("ok")
	log.Printf("[asset] stored session=%s reference=%s size=%d", sessionID, a.Reference, a.Size)
	return a, nil
}

func (s *Service) upload(ctx context.Context, sessionID, filename, mimeType string, r io.Reader) (asset.Asset, error) {
	if _, err := s.sessions.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return asset.Asset{}, ErrInvalidSession
		}
		return asset.Asset{}, err
	}

	declared := normalizeMediaType(mimeType)
	if declared != "" && declared != "application/octet-stream" {
		if _, ok := acceptedTypes[declared]; !ok {
			return asset.Asset{}, ErrUnsupportedMedia
		}
	}

	data, err := s.readLimited(r)
	if err != nil {
		return asset.Asset{}, err
	}
	if len(data) == 0 {
		return asset.Asset{}, ErrEmptyFile
	}

	mediaType := declared
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = sniff(filename, data)
	}
	ext, ok := acceptedTypes[mediaType]
	if !ok {
		return asset.Asset{}, ErrUnsupportedMedia
	}

	base := referenceBase(filename, ext)
	a := asset.Asset{
		SessionID: sessionID,
		Filename:  filename,
		MimeType:  mediaType,
		Size:      int64(len(data)),
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	for n := 0; n < maxReferenceAttempts; n++ {
		a.Reference = withSuffix(base, n)
		err := s.store.Put(ctx, a)
		if errors.Is(err, asset.ErrExists) {
			continue
		}
		if err != nil {
			return asset.Asset{}, fmt.Errorf("store asset: %w", err)
		}
		return a, nil
	}
	return asset.Asset{}, fmt.Errorf("no free reference for %q", base)
}

func (s *Service) readLimited(r io.Reader) ([]byte, error) {
	if s.maxBytes <= 0 {
		return io.ReadAll(r)
	}

	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, ErrPayloadTooLarge
		}
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, ErrPayloadTooLarge
	}
	return data, nil
}

// Get returns a stored asset including its bytes.
func (s *Service) Get(ctx context.Context, sessionID, reference string) (asset.Asset, error) {
	return s.store.Get(ctx, sessionID, reference)
}

// List returns asset metadata for a session, without bytes.
func (s *Service) List(ctx context.Context, sessionID string) ([]asset.Asset, error) {
	return s.store.List(ctx, sessionID)
}

// DeleteSession removes every asset owned by the session.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) {
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		log.Printf("[asset] failed to delete assets for session=%s: %v", sessionID, err)
	}
}

func normalizeMediaType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	return mediaType
}

func sniff(filename string, data []byte) string {
	if strings.EqualFold(filepath.Ext(filename), ".svg") {
		return "image/svg+xml"
	}
	return normalizeMediaType(http.DetectContentType(data))
}

// referenceBase turns an uploaded filename into a token that is safe inside
// markdown image syntax and on disk.
func referenceBase(filename, ext string) string {
	name := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	fileExt := strings.ToLower(filepath.Ext(name))

	var b strings.Builder
	for _, r := range strings.ToLower(stem) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.':
			b.WriteByte('-')
		}
	}
	clean := strings.Trim(b.String(), "-_")
	if clean == "" {
		clean = "image"
	}

	if fileExt == "" || !extMatches(fileExt, ext) {
		fileExt = ext
	}
	return clean + fileExt
}

func extMatches(fileExt, canonical string) bool {
	if fileExt == canonical {
		return true
	}
	return canonical == ".jpg" && fileExt == ".jpeg"
}

func withSuffix(base string, n int) string {
	if n == 0 {
		return base
	}
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "-" + strconv.Itoa(n) + ext
}

func uploadOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSession):
		return "invalid_session"
	case errors.Is(err, ErrUnsupportedMedia):
		return "unsupported_media"
	case errors.Is(err, ErrPayloadTooLarge):
		return "too_large"
	case errors.Is(err, ErrEmptyFile):
		return "empty"
	default:
		return "error"
	}
}
