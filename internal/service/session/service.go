package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/md2gost/studio/backend/internal/model/session"
	"github.com/md2gost/studio/backend/internal/observability"
)

const (
	shortIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	shortIDLength   = 8
	createAttempts  = 16
)

var (
	ErrIDSpaceExhausted = errors.New("could not allocate a free short id")
	ErrDocumentTooLarge = errors.New("document exceeds size limit")
	ErrInvalidDocument  = errors.New("document markdown is not valid UTF-8")
)

// Options tunes expiry and validation.
type Options struct {
	// TTL is measured from UpdatedAt. Zero disables expiry.
	TTL time.Duration
	// MaxDocumentBytes caps Document.Markdown. Zero disables the check.
	MaxDocumentBytes int
}

// Service implements the session lifecycle on top of a session.Store.
type Service struct {
	store    session.Store
	opts     Options
	now      func() time.Time
	newID    func() string
	newShort func() string
	onExpire []func(ctx context.Context, sessionID string)
}

// NewService wires a Service to its store.
func NewService(store session.Store, opts Options) *Service {
	return &Service{
		store:    store,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		newShort: randomShortID,
	}
}

// OnExpire registers a hook called after a session is removed by expiry.
// Hooks must be registered before the service is used.
func (s *Service) OnExpire(fn func(ctx context.Context, sessionID string)) {
	s.onExpire = append(s.onExpire, fn)
}

// CreateSession allocates a fresh session id and short alias with an empty document.
func (s *Service) CreateSession(ctx context.Context) (session.Session, error) {
	now := s.now()
	for attempt := 0; attempt < createAttempts; attempt++ {
		sess := session.Session{
			ID:        s.newID(),
			ShortID:   s.newShort(),
			CreatedAt: now,
			UpdatedAt: now,
		}

		err := s.store.Create(ctx, sess)
		if errors.Is(err, session.ErrShortIDTaken) {
			continue
		}
		if err != nil {
			return session.Session{}, fmt.Errorf("create session: %w", err)
		}

		observability.RecordSessionCreated()
		log.Printf("[session] created session=%s short=%s", sess.ID, sess.ShortID)
		return sess, nil
	}
	return session.Session{}, ErrIDSpaceExhausted
}

// ResolveShortID maps a public alias to its session id.
func (s *Service) ResolveShortID(ctx context.Context, shortID string) (string, error) {
	if !ValidShortID(shortID) {
		return "", session.ErrNotFound
	}

	id, err := s.store.ResolveShortID(ctx, shortID)
	if err != nil {
		return "", err
	}
	if _, err := s.GetSession(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// GetSession returns a live session. Expired sessions are removed on access
// and reported as not found.
func (s *Service) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, session.ErrNotFound
	}

	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}

	if s.expired(sess) {
		s.expire(ctx, sess.ID)
		return session.Session{}, session.ErrNotFound
	}
	return sess, nil
}

// LoadDocument returns the persisted document, or nil if none was saved yet.
func (s *Service) LoadDocument(ctx context.Context, sessionID string) (*session.Document, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Document, nil
}

// SaveDocument overwrites the session's document. Last writer wins.
func (s *Service) SaveDocument(ctx context.Context, sessionID string, doc session.Document) error {
	if s.opts.MaxDocumentBytes > 0 && len(doc.Markdown) > s.opts.MaxDocumentBytes {
		return ErrDocumentTooLarge
	}
	if !utf8.ValidString(doc.Markdown) {
		return ErrInvalidDocument
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return s.store.SaveDocument(ctx, sessionID, doc, s.now())
}

// Sweep removes every session idle for longer than the TTL and returns how many went.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	if s.opts.TTL <= 0 {
		return 0, nil
	}

	ids, err := s.store.ExpiredBefore(ctx, s.now().Add(-s.opts.TTL))
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if s.expire(ctx, id) {
			removed++
		}
	}

	if removed > 0 {
		observability.RecordSessionsExpired(removed)
		log.Printf("[session] expired %d idle sessions", removed)
	}
	return removed, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	if s.opts.TTL <= 0 || interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[session] sweep failed: %v", err)
			}
		}
	}
}

// Ping reports whether the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) expired(sess session.Session) bool {
	return s.opts.TTL > 0 && s.now().Sub(sess.UpdatedAt) > s.opts.TTL
}

func (s *Service) expire(ctx context.Context, sessionID string) bool {
	if err := s.store.Delete(ctx, sessionID); err != nil {
		log.Printf("[session] failed to delete expired session=%s: %v", sessionID, err)
		return false
	}
	for _, fn := range s.onExpire {
		fn(ctx, sessionID)
	}
	return true
}

// ValidShortID reports whether id has the shape of an issued alias.
func ValidShortID(id string) bool {
	if len(id) != shortIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

func randomShortID() string {
	id, err := shortIDFrom(rand.Reader, shortIDLength)
	if err != nil {
		panic("session: crypto/rand failed: " + err.Error())
	}
	return id
}

// shortIDFrom draws n alphabet characters from r. Bytes at or above the
// largest multiple of the alphabet size are discarded so every character is
// equally likely.
func shortIDFrom(r io.Reader, n int) (string, error) {
	limit := 256 - 256%len(shortIDAlphabet)
	out := make([]byte, 0, n)
	for len(out) < n {
		buf := make([]byte, n-len(out))
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) < limit {
				out = append(out, shortIDAlphabet[int(b)%len(shortIDAlphabet)])
			}
		}
	}
	return string(out), nil
}
