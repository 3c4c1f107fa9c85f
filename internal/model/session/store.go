package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists sessions and their short aliases.
// Implementations must be safe for concurrent use; SaveDocument is last-writer-wins.
// Document.Markdown must be valid UTF-8: the Redis and SQLite backends store
// documents as JSON, which replaces invalid sequences with U+FFFD.
type Store interface {
	Create(ctx context.Context, s Session) error
	ResolveShortID(ctx context.Context, shortID string) (string, error)
	Get(ctx context.Context, sessionID string) (Session, error)
	SaveDocument(ctx context.Context, sessionID string, doc Document, updatedAt time.Time) error
	Delete(ctx context.Context, sessionID string) error
	// ExpiredBefore lists sessions whose UpdatedAt is older than cutoff.
	ExpiredBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore implements Store with in-process maps, suitable for a single node.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	aliases  map[string]string
	closed   bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		aliases:  make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStorageUnavailable
	}
	if _, ok := s.aliases[sess.ShortID]; ok {
		return ErrShortIDTaken
	}

	s.sessions[sess.ID] = sess.Clone()
	s.aliases[sess.ShortID] = sess.ID
	return nil
}

func (s *MemoryStore) ResolveShortID(_ context.Context, shortID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStorageUnavailable
	}
	id, ok := s.aliases[shortID]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Session{}, ErrStorageUnavailable
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) SaveDocument(_ context.Context, sessionID string, doc Document, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStorageUnavailable
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}

	sess.Document = &doc
	sess.UpdatedAt = updatedAt
	s.sessions[sessionID] = sess
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStorageUnavailable
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(s.aliases, sess.ShortID)
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) ExpiredBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStorageUnavailable
	}
	var ids []string
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageUnavailable
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
