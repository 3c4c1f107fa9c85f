package asset

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("asset not found")
	ErrExists   = errors.New("asset reference already used")
)

// Asset is an uploaded binary scoped to one session. Immutable once stored.
type Asset struct {
	SessionID string    `json:"sessionId"`
	Reference string    `json:"reference"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists assets. Put must fail with ErrExists when the reference is
// already taken in that session, atomically with respect to other Puts.
type Store interface {
	Put(ctx context.Context, a Asset) error
	Get(ctx context.Context, sessionID, reference string) (Asset, error)
	List(ctx context.Context, sessionID string) ([]Asset, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// MemoryStore keeps assets in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	assets map[string]map[string]Asset
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assets: make(map[string]map[string]Asset)}
}

func (s *MemoryStore) Put(_ context.Context, a Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySession, ok := s.assets[a.SessionID]
	if !ok {
		bySession = make(map[string]Asset)
		s.assets[a.SessionID] = bySession
	}
	if _, taken := bySession[a.Reference]; taken {
		return ErrExists
	}
	a.Data = append([]byte(nil), a.Data...)
	bySession[a.Reference] = a
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID, reference string) (Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[sessionID][reference]
	if !ok {
		return Asset{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) List(_ context.Context, sessionID string) ([]Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]Asset, 0, len(s.assets[sessionID]))
	for _, a := range s.assets[sessionID] {
		a.Data = nil
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Reference < list[j].Reference })
	return list, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.assets, sessionID)
	s.mu.Unlock()
	return nil
}
