// Package redisstore implements session.Store on Redis so that several API
// nodes can share sessions.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/md2gost/studio/backend/internal/model/session"
)

const defaultPrefix = "md2gost:"

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key (default "md2gost:").
	Prefix   string
	PoolSize int
}

// Store keeps one JSON blob per session, one alias key per short id and a
// sorted set of session ids scored by UpdatedAt for expiry scans.
type Store struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromClient(client, cfg.Prefix), nil
}

// NewFromClient wraps an existing client, e.g. one pointed at miniredis.
func NewFromClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) sessionKey(id string) string    { return s.prefix + "session:" + id }
func (s *Store) aliasKey(shortID string) string { return s.prefix + "short:" + shortID }
func (s *Store) updatedIndexKey() string        { return s.prefix + "updated" }

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return session.ErrStorageUnavailable
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", session.ErrStorageUnavailable, op, err)
}

func (s *Store) Create(ctx context.Context, sess session.Session) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	claimed, err := s.client.SetNX(ctx, s.aliasKey(sess.ShortID), sess.ID, 0).Result()
	if err != nil {
		return unavailable("claim short id", err)
	}
	if !claimed {
		return session.ErrShortIDTaken
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(sess.ID), data, 0)
		pipe.ZAdd(ctx, s.updatedIndexKey(), redis.Z{Score: score(sess.UpdatedAt), Member: sess.ID})
		return nil
	})
	if err != nil {
		_ = s.client.Del(ctx, s.aliasKey(sess.ShortID)).Err()
		return unavailable("create session", err)
	}
	return nil
}

func (s *Store) ResolveShortID(ctx context.Context, shortID string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	id, err := s.client.Get(ctx, s.aliasKey(shortID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", session.ErrNotFound
	}
	if err != nil {
		return "", unavailable("resolve short id", err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (session.Session, error) {
	if err := s.checkOpen(); err != nil {
		return session.Session{}, err
	}

	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, unavailable("get session", err)
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return session.Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

func (s *Store) SaveDocument(ctx context.Context, sessionID string, doc session.Document, updatedAt time.Time) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	sess.Document = &doc
	sess.UpdatedAt = updatedAt
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	// XX keeps a concurrent Delete from being undone by a late save.
	stored, err := s.client.SetXX(ctx, s.sessionKey(sessionID), data, 0).Result()
	if err != nil {
		return unavailable("save document", err)
	}
	if !stored {
		return session.ErrNotFound
	}

	if err := s.client.ZAdd(ctx, s.updatedIndexKey(), redis.Z{Score: score(updatedAt), Member: sessionID}).Err(); err != nil {
		return unavailable("index session", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		if err := s.client.ZRem(ctx, s.updatedIndexKey(), sessionID).Err(); err != nil {
			return unavailable("unindex session", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(sessionID), s.aliasKey(sess.ShortID))
		pipe.ZRem(ctx, s.updatedIndexKey(), sessionID)
		return nil
	})
	if err != nil {
		return unavailable("delete session", err)
	}
	return nil
}

func (s *Store) ExpiredBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := s.client.ZRangeByScore(ctx, s.updatedIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, unavailable("scan expired", err)
	}
	return ids, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
