// Package sqlitestore implements session.Store on an embedded SQLite database.
//
// The database is opened with the same production pragmas everywhere:
//
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/md2gost/studio/backend/internal/model/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	short_id   TEXT NOT NULL UNIQUE,
	document   TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
`

// Store is a session.Store backed by database/sql.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlitestore: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: exec schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}

	return &Store{db: db}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", session.ErrStorageUnavailable, op, err)
}

func (s *Store) Create(ctx context.Context, sess session.Session) error {
	doc, err := encodeDocument(sess.Document)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, short_id, document, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.ShortID, doc, sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "sessions.short_id") {
			return session.ErrShortIDTaken
		}
		return unavailable("insert session", err)
	}
	return nil
}

func (s *Store) ResolveShortID(ctx context.Context, shortID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sessions WHERE short_id = ?`, shortID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", session.ErrNotFound
	}
	if err != nil {
		return "", unavailable("resolve short id", err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (session.Session, error) {
	var (
		sess             session.Session
		doc              sql.NullString
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, short_id, document, created_at, updated_at FROM sessions WHERE id = ?`, sessionID).
		Scan(&sess.ID, &sess.ShortID, &doc, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, unavailable("get session", err)
	}

	if doc.Valid {
		var d session.Document
		if err := json.Unmarshal([]byte(doc.String), &d); err != nil {
			return session.Session{}, fmt.Errorf("decode document: %w", err)
		}
		sess.Document = &d
	}
	sess.CreatedAt = time.Unix(0, created).UTC()
	sess.UpdatedAt = time.Unix(0, updated).UTC()
	return sess, nil
}

func (s *Store) SaveDocument(ctx context.Context, sessionID string, doc session.Document, updatedAt time.Time) error {
	encoded, err := encodeDocument(&doc)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET document = ?, updated_at = ? WHERE id = ?`,
		encoded, updatedAt.UnixNano(), sessionID)
	if err != nil {
		return unavailable("save document", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("save document", err)
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return unavailable("delete session", err)
	}
	return nil
}

func (s *Store) ExpiredBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE updated_at < ? ORDER BY updated_at`, cutoff.UnixNano())
	if err != nil {
		return nil, unavailable("scan expired", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("scan expired", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan expired", err)
	}
	return ids, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func encodeDocument(doc *session.Document) (sql.NullString, error) {
	if doc == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode document: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
