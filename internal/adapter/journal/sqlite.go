// Package journal records every envelope a session exchanges into SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"rpcsession/internal/domain"
)

// Direction of a journaled envelope relative to this process.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one journaled envelope.
type Entry struct {
	ID        int64
	SessionID string
	Direction Direction
	Kind      string // request, response, error, notification or malformed
	Method    string
	RequestID string
	Payload   []byte
	CreatedAt time.Time
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	SessionID string
	Method    string
	Direction Direction
	Limit     int
}

// Store persists entries in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a journal database at dbPath and runs the schema
// migration.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS envelopes (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			direction  TEXT NOT NULL,
			kind       TEXT NOT NULL,
			method     TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			payload    BLOB NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS envelopes_session ON envelopes (session_id, id);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record classifies payload and appends it to the journal.
func (s *Store) Record(ctx context.Context, sessionID string, dir Direction, payload []byte) (*Entry, error) {
	e := &Entry{
		SessionID: sessionID,
		Direction: dir,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now().UTC(),
	}
	classify(e)

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO envelopes (session_id, direction, kind, method, request_id, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.SessionID, string(e.Direction), e.Kind, e.Method, e.RequestID, e.Payload,
		e.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("insert envelope: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return e, nil
}

func classify(e *Entry) {
	msg, err := domain.ParseMessage(e.Payload)
	if err != nil {
		e.Kind = "malformed"
		var me *domain.MalformedError
		if errors.As(err, &me) {
			e.Method = me.Method
			if !me.ID.IsZero() {
				e.RequestID = me.ID.String()
			}
		}
		return
	}
	e.Kind = msg.Kind().String()
	switch m := msg.(type) {
	case *domain.Request:
		e.Method, e.RequestID = m.Method, m.ID.String()
	case *domain.Notification:
		e.Method = m.Method
	case *domain.Response:
		e.RequestID = m.ID.String()
	case *domain.ErrorResponse:
		e.RequestID = m.ID.String()
	}
}

// List returns entries matching f in insertion order.
func (s *Store) List(ctx context.Context, f Filter) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Method != "" {
		where = append(where, "method = ?")
		args = append(args, f.Method)
	}
	if f.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, string(f.Direction))
	}

	q := "SELECT id, session_id, direction, kind, method, request_id, payload, created_at FROM envelopes"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e          Entry
			dir        string
			createdStr string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &dir, &e.Kind, &e.Method, &e.RequestID, &e.Payload, &createdStr); err != nil {
			return nil, err
		}
		e.Direction = Direction(dir)
		e.CreatedAt, _ = time.Parse(timeLayout, createdStr)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Prune deletes entries recorded before cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM envelopes WHERE created_at < ?", cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
