// Package auditlog is a durable, best-effort append log of per-activation
// lifecycle events, keyed by session id and composition AST path. It is
// not part of the core interpreter semantics — a logging failure never
// affects composition behavior — but gives production operators a trail
// of what a session did across its suspend/resume activations.
package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event names a lifecycle event recorded against a session.
type Event string

const (
	EventEntered         Event = "entered"
	EventSuspendedAction Event = "suspended:action"
	EventForked          Event = "forked"
	EventJoined          Event = "joined"
	EventTerminalOK      Event = "terminal:ok"
	EventTerminalError   Event = "terminal:error"
)

// Log appends lifecycle events to Postgres. Writes are fire-and-forget:
// Record spawns a goroutine and never blocks the step loop on the write.
type Log struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and ensures the audit_events table exists.
func Open(ctx context.Context, dsn string) (*Log, error) {
	if dsn == "" {
		return nil, fmt.Errorf("auditlog: postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("auditlog: create pool: %w", err)
	}

	l := &Log{pool: pool}
	if err := l.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auditlog: ping: %w", err)
	}
	if err := l.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) ensureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			path TEXT,
			event TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("auditlog: ensure schema: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events(session_id, created_at DESC)`)
	if err != nil {
		return fmt.Errorf("auditlog: ensure index: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (l *Log) Close() {
	if l != nil && l.pool != nil {
		l.pool.Close()
	}
}

// Record appends one lifecycle event asynchronously. A nil Log is a valid
// no-op receiver, so callers can wire auditlog optionally.
func (l *Log) Record(sessionID, path string, event Event, detail string) {
	if l == nil || l.pool == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := l.pool.Exec(ctx, `
			INSERT INTO audit_events (session_id, path, event, detail)
			VALUES ($1, $2, $3, $4)
		`, sessionID, path, string(event), detail)
		_ = err // best-effort: a logging failure never affects composition semantics
	}()
}

// Recent returns the most recent events for a session, newest first, for
// operator diagnostics.
func (l *Log) Recent(ctx context.Context, sessionID string, limit int) ([]RecordedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.pool.Query(ctx, `
		SELECT path, event, detail, created_at
		FROM audit_events
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("auditlog: recent: %w", err)
	}
	defer rows.Close()

	var out []RecordedEvent
	for rows.Next() {
		var e RecordedEvent
		var path, detail *string
		if err := rows.Scan(&path, &e.Event, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("auditlog: scan: %w", err)
		}
		if path != nil {
			e.Path = *path
		}
		if detail != nil {
			e.Detail = *detail
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auditlog: recent rows: %w", err)
	}
	return out, nil
}

// RecordedEvent is one row read back by Recent.
type RecordedEvent struct {
	Path      string    `json:"path,omitempty"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
