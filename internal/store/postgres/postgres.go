// internal/store/postgres/postgres.go

// Package postgres is the Postgres persistence driver, backed by a pgx
// connection pool. Schema is bootstrapped on open.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/switchboard/internal/store"
	"github.com/user/switchboard/internal/types"
)

// Driver implements types.Driver on Postgres.
type Driver struct {
	pool *pgxpool.Pool
}

// Open connects to the database and ensures the schema exists.
func Open(ctx context.Context, dbURL string) (*Driver, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	d := &Driver{pool: pool}
	if err := d.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return d, nil
}

func (d *Driver) ensureSchema(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id                 TEXT PRIMARY KEY,
			agent              TEXT NOT NULL,
			agent_session_id   TEXT NOT NULL DEFAULT '',
			last_connection_id TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL,
			destroyed_at       TIMESTAMPTZ,
			end_reason         TEXT NOT NULL DEFAULT '',
			end_detail         TEXT NOT NULL DEFAULT '',
			session_init       JSONB
		);
		CREATE TABLE IF NOT EXISTS events (
			id                TEXT PRIMARY KEY,
			session_id        TEXT NOT NULL,
			native_session_id TEXT NOT NULL DEFAULT '',
			event_index       BIGINT NOT NULL,
			type              TEXT NOT NULL,
			source            TEXT NOT NULL,
			synthetic         BOOLEAN NOT NULL,
			at                TIMESTAMPTZ NOT NULL,
			data              JSONB NOT NULL,
			raw               JSONB
		);
		CREATE INDEX IF NOT EXISTS events_session_order
			ON events (session_id, event_index, id);
		CREATE TABLE IF NOT EXISTS session_meta (
			session_id TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      JSONB,
			PRIMARY KEY (session_id, key)
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (d *Driver) GetSession(ctx context.Context, id types.SessionID) (*types.Session, error) {
	s := &types.Session{}
	err := d.pool.QueryRow(ctx, `
		SELECT id, agent, agent_session_id, last_connection_id,
		       created_at, destroyed_at, end_reason, end_detail, session_init
		FROM sessions WHERE id = $1`, string(id),
	).Scan(&s.ID, &s.Agent, &s.AgentSessionID, &s.LastConnectionID,
		&s.CreatedAt, &s.DestroyedAt, &s.EndReason, &s.EndDetail, &s.Init)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (d *Driver) ListSessions(ctx context.Context, cursor string, limit int) (*types.SessionPage, error) {
	afterAt, afterID, err := store.ParseSessionCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = store.ClampLimit(limit)

	rows, err := d.pool.Query(ctx, `
		SELECT id, agent, agent_session_id, last_connection_id,
		       created_at, destroyed_at, end_reason, end_detail, session_init
		FROM sessions
		WHERE $1::text = '' OR (created_at, id) > ($2, $3)
		ORDER BY created_at, id
		LIMIT $4`, cursor, afterAt, string(afterID), limit+1)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	page := &types.SessionPage{Items: []*types.Session{}}
	for rows.Next() {
		s := &types.Session{}
		if err := rows.Scan(&s.ID, &s.Agent, &s.AgentSessionID, &s.LastConnectionID,
			&s.CreatedAt, &s.DestroyedAt, &s.EndReason, &s.EndDetail, &s.Init); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		page.Items = append(page.Items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = store.SessionCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

func (d *Driver) UpsertSession(ctx context.Context, s *types.Session) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO sessions (id, agent, agent_session_id, last_connection_id,
		                      created_at, destroyed_at, end_reason, end_detail, session_init)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			agent              = EXCLUDED.agent,
			agent_session_id   = EXCLUDED.agent_session_id,
			last_connection_id = EXCLUDED.last_connection_id,
			destroyed_at       = EXCLUDED.destroyed_at,
			end_reason         = EXCLUDED.end_reason,
			end_detail         = EXCLUDED.end_detail,
			session_init       = EXCLUDED.session_init`,
		string(s.ID), s.Agent, s.AgentSessionID, string(s.LastConnectionID),
		s.CreatedAt, s.DestroyedAt, string(s.EndReason), s.EndDetail, s.Init)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (d *Driver) AppendEvent(ctx context.Context, ev *types.Event) error {
	// ON CONFLICT DO NOTHING makes resubmission of an event id a no-op.
	_, err := d.pool.Exec(ctx, `
		INSERT INTO events (id, session_id, native_session_id, event_index,
		                    type, source, synthetic, at, data, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		string(ev.ID), string(ev.SessionID), ev.NativeSessionID, ev.Index,
		string(ev.Type), string(ev.Source), ev.Synthetic, ev.At, ev.Data, ev.Raw)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (d *Driver) ListEvents(ctx context.Context, sessionID types.SessionID, cursor string, limit int) (*types.EventPage, error) {
	after, err := store.ParseEventCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = store.ClampLimit(limit)

	rows, err := d.pool.Query(ctx, `
		SELECT id, session_id, native_session_id, event_index,
		       type, source, synthetic, at, data, raw
		FROM events
		WHERE session_id = $1 AND event_index > $2
		ORDER BY event_index, id
		LIMIT $3`, string(sessionID), after, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	page := &types.EventPage{Items: []*types.Event{}}
	for rows.Next() {
		ev := &types.Event{}
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.NativeSessionID, &ev.Index,
			&ev.Type, &ev.Source, &ev.Synthetic, &ev.At, &ev.Data, &ev.Raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		page.Items = append(page.Items, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.NextCursor = store.EventCursor(page.Items[limit-1].Index)
	}
	return page, nil
}

// PutMeta stores backend-specific metadata scoped to a session.
func (d *Driver) PutMeta(ctx context.Context, sessionID types.SessionID, key string, value []byte) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO session_meta (session_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (session_id, key) DO UPDATE SET value = EXCLUDED.value`,
		string(sessionID), key, value)
	if err != nil {
		return fmt.Errorf("put session meta: %w", err)
	}
	return nil
}

// GetMeta reads backend-specific metadata scoped to a session.
func (d *Driver) GetMeta(ctx context.Context, sessionID types.SessionID, key string) ([]byte, error) {
	var value []byte
	err := d.pool.QueryRow(ctx,
		`SELECT value FROM session_meta WHERE session_id = $1 AND key = $2`,
		string(sessionID), key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session meta: %w", err)
	}
	return value, nil
}

func (d *Driver) Close() error {
	d.pool.Close()
	return nil
}
