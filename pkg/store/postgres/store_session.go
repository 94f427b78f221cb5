package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wuhu-labs/wuhu/pkg/store"
	"github.com/wuhu-labs/wuhu/pkg/transcript"
	"github.com/wuhu-labs/wuhu/pkg/wuhuerr"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// CreateSession writes the session row and its header entry in one
// transaction.
func (s *Store) CreateSession(ctx context.Context, params store.CreateSessionParams) (wuhutypes.Session, transcript.Entry, error) {
	envJSON, err := json.Marshal(params.Environment)
	if err != nil {
		return wuhutypes.Session{}, transcript.Entry{}, fmt.Errorf("postgres: marshal environment: %w", err)
	}
	payloadJSON, err := transcript.EncodePayload(params.HeaderPayload)
	if err != nil {
		return wuhutypes.Session{}, transcript.Entry{}, fmt.Errorf("postgres: encode header payload: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wuhutypes.Session{}, transcript.Entry{}, wuhuerr.New(wuhuerr.KindTransient, "CreateSession", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, params.ID).Scan(&exists); err != nil {
		return wuhutypes.Session{}, transcript.Entry{}, wuhuerr.New(wuhuerr.KindTransient, "CreateSession", err)
	}
	if exists {
		return wuhutypes.Session{}, transcript.Entry{}, wuhuerr.New(wuhuerr.KindConflict, "CreateSession", wuhuerr.ErrSessionExists)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO sessions (id, provider, model, reasoning_effort, parent_session_id, working_dir, environment)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, params.ID, params.Provider, params.Model, params.ReasoningEffort, params.ParentSessionID, params.WorkingDir, envJSON); err != nil {
		return wuhutypes.Session{}, transcript.Entry{}, wuhuerr.New(wuhuerr.KindTransient, "CreateSession", err)
	}

	var entry transcript.Entry
	entry.SessionID = params.ID
	entry.Payload = params.HeaderPayload
	if err := tx.QueryRow(ctx, `
		INSERT INTO session_entries (session_id, parent_entry_id, entry_type, payload)
		VALUES ($1, NULL, 'header', $2)
		RETURNING id, created_at
	`, params.ID, payloadJSON).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return wuhutypes.Session{}, transcript.Entry{}, wuhuerr.New(wuhuerr.KindTransient, "CreateSession", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE sessions SET head_entry_id = $1, tail_entry_id = $1 WHERE id = $2`, entry.ID, params.ID); err != nil {
		return wuhutypes.Session{}, transcript.Entry{}, wuhuerr.New(wuhuerr.KindTransient, "CreateSession", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wuhutypes.Session{}, transcript.Entry{}, wuhuerr.New(wuhuerr.KindTransient, "CreateSession", err)
	}

	sess, err := s.GetSession(ctx, params.ID)
	if err != nil {
		return wuhutypes.Session{}, transcript.Entry{}, err
	}
	return sess, entry, nil
}

func scanSession(row pgx.Row) (wuhutypes.Session, error) {
	var sess wuhutypes.Session
	var envJSON []byte
	var headID, tailID *int64
	if err := row.Scan(
		&sess.ID, &sess.Provider, &sess.Model, &sess.ReasoningEffort,
		&sess.ParentSessionID, &sess.WorkingDir, &envJSON,
		&headID, &tailID, &sess.CreatedAt, &sess.UpdatedAt,
	); err != nil {
		return wuhutypes.Session{}, err
	}
	if err := json.Unmarshal(envJSON, &sess.Environment); err != nil {
		return wuhutypes.Session{}, fmt.Errorf("postgres: unmarshal environment snapshot: %w", err)
	}
	if headID != nil {
		sess.HeadEntryID = *headID
	}
	if tailID != nil {
		sess.TailEntryID = *tailID
	}
	return sess, nil
}

const sessionColumns = `id, provider, model, reasoning_effort, parent_session_id, working_dir, environment, head_entry_id, tail_entry_id, created_at, updated_at`

func (s *Store) GetSession(ctx context.Context, id string) (wuhutypes.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wuhutypes.Session{}, wuhuerr.New(wuhuerr.KindNotFound, "GetSession", wuhuerr.ErrSessionNotFound)
		}
		return wuhutypes.Session{}, wuhuerr.New(wuhuerr.KindTransient, "GetSession", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, params store.ListSessionsParams) ([]wuhutypes.Session, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	if params.ParentSessionID != nil {
		args = append(args, *params.ParentSessionID)
		query += fmt.Sprintf(` WHERE parent_session_id = $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	args = append(args, params.Offset)
	query += fmt.Sprintf(` OFFSET $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wuhuerr.New(wuhuerr.KindTransient, "ListSessions", err)
	}
	defer rows.Close()

	var out []wuhutypes.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, wuhuerr.New(wuhuerr.KindTransient, "ListSessions", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, wuhuerr.New(wuhuerr.KindTransient, "ListSessions", err)
	}
	return out, nil
}

// SetRunning flips the persisted has_work flag.
func (s *Store) SetRunning(ctx context.Context, sessionID string, flag bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET has_work = $1, updated_at = now() WHERE id = $2`, flag, sessionID)
	if err != nil {
		return wuhuerr.New(wuhuerr.KindTransient, "SetRunning", err)
	}
	if tag.RowsAffected() == 0 {
		return wuhuerr.New(wuhuerr.KindNotFound, "SetRunning", wuhuerr.ErrSessionNotFound)
	}
	return nil
}
