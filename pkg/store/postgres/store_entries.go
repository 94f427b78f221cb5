package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wuhu-labs/wuhu/pkg/store"
	"github.com/wuhu-labs/wuhu/pkg/transcript"
	"github.com/wuhu-labs/wuhu/pkg/wuhuerr"
)

// AppendEntry reads the session's current tail, writes a new entry
// parented to it, and advances the tail, in a single transaction.
func (s *Store) AppendEntry(ctx context.Context, sessionID string, payload transcript.EntryPayload) (transcript.Entry, error) {
	payloadJSON, err := transcript.EncodePayload(payload)
	if err != nil {
		return transcript.Entry{}, fmt.Errorf("postgres: encode payload: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return transcript.Entry{}, wuhuerr.New(wuhuerr.KindTransient, "AppendEntry", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tailID *int64
	if err := tx.QueryRow(ctx, `SELECT tail_entry_id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&tailID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return transcript.Entry{}, wuhuerr.New(wuhuerr.KindNotFound, "AppendEntry", wuhuerr.ErrSessionNotFound)
		}
		return transcript.Entry{}, wuhuerr.New(wuhuerr.KindTransient, "AppendEntry", err)
	}

	entry := transcript.Entry{SessionID: sessionID, ParentEntryID: tailID, Payload: payload}
	if err := tx.QueryRow(ctx, `
		INSERT INTO session_entries (session_id, parent_entry_id, entry_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, sessionID, tailID, transcript.PayloadType(payload), payloadJSON).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return transcript.Entry{}, wuhuerr.New(wuhuerr.KindTransient, "AppendEntry", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE sessions SET tail_entry_id = $1, updated_at = now() WHERE id = $2`, entry.ID, sessionID); err != nil {
		return transcript.Entry{}, wuhuerr.New(wuhuerr.KindTransient, "AppendEntry", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return transcript.Entry{}, wuhuerr.New(wuhuerr.KindTransient, "AppendEntry", err)
	}
	return entry, nil
}

// GetEntries returns entries in ascending id order.
func (s *Store) GetEntries(ctx context.Context, sessionID string, params store.GetEntriesParams) ([]transcript.Entry, error) {
	query := `SELECT id, session_id, parent_entry_id, payload, created_at FROM session_entries WHERE session_id = $1`
	args := []any{sessionID}

	if params.Since != nil {
		args = append(args, *params.Since)
		query += fmt.Sprintf(` AND id > $%d`, len(args))
	}
	if params.SinceTime != nil {
		args = append(args, *params.SinceTime)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	query += ` ORDER BY id ASC`
	if params.Limit > 0 {
		args = append(args, params.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wuhuerr.New(wuhuerr.KindTransient, "GetEntries", err)
	}
	defer rows.Close()

	var out []transcript.Entry
	for rows.Next() {
		var e transcript.Entry
		var payloadJSON []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ParentEntryID, &payloadJSON, &e.CreatedAt); err != nil {
			return nil, wuhuerr.New(wuhuerr.KindTransient, "GetEntries", err)
		}
		payload, err := transcript.DecodePayload(payloadJSON)
		if err != nil {
			return nil, wuhuerr.New(wuhuerr.KindStoreIntegrity, "GetEntries", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wuhuerr.New(wuhuerr.KindTransient, "GetEntries", err)
	}
	return out, nil
}
