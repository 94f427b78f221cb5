package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wuhu-labs/wuhu/pkg/wuhuerr"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// Enqueue appends an Enqueued journal record and marks the item pending.
// Idempotent on the (sessionID, lane, id) triple.
func (s *Store) Enqueue(ctx context.Context, sessionID string, item wuhutypes.QueuedItem) (wuhutypes.QueueJournalEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindTransient, "Enqueue", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing wuhutypes.QueueJournalEntry
	row := tx.QueryRow(ctx, `
		SELECT id, session_id, lane, item_id, kind, transcript_entry_id, recorded_at
		FROM queue_journal WHERE session_id = $1 AND lane = $2 AND item_id = $3 AND kind = 'enqueued'
	`, sessionID, item.Lane, item.ID)
	if err := scanJournal(row, &existing); err == nil {
		return existing, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindTransient, "Enqueue", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO queue_items (session_id, lane, item_id, enqueued_at, author_id, author_kind, content, source, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
	`, sessionID, item.Lane, item.ID, item.EnqueuedAt, item.AuthorID, item.AuthorKind, item.Content, item.Source); err != nil {
		return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindTransient, "Enqueue", err)
	}

	var record wuhutypes.QueueJournalEntry
	row = tx.QueryRow(ctx, `
		INSERT INTO queue_journal (session_id, lane, item_id, kind)
		VALUES ($1, $2, $3, 'enqueued')
		RETURNING id, session_id, lane, item_id, kind, transcript_entry_id, recorded_at
	`, sessionID, item.Lane, item.ID)
	if err := scanJournal(row, &record); err != nil {
		return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindTransient, "Enqueue", err)
	}
	record.Item = &item

	if err := tx.Commit(ctx); err != nil {
		return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindTransient, "Enqueue", err)
	}
	return record, nil
}

// Cancel transitions a pending item to canceled. A no-op if the item is
// already terminal.
func (s *Store) Cancel(ctx context.Context, sessionID string, lane wuhutypes.Lane, itemID string) (wuhutypes.QueueJournalEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindTransient, "Cancel", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var state string
	if err := tx.QueryRow(ctx, `SELECT state FROM queue_items WHERE session_id = $1 AND lane = $2 AND item_id = $3 FOR UPDATE`,
		sessionID, lane, itemID).Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindNotFound, "Cancel", wuhuerr.ErrQueueItemNotFound)
		}
		return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindTransient, "Cancel", err)
	}
	if state != "pending" {
		return wuhutypes.QueueJournalEntry{Kind: wuhutypes.JournalCanceled}, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE queue_items SET state = 'canceled' WHERE session_id = $1 AND lane = $2 AND item_id = $3`,
		sessionID, lane, itemID); err != nil {
		return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindTransient, "Cancel", err)
	}

	var record wuhutypes.QueueJournalEntry
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_journal (session_id, lane, item_id, kind)
		VALUES ($1, $2, $3, 'canceled')
		RETURNING id, session_id, lane, item_id, kind, transcript_entry_id, recorded_at
	`, sessionID, lane, itemID)
	if err := scanJournal(row, &record); err != nil {
		return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindTransient, "Cancel", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindTransient, "Cancel", err)
	}
	return record, nil
}

// Materialize links a queued item to the transcript entry it became.
func (s *Store) Materialize(ctx context.Context, sessionID string, lane wuhutypes.Lane, itemID string, transcriptEntryID int64) (wuhutypes.QueueJournalEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindTransient, "Materialize", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE queue_items SET state = 'materialized' WHERE session_id = $1 AND lane = $2 AND item_id = $3 AND state = 'pending'`,
		sessionID, lane, itemID)
	if err != nil {
		return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindTransient, "Materialize", err)
	}
	if tag.RowsAffected() == 0 {
		return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindNotFound, "Materialize", wuhuerr.ErrQueueItemNotFound)
	}

	var record wuhutypes.QueueJournalEntry
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_journal (session_id, lane, item_id, kind, transcript_entry_id)
		VALUES ($1, $2, $3, 'materialized', $4)
		RETURNING id, session_id, lane, item_id, kind, transcript_entry_id, recorded_at
	`, sessionID, lane, itemID, transcriptEntryID)
	if err := scanJournal(row, &record); err != nil {
		return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindTransient, "Materialize", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindTransient, "Materialize", err)
	}
	return record, nil
}

// DrainPending returns pending items across lanes in enqueue-timestamp
// order, without modifying state.
func (s *Store) DrainPending(ctx context.Context, sessionID string, lanes []wuhutypes.Lane) ([]wuhutypes.QueuedItem, error) {
	if len(lanes) == 0 {
		return nil, nil
	}
	laneStrs := make([]string, len(lanes))
	for i, l := range lanes {
		laneStrs[i] = string(l)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT lane, item_id, enqueued_at, author_id, author_kind, content, source
		FROM queue_items
		WHERE session_id = $1 AND state = 'pending' AND lane = ANY($2)
		ORDER BY enqueued_at ASC
	`, sessionID, laneStrs)
	if err != nil {
		return nil, wuhuerr.New(wuhuerr.KindTransient, "DrainPending", err)
	}
	defer rows.Close()

	var out []wuhutypes.QueuedItem
	for rows.Next() {
		var it wuhutypes.QueuedItem
		var authorID, authorKind, content, source *string
		if err := rows.Scan(&it.Lane, &it.ID, &it.EnqueuedAt, &authorID, &authorKind, &content, &source); err != nil {
			return nil, wuhuerr.New(wuhuerr.KindTransient, "DrainPending", err)
		}
		if authorID != nil {
			it.AuthorID = *authorID
		}
		if authorKind != nil {
			it.AuthorKind = *authorKind
		}
		if content != nil {
			it.Content = *content
		}
		if source != nil {
			it.Source = wuhutypes.SystemSource(*source)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, wuhuerr.New(wuhuerr.KindTransient, "DrainPending", err)
	}
	return out, nil
}

// GetJournal returns journal records for one lane with id > since, for
// subscription backfill.
func (s *Store) GetJournal(ctx context.Context, sessionID string, lane wuhutypes.Lane, since *int64) ([]wuhutypes.QueueJournalEntry, error) {
	query := `SELECT id, session_id, lane, item_id, kind, transcript_entry_id, recorded_at FROM queue_journal WHERE session_id = $1 AND lane = $2`
	args := []any{sessionID, lane}
	if since != nil {
		args = append(args, *since)
		query += fmt.Sprintf(` AND id > $%d`, len(args))
	}
	query += ` ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wuhuerr.New(wuhuerr.KindTransient, "GetJournal", err)
	}
	defer rows.Close()

	var out []wuhutypes.QueueJournalEntry
	for rows.Next() {
		var rec wuhutypes.QueueJournalEntry
		if err := scanJournal(rows, &rec); err != nil {
			return nil, wuhuerr.New(wuhuerr.KindTransient, "GetJournal", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wuhuerr.New(wuhuerr.KindTransient, "GetJournal", err)
	}
	return out, nil
}

func scanJournal(row pgx.Row, rec *wuhutypes.QueueJournalEntry) error {
	return row.Scan(&rec.ID, &rec.SessionID, &rec.Lane, &rec.ItemID, &rec.Kind, &rec.TranscriptEntryID, &rec.RecordedAt)
}
