// Package queue implements the three-lane input queueing model:
// system (not cancelable, machine-sourced), steer (cancelable, drained at
// interrupt checkpoints), and followUp (cancelable, drained at turn
// boundaries). State is derived from the store's append-only journal, never
// held independently in this package.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wuhu-labs/wuhu/pkg/store"
	"github.com/wuhu-labs/wuhu/pkg/wuhuerr"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// Manager is the queue contract consumed by the session actor. It is a
// thin domain layer over store.Store: identifier allocation and lane
// cancelability rules live here, durability and journal replay live in the
// store.
type Manager struct {
	store store.Store
}

func New(s store.Store) *Manager {
	return &Manager{store: s}
}

// EnqueueParticipant enqueues a steer or follow-up item authored by a
// human or bot participant. Returns the allocated item id.
func (m *Manager) EnqueueParticipant(ctx context.Context, sessionID string, lane wuhutypes.Lane, authorID, authorKind, content string) (string, error) {
	if lane == wuhutypes.LaneSystem {
		return "", fmt.Errorf("queue: EnqueueParticipant called with system lane")
	}
	item := wuhutypes.QueuedItem{
		ID: uuid.NewString(), Lane: lane, EnqueuedAt: time.Now(),
		AuthorID: authorID, AuthorKind: authorKind, Content: content,
	}
	rec, err := m.store.Enqueue(ctx, sessionID, item)
	if err != nil {
		return "", err
	}
	return rec.ItemID, nil
}

// EnqueueSystem enqueues a not-cancelable, machine-sourced item on the
// system lane.
func (m *Manager) EnqueueSystem(ctx context.Context, sessionID string, source wuhutypes.SystemSource, content string) (string, error) {
	item := wuhutypes.QueuedItem{
		ID: uuid.NewString(), Lane: wuhutypes.LaneSystem, EnqueuedAt: time.Now(),
		Source: source, Content: content,
	}
	rec, err := m.store.Enqueue(ctx, sessionID, item)
	if err != nil {
		return "", err
	}
	return rec.ItemID, nil
}

// Cancel cancels a pending item on a cancelable lane. Canceling an already
// terminal or system-lane item is a documented no-op / error respectively.
func (m *Manager) Cancel(ctx context.Context, sessionID string, lane wuhutypes.Lane, itemID string) error {
	if !lane.Cancelable() {
		return wuhuerr.New(wuhuerr.KindConflict, "Cancel", fmt.Errorf("lane %q is not cancelable", lane))
	}
	_, err := m.store.Cancel(ctx, sessionID, lane, itemID)
	return err
}

// DrainInterruptLanes drains system+steer together, ordered by enqueue
// timestamp, FIFO within lane.
func (m *Manager) DrainInterruptLanes(ctx context.Context, sessionID string) ([]wuhutypes.QueuedItem, error) {
	return m.store.DrainPending(ctx, sessionID, []wuhutypes.Lane{wuhutypes.LaneSystem, wuhutypes.LaneSteer})
}

// DrainTurnBoundary drains system+steer first; callers should only drain
// followUp when that returns empty.
func (m *Manager) DrainTurnBoundary(ctx context.Context, sessionID string) ([]wuhutypes.QueuedItem, error) {
	items, err := m.DrainInterruptLanes(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		return items, nil
	}
	return m.store.DrainPending(ctx, sessionID, []wuhutypes.Lane{wuhutypes.LaneFollowUp})
}

// MarkMaterialized links a drained item to the transcript entry it became.
func (m *Manager) MarkMaterialized(ctx context.Context, sessionID string, lane wuhutypes.Lane, itemID string, transcriptEntryID int64) (wuhutypes.QueueJournalEntry, error) {
	return m.store.Materialize(ctx, sessionID, lane, itemID, transcriptEntryID)
}

// Journal returns one lane's journal records after since, for subscription
// backfill.
func (m *Manager) Journal(ctx context.Context, sessionID string, lane wuhutypes.Lane, since *int64) ([]wuhutypes.QueueJournalEntry, error) {
	return m.store.GetJournal(ctx, sessionID, lane, since)
}
