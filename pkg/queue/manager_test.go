package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuhu-labs/wuhu/pkg/store"
	"github.com/wuhu-labs/wuhu/pkg/transcript"
	"github.com/wuhu-labs/wuhu/pkg/wuhuerr"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// fakeStore is a minimal in-memory store.Store used to unit test the queue
// manager's domain rules without a real database.
type fakeStore struct {
	items   map[string]wuhutypes.QueuedItem
	states  map[string]string
	journal []wuhutypes.QueueJournalEntry
	nextID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: map[string]wuhutypes.QueuedItem{}, states: map[string]string{}}
}

func key(sessionID string, lane wuhutypes.Lane, id string) string {
	return sessionID + "/" + string(lane) + "/" + id
}

func (f *fakeStore) Enqueue(_ context.Context, sessionID string, item wuhutypes.QueuedItem) (wuhutypes.QueueJournalEntry, error) {
	k := key(sessionID, item.Lane, item.ID)
	if _, ok := f.items[k]; ok {
		for _, r := range f.journal {
			if r.SessionID == sessionID && r.Lane == item.Lane && r.ItemID == item.ID && r.Kind == wuhutypes.JournalEnqueued {
				return r, nil
			}
		}
	}
	f.items[k] = item
	f.states[k] = "pending"
	f.nextID++
	rec := wuhutypes.QueueJournalEntry{ID: f.nextID, SessionID: sessionID, Lane: item.Lane, ItemID: item.ID, Kind: wuhutypes.JournalEnqueued, Item: &item, RecordedAt: time.Now()}
	f.journal = append(f.journal, rec)
	return rec, nil
}

func (f *fakeStore) Cancel(_ context.Context, sessionID string, lane wuhutypes.Lane, itemID string) (wuhutypes.QueueJournalEntry, error) {
	k := key(sessionID, lane, itemID)
	if f.states[k] != "pending" {
		return wuhutypes.QueueJournalEntry{Kind: wuhutypes.JournalCanceled}, nil
	}
	f.states[k] = "canceled"
	f.nextID++
	rec := wuhutypes.QueueJournalEntry{ID: f.nextID, SessionID: sessionID, Lane: lane, ItemID: itemID, Kind: wuhutypes.JournalCanceled, RecordedAt: time.Now()}
	f.journal = append(f.journal, rec)
	return rec, nil
}

func (f *fakeStore) Materialize(_ context.Context, sessionID string, lane wuhutypes.Lane, itemID string, transcriptEntryID int64) (wuhutypes.QueueJournalEntry, error) {
	k := key(sessionID, lane, itemID)
	if f.states[k] != "pending" {
		return wuhutypes.QueueJournalEntry{}, wuhuerr.New(wuhuerr.KindNotFound, "Materialize", wuhuerr.ErrQueueItemNotFound)
	}
	f.states[k] = "materialized"
	f.nextID++
	rec := wuhutypes.QueueJournalEntry{ID: f.nextID, SessionID: sessionID, Lane: lane, ItemID: itemID, Kind: wuhutypes.JournalMaterialized, TranscriptEntryID: &transcriptEntryID, RecordedAt: time.Now()}
	f.journal = append(f.journal, rec)
	return rec, nil
}

func (f *fakeStore) DrainPending(_ context.Context, sessionID string, lanes []wuhutypes.Lane) ([]wuhutypes.QueuedItem, error) {
	laneSet := map[wuhutypes.Lane]bool{}
	for _, l := range lanes {
		laneSet[l] = true
	}
	var out []wuhutypes.QueuedItem
	for k, item := range f.items {
		if laneSet[item.Lane] && f.states[k] == "pending" && hasPrefix(k, sessionID+"/") {
			out = append(out, item)
		}
	}
	return out, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (f *fakeStore) GetJournal(_ context.Context, sessionID string, lane wuhutypes.Lane, since *int64) ([]wuhutypes.QueueJournalEntry, error) {
	var out []wuhutypes.QueueJournalEntry
	for _, r := range f.journal {
		if r.SessionID == sessionID && r.Lane == lane && (since == nil || r.ID > *since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Unused members of store.Store for this test's purposes.
func (f *fakeStore) CreateSession(context.Context, store.CreateSessionParams) (wuhutypes.Session, transcript.Entry, error) {
	panic("not used")
}
func (f *fakeStore) GetSession(context.Context, string) (wuhutypes.Session, error)      { panic("not used") }
func (f *fakeStore) ListSessions(context.Context, store.ListSessionsParams) ([]wuhutypes.Session, error) {
	panic("not used")
}
func (f *fakeStore) AppendEntry(context.Context, string, transcript.EntryPayload) (transcript.Entry, error) {
	panic("not used")
}
func (f *fakeStore) GetEntries(context.Context, string, store.GetEntriesParams) ([]transcript.Entry, error) {
	panic("not used")
}
func (f *fakeStore) SetRunning(context.Context, string, bool) error { panic("not used") }
func (f *fakeStore) CreateEnvironment(context.Context, wuhutypes.Environment) (wuhutypes.Environment, error) {
	panic("not used")
}
func (f *fakeStore) UpdateEnvironment(context.Context, wuhutypes.Environment) (wuhutypes.Environment, error) {
	panic("not used")
}
func (f *fakeStore) DeleteEnvironment(context.Context, string) error { panic("not used") }
func (f *fakeStore) GetEnvironment(context.Context, string) (wuhutypes.Environment, error) {
	panic("not used")
}
func (f *fakeStore) GetEnvironmentByName(context.Context, string) (wuhutypes.Environment, error) {
	panic("not used")
}
func (f *fakeStore) ListEnvironments(context.Context) ([]wuhutypes.Environment, error) {
	panic("not used")
}
func (f *fakeStore) Close() error { return nil }

var _ store.Store = (*fakeStore)(nil)

func TestEnqueueSystemIsNotCancelable(t *testing.T) {
	m := New(newFakeStore())
	ctx := context.Background()

	id, err := m.EnqueueSystem(ctx, "sess-1", wuhutypes.SystemSourceAsyncTaskNotification, "task done")
	require.NoError(t, err)

	err = m.Cancel(ctx, "sess-1", wuhutypes.LaneSystem, id)
	assert.True(t, wuhuerr.Is(err, wuhuerr.KindConflict))
}

func TestDrainTurnBoundaryPrefersInterruptLanes(t *testing.T) {
	m := New(newFakeStore())
	ctx := context.Background()

	_, err := m.EnqueueParticipant(ctx, "sess-1", wuhutypes.LaneFollowUp, "alice", "human", "later")
	require.NoError(t, err)
	_, err = m.EnqueueParticipant(ctx, "sess-1", wuhutypes.LaneSteer, "alice", "human", "urgent")
	require.NoError(t, err)

	items, err := m.DrainTurnBoundary(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, wuhutypes.LaneSteer, items[0].Lane)
}

func TestEnqueueIdempotentOnSameID(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()

	item := wuhutypes.QueuedItem{ID: "fixed-id", Lane: wuhutypes.LaneSteer, EnqueuedAt: time.Now(), AuthorID: "alice", Content: "hi"}
	first, err := fs.Enqueue(ctx, "sess-1", item)
	require.NoError(t, err)
	second, err := fs.Enqueue(ctx, "sess-1", item)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestCancelAlreadyMaterializedIsNoOp(t *testing.T) {
	fs := newFakeStore()
	m := New(fs)
	ctx := context.Background()

	id, err := m.EnqueueParticipant(ctx, "sess-1", wuhutypes.LaneSteer, "alice", "human", "hi")
	require.NoError(t, err)
	_, err = m.MarkMaterialized(ctx, "sess-1", wuhutypes.LaneSteer, id, 42)
	require.NoError(t, err)

	err = m.Cancel(ctx, "sess-1", wuhutypes.LaneSteer, id)
	require.NoError(t, err)
}
