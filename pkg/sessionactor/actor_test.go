package sessionactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuhu-labs/wuhu/pkg/agentloop"
	"github.com/wuhu-labs/wuhu/pkg/collab"
	"github.com/wuhu-labs/wuhu/pkg/compaction"
	"github.com/wuhu-labs/wuhu/pkg/queue"
	"github.com/wuhu-labs/wuhu/pkg/store"
	"github.com/wuhu-labs/wuhu/pkg/transcript"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// fakeStore is a minimal in-memory store.Store, the same shape as
// pkg/queue's and pkg/agentloop's fakeStore test doubles, extended with a
// real session row so Registry.load has something to read.
type fakeStore struct {
	sessions map[string]wuhutypes.Session
	entries  map[string][]transcript.Entry
	nextID   int64

	items  map[string]wuhutypes.QueuedItem
	states map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: map[string]wuhutypes.Session{},
		entries:  map[string][]transcript.Entry{},
		items:    map[string]wuhutypes.QueuedItem{},
		states:   map[string]string{},
	}
}

func (f *fakeStore) putSession(s wuhutypes.Session) { f.sessions[s.ID] = s }

func (f *fakeStore) AppendEntry(_ context.Context, sessionID string, payload transcript.EntryPayload) (transcript.Entry, error) {
	f.nextID++
	e := transcript.Entry{ID: f.nextID, SessionID: sessionID, CreatedAt: time.Now(), Payload: payload}
	f.entries[sessionID] = append(f.entries[sessionID], e)
	return e, nil
}

func (f *fakeStore) GetEntries(_ context.Context, sessionID string, _ store.GetEntriesParams) ([]transcript.Entry, error) {
	return f.entries[sessionID], nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (wuhutypes.Session, error) {
	return f.sessions[id], nil
}

func itemKey(sessionID string, lane wuhutypes.Lane, id string) string {
	return sessionID + "/" + string(lane) + "/" + id
}

func (f *fakeStore) Enqueue(_ context.Context, sessionID string, item wuhutypes.QueuedItem) (wuhutypes.QueueJournalEntry, error) {
	k := itemKey(sessionID, item.Lane, item.ID)
	f.items[k] = item
	f.states[k] = "pending"
	f.nextID++
	return wuhutypes.QueueJournalEntry{ID: f.nextID, SessionID: sessionID, Lane: item.Lane, ItemID: item.ID, Kind: wuhutypes.JournalEnqueued, Item: &item, RecordedAt: time.Now()}, nil
}

func (f *fakeStore) Cancel(_ context.Context, sessionID string, lane wuhutypes.Lane, itemID string) (wuhutypes.QueueJournalEntry, error) {
	k := itemKey(sessionID, lane, itemID)
	f.states[k] = "canceled"
	return wuhutypes.QueueJournalEntry{Kind: wuhutypes.JournalCanceled}, nil
}

func (f *fakeStore) Materialize(_ context.Context, sessionID string, lane wuhutypes.Lane, itemID string, entryID int64) (wuhutypes.QueueJournalEntry, error) {
	k := itemKey(sessionID, lane, itemID)
	f.states[k] = "materialized"
	f.nextID++
	return wuhutypes.QueueJournalEntry{ID: f.nextID, SessionID: sessionID, Lane: lane, ItemID: itemID, Kind: wuhutypes.JournalMaterialized, TranscriptEntryID: &entryID, RecordedAt: time.Now()}, nil
}

func (f *fakeStore) DrainPending(_ context.Context, sessionID string, lanes []wuhutypes.Lane) ([]wuhutypes.QueuedItem, error) {
	laneSet := map[wuhutypes.Lane]bool{}
	for _, l := range lanes {
		laneSet[l] = true
	}
	var out []wuhutypes.QueuedItem
	for k, item := range f.items {
		if laneSet[item.Lane] && f.states[k] == "pending" && len(k) >= len(sessionID) && k[:len(sessionID)] == sessionID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeStore) GetJournal(context.Context, string, wuhutypes.Lane, *int64) ([]wuhutypes.QueueJournalEntry, error) {
	return nil, nil
}

func (f *fakeStore) CreateSession(context.Context, store.CreateSessionParams) (wuhutypes.Session, transcript.Entry, error) {
	panic("not used")
}
func (f *fakeStore) ListSessions(context.Context, store.ListSessionsParams) ([]wuhutypes.Session, error) {
	panic("not used")
}
func (f *fakeStore) SetRunning(context.Context, string, bool) error { return nil }
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

// fakeInference returns a scripted, fixed response to every Stream call.
type fakeInference struct {
	text      string
	toolCalls []transcript.ToolCall
}

func (f *fakeInference) Stream(_ context.Context, _ string, _ []transcript.Entry, _ collab.InferenceOptions) (<-chan collab.AssistantEvent, error) {
	ch := make(chan collab.AssistantEvent, 4)
	go func() {
		defer close(ch)
		ch <- collab.AssistantEvent{Kind: collab.AssistantEventStart}
		ch <- collab.AssistantEvent{Kind: collab.AssistantEventTextDelta, Delta: f.text, Partial: f.text}
		ch <- collab.AssistantEvent{Kind: collab.AssistantEventDone, Message: &transcript.Message{Content: f.text, ToolCalls: f.toolCalls}}
	}()
	return ch, nil
}

type fakeTools struct{}

func (fakeTools) Execute(_ context.Context, _, toolName string, _ transcript.Value, _ string) (collab.ToolResult, error) {
	return collab.ToolResult{Content: "ok:" + toolName}, nil
}
func (fakeTools) IsIdempotent(string) bool { return false }

func newTestRegistry(s store.Store) *Registry {
	return registryWith(s, &fakeInference{text: "hello there"})
}

func registryWith(s store.Store, infer collab.Inference) *Registry {
	q := queue.New(s)
	compactor := compaction.New(s, nil, compaction.Config{Enabled: false})
	loop := agentloop.New(s, q, compactor, infer, agentloop.StaticExecutor{E: fakeTools{}}, nil,
		agentloop.RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsedTime: 50 * time.Millisecond, MaxRetries: 3},
		compaction.Config{Enabled: false})
	return NewRegistry(s, q, loop)
}

// blockingInference holds its stream open until released, keeping the
// session observably Running while commands land mid-turn.
type blockingInference struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingInference() *blockingInference {
	return &blockingInference{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (b *blockingInference) Stream(_ context.Context, _ string, _ []transcript.Entry, _ collab.InferenceOptions) (<-chan collab.AssistantEvent, error) {
	ch := make(chan collab.AssistantEvent, 2)
	go func() {
		defer close(ch)
		select {
		case b.started <- struct{}{}:
		default:
		}
		ch <- collab.AssistantEvent{Kind: collab.AssistantEventStart}
		<-b.release
		ch <- collab.AssistantEvent{Kind: collab.AssistantEventDone, Message: &transcript.Message{Content: "done at last"}}
	}()
	return ch, nil
}

func TestRegistryGetCreatesAndCachesOneActorPerSession(t *testing.T) {
	s := newFakeStore()
	s.putSession(wuhutypes.Session{ID: "sess-1", Provider: "anthropic", Model: "claude"})
	r := newTestRegistry(s)
	ctx := context.Background()

	a1, err := r.Get(ctx, "sess-1")
	require.NoError(t, err)
	a2, err := r.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Same(t, a1, a2)
}

func TestEnqueueDrivesTheLoopToIdle(t *testing.T) {
	s := newFakeStore()
	s.putSession(wuhutypes.Session{ID: "sess-2", Provider: "anthropic", Model: "claude"})
	r := newTestRegistry(s)
	ctx := context.Background()

	a, err := r.Get(ctx, "sess-2")
	require.NoError(t, err)

	_, err = a.Enqueue(ctx, wuhutypes.LaneSteer, "alice", "human", "hi")
	require.NoError(t, err)

	snap := a.Snapshot()
	assert.Equal(t, wuhutypes.StatusIdle, snap.Status())

	var sawAssistant bool
	for _, e := range snap.Entries {
		if msg, ok := e.Payload.(transcript.Message); ok && msg.MessageKind == transcript.MessageKindAssistant {
			sawAssistant = true
		}
	}
	assert.True(t, sawAssistant)
}

func TestEnqueueFromNewParticipantEmitsJoinedMarker(t *testing.T) {
	s := newFakeStore()
	s.putSession(wuhutypes.Session{ID: "sess-3", Provider: "anthropic", Model: "claude"})
	r := newTestRegistry(s)
	ctx := context.Background()

	a, err := r.Get(ctx, "sess-3")
	require.NoError(t, err)

	_, err = a.Enqueue(ctx, wuhutypes.LaneSteer, "bob", "human", "hello")
	require.NoError(t, err)

	joined := 0
	for _, item := range s.items {
		if item.Source == wuhutypes.SystemSourceParticipantJoined && item.Content == "bob" {
			joined++
		}
	}
	assert.Equal(t, 1, joined)

	// A second message from the same participant must not rejoin.
	_, err = a.Enqueue(ctx, wuhutypes.LaneSteer, "bob", "human", "again")
	require.NoError(t, err)
	joined = 0
	for _, item := range s.items {
		if item.Source == wuhutypes.SystemSourceParticipantJoined && item.Content == "bob" {
			joined++
		}
	}
	assert.Equal(t, 1, joined)
}

func TestSetModelAppliesImmediatelyWhenIdle(t *testing.T) {
	s := newFakeStore()
	s.putSession(wuhutypes.Session{ID: "sess-4", Provider: "anthropic", Model: "claude"})
	r := newTestRegistry(s)
	ctx := context.Background()

	a, err := r.Get(ctx, "sess-4")
	require.NoError(t, err)

	result, err := a.SetModel(ctx, "openai", "gpt-5", nil)
	require.NoError(t, err)
	assert.True(t, result.Applied)

	snap := a.Snapshot()
	assert.Equal(t, "openai", snap.Settings.Provider)
	assert.Equal(t, "gpt-5", snap.Settings.Model)
}

func TestStopRepairsUnresolvedToolCallsAndAppendsMarker(t *testing.T) {
	s := newFakeStore()
	s.putSession(wuhutypes.Session{ID: "sess-5", Provider: "anthropic", Model: "claude"})
	r := newTestRegistry(s)
	ctx := context.Background()

	a, err := r.Get(ctx, "sess-5")
	require.NoError(t, err)

	startEntry, err := s.AppendEntry(ctx, "sess-5", transcript.ToolExecution{Phase: transcript.ToolPhaseStart, ToolCallID: "t1", ToolName: "bash"})
	require.NoError(t, err)
	a.Emit(wuhutypes.CommittedAction{Kind: wuhutypes.ActionEntryAppended, Entry: &startEntry})

	result, err := a.Stop(ctx)
	require.NoError(t, err)
	require.Len(t, result.RepairedEntries, 1)
	assert.Equal(t, "t1", result.RepairedEntries[0])
	require.NotNil(t, result.StopEntryID)

	snap := a.Snapshot()
	assert.Equal(t, wuhutypes.ToolCallErrored, snap.ToolCalls["t1"].State)
	assert.Equal(t, wuhutypes.StatusStopped, snap.Status())
}

func TestSubscribeReceivesBroadcastEvents(t *testing.T) {
	s := newFakeStore()
	s.putSession(wuhutypes.Session{ID: "sess-6", Provider: "anthropic", Model: "claude"})
	r := newTestRegistry(s)
	ctx := context.Background()

	a, err := r.Get(ctx, "sess-6")
	require.NoError(t, err)

	ch, unsubscribe := a.Subscribe(8)
	defer unsubscribe()

	_, err = a.Enqueue(ctx, wuhutypes.LaneSteer, "alice", "human", "hi")
	require.NoError(t, err)

	var sawTranscriptEvent bool
	pending := len(ch)
	for i := 0; i < pending; i++ {
		ev := <-ch
		if ev.Kind == wuhutypes.EventTranscriptAppended {
			sawTranscriptEvent = true
		}
	}
	assert.True(t, sawTranscriptEvent)
}

func TestEnqueueDetachedRunsTurnAsynchronously(t *testing.T) {
	s := newFakeStore()
	s.putSession(wuhutypes.Session{ID: "sess-7", Provider: "anthropic", Model: "claude"})
	r := newTestRegistry(s)
	ctx := context.Background()

	a, err := r.Get(ctx, "sess-7")
	require.NoError(t, err)

	itemID, err := a.EnqueueDetached(ctx, wuhutypes.LaneFollowUp, "alice", "human", "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, itemID)

	// The turn runs on the chain after the command returns; observe it
	// through the mutex-guarded snapshot only.
	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		if snap.Status() != wuhutypes.StatusIdle {
			return false
		}
		for _, e := range snap.Entries {
			if msg, ok := e.Payload.(transcript.Message); ok && msg.MessageKind == transcript.MessageKindAssistant {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCommandsFailOnClosedActor(t *testing.T) {
	s := newFakeStore()
	s.putSession(wuhutypes.Session{ID: "sess-8", Provider: "anthropic", Model: "claude"})
	r := newTestRegistry(s)
	ctx := context.Background()

	a, err := r.Get(ctx, "sess-8")
	require.NoError(t, err)
	a.Close()

	_, err = a.Enqueue(ctx, wuhutypes.LaneSteer, "alice", "human", "hi")
	assert.ErrorIs(t, err, ErrActorClosed)

	_, err = a.Stop(ctx)
	assert.ErrorIs(t, err, ErrActorClosed)
}


func TestSetModelMidTurnDefersUntilIdle(t *testing.T) {
	s := newFakeStore()
	s.putSession(wuhutypes.Session{ID: "sess-9", Provider: "anthropic", Model: "claude"})
	infer := newBlockingInference()
	r := registryWith(s, infer)
	ctx := context.Background()

	a, err := r.Get(ctx, "sess-9")
	require.NoError(t, err)

	_, err = a.EnqueueDetached(ctx, wuhutypes.LaneSteer, "alice", "human", "think hard")
	require.NoError(t, err)
	<-infer.started

	// The turn is mid-inference: the command serializes on the free
	// chain, observes Running, and defers.
	result, err := a.SetModel(ctx, "openai", "gpt-5.1", nil)
	require.NoError(t, err)
	assert.False(t, result.Applied)

	snap := a.Snapshot()
	require.NotNil(t, snap.PendingSettings)
	assert.Equal(t, "claude", snap.Settings.Model, "no SessionSettings entry until the idle transition")

	close(infer.release)

	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		if snap.Settings.Model != "gpt-5.1" || snap.PendingSettings != nil {
			return false
		}
		for _, e := range snap.Entries {
			if ss, ok := e.Payload.(transcript.SessionSettings); ok && ss.Model == "gpt-5.1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}
