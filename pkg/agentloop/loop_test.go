package agentloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuhu-labs/wuhu/pkg/collab"
	"github.com/wuhu-labs/wuhu/pkg/compaction"
	"github.com/wuhu-labs/wuhu/pkg/queue"
	"github.com/wuhu-labs/wuhu/pkg/store"
	"github.com/wuhu-labs/wuhu/pkg/transcript"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// fakeStore is a minimal in-memory store.Store, the same shape as
// pkg/queue's fakeStore test double — one entry chain per session,
// no transactional isolation since tests are single-goroutine.
type fakeStore struct {
	entries map[string][]transcript.Entry
	nextID  int64

	items  map[string]wuhutypes.QueuedItem
	states map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries: map[string][]transcript.Entry{},
		items:   map[string]wuhutypes.QueuedItem{},
		states:  map[string]string{},
	}
}

func (f *fakeStore) AppendEntry(_ context.Context, sessionID string, payload transcript.EntryPayload) (transcript.Entry, error) {
	f.nextID++
	e := transcript.Entry{ID: f.nextID, SessionID: sessionID, CreatedAt: time.Now(), Payload: payload}
	f.entries[sessionID] = append(f.entries[sessionID], e)
	return e, nil
}

func (f *fakeStore) GetEntries(_ context.Context, sessionID string, _ store.GetEntriesParams) ([]transcript.Entry, error) {
	return f.entries[sessionID], nil
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
func (f *fakeStore) GetSession(context.Context, string) (wuhutypes.Session, error) { panic("not used") }
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

// fakeInference replays a scripted sequence of responses, one per call to
// Stream; each response is either plain text or a tool call.
type fakeInference struct {
	responses []fakeResponse
	calls     int
	failFirst int // number of leading calls that return an error
}

type fakeResponse struct {
	text      string
	toolCalls []transcript.ToolCall
}

func (f *fakeInference) Stream(_ context.Context, _ string, _ []transcript.Entry, _ collab.InferenceOptions) (<-chan collab.AssistantEvent, error) {
	if f.calls < f.failFirst {
		f.calls++
		return nil, assertErr
	}
	idx := f.calls - f.failFirst
	f.calls++
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	resp := f.responses[idx]

	ch := make(chan collab.AssistantEvent, 4)
	go func() {
		defer close(ch)
		ch <- collab.AssistantEvent{Kind: collab.AssistantEventStart}
		ch <- collab.AssistantEvent{Kind: collab.AssistantEventTextDelta, Delta: resp.text, Partial: resp.text}
		ch <- collab.AssistantEvent{Kind: collab.AssistantEventDone, Message: &transcript.Message{Content: resp.text, ToolCalls: resp.toolCalls}}
	}()
	return ch, nil
}

var assertErr = fakeTransientErr{}

type fakeTransientErr struct{}

func (fakeTransientErr) Error() string { return "transient inference failure" }

// fakeTools executes every call by echoing its arguments as the result.
type fakeTools struct {
	idempotent map[string]bool
}

func (t *fakeTools) Execute(_ context.Context, _, toolName string, _ transcript.Value, _ string) (collab.ToolResult, error) {
	return collab.ToolResult{Content: "ok:" + toolName}, nil
}

func (t *fakeTools) IsIdempotent(toolName string) bool {
	return t.idempotent[toolName]
}

// testHost implements Host over the pure reducer. Serialized runs its
// closure inline, so a Drive call in a test is fully synchronous; the
// recorded actions and events back assertions.
type testHost struct {
	mu      sync.Mutex
	state   wuhutypes.SessionState
	actions []wuhutypes.CommittedAction
	events  []wuhutypes.Event
}

func newTestHost(sessionID string) *testHost {
	return &testHost{state: wuhutypes.SessionState{
		Session:   wuhutypes.Session{ID: sessionID},
		ToolCalls: map[string]wuhutypes.ToolCallStatus{},
	}}
}

func (h *testHost) Snapshot() wuhutypes.SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *testHost) Serialized(fn func(ctx context.Context)) error {
	fn(context.Background())
	return nil
}

func (h *testHost) SetInflight(text *string) {
	h.mu.Lock()
	h.state.Inflight = text
	h.mu.Unlock()
}

func (h *testHost) Emit(a wuhutypes.CommittedAction) {
	h.mu.Lock()
	h.state = wuhutypes.Apply(h.state, a)
	h.actions = append(h.actions, a)
	h.mu.Unlock()
}

func (h *testHost) EmitStream(ev wuhutypes.Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func newTestLoop(s store.Store, infer collab.Inference, tools collab.ToolExecutor) *Loop {
	q := queue.New(s)
	compactor := compaction.New(s, nil, compaction.Config{Enabled: false})
	return New(s, q, compactor, infer, StaticExecutor{E: tools}, nil, RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsedTime: 50 * time.Millisecond, MaxRetries: 3}, compaction.Config{Enabled: false})
}

func TestDriveTextOnlyTurnGoesIdle(t *testing.T) {
	s := newFakeStore()
	infer := &fakeInference{responses: []fakeResponse{{text: "hello there"}}}
	l := newTestLoop(s, infer, &fakeTools{})
	ctx := context.Background()

	sessionID := "sess-1"
	_, err := l.queue.EnqueueParticipant(ctx, sessionID, wuhutypes.LaneSteer, "alice", "human", "hi")
	require.NoError(t, err)

	host := newTestHost(sessionID)
	err = l.Drive(ctx, sessionID, host)
	require.NoError(t, err)

	snap := host.Snapshot()
	var sawAssistant bool
	for _, e := range snap.Entries {
		if msg, ok := e.Payload.(transcript.Message); ok && msg.MessageKind == transcript.MessageKindAssistant {
			sawAssistant = true
			assert.Equal(t, "hello there", msg.Content)
		}
	}
	assert.True(t, sawAssistant)
	assert.Equal(t, wuhutypes.StatusIdle, snap.Status())
}

func TestDriveExecutesToolCallsInOrder(t *testing.T) {
	s := newFakeStore()
	infer := &fakeInference{responses: []fakeResponse{
		{toolCalls: []transcript.ToolCall{{ID: "t1", Name: "bash"}}},
		{text: "done"},
	}}
	l := newTestLoop(s, infer, &fakeTools{})
	ctx := context.Background()
	sessionID := "sess-2"
	_, err := l.queue.EnqueueParticipant(ctx, sessionID, wuhutypes.LaneSteer, "alice", "human", "run a command")
	require.NoError(t, err)

	host := newTestHost(sessionID)
	require.NoError(t, l.Drive(ctx, sessionID, host))

	snap := host.Snapshot()
	var phases []transcript.ToolPhase
	for _, e := range snap.Entries {
		if te, ok := e.Payload.(transcript.ToolExecution); ok {
			phases = append(phases, te.Phase)
		}
	}
	require.Len(t, phases, 2)
	assert.Equal(t, transcript.ToolPhaseStart, phases[0])
	assert.Equal(t, transcript.ToolPhaseEnd, phases[1])

	status := snap.ToolCalls["t1"]
	assert.Equal(t, wuhutypes.ToolCallCompleted, status.State)
}

func TestDriveRetriesTransientInferenceFailure(t *testing.T) {
	s := newFakeStore()
	infer := &fakeInference{failFirst: 2, responses: []fakeResponse{{text: "recovered"}}}
	l := newTestLoop(s, infer, &fakeTools{})
	ctx := context.Background()
	sessionID := "sess-3"
	_, err := l.queue.EnqueueParticipant(ctx, sessionID, wuhutypes.LaneSteer, "alice", "human", "hi")
	require.NoError(t, err)

	host := newTestHost(sessionID)
	require.NoError(t, l.Drive(ctx, sessionID, host))

	var retries int
	for _, e := range host.Snapshot().Entries {
		if c, ok := e.Payload.(transcript.Custom); ok && c.CustomType == transcript.CustomTypeInferenceRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestRecoverCrashedToolCallsReexecutesIdempotentTool(t *testing.T) {
	s := newFakeStore()
	ctx := context.Background()
	sessionID := "sess-4"

	startEntry, err := s.AppendEntry(ctx, sessionID, transcript.ToolExecution{Phase: transcript.ToolPhaseStart, ToolCallID: "t1", ToolName: "read_file"})
	require.NoError(t, err)
	_ = startEntry

	host := newTestHost(sessionID)
	host.state.Entries = s.entries[sessionID]
	host.state.ToolCalls["t1"] = wuhutypes.ToolCallStatus{ToolCallID: "t1", ToolName: "read_file", State: wuhutypes.ToolCallStarted}

	l := newTestLoop(s, &fakeInference{}, &fakeTools{idempotent: map[string]bool{"read_file": true}})
	require.NoError(t, l.recoverCrashedToolCalls(ctx, sessionID, host))

	snap := host.Snapshot()
	status := snap.ToolCalls["t1"]
	assert.Equal(t, wuhutypes.ToolCallCompleted, status.State)

	var sawRecoveryMarker bool
	for _, e := range snap.Entries {
		if c, ok := e.Payload.(transcript.Custom); ok && c.CustomType == transcript.CustomTypeRecoveredFromCrash {
			sawRecoveryMarker = true
		}
	}
	assert.True(t, sawRecoveryMarker)
}

func TestRecoverCrashedToolCallsSynthesizesErrorForNonIdempotent(t *testing.T) {
	s := newFakeStore()
	ctx := context.Background()
	sessionID := "sess-5"

	_, err := s.AppendEntry(ctx, sessionID, transcript.ToolExecution{Phase: transcript.ToolPhaseStart, ToolCallID: "t1", ToolName: "write_file"})
	require.NoError(t, err)

	host := newTestHost(sessionID)
	host.state.Entries = s.entries[sessionID]
	host.state.ToolCalls["t1"] = wuhutypes.ToolCallStatus{ToolCallID: "t1", ToolName: "write_file", State: wuhutypes.ToolCallStarted}

	l := newTestLoop(s, &fakeInference{}, &fakeTools{})
	require.NoError(t, l.recoverCrashedToolCalls(ctx, sessionID, host))

	assert.Equal(t, wuhutypes.ToolCallErrored, host.Snapshot().ToolCalls["t1"].State)
}

func TestProjectionPrefixesParticipantMessagesAfterJoinMarker(t *testing.T) {
	entries := []transcript.Entry{
		{ID: 1, Payload: transcript.Header{SystemPrompt: "You are helpful."}},
		{ID: 2, Payload: transcript.Message{MessageKind: transcript.MessageKindUser,
			Author: transcript.ParticipantAuthor("alice", transcript.AuthorKindHuman), Content: "hello"}},
		{ID: 3, Payload: transcript.Message{MessageKind: transcript.MessageKindCustom,
			Author: transcript.SystemAuthor(), Source: string(wuhutypes.SystemSourceParticipantJoined), Content: "bob"}},
		{ID: 4, Payload: transcript.Message{MessageKind: transcript.MessageKindUser,
			Author: transcript.ParticipantAuthor("bob", transcript.AuthorKindHuman), Content: "hi"}},
		{ID: 5, Payload: transcript.Message{MessageKind: transcript.MessageKindUser,
			Author: transcript.ParticipantAuthor("alice", transcript.AuthorKindHuman), Content: "how are you"}},
	}

	ctx := projectionToContext(compaction.Project(entries))

	var texts []string
	for _, e := range ctx {
		if msg, ok := e.Payload.(transcript.Message); ok && msg.MessageKind == transcript.MessageKindUser {
			texts = append(texts, msg.Content)
		}
	}

	require.Len(t, texts, 3)
	assert.Equal(t, "hello", texts[0], "messages before the join marker stay un-prefixed")
	assert.Equal(t, "bob:\n\nhi", texts[1])
	assert.Equal(t, "alice:\n\nhow are you", texts[2])
}

// steeringTools enqueues a steer message while its first tool call is
// executing, the way a participant steers mid-turn.
type steeringTools struct {
	queue     *queue.Manager
	sessionID string
	fired     bool
}

func (t *steeringTools) Execute(ctx context.Context, _, toolName string, _ transcript.Value, _ string) (collab.ToolResult, error) {
	if !t.fired {
		t.fired = true
		if _, err := t.queue.EnqueueParticipant(ctx, t.sessionID, wuhutypes.LaneSteer, "alice", "human", "change of plan"); err != nil {
			return collab.ToolResult{}, err
		}
	}
	return collab.ToolResult{Content: "ok:" + toolName}, nil
}

func (t *steeringTools) IsIdempotent(string) bool { return false }

func TestSteerEnqueuedMidToolExecutionDrainsAtInterruptCheckpoint(t *testing.T) {
	s := newFakeStore()
	q := queue.New(s)
	sessionID := "sess-6"
	infer := &fakeInference{responses: []fakeResponse{
		{toolCalls: []transcript.ToolCall{{ID: "t1", Name: "bash"}}},
		{text: "done"},
	}}
	l := newTestLoop(s, infer, &steeringTools{queue: q, sessionID: sessionID})
	ctx := context.Background()

	_, err := q.EnqueueParticipant(ctx, sessionID, wuhutypes.LaneSteer, "alice", "human", "run it")
	require.NoError(t, err)

	host := newTestHost(sessionID)
	require.NoError(t, l.Drive(ctx, sessionID, host))

	snap := host.Snapshot()
	steerIdx, doneIdx := -1, -1
	for i, e := range snap.Entries {
		msg, ok := e.Payload.(transcript.Message)
		if !ok {
			continue
		}
		switch {
		case msg.MessageKind == transcript.MessageKindUser && msg.Content == "change of plan":
			steerIdx = i
		case msg.MessageKind == transcript.MessageKindAssistant && msg.Content == "done":
			doneIdx = i
		}
	}
	require.NotEqual(t, -1, steerIdx, "mid-tool steer message was never materialized")
	require.NotEqual(t, -1, doneIdx)
	assert.Less(t, steerIdx, doneIdx, "the steer message must enter the context before the next inference")
}
