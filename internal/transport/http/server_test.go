package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuhu-labs/wuhu/pkg/agentloop"
	"github.com/wuhu-labs/wuhu/pkg/collab"
	"github.com/wuhu-labs/wuhu/pkg/compaction"
	"github.com/wuhu-labs/wuhu/pkg/queue"
	"github.com/wuhu-labs/wuhu/pkg/sessionactor"
	"github.com/wuhu-labs/wuhu/pkg/store"
	"github.com/wuhu-labs/wuhu/pkg/subscribe"
	"github.com/wuhu-labs/wuhu/pkg/transcript"
	"github.com/wuhu-labs/wuhu/pkg/wuhuerr"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

// fakeStore is the in-memory store.Store shared by these handler tests.
// Unlike the single-goroutine fakes in the core packages it is
// mutex-guarded: detached enqueues run the agentic loop on the actor's
// goroutine concurrently with the test's assertions.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]wuhutypes.Session
	entries  map[string][]transcript.Entry
	envs     map[string]wuhutypes.Environment
	nextID   int64

	items  map[string]wuhutypes.QueuedItem
	states map[string]string
	journal []wuhutypes.QueueJournalEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: map[string]wuhutypes.Session{},
		entries:  map[string][]transcript.Entry{},
		envs:     map[string]wuhutypes.Environment{},
		items:    map[string]wuhutypes.QueuedItem{},
		states:   map[string]string{},
	}
}

func itemKey(sessionID string, lane wuhutypes.Lane, id string) string {
	return sessionID + "/" + string(lane) + "/" + id
}

func (f *fakeStore) CreateSession(_ context.Context, p store.CreateSessionParams) (wuhutypes.Session, transcript.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[p.ID]; ok {
		return wuhutypes.Session{}, transcript.Entry{}, wuhuerr.New(wuhuerr.KindConflict, "CreateSession", wuhuerr.ErrSessionExists)
	}
	f.nextID++
	header := transcript.Entry{ID: f.nextID, SessionID: p.ID, CreatedAt: time.Now(), Payload: p.HeaderPayload}
	session := wuhutypes.Session{
		ID: p.ID, Provider: p.Provider, Model: p.Model, ReasoningEffort: p.ReasoningEffort,
		ParentSessionID: p.ParentSessionID, WorkingDir: p.WorkingDir, Environment: p.Environment,
		CreatedAt: header.CreatedAt, UpdatedAt: header.CreatedAt,
		HeadEntryID: header.ID, TailEntryID: header.ID,
	}
	f.sessions[p.ID] = session
	f.entries[p.ID] = []transcript.Entry{header}
	return session, header, nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (wuhutypes.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return wuhutypes.Session{}, wuhuerr.New(wuhuerr.KindNotFound, "GetSession", wuhuerr.ErrSessionNotFound)
	}
	return s, nil
}

func (f *fakeStore) ListSessions(context.Context, store.ListSessionsParams) ([]wuhutypes.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wuhutypes.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) AppendEntry(_ context.Context, sessionID string, payload transcript.EntryPayload) (transcript.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return transcript.Entry{}, wuhuerr.New(wuhuerr.KindNotFound, "AppendEntry", wuhuerr.ErrSessionNotFound)
	}
	f.nextID++
	e := transcript.Entry{ID: f.nextID, SessionID: sessionID, CreatedAt: time.Now(), Payload: payload}
	f.entries[sessionID] = append(f.entries[sessionID], e)
	return e, nil
}

func (f *fakeStore) GetEntries(_ context.Context, sessionID string, params store.GetEntriesParams) ([]transcript.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transcript.Entry
	for _, e := range f.entries[sessionID] {
		if params.Since != nil && e.ID <= *params.Since {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) SetRunning(context.Context, string, bool) error { return nil }

func (f *fakeStore) Enqueue(_ context.Context, sessionID string, item wuhutypes.QueuedItem) (wuhutypes.QueueJournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := itemKey(sessionID, item.Lane, item.ID)
	f.items[k] = item
	f.states[k] = "pending"
	f.nextID++
	rec := wuhutypes.QueueJournalEntry{ID: f.nextID, SessionID: sessionID, Lane: item.Lane, ItemID: item.ID, Kind: wuhutypes.JournalEnqueued, Item: &item, RecordedAt: time.Now()}
	f.journal = append(f.journal, rec)
	return rec, nil
}

func (f *fakeStore) Cancel(_ context.Context, sessionID string, lane wuhutypes.Lane, itemID string) (wuhutypes.QueueJournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := itemKey(sessionID, lane, itemID)
	f.states[k] = "canceled"
	f.nextID++
	rec := wuhutypes.QueueJournalEntry{ID: f.nextID, SessionID: sessionID, Lane: lane, ItemID: itemID, Kind: wuhutypes.JournalCanceled, RecordedAt: time.Now()}
	f.journal = append(f.journal, rec)
	return rec, nil
}

func (f *fakeStore) Materialize(_ context.Context, sessionID string, lane wuhutypes.Lane, itemID string, entryID int64) (wuhutypes.QueueJournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := itemKey(sessionID, lane, itemID)
	f.states[k] = "materialized"
	f.nextID++
	rec := wuhutypes.QueueJournalEntry{ID: f.nextID, SessionID: sessionID, Lane: lane, ItemID: itemID, Kind: wuhutypes.JournalMaterialized, TranscriptEntryID: &entryID, RecordedAt: time.Now()}
	f.journal = append(f.journal, rec)
	return rec, nil
}

func (f *fakeStore) DrainPending(_ context.Context, sessionID string, lanes []wuhutypes.Lane) ([]wuhutypes.QueuedItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	laneSet := map[wuhutypes.Lane]bool{}
	for _, l := range lanes {
		laneSet[l] = true
	}
	var out []wuhutypes.QueuedItem
	for k, item := range f.items {
		if laneSet[item.Lane] && f.states[k] == "pending" && len(k) > len(sessionID) && k[:len(sessionID)] == sessionID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeStore) GetJournal(_ context.Context, sessionID string, lane wuhutypes.Lane, since *int64) ([]wuhutypes.QueueJournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wuhutypes.QueueJournalEntry
	for _, r := range f.journal {
		if r.SessionID == sessionID && r.Lane == lane && (since == nil || r.ID > *since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateEnvironment(_ context.Context, env wuhutypes.Environment) (wuhutypes.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.envs {
		if existing.Name == env.Name {
			return wuhutypes.Environment{}, wuhuerr.New(wuhuerr.KindConflict, "CreateEnvironment", wuhuerr.ErrEnvironmentExists)
		}
	}
	env.CreatedAt = time.Now()
	env.UpdatedAt = env.CreatedAt
	f.envs[env.ID] = env
	return env, nil
}

func (f *fakeStore) UpdateEnvironment(_ context.Context, env wuhutypes.Environment) (wuhutypes.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.envs[env.ID]; !ok {
		return wuhutypes.Environment{}, wuhuerr.New(wuhuerr.KindNotFound, "UpdateEnvironment", wuhuerr.ErrEnvironmentNotFound)
	}
	env.UpdatedAt = time.Now()
	f.envs[env.ID] = env
	return env, nil
}

func (f *fakeStore) DeleteEnvironment(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.envs[id]; !ok {
		return wuhuerr.New(wuhuerr.KindNotFound, "DeleteEnvironment", wuhuerr.ErrEnvironmentNotFound)
	}
	delete(f.envs, id)
	return nil
}

func (f *fakeStore) GetEnvironment(_ context.Context, id string) (wuhutypes.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	env, ok := f.envs[id]
	if !ok {
		return wuhutypes.Environment{}, wuhuerr.New(wuhuerr.KindNotFound, "GetEnvironment", wuhuerr.ErrEnvironmentNotFound)
	}
	return env, nil
}

func (f *fakeStore) GetEnvironmentByName(_ context.Context, name string) (wuhutypes.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, env := range f.envs {
		if env.Name == name {
			return env, nil
		}
	}
	return wuhutypes.Environment{}, wuhuerr.New(wuhuerr.KindNotFound, "GetEnvironmentByName", wuhuerr.ErrEnvironmentNotFound)
}

func (f *fakeStore) ListEnvironments(context.Context) ([]wuhutypes.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wuhutypes.Environment, 0, len(f.envs))
	for _, env := range f.envs {
		out = append(out, env)
	}
	return out, nil
}

func (f *fakeStore) Close() error { return nil }

var _ store.Store = (*fakeStore)(nil)

type fakeInference struct{ text string }

func (f *fakeInference) Stream(context.Context, string, []transcript.Entry, collab.InferenceOptions) (<-chan collab.AssistantEvent, error) {
	ch := make(chan collab.AssistantEvent, 2)
	go func() {
		defer close(ch)
		ch <- collab.AssistantEvent{Kind: collab.AssistantEventStart}
		ch <- collab.AssistantEvent{Kind: collab.AssistantEventDone, Message: &transcript.Message{Content: f.text}}
	}()
	return ch, nil
}

type fakeTools struct{}

func (fakeTools) Execute(_ context.Context, _, toolName string, _ transcript.Value, _ string) (collab.ToolResult, error) {
	return collab.ToolResult{Content: "ok:" + toolName}, nil
}
func (fakeTools) IsIdempotent(string) bool { return false }

func newTestServer(s *fakeStore) *Server {
	q := queue.New(s)
	compactor := compaction.New(s, nil, compaction.Config{Enabled: false})
	loop := agentloop.New(s, q, compactor, &fakeInference{text: "sure"}, agentloop.StaticExecutor{E: fakeTools{}}, nil,
		agentloop.RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsedTime: 50 * time.Millisecond, MaxRetries: 3},
		compaction.Config{Enabled: false})
	registry := sessionactor.NewRegistry(s, q, loop)
	sub := subscribe.New(s, registry)
	return NewServer(s, registry, sub, nil, nil)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateSessionSnapshotsEnvironment(t *testing.T) {
	srv := newTestServer(newFakeStore())

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/environments", map[string]any{
		"name": "dev", "type": "folder", "path": "/srv/dev",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{
		"id": "sess-1", "provider": "anthropic", "model": "claude-sonnet-4-5",
		"environment_name": "dev", "system_prompt": "You are helpful.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sess-1", resp.ID)
	assert.Equal(t, "dev", resp.Environment.Name)
	assert.Equal(t, "/srv/dev", resp.Environment.Path)
	assert.Equal(t, resp.HeadEntryID, resp.TailEntryID)
}

func TestCreateSessionDuplicateIDConflicts(t *testing.T) {
	srv := newTestServer(newFakeStore())

	body := map[string]any{"id": "dup", "provider": "anthropic", "model": "claude-sonnet-4-5"}
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	srv := newTestServer(newFakeStore())
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnqueueReturnsQuicklyAndTurnRunsDetached(t *testing.T) {
	s := newFakeStore()
	srv := newTestServer(s)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{
		"id": "sess-2", "provider": "anthropic", "model": "claude-sonnet-4-5",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/sess-2/enqueue", map[string]any{
		"lane": "follow_up", "author_id": "alice", "author_kind": "human", "content": "hi",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["queue_item_id"])

	// The turn runs on the actor's chain after the response; eventually
	// the transcript holds alice's message and the assistant reply.
	require.Eventually(t, func() bool {
		entries, err := s.GetEntries(context.Background(), "sess-2", store.GetEntriesParams{})
		if err != nil {
			return false
		}
		var sawUser, sawAssistant bool
		for _, e := range entries {
			if msg, ok := e.Payload.(transcript.Message); ok {
				switch msg.MessageKind {
				case transcript.MessageKindUser:
					sawUser = true
				case transcript.MessageKindAssistant:
					sawAssistant = true
				}
			}
		}
		return sawUser && sawAssistant
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnqueueRejectsSystemLane(t *testing.T) {
	srv := newTestServer(newFakeStore())
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/s/enqueue", map[string]any{
		"lane": "system", "author_id": "a", "author_kind": "human", "content": "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetModelOnIdleSessionApplies(t *testing.T) {
	srv := newTestServer(newFakeStore())

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{
		"id": "sess-3", "provider": "anthropic", "model": "claude-sonnet-4-5",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/sess-3/model", map[string]any{
		"provider": "openai", "model": "gpt-5.1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Applied bool `json:"applied"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Applied)
}

func TestTranscriptEndpointReturnsWireEntries(t *testing.T) {
	s := newFakeStore()
	srv := newTestServer(s)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{
		"id": "sess-4", "provider": "anthropic", "model": "claude-sonnet-4-5", "system_prompt": "You are helpful.",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sessions/sess-4/transcript", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entries []subscribe.WireEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "header", resp.Entries[0].Type)

	payload, err := transcript.DecodePayload(resp.Entries[0].Payload)
	require.NoError(t, err)
	header, ok := payload.(transcript.Header)
	require.True(t, ok)
	assert.Equal(t, "You are helpful.", header.SystemPrompt)
}

func TestEnvironmentCRUD(t *testing.T) {
	srv := newTestServer(newFakeStore())

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/environments", map[string]any{
		"name": "stage", "type": "template", "path": "/srv/stage",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created environmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// Duplicate name conflicts.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/environments", map[string]any{
		"name": "stage", "type": "template", "path": "/elsewhere",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, http.MethodPut, "/api/v1/environments/"+created.ID, map[string]any{
		"name": "stage", "type": "template", "path": "/srv/stage-2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/environments/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got environmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "/srv/stage-2", got.Path)

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/environments/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/environments/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusForKind(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusForKind(wuhuerr.KindNotFound))
	assert.Equal(t, http.StatusConflict, statusForKind(wuhuerr.KindConflict))
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusForKind(wuhuerr.KindInputDoesNotFit))
	assert.Equal(t, http.StatusBadGateway, statusForKind(wuhuerr.KindGiveUp))
	assert.Equal(t, http.StatusInternalServerError, statusForKind(wuhuerr.KindStoreIntegrity))
}
