package sessionactor

import (
	"context"
	"sync"

	"github.com/wuhu-labs/wuhu/pkg/agentloop"
	"github.com/wuhu-labs/wuhu/pkg/queue"
	"github.com/wuhu-labs/wuhu/pkg/store"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// Registry owns at most one live Actor per session identifier in this
// process: a mutex-guarded map with lazy creation, loading a session's
// durable state on first access.
type Registry struct {
	store store.Store
	queue *queue.Manager
	loop  *agentloop.Loop

	mu     sync.Mutex
	actors map[string]*Actor
}

// NewRegistry wires the registry to the durable store and the agentic
// loop shared by every actor it creates.
func NewRegistry(s store.Store, q *queue.Manager, loop *agentloop.Loop) *Registry {
	return &Registry{store: s, queue: q, loop: loop, actors: make(map[string]*Actor)}
}

// Get returns the live actor for sessionID, creating and loading it from
// the store on first access.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Actor, error) {
	r.mu.Lock()
	if a, ok := r.actors[sessionID]; ok {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	state, err := r.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[sessionID]; ok {
		// Lost the race to another caller loading the same session.
		return a, nil
	}
	a := newActor(sessionID, r.store, r.queue, r.loop, state)
	r.actors[sessionID] = a
	return a, nil
}

// load rebuilds a SessionState by replaying every persisted entry through
// the pure reducer, so the reconstructed state is exactly what Apply would
// have produced incrementally.
func (r *Registry) load(ctx context.Context, sessionID string) (wuhutypes.SessionState, error) {
	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return wuhutypes.SessionState{}, err
	}
	entries, err := r.store.GetEntries(ctx, sessionID, store.GetEntriesParams{})
	if err != nil {
		return wuhutypes.SessionState{}, err
	}

	state := wuhutypes.SessionState{
		Session:   session,
		ToolCalls: make(map[string]wuhutypes.ToolCallStatus),
		Settings:  wuhutypes.Settings{Provider: session.Provider, Model: session.Model, ReasoningEffort: session.ReasoningEffort},
	}
	for i := range entries {
		entry := entries[i]
		state = wuhutypes.Apply(state, wuhutypes.CommittedAction{Kind: wuhutypes.ActionEntryAppended, Entry: &entry})
	}
	return state, nil
}

// Evict closes and removes a session's actor, e.g. after a long idle
// period. The next Get reloads it fresh from the store.
func (r *Registry) Evict(sessionID string) {
	r.mu.Lock()
	a, ok := r.actors[sessionID]
	if ok {
		delete(r.actors, sessionID)
	}
	r.mu.Unlock()
	if ok {
		a.Close()
	}
}

// Shutdown closes every live actor. Intended for process shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for id, a := range r.actors {
		actors = append(actors, a)
		delete(r.actors, id)
	}
	r.mu.Unlock()
	for _, a := range actors {
		a.Close()
	}
}
