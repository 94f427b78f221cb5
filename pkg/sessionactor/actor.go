// Package sessionactor implements the single-writer session actor:
// the sole mutator of one session's in-memory state and durable store,
// the serialized command surface, and the agentic loop's host. Each live
// session owns one dedicated chain goroutine fed by serialized job
// closures, so every mutation against a session is totally ordered while
// different sessions run fully concurrently. The agentic loop itself runs
// on a separate turn goroutine — inference and tool execution never hold
// the chain — and re-enters the chain through the Host interface for
// every committed mutation, so commands interleave with a running turn at
// its commit boundaries.
package sessionactor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/wuhu-labs/wuhu/pkg/agentloop"
	"github.com/wuhu-labs/wuhu/pkg/queue"
	"github.com/wuhu-labs/wuhu/pkg/store"
	"github.com/wuhu-labs/wuhu/pkg/transcript"
	"github.com/wuhu-labs/wuhu/pkg/wuhuerr"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// job is one unit of serialized work. Submitted to the actor's chain and
// run to completion, in order, by the actor's single goroutine; each job
// closes over whatever result channels its caller needs.
type job func(ctx context.Context)

// Actor is the single writer for one session. Obtain one via Registry;
// do not construct directly — a process holds at most one live actor per
// session identifier.
type Actor struct {
	sessionID string
	store     store.Store
	queue     *queue.Manager
	loop      *agentloop.Loop

	jobs chan job

	mu    sync.RWMutex // guards state for Snapshot(); the chain goroutine is the only writer
	state wuhutypes.SessionState

	subMu       sync.Mutex
	subscribers map[uint64]chan wuhutypes.Event
	nextSubID   uint64
	lastStatus  wuhutypes.Status

	log *slog.Logger

	// Turn lifecycle. Accessed only from chain jobs, so no lock: at most
	// one turn goroutine runs per actor, started by maybeStartTurn and
	// retired by runTurn's completion job.
	turnRunning bool
	turnKick    bool
	turnDone    chan struct{}
	turnErr     error

	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

// ErrActorClosed is returned by commands submitted to an actor that has
// been closed (process shutdown or registry eviction).
var ErrActorClosed = errors.New("sessionactor: actor is closed")

func newActor(sessionID string, s store.Store, q *queue.Manager, loop *agentloop.Loop, initial wuhutypes.SessionState) *Actor {
	a := &Actor{
		sessionID:   sessionID,
		store:       s,
		queue:       q,
		loop:        loop,
		jobs:        make(chan job, 64),
		state:       initial,
		subscribers: make(map[uint64]chan wuhutypes.Event),
		lastStatus:  initial.Status(),
		log:         slog.With("component", "sessionactor", "session_id", sessionID),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go a.run()
	return a
}

// run is the actor's chain goroutine: it executes submitted jobs strictly
// in order. Jobs are short — commands and a running turn's commit steps;
// the turn's long I/O stays on the turn goroutine, so the chain is always
// quickly available to the next command.
func (a *Actor) run() {
	defer close(a.done)
	for {
		select {
		case <-a.quit:
			return
		case j := <-a.jobs:
			j(context.Background())
		}
	}
}

// submit enqueues fn on the chain and blocks until it has run. Commands
// use this to turn the async chain into a synchronous call for their
// caller while still serializing against every other mutation. Returns
// ErrActorClosed if the actor shut down before fn could run.
func (a *Actor) submit(fn func(ctx context.Context)) error {
	result := make(chan struct{})
	j := job(func(ctx context.Context) {
		defer close(result)
		fn(ctx)
	})
	select {
	case a.jobs <- j:
	case <-a.quit:
		return ErrActorClosed
	}
	select {
	case <-result:
		return nil
	case <-a.quit:
		// The chain may have been mid-job when quit fired; prefer the
		// completed result if it is already there.
		select {
		case <-result:
			return nil
		default:
			return ErrActorClosed
		}
	}
}

// maybeStartTurn launches the agentic loop on its own turn goroutine, or
// records a kick if one is already running so the completion job can
// re-check for input the running turn's final drain missed. Must be
// called from within a chain job.
func (a *Actor) maybeStartTurn() {
	if a.turnRunning {
		a.turnKick = true
		return
	}
	a.turnRunning = true
	a.turnErr = nil
	done := make(chan struct{})
	a.turnDone = done
	go a.runTurn(done)
}

// runTurn is the turn goroutine: it drives the loop to Idle (the loop
// re-enters the chain via Serialized for every committed mutation, so the
// chain stays free for commands the whole time), then retires itself on
// the chain.
func (a *Actor) runTurn(done chan struct{}) {
	defer close(done)
	err := a.loop.Drive(context.Background(), a.sessionID, a)
	if err != nil {
		a.log.Error("agentic loop returned an error", "error", err)
	}
	_ = a.submit(func(ctx context.Context) {
		a.turnRunning = false
		a.turnDone = nil
		a.turnErr = err
		if a.turnKick {
			a.turnKick = false
			// An enqueue landed while the turn was finishing; if its
			// item survived the turn's final drain, run another turn.
			if a.hasPendingStoreInput(ctx) {
				a.maybeStartTurn()
			}
		}
	})
}

func (a *Actor) hasPendingStoreInput(ctx context.Context) bool {
	items, err := a.store.DrainPending(ctx, a.sessionID, []wuhutypes.Lane{wuhutypes.LaneSystem, wuhutypes.LaneSteer, wuhutypes.LaneFollowUp})
	if err != nil {
		a.log.Warn("checking pending input failed", "error", err)
		return false
	}
	return len(items) > 0
}

// awaitTurns blocks until no turn is running, looping because a finishing
// turn may immediately start a successor for freshly enqueued input.
// Returns the error recorded by the turn that completed last.
func (a *Actor) awaitTurns(ctx context.Context) error {
	var turnErr error
	for {
		var done chan struct{}
		if err := a.submit(func(context.Context) {
			done = a.turnDone
			turnErr = a.turnErr
		}); err != nil {
			return err
		}
		if done == nil {
			return turnErr
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the chain and waits for the actor's goroutine to exit.
// Buffered jobs that have not started are dropped. Safe to call multiple
// times.
func (a *Actor) Close() {
	a.stopOnce.Do(func() { close(a.quit) })
	<-a.done
}

// Snapshot returns a copy-on-write view of the actor's in-memory state,
// safe to read without serializing against the chain.
func (a *Actor) Snapshot() wuhutypes.SessionState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Emit implements agentloop.Host: translate a committed action into
// the wire-shaped Event subscribers observe, refresh the read-visible
// state snapshot, and broadcast.
func (a *Actor) Emit(action wuhutypes.CommittedAction) {
	a.mu.Lock()
	a.state = wuhutypes.Apply(a.state, action)
	snapshot := a.state
	a.mu.Unlock()

	if ev, ok := eventFromAction(action); ok {
		a.broadcast(ev)
	}

	if status := snapshot.Status(); status != a.lastStatus {
		a.lastStatus = status
		a.broadcast(wuhutypes.Event{Kind: wuhutypes.EventStatusUpdated, Status: &status})
	}
}

// EmitStream implements agentloop.Host for non-committing streaming
// deltas: forwarded as-is, with no state mutation.
func (a *Actor) EmitStream(ev wuhutypes.Event) {
	a.broadcast(ev)
}

func eventFromAction(action wuhutypes.CommittedAction) (wuhutypes.Event, bool) {
	switch action.Kind {
	case wuhutypes.ActionEntryAppended:
		if action.Entry == nil {
			return wuhutypes.Event{}, false
		}
		if settings, ok := action.Entry.Payload.(transcript.SessionSettings); ok {
			s := wuhutypes.Settings{Provider: settings.Provider, Model: settings.Model, ReasoningEffort: settings.ReasoningEffort}
			return wuhutypes.Event{Kind: wuhutypes.EventSettingsUpdated, Settings: &s}, true
		}
		return wuhutypes.Event{Kind: wuhutypes.EventTranscriptAppended, Entry: action.Entry}, true
	case wuhutypes.ActionQueueEnqueued, wuhutypes.ActionQueueCanceled, wuhutypes.ActionQueueMaterialized:
		if action.Journal == nil {
			return wuhutypes.Event{}, false
		}
		kind := laneEventKind(action.Lane)
		return wuhutypes.Event{Kind: kind, QueueJournal: action.Journal}, true
	case wuhutypes.ActionSettingsChanged:
		if action.Settings == nil {
			return wuhutypes.Event{}, false
		}
		return wuhutypes.Event{Kind: wuhutypes.EventSettingsUpdated, Settings: action.Settings}, true
	default:
		return wuhutypes.Event{}, false
	}
}

func laneEventKind(lane wuhutypes.Lane) wuhutypes.EventKind {
	switch lane {
	case wuhutypes.LaneSystem:
		return wuhutypes.EventSystemQueueJournal
	case wuhutypes.LaneSteer:
		return wuhutypes.EventSteerQueueJournal
	default:
		return wuhutypes.EventFollowUpQueueJournal
	}
}

// Subscribe registers a buffered observer and returns its channel plus
// an unsubscribe function. The subscription engine (pkg/subscribe) is the
// intended caller, registering before querying the store for backfill so
// no committed action is ever missed.
func (a *Actor) Subscribe(bufferSize int) (<-chan wuhutypes.Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	ch := make(chan wuhutypes.Event, bufferSize)

	a.subMu.Lock()
	id := a.nextSubID
	a.nextSubID++
	a.subscribers[id] = ch
	a.subMu.Unlock()

	return ch, func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		if c, ok := a.subscribers[id]; ok {
			delete(a.subscribers, id)
			close(c)
		}
	}
}

// broadcast fans an event out to every subscriber without holding the
// subscriber lock across sends: snapshot the targets, then send. A full
// subscriber buffer drops the event rather
// than blocking the actor's chain — a slow observer must not stall the
// session; it resynchronizes via the subscription engine's backfill.
func (a *Actor) broadcast(ev wuhutypes.Event) {
	a.subMu.Lock()
	targets := make([]chan wuhutypes.Event, 0, len(a.subscribers))
	for _, ch := range a.subscribers {
		targets = append(targets, ch)
	}
	a.subMu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			a.log.Warn("dropping event for slow subscriber", "kind", ev.Kind)
		}
	}
}

// Serialized implements agentloop.Host: run fn on the actor's serialized
// chain, blocking the calling (turn) goroutine until it has run. Every
// committed mutation of a running turn passes through here, so commands
// interleave with the turn at its commit boundaries.
func (a *Actor) Serialized(fn func(ctx context.Context)) error {
	return a.submit(fn)
}

// SetInflight implements agentloop.Host: track the partial text of an
// in-progress inference call for subscribers' inflight snapshots.
func (a *Actor) SetInflight(text *string) {
	a.mu.Lock()
	a.state.Inflight = text
	a.mu.Unlock()
}

var _ agentloop.Host = (*Actor)(nil)

// Enqueue implements the `enqueue(lane, message)` command: only
// the steer and followUp lanes accept participant messages. A
// previously-unseen participant id triggers a participantJoined system
// marker before the message itself is enqueued. Blocks until the turn
// the enqueue triggered has run to completion.
func (a *Actor) Enqueue(ctx context.Context, lane wuhutypes.Lane, authorID, authorKind, content string) (string, error) {
	return a.enqueueParticipant(ctx, lane, authorID, authorKind, content, true)
}

// EnqueueDetached commits the enqueue like Enqueue but returns as soon as
// the enqueue commits, leaving the turn to run on its own goroutine; the
// turn's effects are observed via subscription.
func (a *Actor) EnqueueDetached(ctx context.Context, lane wuhutypes.Lane, authorID, authorKind, content string) (string, error) {
	return a.enqueueParticipant(ctx, lane, authorID, authorKind, content, false)
}

func (a *Actor) enqueueParticipant(ctx context.Context, lane wuhutypes.Lane, authorID, authorKind, content string, wait bool) (string, error) {
	if lane == wuhutypes.LaneSystem {
		return "", wuhuerr.New(wuhuerr.KindConflict, "Enqueue", errNotParticipantLane)
	}
	var itemID string
	var err error
	submitErr := a.submit(func(ctx context.Context) {
		if authorID != "" && !a.hasSeenParticipant(authorID) {
			if _, sysErr := a.queue.EnqueueSystem(ctx, a.sessionID, wuhutypes.SystemSourceParticipantJoined, authorID); sysErr != nil {
				err = sysErr
				return
			}
		}
		itemID, err = a.queue.EnqueueParticipant(ctx, a.sessionID, lane, authorID, authorKind, content)
		if err != nil {
			return
		}
		a.maybeStartTurn()
	})
	if submitErr != nil {
		return "", submitErr
	}
	if err != nil {
		return "", err
	}
	if wait {
		if waitErr := a.awaitTurns(ctx); waitErr != nil {
			return itemID, waitErr
		}
	}
	return itemID, nil
}

// hasSeenParticipant derives participation history from the transcript
// rather than tracking it as separate mutable state, keeping every piece
// of actor state reachable by the same persist-first reducer.
func (a *Actor) hasSeenParticipant(authorID string) bool {
	a.mu.RLock()
	entries := a.state.Entries
	a.mu.RUnlock()
	for _, e := range entries {
		if msg, ok := e.Payload.(transcript.Message); ok && msg.Author.IsParticipant() && msg.Author.ParticipantID == authorID {
			return true
		}
	}
	return false
}

// Cancel implements the `cancel(lane, queueItemId)` command.
func (a *Actor) Cancel(ctx context.Context, lane wuhutypes.Lane, itemID string) error {
	var err error
	if submitErr := a.submit(func(ctx context.Context) {
		err = a.queue.Cancel(ctx, a.sessionID, lane, itemID)
	}); submitErr != nil {
		return submitErr
	}
	return err
}

// EnqueueSystem implements the `enqueueSystem(source, content)` command.
// Blocks until the turn it triggered has run; EnqueueSystemDetached is
// the transport-facing variant that returns after the enqueue commits.
func (a *Actor) EnqueueSystem(ctx context.Context, source wuhutypes.SystemSource, content string) (string, error) {
	return a.enqueueSystem(ctx, source, content, true)
}

// EnqueueSystemDetached schedules the turn instead of waiting for it.
func (a *Actor) EnqueueSystemDetached(ctx context.Context, source wuhutypes.SystemSource, content string) (string, error) {
	return a.enqueueSystem(ctx, source, content, false)
}

func (a *Actor) enqueueSystem(ctx context.Context, source wuhutypes.SystemSource, content string, wait bool) (string, error) {
	var itemID string
	var err error
	submitErr := a.submit(func(ctx context.Context) {
		itemID, err = a.queue.EnqueueSystem(ctx, a.sessionID, source, content)
		if err != nil {
			return
		}
		a.maybeStartTurn()
	})
	if submitErr != nil {
		return "", submitErr
	}
	if err != nil {
		return "", err
	}
	if wait {
		if waitErr := a.awaitTurns(ctx); waitErr != nil {
			return itemID, waitErr
		}
	}
	return itemID, nil
}

// SetModelResult is the outcome of a setModel command.
type SetModelResult struct {
	Applied   bool
	Selection wuhutypes.Settings
}

// SetModel implements the `setModel(provider, model, reasoningEffort?)`
// command: applies immediately when Idle, otherwise records intent for
// the next idle transition.
func (a *Actor) SetModel(ctx context.Context, provider, model string, reasoningEffort *string) (SetModelResult, error) {
	var result SetModelResult
	var err error
	submitErr := a.submit(func(ctx context.Context) {
		selection := wuhutypes.Settings{Provider: provider, Model: model, ReasoningEffort: reasoningEffort}
		a.mu.RLock()
		idle := a.state.Status() == wuhutypes.StatusIdle
		a.mu.RUnlock()
		if !idle {
			a.mu.Lock()
			a.state.PendingSettings = &selection
			a.mu.Unlock()
			result = SetModelResult{Applied: false, Selection: selection}
			return
		}
		entry, appendErr := a.store.AppendEntry(ctx, a.sessionID, transcript.SessionSettings{
			Provider: provider, Model: model, ReasoningEffort: reasoningEffort,
		})
		if appendErr != nil {
			err = appendErr
			return
		}
		a.Emit(wuhutypes.CommittedAction{Kind: wuhutypes.ActionEntryAppended, Entry: &entry})
		result = SetModelResult{Applied: true, Selection: selection}
	})
	if submitErr != nil {
		return SetModelResult{}, submitErr
	}
	return result, err
}

// StopResult is the outcome of a stop command.
type StopResult struct {
	StopEntryID     *int64
	RepairedEntries []string // tool call ids given a synthesized error result
}

// Stop implements the `stop()` command: appends a stop marker and
// synthesizes error ToolResult entries for any tool call lacking one.
func (a *Actor) Stop(ctx context.Context) (StopResult, error) {
	var result StopResult
	var err error
	submitErr := a.submit(func(ctx context.Context) {
		a.mu.RLock()
		toolCalls := make(map[string]wuhutypes.ToolCallStatus, len(a.state.ToolCalls))
		for id, tc := range a.state.ToolCalls {
			toolCalls[id] = tc
		}
		a.mu.RUnlock()
		for id, tc := range toolCalls {
			if tc.State == wuhutypes.ToolCallCompleted || tc.State == wuhutypes.ToolCallErrored {
				continue
			}
			resultEntry, appendErr := a.store.AppendEntry(ctx, a.sessionID, transcript.Message{
				MessageKind: transcript.MessageKindToolResult,
				ToolCallID:  id, ToolName: tc.ToolName,
				Content: "execution stopped before this tool call finished", IsError: true,
			})
			if appendErr != nil {
				err = appendErr
				return
			}
			a.Emit(wuhutypes.CommittedAction{Kind: wuhutypes.ActionEntryAppended, Entry: &resultEntry})

			if tc.State == wuhutypes.ToolCallStarted {
				isErr := true
				endEntry, endErr := a.store.AppendEntry(ctx, a.sessionID, transcript.ToolExecution{
					Phase: transcript.ToolPhaseEnd, ToolCallID: id, ToolName: tc.ToolName, IsError: &isErr,
				})
				if endErr != nil {
					err = endErr
					return
				}
				a.Emit(wuhutypes.CommittedAction{Kind: wuhutypes.ActionEntryAppended, Entry: &endEntry})
			}
			result.RepairedEntries = append(result.RepairedEntries, id)
		}

		stopEntry, appendErr := a.store.AppendEntry(ctx, a.sessionID, transcript.Custom{
			CustomType: transcript.CustomTypeExecutionStopped,
		})
		if appendErr != nil {
			err = appendErr
			return
		}
		a.Emit(wuhutypes.CommittedAction{Kind: wuhutypes.ActionEntryAppended, Entry: &stopEntry})
		result.StopEntryID = &stopEntry.ID
	})
	if submitErr != nil {
		return StopResult{}, submitErr
	}
	return result, err
}

var errNotParticipantLane = errors.New("the system lane does not accept participant enqueues; use EnqueueSystem")
