// Package subscribe implements the subscription engine: a gap-free
// composition of a versioned initial StablePatch and a buffered live
// event stream, keyed by per-component VersionVector cursors. The
// register-before-query ordering — subscribe to the actor's broadcast
// first, then read for backfill — closes the gap where a commit between
// the read and the subscription would otherwise be lost; the overlap
// the buffer captures at the boundary is filtered instead.
package subscribe

import (
	"context"
	"sort"

	"github.com/wuhu-labs/wuhu/pkg/sessionactor"
	"github.com/wuhu-labs/wuhu/pkg/store"
	"github.com/wuhu-labs/wuhu/pkg/transcript"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// defaultBufferSize bounds the live-event buffer registered before the
// backfill query runs: a fixed cap rather than an unbounded channel, so
// a stalled subscriber cannot grow memory without limit.
const defaultBufferSize = 256

// Engine composes one session's actor (for the live event stream) with
// the durable store (for backfill) into the subscribe contract.
type Engine struct {
	store    store.Store
	registry *sessionactor.Registry
}

// New wires an Engine to the store used for backfill queries and the
// registry used to reach (or lazily create) a session's live actor.
func New(s store.Store, r *sessionactor.Registry) *Engine {
	return &Engine{store: s, registry: r}
}

// Subscription is the live handle returned by Subscribe: the initial
// backfill plus a gap-free channel of subsequent events, and an
// Unsubscribe function the caller must invoke when done.
type Subscription struct {
	Patch       wuhutypes.StablePatch
	Events      <-chan wuhutypes.Event
	Unsubscribe func()
}

// Subscribe implements `subscribe(sessionId, since) -> (initialPatch,
// eventStream)`. The four-step algorithm:
//  1. register for live events first (Actor.Subscribe), so nothing
//     committed from this point on can be missed;
//  2. take a consistent snapshot of in-memory state plus query the
//     store for any lane journal history the snapshot doesn't already
//     cover;
//  3. build the StablePatch as everything strictly after `since`;
//  4. wrap the raw event channel in a filter that discards anything
//     already included in the patch — the register-buffer-before-query
//     window necessarily double-delivers a few entries at the boundary,
//     and it is cheaper to discard the overlap than to avoid it.
func (e *Engine) Subscribe(ctx context.Context, sessionID string, since wuhutypes.VersionVector) (*Subscription, error) {
	actor, err := e.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	raw, unsubscribe := actor.Subscribe(defaultBufferSize)

	snapshot := actor.Snapshot()

	systemJournal, err := e.backfillJournal(ctx, sessionID, wuhutypes.LaneSystem, since.SystemLaneCursor, snapshot.SystemCursor)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	steerJournal, err := e.backfillJournal(ctx, sessionID, wuhutypes.LaneSteer, since.SteerLaneCursor, snapshot.SteerCursor)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	followUpJournal, err := e.backfillJournal(ctx, sessionID, wuhutypes.LaneFollowUp, since.FollowUpLaneCursor, snapshot.FollowUpCursor)
	if err != nil {
		unsubscribe()
		return nil, err
	}

	filteredEntries := filterEntries(snapshot.Entries, since.TranscriptCursor)

	toVersion := wuhutypes.VersionVector{
		TranscriptCursor:   since.TranscriptCursor,
		SystemLaneCursor:   cursorPtr(snapshot.SystemCursor),
		SteerLaneCursor:    cursorPtr(snapshot.SteerCursor),
		FollowUpLaneCursor: cursorPtr(snapshot.FollowUpCursor),
	}
	if len(filteredEntries) > 0 {
		last := filteredEntries[len(filteredEntries)-1].ID
		toVersion.TranscriptCursor = &last
	}

	var inflight *string
	if snapshot.Inflight != nil {
		v := *snapshot.Inflight
		inflight = &v
	}

	patch := wuhutypes.StablePatch{
		FromVersion:     since,
		ToVersion:       toVersion,
		Entries:         filteredEntries,
		SystemJournal:   coalesceJournal(systemJournal),
		SteerJournal:    coalesceJournal(steerJournal),
		FollowUpJournal: coalesceJournal(followUpJournal),
		Settings:        snapshot.Settings,
		Status:          snapshot.Status(),
		Inflight:        inflight,
	}

	filtered := filterOverlap(raw, toVersion)

	return &Subscription{Patch: patch, Events: filtered, Unsubscribe: unsubscribe}, nil
}

// backfillJournal queries the store for one lane's journal records after
// `since`, only when the in-memory cursor suggests there may be any (an
// actor that has never advanced a lane's cursor has nothing to backfill).
func (e *Engine) backfillJournal(ctx context.Context, sessionID string, lane wuhutypes.Lane, since *int64, cursor int64) ([]wuhutypes.QueueJournalEntry, error) {
	if cursor == 0 && since == nil {
		return nil, nil
	}
	return e.store.GetJournal(ctx, sessionID, lane, since)
}

// filterEntries returns the entries strictly after `since`, nil meaning
// "from scratch" (everything).
func filterEntries(entries []transcript.Entry, since *int64) []transcript.Entry {
	if since == nil {
		out := make([]transcript.Entry, len(entries))
		copy(out, entries)
		return out
	}
	var out []transcript.Entry
	for _, e := range entries {
		if e.ID > *since {
			out = append(out, e)
		}
	}
	return out
}

func cursorPtr(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

// coalesceJournal keeps only the last record per queue item within a
// backfill batch: an item enqueued then materialized inside the same
// backfill window need only be delivered once, as its terminal state,
// rather than replaying its whole lifecycle to a reconnecting subscriber.
func coalesceJournal(records []wuhutypes.QueueJournalEntry) []wuhutypes.QueueJournalEntry {
	if len(records) == 0 {
		return records
	}
	lastIdx := make(map[string]int, len(records))
	for i, r := range records {
		lastIdx[r.ItemID] = i
	}
	kept := make([]wuhutypes.QueueJournalEntry, 0, len(lastIdx))
	for i, r := range records {
		if lastIdx[r.ItemID] == i {
			kept = append(kept, r)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].ID < kept[j].ID })
	return kept
}

// filterOverlap wraps the actor's raw broadcast channel, discarding any
// event already represented in the initial patch (identified by id
// against toVersion's cursors) so a subscriber never observes the same
// committed fact twice. Non-versioned events (status, settings, stream
// deltas) pass straight through: they are idempotent snapshots, not
// journaled facts, so redelivery is harmless.
func filterOverlap(in <-chan wuhutypes.Event, toVersion wuhutypes.VersionVector) <-chan wuhutypes.Event {
	out := make(chan wuhutypes.Event, cap(in))
	go func() {
		defer close(out)
		for ev := range in {
			if isOverlap(ev, toVersion) {
				continue
			}
			out <- ev
		}
	}()
	return out
}

func isOverlap(ev wuhutypes.Event, toVersion wuhutypes.VersionVector) bool {
	switch ev.Kind {
	case wuhutypes.EventTranscriptAppended:
		return ev.Entry != nil && toVersion.TranscriptCursor != nil && ev.Entry.ID <= *toVersion.TranscriptCursor
	case wuhutypes.EventSystemQueueJournal:
		return ev.QueueJournal != nil && toVersion.SystemLaneCursor != nil && ev.QueueJournal.ID <= *toVersion.SystemLaneCursor
	case wuhutypes.EventSteerQueueJournal:
		return ev.QueueJournal != nil && toVersion.SteerLaneCursor != nil && ev.QueueJournal.ID <= *toVersion.SteerLaneCursor
	case wuhutypes.EventFollowUpQueueJournal:
		return ev.QueueJournal != nil && toVersion.FollowUpLaneCursor != nil && ev.QueueJournal.ID <= *toVersion.FollowUpLaneCursor
	default:
		return false
	}
}
