// Package agentloop implements the agentic loop state machine: the
// drain/infer/execute-tools/compact cycle a session actor starts after an
// enqueue signal. One Loop instance serves every session in the process.
// The loop runs on its own turn goroutine — inference streaming and tool
// execution never hold the actor's serialized chain — and re-enters the
// chain through Host.Serialized for every committed mutation, so commands
// interleave with a running turn at each commit boundary.
package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wuhu-labs/wuhu/pkg/collab"
	"github.com/wuhu-labs/wuhu/pkg/compaction"
	"github.com/wuhu-labs/wuhu/pkg/masking"
	"github.com/wuhu-labs/wuhu/pkg/queue"
	"github.com/wuhu-labs/wuhu/pkg/store"
	"github.com/wuhu-labs/wuhu/pkg/transcript"
	"github.com/wuhu-labs/wuhu/pkg/wuhuerr"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// State enumerates the agentic loop's states.
type State string

const (
	StateIdle           State = "idle"
	StatePreparing      State = "preparing"
	StateInferring       State = "inferring"
	StateExecutingTools  State = "executing_tools"
	StatePostCheck       State = "post_check"
	StateCompacting      State = "compacting"
)

// RetryConfig bounds inference retries with exponential backoff and
// jitter; all fields are process-level configurable options, never
// hardcoded.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	JitterFraction  float64
	MaxRetries      uint64
}

// DefaultRetryConfig is the production retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
		JitterFraction:  0.5,
		MaxRetries:      3,
	}
}

func (c RetryConfig) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = c.MaxElapsedTime
	b.RandomizationFactor = c.JitterFraction
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, c.MaxRetries), ctx)
}

// Host is the loop's window back into the session actor driving it.
// Snapshot serves consistent reads of the in-memory state; Serialized
// runs a closure on the actor's serialized chain, which is where every
// store mutation and its reducer apply happen — the loop's own goroutine
// only performs the long I/O between those commit points. Emit and
// EmitStream fan committed actions and ephemeral stream events out to
// subscribers; SetInflight tracks partial inference text.
type Host interface {
	Snapshot() wuhutypes.SessionState
	Serialized(fn func(ctx context.Context)) error
	SetInflight(text *string)
	Emit(wuhutypes.CommittedAction)
	EmitStream(wuhutypes.Event)
}

// ExecutorProvider resolves the ToolExecutor serving one session. Tool
// execution is routed per session (a runner connection registers itself
// for the sessions it serves), while the Loop itself is shared across
// every session in the process.
type ExecutorProvider interface {
	ExecutorFor(sessionID string) collab.ToolExecutor
}

// StaticExecutor adapts a single ToolExecutor shared by every session,
// for in-process tool sets and tests.
type StaticExecutor struct {
	E collab.ToolExecutor
}

func (s StaticExecutor) ExecutorFor(string) collab.ToolExecutor { return s.E }

// Loop holds the collaborators the state machine drives. One Loop is
// shared across all sessions in a process; all per-session mutable state
// lives behind the Host passed into Drive.
type Loop struct {
	store     store.Store
	queue     *queue.Manager
	compactor *compaction.Engine
	infer     collab.Inference
	tools     ExecutorProvider
	masker    *masking.Service
	retry     RetryConfig
	compactCfg compaction.Config

	log *slog.Logger
}

func New(s store.Store, q *queue.Manager, compactor *compaction.Engine, infer collab.Inference, tools ExecutorProvider, masker *masking.Service, retry RetryConfig, compactCfg compaction.Config) *Loop {
	return &Loop{
		store: s, queue: q, compactor: compactor, infer: infer, tools: tools, masker: masker,
		retry: retry, compactCfg: compactCfg,
		log: slog.With("component", "agentloop"),
	}
}

func (l *Loop) executorFor(sessionID string) collab.ToolExecutor {
	if l.tools == nil {
		return nil
	}
	return l.tools.ExecutorFor(sessionID)
}

// Drive runs the state machine to completion (i.e. until Idle) or until
// an unrecoverable error surfaces. Intended to run on a dedicated turn
// goroutine: every committed mutation re-enters the actor's chain via
// host.Serialized, so commands submitted while a turn is in flight
// execute between the turn's commit points and observe its intermediate
// state (a materialized-but-unanswered user message reads as Running).
func (l *Loop) Drive(ctx context.Context, sessionID string, host Host) error {
	if err := l.recoverCrashedToolCalls(ctx, sessionID, host); err != nil {
		return err
	}

	current := StatePreparing
	turnBoundary := false
	var usage compaction.Usage

	for {
		// A stop command that landed between commit points ends the turn
		// at the next boundary; its own job already repaired open tool
		// calls and appended the marker. Preparing is exempt so the drain
		// that re-activates a stopped session still runs.
		if current != StateIdle && current != StatePreparing && host.Snapshot().Status() == wuhutypes.StatusStopped {
			current = StateIdle
		}

		switch current {
		case StateIdle:
			// A setModel that arrived mid-turn takes effect at this idle
			// transition: persist the SessionSettings marker so the next
			// inference uses the new selection.
			return l.applyPendingSettings(ctx, sessionID, host)

		case StatePreparing:
			if err := l.drain(ctx, sessionID, host, turnBoundary); err != nil {
				return err
			}
			current = StateInferring

		case StateInferring:
			resp, u, err := l.runInference(ctx, sessionID, host)
			if err != nil {
				if wuhuerr.Is(err, wuhuerr.KindContextOverflow) {
					current = StateCompacting
					continue
				}
				return err
			}
			usage = u

			if len(resp.ToolCalls) > 0 {
				current = StateExecutingTools
				continue
			}

			if l.hasPendingInput(ctx, sessionID) {
				turnBoundary = true
				current = StatePreparing
				continue
			}
			current = StatePostCheck

		case StateExecutingTools:
			if err := l.executeTools(ctx, sessionID, host); err != nil {
				return err
			}
			turnBoundary = false
			current = StatePreparing

		case StatePostCheck:
			if l.compactCfg.ShouldTrigger(usage) {
				current = StateCompacting
			} else {
				current = StateIdle
			}

		case StateCompacting:
			if err := l.compact(ctx, sessionID, host); err != nil {
				return err
			}
			if l.hasPendingInput(ctx, sessionID) {
				turnBoundary = true
				current = StatePreparing
				continue
			}
			current = StateIdle
		}
	}
}

// applyPendingSettings persists a deferred model change once the turn is
// over. The reducer clears PendingSettings when it sees the resulting
// SessionSettings entry.
func (l *Loop) applyPendingSettings(ctx context.Context, sessionID string, host Host) error {
	pending := host.Snapshot().PendingSettings
	if pending == nil {
		return nil
	}
	_, err := l.appendEntry(ctx, sessionID, host, transcript.SessionSettings{
		Provider:        pending.Provider,
		Model:           pending.Model,
		ReasoningEffort: pending.ReasoningEffort,
	})
	return err
}

// hasPendingInput peeks at all three lanes without draining them, to
// decide whether a turn boundary or post-compaction resumption should
// re-enter Preparing.
func (l *Loop) hasPendingInput(ctx context.Context, sessionID string) bool {
	items, err := l.store.DrainPending(ctx, sessionID, []wuhutypes.Lane{wuhutypes.LaneSystem, wuhutypes.LaneSteer, wuhutypes.LaneFollowUp})
	if err != nil {
		l.log.Warn("checking pending input failed", "session_id", sessionID, "error", err)
		return false
	}
	return len(items) > 0
}

// drain materializes one checkpoint's worth of queued items into the
// transcript, in one commit per item. At an interrupt checkpoint this
// picks up system and steer items enqueued while the preceding inference
// or tool execution was still running, since those enqueues commit on
// the chain concurrently with the turn.
func (l *Loop) drain(ctx context.Context, sessionID string, host Host, turnBoundary bool) error {
	var items []wuhutypes.QueuedItem
	var err error
	if turnBoundary {
		items, err = l.queue.DrainTurnBoundary(ctx, sessionID)
	} else {
		items, err = l.queue.DrainInterruptLanes(ctx, sessionID)
	}
	if err != nil {
		return wuhuerr.New(wuhuerr.KindTransient, "agentloop.drain", err)
	}

	for _, item := range items {
		if err := l.materializeItem(ctx, sessionID, host, item); err != nil {
			return err
		}
	}
	return nil
}

// materializeItem appends one queued item as a transcript Message entry
// and links the queue journal to it. System-lane items never carry an
// Author; steer/followUp items are authored by the enqueuing
// participant.
func (l *Loop) materializeItem(ctx context.Context, sessionID string, host Host, item wuhutypes.QueuedItem) error {
	msg := transcript.Message{
		MessageKind: transcript.MessageKindUser,
		Content:     item.Content,
		Timestamp:   item.EnqueuedAt,
	}
	if item.Lane == wuhutypes.LaneSystem {
		msg.MessageKind = transcript.MessageKindCustom
		msg.Author = transcript.SystemAuthor()
		msg.Source = string(item.Source)
	} else {
		msg.Author = transcript.ParticipantAuthor(item.AuthorID, transcript.AuthorKind(item.AuthorKind))
	}

	entry, err := l.appendEntry(ctx, sessionID, host, msg)
	if err != nil {
		return err
	}

	var markErr error
	serErr := host.Serialized(func(ctx context.Context) {
		rec, err := l.queue.MarkMaterialized(ctx, sessionID, item.Lane, item.ID, entry.ID)
		if err != nil {
			markErr = err
			return
		}
		host.Emit(wuhutypes.CommittedAction{Kind: wuhutypes.ActionQueueMaterialized, Lane: item.Lane, Journal: &rec})
	})
	if serErr != nil {
		return serErr
	}
	if markErr != nil {
		return wuhuerr.New(wuhuerr.KindTransient, "agentloop.materializeItem", markErr)
	}
	return nil
}

// inferenceResult is the loop's view of one completed inference call.
type inferenceResult struct {
	Message   *transcript.Message
	ToolCalls []transcript.ToolCall
}

// runInference streams one inference call, forwarding deltas as
// non-committing stream events, retrying transient failures with
// exponential backoff, and persisting the final assistant message as one
// committed action that supersedes all deltas.
func (l *Loop) runInference(ctx context.Context, sessionID string, host Host) (inferenceResult, compaction.Usage, error) {
	b := l.retry.newBackoff(ctx)
	attempt := 0

	for {
		result, usage, err := l.attemptInference(ctx, sessionID, host)
		if err == nil {
			return result, usage, nil
		}

		if wuhuerr.Is(err, wuhuerr.KindContextOverflow) {
			return inferenceResult{}, compaction.Usage{}, err
		}

		attempt++
		next := b.NextBackOff()
		if next == backoff.Stop {
			l.recordGiveUp(ctx, sessionID, host, attempt, err)
			return inferenceResult{}, compaction.Usage{}, wuhuerr.New(wuhuerr.KindGiveUp, "agentloop.runInference", err)
		}
		l.recordRetry(ctx, sessionID, host, attempt, next, err)

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return inferenceResult{}, compaction.Usage{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Loop) attemptInference(ctx context.Context, sessionID string, host Host) (inferenceResult, compaction.Usage, error) {
	snap := host.Snapshot()
	llmContext := projectionToContext(compaction.Project(snap.Entries))

	events, err := l.infer.Stream(ctx, snap.Settings.Model, llmContext, collab.InferenceOptions{ReasoningEffort: snap.Settings.ReasoningEffort})
	if err != nil {
		return inferenceResult{}, compaction.Usage{}, wuhuerr.New(wuhuerr.KindTransient, "agentloop.attemptInference", err)
	}

	usage := estimateContextUsage(llmContext)

	for ev := range events {
		switch ev.Kind {
		case collab.AssistantEventStart:
			partial := ev.Partial
			host.SetInflight(&partial)
			host.EmitStream(wuhutypes.Event{Kind: wuhutypes.EventStreamBegan})
		case collab.AssistantEventTextDelta:
			partial := ev.Partial
			host.SetInflight(&partial)
			host.EmitStream(wuhutypes.Event{Kind: wuhutypes.EventStreamDelta, StreamDeltaText: ev.Delta})
		case collab.AssistantEventDone:
			host.SetInflight(nil)
			host.EmitStream(wuhutypes.Event{Kind: wuhutypes.EventStreamEnded})
			if ev.Message == nil {
				return inferenceResult{}, compaction.Usage{}, wuhuerr.New(wuhuerr.KindTransient, "agentloop.attemptInference", fmt.Errorf("inference stream ended without a message"))
			}
			msg := *ev.Message
			msg.MessageKind = transcript.MessageKindAssistant
			usage.Output += compaction.EstimateTokens(msg.Content)
			entry, err := l.appendEntry(ctx, sessionID, host, msg)
			if err != nil {
				return inferenceResult{}, compaction.Usage{}, err
			}
			persisted := entry.Payload.(transcript.Message)
			return inferenceResult{Message: &persisted, ToolCalls: msg.ToolCalls}, usage, nil
		}
	}
	return inferenceResult{}, compaction.Usage{}, wuhuerr.New(wuhuerr.KindTransient, "agentloop.attemptInference", fmt.Errorf("inference stream closed without a Done event"))
}

// estimateContextUsage approximates the input-token side of the compaction
// trigger formula from the projected LLM context, since collab.AssistantEvent
// carries no provider-reported usage figures for this boundary interface.
func estimateContextUsage(llmContext []transcript.Entry) compaction.Usage {
	total := 0
	for _, e := range llmContext {
		if msg, ok := e.Payload.(transcript.Message); ok {
			total += compaction.EstimateTokens(msg.Content)
		}
	}
	return compaction.Usage{Input: total}
}

func (l *Loop) recordRetry(ctx context.Context, sessionID string, host Host, attempt int, delay time.Duration, cause error) {
	data := transcript.ValueFromGo(map[string]any{
		"attempt":       attempt,
		"delay_seconds": delay.Seconds(),
		"error":         cause.Error(),
	})
	_, _ = l.appendEntry(ctx, sessionID, host, transcript.Custom{CustomType: transcript.CustomTypeInferenceRetry, Data: &data})
}

func (l *Loop) recordGiveUp(ctx context.Context, sessionID string, host Host, attempts int, cause error) {
	data := transcript.ValueFromGo(map[string]any{
		"attempts": attempts,
		"error":    cause.Error(),
	})
	_, _ = l.appendEntry(ctx, sessionID, host, transcript.Custom{CustomType: transcript.CustomTypeInferenceGiveUp, Data: &data})
}

// executeTools dispatches every tool call in the most recent assistant
// message in the order they appear, bracketing each with Start/End markers
// and persisting its result in between. Failure of one tool call never
// aborts the others. The tool invocation itself runs on the turn
// goroutine; only the bracketing entries re-enter the chain.
func (l *Loop) executeTools(ctx context.Context, sessionID string, host Host) error {
	snap := host.Snapshot()

	var last *transcript.Message
	for i := len(snap.Entries) - 1; i >= 0; i-- {
		if m, ok := snap.Entries[i].Payload.(transcript.Message); ok && m.MessageKind == transcript.MessageKindAssistant {
			last = &m
			break
		}
	}
	if last == nil {
		return nil
	}

	executor := l.executorFor(sessionID)
	if executor == nil {
		return wuhuerr.New(wuhuerr.KindTransient, "agentloop.executeTools", fmt.Errorf("no tool executor available for session %s", sessionID))
	}

	for _, call := range last.ToolCalls {
		// Re-read per call: a stop command interleaved since the last
		// tool finished may have resolved this call already.
		if status, ok := host.Snapshot().ToolCalls[call.ID]; ok && status.State != wuhutypes.ToolCallPending {
			continue // already executed (e.g. resumed after crash recovery)
		}

		if _, err := l.appendEntry(ctx, sessionID, host, transcript.ToolExecution{
			Phase: transcript.ToolPhaseStart, ToolCallID: call.ID, ToolName: call.Name, Arguments: call.Arguments,
		}); err != nil {
			return err
		}

		result, execErr := executor.Execute(ctx, call.ID, call.Name, call.Arguments, snap.Session.WorkingDir)
		if execErr != nil {
			return wuhuerr.New(wuhuerr.KindTransient, "agentloop.executeTools", execErr)
		}

		content := result.Content
		if l.masker != nil {
			content = l.masker.MaskToolResult(content, call.Name)
		}

		if _, err := l.appendEntry(ctx, sessionID, host, transcript.Message{
			MessageKind: transcript.MessageKindToolResult,
			ToolCallID:  call.ID, ToolName: call.Name,
			Content: content, IsError: result.IsError,
		}); err != nil {
			return err
		}

		isErr := result.IsError
		if _, err := l.appendEntry(ctx, sessionID, host, transcript.ToolExecution{
			Phase: transcript.ToolPhaseEnd, ToolCallID: call.ID, ToolName: call.Name,
			Arguments: call.Arguments, Result: result.Details, IsError: &isErr,
		}); err != nil {
			return err
		}
	}
	return nil
}

// recoverCrashedToolCalls repairs interrupted work on load: any tool call
// left Started without a matching result is either re-executed (if the
// tool is idempotent) or closed out with a synthesized error result.
func (l *Loop) recoverCrashedToolCalls(ctx context.Context, sessionID string, host Host) error {
	snap := host.Snapshot()
	executor := l.executorFor(sessionID)
	recovered := 0
	for _, tc := range snap.ToolCalls {
		if tc.State != wuhutypes.ToolCallStarted {
			continue
		}
		recovered++

		if executor != nil && executor.IsIdempotent(tc.ToolName) {
			var args transcript.Value
			for _, e := range snap.Entries {
				if te, ok := e.Payload.(transcript.ToolExecution); ok && te.ToolCallID == tc.ToolCallID && te.Phase == transcript.ToolPhaseStart {
					args = te.Arguments
				}
			}
			result, err := executor.Execute(ctx, tc.ToolCallID, tc.ToolName, args, snap.Session.WorkingDir)
			content := result.Content
			isErr := result.IsError
			if err != nil {
				content = fmt.Sprintf("tool execution failed during crash recovery: %v", err)
				isErr = true
			}
			if _, err := l.appendEntry(ctx, sessionID, host, transcript.Message{
				MessageKind: transcript.MessageKindToolResult, ToolCallID: tc.ToolCallID, ToolName: tc.ToolName,
				Content: content, IsError: isErr,
			}); err != nil {
				return err
			}
			if _, err := l.appendEntry(ctx, sessionID, host, transcript.ToolExecution{
				Phase: transcript.ToolPhaseEnd, ToolCallID: tc.ToolCallID, ToolName: tc.ToolName, IsError: &isErr,
			}); err != nil {
				return err
			}
			continue
		}

		isErr := true
		if _, err := l.appendEntry(ctx, sessionID, host, transcript.Message{
			MessageKind: transcript.MessageKindToolResult, ToolCallID: tc.ToolCallID, ToolName: tc.ToolName,
			Content: "Execution interrupted by process restart", IsError: isErr,
		}); err != nil {
			return err
		}
		if _, err := l.appendEntry(ctx, sessionID, host, transcript.ToolExecution{
			Phase: transcript.ToolPhaseEnd, ToolCallID: tc.ToolCallID, ToolName: tc.ToolName, IsError: &isErr,
		}); err != nil {
			return err
		}
	}

	if recovered > 0 {
		data := transcript.ValueFromGo(map[string]any{"tool_calls_recovered": recovered})
		if _, err := l.appendEntry(ctx, sessionID, host, transcript.Custom{
			CustomType: transcript.CustomTypeRecoveredFromCrash, Data: &data,
		}); err != nil {
			return err
		}
	}
	return nil
}

// compact builds the summary off-chain (the summarizer call is long LLM
// I/O) and persists the resulting Compaction entry through the chain like
// every other committed mutation.
func (l *Loop) compact(ctx context.Context, sessionID string, host Host) error {
	snap := host.Snapshot()
	payload, err := l.compactor.Build(ctx, snap.Entries, snap.CompactionFirstKept)
	if err != nil {
		return err
	}
	_, err = l.appendEntry(ctx, sessionID, host, payload)
	return err
}

// appendEntry is the loop's single choke point for persisting a new
// transcript entry: re-enter the chain, write to the store, and emit the
// committed action (the actor's Emit applies the pure reducer to its
// state, which the next Snapshot reflects).
func (l *Loop) appendEntry(ctx context.Context, sessionID string, host Host, payload transcript.EntryPayload) (transcript.Entry, error) {
	var entry transcript.Entry
	var appendErr error
	serErr := host.Serialized(func(ctx context.Context) {
		entry, appendErr = l.store.AppendEntry(ctx, sessionID, payload)
		if appendErr != nil {
			return
		}
		host.Emit(wuhutypes.CommittedAction{Kind: wuhutypes.ActionEntryAppended, Entry: &entry})
	})
	if serErr != nil {
		return transcript.Entry{}, serErr
	}
	if appendErr != nil {
		return transcript.Entry{}, wuhuerr.New(wuhuerr.KindTransient, "agentloop.appendEntry", appendErr)
	}
	return entry, nil
}

// projectionToContext flattens a compaction.Project result back into the
// entry slice an Inference collaborator expects, rendering summaries as
// synthetic Custom entries and prefixing participant names onto user
// messages that follow a participantJoined marker.
func projectionToContext(items []compaction.ContextItem) []transcript.Entry {
	out := make([]transcript.Entry, 0, len(items))
	var lastJoined string
	for _, item := range items {
		switch item.Kind {
		case compaction.ContextItemSystemPrompt:
			out = append(out, transcript.Entry{Payload: transcript.Header{SystemPrompt: item.Text}})
		case compaction.ContextItemSummary:
			out = append(out, transcript.Entry{Payload: transcript.Custom{CustomType: "summary", Data: valuePtr(transcript.ValueFromGo(item.Text))}})
		case compaction.ContextItemEntry:
			e := *item.Entry
			if msg, ok := e.Payload.(transcript.Message); ok {
				switch {
				case msg.MessageKind == transcript.MessageKindCustom && msg.Source == string(wuhutypes.SystemSourceParticipantJoined):
					// Materialized participantJoined marker: every
					// participant message after it renders with a name
					// prefix so the model can tell speakers apart.
					lastJoined = msg.Content
				case msg.MessageKind == transcript.MessageKindUser && msg.Author.IsParticipant() && lastJoined != "":
					msg.Content = strings.TrimSpace(msg.Author.ParticipantID) + ":\n\n" + msg.Content
					e.Payload = msg
				}
			}
			out = append(out, e)
		}
	}
	return out
}

func valuePtr(v transcript.Value) *transcript.Value { return &v }
