// Package compaction bounds the LLM context window by summarizing a
// prefix of the context into a stacked Compaction entry, without ever
// modifying the underlying transcript.
package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/wuhu-labs/wuhu/pkg/collab"
	"github.com/wuhu-labs/wuhu/pkg/store"
	"github.com/wuhu-labs/wuhu/pkg/transcript"
	"github.com/wuhu-labs/wuhu/pkg/wuhuerr"
)

// Config holds the process-level compaction tuning constants
// ("context_window_tokens, reserve_tokens, keep_recent_tokens, enabled").
type Config struct {
	Enabled            bool
	ContextWindowTokens int
	ReserveTokens       int
	KeepRecentTokens    int
}

// DefaultConfig provides conservative defaults; all four are recognized,
// overridable options.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		ContextWindowTokens: 180_000,
		ReserveTokens:       8_000,
		KeepRecentTokens:    20_000,
	}
}

// Usage is the token accounting from one LLM response, used to compute the
// compaction trigger.
type Usage struct {
	CachedInput int
	Input       int
	Output      int
}

// ShouldTrigger reports whether compaction should run after this response,
// usage = cached_input + input + output + reserve must stay within the
// context window.
func (c Config) ShouldTrigger(u Usage) bool {
	if !c.Enabled {
		return false
	}
	usage := u.CachedInput + u.Input + u.Output + c.ReserveTokens
	return usage > c.ContextWindowTokens
}

// Engine runs cut-point selection, summary generation, and persistence.
type Engine struct {
	store     store.Store
	summarize collab.SummaryInference
	cfg       Config
}

func New(s store.Store, summarize collab.SummaryInference, cfg Config) *Engine {
	return &Engine{store: s, summarize: summarize, cfg: cfg}
}

func estimateEntryTokens(e transcript.Entry) int {
	switch p := e.Payload.(type) {
	case transcript.Message:
		return EstimateTokens(p.Content)
	case transcript.ToolExecution:
		n := EstimateTokens(fmt.Sprint(p.Arguments))
		if p.Result != nil {
			n += EstimateTokens(fmt.Sprint(*p.Result))
		}
		return n
	default:
		return 0
	}
}

// isValidBoundary reports whether entries[idx] may start a kept-recent
// suffix: a user message, or an assistant message with no tool calls.
// Tool executions, tool results, and assistant messages with pending tool
// calls are never valid boundaries — their tool call and result must stay
// together.
func isValidBoundary(entries []transcript.Entry, idx int) bool {
	msg, ok := entries[idx].Payload.(transcript.Message)
	if !ok {
		return false
	}
	switch msg.MessageKind {
	case transcript.MessageKindUser:
		return true
	case transcript.MessageKindAssistant:
		return len(msg.ToolCalls) == 0
	default:
		return false
	}
}

// SelectCutPoint walks backwards from the newest entry, accumulating
// estimated tokens until keepRecentTokens is reached, then snaps to the
// nearest valid boundary — backwards first, so snapping keeps more raw
// entries rather than folding un-summarized ones into the cut; forwards
// only when no earlier boundary exists. Returns ok=false if
// keepRecentTokens <= 0 (a documented no-op) or no valid boundary exists.
func SelectCutPoint(entries []transcript.Entry, keepRecentTokens int) (firstKeptIndex int, ok bool) {
	if keepRecentTokens <= 0 || len(entries) == 0 {
		return 0, false
	}

	acc := 0
	idx := len(entries)
	for i := len(entries) - 1; i >= 0; i-- {
		tokens := estimateEntryTokens(entries[i])
		if acc+tokens > keepRecentTokens && idx < len(entries) {
			break
		}
		acc += tokens
		idx = i
	}

	// Prefer starting the kept suffix at the nearest earlier user
	// message, so the retained context resumes from a user turn; fall
	// back to any valid boundary (backwards, then forwards) when the
	// transcript has none.
	snap := idx
	for snap > 0 && !isUserBoundary(entries, snap) {
		snap--
	}
	if isUserBoundary(entries, snap) {
		return snap, true
	}
	snap = idx
	for snap > 0 && !isValidBoundary(entries, snap) {
		snap--
	}
	if !isValidBoundary(entries, snap) {
		snap = idx
		for snap < len(entries) && !isValidBoundary(entries, snap) {
			snap++
		}
		if snap >= len(entries) {
			return 0, false
		}
	}
	return snap, true
}

func isUserBoundary(entries []transcript.Entry, idx int) bool {
	msg, ok := entries[idx].Payload.(transcript.Message)
	return ok && msg.MessageKind == transcript.MessageKindUser
}

// ContextItemKind discriminates one item of an LLM-context projection.
type ContextItemKind string

const (
	ContextItemSystemPrompt ContextItemKind = "system_prompt"
	ContextItemSummary      ContextItemKind = "summary"
	ContextItemEntry        ContextItemKind = "entry"
)

// ContextItem is one element of the deterministic projection built by
// Project: either the system prompt, a stacked summary, or a raw entry.
type ContextItem struct {
	Kind  ContextItemKind
	Text  string
	Entry *transcript.Entry
}

// Project builds the deterministic LLM-context projection from the full
// transcript and any compaction boundaries within it:
// [system_prompt, sum1, sum2, …, sumN, entries_from_firstKeptEntryIDN_onwards].
func Project(entries []transcript.Entry) []ContextItem {
	var systemPrompt string
	var summaries []string
	var lastKeptFrom int64
	haveCompaction := false

	for _, e := range entries {
		switch p := e.Payload.(type) {
		case transcript.Header:
			systemPrompt = p.SystemPrompt
		case transcript.Compaction:
			summaries = append(summaries, p.Summary)
			lastKeptFrom = p.FirstKeptEntryID
			haveCompaction = true
		}
	}

	items := make([]ContextItem, 0, len(entries)+len(summaries)+1)
	items = append(items, ContextItem{Kind: ContextItemSystemPrompt, Text: systemPrompt})
	for _, s := range summaries {
		items = append(items, ContextItem{Kind: ContextItemSummary, Text: s})
	}
	for i := range entries {
		e := entries[i]
		if haveCompaction && e.ID < lastKeptFrom {
			continue
		}
		switch e.Payload.(type) {
		case transcript.Header, transcript.Compaction:
			continue
		}
		items = append(items, ContextItem{Kind: ContextItemEntry, Entry: &e})
	}
	return items
}

// Build selects a cut point over entries and summarizes the prefix being
// cut, returning the Compaction payload without persisting it — the
// summarizer call is long LLM I/O, so callers run Build off their
// serialized chain and append the payload themselves. previousKeptFrom is
// the FirstKeptEntryID of the prior compaction (0 if none), used to bound
// the summarization input to entries newly folded into this compaction.
func (e *Engine) Build(ctx context.Context, entries []transcript.Entry, previousKeptFrom int64) (transcript.Compaction, error) {
	idx, ok := SelectCutPoint(entries, e.cfg.KeepRecentTokens)
	if !ok {
		return transcript.Compaction{}, wuhuerr.New(wuhuerr.KindInputDoesNotFit, "compaction.Build",
			fmt.Errorf("no valid cut point found with keep_recent_tokens=%d", e.cfg.KeepRecentTokens))
	}

	var toSummarize []transcript.Entry
	tokensBefore := 0
	for _, entry := range entries[:idx] {
		if entry.ID <= previousKeptFrom {
			continue
		}
		toSummarize = append(toSummarize, entry)
		tokensBefore += estimateEntryTokens(entry)
	}

	events, err := e.summarize.Stream(ctx, toSummarize, collab.SummaryBudget{MaxOutputTokens: 2000})
	if err != nil {
		return transcript.Compaction{}, wuhuerr.New(wuhuerr.KindTransient, "compaction.Build", err)
	}

	var summary strings.Builder
	for ev := range events {
		if ev.Kind == collab.AssistantEventDone && ev.Message != nil {
			summary.WriteString(ev.Message.Content)
		}
	}

	firstKeptEntryID := int64(0)
	if idx < len(entries) {
		firstKeptEntryID = entries[idx].ID
	}

	return transcript.Compaction{
		Version:          1,
		Summary:          summary.String(),
		TokensBefore:     tokensBefore,
		FirstKeptEntryID: firstKeptEntryID,
	}, nil
}

// Run is Build followed by persisting the resulting Compaction entry, for
// callers with no serialized chain to re-enter.
func (e *Engine) Run(ctx context.Context, sessionID string, entries []transcript.Entry, previousKeptFrom int64) (transcript.Entry, error) {
	payload, err := e.Build(ctx, entries, previousKeptFrom)
	if err != nil {
		return transcript.Entry{}, err
	}
	return e.store.AppendEntry(ctx, sessionID, payload)
}
