package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/wuhu-labs/wuhu/pkg/collab"
	"github.com/wuhu-labs/wuhu/pkg/transcript"
)

// loopbackInference is the development stand-in for the Inference
// collaborator: it streams back a canned acknowledgement of the newest
// user message instead of calling a model provider. Deployments link a
// provider-backed implementation here; the session core itself never
// depends on a provider wire protocol.
type loopbackInference struct{}

func newLoopbackInference() *loopbackInference { return &loopbackInference{} }

func (l *loopbackInference) Stream(_ context.Context, _ string, llmContext []transcript.Entry, _ collab.InferenceOptions) (<-chan collab.AssistantEvent, error) {
	var lastUser string
	for _, e := range llmContext {
		if msg, ok := e.Payload.(transcript.Message); ok && msg.MessageKind == transcript.MessageKindUser {
			lastUser = msg.Content
		}
	}

	return streamText("(loopback) received: " + lastUser), nil
}

// loopbackSummarizer is the matching development stand-in for the
// compaction engine's SummaryInference collaborator.
type loopbackSummarizer struct{}

func newLoopbackSummarizer() *loopbackSummarizer { return &loopbackSummarizer{} }

func (l *loopbackSummarizer) Stream(_ context.Context, llmContext []transcript.Entry, _ collab.SummaryBudget) (<-chan collab.AssistantEvent, error) {
	var b strings.Builder
	count := 0
	for _, e := range llmContext {
		if msg, ok := e.Payload.(transcript.Message); ok && msg.Content != "" {
			count++
			if b.Len() < 400 {
				b.WriteString(msg.Content)
				b.WriteString(" / ")
			}
		}
	}
	return streamText(fmt.Sprintf("(loopback summary of %d messages) %s", count, b.String())), nil
}

func streamText(text string) <-chan collab.AssistantEvent {
	ch := make(chan collab.AssistantEvent, 3)
	go func() {
		defer close(ch)
		ch <- collab.AssistantEvent{Kind: collab.AssistantEventStart}
		ch <- collab.AssistantEvent{Kind: collab.AssistantEventTextDelta, Delta: text, Partial: text}
		ch <- collab.AssistantEvent{Kind: collab.AssistantEventDone, Message: &transcript.Message{Content: text}}
	}()
	return ch
}
