package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	agentmemory "github.com/orchestra-labs/agentcore/runtime/agent/memory"
	"github.com/orchestra-labs/agentcore/runtime/agent/model"
)

// MemoryStrategy wraps a Handle with a policy for what GetItems returns and
// how AddItems is recorded.
type MemoryStrategy interface {
	Wrap(h Handle) Handle
}

// NoneStrategy passes every call straight through to the underlying handle.
type NoneStrategy struct{}

func (NoneStrategy) Wrap(h Handle) Handle { return h }

// WindowStrategy keeps only the last N items on read; writes are untouched.
type WindowStrategy struct {
	N int
}

func (s WindowStrategy) Wrap(h Handle) Handle {
	return windowHandle{Handle: h, n: s.N}
}

type windowHandle struct {
	Handle
	n int
}

func (w windowHandle) GetItems(ctx context.Context) ([]agentmemory.Event, error) {
	items, err := w.Handle.GetItems(ctx)
	if err != nil {
		return nil, err
	}
	if w.n <= 0 || len(items) <= w.n {
		return items, nil
	}
	return items[len(items)-w.n:], nil
}

// SummaryRecord is persisted whenever SummarizeStrategy compacts history.
type SummaryRecord struct {
	SessionID     string
	SummaryText   string
	SummaryModel  string
	Version       int
	LengthTokens  int
}

// CompactionEvent is forwarded to OnCompact whenever a summarize pass runs,
// so callers can emit a lifecycle stream frame.
type CompactionEvent struct {
	SessionID      string
	ItemsCompacted int
	SummaryVersion int
}

// SummarizeStrategy replaces history beyond Threshold items with a running
// LLM-generated summary once per compaction, persisting each summary via
// Persist and notifying OnCompact.
type SummarizeStrategy struct {
	Client    model.Client
	Model     string
	Threshold int
	Keep      int // most-recent items kept verbatim alongside the summary
	Persist   func(ctx context.Context, rec SummaryRecord) error
	OnCompact func(ev CompactionEvent)

	version int
}

func (s *SummarizeStrategy) Wrap(h Handle) Handle {
	return &summarizeHandle{Handle: h, strategy: s}
}

type summarizeHandle struct {
	Handle
	strategy *SummarizeStrategy
}

func (sh *summarizeHandle) GetItems(ctx context.Context) ([]agentmemory.Event, error) {
	items, err := sh.Handle.GetItems(ctx)
	if err != nil {
		return nil, err
	}
	s := sh.strategy
	if s.Threshold <= 0 || len(items) <= s.Threshold {
		return items, nil
	}

	keep := s.Keep
	if keep < 0 || keep > len(items) {
		keep = 0
	}
	toCompact := items[:len(items)-keep]
	recent := items[len(items)-keep:]

	summaryText, err := s.summarize(ctx, toCompact)
	if err != nil {
		// Degrade to returning the uncompacted window rather than failing
		// the turn over a summarization failure.
		return items, nil
	}

	s.version++
	sessionID := sh.sessionID()
	rec := SummaryRecord{SessionID: sessionID, SummaryText: summaryText, SummaryModel: s.Model, Version: s.version, LengthTokens: len(summaryText) / 4}
	if s.Persist != nil {
		_ = s.Persist(ctx, rec)
	}
	if s.OnCompact != nil {
		s.OnCompact(CompactionEvent{SessionID: sessionID, ItemsCompacted: len(toCompact), SummaryVersion: s.version})
	}

	summaryEvent := agentmemory.Event{
		Type:      agentmemory.EventAnnotation,
		Timestamp: time.Now().UTC(),
		Data:      summaryText,
		Labels:    map[string]string{"kind": "summary", "version": fmt.Sprintf("%d", s.version)},
	}
	return append([]agentmemory.Event{summaryEvent}, recent...), nil
}

func (sh *summarizeHandle) sessionID() string {
	if h, ok := sh.Handle.(storeHandle); ok {
		return h.sessionID
	}
	return ""
}

func (s *SummarizeStrategy) summarize(ctx context.Context, items []agentmemory.Event) (string, error) {
	var sb strings.Builder
	for _, it := range items {
		fmt.Fprintf(&sb, "[%s] %v\n", it.Type, it.Data)
	}
	req := &model.Request{
		Model:       s.Model,
		Temperature: 0,
		MaxTokens:   600,
		Messages: []*model.Message{
			{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: "Summarize the following conversation history concisely, preserving facts and decisions a future turn needs."}}},
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: sb.String()}}},
		},
	}
	resp, err := s.Client.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for _, m := range resp.Content {
		for _, p := range m.Parts {
			if t, ok := p.(model.TextPart); ok {
				out.WriteString(t.Text)
			}
		}
	}
	return out.String(), nil
}
