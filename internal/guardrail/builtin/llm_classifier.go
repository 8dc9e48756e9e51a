// Package builtin provides the stock guardrail checks registered by default:
// url_filter (pure heuristic), custom_prompt/off_topic_prompts (LLM
// classifiers sharing one JSON-verdict response contract), and
// pii_detection_output (regex heuristic). The first three are ported from the
// original Python guardrail check implementations this platform's guardrail
// stage replaces; pii_detection_output is written for this package.
package builtin

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/orchestra-labs/agentcore/internal/guardrail"
	"github.com/orchestra-labs/agentcore/runtime/agent/model"
)

// classifierVerdict is the JSON object every LLM-classifier check prompt
// asks the model to emit.
type classifierVerdict struct {
	Flagged    bool    `json:"flagged"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// runClassifier sends systemPrompt+userContent to client and parses the
// classifier's JSON verdict out of the response text, tolerating responses
// wrapped in a ```json fenced block (the original checks' own parsing
// tolerance). A call/parse failure degrades to an untripped result rather
// than failing the stage — guardrail infra errors should not themselves
// block the turn.
func runClassifier(ctx context.Context, client model.Client, checkName, model_, systemPrompt, userContent string, threshold float64) (guardrail.CheckResult, error) {
	req := &model.Request{
		Model:       model_,
		Temperature: 0,
		MaxTokens:   500,
		Messages: []*model.Message{
			{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: systemPrompt}}},
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: userContent}}},
		},
	}
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return guardrail.CheckResult{
			TripwireTriggered: false,
			Info:              map[string]any{"guardrail_name": checkName, "flagged": false, "error": err.Error()},
		}, nil
	}

	text := responseText(resp)
	verdict := parseVerdict(text)
	flagged := verdict.Flagged && verdict.Confidence >= threshold

	return guardrail.CheckResult{
		TripwireTriggered: flagged,
		Confidence:        verdict.Confidence,
		TokenUsage:        resp.Usage.TotalTokens,
		Info: map[string]any{
			"guardrail_name": checkName,
			"flagged":        verdict.Flagged,
			"confidence":     verdict.Confidence,
			"threshold":      threshold,
			"reason":         verdict.Reason,
			"model":          model_,
		},
	}, nil
}

func responseText(resp *model.Response) string {
	var sb strings.Builder
	for _, m := range resp.Content {
		for _, p := range m.Parts {
			if t, ok := p.(model.TextPart); ok {
				sb.WriteString(t.Text)
			}
		}
	}
	return sb.String()
}

func parseVerdict(text string) classifierVerdict {
	jsonStr := extractJSONObject(text)
	var v classifierVerdict
	if jsonStr == "" {
		return v
	}
	if err := json.Unmarshal([]byte(jsonStr), &v); err != nil {
		return classifierVerdict{}
	}
	return v
}

// extractJSONObject mirrors the original checks' tolerant parsing: prefer a
// ```json fenced block, then any fenced block, then the first {...} span.
func extractJSONObject(text string) string {
	if start := strings.Index(text, "```json"); start >= 0 {
		start += len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			return strings.TrimSpace(text[start : start+end])
		}
	}
	if start := strings.Index(text, "```"); start >= 0 {
		start += len("```")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			return strings.TrimSpace(text[start : start+end])
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return ""
}

func configString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

func configFloat(cfg map[string]any, key string, def float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func historyText(history []string) string {
	return strings.Join(history, "\n")
}
