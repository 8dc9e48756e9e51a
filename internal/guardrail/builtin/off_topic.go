package builtin

import (
	"context"
	"fmt"

	"github.com/orchestra-labs/agentcore/internal/guardrail"
	"github.com/orchestra-labs/agentcore/runtime/agent/model"
)

const offTopicSystemPrompt = `You are a classifier that determines if a user message stays within the defined business scope.

Scope description:
%s

Respond in JSON:
{
  "flagged": boolean (true if the message is off-topic),
  "confidence": number (0.0-1.0),
  "reason": string
}

Base the decision solely on whether the message fits the described scope.`

// NewOffTopicPromptsCheck returns the "off_topic_prompts" guardrail.CheckFunc:
// an LLM classifier that flags messages outside a configured business scope.
func NewOffTopicPromptsCheck(client model.Client) guardrail.CheckFunc {
	return func(ctx context.Context, content string, config map[string]any, history []string) (guardrail.CheckResult, error) {
		modelID := configString(config, "model", "")
		threshold := configFloat(config, "confidence_threshold", 0.7)
		scope := configString(config, "system_prompt_details", "Customer support for our e-commerce platform.")

		system := fmt.Sprintf(offTopicSystemPrompt, scope)
		user := content
		if len(history) > 0 {
			user = "Conversation so far:\n" + historyText(history) + "\n\nLatest message:\n" + content
		}
		res, err := runClassifier(ctx, client, "Off Topic Prompts", modelID, system, user, threshold)
		if err == nil {
			res.Info["scope"] = scope
		}
		return res, err
	}
}
