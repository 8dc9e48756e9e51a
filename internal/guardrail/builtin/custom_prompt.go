package builtin

import (
	"context"
	"fmt"

	"github.com/orchestra-labs/agentcore/internal/guardrail"
	"github.com/orchestra-labs/agentcore/runtime/agent/model"
)

const customPromptSystemPrompt = `You are a content analyzer that checks text against specific criteria.

Your task: %s

Analyze the provided text and determine if it violates the specified criteria.

Respond with JSON:
{
    "flagged": boolean (true if criteria violated),
    "confidence": number (0.0 to 1.0),
    "reason": string (explanation of decision)
}

Be precise and consistent in your analysis.`

// NewCustomPromptCheck returns the "custom_prompt" guardrail.CheckFunc: a
// flexible, operator-defined natural-language check run through client.
func NewCustomPromptCheck(client model.Client) guardrail.CheckFunc {
	return func(ctx context.Context, content string, config map[string]any, _ []string) (guardrail.CheckResult, error) {
		modelID := configString(config, "model", "")
		threshold := configFloat(config, "confidence_threshold", 0.7)
		instructions := configString(config, "system_prompt_details", "Check if the content violates any policies.")

		system := fmt.Sprintf(customPromptSystemPrompt, instructions)
		user := "Analyze this text:\n\n" + content
		res, err := runClassifier(ctx, client, "Custom Prompt Check", modelID, system, user, threshold)
		if err == nil {
			res.Info["custom_instructions"] = instructions
		}
		return res, err
	}
}
