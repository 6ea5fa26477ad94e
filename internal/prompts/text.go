package prompts

import "fmt"

// Separator joins rendered sections.
const Separator = "\n\n---\n\n"

// DefaultMode is the mode header used when the caller supplies none.
const DefaultMode = "autonomous agent, one decision per step"

// ToolSelectionRule is appended after the tool list whenever tools are
// available.
const ToolSelectionRule = `Tool selection rule: only call a tool whose name appears in the list above, spelled exactly as shown. Supply every required parameter. If no listed tool helps, reason or finish instead of inventing a tool.`

// ActionSchema describes the decision format. It is the one section
// that always survives budget trimming.
const ActionSchema = `Respond with exactly one JSON object:
{"action": "tool", "tool": "<name>", "args": {...}}
{"action": "reason", "reasoning": "<private thought>"}
{"action": "finish", "final": "<answer for the user>"}
{"action": "error", "message": "<why you cannot continue>"}`

// DecisionSystemPrompt frames a chat-model decision call.
const DecisionSystemPrompt = `You are the decision step of an autonomous agent. You are given the current goal, the run's memory, and the tools you may use. Choose the single next action. Do not narrate; reply only with the JSON object described in the action schema.`

// WhyToolCall is the reasoning step recorded before a tool dispatch.
func WhyToolCall(tool, reasoning string) string {
	if reasoning != "" {
		return fmt.Sprintf("Calling %s: %s", tool, reasoning)
	}
	return fmt.Sprintf("Calling %s to make progress on the goal.", tool)
}

// ForcedFinishText is the default final text after a forced tool call.
func ForcedFinishText(tool string) string {
	return fmt.Sprintf("Finished after %s.", tool)
}

// MaxStepsText is the final text when the step budget is exhausted.
func MaxStepsText(maxSteps int) string {
	return fmt.Sprintf("Reached maximum steps (%d).", maxSteps)
}

// CanceledText is the final text of a canceled run.
const CanceledText = "Canceled by user"

// DisabledToolText explains why a call to a tool family disabled for
// the run was refused.
func DisabledToolText(tool string) string {
	return fmt.Sprintf("Refused to call %s: this tool family is disabled for this run.", tool)
}

// RestrictedToolText explains why a forced call to a restricted tool
// family was refused.
func RestrictedToolText(tool string) string {
	return fmt.Sprintf("Refused to call %s: tools in this family are restricted and not enabled for this run.", tool)
}
