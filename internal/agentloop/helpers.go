package agentloop

import (
	"encoding/json"

	"github.com/haasonsaas/sandboxagent/internal/sessions"
)

func sessionsMessageUser(content string) sessions.Message {
	return sessions.Message{Role: "user", Content: content}
}

func sessionsMessageAssistant(content string) sessions.Message {
	return sessions.Message{Role: "assistant", Content: content}
}

func sessionsMessageAssistantWithTools(content string, calls []ToolCallRecord) sessions.Message {
	return sessions.Message{Role: "assistant", Content: content, ToolCalls: toToolCallRefs(calls)}
}

func sessionsMessageTool(content, toolCallID string) sessions.Message {
	return sessions.Message{Role: "tool", Content: content, ToolCallID: toolCallID}
}

// toolCallRequests re-serializes parsed tool call records back into the
// provider-facing shape, for appending the assistant's own tool-call
// message to the running conversation sent on the next iteration.
func toolCallRequests(calls []ToolCallRecord) []ToolCallRequest {
	out := make([]ToolCallRequest, len(calls))
	for i, c := range calls {
		raw, err := json.Marshal(c.Args)
		if err != nil {
			raw = []byte("{}")
		}
		out[i] = ToolCallRequest{ID: c.ID, Name: c.Name, RawArguments: string(raw)}
	}
	return out
}
