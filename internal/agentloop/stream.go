package agentloop

import (
	"context"
)

// ChatStream processes one user message the same way Chat does, but emits
// an ordered stream of Events instead of returning a single AgentResponse.
// The channel is closed after exactly one of a "done" or "error" event.
//
// Ordering guarantee: within one iteration, every "token" event precedes
// any "tool_call" event, which precedes its corresponding "tool_result";
// the final "done" follows every per-iteration event.
func (l *AgenticLoop) ChatStream(ctx context.Context, sessionID, userMessage string) (<-chan Event, error) {
	events := make(chan Event, 16)

	session, unlock := l.sessions.LockForTurn(sessionID)

	go func() {
		defer close(events)
		defer unlock()

		session.AddMessage(sessionsMessageUser(userMessage))
		messages := l.initialMessages(session)

		var totalToolCalls int
		var iterations int

		events <- Event{Type: EventStatus, Stage: "thinking", Message: "Analyzing your request..."}

		for iteration := 0; iteration < l.maxIterations; iteration++ {
			iterations = iteration + 1
			events <- Event{Type: EventStatus, Stage: "llm_call", Message: "Calling LLM", Iteration: iterations}

			deltas, err := l.provider.GenerateStream(ctx, messages, l.registry.ToLLMSchema())
			if err != nil {
				events <- Event{Type: EventError, Message: err.Error(), ErrKind: "provider_error"}
				return
			}

			var content string
			var toolCalls []ToolCallRecord
			streamErr := error(nil)

			for delta := range deltas {
				if delta.Err != nil {
					streamErr = delta.Err
					break
				}
				if delta.Content != "" {
					content += delta.Content
					events <- Event{Type: EventToken, Content: delta.Content}
				}
				if delta.ToolCall != nil {
					rec := ToolCallRecord{ID: delta.ToolCall.ID, Name: delta.ToolCall.Name, Args: parseArguments(delta.ToolCall.RawArguments)}
					toolCalls = append(toolCalls, rec)
					totalToolCalls++
					events <- Event{Type: EventToolCall, ToolCallID: rec.ID, ToolName: rec.Name, Arguments: rec.Args}
				}
				if delta.Done {
					break
				}
			}
			if streamErr != nil {
				events <- Event{Type: EventError, Message: streamErr.Error(), ErrKind: "provider_error"}
				return
			}

			if len(toolCalls) == 0 {
				session.AddMessage(sessionsMessageAssistant(content))
				events <- Event{Type: EventDone, Message: content, ToolCallsCount: totalToolCalls, Iterations: iterations}
				return
			}

			session.AddMessage(sessionsMessageAssistantWithTools(content, toolCalls))
			messages = append(messages, Message{Role: "assistant", Content: content, ToolCalls: toolCallRequests(toolCalls)})

			events <- Event{Type: EventStatus, Stage: "executing_tools", Message: "Executing tools"}

			pairs := l.executeCalls(ctx, toolCalls)
			for _, pair := range pairs {
				output := pair.Result.Stdout
				if !pair.Result.Success {
					output = "Error: " + pair.Result.Stderr
				}
				events <- Event{
					Type:       EventToolResult,
					ToolCallID: pair.Call.ID,
					ToolName:   pair.Call.Name,
					Success:    pair.Result.Success,
					Output:     truncateForStream(output),
				}
				session.AddMessage(sessionsMessageTool(output, pair.Call.ID))
				messages = append(messages, Message{Role: "tool", Content: output, ToolCallID: pair.Call.ID})
			}
		}

		l.logger.Warn("max tool iterations reached", "session", sessionID, "iterations", l.maxIterations)
		events <- Event{Type: EventStatus, Stage: "max_iterations", Message: "Maximum iterations reached"}
		session.AddMessage(sessionsMessageAssistant(maxIterationsMessage))
		events <- Event{Type: EventDone, Message: maxIterationsMessage, ToolCallsCount: totalToolCalls, Iterations: iterations}
	}()

	return events, nil
}
