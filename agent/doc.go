// Package agent implements the turn engine: the bounded loop that sends a
// thread's history to the model, runs the tools it asks for, and feeds the
// results back until the model stops.
//
// # Turn lifecycle
//
// Each iteration of RunTurn:
//
//   - checks TurnRequest.Interrupted and stops early if it reports true
//   - sends the thread history, tool catalog and system prompt to the llm.Client
//   - walks the returned content blocks in order, reporting text through
//     OnAssistantMessage and running every tool_use synchronously through the
//     Executor, bracketed by OnToolCall and OnToolResult
//   - appends one assistant message and, when tools ran, one user message
//     holding the tool results tagged with the matching tool_use ids
//
// The loop continues only when at least one tool ran and the model's stop
// reason is tool_use. After Agent.MaxIterations rounds it stops without
// error and sets TurnResult.MaxIterationsReached.
//
// # Usage
//
//	a := agent.New(cfg, client, logger, metrics)
//	res, err := a.RunTurn(ctx, store, agent.TurnRequest{
//	    ThreadID: threadID,
//	    Input:    "fix the failing test",
//	    System:   agent.SystemPrompt(sandbox.Root(), sandbox.Definitions()),
//	    Tools:    sandbox,
//	}, agent.ProcessCallbacks{
//	    OnAssistantMessage: func(text string) { /* stream to the client */ },
//	})
//
// A model failure returns an *llm.APIError; the thread remains usable for the
// next turn. Tool failures never end a turn: they reach the model as
// {error, hint} payloads.
package agent
