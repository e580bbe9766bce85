package server

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/m4xw311/codexbridge/agent"
	"github.com/m4xw311/codexbridge/llm"
	"github.com/m4xw311/codexbridge/rpc"
	"github.com/m4xw311/codexbridge/session"
	"github.com/m4xw311/codexbridge/tools"
	"go.uber.org/zap"
)

const (
	statusInProgress  = "inProgress"
	statusCompleted   = "completed"
	statusInterrupted = "interrupted"
)

type activeTurn struct {
	id          string
	threadID    string
	interrupted atomic.Bool
}

func (s *Server) beginTurn(threadID string) (*activeTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.turns[threadID]; busy {
		return nil, rpc.TurnInProgress(threadID)
	}
	t := &activeTurn{id: uuid.NewString(), threadID: threadID}
	s.turns[threadID] = t
	return t, nil
}

func (s *Server) endTurn(t *activeTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turns[t.threadID] == t {
		delete(s.turns, t.threadID)
	}
}

// interruptTurn flags the thread's running turn, if any.
func (s *Server) interruptTurn(threadID string) bool {
	s.mu.Lock()
	t, ok := s.turns[threadID]
	s.mu.Unlock()
	if ok {
		t.interrupted.Store(true)
	}
	return ok
}

type turnView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type turnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []inputItem `json:"input"`
	Model    string      `json:"model"`
}

type turnStartedEvent struct {
	ThreadID string   `json:"threadId"`
	Turn     turnView `json:"turn"`
}

type turnCompletedEvent struct {
	ThreadID             string   `json:"threadId"`
	Turn                 turnView `json:"turn"`
	Iterations           int      `json:"iterations"`
	MaxIterationsReached bool     `json:"maxIterationsReached"`
}

func (s *Server) handleTurnStart(ctx context.Context, msg *rpc.Message) (any, error) {
	var p turnStartParams
	if err := msg.DecodeParams(&p); err != nil {
		return nil, err
	}
	if p.ThreadID == "" {
		return nil, rpc.InvalidParams("Missing threadId")
	}
	thread, err := s.store.Get(p.ThreadID)
	if err != nil {
		return nil, rpc.ThreadNotFound(p.ThreadID)
	}
	sb, err := s.sandboxFor(ctx, thread.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	text := userInput(sb, p.Input)
	if text == "" {
		return nil, rpc.InvalidParams("No text input provided")
	}
	turn, err := s.beginTurn(thread.ID)
	if err != nil {
		return nil, err
	}
	if p.Model != "" {
		if err := s.store.SetModel(thread.ID, p.Model); err != nil {
			s.endTurn(turn)
			return nil, rpc.ThreadNotFound(thread.ID)
		}
	}

	s.respond(msg.ID, map[string]any{"turn": map[string]any{
		"id":     turn.id,
		"items":  []any{},
		"status": statusInProgress,
	}})
	s.notify("turn/started", turnStartedEvent{
		ThreadID: thread.ID,
		Turn:     turnView{ID: turn.id, Status: statusInProgress},
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		res, err := s.runTurn(ctx, turn, sb, text)
		if err != nil {
			return
		}
		status := statusCompleted
		if res.Interrupted {
			status = statusInterrupted
		}
		s.notify("turn/completed", turnCompletedEvent{
			ThreadID:             thread.ID,
			Turn:                 turnView{ID: turn.id, Status: status},
			Iterations:           res.Iterations,
			MaxIterationsReached: res.MaxIterationsReached,
		})
	}()
	return deferredReply{}, nil
}

type sendMessageParams struct {
	ThreadID string `json:"threadId"`
	Message  struct {
		Content string `json:"content"`
	} `json:"message"`
}

type legacyTurnEvent struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

type legacyTurnCompletedEvent struct {
	ThreadID             string `json:"threadId"`
	TurnID               string `json:"turnId"`
	Iterations           int    `json:"iterations"`
	MaxIterationsReached bool   `json:"maxIterationsReached"`
	Interrupted          bool   `json:"interrupted"`
}

// handleSendMessage runs a whole turn before answering: the response is the
// last line written for the request.
func (s *Server) handleSendMessage(ctx context.Context, msg *rpc.Message) (any, error) {
	var p sendMessageParams
	if err := msg.DecodeParams(&p); err != nil {
		return nil, err
	}
	if p.ThreadID == "" {
		return nil, rpc.InvalidParams("Missing threadId")
	}
	if p.Message.Content == "" {
		return nil, rpc.InvalidParams("No text input provided")
	}
	thread, err := s.store.Get(p.ThreadID)
	if err != nil {
		return nil, rpc.ThreadNotFound(p.ThreadID)
	}
	sb, err := s.sandboxFor(ctx, thread.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	turn, err := s.beginTurn(thread.ID)
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.notify("codex/turnStarted", legacyTurnEvent{ThreadID: thread.ID, TurnID: turn.id})
		res, err := s.runTurn(ctx, turn, sb, p.Message.Content)
		if err != nil {
			s.respond(msg.ID, map[string]any{
				"success": false,
				"turnId":  turn.id,
				"error":   errorBody{Code: errorCode(err), Message: err.Error()},
			})
			return
		}
		s.notify("codex/turnCompleted", legacyTurnCompletedEvent{
			ThreadID:             thread.ID,
			TurnID:               turn.id,
			Iterations:           res.Iterations,
			MaxIterationsReached: res.MaxIterationsReached,
			Interrupted:          res.Interrupted,
		})
		s.respond(msg.ID, map[string]any{"success": true, "turnId": turn.id})
	}()
	return deferredReply{}, nil
}

type agentMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type agentMessageEvent struct {
	ThreadID string       `json:"threadId"`
	TurnID   string       `json:"turnId"`
	Message  agentMessage `json:"message"`
}

type toolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type toolCallEvent struct {
	ThreadID string   `json:"threadId"`
	TurnID   string   `json:"turnId"`
	ToolCall toolCall `json:"toolCall"`
}

type toolResult struct {
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	IsError bool            `json:"isError"`
}

type toolResultEvent struct {
	ThreadID   string     `json:"threadId"`
	TurnID     string     `json:"turnId"`
	ToolResult toolResult `json:"toolResult"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEvent struct {
	ThreadID string    `json:"threadId"`
	TurnID   string    `json:"turnId"`
	Error    errorBody `json:"error"`
}

// runTurn drives the agent and streams its progress as notifications. A
// failure is reported as codex/error and returned. The thread is free for
// the next turn before any terminal line is written.
func (s *Server) runTurn(ctx context.Context, turn *activeTurn, sb *tools.Sandbox, input string) (*agent.TurnResult, error) {
	logger := s.logger.With(zap.String("thread", turn.threadID), zap.String("turn", turn.id))
	logger.Info("turn started")

	cb := agent.ProcessCallbacks{
		OnAssistantMessage: func(text string) {
			s.notify("codex/agentMessage", agentMessageEvent{
				ThreadID: turn.threadID,
				TurnID:   turn.id,
				Message:  agentMessage{Type: "text", Content: text},
			})
		},
		OnToolCall: func(call session.ToolUse) {
			logger.Info("tool call", zap.String("tool", call.Name), zap.String("id", call.ID))
			s.notify("codex/toolCall", toolCallEvent{
				ThreadID: turn.threadID,
				TurnID:   turn.id,
				ToolCall: toolCall{ID: call.ID, Name: call.Name, Input: rawOrEmpty(call.Input)},
			})
		},
		OnToolResult: func(call session.ToolUse, result session.ToolResult) {
			s.notify("codex/toolResult", toolResultEvent{
				ThreadID:   turn.threadID,
				TurnID:     turn.id,
				ToolResult: toolResult{ID: result.ToolUseID, Result: json.RawMessage(result.Content), IsError: result.IsError},
			})
		},
	}

	res, err := s.agent.RunTurn(ctx, s.store, agent.TurnRequest{
		ThreadID:    turn.threadID,
		Input:       input,
		System:      agent.SystemPrompt(sb.Root(), sb.Definitions()),
		Tools:       sb,
		Interrupted: turn.interrupted.Load,
	}, cb)
	s.endTurn(turn)
	if err != nil {
		logger.Warn("turn failed", zap.Error(err))
		s.notify("codex/error", errorEvent{
			ThreadID: turn.threadID,
			TurnID:   turn.id,
			Error:    errorBody{Code: errorCode(err), Message: err.Error()},
		})
		return nil, err
	}
	logger.Info("turn finished",
		zap.Int("iterations", res.Iterations),
		zap.Int("tool_calls", res.ToolCalls),
		zap.Bool("max_iterations_reached", res.MaxIterationsReached),
		zap.Bool("interrupted", res.Interrupted))
	return res, nil
}

func errorCode(err error) string {
	return string(llm.KindOf(err))
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
