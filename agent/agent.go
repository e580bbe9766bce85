package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/m4xw311/codexbridge/config"
	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/llm"
	"github.com/m4xw311/codexbridge/logging"
	"github.com/m4xw311/codexbridge/observability"
	"github.com/m4xw311/codexbridge/session"
	"github.com/m4xw311/codexbridge/tools"
	"go.uber.org/zap"
)

// Turn outcomes, used as the metrics label.
const (
	OutcomeCompleted     = "completed"
	OutcomeInterrupted   = "interrupted"
	OutcomeMaxIterations = "max_iterations"
	OutcomeError         = "error"
)

// Executor runs tools for the engine. *tools.Sandbox satisfies it.
type Executor interface {
	Definitions() []tools.Definition
	Execute(ctx context.Context, name string, input json.RawMessage) tools.Result
}

// ProcessCallbacks lets the caller observe a turn as it runs. Every field is
// optional.
type ProcessCallbacks struct {
	OnAssistantMessage func(text string)
	OnToolCall         func(call session.ToolUse)
	OnToolResult       func(call session.ToolUse, result session.ToolResult)
	OnWarning          func(warning string)
}

type Agent struct {
	Client         llm.Client
	MaxIterations  int
	MaxTokens      int64
	RequestTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *observability.Metrics
}

// New builds an agent from configuration.
func New(cfg *config.Config, client llm.Client, logger *zap.Logger, metrics *observability.Metrics) *Agent {
	return &Agent{
		Client:         client,
		MaxIterations:  cfg.MaxIterations,
		MaxTokens:      cfg.MaxTokens,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logging.OrNop(logger),
		Metrics:        metrics,
	}
}

// TurnRequest describes one turn against a stored thread.
type TurnRequest struct {
	ThreadID string
	// Input is appended to the thread as a user message before the first
	// model call. Empty means the history already ends with the user turn.
	Input string
	// Model overrides the thread's model for this turn.
	Model  string
	System string
	Tools  Executor
	// Interrupted is polled before every model call.
	Interrupted func() bool
}

type TurnResult struct {
	Iterations           int
	StopReason           string
	MaxIterationsReached bool
	Interrupted          bool
	ToolCalls            int
	Usage                llm.Usage
}

// RunTurn drives model calls and tool executions until the model stops
// asking for tools, the turn is interrupted, or MaxIterations is reached.
// Reaching the cap is a normal completion flagged by MaxIterationsReached.
// A model failure ends the turn with the classified error; the thread keeps
// every message appended so far and stays usable.
func (a *Agent) RunTurn(ctx context.Context, store *session.Store, req TurnRequest, cb ProcessCallbacks) (res *TurnResult, err error) {
	logger := logging.OrNop(a.Logger).With(zap.String("thread", req.ThreadID))
	thread, err := store.Get(req.ThreadID)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = thread.Model
	}
	maxIterations := a.MaxIterations
	if maxIterations <= 0 {
		maxIterations = config.DefaultMaxIterations
	}
	maxTokens := a.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}

	if req.Input != "" {
		if err := store.Append(req.ThreadID, session.UserText(req.Input)); err != nil {
			return nil, err
		}
	}

	res = &TurnResult{}
	a.Metrics.TurnStarted()
	defer func() {
		a.Metrics.TurnFinished(outcome(res, err), res.Iterations)
	}()

	var defs []tools.Definition
	if req.Tools != nil {
		defs = req.Tools.Definitions()
	}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if req.Interrupted != nil && req.Interrupted() {
			logger.Info("turn interrupted", zap.Int("iteration", iteration))
			res.Interrupted = true
			return res, nil
		}

		history, err := store.Messages(req.ThreadID)
		if err != nil {
			return res, err
		}

		res.Iterations = iteration
		resp, err := a.send(ctx, llm.Request{
			Model:     model,
			Messages:  history,
			Tools:     defs,
			System:    req.System,
			MaxTokens: maxTokens,
		})
		if err != nil {
			kind := llm.KindOf(err)
			a.Metrics.RecordModelError(string(kind))
			logger.Warn("model call failed", zap.Int("iteration", iteration), zap.String("kind", string(kind)), zap.Error(err))
			return res, err
		}
		res.StopReason = resp.StopReason
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens

		// Blocks are handled strictly in order so every tool_use gets its
		// result before the next model call.
		var assistant, results session.Blocks
		for _, block := range resp.Content {
			switch b := block.(type) {
			case session.Text:
				assistant = append(assistant, b)
				if cb.OnAssistantMessage != nil {
					cb.OnAssistantMessage(b.Text)
				}
			case session.ToolUse:
				assistant = append(assistant, b)
				results = append(results, a.runTool(ctx, req.Tools, b, cb))
				res.ToolCalls++
			case session.ToolResult:
				warn(cb, logger, fmt.Sprintf("ignoring tool_result block %s in model output", b.ToolUseID))
			}
		}

		var batch []session.Message
		if len(assistant) > 0 {
			batch = append(batch, session.Message{Role: session.RoleAssistant, Content: assistant})
		}
		if len(results) > 0 {
			batch = append(batch, session.Message{Role: session.RoleUser, Content: results})
		}
		if len(batch) > 0 {
			if err := store.Append(req.ThreadID, batch...); err != nil {
				return res, err
			}
		}

		if len(results) == 0 || resp.StopReason != llm.StopToolUse {
			logger.Debug("turn finished", zap.Int("iterations", iteration), zap.String("stop_reason", resp.StopReason))
			return res, nil
		}
	}

	res.MaxIterationsReached = true
	warn(cb, logger, fmt.Sprintf("reached the maximum of %d iterations", maxIterations))
	return res, nil
}

func (a *Agent) send(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if a.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.RequestTimeout)
		defer cancel()
	}
	if a.Client == nil {
		return nil, &llm.APIError{Kind: llm.KindAPI, Message: "no model client configured"}
	}
	resp, err := a.Client.Send(ctx, req)
	if err != nil {
		var apiErr *llm.APIError
		if errors.As(err, &apiErr) {
			return nil, err
		}
		return nil, &llm.APIError{Kind: llm.KindAPI, Message: err.Error(), Err: err}
	}
	return resp, nil
}

func (a *Agent) runTool(ctx context.Context, exec Executor, call session.ToolUse, cb ProcessCallbacks) session.ToolResult {
	if cb.OnToolCall != nil {
		cb.OnToolCall(call)
	}

	var result tools.Result
	if exec == nil {
		result = tools.Result{"error": fmt.Sprintf("Unknown tool: %s", call.Name)}
	} else {
		result = exec.Execute(ctx, call.Name, call.Input)
	}
	a.Metrics.RecordToolCall(call.Name, result.IsError())

	content, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		content = []byte(fmt.Sprintf(`{"error": %q}`, err.Error()))
	}
	tr := session.ToolResult{ToolUseID: call.ID, Content: string(content), IsError: result.IsError()}
	if cb.OnToolResult != nil {
		cb.OnToolResult(call, tr)
	}
	return tr
}

func warn(cb ProcessCallbacks, logger *zap.Logger, msg string) {
	logger.Warn(msg)
	if cb.OnWarning != nil {
		cb.OnWarning(msg)
	}
}

func outcome(res *TurnResult, err error) string {
	switch {
	case err != nil:
		return OutcomeError
	case res.Interrupted:
		return OutcomeInterrupted
	case res.MaxIterationsReached:
		return OutcomeMaxIterations
	default:
		return OutcomeCompleted
	}
}
