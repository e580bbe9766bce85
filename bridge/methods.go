package bridge

import (
	"context"
	"encoding/json"

	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/rpc"
	"github.com/m4xw311/codexbridge/workspace"
	"go.uber.org/zap"
)

type method func(ctx context.Context, h *Hub, msg *rpc.Message) (any, error)

var methods = map[string]method{
	"workspace/add":           addWorkspace,
	"workspace/list":          listWorkspaces,
	"workspace/remove":        removeWorkspace,
	"workspace/connect":       connectWorkspace,
	"workspace/disconnect":    disconnectWorkspace,
	"workspace/switchBackend": switchBackend,
	"workspace/doctor":        doctor,
	"thread/start":            startThread,
	"thread/resume":           resumeThread,
	"thread/list":             listThreads,
	"thread/archive":          archiveThread,
	"turn/start":              startTurn,
	"turn/interrupt":          interruptTurn,
	"model/list":              listModels,
	"account/rateLimits":      rateLimits,
	"skills/list":             listSkills,
	"codex/respondToRequest":  respondToRequest,
}

func (h *Hub) handleMessage(c *client, data []byte) {
	msg, kind, err := rpc.Parse(data)
	if err != nil {
		h.reply(c, nil, nil, rpc.ParseError("Parse error"))
		return
	}
	switch kind {
	case rpc.KindRequest:
	case rpc.KindNotification:
		h.logger.Debug("ignoring client notification", zap.String("method", msg.Method))
		return
	default:
		h.reply(c, msg.ID, nil, rpc.InvalidRequest("Invalid request"))
		return
	}

	fn, ok := methods[msg.Method]
	if !ok {
		h.reply(c, msg.ID, nil, rpc.MethodNotFound(msg.Method))
		return
	}
	result, err := fn(h.ctx, h, msg)
	h.reply(c, msg.ID, result, err)
}

func toRPCError(err error) *rpc.Error {
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if errors.Is(err, workspace.ErrWorkspaceNotFound) {
		return rpc.InvalidParams("%v", err)
	}
	return rpc.InternalError("%v", err)
}

// decode reads params into v and requires a workspace id.
func decode(msg *rpc.Message, v interface{ workspaceID() string }) error {
	if err := msg.DecodeParams(v); err != nil {
		return err
	}
	if v.workspaceID() == "" {
		return rpc.InvalidParams("Missing workspaceId")
	}
	return nil
}

type workspaceParams struct {
	WorkspaceID string `json:"workspaceId"`
}

func (p *workspaceParams) workspaceID() string { return p.WorkspaceID }

type threadParams struct {
	workspaceParams
	ThreadID string `json:"threadId"`
}

func (p *threadParams) thread() (string, error) {
	if p.ThreadID == "" {
		return "", rpc.InvalidParams("Missing threadId")
	}
	return p.ThreadID, nil
}

func addWorkspace(_ context.Context, h *Hub, msg *rpc.Message) (any, error) {
	var e workspace.Entry
	if err := msg.DecodeParams(&e); err != nil {
		return nil, err
	}
	if e.Path == "" {
		return nil, rpc.InvalidParams("Missing path")
	}
	added, err := h.manager.Add(e)
	if err != nil {
		return nil, rpc.InvalidParams("%v", err)
	}
	return added, nil
}

func listWorkspaces(_ context.Context, h *Hub, _ *rpc.Message) (any, error) {
	return map[string]any{"workspaces": h.manager.List()}, nil
}

func removeWorkspace(_ context.Context, h *Hub, msg *rpc.Message) (any, error) {
	var p workspaceParams
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	if err := h.manager.Remove(p.WorkspaceID); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func connectWorkspace(ctx context.Context, h *Hub, msg *rpc.Message) (any, error) {
	var p workspaceParams
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	if err := h.manager.Connect(ctx, p.WorkspaceID); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func disconnectWorkspace(_ context.Context, h *Hub, msg *rpc.Message) (any, error) {
	var p workspaceParams
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	if _, err := h.manager.Get(p.WorkspaceID); err != nil {
		return nil, err
	}
	return map[string]bool{"disconnected": h.manager.Disconnect(p.WorkspaceID)}, nil
}

type switchParams struct {
	workspaceParams
	Backend workspace.Backend `json:"backend"`
}

func switchBackend(ctx context.Context, h *Hub, msg *rpc.Message) (any, error) {
	var p switchParams
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	if _, err := workspace.ParseBackend(string(p.Backend)); err != nil {
		return nil, rpc.InvalidParams("%v", err)
	}
	return h.manager.SwitchBackend(ctx, p.WorkspaceID, p.Backend)
}

type doctorParams struct {
	Backend    workspace.Backend `json:"backend"`
	Executable string            `json:"executable"`
}

func doctor(ctx context.Context, h *Hub, msg *rpc.Message) (any, error) {
	var p doctorParams
	if err := msg.DecodeParams(&p); err != nil {
		return nil, err
	}
	return h.manager.Doctor(ctx, p.Backend, p.Executable), nil
}

func startThread(ctx context.Context, h *Hub, msg *rpc.Message) (any, error) {
	var p workspaceParams
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	return h.manager.StartThread(ctx, p.WorkspaceID)
}

func resumeThread(ctx context.Context, h *Hub, msg *rpc.Message) (any, error) {
	var p threadParams
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	threadID, err := p.thread()
	if err != nil {
		return nil, err
	}
	return h.manager.ResumeThread(ctx, p.WorkspaceID, threadID)
}

type listParams struct {
	workspaceParams
	Cursor *string `json:"cursor"`
	Limit  *int    `json:"limit"`
}

func listThreads(ctx context.Context, h *Hub, msg *rpc.Message) (any, error) {
	var p listParams
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	return h.manager.ListThreads(ctx, p.WorkspaceID, p.Cursor, p.Limit)
}

func archiveThread(ctx context.Context, h *Hub, msg *rpc.Message) (any, error) {
	var p threadParams
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	threadID, err := p.thread()
	if err != nil {
		return nil, err
	}
	return h.manager.ArchiveThread(ctx, p.WorkspaceID, threadID)
}

type turnParams struct {
	workspaceParams
	workspace.UserMessage
}

func startTurn(ctx context.Context, h *Hub, msg *rpc.Message) (any, error) {
	var p turnParams
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	if p.ThreadID == "" {
		return nil, rpc.InvalidParams("Missing threadId")
	}
	return h.manager.SendUserMessage(ctx, p.WorkspaceID, p.UserMessage)
}

type interruptParams struct {
	threadParams
	TurnID string `json:"turnId"`
}

func interruptTurn(ctx context.Context, h *Hub, msg *rpc.Message) (any, error) {
	var p interruptParams
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	threadID, err := p.thread()
	if err != nil {
		return nil, err
	}
	return h.manager.InterruptTurn(ctx, p.WorkspaceID, threadID, p.TurnID)
}

func listModels(ctx context.Context, h *Hub, msg *rpc.Message) (any, error) {
	var p workspaceParams
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	return h.manager.ModelList(ctx, p.WorkspaceID)
}

func rateLimits(ctx context.Context, h *Hub, msg *rpc.Message) (any, error) {
	var p workspaceParams
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	return h.manager.RateLimits(ctx, p.WorkspaceID)
}

func listSkills(ctx context.Context, h *Hub, msg *rpc.Message) (any, error) {
	var p workspaceParams
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	return h.manager.SkillsList(ctx, p.WorkspaceID)
}

type respondParams struct {
	workspaceParams
	RequestID uint64          `json:"requestId"`
	Result    json.RawMessage `json:"result"`
}

func respondToRequest(_ context.Context, h *Hub, msg *rpc.Message) (any, error) {
	var p respondParams
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	if err := h.manager.RespondToServerRequest(p.WorkspaceID, p.RequestID, p.Result); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}
