package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/rpc"
	"github.com/m4xw311/codexbridge/session"
	"go.uber.org/zap"
)

const defaultThreadName = "New Thread"

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type capabilities struct {
	Tools     bool `json:"tools"`
	Streaming bool `json:"streaming"`
	Skills    bool `json:"skills"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    capabilities `json:"capabilities"`
	ServerInfo      serverInfo   `json:"serverInfo"`
}

func (s *Server) handleInitialize(ctx context.Context, msg *rpc.Message) (any, error) {
	return initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    capabilities{Tools: true, Streaming: true},
		ServerInfo:      serverInfo{Name: ServerName, Version: s.version},
	}, nil
}

type reasoningEffort struct {
	ReasoningEffort string `json:"reasoningEffort"`
	Description     string `json:"description"`
}

type modelInfo struct {
	ID                        string            `json:"id"`
	Model                     string            `json:"model"`
	DisplayName               string            `json:"displayName"`
	Description               string            `json:"description"`
	SupportedReasoningEfforts []reasoningEffort `json:"supportedReasoningEfforts"`
	DefaultReasoningEffort    string            `json:"defaultReasoningEffort"`
	IsDefault                 bool              `json:"isDefault"`
}

func (s *Server) handleModelList(ctx context.Context, msg *rpc.Message) (any, error) {
	models := make([]modelInfo, 0, len(s.cfg.Models))
	for _, m := range s.cfg.Models {
		models = append(models, modelInfo{
			ID:                        m.ID,
			Model:                     m.ID,
			DisplayName:               m.DisplayName,
			Description:               m.Description,
			SupportedReasoningEfforts: []reasoningEffort{{ReasoningEffort: "default", Description: "Standard reasoning"}},
			DefaultReasoningEffort:    "default",
			IsDefault:                 m.IsDefault,
		})
	}
	return map[string]any{"data": models}, nil
}

func (s *Server) handleSkillsList(ctx context.Context, msg *rpc.Message) (any, error) {
	return map[string]any{"skills": []any{}}, nil
}

type threadSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Cwd       string `json:"cwd"`
	CreatedAt int64  `json:"createdAt"`
	Source    string `json:"source"`
	Model     string `json:"model"`
}

func (s *Server) handleThreadList(ctx context.Context, msg *rpc.Message) (any, error) {
	threads := s.store.List()
	list := make([]threadSummary, 0, len(threads))
	for _, t := range threads {
		list = append(list, threadSummary{
			ID:        t.ID,
			Name:      t.Name,
			Cwd:       t.WorkspaceRoot,
			CreatedAt: t.CreatedAt.UnixMilli(),
			Source:    "app",
			Model:     t.Model,
		})
	}
	return map[string]any{"threads": list}, nil
}

type threadStartParams struct {
	Name  string `json:"name"`
	Model string `json:"model"`
	Cwd   string `json:"cwd"`
}

type threadView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Model     string `json:"model"`
	Cwd       string `json:"cwd"`
	CreatedAt string `json:"createdAt"`
}

func (s *Server) handleThreadStart(ctx context.Context, msg *rpc.Message) (any, error) {
	var p threadStartParams
	if err := msg.DecodeParams(&p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		p.Name = defaultThreadName
	}
	if p.Model == "" {
		p.Model = s.cfg.DefaultModelID()
	}

	root := s.workspace
	if p.Cwd != "" {
		root = p.Cwd
		if !filepath.IsAbs(root) {
			root = filepath.Join(s.workspace, root)
		}
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, rpc.InvalidParams("cwd is not a directory: %s", root)
	}
	sb, err := s.sandboxFor(ctx, root)
	if err != nil {
		return nil, errors.Wrapf(err, "could not prepare workspace %s", root)
	}

	t := s.store.Create(p.Name, p.Model, sb.Root())
	s.logger.Info("thread started", zap.String("thread", t.ID), zap.String("model", t.Model), zap.String("cwd", t.WorkspaceRoot))
	return map[string]any{"thread": threadView{
		ID:        t.ID,
		Name:      t.Name,
		Model:     t.Model,
		Cwd:       t.WorkspaceRoot,
		CreatedAt: t.CreatedAt.Format(time.RFC3339),
	}}, nil
}

type threadParams struct {
	ThreadID string `json:"threadId"`
}

func decodeThreadParams(msg *rpc.Message) (threadParams, error) {
	var p threadParams
	if err := msg.DecodeParams(&p); err != nil {
		return p, err
	}
	if p.ThreadID == "" {
		return p, rpc.InvalidParams("Missing threadId")
	}
	return p, nil
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type historyItem struct {
	ID      string       `json:"id"`
	Type    string       `json:"type"`
	Role    session.Role `json:"role"`
	Content []textPart   `json:"content"`
}

func (s *Server) handleThreadResume(ctx context.Context, msg *rpc.Message) (any, error) {
	p, err := decodeThreadParams(msg)
	if err != nil {
		return nil, err
	}
	history, err := s.store.Messages(p.ThreadID)
	if err != nil {
		return nil, rpc.ThreadNotFound(p.ThreadID)
	}
	items := make([]historyItem, 0, len(history))
	for i, m := range history {
		items = append(items, historyItem{
			ID:      fmt.Sprintf("%s-%d", p.ThreadID, i),
			Type:    "message",
			Role:    m.Role,
			Content: []textPart{{Type: "text", Text: m.Content.TextContent()}},
		})
	}
	return map[string]any{"threadId": p.ThreadID, "items": items}, nil
}

func (s *Server) handleThreadArchive(ctx context.Context, msg *rpc.Message) (any, error) {
	p, err := decodeThreadParams(msg)
	if err != nil {
		return nil, err
	}
	if err := s.store.Archive(p.ThreadID); err != nil {
		return nil, rpc.ThreadNotFound(p.ThreadID)
	}
	s.logger.Info("thread archived", zap.String("thread", p.ThreadID))
	return map[string]any{"success": true}, nil
}

func (s *Server) handleInterrupt(ctx context.Context, msg *rpc.Message) (any, error) {
	p, err := decodeThreadParams(msg)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Get(p.ThreadID); err != nil {
		return nil, rpc.ThreadNotFound(p.ThreadID)
	}
	interrupted := s.interruptTurn(p.ThreadID)
	s.logger.Info("interrupt requested", zap.String("thread", p.ThreadID), zap.Bool("active", interrupted))
	return map[string]any{"success": true, "interrupted": interrupted}, nil
}

func (s *Server) handleRespondToRequest(ctx context.Context, msg *rpc.Message) (any, error) {
	s.logger.Debug("client response to server request", zap.ByteString("params", msg.Params))
	return map[string]any{"success": true}, nil
}

func (s *Server) handleRateLimits(ctx context.Context, msg *rpc.Message) (any, error) {
	return map[string]any{
		"primary":   nil,
		"secondary": nil,
		"credits": map[string]any{
			"hasCredits": true,
			"unlimited":  false,
			"balance":    nil,
		},
		"planType": "api",
	}, nil
}
