package workspace

import (
	"context"
	"encoding/json"

	"github.com/m4xw311/codexbridge/rpc"
)

// Access modes accepted by SendUserMessage.
const (
	AccessFullAccess = "full-access"
	AccessReadOnly   = "read-only"
	AccessCurrent    = "current"
)

func (m *Manager) forward(ctx context.Context, id, method string, params func(Entry) any) (json.RawMessage, error) {
	conn, e, err := m.session(id)
	if err != nil {
		return nil, err
	}
	var p any
	if params != nil {
		p = params(e)
	}
	return conn.SendRequest(ctx, method, p)
}

func (m *Manager) StartThread(ctx context.Context, id string) (json.RawMessage, error) {
	return m.forward(ctx, id, "thread/start", func(e Entry) any {
		return map[string]any{"cwd": e.Path, "approvalPolicy": "on-request"}
	})
}

func (m *Manager) ResumeThread(ctx context.Context, id, threadID string) (json.RawMessage, error) {
	return m.forward(ctx, id, "thread/resume", func(Entry) any {
		return map[string]any{"threadId": threadID}
	})
}

// ListThreads forwards thread/list. Nil cursor and limit are sent as null.
func (m *Manager) ListThreads(ctx context.Context, id string, cursor *string, limit *int) (json.RawMessage, error) {
	return m.forward(ctx, id, "thread/list", func(Entry) any {
		return map[string]any{"cursor": cursor, "limit": limit}
	})
}

func (m *Manager) ArchiveThread(ctx context.Context, id, threadID string) (json.RawMessage, error) {
	return m.forward(ctx, id, "thread/archive", func(Entry) any {
		return map[string]any{"threadId": threadID}
	})
}

type UserMessage struct {
	ThreadID   string `json:"threadId"`
	Text       string `json:"text"`
	Model      string `json:"model,omitempty"`
	Effort     string `json:"effort,omitempty"`
	AccessMode string `json:"accessMode,omitempty"`
}

// SendUserMessage starts a turn. The sandbox and approval policies sent to
// the server follow the access mode; anything other than full-access or
// read-only limits writes to the workspace.
func (m *Manager) SendUserMessage(ctx context.Context, id string, msg UserMessage) (json.RawMessage, error) {
	return m.forward(ctx, id, "turn/start", func(e Entry) any {
		params := map[string]any{
			"threadId":       msg.ThreadID,
			"input":          []map[string]string{{"type": "text", "text": msg.Text}},
			"cwd":            e.Path,
			"approvalPolicy": approvalPolicy(msg.AccessMode),
			"sandboxPolicy":  sandboxPolicy(msg.AccessMode, e.Path),
		}
		if msg.Model != "" {
			params["model"] = msg.Model
		}
		if msg.Effort != "" {
			params["effort"] = msg.Effort
		}
		return params
	})
}

func approvalPolicy(mode string) string {
	if mode == AccessFullAccess {
		return "never"
	}
	return "on-request"
}

func sandboxPolicy(mode, root string) map[string]any {
	switch mode {
	case AccessFullAccess:
		return map[string]any{"type": "dangerFullAccess"}
	case AccessReadOnly:
		return map[string]any{"type": "readOnly"}
	default:
		return map[string]any{
			"type":          "workspaceWrite",
			"writableRoots": []string{root},
			"networkAccess": true,
		}
	}
}

func (m *Manager) InterruptTurn(ctx context.Context, id, threadID, turnID string) (json.RawMessage, error) {
	return m.forward(ctx, id, "turn/interrupt", func(Entry) any {
		return map[string]any{"threadId": threadID, "turnId": turnID}
	})
}

func (m *Manager) ModelList(ctx context.Context, id string) (json.RawMessage, error) {
	return m.forward(ctx, id, "model/list", func(Entry) any { return map[string]any{} })
}

func (m *Manager) RateLimits(ctx context.Context, id string) (json.RawMessage, error) {
	return m.forward(ctx, id, "account/rateLimits/read", nil)
}

func (m *Manager) SkillsList(ctx context.Context, id string) (json.RawMessage, error) {
	return m.forward(ctx, id, "skills/list", func(e Entry) any {
		return map[string]any{"cwd": e.Path}
	})
}

// RespondToServerRequest answers a request the app-server sent to the
// client, such as an approval prompt.
func (m *Manager) RespondToServerRequest(id string, requestID uint64, result any) error {
	conn, _, err := m.session(id)
	if err != nil {
		return err
	}
	return conn.SendResponse(rpc.IDFromUint(requestID), result)
}
