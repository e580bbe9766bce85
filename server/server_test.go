package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/codexbridge/agent"
	"github.com/m4xw311/codexbridge/config"
	"github.com/m4xw311/codexbridge/llm"
	"github.com/m4xw311/codexbridge/rpc"
	"github.com/m4xw311/codexbridge/session"
	"github.com/m4xw311/codexbridge/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type line map[string]any

func (l line) method() string {
	m, _ := l["method"].(string)
	return m
}

func (l line) params() map[string]any {
	p, _ := l["params"].(map[string]any)
	return p
}

func (l line) result() map[string]any {
	r, _ := l["result"].(map[string]any)
	return r
}

func (l line) errorCode() int {
	e, ok := l["error"].(map[string]any)
	if !ok {
		return 0
	}
	code, _ := e["code"].(float64)
	return int(code)
}

type harness struct {
	t         *testing.T
	in        *io.PipeWriter
	lines     chan line
	done      chan error
	workspace string
	nextID    int
}

func startServer(t *testing.T, client llm.Client) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.LLMClient = "mock"
	cfg.MaxIterations = 5
	workspace := t.TempDir()

	srv, err := New(Options{
		Config:    cfg,
		Workspace: workspace,
		Agent:     agent.New(cfg, client, nil, nil),
		Version:   "test",
	})
	require.NoError(t, err)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := &harness{t: t, in: inW, lines: make(chan line, 64), done: make(chan error, 1), workspace: workspace}

	go func() {
		h.done <- srv.Serve(context.Background(), inR, outW)
		outW.Close()
	}()
	go func() {
		defer close(h.lines)
		scanner := bufio.NewScanner(outR)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		for scanner.Scan() {
			var l line
			if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
				t.Errorf("server wrote invalid JSON %q: %v", scanner.Text(), err)
				continue
			}
			h.lines <- l
		}
	}()
	t.Cleanup(func() {
		inW.Close()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return h
}

func (h *harness) write(raw string) {
	h.t.Helper()
	_, err := io.WriteString(h.in, raw+"\n")
	require.NoError(h.t, err)
}

func (h *harness) call(method string, params any) float64 {
	h.t.Helper()
	h.nextID++
	msg := map[string]any{"jsonrpc": "2.0", "id": h.nextID, "method": method}
	if params != nil {
		msg["params"] = params
	}
	data, err := json.Marshal(msg)
	require.NoError(h.t, err)
	h.write(string(data))
	return float64(h.nextID)
}

func (h *harness) next() line {
	h.t.Helper()
	select {
	case l, ok := <-h.lines:
		require.True(h.t, ok, "output closed")
		return l
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for server output")
		return nil
	}
}

// until collects lines up to and including the first notification with the
// given method.
func (h *harness) until(method string) []line {
	h.t.Helper()
	var got []line
	for {
		l := h.next()
		got = append(got, l)
		if l.method() == method {
			return got
		}
	}
}

func (h *harness) response(id float64) line {
	h.t.Helper()
	l := h.next()
	require.Equal(h.t, id, l["id"], "unexpected line %v", l)
	return l
}

func (h *harness) startThread() string {
	h.t.Helper()
	id := h.call("thread/start", map[string]any{"name": "T"})
	res := h.response(id).result()
	thread := res["thread"].(map[string]any)
	return thread["id"].(string)
}

func countMethod(lines []line, method string) int {
	n := 0
	for _, l := range lines {
		if l.method() == method {
			n++
		}
	}
	return n
}

func TestInitializeStartAndList(t *testing.T) {
	h := startServer(t, &llm.ScriptedClient{})

	id := h.call("initialize", map[string]any{"clientInfo": map[string]any{"name": "test"}})
	res := h.response(id).result()
	assert.Equal(t, ProtocolVersion, res["protocolVersion"])
	assert.Equal(t, ServerName, res["serverInfo"].(map[string]any)["name"])

	h.write(`{"jsonrpc":"2.0","method":"initialized"}`)

	threadID := h.startThread()

	id = h.call("thread/list", nil)
	threads := h.response(id).result()["threads"].([]any)
	require.Len(t, threads, 1)
	thread := threads[0].(map[string]any)
	assert.Equal(t, threadID, thread["id"])
	assert.Equal(t, "T", thread["name"])
	assert.Equal(t, "app", thread["source"])
	assert.Equal(t, config.DefaultModel, thread["model"])
}

func TestTextOnlyTurn(t *testing.T) {
	client := &llm.ScriptedClient{Responses: []*llm.Response{
		{Content: session.Blocks{session.Text{Text: "hello"}}, StopReason: llm.StopEndTurn},
	}}
	h := startServer(t, client)
	threadID := h.startThread()

	id := h.call("turn/start", map[string]any{
		"threadId": threadID,
		"input":    []any{map[string]any{"type": "text", "text": "hi"}},
	})
	resp := h.response(id)
	turn := resp.result()["turn"].(map[string]any)
	assert.Equal(t, "inProgress", turn["status"])
	assert.Equal(t, []any{}, turn["items"])

	lines := h.until("turn/completed")
	assert.Equal(t, "turn/started", lines[0].method())
	assert.Equal(t, 1, countMethod(lines, "codex/agentMessage"))
	assert.Equal(t, 1, countMethod(lines, "turn/completed"))
	assert.Zero(t, countMethod(lines, "codex/toolCall"))

	for _, l := range lines {
		if l.method() == "codex/agentMessage" {
			msg := l.params()["message"].(map[string]any)
			assert.Equal(t, "hello", msg["content"])
			assert.Equal(t, turn["id"], l.params()["turnId"])
		}
	}
	completed := lines[len(lines)-1].params()
	assert.Equal(t, threadID, completed["threadId"])
	assert.Equal(t, "completed", completed["turn"].(map[string]any)["status"])
	assert.Equal(t, false, completed["maxIterationsReached"])

	require.Len(t, client.Requests(), 1)
	assert.Equal(t, "hi", client.Requests()[0].Messages[0].Content.TextContent())
}

func TestTurnRunsTools(t *testing.T) {
	client := &llm.ScriptedClient{Responses: []*llm.Response{
		{
			Content: session.Blocks{session.ToolUse{
				ID:    "toolu_1",
				Name:  "write_file",
				Input: json.RawMessage(`{"path":"notes/out.txt","content":"written"}`),
			}},
			StopReason: llm.StopToolUse,
		},
		{Content: session.Blocks{session.Text{Text: "done"}}, StopReason: llm.StopEndTurn},
	}}
	h := startServer(t, client)
	threadID := h.startThread()

	id := h.call("turn/start", map[string]any{
		"threadId": threadID,
		"input":    []any{map[string]any{"type": "text", "text": "write a file"}},
	})
	h.response(id)
	lines := h.until("turn/completed")

	require.Equal(t, 1, countMethod(lines, "codex/toolCall"))
	require.Equal(t, 1, countMethod(lines, "codex/toolResult"))
	for _, l := range lines {
		switch l.method() {
		case "codex/toolCall":
			call := l.params()["toolCall"].(map[string]any)
			assert.Equal(t, "toolu_1", call["id"])
			assert.Equal(t, "write_file", call["name"])
		case "codex/toolResult":
			result := l.params()["toolResult"].(map[string]any)
			assert.Equal(t, "toolu_1", result["id"])
			assert.Equal(t, false, result["isError"])
			assert.Equal(t, true, result["result"].(map[string]any)["success"])
		}
	}
	assert.Equal(t, float64(2), lines[len(lines)-1].params()["iterations"])

	data, err := os.ReadFile(filepath.Join(h.workspace, "notes", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "written", string(data))
}

func TestModelErrorEmitsErrorEvent(t *testing.T) {
	client := &llm.ScriptedClient{Errors: []error{&llm.APIError{Kind: llm.KindAuthentication, Status: 401, Message: "bad key"}}}
	h := startServer(t, client)
	threadID := h.startThread()

	id := h.call("turn/start", map[string]any{
		"threadId": threadID,
		"input":    []any{map[string]any{"type": "text", "text": "hi"}},
	})
	h.response(id)
	lines := h.until("codex/error")
	assert.Zero(t, countMethod(lines, "turn/completed"))
	errBody := lines[len(lines)-1].params()["error"].(map[string]any)
	assert.Equal(t, string(llm.KindAuthentication), errBody["code"])

	// The thread takes another turn as soon as the failure is reported.
	id = h.call("turn/start", map[string]any{
		"threadId": threadID,
		"input":    []any{map[string]any{"type": "text", "text": "again"}},
	})
	require.Zero(t, h.response(id).errorCode())
	lines = h.until("turn/completed")
	assert.Equal(t, 1, countMethod(lines, "codex/agentMessage"))
}

func TestBackToBackTurns(t *testing.T) {
	h := startServer(t, &llm.ScriptedClient{})
	threadID := h.startThread()

	for i := 0; i < 100; i++ {
		id := h.call("turn/start", map[string]any{
			"threadId": threadID,
			"input":    []any{map[string]any{"type": "text", "text": fmt.Sprintf("turn %d", i)}},
		})
		resp := h.response(id)
		require.Zero(t, resp.errorCode(), "turn %d rejected: %v", i, resp)
		h.until("turn/completed")
	}

	for i := 0; i < 50; i++ {
		id := h.call("thread/sendMessage", map[string]any{
			"threadId": threadID,
			"message":  map[string]any{"content": fmt.Sprintf("legacy %d", i)},
		})
		h.until("codex/turnCompleted")
		resp := h.response(id)
		require.Zero(t, resp.errorCode(), "message %d rejected: %v", i, resp)
		assert.Equal(t, true, resp.result()["success"])
	}
}

func TestServeStopsWhenContextEnds(t *testing.T) {
	cfg := config.Default()
	cfg.LLMClient = "mock"
	srv, err := New(Options{
		Config:    cfg,
		Workspace: t.TempDir(),
		Agent:     agent.New(cfg, &llm.ScriptedClient{}, nil, nil),
		Version:   "test",
	})
	require.NoError(t, err)

	inR, inW := io.Pipe()
	defer inW.Close()
	outR, outW := io.Pipe()
	defer outR.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, inR, outW) }()

	_, err = io.WriteString(inW, `{"jsonrpc":"2.0","id":1,"method":"thread/list"}`+"\n")
	require.NoError(t, err)
	reply, err := bufio.NewReader(outR).ReadBytes('\n')
	require.NoError(t, err)
	assert.Contains(t, string(reply), `"threads"`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the context ended")
	}
}

func TestConcurrentSandboxesShareOneInstance(t *testing.T) {
	cfg := config.Default()
	cfg.LLMClient = "mock"
	srv, err := New(Options{
		Config:    cfg,
		Workspace: t.TempDir(),
		Agent:     agent.New(cfg, &llm.ScriptedClient{}, nil, nil),
		Version:   "test",
	})
	require.NoError(t, err)

	root := t.TempDir()
	alias := root + string(filepath.Separator) + "."
	got := make([]*tools.Sandbox, 16)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dir := root
			if i%2 == 1 {
				dir = alias
			}
			sb, err := srv.sandboxFor(context.Background(), dir)
			assert.NoError(t, err)
			got[i] = sb
		}(i)
	}
	wg.Wait()

	require.NotNil(t, got[0])
	for _, sb := range got {
		assert.Same(t, got[0], sb)
	}
}

func TestLegacySendMessage(t *testing.T) {
	h := startServer(t, &llm.ScriptedClient{})
	threadID := h.startThread()

	id := h.call("thread/sendMessage", map[string]any{
		"threadId": threadID,
		"message":  map[string]any{"content": "ping"},
	})

	started := h.next()
	assert.Equal(t, "codex/turnStarted", started.method())
	turnID := started.params()["turnId"]

	msg := h.next()
	assert.Equal(t, "codex/agentMessage", msg.method())
	assert.Equal(t, "You said: ping", msg.params()["message"].(map[string]any)["content"])

	completed := h.next()
	assert.Equal(t, "codex/turnCompleted", completed.method())
	assert.Equal(t, turnID, completed.params()["turnId"])

	resp := h.response(id).result()
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, turnID, resp["turnId"])
}

func TestLegacySendMessageFailure(t *testing.T) {
	client := &llm.ScriptedClient{Errors: []error{&llm.APIError{Kind: llm.KindOverloaded, Message: "busy"}}}
	h := startServer(t, client)
	threadID := h.startThread()

	id := h.call("thread/sendMessage", map[string]any{
		"threadId": threadID,
		"message":  map[string]any{"content": "ping"},
	})
	lines := h.until("codex/error")
	assert.Equal(t, "codex/turnStarted", lines[0].method())

	resp := h.response(id).result()
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, string(llm.KindOverloaded), resp["error"].(map[string]any)["code"])
}

func TestOneTurnPerThreadAndInterrupt(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		entered <- struct{}{}
		<-release
		return &llm.Response{
			Content:    session.Blocks{session.ToolUse{ID: "t1", Name: "list_files", Input: json.RawMessage(`{}`)}},
			StopReason: llm.StopToolUse,
		}, nil
	})
	h := startServer(t, client)
	threadID := h.startThread()
	input := []any{map[string]any{"type": "text", "text": "go"}}

	id := h.call("turn/start", map[string]any{"threadId": threadID, "input": input})
	h.response(id)
	assert.Equal(t, "turn/started", h.next().method())
	<-entered

	id = h.call("turn/start", map[string]any{"threadId": threadID, "input": input})
	assert.Equal(t, rpc.CodeTurnInProgress, h.response(id).errorCode())

	id = h.call("turn/interrupt", map[string]any{"threadId": threadID})
	res := h.response(id).result()
	assert.Equal(t, true, res["success"])
	assert.Equal(t, true, res["interrupted"])

	close(release)
	lines := h.until("turn/completed")
	assert.Equal(t, 1, countMethod(lines, "codex/toolCall"))
	completed := lines[len(lines)-1].params()
	assert.Equal(t, "interrupted", completed["turn"].(map[string]any)["status"])
}

func TestProtocolErrors(t *testing.T) {
	h := startServer(t, &llm.ScriptedClient{})

	h.write(`{not json`)
	l := h.next()
	assert.Equal(t, rpc.CodeParseError, l.errorCode())
	assert.Nil(t, l["id"])

	id := h.call("foo/bar", nil)
	l = h.response(id)
	assert.Equal(t, rpc.CodeMethodNotFound, l.errorCode())
	assert.Equal(t, "Method not found: foo/bar", l["error"].(map[string]any)["message"])

	h.write(`{"id":99}`)
	l = h.next()
	assert.Equal(t, rpc.CodeInvalidRequest, l.errorCode())
	assert.Equal(t, float64(99), l["id"])

	tests := []struct {
		method string
		params any
		code   int
	}{
		{"thread/resume", map[string]any{}, rpc.CodeInvalidParams},
		{"thread/resume", map[string]any{"threadId": "nope"}, rpc.CodeThreadNotFound},
		{"thread/archive", map[string]any{"threadId": "nope"}, rpc.CodeThreadNotFound},
		{"turn/start", map[string]any{"threadId": "nope", "input": []any{}}, rpc.CodeThreadNotFound},
		{"thread/interrupt", map[string]any{"threadId": "nope"}, rpc.CodeThreadNotFound},
		{"thread/start", map[string]any{"cwd": "/definitely/not/here"}, rpc.CodeInvalidParams},
		{"thread/start", "not an object", rpc.CodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %v", tt.method, tt.params), func(t *testing.T) {
			id := h.call(tt.method, tt.params)
			assert.Equal(t, tt.code, h.response(id).errorCode())
		})
	}
}

func TestTurnStartWithoutText(t *testing.T) {
	h := startServer(t, &llm.ScriptedClient{})
	threadID := h.startThread()
	id := h.call("turn/start", map[string]any{
		"threadId": threadID,
		"input":    []any{map[string]any{"type": "text", "text": "   "}},
	})
	l := h.response(id)
	assert.Equal(t, rpc.CodeInvalidParams, l.errorCode())
	assert.Equal(t, "No text input provided", l["error"].(map[string]any)["message"])
}

func TestResumeArchiveAndStaticMethods(t *testing.T) {
	h := startServer(t, &llm.ScriptedClient{})
	threadID := h.startThread()

	id := h.call("thread/sendMessage", map[string]any{"threadId": threadID, "message": map[string]any{"content": "ping"}})
	h.until("codex/turnCompleted")
	h.response(id)

	id = h.call("thread/resume", map[string]any{"threadId": threadID})
	res := h.response(id).result()
	assert.Equal(t, threadID, res["threadId"])
	items := res["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, threadID+"-0", first["id"])
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "ping", first["content"].([]any)[0].(map[string]any)["text"])

	id = h.call("model/list", nil)
	models := h.response(id).result()["data"].([]any)
	require.NotEmpty(t, models)
	assert.Equal(t, true, models[0].(map[string]any)["isDefault"])

	id = h.call("skills/list", nil)
	assert.Equal(t, []any{}, h.response(id).result()["skills"])

	id = h.call("account/rateLimits/read", nil)
	assert.Equal(t, "api", h.response(id).result()["planType"])

	id = h.call("codex/respondToRequest", map[string]any{"requestId": 1})
	assert.Equal(t, true, h.response(id).result()["success"])

	id = h.call("thread/interrupt", map[string]any{"threadId": threadID})
	assert.Equal(t, false, h.response(id).result()["interrupted"])

	id = h.call("thread/archive", map[string]any{"threadId": threadID})
	assert.Equal(t, true, h.response(id).result()["success"])

	id = h.call("thread/list", nil)
	assert.Empty(t, h.response(id).result()["threads"])
}

func TestUserInputInlinesWorkspaceFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("file body"), 0o644))
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	sb, err := tools.NewSandbox(root, tools.Settings{}, nil)
	require.NoError(t, err)

	text := userInput(sb, []inputItem{
		{Type: "text", Text: "Check this file:"},
		{Type: "resource_link", URI: "file://" + filepath.Join(root, "notes.txt"), Name: "notes.txt", Title: "Notes"},
		{Type: "resource_link", URI: "file://" + outside, Name: "secret.txt"},
		{Type: "resource_link", URI: "https://example.com/x", Name: "remote"},
		{Type: "image"},
	})
	assert.Contains(t, text, "Check this file:\n=== Resource: notes.txt ===")
	assert.Contains(t, text, "Title: Notes")
	assert.Contains(t, text, "--- File Contents ---\nfile body\n--- End of File ---")
	assert.Contains(t, text, "[Error reading file:")
	assert.NotContains(t, text, "secret\n")
	assert.Contains(t, text, "[External resource - content not available]")

	assert.Empty(t, userInput(sb, []inputItem{{Type: "text", Text: " "}}))
}
