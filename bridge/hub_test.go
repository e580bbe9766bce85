package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/codexbridge/agent"
	"github.com/m4xw311/codexbridge/config"
	"github.com/m4xw311/codexbridge/llm"
	"github.com/m4xw311/codexbridge/observability"
	"github.com/m4xw311/codexbridge/peer"
	"github.com/m4xw311/codexbridge/rpc"
	"github.com/m4xw311/codexbridge/server"
	"github.com/m4xw311/codexbridge/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func inProcessSpawn(ctx context.Context, opts peer.Options, sink peer.EventSink) (workspace.Conn, error) {
	cfg := config.Default()
	srv, err := server.New(server.Options{
		Config:    cfg,
		Workspace: opts.Dir,
		Agent:     agent.New(cfg, &llm.ScriptedClient{}, nil, nil),
	})
	if err != nil {
		return nil, err
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		_ = srv.Serve(context.Background(), inR, outW)
		outW.Close()
	}()
	p := peer.New(opts, inW, outR, nil, sink)
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

type frame struct {
	ID          json.RawMessage `json:"id"`
	Result      json.RawMessage `json:"result"`
	Error       *rpc.Error      `json:"error"`
	WorkspaceID string          `json:"workspace_id"`
	Message     json.RawMessage `json:"message"`
}

type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan frame
	nextID int
	// events holds broadcasts that arrived while call was waiting.
	events []frame
}

func dial(t *testing.T, url string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, conn: conn, frames: make(chan frame, 256)}
	go func() {
		defer close(c.frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) == nil {
				c.frames <- f
			}
		}
	}()
	return c
}

func (c *wsClient) next() frame {
	c.t.Helper()
	select {
	case f, ok := <-c.frames:
		require.True(c.t, ok, "connection closed")
		return f
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for a frame")
		return frame{}
	}
}

// call sends a request and returns its response, skipping events.
func (c *wsClient) call(method string, params any) frame {
	c.t.Helper()
	c.nextID++
	id := c.nextID
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params}))
	for {
		f := c.next()
		if f.Message != nil {
			c.events = append(c.events, f)
			continue
		}
		if string(f.ID) == strconv.Itoa(id) {
			return f
		}
	}
}

// event waits for a broadcast event with the given method.
func (c *wsClient) event(method string) frame {
	c.t.Helper()
	for len(c.events) > 0 {
		f := c.events[0]
		c.events = c.events[1:]
		if (peer.Event{Message: f.Message}).Method() == method {
			return f
		}
	}
	for {
		f := c.next()
		if f.Message != nil && (peer.Event{Message: f.Message}).Method() == method {
			return f
		}
	}
}

func newHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(Options{Version: "test", Spawn: inProcessSpawn, Metrics: observability.NewMetrics()})
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func TestWorkspaceLifecycle(t *testing.T) {
	_, srv := newHub(t)
	c := dial(t, srv.URL)

	dir := t.TempDir()
	resp := c.call("workspace/add", map[string]any{"id": "ws1", "path": dir})
	require.Nil(t, resp.Error)
	var added workspace.Entry
	require.NoError(t, json.Unmarshal(resp.Result, &added))
	assert.Equal(t, "ws1", added.ID)
	assert.Equal(t, workspace.BackendAppServer, added.Backend)

	resp = c.call("workspace/connect", map[string]any{"workspaceId": "ws1"})
	require.Nil(t, resp.Error)
	connected := c.event("codex/connected")
	assert.Equal(t, "ws1", connected.WorkspaceID)

	resp = c.call("workspace/list", nil)
	require.Nil(t, resp.Error)
	var list struct {
		Workspaces []workspace.Info `json:"workspaces"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	require.Len(t, list.Workspaces, 1)
	assert.True(t, list.Workspaces[0].Connected)

	resp = c.call("workspace/disconnect", map[string]any{"workspaceId": "ws1"})
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"disconnected":true}`, string(resp.Result))

	resp = c.call("workspace/remove", map[string]any{"workspaceId": "ws1"})
	require.Nil(t, resp.Error)
	resp = c.call("workspace/remove", map[string]any{"workspaceId": "ws1"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
}

func TestTurnOverWebsocket(t *testing.T) {
	_, srv := newHub(t)
	c := dial(t, srv.URL)

	require.Nil(t, c.call("workspace/add", map[string]any{"id": "ws1", "path": t.TempDir()}).Error)
	require.Nil(t, c.call("workspace/connect", map[string]any{"workspaceId": "ws1"}).Error)

	resp := c.call("thread/start", map[string]any{"workspaceId": "ws1"})
	require.Nil(t, resp.Error)
	var started struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &started))
	require.NotEmpty(t, started.Thread.ID)

	resp = c.call("turn/start", map[string]any{"workspaceId": "ws1", "threadId": started.Thread.ID, "text": "hello", "accessMode": "read-only"})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), `"inProgress"`)

	msg := c.event("codex/agentMessage")
	assert.Equal(t, "ws1", msg.WorkspaceID)
	assert.Contains(t, string(msg.Message), "You said: hello")
	c.event("turn/completed")

	resp = c.call("thread/resume", map[string]any{"workspaceId": "ws1", "threadId": started.Thread.ID})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "You said: hello")

	resp = c.call("thread/list", map[string]any{"workspaceId": "ws1"})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), started.Thread.ID)

	for _, method := range []string{"model/list", "account/rateLimits", "skills/list"} {
		resp = c.call(method, map[string]any{"workspaceId": "ws1"})
		assert.Nil(t, resp.Error, method)
	}

	resp = c.call("thread/archive", map[string]any{"workspaceId": "ws1", "threadId": "unknown"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeThreadNotFound, resp.Error.Code)

	resp = c.call("codex/respondToRequest", map[string]any{"workspaceId": "ws1", "requestId": 3, "result": map[string]string{"decision": "accept"}})
	require.Nil(t, resp.Error)
}

func TestEventsReachEveryClient(t *testing.T) {
	_, srv := newHub(t)
	a := dial(t, srv.URL)
	b := dial(t, srv.URL)

	// b must be registered before the event fires.
	require.Nil(t, b.call("workspace/list", nil).Error)

	require.Nil(t, a.call("workspace/add", map[string]any{"id": "ws1", "path": t.TempDir()}).Error)
	require.Nil(t, a.call("workspace/connect", map[string]any{"workspaceId": "ws1"}).Error)

	assert.Equal(t, "ws1", a.event("codex/connected").WorkspaceID)
	assert.Equal(t, "ws1", b.event("codex/connected").WorkspaceID)
}

func TestBridgeErrors(t *testing.T) {
	_, srv := newHub(t)
	c := dial(t, srv.URL)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := c.next()
	require.NotNil(t, f.Error)
	assert.Equal(t, rpc.CodeParseError, f.Error.Code)
	assert.Equal(t, "null", string(f.ID))

	resp := c.call("nope/nope", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)

	tests := []struct {
		method string
		params any
		code   int
	}{
		{"thread/start", map[string]any{}, rpc.CodeInvalidParams},
		{"thread/start", map[string]any{"workspaceId": "missing"}, rpc.CodeWorkspaceNotFound},
		{"thread/resume", map[string]any{"workspaceId": "missing"}, rpc.CodeInvalidParams},
		{"turn/start", map[string]any{"workspaceId": "missing"}, rpc.CodeInvalidParams},
		{"workspace/add", map[string]any{}, rpc.CodeInvalidParams},
		{"workspace/connect", map[string]any{"workspaceId": "missing"}, rpc.CodeInvalidParams},
		{"workspace/switchBackend", map[string]any{"workspaceId": "missing", "backend": "other"}, rpc.CodeInvalidParams},
	}
	for _, tt := range tests {
		resp := c.call(tt.method, tt.params)
		require.NotNil(t, resp.Error, tt.method)
		assert.Equal(t, tt.code, resp.Error.Code, tt.method)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newHub(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReplyWaitsForFullBuffer(t *testing.T) {
	h := &Hub{logger: zap.NewNop()}
	c := &client{remote: "test", send: make(chan []byte, 2), done: make(chan struct{})}
	c.send <- []byte(`{"event":1}`)
	c.send <- []byte(`{"event":2}`)
	assert.False(t, c.enqueue([]byte(`{"event":3}`)), "broadcasts are dropped when the buffer is full")

	replied := make(chan struct{})
	go func() {
		h.reply(c, json.RawMessage(`7`), map[string]any{"ok": true}, nil)
		close(replied)
	}()

	assert.Equal(t, `{"event":1}`, string(<-c.send))
	assert.Equal(t, `{"event":2}`, string(<-c.send))
	select {
	case data := <-c.send:
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		assert.Equal(t, "7", string(f.ID))
		assert.JSONEq(t, `{"ok":true}`, string(f.Result))
	case <-time.After(5 * time.Second):
		t.Fatal("reply was not delivered")
	}
	<-replied
}

func TestReplyToClosedClientReturns(t *testing.T) {
	h := &Hub{logger: zap.NewNop()}
	c := &client{remote: "test", send: make(chan []byte), done: make(chan struct{})}
	c.closed = true
	close(c.done)

	replied := make(chan struct{})
	go func() {
		h.reply(c, json.RawMessage(`1`), nil, rpc.MethodNotFound("nope"))
		close(replied)
	}()
	select {
	case <-replied:
	case <-time.After(5 * time.Second):
		t.Fatal("reply blocked on a closed client")
	}
}
