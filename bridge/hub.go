// Package bridge exposes the workspace registry over a websocket. Clients
// send JSON-RPC requests naming a workspace; every event from every
// app-server is broadcast to all connected clients.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/codexbridge/config"
	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/logging"
	"github.com/m4xw311/codexbridge/observability"
	"github.com/m4xw311/codexbridge/peer"
	"github.com/m4xw311/codexbridge/rpc"
	"github.com/m4xw311/codexbridge/workspace"
	"go.uber.org/zap"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
)

type Options struct {
	Config  *config.Config
	Version string
	// Spawn overrides how app-servers are started. Nil runs child processes.
	Spawn   workspace.SpawnFunc
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Hub owns the workspace manager and the set of connected websocket
// clients. It is the manager's event sink.
type Hub struct {
	manager  *workspace.Manager
	logger   *zap.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	// ctx bounds requests forwarded on behalf of clients.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(opts Options) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger:  logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	h.manager = workspace.NewManager(workspace.Options{
		Config:  opts.Config,
		Version: opts.Version,
		Spawn:   opts.Spawn,
		Sink:    h,
		Logger:  h.logger,
		Metrics: opts.Metrics,
	})
	return h
}

func (h *Hub) Manager() *workspace.Manager { return h.manager }

// Handler serves the websocket on /ws and, when metrics are enabled,
// Prometheus metrics on /metrics.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}
	return mux
}

// Emit broadcasts a peer event to every client. A client whose buffer is
// full misses the event rather than stalling the peer's reader.
func (h *Hub) Emit(ev peer.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.enqueue(data) {
			h.logger.Warn("client too slow, dropping event", zap.String("remote", c.remote), zap.String("method", ev.Method()))
		}
	}
}

// Close disconnects every client and kills every app-server.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	h.cancel()
	for c := range clients {
		c.close()
	}
	h.manager.Shutdown()
}

// ServeWS upgrades the request and serves JSON-RPC on the connection until
// the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade error", zap.Error(err))
		return
	}
	c := newClient(conn, r.RemoteAddr)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("client connected", zap.String("remote", c.remote))

	go c.writeLoop(h.logger)
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		c.close()
		h.logger.Info("client disconnected", zap.String("remote", c.remote))
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("ws read error", zap.Error(err))
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.handleMessage(c, data)
		}()
	}
}

type client struct {
	conn   *websocket.Conn
	remote string
	send   chan []byte

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

func newClient(conn *websocket.Conn, remote string) *client {
	return &client{
		conn:   conn,
		remote: remote,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendJSON waits for room in the buffer, so a reply is never dropped in
// favour of broadcast events. It gives up only once the client is closed.
func (c *client) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errors.New("client closed")
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	_ = c.conn.Close()
}

// writeLoop is the only goroutine writing to the connection.
func (c *client) writeLoop(logger *zap.Logger) {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("ws write error", zap.String("remote", c.remote), zap.Error(err))
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) reply(c *client, id json.RawMessage, result any, err error) {
	var msg any = rpc.Response{ID: rpc.NormalizeID(id), Result: result}
	if err != nil {
		rpcErr := toRPCError(err)
		h.logger.Info("request failed", zap.Int("code", rpcErr.Code), zap.String("message", rpcErr.Message))
		msg = rpc.ErrorResponse{ID: rpc.NormalizeID(id), Error: rpcErr}
	}
	if err := c.sendJSON(msg); err != nil {
		h.logger.Warn("failed to send reply", zap.String("remote", c.remote), zap.Error(err))
	}
}
