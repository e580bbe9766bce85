// Package workspace keeps the client-side registry of workspaces and the
// live app-server peer connected to each of them.
package workspace

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/m4xw311/codexbridge/config"
	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/logging"
	"github.com/m4xw311/codexbridge/observability"
	"github.com/m4xw311/codexbridge/peer"
	"github.com/m4xw311/codexbridge/rpc"
	"go.uber.org/zap"
)

// Backend selects which app-server a workspace is connected to.
type Backend string

const (
	// BackendAppServer runs this program's own serve command.
	BackendAppServer Backend = "appserver"
	// BackendCodex runs `codex app-server`.
	BackendCodex Backend = "codex"
)

func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendAppServer, BackendCodex:
		return Backend(s), nil
	case "":
		return BackendAppServer, nil
	default:
		return "", errors.New("unknown backend %q", s)
	}
}

var ErrWorkspaceNotFound = errors.Sentinel("workspace not found")

// Entry describes one registered workspace.
type Entry struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Path       string   `json:"path"`
	Backend    Backend  `json:"backend"`
	Executable string   `json:"executable,omitempty"`
	Args       []string `json:"args,omitempty"`

	seq uint64
}

// Info is an Entry plus its connection state.
type Info struct {
	Entry
	Connected bool `json:"connected"`
}

// Conn is the part of a peer the manager drives. *peer.Peer satisfies it.
type Conn interface {
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
	SendResponse(id json.RawMessage, result any) error
	Kill()
	Done() <-chan struct{}
}

// SpawnFunc starts an app-server for opts and completes the handshake.
type SpawnFunc func(ctx context.Context, opts peer.Options, sink peer.EventSink) (Conn, error)

// SpawnProcess is the default SpawnFunc: it runs opts.Executable as a child
// process.
func SpawnProcess(ctx context.Context, opts peer.Options, sink peer.EventSink) (Conn, error) {
	p, err := peer.Spawn(ctx, opts, sink)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type Options struct {
	Config  *config.Config
	Version string
	Spawn   SpawnFunc
	Sink    peer.EventSink
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Manager maps workspace ids to entries and live connections. When both
// locks are needed, sessionsMu is taken before workspacesMu. Neither is held
// while a request is in flight.
type Manager struct {
	cfg     *config.Config
	version string
	spawn   SpawnFunc
	sink    peer.EventSink
	logger  *zap.Logger
	metrics *observability.Metrics

	sessionsMu sync.Mutex
	sessions   map[string]Conn

	workspacesMu sync.Mutex
	workspaces   map[string]*Entry
	seq          uint64
}

func NewManager(opts Options) *Manager {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	spawn := opts.Spawn
	if spawn == nil {
		spawn = SpawnProcess
	}
	sink := opts.Sink
	if sink == nil {
		sink = peer.Discard
	}
	return &Manager{
		cfg:        cfg,
		version:    opts.Version,
		spawn:      spawn,
		sink:       sink,
		logger:     logging.OrNop(opts.Logger),
		metrics:    opts.Metrics,
		sessions:   make(map[string]Conn),
		workspaces: make(map[string]*Entry),
	}
}

// Add registers a workspace. The path must be an existing directory; id,
// name and backend get defaults when empty.
func (m *Manager) Add(e Entry) (Entry, error) {
	path, err := filepath.Abs(e.Path)
	if err != nil {
		return Entry{}, errors.Wrapf(err, "invalid workspace path %s", e.Path)
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return Entry{}, errors.New("workspace path is not a directory: %s", path)
	}
	backend, err := ParseBackend(string(e.Backend))
	if err != nil {
		return Entry{}, err
	}
	e.Path = path
	e.Backend = backend
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Name == "" {
		e.Name = filepath.Base(path)
	}

	m.workspacesMu.Lock()
	defer m.workspacesMu.Unlock()
	if _, exists := m.workspaces[e.ID]; exists {
		return Entry{}, errors.New("workspace %s already exists", e.ID)
	}
	m.seq++
	e.seq = m.seq
	stored := e
	m.workspaces[e.ID] = &stored
	m.logger.Info("workspace added", zap.String("workspace", e.ID), zap.String("path", e.Path))
	return e, nil
}

// Remove disconnects and forgets a workspace.
func (m *Manager) Remove(id string) error {
	m.Disconnect(id)
	m.workspacesMu.Lock()
	defer m.workspacesMu.Unlock()
	if _, ok := m.workspaces[id]; !ok {
		return errors.Wrapf(ErrWorkspaceNotFound, "%s", id)
	}
	delete(m.workspaces, id)
	return nil
}

func (m *Manager) Get(id string) (Entry, error) {
	m.workspacesMu.Lock()
	defer m.workspacesMu.Unlock()
	e, ok := m.workspaces[id]
	if !ok {
		return Entry{}, errors.Wrapf(ErrWorkspaceNotFound, "%s", id)
	}
	return *e, nil
}

// List returns every workspace in registration order.
func (m *Manager) List() []Info {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	m.workspacesMu.Lock()
	defer m.workspacesMu.Unlock()

	list := make([]Info, 0, len(m.workspaces))
	for _, e := range m.workspaces {
		_, connected := m.sessions[e.ID]
		list = append(list, Info{Entry: *e, Connected: connected})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}

// Connect starts the workspace's backend unless it is already connected.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.sessionsMu.Lock()
	_, connected := m.sessions[id]
	m.sessionsMu.Unlock()
	if connected {
		return nil
	}

	e, err := m.Get(id)
	if err != nil {
		return err
	}
	conn, err := m.spawn(ctx, m.peerOptions(e), m.sink)
	if err != nil {
		m.logger.Warn("failed to connect workspace", zap.String("workspace", id), zap.Error(err))
		return err
	}

	m.sessionsMu.Lock()
	if _, raced := m.sessions[id]; raced {
		m.sessionsMu.Unlock()
		conn.Kill()
		return nil
	}
	m.sessions[id] = conn
	m.sessionsMu.Unlock()

	go m.watch(id, conn)
	m.logger.Info("workspace connected", zap.String("workspace", id), zap.String("backend", string(e.Backend)))
	return nil
}

// watch forgets a connection once its process goes away.
func (m *Manager) watch(id string, conn Conn) {
	<-conn.Done()
	m.sessionsMu.Lock()
	if m.sessions[id] == conn {
		delete(m.sessions, id)
		m.logger.Info("workspace peer exited", zap.String("workspace", id))
	}
	m.sessionsMu.Unlock()
}

// Disconnect kills the workspace's peer, if any. It reports whether a peer
// was running.
func (m *Manager) Disconnect(id string) bool {
	m.sessionsMu.Lock()
	conn, ok := m.sessions[id]
	delete(m.sessions, id)
	m.sessionsMu.Unlock()
	if ok {
		conn.Kill()
	}
	return ok
}

// SwitchBackend changes a workspace's backend. A connected workspace is
// restarted on the new backend.
func (m *Manager) SwitchBackend(ctx context.Context, id string, backend Backend) (Entry, error) {
	backend, err := ParseBackend(string(backend))
	if err != nil {
		return Entry{}, err
	}

	m.sessionsMu.Lock()
	old, connected := m.sessions[id]
	m.workspacesMu.Lock()
	e, ok := m.workspaces[id]
	if !ok {
		m.workspacesMu.Unlock()
		m.sessionsMu.Unlock()
		return Entry{}, errors.Wrapf(ErrWorkspaceNotFound, "%s", id)
	}
	e.Backend = backend
	updated := *e
	m.workspacesMu.Unlock()
	delete(m.sessions, id)
	m.sessionsMu.Unlock()

	if !connected {
		return updated, nil
	}
	old.Kill()
	m.logger.Info("switching backend", zap.String("workspace", id), zap.String("backend", string(backend)))
	return updated, m.Connect(ctx, id)
}

// Shutdown kills every connected peer.
func (m *Manager) Shutdown() {
	m.sessionsMu.Lock()
	conns := m.sessions
	m.sessions = make(map[string]Conn)
	m.sessionsMu.Unlock()
	for id, conn := range conns {
		m.logger.Debug("killing peer", zap.String("workspace", id))
		conn.Kill()
	}
}

// session returns the live connection and entry for a workspace.
func (m *Manager) session(id string) (Conn, Entry, error) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	conn, ok := m.sessions[id]
	if !ok {
		return nil, Entry{}, rpc.WorkspaceNotFound(id)
	}
	m.workspacesMu.Lock()
	defer m.workspacesMu.Unlock()
	e, ok := m.workspaces[id]
	if !ok {
		return nil, Entry{}, rpc.WorkspaceNotFound(id)
	}
	return conn, *e, nil
}

func (m *Manager) peerOptions(e Entry) peer.Options {
	exe, args := m.command(e)
	path := AugmentPath(os.Getenv("PATH"), exe)
	return peer.Options{
		WorkspaceID:    e.ID,
		Executable:     lookPath(exe, path),
		Args:           args,
		Dir:            e.Path,
		Env:            withPath(os.Environ(), path),
		InitTimeout:    m.cfg.Bridge.InitTimeout,
		RequestTimeout: m.cfg.Bridge.RequestTimeout,
		InitializeParams: map[string]any{
			"clientInfo": map[string]string{
				"name":    "codexbridge",
				"title":   "CodexBridge",
				"version": m.version,
			},
		},
		Logger:  m.logger,
		Metrics: m.metrics,
	}
}

// command picks the executable for a workspace: the entry's own override,
// then the configured one, then the backend default.
func (m *Manager) command(e Entry) (string, []string) {
	exe, args := e.Executable, e.Args
	switch e.Backend {
	case BackendCodex:
		if exe == "" {
			exe = "codex"
		}
		if args == nil {
			args = []string{"app-server"}
		}
	default:
		if exe == "" {
			exe = m.cfg.Bridge.Executable
		}
		if exe == "" {
			if self, err := os.Executable(); err == nil {
				exe = self
			} else {
				exe = "codexbridge"
			}
		}
		if args == nil {
			args = m.cfg.Bridge.Args
		}
		if args == nil {
			args = []string{"serve"}
		}
	}
	return exe, args
}
