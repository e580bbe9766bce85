package server

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/m4xw311/codexbridge/agent"
	"github.com/m4xw311/codexbridge/config"
	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/logging"
	"github.com/m4xw311/codexbridge/rpc"
	"github.com/m4xw311/codexbridge/session"
	"github.com/m4xw311/codexbridge/tools"
	"github.com/m4xw311/codexbridge/tools/mcp"
	"go.uber.org/zap"
)

const (
	ProtocolVersion = "2.0"
	ServerName      = "codexbridge"
)

type Options struct {
	Config *config.Config
	// Workspace is the default root for new threads. Empty means the
	// current working directory.
	Workspace string
	Agent     *agent.Agent
	Store     *session.Store
	Version   string
	Logger    *zap.Logger
}

// handler answers one request. Returning deferredReply means the handler
// has taken over writing the response.
type handler func(ctx context.Context, msg *rpc.Message) (any, error)

type deferredReply struct{}

type Server struct {
	cfg       *config.Config
	workspace string
	agent     *agent.Agent
	store     *session.Store
	version   string
	logger    *zap.Logger
	handlers  map[string]handler

	out *rpc.Writer

	mu         sync.Mutex
	sandboxes  map[string]*tools.Sandbox
	mcpClients []*mcp.MCPClient
	turns      map[string]*activeTurn

	wg sync.WaitGroup
}

func New(opts Options) (*Server, error) {
	if opts.Agent == nil {
		return nil, errors.New("server needs an agent")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	workspace := opts.Workspace
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrapf(err, "could not get working directory")
		}
		workspace = wd
	}
	workspace, err := filepath.Abs(workspace)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid workspace %s", opts.Workspace)
	}
	store := opts.Store
	if store == nil {
		store = session.NewStore()
	}

	s := &Server{
		cfg:       cfg,
		workspace: workspace,
		agent:     opts.Agent,
		store:     store,
		version:   opts.Version,
		logger:    logging.OrNop(opts.Logger),
		sandboxes: make(map[string]*tools.Sandbox),
		turns:     make(map[string]*activeTurn),
	}
	s.handlers = map[string]handler{
		"initialize":              s.handleInitialize,
		"model/list":              s.handleModelList,
		"skills/list":             s.handleSkillsList,
		"thread/list":             s.handleThreadList,
		"thread/start":            s.handleThreadStart,
		"thread/resume":           s.handleThreadResume,
		"thread/archive":          s.handleThreadArchive,
		"thread/sendMessage":      s.handleSendMessage,
		"turn/start":              s.handleTurnStart,
		"thread/interrupt":        s.handleInterrupt,
		"turn/interrupt":          s.handleInterrupt,
		"codex/respondToRequest":  s.handleRespondToRequest,
		"account/rateLimits":      s.handleRateLimits,
		"account/rateLimits/read": s.handleRateLimits,
	}
	return s, nil
}

// Store exposes the thread store.
func (s *Server) Store() *session.Store { return s.store }

// Serve reads requests from in until EOF or until ctx is done, and writes
// responses and notifications to out. Running turns are allowed to finish
// before it returns.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = rpc.NewWriter(out)
	defer s.closeTools()

	s.logger.Info("server started", zap.String("workspace", s.workspace))
	lines := make(chan readResult)
	stop := make(chan struct{})
	defer close(stop)
	go readLines(rpc.NewReader(in), lines, stop)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down, waiting for running turns")
			s.wg.Wait()
			return nil
		case rr := <-lines:
			if rr.err == io.EOF {
				s.logger.Info("input closed, waiting for running turns")
				s.wg.Wait()
				return nil
			}
			if rr.err != nil {
				s.wg.Wait()
				return errors.Wrapf(rr.err, "read error")
			}
			s.handleLine(ctx, rr.line)
		}
	}
}

type readResult struct {
	line []byte
	err  error
}

// readLines feeds lines until the first error or until stop is closed. A
// read blocked on input outlives Serve until the input is closed.
func readLines(r *rpc.Reader, lines chan<- readResult, stop <-chan struct{}) {
	for {
		line, err := r.ReadLine()
		select {
		case lines <- readResult{line: line, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	msg, kind, err := rpc.Parse(line)
	if err != nil {
		s.logger.Warn("unparseable line", zap.ByteString("line", line), zap.Error(err))
		s.respondError(nil, rpc.ParseError("Parse error"))
		return
	}

	switch kind {
	case rpc.KindRequest:
		s.handleRequest(ctx, msg)
	case rpc.KindNotification:
		s.logger.Debug("notification", zap.String("method", msg.Method))
	case rpc.KindResponse:
		// No server-initiated requests are outstanding.
		s.logger.Debug("ignoring response", zap.ByteString("id", msg.ID))
	default:
		s.respondError(msg.ID, rpc.InvalidRequest("Invalid request"))
	}
}

func (s *Server) handleRequest(ctx context.Context, msg *rpc.Message) {
	logger := s.logger.With(zap.String("method", msg.Method), zap.ByteString("id", msg.ID))
	h, ok := s.handlers[msg.Method]
	if !ok {
		logger.Warn("unknown method")
		s.respondError(msg.ID, rpc.MethodNotFound(msg.Method))
		return
	}

	logger.Debug("dispatching")
	result, err := h(ctx, msg)
	if err != nil {
		rpcErr := toRPCError(err)
		logger.Info("request failed", zap.Int("code", rpcErr.Code), zap.String("message", rpcErr.Message))
		s.respondError(msg.ID, rpcErr)
		return
	}
	if _, ok := result.(deferredReply); ok {
		return
	}
	s.respond(msg.ID, result)
}

func toRPCError(err error) *rpc.Error {
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return rpc.InternalError("%v", err)
}

func (s *Server) respond(id json.RawMessage, result any) {
	if err := s.out.Respond(id, result); err != nil {
		s.logger.Error("failed to write response", zap.Error(err))
	}
}

func (s *Server) respondError(id json.RawMessage, e *rpc.Error) {
	if err := s.out.RespondError(id, e); err != nil {
		s.logger.Error("failed to write error response", zap.Error(err))
	}
}

func (s *Server) notify(method string, params any) {
	if err := s.out.Notify(method, params); err != nil {
		s.logger.Error("failed to write notification", zap.String("method", method), zap.Error(err))
	}
}

// sandboxFor returns the tool sandbox for a workspace root, creating it and
// attaching the configured MCP servers on first use. MCP servers start
// without s.mu held; when two callers race, the loser's clients are stopped.
func (s *Server) sandboxFor(ctx context.Context, root string) (*tools.Sandbox, error) {
	s.mu.Lock()
	sb, ok := s.sandboxes[root]
	s.mu.Unlock()
	if ok {
		return sb, nil
	}

	sb, err := tools.NewSandbox(root, tools.SettingsFromConfig(s.cfg.Sandbox), s.logger)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	existing, ok := s.sandboxes[sb.Root()]
	if ok {
		s.sandboxes[root] = existing
	}
	s.mu.Unlock()
	if ok {
		return existing, nil
	}

	clients := mcp.Attach(ctx, sb, s.cfg.MCPServers, s.version, s.logger)

	s.mu.Lock()
	existing, raced := s.sandboxes[sb.Root()]
	if !raced {
		s.mcpClients = append(s.mcpClients, clients...)
		s.sandboxes[sb.Root()] = sb
		existing = sb
	}
	s.sandboxes[root] = existing
	s.mu.Unlock()

	if raced {
		stopClients(clients, s.logger)
	}
	return existing, nil
}

func (s *Server) closeTools() {
	s.mu.Lock()
	clients := s.mcpClients
	s.mcpClients = nil
	s.mu.Unlock()
	stopClients(clients, s.logger)
}

func stopClients(clients []*mcp.MCPClient, logger *zap.Logger) {
	for _, c := range clients {
		if err := c.Stop(); err != nil {
			logger.Warn("failed to stop MCP server", zap.String("server", c.Name), zap.Error(err))
		}
	}
}
