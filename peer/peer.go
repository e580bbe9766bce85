package peer

import (
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/logging"
	"github.com/m4xw311/codexbridge/observability"
	"github.com/m4xw311/codexbridge/rpc"
	"go.uber.org/zap"
)

const DefaultInitTimeout = 15 * time.Second

var (
	ErrSpawnFailed   = errors.Sentinel("spawn failed")
	ErrWriteFailed   = errors.Sentinel("write failed")
	ErrTimeout       = errors.Sentinel("request timed out")
	ErrCanceled      = errors.Sentinel("request canceled")
	ErrProcessExited = errors.Sentinel("process exited")
	ErrConnection    = errors.Sentinel("connection failed")
)

// Options configures a peer. Executable and Args are only used by Spawn.
type Options struct {
	WorkspaceID string
	Executable  string
	Args        []string
	Dir         string
	Env         []string

	// InitTimeout bounds the initialize handshake. Zero means DefaultInitTimeout.
	InitTimeout time.Duration
	// RequestTimeout applies to requests whose context has no deadline.
	// Zero leaves such requests unbounded.
	RequestTimeout time.Duration
	// InitializeParams is sent as the params of the initialize request.
	InitializeParams any

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

type outcome struct {
	msg *rpc.Message
	err error
}

// Peer is one child process reachable over line-delimited JSON-RPC.
type Peer struct {
	opts   Options
	sink   EventSink
	logger *zap.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	out     *rpc.Writer
	readers []io.Reader

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan outcome
	closed  bool

	// closeErr is returned to requests issued after teardown.
	closeErr error

	killOnce sync.Once
	exited   chan struct{}
	exitErr  error
}

// Spawn starts the executable with piped standard streams, runs the
// initialize handshake and returns a ready peer. On handshake failure the
// child is killed.
func Spawn(ctx context.Context, opts Options, sink EventSink) (*Peer, error) {
	cmd := exec.Command(opts.Executable, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(ErrSpawnFailed, "stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrapf(ErrSpawnFailed, "stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrapf(ErrSpawnFailed, "stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(ErrSpawnFailed, "failed to start %s: %v", opts.Executable, err)
	}

	p := newPeer(opts, stdin, sink)
	p.cmd = cmd
	p.start(stdout, stderr)
	p.logger.Info("spawned peer", zap.String("executable", opts.Executable), zap.Int("pid", cmd.Process.Pid))

	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// New wraps streams that are already connected to a peer, such as the two
// ends of an in-process pipe. No handshake is performed.
func New(opts Options, stdin io.WriteCloser, stdout, stderr io.Reader, sink EventSink) *Peer {
	p := newPeer(opts, stdin, sink)
	p.start(stdout, stderr)
	return p
}

func newPeer(opts Options, stdin io.WriteCloser, sink EventSink) *Peer {
	if sink == nil {
		sink = Discard
	}
	logger := logging.OrNop(opts.Logger).With(zap.String("workspace", opts.WorkspaceID))
	return &Peer{
		opts:    opts,
		sink:    sink,
		logger:  logger,
		stdin:   stdin,
		out:     rpc.NewWriter(stdin),
		pending: make(map[uint64]chan outcome),
		exited:  make(chan struct{}),
	}
}

func (p *Peer) start(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.readStdout(stdout)
	}()
	p.readers = append(p.readers, stdout)
	if stderr != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.readStderr(stderr)
		}()
		p.readers = append(p.readers, stderr)
	}
	go func() {
		wg.Wait()
		var err error
		if p.cmd != nil {
			err = p.cmd.Wait()
		}
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		p.teardown(ErrProcessExited)
		p.logger.Info("peer exited", zap.Error(err))
		close(p.exited)
	}()
}

// Initialize performs the handshake: an initialize request bounded by
// InitTimeout, then the initialized notification, then a connected event.
// Any failure kills the peer.
func (p *Peer) Initialize(ctx context.Context) error {
	timeout := p.opts.InitTimeout
	if timeout <= 0 {
		timeout = DefaultInitTimeout
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := p.SendRequest(ictx, "initialize", p.opts.InitializeParams); err != nil {
		p.Kill()
		return &handshakeError{err: err}
	}
	if err := p.SendNotification("initialized", nil); err != nil {
		p.Kill()
		return &handshakeError{err: err}
	}
	p.emitNotification("codex/connected", map[string]string{"workspaceId": p.opts.WorkspaceID})
	return nil
}

// SendRequest writes a request and blocks until the matching response
// arrives, the context ends, or the peer is torn down. A response carrying
// an error object is returned as *rpc.Error.
func (p *Peer) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if p.opts.RequestTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.opts.RequestTimeout)
			defer cancel()
		}
	}

	id := p.nextID.Add(1)
	ch := make(chan outcome, 1)

	p.mu.Lock()
	if p.closed {
		closeErr := p.closeErr
		p.mu.Unlock()
		p.record(method, "canceled")
		return nil, errors.Wrapf(closeErr, "%s", method)
	}
	p.pending[id] = ch
	p.mu.Unlock()

	p.logger.Debug("sending request", zap.Uint64("id", id), zap.String("method", method))
	if err := p.out.WriteMessage(rpc.Request{ID: id, Method: method, Params: params}); err != nil {
		if p.take(id) {
			p.record(method, "write_failed")
			return nil, errors.Wrapf(ErrWriteFailed, "%s: %v", method, err)
		}
		return p.finish(method, <-ch)
	}

	select {
	case o := <-ch:
		return p.finish(method, o)
	case <-ctx.Done():
		if !p.take(id) {
			// Resolution won the race; its outcome is already on the way.
			return p.finish(method, <-ch)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.record(method, "timeout")
			return nil, errors.Wrapf(ErrTimeout, "%s (id %d)", method, id)
		}
		p.record(method, "canceled")
		return nil, errors.Wrapf(ErrCanceled, "%s (id %d)", method, id)
	}
}

func (p *Peer) finish(method string, o outcome) (json.RawMessage, error) {
	if o.err != nil {
		p.record(method, "canceled")
		return nil, errors.Wrapf(o.err, "%s", method)
	}
	if o.msg.Error != nil {
		p.record(method, "error")
		return nil, o.msg.Error
	}
	p.record(method, "ok")
	return o.msg.Result, nil
}

// SendNotification writes a notification. Nothing is awaited.
func (p *Peer) SendNotification(method string, params any) error {
	if err := p.out.Notify(method, params); err != nil {
		return errors.Wrapf(ErrWriteFailed, "%s: %v", method, err)
	}
	return nil
}

// SendResponse answers a request the child sent to us.
func (p *Peer) SendResponse(id json.RawMessage, result any) error {
	if err := p.out.Respond(id, result); err != nil {
		return errors.Wrapf(ErrWriteFailed, "response: %v", err)
	}
	return nil
}

// Kill terminates the child and cancels every pending request. It is safe to
// call any number of times.
func (p *Peer) Kill() {
	p.killOnce.Do(func() {
		p.teardown(ErrCanceled)
		_ = p.stdin.Close()
		if p.cmd != nil && p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		for _, r := range p.readers {
			if c, ok := r.(io.Closer); ok {
				_ = c.Close()
			}
		}
		p.logger.Info("peer killed")
	})
}

// Done is closed once both readers have stopped and the child was reaped.
func (p *Peer) Done() <-chan struct{} { return p.exited }

// Err reports how the child exited. Only meaningful after Done is closed.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// WorkspaceID identifies the peer in emitted events.
func (p *Peer) WorkspaceID() string { return p.opts.WorkspaceID }

// Pending returns the number of requests awaiting a response.
func (p *Peer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Peer) take(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[id]; !ok {
		return false
	}
	delete(p.pending, id)
	return true
}

func (p *Peer) resolve(id uint64, msg *rpc.Message) bool {
	p.mu.Lock()
	ch, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	if ok {
		ch <- outcome{msg: msg}
	}
	return ok
}

// teardown marks the peer closed and cancels all pending requests.
func (p *Peer) teardown(reason error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.closeErr = reason
	for id, ch := range p.pending {
		ch <- outcome{err: ErrCanceled}
		delete(p.pending, id)
	}
}

func (p *Peer) record(method, result string) {
	p.opts.Metrics.RecordPeerRequest(method, result)
}

type handshakeError struct {
	err error
}

func (e *handshakeError) Error() string {
	return ErrConnection.Error() + ": initialize: " + e.err.Error()
}

func (e *handshakeError) Unwrap() []error { return []error{ErrConnection, e.err} }
