package peer

import (
	"encoding/json"
	"io"

	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/rpc"
	"go.uber.org/zap"
)

// readStdout owns protocol state. When it stops the peer is torn down.
func (p *Peer) readStdout(r io.Reader) {
	defer p.teardown(ErrProcessExited)
	reader := rpc.NewReader(r)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Warn("stdout read failed", zap.Error(err))
			}
			return
		}
		p.dispatch(line)
	}
}

// dispatch routes one stdout line. Lines carrying a method always go to the
// sink, even when they also carry an id; answering them is up to the
// consumer.
func (p *Peer) dispatch(line []byte) {
	msg, kind, err := rpc.Parse(line)
	if err != nil {
		p.emitParseError(line, err)
		return
	}
	switch kind {
	case rpc.KindResponse:
		id, ok := msg.NumericID()
		if !ok {
			p.logger.Debug("dropping response with non-numeric id", zap.ByteString("id", msg.ID))
			return
		}
		if !p.resolve(id, msg) {
			p.logger.Debug("dropping response for unknown id", zap.Uint64("id", id))
		}
	case rpc.KindRequest, rpc.KindNotification:
		p.emit(line, kind.String())
	default:
		p.emitParseError(line, errors.New("message has neither a response id nor a method"))
	}
}

func (p *Peer) readStderr(r io.Reader) {
	reader := rpc.NewReader(r)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			return
		}
		p.emitNotification("codex/stderr", map[string]string{"message": string(line)})
	}
}

func (p *Peer) emitParseError(line []byte, err error) {
	p.logger.Warn("unparseable line from peer", zap.Error(err))
	p.emitNotification("codex/parseError", map[string]string{
		"error": err.Error(),
		"raw":   string(line),
	})
}

func (p *Peer) emitNotification(method string, params any) {
	data, err := json.Marshal(rpc.Notification{Method: method, Params: params})
	if err != nil {
		p.logger.Error("failed to encode event", zap.String("method", method), zap.Error(err))
		return
	}
	p.emit(data, method)
}

func (p *Peer) emit(message []byte, kind string) {
	p.opts.Metrics.RecordPeerEvent(kind)
	p.sink.Emit(Event{WorkspaceID: p.opts.WorkspaceID, Message: json.RawMessage(message)})
}
