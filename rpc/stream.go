package rpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/m4xw311/codexbridge/errors"
)

// Writer frames values as newline-terminated JSON lines. It is safe for
// concurrent use; each call writes exactly one whole line.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteMessage marshals v and writes it as a single line.
func (w *Writer) WriteMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	return w.WriteLine(data)
}

// WriteLine writes pre-encoded JSON followed by a newline and flushes.
func (w *Writer) WriteLine(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *Writer) Notify(method string, params any) error {
	return w.WriteMessage(Notification{Method: method, Params: params})
}

func (w *Writer) Respond(id json.RawMessage, result any) error {
	return w.WriteMessage(Response{ID: NormalizeID(id), Result: result})
}

func (w *Writer) RespondError(id json.RawMessage, e *Error) error {
	return w.WriteMessage(ErrorResponse{ID: NormalizeID(id), Error: e})
}

// NormalizeID maps a missing id to null.
func NormalizeID(id json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(id)) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// Reader yields newline-delimited lines without a size limit.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadLine returns the next non-empty line with surrounding whitespace
// removed. A final line without a newline is still returned before io.EOF.
func (r *Reader) ReadLine() ([]byte, error) {
	for {
		line, err := r.r.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			return trimmed, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
