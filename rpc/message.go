package rpc

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/m4xw311/codexbridge/errors"
)

// Kind is the structural classification of an inbound line.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Message is the union of the three wire shapes. ID, Params and Result are
// kept raw so ids are echoed back exactly as the sender wrote them.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Request is an outbound request with a numeric id.
type Request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Notification is an outbound message that expects no response.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Response answers a request successfully. A nil result is still written so
// the receiver can classify the line.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result"`
}

// ErrorResponse answers a request with an error object.
type ErrorResponse struct {
	ID    json.RawMessage `json:"id"`
	Error *Error          `json:"error"`
}

// Parse decodes one line and classifies it. A line that is not a JSON object
// returns an error; a JSON object of no recognizable shape returns
// KindInvalid with a nil error.
func Parse(line []byte) (*Message, Kind, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, KindInvalid, errors.Wrapf(err, "malformed message")
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, KindInvalid, errors.Wrapf(err, "malformed message")
	}
	return &msg, Classify(fields), nil
}

// Classify applies the structural rules to the keys present in a decoded
// object. A key explicitly set to null counts as present.
func Classify(fields map[string]json.RawMessage) Kind {
	_, hasID := fields["id"]
	_, hasMethod := fields["method"]
	_, hasResult := fields["result"]
	_, hasError := fields["error"]
	switch {
	case hasID && (hasResult || hasError):
		return KindResponse
	case hasMethod && hasID:
		return KindRequest
	case hasMethod:
		return KindNotification
	default:
		return KindInvalid
	}
}

// NumericID returns the message id as an unsigned integer. String ids and
// missing ids report false.
func (m *Message) NumericID() (uint64, bool) {
	raw := bytes.TrimSpace(m.ID)
	if len(raw) == 0 || raw[0] == '"' {
		return 0, false
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// HasID reports whether the message carries a non-null id.
func (m *Message) HasID() bool {
	raw := bytes.TrimSpace(m.ID)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// DecodeParams unmarshals params into v. Absent params leave v untouched.
func (m *Message) DecodeParams(v any) error {
	raw := bytes.TrimSpace(m.Params)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return InvalidParams("invalid params: %v", err)
	}
	return nil
}

// IDFromUint encodes a numeric id for use in a Response.
func IDFromUint(id uint64) json.RawMessage {
	return json.RawMessage(strconv.FormatUint(id, 10))
}
