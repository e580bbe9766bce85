package session

import (
	"encoding/json"
	"strings"

	"github.com/m4xw311/codexbridge/errors"
)

// ContentBlock is one unit of message content. The set of implementations
// is closed: Text, ToolUse and ToolResult.
type ContentBlock interface {
	contentBlock()
}

// Text is plain text written by the user or the model.
type Text struct {
	Text string `json:"text"`
}

// ToolUse is a tool invocation proposed by the model.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult answers the ToolUse with the same id.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

func (Text) contentBlock()       {}
func (ToolUse) contentBlock()    {}
func (ToolResult) contentBlock() {}

const (
	typeText       = "text"
	typeToolUse    = "tool_use"
	typeToolResult = "tool_result"
)

// MarshalBlock encodes a block in the tagged wire form used by the
// Anthropic Messages API.
func MarshalBlock(b ContentBlock) ([]byte, error) {
	switch v := b.(type) {
	case Text:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text
		}{typeText, v})
	case ToolUse:
		if len(v.Input) == 0 {
			v.Input = json.RawMessage("{}")
		}
		return json.Marshal(struct {
			Type string `json:"type"`
			ToolUse
		}{typeToolUse, v})
	case ToolResult:
		return json.Marshal(struct {
			Type string `json:"type"`
			ToolResult
		}{typeToolResult, v})
	default:
		return nil, errors.New("unknown content block %T", b)
	}
}

// UnmarshalBlock decodes one tagged block.
func UnmarshalBlock(data []byte) (ContentBlock, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, errors.Wrapf(err, "invalid content block")
	}
	switch tag.Type {
	case typeText:
		var v Text
		err := json.Unmarshal(data, &v)
		return v, err
	case typeToolUse:
		var v ToolUse
		err := json.Unmarshal(data, &v)
		return v, err
	case typeToolResult:
		var v ToolResult
		err := json.Unmarshal(data, &v)
		return v, err
	default:
		return nil, errors.New("unknown content block type %q", tag.Type)
	}
}

// Blocks is an ordered list of content blocks with tagged JSON encoding.
type Blocks []ContentBlock

func (bs Blocks) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(bs))
	for _, b := range bs {
		data, err := MarshalBlock(b)
		if err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}
	return json.Marshal(raw)
}

func (bs *Blocks) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrapf(err, "content must be an array of blocks")
	}
	out := make(Blocks, 0, len(raw))
	for _, r := range raw {
		b, err := UnmarshalBlock(r)
		if err != nil {
			return err
		}
		out = append(out, b)
	}
	*bs = out
	return nil
}

// TextContent joins the text blocks with newlines, ignoring everything else.
func (bs Blocks) TextContent() string {
	var parts []string
	for _, b := range bs {
		if t, ok := b.(Text); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool invocations in order.
func (bs Blocks) ToolUses() []ToolUse {
	var uses []ToolUse
	for _, b := range bs {
		if u, ok := b.(ToolUse); ok {
			uses = append(uses, u)
		}
	}
	return uses
}
