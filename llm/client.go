package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/m4xw311/codexbridge/config"
	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/session"
	"github.com/m4xw311/codexbridge/tools"
)

// Stop reasons shared by every adapter.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Client is the interface for interacting with a Large Language Model.
type Client interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Request is one model call.
type Request struct {
	Model     string
	Messages  []session.Message
	Tools     []tools.Definition
	System    string
	MaxTokens int64
}

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the model's reply normalized to session content blocks.
type Response struct {
	Content    session.Blocks
	StopReason string
	Usage      Usage
}

// New creates the client selected by cfg.LLMClient.
func New(ctx context.Context, cfg *config.Config) (Client, error) {
	switch cfg.LLMClient {
	case "", "anthropic":
		return NewAnthropicClient()
	case "bedrock":
		return NewBedrockClient(ctx)
	case "openai":
		return NewOpenAIClient()
	case "gemini":
		return NewGeminiClient(ctx)
	case "mock":
		return &ScriptedClient{}, nil
	default:
		return nil, errors.New("unsupported llm client: %s", cfg.LLMClient)
	}
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

func (f ClientFunc) Send(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// ScriptedClient replays canned responses in order. Once the script is
// exhausted it echoes the last user text and ends the turn.
type ScriptedClient struct {
	mu        sync.Mutex
	Responses []*Response
	Errors    []error
	requests  []Request
}

func (s *ScriptedClient) Send(ctx context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, cloneRequest(req))

	if len(s.Errors) > 0 {
		err := s.Errors[0]
		s.Errors = s.Errors[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(s.Responses) > 0 {
		resp := s.Responses[0]
		s.Responses = s.Responses[1:]
		return resp, nil
	}
	return &Response{
		Content:    session.Blocks{session.Text{Text: fmt.Sprintf("You said: %s", lastUserText(req.Messages))}},
		StopReason: StopEndTurn,
	}, nil
}

// Requests returns every request received so far.
func (s *ScriptedClient) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func cloneRequest(req Request) Request {
	req.Messages = append([]session.Message(nil), req.Messages...)
	return req
}

func lastUserText(msgs []session.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != session.RoleUser {
			continue
		}
		if text := strings.TrimSpace(msgs[i].Content.TextContent()); text != "" {
			return text
		}
	}
	return ""
}
