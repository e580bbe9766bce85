package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/session"
	"github.com/m4xw311/codexbridge/tools"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIClient is a client for the OpenAI Chat Completion API.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a new OpenAIClient. It requires the OPENAI_API_KEY
// environment variable to be set and honors OPENAI_BASE_URL.
func NewOpenAIClient(opts ...option.RequestOption) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	options = append(options, opts...)

	// The &c is required, do not replace and just use c
	c := openai.NewClient(options...)
	return &OpenAIClient{client: &c}, nil
}

// Send calls Chat Completions and maps the first choice back to content blocks.
func (o *OpenAIClient) Send(ctx context.Context, req Request) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: toOpenAIMessages(req.System, req.Messages),
		Tools:    toOpenAITools(req.Tools),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxTokens)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, statusError("openai", apiErr.StatusCode, err)
		}
		return nil, transportError("openai", err)
	}
	return fromOpenAICompletion(resp), nil
}

// toOpenAIMessages flattens content blocks into chat messages. Tool results
// become "tool" role messages placed before any text of the same user turn.
func toOpenAIMessages(system string, msgs []session.Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, msg := range msgs {
		switch msg.Role {
		case session.RoleAssistant:
			assistant := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Content.TextContent(),
			}
			for _, use := range msg.Content.ToolUses() {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   use.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      use.Name,
						Arguments: string(inputOrEmpty(use.Input)),
					},
				})
			}
			out = append(out, assistant.ToParam())
		default:
			for _, block := range msg.Content {
				if res, ok := block.(session.ToolResult); ok {
					out = append(out, openai.ToolMessage(res.Content, res.ToolUseID))
				}
			}
			if text := msg.Content.TextContent(); text != "" {
				out = append(out, openai.UserMessage(text))
			}
		}
	}
	return out
}

func toOpenAITools(defs []tools.Definition) []openai.ChatCompletionToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	for _, d := range defs {
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        d.Name,
			Description: openai.String(d.Description),
			Parameters:  openai.FunctionParameters(d.InputSchema),
		}))
	}
	return out
}

func fromOpenAICompletion(resp *openai.ChatCompletion) *Response {
	out := &Response{
		StopReason: StopEndTurn,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	if choice.Message.Content != "" {
		out.Content = append(out.Content, session.Text{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		out.Content = append(out.Content, session.ToolUse{ID: tc.ID, Name: tc.Function.Name, Input: inputOrEmpty(input)})
	}
	switch choice.FinishReason {
	case "tool_calls":
		out.StopReason = StopToolUse
	case "length":
		out.StopReason = StopMaxTokens
	}
	if len(choice.Message.ToolCalls) > 0 {
		out.StopReason = StopToolUse
	}
	return out
}
