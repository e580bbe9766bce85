package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/session"
	"github.com/m4xw311/codexbridge/tools"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiClient is a client for the Google Gemini API.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a new GeminiClient.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiClient(ctx context.Context) (*GeminiClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiClient{client: client}, nil
}

// Close releases the underlying connection.
func (g *GeminiClient) Close() error { return g.client.Close() }

// Send replays the history as a chat session and sends the last message.
func (g *GeminiClient) Send(ctx context.Context, req Request) (*Response, error) {
	history := toGeminiContents(req.Messages)
	if len(history) == 0 {
		return nil, &APIError{Kind: KindInvalidRequest, Message: "gemini: no messages to send"}
	}

	model := g.client.GenerativeModel(req.Model)
	model.Tools = toGeminiTools(req.Tools)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	last := history[len(history)-1]
	cs := model.StartChat()
	cs.History = history[:len(history)-1]
	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			return nil, statusError("gemini", apiErr.Code, err)
		}
		return nil, transportError("gemini", err)
	}
	return fromGeminiResponse(resp)
}

// toGeminiContents converts session messages. Gemini answers function calls
// by name, so tool_use ids are mapped back to the name that produced them.
func toGeminiContents(msgs []session.Message) []*genai.Content {
	names := make(map[string]string)
	var out []*genai.Content
	for _, msg := range msgs {
		role := "user"
		if msg.Role == session.RoleAssistant {
			role = "model"
		}
		content := &genai.Content{Role: role}
		for _, block := range msg.Content {
			switch b := block.(type) {
			case session.Text:
				if b.Text != "" {
					content.Parts = append(content.Parts, genai.Text(b.Text))
				}
			case session.ToolUse:
				names[b.ID] = b.Name
				args := map[string]any{}
				_ = json.Unmarshal(inputOrEmpty(b.Input), &args)
				content.Parts = append(content.Parts, genai.FunctionCall{Name: b.Name, Args: args})
			case session.ToolResult:
				content.Parts = append(content.Parts, genai.FunctionResponse{
					Name:     names[b.ToolUseID],
					Response: resultPayload(b),
				})
			}
		}
		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

func resultPayload(r session.ToolResult) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal([]byte(r.Content), &payload); err != nil || payload == nil {
		payload = map[string]any{"content": r.Content}
	}
	if r.IsError {
		payload["is_error"] = true
	}
	return payload
}

func toGeminiTools(defs []tools.Definition) []*genai.Tool {
	if len(defs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  toGeminiSchema(d.InputSchema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGeminiSchema converts a JSON schema map into genai.Schema. Keywords
// Gemini does not understand are dropped.
func toGeminiSchema(m map[string]any) *genai.Schema {
	s := &genai.Schema{Type: geminiType(m["type"])}
	if desc, ok := m["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = toGeminiSchema(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = toGeminiSchema(items)
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if str, ok := e.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	}
	s.Required = schemaRequired(m)
	return s
}

func geminiType(v any) genai.Type {
	switch v {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) (*Response, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &APIError{Kind: KindAPI, Message: "gemini: received an empty response"}
	}
	cand := resp.Candidates[0]
	out := &Response{StopReason: StopEndTurn}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	for _, part := range cand.Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			out.Content = append(out.Content, session.Text{Text: string(v)})
		case genai.FunctionCall:
			out.Content = append(out.Content, geminiToolUse(v))
		case *genai.FunctionCall:
			out.Content = append(out.Content, geminiToolUse(*v))
		}
	}
	if len(out.Content.ToolUses()) > 0 {
		out.StopReason = StopToolUse
	} else if cand.FinishReason == genai.FinishReasonMaxTokens {
		out.StopReason = StopMaxTokens
	}
	return out, nil
}

// geminiToolUse assigns an id, since Gemini function calls carry none.
func geminiToolUse(fc genai.FunctionCall) session.ToolUse {
	input, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		input = []byte("{}")
	}
	return session.ToolUse{ID: "call_" + uuid.NewString(), Name: fc.Name, Input: input}
}
