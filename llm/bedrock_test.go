package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/m4xw311/codexbridge/session"
	"github.com/m4xw311/codexbridge/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	input *bedrockruntime.InvokeModelInput
	body  string
	err   error
}

func (f *fakeInvoker) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: []byte(f.body)}, nil
}

func TestCreateBedrockRequest(t *testing.T) {
	req := Request{
		Model:     "anthropic.claude-3-5-sonnet-20241022-v2:0",
		MaxTokens: 1024,
		System:    "be brief",
		Messages: []session.Message{
			session.UserText("Hello, world!"),
			{Role: session.RoleAssistant, Content: session.Blocks{
				session.ToolUse{ID: "call_1", Name: "test_tool", Input: json.RawMessage(`{"param1":"value1"}`)},
			}},
			{Role: session.RoleUser, Content: session.Blocks{
				session.ToolResult{ToolUseID: "call_1", Content: "Tool result"},
			}},
		},
		Tools: []tools.Definition{{
			Name:        "test_tool",
			Description: "A test tool",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		}},
	}

	body, err := createBedrockRequest(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens": 1024,
		"system": "be brief",
		"messages": [
			{"role":"user","content":[{"type":"text","text":"Hello, world!"}]},
			{"role":"assistant","content":[{"type":"tool_use","id":"call_1","name":"test_tool","input":{"param1":"value1"}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"call_1","content":"Tool result"}]}
		],
		"tools": [{"name":"test_tool","description":"A test tool","input_schema":{"type":"object","properties":{}}}]
	}`, string(body))
}

func TestBedrockSend(t *testing.T) {
	inv := &fakeInvoker{body: `{
		"content": [
			{"type":"thinking","thinking":"hmm"},
			{"type":"text","text":"Reading it."},
			{"type":"tool_use","id":"toolu_9","name":"read_file","input":{"path":"go.mod"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 12, "output_tokens": 7}
	}`}
	client := &BedrockClient{client: inv}

	resp, err := client.Send(context.Background(), Request{Model: "model-x", MaxTokens: 10, Messages: []session.Message{session.UserText("hi")}})
	require.NoError(t, err)
	assert.Equal(t, "model-x", *inv.input.ModelId)
	assert.Equal(t, "application/json", *inv.input.ContentType)
	assert.Equal(t, StopToolUse, resp.StopReason)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 7}, resp.Usage)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, session.Text{Text: "Reading it."}, resp.Content[0])
	use := resp.Content[1].(session.ToolUse)
	assert.Equal(t, "toolu_9", use.ID)
	assert.JSONEq(t, `{"path":"go.mod"}`, string(use.Input))
}

func TestBedrockErrorClassification(t *testing.T) {
	tests := []struct {
		code string
		want ErrorKind
	}{
		{"AccessDeniedException", KindAuthentication},
		{"UnrecognizedClientException", KindAuthentication},
		{"ThrottlingException", KindRateLimit},
		{"ServiceUnavailableException", KindOverloaded},
		{"ModelNotReadyException", KindOverloaded},
		{"ValidationException", KindInvalidRequest},
		{"InternalServerException", KindAPI},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			client := &BedrockClient{client: &fakeInvoker{err: &smithy.GenericAPIError{Code: tt.code, Message: "nope"}}}
			_, err := client.Send(context.Background(), Request{Model: "m"})
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestProcessBedrockResponseErrorPayload(t *testing.T) {
	_, err := processBedrockResponse([]byte(`{"error":{"message":"bad"}}`))
	assert.Equal(t, KindAPI, KindOf(err))

	_, err = processBedrockResponse([]byte(`not json`))
	assert.Error(t, err)

	resp, err := processBedrockResponse([]byte(`{"content":[{"type":"text","text":"done"}]}`))
	require.NoError(t, err)
	assert.Equal(t, StopEndTurn, resp.StopReason)
}
