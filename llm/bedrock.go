package llm

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/session"
	"github.com/m4xw311/codexbridge/tools"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockClient is a client for the Anthropic models on AWS Bedrock.
type BedrockClient struct {
	client bedrockInvoker
}

// NewBedrockClient creates a new BedrockClient.
// It requires AWS credentials to be configured in the environment.
func NewBedrockClient(ctx context.Context) (*BedrockClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	if cfg.Region == "" {
		cfg.Region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	// A custom endpoint is useful for testing against a local stub.
	endpoint := os.Getenv("BEDROCK_ENDPOINT_URL")
	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &BedrockClient{client: client}, nil
}

type bedrockRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int64              `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Messages         []session.Message  `json:"messages"`
	Tools            []tools.Definition `json:"tools,omitempty"`
}

type bedrockResponse struct {
	Content    []json.RawMessage `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      Usage             `json:"usage"`
	Error      any               `json:"error"`
}

// Send invokes the model with an Anthropic Messages body. Session messages
// already use that wire form, so they are marshaled as they are.
func (b *BedrockClient) Send(ctx context.Context, req Request) (*Response, error) {
	body, err := createBedrockRequest(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Bedrock request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classifyBedrock(err)
	}
	return processBedrockResponse(resp.Body)
}

func createBedrockRequest(req Request) ([]byte, error) {
	return json.Marshal(bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        req.MaxTokens,
		System:           req.System,
		Messages:         req.Messages,
		Tools:            req.Tools,
	})
}

// processBedrockResponse decodes the reply. Block types the session model
// does not carry (thinking, for example) are skipped.
func processBedrockResponse(body []byte) (*Response, error) {
	var raw bedrockResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &APIError{Kind: KindAPI, Message: "failed to decode Bedrock response", Err: err}
	}
	if raw.Error != nil {
		return nil, &APIError{Kind: KindAPI, Message: "Bedrock returned an error payload"}
	}

	out := &Response{StopReason: raw.StopReason, Usage: raw.Usage}
	for _, item := range raw.Content {
		block, err := session.UnmarshalBlock(item)
		if err != nil {
			continue
		}
		if use, ok := block.(session.ToolUse); ok {
			use.Input = inputOrEmpty(use.Input)
			block = use
		}
		out.Content = append(out.Content, block)
	}
	if out.StopReason == "" {
		out.StopReason = StopEndTurn
	}
	return out, nil
}

func classifyBedrock(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return transportError("bedrock", err)
	}
	code := apiErr.ErrorCode()
	kind := KindAPI
	switch {
	case strings.Contains(code, "AccessDenied"), strings.Contains(code, "UnrecognizedClient"), strings.Contains(code, "ExpiredToken"):
		kind = KindAuthentication
	case strings.Contains(code, "Throttling"), strings.Contains(code, "TooManyRequests"):
		kind = KindRateLimit
	case strings.Contains(code, "ServiceUnavailable"), strings.Contains(code, "ModelNotReady"):
		kind = KindOverloaded
	case strings.Contains(code, "Validation"), strings.Contains(code, "ResourceNotFound"):
		kind = KindInvalidRequest
	}
	status := 0
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		status = withStatus.HTTPStatusCode()
	}
	return &APIError{Kind: kind, Status: status, Message: "bedrock: " + apiErr.ErrorMessage(), Err: err}
}
