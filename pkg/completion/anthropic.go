package completion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicService implements Service for Anthropic Claude
type AnthropicService struct {
	client    anthropic.Client
	maxTokens int
}

// NewAnthropicService creates a new Anthropic service
func NewAnthropicService(cfg ProviderConfig) *AnthropicService {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicService{
		client:    anthropic.NewClient(opts...),
		maxTokens: maxTokens,
	}
}

// Provider returns the provider name
func (s *AnthropicService) Provider() string {
	return ProviderAnthropic
}

// Complete makes an API call to Anthropic Claude
func (s *AnthropicService) Complete(ctx context.Context, request Request) (Response, error) {
	messages, err := toAnthropicMessages(request)
	if err != nil {
		return Response{}, err
	}

	reqParams := anthropic.MessageNewParams{
		Model:     anthropic.Model(request.Model),
		Messages:  messages,
		MaxTokens: int64(s.maxTokens),
	}

	if request.Instructions != "" {
		reqParams.System = []anthropic.TextBlockParam{
			{Text: request.Instructions},
		}
	}

	if len(request.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(request.Tools))
		for _, tool := range request.Tools {
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.Parameters["properties"],
				},
			}
			toolParam.InputSchema.Required = requiredFields(tool.Parameters["required"])
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		reqParams.Tools = tools
	}

	response, err := s.client.Messages.New(ctx, reqParams)
	if err != nil {
		return Response{}, wrapProviderError(ProviderAnthropic, err)
	}

	out := Response{
		Parts: []Part{},
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}

	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Parts = append(out.Parts, Part{Text: b.Text})
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					return Response{}, fmt.Errorf("failed to parse tool input: %w", err)
				}
			}
			out.Parts = append(out.Parts, Part{FunctionCall: &FunctionCall{
				Name: b.Name,
				Args: args,
			}})
		}
	}

	return out, nil
}

// requiredFields reads a schema's required list, which is []string when built
// in code and []any after a JSON round trip.
func requiredFields(v any) []string {
	switch required := v.(type) {
	case []string:
		return required
	case []any:
		out := make([]string, 0, len(required))
		for _, item := range required {
			if name, ok := item.(string); ok {
				out = append(out, name)
			}
		}
		return out
	default:
		return nil
	}
}

func toAnthropicMessages(request Request) ([]anthropic.MessageParam, error) {
	messages := []anthropic.MessageParam{}

	for _, entry := range request.History {
		blocks := []anthropic.ContentBlockParamUnion{}
		for _, part := range entry.Parts {
			switch {
			case part.FunctionCall != nil:
				blocks = append(blocks, anthropic.NewToolUseBlock(part.FunctionCall.Name, part.FunctionCall.Args, part.FunctionCall.Name))
			case part.FunctionResponse != nil:
				output, err := json.Marshal(part.FunctionResponse.Response)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool result: %w", err)
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(part.FunctionResponse.Name, string(output), false))
			default:
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		}

		role := anthropic.MessageParamRoleUser
		if entry.Role == RoleModel {
			role = anthropic.MessageParamRoleAssistant
		}
		messages = append(messages, anthropic.MessageParam{Role: role, Content: blocks})
	}

	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(request.Prompt)))
	return messages, nil
}
