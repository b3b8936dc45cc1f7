package completion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIService implements Service for OpenAI
type OpenAIService struct {
	client    openai.Client
	maxTokens int
}

// NewOpenAIService creates a new OpenAI service
func NewOpenAIService(cfg ProviderConfig) *OpenAIService {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIService{
		client:    openai.NewClient(opts...),
		maxTokens: cfg.MaxTokens,
	}
}

// Provider returns the provider name
func (s *OpenAIService) Provider() string {
	return ProviderOpenAI
}

// Complete makes an API call to OpenAI
func (s *OpenAIService) Complete(ctx context.Context, request Request) (Response, error) {
	messages, err := toOpenAIMessages(request)
	if err != nil {
		return Response{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(request.Model),
		Messages: messages,
	}
	if s.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(s.maxTokens))
	}

	if len(request.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(request.Tools))
		for _, tool := range request.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.Parameters),
				},
			})
		}
		params.Tools = tools
	}

	response, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, wrapProviderError(ProviderOpenAI, err)
	}

	if len(response.Choices) == 0 {
		return Response{}, nil
	}

	choice := response.Choices[0]
	out := Response{
		Parts: []Part{},
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}

	if choice.Message.Content != "" {
		out.Parts = append(out.Parts, Part{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return Response{}, fmt.Errorf("failed to parse tool arguments: %w", err)
			}
		}
		out.Parts = append(out.Parts, Part{FunctionCall: &FunctionCall{
			Name: tc.Function.Name,
			Args: args,
		}})
	}

	return out, nil
}

func toOpenAIMessages(request Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if request.Instructions != "" {
		messages = append(messages, openai.SystemMessage(request.Instructions))
	}

	for _, entry := range request.History {
		for _, part := range entry.Parts {
			switch {
			case part.FunctionCall != nil:
				argsJSON, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				assistantMsg := openai.ChatCompletionMessage{
					Role: "assistant",
					ToolCalls: []openai.ChatCompletionMessageToolCall{{
						ID:   part.FunctionCall.Name,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunction{
							Name:      part.FunctionCall.Name,
							Arguments: string(argsJSON),
						},
					}},
				}
				messages = append(messages, assistantMsg.ToParam())
			case part.FunctionResponse != nil:
				output, err := json.Marshal(part.FunctionResponse.Response)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool result: %w", err)
				}
				messages = append(messages, openai.ToolMessage(string(output), part.FunctionResponse.Name))
			case entry.Role == RoleModel:
				messages = append(messages, openai.AssistantMessage(part.Text))
			default:
				messages = append(messages, openai.UserMessage(part.Text))
			}
		}
	}

	messages = append(messages, openai.UserMessage(request.Prompt))
	return messages, nil
}
