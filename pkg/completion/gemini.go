package completion

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiService implements Service for Google Gemini
type GeminiService struct {
	client *genai.Client
}

// NewGeminiService creates a new Gemini service. An empty API key lets the
// SDK fall back to GOOGLE_API_KEY / GEMINI_API_KEY from the environment.
func NewGeminiService(ctx context.Context, cfg ProviderConfig) (*GeminiService, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiService{client: client}, nil
}

// Provider returns the provider name
func (s *GeminiService) Provider() string {
	return ProviderGemini
}

// Complete makes an API call to Google Gemini
func (s *GeminiService) Complete(ctx context.Context, request Request) (Response, error) {
	contents := toGeminiContents(request.History)
	contents = append(contents, &genai.Content{
		Role:  string(RoleUser),
		Parts: []*genai.Part{{Text: request.Prompt}},
	})

	config := &genai.GenerateContentConfig{
		Tools: toGeminiTools(request.Tools),
	}
	if request.Instructions != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: request.Instructions}},
		}
	}

	resp, err := s.client.Models.GenerateContent(ctx, request.Model, contents, config)
	if err != nil {
		return Response{}, wrapProviderError(ProviderGemini, err)
	}

	return fromGeminiResponse(resp), nil
}

func toGeminiContents(history []Content) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, entry := range history {
		parts := make([]*genai.Part, 0, len(entry.Parts))
		for _, part := range entry.Parts {
			switch {
			case part.FunctionCall != nil:
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				}})
			case part.FunctionResponse != nil:
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					Name:     part.FunctionResponse.Name,
					Response: part.FunctionResponse.Response,
				}})
			default:
				parts = append(parts, &genai.Part{Text: part.Text})
			}
		}
		contents = append(contents, &genai.Content{Role: string(entry.Role), Parts: parts})
	}
	return contents
}

func toGeminiTools(schemas []ToolSchema) []*genai.Tool {
	if len(schemas) == 0 {
		return nil
	}

	declarations := make([]*genai.FunctionDeclaration, 0, len(schemas))
	for _, schema := range schemas {
		declaration := &genai.FunctionDeclaration{
			Name:        schema.Name,
			Description: schema.Description,
		}
		if hasProperties(schema.Parameters) {
			declaration.ParametersJsonSchema = schema.Parameters
		}
		declarations = append(declarations, declaration)
	}

	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// fromGeminiResponse keeps only the first candidate. A response without a
// candidate or without content yields nil Parts.
func fromGeminiResponse(resp *genai.GenerateContentResponse) Response {
	out := Response{}
	if resp == nil {
		return out
	}

	if resp.UsageMetadata != nil {
		out.Usage = &TokenUsage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}

	out.Parts = []Part{}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		switch {
		case part.FunctionCall != nil:
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			out.Parts = append(out.Parts, Part{FunctionCall: &FunctionCall{
				Name: part.FunctionCall.Name,
				Args: args,
			}})
		case part.Text != "":
			out.Parts = append(out.Parts, Part{Text: part.Text})
		}
	}

	return out
}

func hasProperties(schema map[string]any) bool {
	props, ok := schema["properties"].(map[string]any)
	return ok && len(props) > 0
}
