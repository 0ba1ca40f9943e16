package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

// GeminiClient implements domain.StreamingModelClient on the Gemini API
// with native function calling.
type GeminiClient struct {
	logger *slog.Logger
	client *genai.Client
	model  string
}

var _ domain.StreamingModelClient = (*GeminiClient)(nil)

func NewGeminiClient(ctx context.Context, logger *slog.Logger, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiClient{logger: logger, client: client, model: model}, nil
}

func (g *GeminiClient) NextStep(ctx context.Context, req domain.ModelRequest) (domain.ModelStep, error) {
	contents, config := geminiRequest(req)
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return domain.ModelStep{}, fmt.Errorf("gemini generate: %w", err)
	}
	text, calls, err := geminiParts(resp)
	if err != nil {
		return domain.ModelStep{}, err
	}
	return geminiStep(text, calls), nil
}

// StreamStep forwards text while no function call has been seen.
func (g *GeminiClient) StreamStep(ctx context.Context, req domain.ModelRequest, onChunk func(string)) (domain.ModelStep, error) {
	contents, config := geminiRequest(req)
	var (
		text  strings.Builder
		calls []*genai.FunctionCall
	)
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, config) {
		if err != nil {
			return domain.ModelStep{}, fmt.Errorf("gemini stream: %w", err)
		}
		chunk, chunkCalls, err := geminiParts(resp)
		if err != nil {
			return domain.ModelStep{}, err
		}
		calls = append(calls, chunkCalls...)
		text.WriteString(chunk)
		if chunk != "" && len(calls) == 0 && onChunk != nil {
			onChunk(chunk)
		}
	}
	return geminiStep(text.String(), calls), nil
}

// geminiRequest maps the reasoning context onto Gemini contents. System
// messages after the first turn become user turns, since Gemini only
// takes one system instruction.
func geminiRequest(req domain.ModelRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if !req.ForceFinal && len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			var params any = json.RawMessage(emptyParameters)
			if len(t.InputSchema) > 0 {
				params = json.RawMessage(t.InputSchema)
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: params,
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, c := range m.ToolCalls {
				part := genai.NewPartFromFunctionCall(c.ToolName, c.Arguments)
				part.FunctionCall.ID = c.ID
				parts = append(parts, part)
			}
			if len(parts) > 0 {
				contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
			}
		case domain.RoleTool:
			part := genai.NewPartFromFunctionResponse(m.ToolName, map[string]any{"output": m.Content})
			part.FunctionResponse.ID = m.ToolCallID
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, config
}

// geminiParts splits the first candidate into text and function calls.
func geminiParts(resp *genai.GenerateContentResponse) (string, []*genai.FunctionCall, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", nil, fmt.Errorf("gemini blocked the prompt: %s", resp.PromptFeedback.BlockReason)
		}
		return "", nil, nil
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", nil, nil
	}
	var (
		text  strings.Builder
		calls []*genai.FunctionCall
	)
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			calls = append(calls, p.FunctionCall)
		case p.Thought:
		case p.Text != "":
			text.WriteString(p.Text)
		}
	}
	return text.String(), calls, nil
}

func geminiStep(text string, calls []*genai.FunctionCall) domain.ModelStep {
	text = strings.TrimSpace(text)
	if len(calls) == 0 {
		return domain.ModelStep{IsFinal: true, FinalAnswer: text}
	}
	step := domain.ModelStep{Thought: text}
	for _, fc := range calls {
		args := fc.Args
		if args == nil {
			args = map[string]any{}
		}
		step.ToolCalls = append(step.ToolCalls, domain.ToolCall{ID: fc.ID, ToolName: fc.Name, Arguments: args})
	}
	return step
}
