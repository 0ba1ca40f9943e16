package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

// OpenAIOptions configures an OpenAI-compatible endpoint.
// Works with: OpenAI, Together AI, vLLM, local Ollama /v1, etc.
type OpenAIOptions struct {
	BaseURL string
	APIKey  string
	Model   string
	// ReAct drives tools through the text protocol instead of native
	// function calling, for models that have none.
	ReAct   bool
	Timeout time.Duration
	// HTTPClient overrides the default client; Timeout is ignored then.
	HTTPClient *http.Client
}

// OpenAIClient implements domain.ModelClient over /chat/completions.
type OpenAIClient struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
	react   bool
}

var _ domain.ModelClient = (*OpenAIClient)(nil)

func NewOpenAIClient(logger *slog.Logger, opts OpenAIOptions) *OpenAIClient {
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	return &OpenAIClient{
		logger:  logger,
		client:  client,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		model:   opts.Model,
		react:   opts.ReAct,
	}
}

// Streaming returns a client that also implements
// domain.StreamingModelClient.
func (c *OpenAIClient) Streaming() *OpenAIStreamClient {
	return &OpenAIStreamClient{OpenAIClient: c}
}

// OpenAIStreamClient delivers final answers over server-sent events.
type OpenAIStreamClient struct {
	*OpenAIClient
}

var _ domain.StreamingModelClient = (*OpenAIStreamClient)(nil)

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	Index    int          `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string          `json:"type"`
	Function wireDeclaration `json:"function"`
}

type wireDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		Delta        chatMessage `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// emptyParameters is sent for tools without an input schema.
var emptyParameters = json.RawMessage(`{"type":"object","properties":{}}`)

func (c *OpenAIClient) buildRequest(req domain.ModelRequest, stream bool) chatRequest {
	system := req.System
	if c.react {
		if system != "" {
			system += "\n\n"
		}
		system += reactInstructions(req.Tools, req.ForceFinal)
	}

	out := chatRequest{Model: c.model, Stream: stream}
	if system != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: system})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, c.wireMessage(m))
	}

	if !c.react && !req.ForceFinal {
		for _, t := range req.Tools {
			params := json.RawMessage(t.InputSchema)
			if len(params) == 0 {
				params = emptyParameters
			}
			out.Tools = append(out.Tools, wireTool{
				Type:     "function",
				Function: wireDeclaration{Name: t.Name, Description: t.Description, Parameters: params},
			})
		}
	}
	return out
}

func (c *OpenAIClient) wireMessage(m domain.Message) chatMessage {
	switch m.Role {
	case domain.RoleAssistant:
		if len(m.ToolCalls) == 0 {
			return chatMessage{Role: "assistant", Content: m.Content}
		}
		if c.react {
			return chatMessage{Role: "assistant", Content: reactTranscript(m)}
		}
		msg := chatMessage{Role: "assistant", Content: m.Content}
		for _, call := range m.ToolCalls {
			args, err := json.Marshal(call.Arguments)
			if err != nil || call.Arguments == nil {
				args = []byte("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, wireToolCall{
				ID:       call.ID,
				Type:     "function",
				Function: wireFunction{Name: call.ToolName, Arguments: string(args)},
			})
		}
		return msg
	case domain.RoleTool:
		if c.react {
			return chatMessage{Role: "user", Content: "Observation: " + m.Content}
		}
		return chatMessage{Role: "tool", Content: m.Content, ToolCallID: m.ToolCallID}
	default:
		return chatMessage{Role: string(m.Role), Content: m.Content}
	}
}

// toStep converts an assistant message into a reasoning step.
func (c *OpenAIClient) toStep(msg chatMessage) domain.ModelStep {
	if c.react {
		return parseReAct(msg.Content)
	}
	content := strings.TrimSpace(msg.Content)
	if len(msg.ToolCalls) == 0 {
		return domain.ModelStep{IsFinal: true, FinalAnswer: content}
	}
	step := domain.ModelStep{Thought: content}
	for _, tc := range msg.ToolCalls {
		step.ToolCalls = append(step.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			ToolName:  tc.Function.Name,
			Arguments: decodeArguments(tc.Function.Arguments),
		})
	}
	return step
}

func decodeArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}

// NextStep asks the model for one reasoning step.
func (c *OpenAIClient) NextStep(ctx context.Context, req domain.ModelRequest) (domain.ModelStep, error) {
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		return domain.ModelStep{}, err
	}
	defer resp.Body.Close()

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.ModelStep{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Error != nil {
		return domain.ModelStep{}, fmt.Errorf("model error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return domain.ModelStep{}, errors.New("no choices in response")
	}
	return c.toStep(result.Choices[0].Message), nil
}

// StreamStep is NextStep over server-sent events. onChunk sees answer
// text only: in ReAct mode the part after "Final Answer:", natively the
// content of replies that request no tools.
func (c *OpenAIStreamClient) StreamStep(ctx context.Context, req domain.ModelRequest, onChunk func(string)) (domain.ModelStep, error) {
	resp, err := c.post(ctx, c.buildRequest(req, true))
	if err != nil {
		return domain.ModelStep{}, err
	}
	defer resp.Body.Close()

	var (
		content strings.Builder
		answer  = &answerStreamer{onChunk: onChunk}
		calls   = make(map[int]*wireToolCall)
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return domain.ModelStep{}, fmt.Errorf("failed to decode stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return domain.ModelStep{}, fmt.Errorf("model error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		for _, tc := range delta.ToolCalls {
			acc, ok := calls[tc.Index]
			if !ok {
				acc = &wireToolCall{Index: tc.Index}
				calls[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Function.Name = tc.Function.Name
			}
			acc.Function.Arguments += tc.Function.Arguments
		}
		if delta.Content == "" {
			continue
		}
		content.WriteString(delta.Content)
		switch {
		case c.react:
			answer.write(delta.Content)
		case len(calls) == 0 && onChunk != nil:
			onChunk(delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.ModelStep{}, fmt.Errorf("failed to read stream: %w", err)
	}

	msg := chatMessage{Role: "assistant", Content: content.String()}
	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		msg.ToolCalls = append(msg.ToolCalls, *calls[i])
	}
	return c.toStep(msg), nil
}

func (c *OpenAIClient) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call API: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	c.logger.Debug("model call", "model", c.model, "stream", body.Stream, "tools", len(body.Tools), "latency", time.Since(start))
	return resp, nil
}
