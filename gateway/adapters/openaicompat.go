package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/infergate/infergate/gateway"
)

// OpenAICompat speaks the /v1/chat/completions dialect shared by OpenAI,
// DeepSeek, Qwen, GLM, Groq, Mistral, and most aggregators. It is the
// default adapter: CanHandle accepts the empty provider type.
type OpenAICompat struct{}

func (a *OpenAICompat) Kind() string { return KindOpenAICompat }

func (a *OpenAICompat) CanHandle(providerType string) bool {
	return providerType == KindOpenAICompat || providerType == ""
}

// Wire types for the OpenAI-compatible dialect.

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content,omitempty"`
	Name       string       `json:"name,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaToolCall struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type oaTool struct {
	Type     string       `json:"type"`
	Function oaToolSchema `json:"function"`
}

type oaToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type oaRequest struct {
	Model            string      `json:"model"`
	Messages         []oaMessage `json:"messages"`
	MaxTokens        int         `json:"max_tokens,omitempty"`
	Temperature      float32     `json:"temperature,omitempty"`
	TopP             float32     `json:"top_p,omitempty"`
	Stop             []string    `json:"stop,omitempty"`
	Tools            []oaTool    `json:"tools,omitempty"`
	ToolChoice       string      `json:"tool_choice,omitempty"`
	ResponseFormat   *oaFormat   `json:"response_format,omitempty"`
	Stream           bool        `json:"stream,omitempty"`
	Seed             *int64      `json:"seed,omitempty"`
	PresencePenalty  float32     `json:"presence_penalty,omitempty"`
	FrequencyPenalty float32     `json:"frequency_penalty,omitempty"`
}

type oaFormat struct {
	Type string `json:"type"`
}

type oaChoice struct {
	Index        int        `json:"index"`
	Message      *oaMessage `json:"message,omitempty"`
	Delta        *oaMessage `json:"delta,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

type oaUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaResponse struct {
	ID      string     `json:"id"`
	Model   string     `json:"model"`
	Created int64      `json:"created"`
	Choices []oaChoice `json:"choices"`
	Usage   *oaUsage   `json:"usage,omitempty"`
}

func buildOARequest(model string, req *gateway.ChatRequest, stream bool) oaRequest {
	body := oaRequest{
		Model:            model,
		Messages:         make([]oaMessage, 0, len(req.Messages)),
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		Stop:             req.Stop,
		ToolChoice:       req.ToolChoice,
		Stream:           stream,
		Seed:             req.Seed,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
	}
	for _, m := range req.Messages {
		om := oaMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, oaToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: oaFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		body.Messages = append(body.Messages, om)
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, oaTool{
			Type: "function",
			Function: oaToolSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.ResponseFormat != "" {
		body.ResponseFormat = &oaFormat{Type: req.ResponseFormat}
	}
	return body
}

func (a *OpenAICompat) post(ctx context.Context, client *http.Client, prov *gateway.ProviderConfig, body oaRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(prov.Endpoint, "/chat/completions"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if prov.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+prov.APIKey)
	}
	applyCustomHeaders(httpReq, prov)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(err, prov.Key)
	}
	return resp, nil
}

func (a *OpenAICompat) Execute(ctx context.Context, client *http.Client, prov *gateway.ProviderConfig, model string, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	resp, err := a.post(ctx, client, prov, buildOARequest(model, req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, MapHTTPError(resp.StatusCode, ReadErrorMessage(resp.Body), prov.Key)
	}

	var oa oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&oa); err != nil {
		return nil, decodeError(err, prov.Key)
	}
	return toChatResponse(oa), nil
}

func toChatResponse(oa oaResponse) *gateway.ChatResponse {
	out := &gateway.ChatResponse{
		ID:    oa.ID,
		Model: oa.Model,
	}
	if oa.Created != 0 {
		out.CreatedAt = time.Unix(oa.Created, 0)
	}
	for _, c := range oa.Choices {
		choice := gateway.ChatChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message:      gateway.Message{Role: gateway.RoleAssistant},
		}
		if c.Message != nil {
			choice.Message.Content = c.Message.Content
			for _, tc := range c.Message.ToolCalls {
				choice.Message.ToolCalls = append(choice.Message.ToolCalls, gateway.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}
		out.Choices = append(out.Choices, choice)
	}
	if oa.Usage != nil {
		out.Usage = gateway.ChatUsage{
			PromptTokens:     oa.Usage.PromptTokens,
			CompletionTokens: oa.Usage.CompletionTokens,
			TotalTokens:      oa.Usage.TotalTokens,
		}
	}
	return out
}

func (a *OpenAICompat) ExecuteStreaming(ctx context.Context, client *http.Client, prov *gateway.ProviderConfig, model string, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	resp, err := a.post(ctx, client, prov, buildOARequest(model, req, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, MapHTTPError(resp.StatusCode, ReadErrorMessage(resp.Body), prov.Key)
	}
	return streamOASSE(ctx, resp.Body, prov.Key), nil
}

// streamOASSE parses an OpenAI-compatible SSE body into stream chunks.
// Shared by every adapter whose streaming dialect matches OpenAI's.
func streamOASSE(ctx context.Context, body io.ReadCloser, provider string) <-chan gateway.StreamChunk {
	ch := make(chan gateway.StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)
		err := scanSSE(body, func(data string) error {
			var oa oaResponse
			if err := json.Unmarshal([]byte(data), &oa); err != nil {
				return decodeError(err, provider)
			}
			for _, choice := range oa.Choices {
				chunk := gateway.StreamChunk{
					ID:           oa.ID,
					Model:        oa.Model,
					Index:        choice.Index,
					FinishReason: choice.FinishReason,
					Delta:        gateway.Message{Role: gateway.RoleAssistant},
				}
				if choice.Delta != nil {
					chunk.Delta.Content = choice.Delta.Content
					for _, tc := range choice.Delta.ToolCalls {
						chunk.Delta.ToolCalls = append(chunk.Delta.ToolCalls, gateway.ToolCall{
							ID:        tc.ID,
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						})
					}
				}
				if oa.Usage != nil {
					chunk.Usage = &gateway.ChatUsage{
						PromptTokens:     oa.Usage.PromptTokens,
						CompletionTokens: oa.Usage.CompletionTokens,
						TotalTokens:      oa.Usage.TotalTokens,
					}
				}
				if !sendChunk(ctx, ch, chunk) {
					return ctx.Err()
				}
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			var ge *gateway.Error
			if e, ok := err.(*gateway.Error); ok {
				ge = e
			} else {
				ge = transportError(err, provider)
			}
			sendChunk(ctx, ch, gateway.StreamChunk{Err: ge})
		}
	}()
	return ch
}
