package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/infergate/infergate/gateway"
)

const anthropicVersion = "2023-06-01"

// Anthropic speaks the /v1/messages dialect: x-api-key auth, system
// prompt extracted from the message list, content blocks, and the
// event-typed SSE stream.
type Anthropic struct{}

func (a *Anthropic) Kind() string { return KindAnthropic }

func (a *Anthropic) CanHandle(providerType string) bool { return providerType == KindAnthropic }

type anthContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthMessage struct {
	Role    string        `json:"role"`
	Content []anthContent `json:"content"`
}

type anthTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthRequest struct {
	Model         string        `json:"model"`
	System        string        `json:"system,omitempty"`
	Messages      []anthMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens"`
	Temperature   float32       `json:"temperature,omitempty"`
	TopP          float32       `json:"top_p,omitempty"`
	TopK          int           `json:"top_k,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Tools         []anthTool    `json:"tools,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
}

type anthUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthResponse struct {
	ID         string        `json:"id"`
	Model      string        `json:"model"`
	Content    []anthContent `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      anthUsage     `json:"usage"`
}

// anthEvent is the union of the SSE event payloads the stream emits.
type anthEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message *anthResponse `json:"message"`
	Usage   *anthUsage    `json:"usage"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func buildAnthRequest(model string, req *gateway.ChatRequest, stream bool) anthRequest {
	body := anthRequest{
		Model:         model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	if body.MaxTokens <= 0 {
		// max_tokens is mandatory on this dialect.
		body.MaxTokens = 4096
	}
	for _, m := range req.Messages {
		switch m.Role {
		case gateway.RoleSystem:
			if body.System != "" {
				body.System += "\n\n"
			}
			body.System += m.Content
		case gateway.RoleTool:
			body.Messages = append(body.Messages, anthMessage{
				Role:    "user",
				Content: []anthContent{{Type: "tool_result", Text: m.Content, ID: m.ToolCallID}},
			})
		default:
			content := []anthContent{}
			if m.Content != "" {
				content = append(content, anthContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				content = append(content, anthContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
			}
			body.Messages = append(body.Messages, anthMessage{Role: string(m.Role), Content: content})
		}
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return body
}

func (a *Anthropic) post(ctx context.Context, client *http.Client, prov *gateway.ProviderConfig, body anthRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(prov.Endpoint, "/v1/messages"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", prov.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	applyCustomHeaders(httpReq, prov)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(err, prov.Key)
	}
	return resp, nil
}

// mapStopReason translates Anthropic stop reasons to the OpenAI-style
// finish reasons the gateway surface uses.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func (a *Anthropic) Execute(ctx context.Context, client *http.Client, prov *gateway.ProviderConfig, model string, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	resp, err := a.post(ctx, client, prov, buildAnthRequest(model, req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, MapHTTPError(resp.StatusCode, ReadErrorMessage(resp.Body), prov.Key)
	}

	var ar anthResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, decodeError(err, prov.Key)
	}

	msg := gateway.Message{Role: gateway.RoleAssistant}
	for _, c := range ar.Content {
		switch c.Type {
		case "text":
			msg.Content += c.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, gateway.ToolCall{
				ID:        c.ID,
				Name:      c.Name,
				Arguments: c.Input,
			})
		}
	}
	return &gateway.ChatResponse{
		ID:    ar.ID,
		Model: ar.Model,
		Choices: []gateway.ChatChoice{{
			FinishReason: mapStopReason(ar.StopReason),
			Message:      msg,
		}},
		Usage: gateway.ChatUsage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		},
		CreatedAt: time.Now(),
	}, nil
}

func (a *Anthropic) ExecuteStreaming(ctx context.Context, client *http.Client, prov *gateway.ProviderConfig, model string, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	resp, err := a.post(ctx, client, prov, buildAnthRequest(model, req, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, MapHTTPError(resp.StatusCode, ReadErrorMessage(resp.Body), prov.Key)
	}

	ch := make(chan gateway.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		var id string
		var promptTokens int
		scanErr := scanSSE(resp.Body, func(data string) error {
			var ev anthEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return decodeError(err, prov.Key)
			}
			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					id = ev.Message.ID
					promptTokens = ev.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if ev.Delta.Text == "" {
					return nil
				}
				chunk := gateway.StreamChunk{
					ID:    id,
					Index: ev.Index,
					Delta: gateway.Message{Role: gateway.RoleAssistant, Content: ev.Delta.Text},
				}
				if !sendChunk(ctx, ch, chunk) {
					return ctx.Err()
				}
			case "message_delta":
				chunk := gateway.StreamChunk{
					ID:           id,
					FinishReason: mapStopReason(ev.Delta.StopReason),
					Delta:        gateway.Message{Role: gateway.RoleAssistant},
				}
				if ev.Usage != nil {
					chunk.Usage = &gateway.ChatUsage{
						PromptTokens:     promptTokens,
						CompletionTokens: ev.Usage.OutputTokens,
						TotalTokens:      promptTokens + ev.Usage.OutputTokens,
					}
				}
				if !sendChunk(ctx, ch, chunk) {
					return ctx.Err()
				}
			case "error":
				msg := "upstream stream error"
				if ev.Error != nil {
					msg = ev.Error.Message
				}
				return &gateway.Error{
					Code:       gateway.ErrProviderServer,
					Message:    msg,
					HTTPStatus: http.StatusBadGateway,
					Retryable:  true,
					Provider:   prov.Key,
				}
			}
			return nil
		})
		if scanErr != nil && ctx.Err() == nil {
			ge, ok := scanErr.(*gateway.Error)
			if !ok {
				ge = transportError(scanErr, prov.Key)
			}
			sendChunk(ctx, ch, gateway.StreamChunk{Err: ge})
		}
	}()
	return ch, nil
}
