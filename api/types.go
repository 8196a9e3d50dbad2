package api

import (
	"encoding/json"
	"time"

	"github.com/infergate/infergate/gateway"
)

// ChatMessage is the OpenAI-compatible message shape.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is the OpenAI-compatible tool call shape.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the invoked function name and raw arguments.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool is the OpenAI-compatible tool declaration.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition declares a callable function with its JSON Schema.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ResponseFormat selects the output format, e.g. {"type":"json_object"}.
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatCompletionRequest is the public request body of
// POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      float32         `json:"temperature,omitempty"`
	TopP             float32         `json:"top_p,omitempty"`
	TopK             int             `json:"top_k,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Seed             *int64          `json:"seed,omitempty"`
	PresencePenalty  float32         `json:"presence_penalty,omitempty"`
	FrequencyPenalty float32         `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
}

// ToGateway converts the wire request to the normalized dispatch request.
func (r *ChatCompletionRequest) ToGateway() *gateway.ChatRequest {
	req := &gateway.ChatRequest{
		Model:            r.Model,
		MaxTokens:        r.MaxTokens,
		Temperature:      r.Temperature,
		TopP:             r.TopP,
		TopK:             r.TopK,
		Stop:             r.Stop,
		Stream:           r.Stream,
		Seed:             r.Seed,
		PresencePenalty:  r.PresencePenalty,
		FrequencyPenalty: r.FrequencyPenalty,
	}
	for _, m := range r.Messages {
		gm := gateway.Message{
			Role:       gateway.Role(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			gm.ToolCalls = append(gm.ToolCalls, gateway.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		req.Messages = append(req.Messages, gm)
	}
	for _, t := range r.Tools {
		req.Tools = append(req.Tools, gateway.ToolSchema{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	// tool_choice is either a mode string or a {"function":{"name":...}}
	// object; both collapse to a plain string internally.
	if len(r.ToolChoice) > 0 {
		var mode string
		if err := json.Unmarshal(r.ToolChoice, &mode); err == nil {
			req.ToolChoice = mode
		} else {
			var obj struct {
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			}
			if err := json.Unmarshal(r.ToolChoice, &obj); err == nil && obj.Function.Name != "" {
				req.ToolChoice = obj.Function.Name
			}
		}
	}
	if r.ResponseFormat != nil {
		req.ResponseFormat = r.ResponseFormat.Type
	}
	return req
}

// Usage is the OpenAI-compatible usage block, extended with the estimated
// marker for locally synthesized counts.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// ChatCompletionChoice is one completion choice.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// ChatCompletionResponse is the public unary response. Provider and
// EffectiveModel identify the upstream that actually served the request.
type ChatCompletionResponse struct {
	ID             string                 `json:"id"`
	Object         string                 `json:"object"`
	Created        int64                  `json:"created"`
	Model          string                 `json:"model"`
	Provider       string                 `json:"provider"`
	EffectiveModel string                 `json:"effective_model"`
	Choices        []ChatCompletionChoice `json:"choices"`
	Usage          Usage                  `json:"usage"`
}

// FromGatewayResponse converts a normalized response to the wire shape.
func FromGatewayResponse(resp *gateway.ChatResponse) *ChatCompletionResponse {
	created := resp.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	out := &ChatCompletionResponse{
		ID:             resp.ID,
		Object:         "chat.completion",
		Created:        created.Unix(),
		Model:          resp.Model,
		Provider:       resp.Provider,
		EffectiveModel: resp.EffectiveModel,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			Estimated:        resp.Usage.Estimated,
		},
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, ChatCompletionChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message:      fromGatewayMessage(c.Message),
		})
	}
	return out
}

func fromGatewayMessage(m gateway.Message) ChatMessage {
	out := ChatMessage{
		Role:       string(m.Role),
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return out
}

// ChunkDelta is the incremental message fragment inside a stream chunk.
type ChunkDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ChatCompletionChunkChoice is one choice within a stream chunk.
type ChatCompletionChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// ChatCompletionChunk is one SSE event payload on the streaming surface.
type ChatCompletionChunk struct {
	ID             string                      `json:"id"`
	Object         string                      `json:"object"`
	Created        int64                       `json:"created"`
	Model          string                      `json:"model"`
	Provider       string                      `json:"provider"`
	EffectiveModel string                      `json:"effective_model"`
	Choices        []ChatCompletionChunkChoice `json:"choices"`
	Usage          *Usage                      `json:"usage,omitempty"`
}

// FromGatewayChunk converts a normalized stream chunk to the wire shape.
func FromGatewayChunk(chunk gateway.StreamChunk) *ChatCompletionChunk {
	out := &ChatCompletionChunk{
		ID:             chunk.ID,
		Object:         "chat.completion.chunk",
		Created:        time.Now().Unix(),
		Model:          chunk.Model,
		Provider:       chunk.Provider,
		EffectiveModel: chunk.EffectiveModel,
	}
	choice := ChatCompletionChunkChoice{
		Index:        chunk.Index,
		FinishReason: chunk.FinishReason,
		Delta: ChunkDelta{
			Role:    string(chunk.Delta.Role),
			Content: chunk.Delta.Content,
		},
	}
	for _, tc := range chunk.Delta.ToolCalls {
		choice.Delta.ToolCalls = append(choice.Delta.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	out.Choices = append(out.Choices, choice)
	if chunk.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
			Estimated:        chunk.Usage.Estimated,
		}
	}
	return out
}

// Model is one entry on GET /v1/models.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the GET /v1/models response.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorInfo is the OpenAI-compatible error payload.
type ErrorInfo struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ErrorResponse is the error envelope on every failed request.
type ErrorResponse struct {
	Error ErrorInfo `json:"error"`
}
