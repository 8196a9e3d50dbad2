package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ChatRequest is the normalized request handed to the dispatch engine.
// Model is the caller-supplied identifier (canonical id, alias, or
// "<providerKey>/<id>"); the dispatch loop substitutes the provider-specific
// id per candidate before the adapter sees it.
type ChatRequest struct {
	Model            string            `json:"model"`
	Messages         []Message         `json:"messages"`
	MaxTokens        int               `json:"max_tokens,omitempty"`
	Temperature      float32           `json:"temperature,omitempty"`
	TopP             float32           `json:"top_p,omitempty"`
	TopK             int               `json:"top_k,omitempty"`
	Stop             []string          `json:"stop,omitempty"`
	Tools            []ToolSchema      `json:"tools,omitempty"`
	ToolChoice       string            `json:"tool_choice,omitempty"` // auto/none/<tool name>
	ResponseFormat   string            `json:"response_format,omitempty"`
	Stream           bool              `json:"stream,omitempty"`
	Seed             *int64            `json:"seed,omitempty"`
	PresencePenalty  float32           `json:"presence_penalty,omitempty"`
	FrequencyPenalty float32           `json:"frequency_penalty,omitempty"`
	Timeout          time.Duration     `json:"-"`
	TenantID         string            `json:"-"`
	Metadata         map[string]string `json:"-"`
}

// Clone returns a shallow copy with its own metadata map. The dispatch loop
// clones the request once per candidate so the model substitution never
// leaks between attempts.
func (r *ChatRequest) Clone() *ChatRequest {
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

type ChatUsage struct {
	PromptTokens     int  `json:"prompt_tokens,omitempty"`
	CompletionTokens int  `json:"completion_tokens,omitempty"`
	TotalTokens      int  `json:"total_tokens,omitempty"`
	Estimated        bool `json:"estimated,omitempty"` // counts derived locally, not reported upstream
}

type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

// ChatResponse is the uniform completion shape. Provider and EffectiveModel
// identify which upstream actually served the request.
type ChatResponse struct {
	ID             string       `json:"id,omitempty"`
	Provider       string       `json:"provider,omitempty"`
	Model          string       `json:"model"`
	EffectiveModel string       `json:"effective_model,omitempty"`
	Choices        []ChatChoice `json:"choices"`
	Usage          ChatUsage    `json:"usage,omitempty"`
	CreatedAt      time.Time    `json:"created_at,omitempty"`
}

// StreamChunk is one streaming delta. A chunk with Err set terminates the
// stream; a chunk with FinishReason set is the final content-bearing chunk.
type StreamChunk struct {
	ID             string     `json:"id,omitempty"`
	Provider       string     `json:"provider,omitempty"`
	Model          string     `json:"model,omitempty"`
	EffectiveModel string     `json:"effective_model,omitempty"`
	Index          int        `json:"index,omitempty"`
	Delta          Message    `json:"delta"`
	FinishReason   string     `json:"finish_reason,omitempty"`
	Usage          *ChatUsage `json:"usage,omitempty"`
	Err            *Error     `json:"error,omitempty"`
}

// Capabilities are the feature flags a canonical model advertises.
type Capabilities struct {
	Streaming        bool `yaml:"streaming" json:"streaming"`
	Tools            bool `yaml:"tools" json:"tools"`
	Vision           bool `yaml:"vision" json:"vision"`
	Audio            bool `yaml:"audio" json:"audio"`
	StructuredOutput bool `yaml:"structured_output" json:"structured_output"`
	Reasoning        bool `yaml:"reasoning" json:"reasoning"`
}

// RequiredCapabilities filters candidates during resolution. Only set
// flags are required; zero value matches every model.
type RequiredCapabilities struct {
	Streaming        bool
	Tools            bool
	Vision           bool
	Audio            bool
	StructuredOutput bool
	Reasoning        bool
}

// Satisfies reports whether the model capabilities cover every required flag.
func (c Capabilities) Satisfies(req RequiredCapabilities) bool {
	if req.Streaming && !c.Streaming {
		return false
	}
	if req.Tools && !c.Tools {
		return false
	}
	if req.Vision && !c.Vision {
		return false
	}
	if req.Audio && !c.Audio {
		return false
	}
	if req.StructuredOutput && !c.StructuredOutput {
		return false
	}
	if req.Reasoning && !c.Reasoning {
		return false
	}
	return true
}

// Adapter translates the normalized request into one provider wire protocol.
// Implementations are stateless; the HTTP client and provider config are
// passed per call. ExecuteStreaming is always a legal call: adapters for
// backends without native streaming yield exactly one terminal chunk.
type Adapter interface {
	// Kind returns the adapter kind tag referenced by ProviderConfig.Type.
	Kind() string

	// CanHandle reports whether this adapter speaks the given provider type.
	CanHandle(providerType string) bool

	// Execute performs a unary completion against the provider.
	Execute(ctx context.Context, client *http.Client, prov *ProviderConfig, model string, req *ChatRequest) (*ChatResponse, error)

	// ExecuteStreaming opens a streaming completion. The returned channel is
	// finite and non-restartable; it is closed after the final chunk.
	ExecuteStreaming(ctx context.Context, client *http.Client, prov *ProviderConfig, model string, req *ChatRequest) (<-chan StreamChunk, error)
}
