package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/infergate/infergate/gateway"
)

// SSEText covers free backends that accept an OpenAI-shaped request but
// answer with raw text fragments over SSE instead of JSON deltas. The
// unary path aggregates the stream into one response.
type SSEText struct{}

func (s *SSEText) Kind() string { return KindSSEText }

func (s *SSEText) CanHandle(providerType string) bool { return providerType == KindSSEText }

func (s *SSEText) post(ctx context.Context, client *http.Client, prov *gateway.ProviderConfig, model string, req *gateway.ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(buildOARequest(model, req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(prov.Endpoint, "/chat/completions"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
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

func (s *SSEText) ExecuteStreaming(ctx context.Context, client *http.Client, prov *gateway.ProviderConfig, model string, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	resp, err := s.post(ctx, client, prov, model, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, MapHTTPError(resp.StatusCode, ReadErrorMessage(resp.Body), prov.Key)
	}

	id := "sse-" + uuid.NewString()
	ch := make(chan gateway.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		sent := false
		scanErr := scanSSE(resp.Body, func(data string) error {
			// Some backends quote fragments as JSON strings; unwrap when
			// it parses, otherwise pass the raw text through.
			text := data
			var quoted string
			if err := json.Unmarshal([]byte(data), &quoted); err == nil {
				text = quoted
			}
			if text == "" {
				return nil
			}
			sent = true
			if !sendChunk(ctx, ch, gateway.StreamChunk{
				ID:    id,
				Model: model,
				Delta: gateway.Message{Role: gateway.RoleAssistant, Content: text},
			}) {
				return ctx.Err()
			}
			return nil
		})
		if scanErr != nil && ctx.Err() == nil {
			ge, ok := scanErr.(*gateway.Error)
			if !ok {
				ge = transportError(scanErr, prov.Key)
			}
			sendChunk(ctx, ch, gateway.StreamChunk{Err: ge})
			return
		}
		if sent && ctx.Err() == nil {
			sendChunk(ctx, ch, gateway.StreamChunk{
				ID:           id,
				Model:        model,
				FinishReason: "stop",
				Delta:        gateway.Message{Role: gateway.RoleAssistant},
			})
		}
	}()
	return ch, nil
}

// Execute aggregates the SSE stream into a single completion, since these
// backends have no unary endpoint.
func (s *SSEText) Execute(ctx context.Context, client *http.Client, prov *gateway.ProviderConfig, model string, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	ch, err := s.ExecuteStreaming(ctx, client, prov, model, req)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	var id string
	for chunk := range ch {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if id == "" {
			id = chunk.ID
		}
		sb.WriteString(chunk.Delta.Content)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return &gateway.ChatResponse{
		ID:    id,
		Model: model,
		Choices: []gateway.ChatChoice{{
			FinishReason: "stop",
			Message:      gateway.Message{Role: gateway.RoleAssistant, Content: sb.String()},
		}},
		CreatedAt: time.Now(),
	}, nil
}
