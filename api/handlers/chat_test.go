package handlers

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infergate/infergate/api"
	"github.com/infergate/infergate/gateway"
	"github.com/infergate/infergate/gateway/adapters"
)

// newTestStack builds a dispatcher pointed at the given upstream, plus the
// registry and stores for the other handlers.
func newTestStack(t *testing.T, upstreamURL string) (*gateway.Dispatcher, *gateway.Registry, *gateway.HealthStore, *gateway.QuotaTracker) {
	t.Helper()
	reg, err := gateway.NewRegistry(gateway.RegistryConfig{
		Providers: map[string]*gateway.ProviderConfig{
			"upstream": {
				Type:     adapters.KindOpenAICompat,
				Enabled:  true,
				Endpoint: upstreamURL,
				APIKey:   "sk-test",
				Models:   map[string]string{"test-model": "upstream-model"},
			},
		},
		Models: []gateway.CanonicalModel{
			{ID: "test-model", Family: "test", Capabilities: gateway.Capabilities{Streaming: true, Tools: true}},
		},
		KnownTypes: adapters.Kinds(),
	})
	require.NoError(t, err)

	health := gateway.NewHealthStore()
	quota := gateway.NewQuotaTracker()
	d := gateway.NewDispatcher(gateway.DispatcherOptions{
		Registry:  reg,
		Router:    gateway.NewSmartRouter(reg, quota, gateway.StrategyPriority, nil),
		Health:    health,
		Quota:     quota,
		Pipelines: gateway.DefaultPipelines(nil),
		Adapters:  adapters.All(),
	})
	return d, reg, health, quota
}

func completionBody(stream bool) string {
	body := map[string]interface{}{
		"model":    "test-model",
		"messages": []map[string]string{{"role": "user", "content": "ping"}},
	}
	if stream {
		body["stream"] = true
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func postCompletion(h *ChatHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.HandleCompletion(rec, req)
	return rec
}

func openAIUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Write([]byte(`data: {"id":"c1","choices":[{"delta":{"content":"po"}}]}` + "\n\n"))
			w.Write([]byte(`data: {"id":"c1","choices":[{"delta":{"content":"ng"},"finish_reason":"stop"}]}` + "\n\n"))
			w.Write([]byte("data: [DONE]\n\n"))
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "chatcmpl-1",
			"model": req.Model,
			"choices": []map[string]interface{}{{
				"message":       map[string]string{"role": "assistant", "content": "pong"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4},
		})
	}))
}

func TestHandleCompletionUnary(t *testing.T) {
	srv := openAIUpstream(t)
	defer srv.Close()

	d, _, _, _ := newTestStack(t, srv.URL)
	h := NewChatHandler(d, 1<<20, time.Minute, nil)

	rec := postCompletion(h, completionBody(false))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, "upstream", resp.Provider)
	assert.Equal(t, "upstream-model", resp.EffectiveModel)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "pong", resp.Choices[0].Message.Content)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
	assert.False(t, resp.Usage.Estimated)
}

func TestHandleCompletionStreamingSSE(t *testing.T) {
	srv := openAIUpstream(t)
	defer srv.Close()

	d, _, _, _ := newTestStack(t, srv.URL)
	h := NewChatHandler(d, 1<<20, time.Minute, nil)

	rec := postCompletion(h, completionBody(true))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	// Every event uses "data: <json>\n\n" framing and the stream ends with
	// the [DONE] sentinel.
	body := rec.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), "missing DONE sentinel: %q", body)

	var chunks []api.ChatCompletionChunk
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") || line == "data: [DONE]" {
			continue
		}
		var chunk api.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk))
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.Equal(t, "chat.completion.chunk", c.Object)
		assert.Equal(t, "upstream", c.Provider)
		assert.Equal(t, "test-model", c.Model)
		assert.Equal(t, "upstream-model", c.EffectiveModel)
	}
	assert.Equal(t, "po", chunks[0].Choices[0].Delta.Content)
	assert.Equal(t, "stop", chunks[1].Choices[0].FinishReason)
}

func TestHandleCompletionValidation(t *testing.T) {
	d, _, _, _ := newTestStack(t, "http://127.0.0.1:0")
	h := NewChatHandler(d, 1<<20, time.Minute, nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing model", `{"messages":[{"role":"user","content":"x"}]}`, "model is required"},
		{"empty messages", `{"model":"test-model","messages":[]}`, "messages must not be empty"},
		{"bad role", `{"model":"test-model","messages":[{"role":"robot","content":"x"}]}`, "invalid role"},
		{"bad temperature", `{"model":"test-model","temperature":3,"messages":[{"role":"user","content":"x"}]}`, "temperature"},
		{"negative max_tokens", `{"model":"test-model","max_tokens":-1,"messages":[{"role":"user","content":"x"}]}`, "max_tokens"},
		{"malformed json", `{"model":`, "malformed JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postCompletion(h, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var errResp api.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
			assert.Equal(t, "invalid_request_error", errResp.Error.Type)
			assert.Contains(t, errResp.Error.Message, tt.want)
		})
	}
}

func TestHandleCompletionOversizedBody(t *testing.T) {
	d, _, _, _ := newTestStack(t, "http://127.0.0.1:0")
	h := NewChatHandler(d, 64, time.Minute, nil) // tiny cap

	rec := postCompletion(h, completionBody(false)+strings.Repeat(" ", 200))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	var errResp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, string(gateway.ErrPayloadTooLarge), errResp.Error.Code)
}

func TestHandleCompletionUnknownModel(t *testing.T) {
	d, _, _, _ := newTestStack(t, "http://127.0.0.1:0")
	h := NewChatHandler(d, 1<<20, time.Minute, nil)

	rec := postCompletion(h, `{"model":"nope","messages":[{"role":"user","content":"x"}]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var errResp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "not_found_error", errResp.Error.Type)
}

func TestHandleCompletionAllProvidersFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	d, _, _, _ := newTestStack(t, srv.URL)
	h := NewChatHandler(d, 1<<20, time.Minute, nil)

	rec := postCompletion(h, completionBody(false))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var errResp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "rate_limit_error", errResp.Error.Type)
	assert.Equal(t, string(gateway.ErrAllProvidersFailed), errResp.Error.Code)
}

func TestHandleCompletionWrongContentType(t *testing.T) {
	d, _, _, _ := newTestStack(t, "http://127.0.0.1:0")
	h := NewChatHandler(d, 1<<20, time.Minute, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(completionBody(false)))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.HandleCompletion(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}
