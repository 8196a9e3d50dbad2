package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infergate/infergate/gateway"
)

func TestBuildAnthRequest(t *testing.T) {
	req := &gateway.ChatRequest{
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: "be terse"},
			{Role: gateway.RoleUser, Content: "hi"},
			{Role: gateway.RoleAssistant, Content: "hello"},
			{Role: gateway.RoleTool, Content: "42", ToolCallID: "call_1"},
		},
	}

	body := buildAnthRequest("claude-x", req, false)

	assert.Equal(t, "be terse", body.System)
	assert.Equal(t, 4096, body.MaxTokens, "max_tokens defaults when unset")
	require.Len(t, body.Messages, 3)
	assert.Equal(t, "user", body.Messages[0].Role)
	assert.Equal(t, "assistant", body.Messages[1].Role)
	assert.Equal(t, "user", body.Messages[2].Role)
	assert.Equal(t, "tool_result", body.Messages[2].Content[0].Type)
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, "stop", mapStopReason("end_turn"))
	assert.Equal(t, "stop", mapStopReason("stop_sequence"))
	assert.Equal(t, "length", mapStopReason("max_tokens"))
	assert.Equal(t, "tool_calls", mapStopReason("tool_use"))
	assert.Equal(t, "weird", mapStopReason("weird"))
}

func TestAnthropicExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req anthRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-x", req.Model)

		json.NewEncoder(w).Encode(anthResponse{
			ID:    "msg_1",
			Model: "claude-x",
			Content: []anthContent{
				{Type: "text", Text: "Hello "},
				{Type: "text", Text: "world"},
			},
			StopReason: "end_turn",
			Usage:      anthUsage{InputTokens: 7, OutputTokens: 2},
		})
	}))
	defer srv.Close()

	a := &Anthropic{}
	resp, err := a.Execute(context.Background(), srv.Client(), testProvider("anth", srv.URL), "claude-x", simpleReq())
	require.NoError(t, err)

	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello world", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 9, resp.Usage.TotalTokens)
}

func TestAnthropicExecuteToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(anthResponse{
			ID: "msg_2",
			Content: []anthContent{
				{Type: "tool_use", ID: "toolu_1", Name: "get_weather", Input: json.RawMessage(`{"city":"Oslo"}`)},
			},
			StopReason: "tool_use",
		})
	}))
	defer srv.Close()

	a := &Anthropic{}
	resp, err := a.Execute(context.Background(), srv.Client(), testProvider("anth", srv.URL), "claude-x", simpleReq())
	require.NoError(t, err)

	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "get_weather", resp.Choices[0].Message.ToolCalls[0].Name)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
}

func TestAnthropicExecuteStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message_start\n"))
		w.Write([]byte(`data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":10}}}` + "\n\n"))
		w.Write([]byte(`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}` + "\n\n"))
		w.Write([]byte(`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}` + "\n\n"))
		w.Write([]byte(`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}` + "\n\n"))
	}))
	defer srv.Close()

	a := &Anthropic{}
	ch, err := a.ExecuteStreaming(context.Background(), srv.Client(), testProvider("anth", srv.URL), "claude-x", simpleReq())
	require.NoError(t, err)

	var chunks []gateway.StreamChunk
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Delta.Content)
	assert.Equal(t, "msg_1", chunks[0].ID)
	assert.Equal(t, "stop", chunks[2].FinishReason)
	require.NotNil(t, chunks[2].Usage)
	assert.Equal(t, 15, chunks[2].Usage.TotalTokens)
}

func TestAnthropicStreamingErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}` + "\n\n"))
	}))
	defer srv.Close()

	a := &Anthropic{}
	ch, err := a.ExecuteStreaming(context.Background(), srv.Client(), testProvider("anth", srv.URL), "claude-x", simpleReq())
	require.NoError(t, err)

	var last gateway.StreamChunk
	for chunk := range ch {
		last = chunk
	}
	require.NotNil(t, last.Err)
	assert.Equal(t, gateway.ErrProviderServer, last.Err.Code)
	assert.Contains(t, last.Err.Message, "overloaded")
}
