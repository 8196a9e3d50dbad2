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

func cookieProvider(endpoint string) *gateway.ProviderConfig {
	return &gateway.ProviderConfig{
		Key:       "legacy",
		Endpoint:  endpoint,
		APIKey:    "session=abc123",
		AccountID: "acct-7",
	}
}

func TestCookieSessionExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "session=abc123", r.Header.Get("Cookie"))
		assert.Equal(t, "acct-7", r.Header.Get("X-Account-Id"))
		assert.Empty(t, r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(oaResponse{
			ID: "resp-1",
			Choices: []oaChoice{{
				Message:      &oaMessage{Role: "assistant", Content: "hello"},
				FinishReason: "stop",
			}},
		})
	}))
	defer srv.Close()

	c := &CookieSession{}
	resp, err := c.Execute(context.Background(), srv.Client(), cookieProvider(srv.URL), "m", simpleReq())
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
}

func TestCookieSessionStreamingIsOneTerminalChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req oaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream, "backend never sees stream=true")

		json.NewEncoder(w).Encode(oaResponse{
			ID: "resp-2",
			Choices: []oaChoice{{
				Message:      &oaMessage{Role: "assistant", Content: "the whole completion"},
				FinishReason: "stop",
			}},
			Usage: &oaUsage{PromptTokens: 5, CompletionTokens: 4, TotalTokens: 9},
		})
	}))
	defer srv.Close()

	c := &CookieSession{}
	req := simpleReq()
	req.Stream = true
	ch, err := c.ExecuteStreaming(context.Background(), srv.Client(), cookieProvider(srv.URL), "m", req)
	require.NoError(t, err)

	var chunks []gateway.StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 1)
	assert.Equal(t, "the whole completion", chunks[0].Delta.Content)
	assert.Equal(t, "stop", chunks[0].FinishReason)
	require.NotNil(t, chunks[0].Usage)
	assert.Equal(t, 9, chunks[0].Usage.TotalTokens)
}

func TestCookieSessionAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"session expired"}}`))
	}))
	defer srv.Close()

	c := &CookieSession{}
	_, err := c.Execute(context.Background(), srv.Client(), cookieProvider(srv.URL), "m", simpleReq())
	var ge *gateway.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gateway.ErrProviderAuth, ge.Code)
	assert.Contains(t, ge.Message, "session expired")
}
