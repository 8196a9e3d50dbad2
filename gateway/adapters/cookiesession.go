package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/infergate/infergate/gateway"
)

// CookieSession covers backends authenticated by a session cookie and an
// account identifier header instead of a bearer token. The wire dialect
// is otherwise OpenAI-compatible; only auth and streaming support differ.
// These backends do not stream, so ExecuteStreaming degrades to a single
// terminal chunk.
type CookieSession struct{}

func (c *CookieSession) Kind() string { return KindCookieSession }

func (c *CookieSession) CanHandle(providerType string) bool {
	return providerType == KindCookieSession
}

func (c *CookieSession) post(ctx context.Context, client *http.Client, prov *gateway.ProviderConfig, body oaRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(prov.Endpoint, "/chat/completions"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// APIKey carries the session cookie value for these backends.
	if prov.APIKey != "" {
		httpReq.Header.Set("Cookie", prov.APIKey)
	}
	if prov.AccountID != "" {
		httpReq.Header.Set("X-Account-Id", prov.AccountID)
	}
	applyCustomHeaders(httpReq, prov)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(err, prov.Key)
	}
	return resp, nil
}

func (c *CookieSession) Execute(ctx context.Context, client *http.Client, prov *gateway.ProviderConfig, model string, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	resp, err := c.post(ctx, client, prov, buildOARequest(model, req, false))
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

// ExecuteStreaming satisfies the streaming contract over a non-streaming
// backend: the full completion arrives as exactly one terminal chunk.
func (c *CookieSession) ExecuteStreaming(ctx context.Context, client *http.Client, prov *gateway.ProviderConfig, model string, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	unary := req.Clone()
	unary.Stream = false
	resp, err := c.Execute(ctx, client, prov, model, unary)
	if err != nil {
		return nil, err
	}
	return singleChunkStream(ctx, resp), nil
}
