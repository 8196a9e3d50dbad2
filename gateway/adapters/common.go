package adapters

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/infergate/infergate/gateway"
)

// Adapter kind tags referenced by provider configs.
const (
	KindOpenAICompat  = "openai-compat"
	KindAnthropic     = "anthropic"
	KindGemini        = "gemini"
	KindSSEText       = "sse-text"
	KindCookieSession = "cookie-session"
)

// Kinds lists every adapter kind for registry validation.
func Kinds() []string {
	return []string{KindOpenAICompat, KindAnthropic, KindGemini, KindSSEText, KindCookieSession}
}

// All returns one instance of every adapter, openai-compat first so it
// doubles as the default for unknown provider types.
func All() []gateway.Adapter {
	return []gateway.Adapter{
		&OpenAICompat{},
		&Anthropic{},
		&Gemini{},
		&SSEText{},
		&CookieSession{},
	}
}

// MapHTTPError maps an upstream status code to a gateway error with the
// retry marker every adapter shares. 400 and 404 are request-shaped: they
// would reproduce on any provider and must not trigger failover.
func MapHTTPError(status int, msg, provider string) *gateway.Error {
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return &gateway.Error{
			Code:       gateway.ErrProviderRequest,
			Message:    msg,
			HTTPStatus: status,
			Provider:   provider,
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &gateway.Error{
			Code:       gateway.ErrProviderAuth,
			Message:    msg,
			HTTPStatus: status,
			Provider:   provider,
		}
	case http.StatusTooManyRequests:
		// Not retryable on the same provider: the cooldown handles it and
		// the dispatch loop fails over instead.
		return &gateway.Error{
			Code:       gateway.ErrProviderRateLimit,
			Message:    msg,
			HTTPStatus: status,
			Provider:   provider,
		}
	default:
		return &gateway.Error{
			Code:       gateway.ErrProviderServer,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  status >= 500,
			Provider:   provider,
		}
	}
}

// transportError wraps a network-level failure as a retryable server error.
func transportError(err error, provider string) *gateway.Error {
	return &gateway.Error{
		Code:       gateway.ErrProviderServer,
		Message:    err.Error(),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Provider:   provider,
	}
}

// decodeError wraps a malformed upstream body as a retryable server error.
func decodeError(err error, provider string) *gateway.Error {
	return &gateway.Error{
		Code:       gateway.ErrProviderServer,
		Message:    fmt.Sprintf("malformed upstream response: %v", err),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Provider:   provider,
	}
}

// ReadErrorMessage extracts a human-readable message from an upstream
// error body, preferring the common {"error":{"message":...}} envelope and
// falling back to the raw text.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 8<<10))
	if err != nil {
		return "failed to read error response"
	}
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil {
		if errResp.Error.Message != "" {
			if errResp.Error.Type != "" {
				return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
			}
			return errResp.Error.Message
		}
		if errResp.Message != "" {
			return errResp.Message
		}
	}
	return strings.TrimSpace(string(data))
}

// endpoint joins the provider base URL with a path, honoring a full URL
// already present in the config.
func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// applyCustomHeaders copies the provider's configured extra headers onto
// the outgoing request.
func applyCustomHeaders(req *http.Request, prov *gateway.ProviderConfig) {
	for k, v := range prov.CustomHeaders {
		req.Header.Set(k, v)
	}
}

// scanSSE reads "data:" events from an SSE body, invoking handle per
// event until [DONE], EOF, or a handler error. Lines outside the data
// field (comments, event names, blank separators) are skipped.
func scanSSE(body io.Reader, handle func(data string) error) error {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		if err := handle(data); err != nil {
			return err
		}
	}
}

// sendChunk delivers a chunk unless the context ends first.
func sendChunk(ctx context.Context, ch chan<- gateway.StreamChunk, chunk gateway.StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// singleChunkStream adapts a unary execution into the streaming contract:
// one terminal chunk carrying the full completion, then close. Used by
// adapters whose backends cannot stream.
func singleChunkStream(ctx context.Context, resp *gateway.ChatResponse) <-chan gateway.StreamChunk {
	ch := make(chan gateway.StreamChunk, 1)
	go func() {
		defer close(ch)
		chunk := gateway.StreamChunk{
			ID:    resp.ID,
			Model: resp.Model,
			Usage: &resp.Usage,
		}
		if len(resp.Choices) > 0 {
			chunk.Index = resp.Choices[0].Index
			chunk.Delta = resp.Choices[0].Message
			chunk.FinishReason = resp.Choices[0].FinishReason
		}
		if chunk.FinishReason == "" {
			chunk.FinishReason = "stop"
		}
		sendChunk(ctx, ch, chunk)
	}()
	return ch
}
