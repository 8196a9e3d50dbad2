package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/infergate/infergate/api"
	"github.com/infergate/infergate/gateway"
)

// ChatHandler serves POST /v1/chat/completions, branching between the
// unary and SSE streaming paths on the request's stream flag.
type ChatHandler struct {
	dispatcher     *gateway.Dispatcher
	maxBodyBytes   int64
	requestTimeout time.Duration
	logger         *zap.Logger
}

// NewChatHandler creates the chat handler.
func NewChatHandler(dispatcher *gateway.Dispatcher, maxBodyBytes int64, requestTimeout time.Duration, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{
		dispatcher:     dispatcher,
		maxBodyBytes:   maxBodyBytes,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// HandleCompletion processes one chat completion request.
func (h *ChatHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatCompletionRequest
	if !DecodeJSONBody(w, r, h.maxBodyBytes, &req, h.logger) {
		return
	}
	if err := validateChatRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	gwReq := req.ToGateway()
	if tenant, ok := TenantFromContext(r.Context()); ok {
		gwReq.TenantID = tenant
	}

	ctx := r.Context()
	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	if req.Stream {
		h.streamCompletion(ctx, w, gwReq)
		return
	}

	start := time.Now()
	resp, err := h.dispatcher.Dispatch(ctx, gwReq)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("chat completion",
		zap.String("model", gwReq.Model),
		zap.String("provider", resp.Provider),
		zap.String("effective_model", resp.EffectiveModel),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Bool("estimated_usage", resp.Usage.Estimated),
		zap.Duration("duration", time.Since(start)),
	)

	WriteJSON(w, http.StatusOK, api.FromGatewayResponse(resp))
}

// streamCompletion relays the dispatch stream as SSE. Errors before the
// first chunk surface as a normal JSON error; after that the stream is
// committed and errors terminate it with an error event.
func (h *ChatHandler) streamCompletion(ctx context.Context, w http.ResponseWriter, gwReq *gateway.ChatRequest) {
	stream, err := h.dispatcher.DispatchStream(ctx, gwReq)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, &gateway.Error{
			Code:       gateway.ErrProviderServer,
			Message:    "streaming unsupported by connection",
			HTTPStatus: http.StatusInternalServerError,
		}, h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range stream {
		if chunk.Err != nil {
			h.logger.Warn("stream terminated by upstream error",
				zap.String("provider", chunk.Err.Provider),
				zap.String("code", string(chunk.Err.Code)),
				zap.String("message", chunk.Err.Message),
			)
			payload, _ := json.Marshal(api.ErrorResponse{Error: api.ErrorInfo{
				Message: chunk.Err.Message,
				Type:    "server_error",
				Code:    string(chunk.Err.Code),
			}})
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
			return
		}

		payload, err := json.Marshal(api.FromGatewayChunk(chunk))
		if err != nil {
			continue
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// validateChatRequest enforces the request schema before dispatch.
func validateChatRequest(req *api.ChatCompletionRequest) *gateway.Error {
	if req.Model == "" {
		return &gateway.Error{
			Code:       gateway.ErrInvalidRequest,
			Message:    "model is required",
			HTTPStatus: http.StatusBadRequest,
		}
	}
	if len(req.Messages) == 0 {
		return &gateway.Error{
			Code:       gateway.ErrInvalidRequest,
			Message:    "messages must not be empty",
			HTTPStatus: http.StatusBadRequest,
		}
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant", "tool":
		default:
			return &gateway.Error{
				Code:       gateway.ErrInvalidRequest,
				Message:    fmt.Sprintf("invalid role in messages[%d]: %s", i, m.Role),
				HTTPStatus: http.StatusBadRequest,
			}
		}
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return &gateway.Error{
			Code:       gateway.ErrInvalidRequest,
			Message:    "temperature must be between 0 and 2",
			HTTPStatus: http.StatusBadRequest,
		}
	}
	if req.MaxTokens < 0 {
		return &gateway.Error{
			Code:       gateway.ErrInvalidRequest,
			Message:    "max_tokens must not be negative",
			HTTPStatus: http.StatusBadRequest,
		}
	}
	return nil
}
