package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/infergate/infergate/api"
	"github.com/infergate/infergate/gateway"
)

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorType maps a gateway error code to the OpenAI-style error type
// string callers branch on.
func errorType(code gateway.ErrorCode) string {
	switch code {
	case gateway.ErrInvalidRequest, gateway.ErrPayloadTooLarge, gateway.ErrProviderRequest:
		return "invalid_request_error"
	case gateway.ErrUnauthorizedCaller, gateway.ErrProviderAuth:
		return "authentication_error"
	case gateway.ErrProviderRateLimit:
		return "rate_limit_error"
	case gateway.ErrModelUnavailable:
		return "not_found_error"
	default:
		return "server_error"
	}
}

// WriteError writes any dispatch error as the OpenAI-compatible error
// envelope with the right status code. AllProvidersFailed collapses to
// 502 with its dominant class.
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var apf *gateway.AllProvidersFailedError
	if errors.As(err, &apf) {
		code := apf.Dominant()
		if logger != nil {
			logger.Warn("all providers failed",
				zap.String("model", apf.ModelID),
				zap.String("dominant", string(code)),
				zap.Int("attempts", len(apf.Attempts)),
			)
		}
		WriteJSON(w, apf.HTTPStatus(), api.ErrorResponse{Error: api.ErrorInfo{
			Message: err.Error(),
			Type:    errorType(code),
			Code:    string(gateway.ErrAllProvidersFailed),
		}})
		return
	}

	var ge *gateway.Error
	if !errors.As(err, &ge) {
		ge = &gateway.Error{
			Code:       gateway.ErrProviderServer,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
		}
	}
	status := ge.HTTPStatus
	if status == 0 {
		status = http.StatusBadGateway
	}
	if logger != nil {
		logger.Warn("request failed",
			zap.String("code", string(ge.Code)),
			zap.String("message", ge.Message),
			zap.Int("status", status),
		)
	}
	WriteJSON(w, status, api.ErrorResponse{Error: api.ErrorInfo{
		Message:   ge.Message,
		Type:      errorType(ge.Code),
		Code:      string(ge.Code),
		Retryable: ge.Retryable,
	}})
}

// ValidateContentType requires application/json on mutating requests.
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || strings.HasPrefix(ct, "application/json") {
		return true
	}
	WriteError(w, &gateway.Error{
		Code:       gateway.ErrInvalidRequest,
		Message:    "Content-Type must be application/json",
		HTTPStatus: http.StatusUnsupportedMediaType,
	}, logger)
	return false
}

// DecodeJSONBody decodes the request body under the configured size cap.
// Oversized bodies surface as 413, malformed JSON as 400.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst interface{}, logger *zap.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, &gateway.Error{
				Code:       gateway.ErrPayloadTooLarge,
				Message:    "request body exceeds the configured limit",
				HTTPStatus: http.StatusRequestEntityTooLarge,
			}, logger)
			return false
		}
		WriteError(w, &gateway.Error{
			Code:       gateway.ErrInvalidRequest,
			Message:    "malformed JSON body: " + err.Error(),
			HTTPStatus: http.StatusBadRequest,
		}, logger)
		return false
	}
	return true
}
