package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"greekroom/internal/chat"
	"greekroom/internal/gateway"
	"greekroom/internal/session"
)

const (
	errorCodeUnauthorized   = "unauthorized"
	errorCodeInvalidRequest = "invalid_request"
	errorCodeNotFound       = "not_found"
	errorCodeUpstream       = "upstream_error"
	errorCodeTimeout        = "timeout"
	errorCodeTooLarge       = "request_too_large"
	errorCodeRuntime        = "runtime_error"
)

var errInvalidRequest = errors.New("invalid request")

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Display is the user-facing rendering of a failed turn.
	Display string `json:"display,omitempty"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func invalidRequestError(message string) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, message)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code := mapError(err)
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: err.Error()}})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return invalidRequestError("request body is required")
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return maxBytesErr
		}
		if errors.Is(err, io.EOF) {
			return invalidRequestError("request body is required")
		}
		return invalidRequestError(fmt.Sprintf("invalid JSON body: %v", err))
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return invalidRequestError("request body must contain exactly one JSON object")
	}
	return nil
}

func mapError(err error) (int, string) {
	var (
		maxBytesErr   *http.MaxBytesError
		discoveryErr  *chat.DiscoveryError
		completionErr *chat.CompletionError
	)
	switch {
	case errors.Is(err, chat.ErrUnauthorized):
		return http.StatusUnauthorized, errorCodeUnauthorized
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge, errorCodeTooLarge
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, chat.ErrEmptyInput),
		errors.Is(err, session.ErrNoIdentity):
		return http.StatusBadRequest, errorCodeInvalidRequest
	case errors.As(err, &discoveryErr), errors.As(err, &completionErr):
		return http.StatusBadGateway, errorCodeUpstream
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorCodeTimeout
	default:
		return http.StatusInternalServerError, errorCodeRuntime
	}
}

// turnError carries the rendered message with the mapped error.
func turnError(err error) (int, apiErrorResponse) {
	status, code := mapError(err)
	return status, apiErrorResponse{Error: apiError{
		Code:    code,
		Message: err.Error(),
		Display: gateway.RenderError(err),
	}}
}
