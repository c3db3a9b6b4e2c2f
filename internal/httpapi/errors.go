package httpapi

import (
	"context"
	"errors"
	"net/http"

	json "github.com/goccy/go-json"

	"fabricd/internal/fault"
	"fabricd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps an error to an HTTP status. HTTPError wins; runtime errors
// map by kind, the infer timeout is a 504 and anything else is a 500.
func statusFor(err error) int {
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return http.StatusInternalServerError
	}
	switch fe.Kind {
	case fault.PathInvalid, fault.SessionNotFound, fault.StaleHandle:
		return http.StatusNotFound
	case fault.InvalidArgument, fault.ImageDecodeFailed, fault.ProjectorUnsupported:
		return http.StatusBadRequest
	case fault.ContextWindowExceeded:
		return http.StatusRequestEntityTooLarge
	case fault.TooBusy:
		return http.StatusTooManyRequests
	case fault.SwapInProgress:
		return http.StatusConflict
	case fault.BackendInitFailed, fault.ModelLoadFailed, fault.ContextCreateFailed:
		return http.StatusServiceUnavailable
	case fault.ConnectionFailed, fault.ProtocolError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeErrorResponse(w, types.ErrorResponse{Error: msg, Code: status})
}

// writeError maps err and writes it, including the runtime code when there
// is one.
func writeError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	resp := types.ErrorResponse{Error: err.Error(), Code: status}
	var fe *fault.Error
	if errors.As(err, &fe) {
		resp.RuntimeCode = fe.Kind.Code()
	}
	writeErrorResponse(w, resp)
	return status
}

func writeErrorResponse(w http.ResponseWriter, resp types.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	_ = json.NewEncoder(w).Encode(resp)
}
