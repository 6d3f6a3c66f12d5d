package api

import (
	"encoding/json"
	"net/http"

	"github.com/koustreak/querygate/internal/errs"
	"github.com/koustreak/querygate/internal/logger"
)

// ErrorBody is the payload of every non-2xx response.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

var kindStatus = map[errs.Kind]int{
	errs.KindNotFound:             http.StatusNotFound,
	errs.KindValidation:           http.StatusBadRequest,
	errs.KindSyntaxError:          http.StatusBadRequest,
	errs.KindInvalidStatement:     http.StatusBadRequest,
	errs.KindConflict:             http.StatusConflict,
	errs.KindQueryTimeout:         http.StatusRequestTimeout,
	errs.KindQueryCancelled:       http.StatusRequestTimeout,
	errs.KindConnectionFailed:     http.StatusUnprocessableEntity,
	errs.KindAuthenticationFailed: http.StatusUnprocessableEntity,
	errs.KindDatabaseNotFound:     http.StatusUnprocessableEntity,
	errs.KindNetworkUnreachable:   http.StatusUnprocessableEntity,
	errs.KindPermissionDenied:     http.StatusForbidden,
	errs.KindAIServiceUnavailable: http.StatusServiceUnavailable,
	errs.KindAIQuotaExceeded:      http.StatusServiceUnavailable,
	errs.KindAIInvalidResponse:    http.StatusBadGateway,
	errs.KindStorageFull:          http.StatusInsufficientStorage,
	errs.KindStorageCorrupted:     http.StatusInternalServerError,
	errs.KindNotConnected:         http.StatusInternalServerError,
	errs.KindInternal:             http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for an error kind.
func StatusFor(k errs.Kind) int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders err as an ErrorBody. Untyped errors are logged and
// reported as INTERNAL_ERROR without leaking their text.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := errs.As(err)
	if !ok {
		logger.FromContext(r.Context()).Error(err).Msg("unhandled error")
		e = errs.New(errs.KindInternal, "internal error")
	}

	status := StatusFor(e.Kind)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error(err).Str("code", e.Kind.String()).Msg("request failed")
	}

	writeJSON(w, status, ErrorBody{
		Code:    e.Kind.String(),
		Message: e.Message,
		Details: e.Details,
	})
}
