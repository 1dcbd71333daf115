package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/openmake/infergate/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto HTTP statuses. Quota and
// rate-limit rejections carry a Retry-After header so well-behaved clients
// can back off without parsing the body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	msg := err.Error()

	var invalid *domain.InvalidRequestError
	var limited *domain.RateLimitedError
	var quota *domain.QuotaExceededError
	var keys *domain.KeysExhaustedError
	switch {
	case errors.As(err, &invalid):
		status, code = http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.As(err, &limited):
		status, code = http.StatusTooManyRequests, "RATE_LIMITED"
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
	case errors.As(err, &quota):
		status, code = http.StatusTooManyRequests, "QUOTA_EXCEEDED"
		w.Header().Set("Retry-After", strconv.Itoa(quota.RetryAfterSeconds))
	case errors.As(err, &keys):
		status, code = http.StatusServiceUnavailable, "KEYS_EXHAUSTED"
		w.Header().Set("Retry-After", strconv.Itoa(keys.RetryAfterSeconds))
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrNoNodeAvailable):
		status, code = http.StatusServiceUnavailable, "NO_NODE_AVAILABLE"
	}
	if status == http.StatusInternalServerError {
		msg = http.StatusText(http.StatusInternalServerError)
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: msg}})
}
