// Package httpx holds the JSON helpers shared by the feature handlers:
// response writers, error mapping and request decoding.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/s2a/internal/common"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Encode response")
	}
}

// WriteError maps err onto the error taxonomy and writes it.
// Unknown errors become 500 without leaking their text.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err,
		}).Error("Request failed")
		msg = "internal error"
	}
	WriteJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// Classify returns the HTTP status and machine-readable code of err.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, common.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, common.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, common.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, common.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, common.ErrDailyLimitExceeded):
		return http.StatusConflict, "daily_limit_exceeded"
	case errors.Is(err, common.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable, "conflict"
	}
	return http.StatusInternalServerError, "internal"
}

// DecodeJSON decodes the request body into v. An empty body leaves v as is.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %v: %w", err, common.ErrValidation)
	}
	return nil
}

// URLInt64 parses a chi URL parameter as a positive id.
func URLInt64(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, common.ErrValidation)
	}
	return id, nil
}

// QueryInt64 parses an optional query parameter; ok is false when absent.
func QueryInt64(r *http.Request, name string) (v int64, ok bool, err error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s %q: %w", name, raw, common.ErrValidation)
	}
	return v, true, nil
}

// QueryBool parses an optional boolean query parameter.
func QueryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", name, raw, common.ErrValidation)
	}
	return v, nil
}

// QueryDate parses an optional "2006-01-02" query parameter.
func QueryDate(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	d, err := common.ParseDate(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", name, raw, common.ErrValidation)
	}
	return &d, nil
}
