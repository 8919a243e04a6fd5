package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"contauth/internal/biometric"
	"contauth/internal/identity"
	"contauth/internal/session"
	"contauth/internal/store"
	"contauth/internal/trust"
)

var (
	errUnauthenticated = errors.New("transport: session required")
	errForbidden       = errors.New("transport: session does not belong to this user")
	errBadRequest      = errors.New("transport: malformed request body")
	errReauthPending   = errors.New("transport: re-authentication pending")
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Code  string `json:"code"`
}

// statusFor maps domain errors to HTTP status and a stable code.
func statusFor(err error) (int, string) {
	var fe *identity.FieldError
	switch {
	case errors.As(err, &fe):
		return http.StatusBadRequest, "invalid_field"
	case errors.Is(err, errBadRequest), errors.Is(err, ErrInvalidFrame):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, biometric.ErrInvalidModality):
		return http.StatusBadRequest, "invalid_modality"

	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, session.ErrPasswordReauthDisabled):
		return http.StatusForbidden, "password_reauth_disabled"
	case errors.Is(err, errReauthPending):
		return http.StatusForbidden, "reauth_pending"

	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, identity.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, biometric.ErrNotEnrolled):
		return http.StatusNotFound, "not_enrolled"

	case errors.Is(err, identity.ErrAccountExists):
		return http.StatusConflict, "account_exists"
	case errors.Is(err, trust.ErrNotPending):
		return http.StatusConflict, "reauth_not_pending"
	case errors.Is(err, biometric.ErrBusy):
		return http.StatusConflict, "biometric_busy"
	case errors.Is(err, biometric.ErrCancelled):
		return http.StatusConflict, "cancelled"

	case errors.Is(err, biometric.ErrCaptureFailed):
		return http.StatusUnprocessableEntity, "capture_failed"
	case errors.Is(err, biometric.ErrPlatformUnsupported):
		return http.StatusUnprocessableEntity, "platform_unsupported"

	case errors.Is(err, biometric.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"

	case errors.Is(err, session.ErrNoVerifier):
		return http.StatusNotImplemented, "no_verifier"
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusServiceUnavailable, "too_many_sessions"

	case errors.Is(err, store.ErrTemplateTampered):
		return http.StatusInternalServerError, "template_integrity"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, name := statusFor(err)
	body := errorBody{Error: err.Error(), Code: name}

	var fe *identity.FieldError
	if errors.As(err, &fe) {
		body.Field = fe.Field
	}
	if code >= 500 {
		s.log(r).Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		// internal detail stays in the log
		if code == http.StatusInternalServerError {
			body.Error = http.StatusText(code)
		}
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
