package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"contauth/internal/biometric"
	"contauth/internal/identity"
	"contauth/internal/session"
	"contauth/internal/telemetry"
	"contauth/internal/tracing"
	"contauth/internal/trust"
)

const (
	maxBodyBytes    = 1 << 20
	sessionIDHeader = "X-Session-ID"
)

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

// =============================================================================
// Accounts
// =============================================================================

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req identity.Registration
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	acct, err := s.accounts.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.auditor != nil {
		s.auditor.LogRegistration(r.Context(), acct.ID, acct.Email, acct.Role)
	}
	writeJSON(w, http.StatusCreated, acct)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Account identity.Account `json:"account"`
	Session session.Snapshot `json:"session"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		s.writeError(w, r, &identity.FieldError{Field: "email", Message: "email and password are required"})
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), "http.login")
	defer span.End()

	acct, err := s.accounts.Authenticate(ctx, req.Email, req.Password)
	if s.auditor != nil {
		s.auditor.LogLogin(ctx, identity.NormalizeEmail(req.Email), clientIP(r), err == nil)
	}
	if err != nil {
		tracing.Fail(span, err)
		s.writeError(w, r, err)
		return
	}

	snap, err := s.sessions.Start(ctx, acct, "password")
	if err != nil {
		tracing.Fail(span, err)
		s.writeError(w, r, err)
		return
	}
	span.SetAttributes(tracing.SessionID(snap.ID), tracing.UserID(acct.ID))
	writeJSON(w, http.StatusOK, loginResponse{Account: acct, Session: snap})
}

// =============================================================================
// Sessions
// =============================================================================

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.State(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.End(r.Context(), mux.Vars(r)["id"], session.ReasonLogout); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type trustResponse struct {
	SessionID     string      `json:"session_id"`
	TrustLevel    int         `json:"trust_level"`
	State         trust.State `json:"state"`
	ReauthPending bool        `json:"reauth_pending"`
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.State(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trustResponse{
		SessionID:     snap.ID,
		TrustLevel:    snap.TrustLevel,
		State:         snap.State,
		ReauthPending: snap.ReauthPending,
	})
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entries, err := s.sessions.AnomalyLog(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []trust.AnomalyEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "anomalies": entries})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	samples, err := s.sessions.History(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if samples == nil {
		samples = []telemetry.FeatureSample{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "samples": samples})
}

// handleEvents ingests one events frame for clients that cannot hold a
// websocket open.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	raw, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxFrameBytes+1))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if int64(len(raw)) > s.cfg.MaxFrameBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "frame too large", Code: "frame_too_large"})
		return
	}

	frame, err := s.frames.Decode(raw, s.now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if frame.Type != FrameEvents {
		s.writeError(w, r, fmt.Errorf("%w: expected an events frame", ErrInvalidFrame))
		return
	}
	for _, ev := range frame.Events {
		if err := s.sessions.OnEvent(id, ev); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"received": len(frame.Events)})
}

// =============================================================================
// Re-authentication
// =============================================================================

type reauthRequest struct {
	// Method is "face", "fingerprint" or "password".
	Method     string                `json:"method"`
	Password   string                `json:"password,omitempty"`
	Descriptor biometric.Descriptor  `json:"descriptor,omitempty"`
	Credential *biometric.Credential `json:"credential,omitempty"`
}

type reauthResponse struct {
	Matched   bool             `json:"matched"`
	Cancelled bool             `json:"cancelled,omitempty"`
	Distance  float64          `json:"distance,omitempty"`
	Session   session.Snapshot `json:"session"`
}

func (s *Server) handleReauth(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req reauthRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	var resp reauthResponse
	if req.Method == "password" {
		err := s.sessions.ReverifyPassword(r.Context(), id, req.Password)
		switch {
		case err == nil:
			resp.Matched = true
		case errors.Is(err, trust.ErrNotVerified):
		default:
			s.writeError(w, r, err)
			return
		}
	} else {
		mod, err := biometric.ParseModality(req.Method)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		res, err := s.sessions.Reverify(r.Context(), id, mod, biometric.Sample{
			Descriptor: req.Descriptor,
			Credential: req.Credential,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Matched, resp.Cancelled, resp.Distance = res.Matched, res.Cancelled, res.Distance
	}

	snap, err := s.sessions.State(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.Session = snap
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReauthCancel(w http.ResponseWriter, r *http.Request) {
	terminated, err := s.sessions.CancelReauth(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"terminated": terminated})
}

// =============================================================================
// Enrollment
// =============================================================================

// authorizeUser resolves {email} and checks that the caller's session
// belongs to that account.
func (s *Server) authorizeUser(r *http.Request) (identity.Account, session.Snapshot, error) {
	sid := r.Header.Get(sessionIDHeader)
	if sid == "" {
		return identity.Account{}, session.Snapshot{}, errUnauthenticated
	}
	snap, err := s.sessions.State(sid)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return identity.Account{}, session.Snapshot{}, errUnauthenticated
		}
		return identity.Account{}, session.Snapshot{}, err
	}

	acct, err := s.accounts.Lookup(r.Context(), mux.Vars(r)["email"])
	if err != nil {
		return identity.Account{}, session.Snapshot{}, err
	}
	if snap.UserID != acct.ID {
		return identity.Account{}, session.Snapshot{}, errForbidden
	}
	return acct, snap, nil
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	acct, snap, err := s.authorizeUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// a flagged session must not replace the template it is checked against
	if snap.ReauthPending {
		if s.auditor != nil {
			s.auditor.LogEnroll(r.Context(), acct.ID, mux.Vars(r)["modality"], errReauthPending)
		}
		s.writeError(w, r, errReauthPending)
		return
	}
	mod, err := biometric.ParseModality(mux.Vars(r)["modality"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// an empty body asks the service to capture the signal itself
	var sample biometric.Sample
	if err := decodeBody(r, &sample); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, err)
		return
	}

	e, err := s.biometrics.Enroll(r.Context(), acct.ID, mod, sample)
	if s.auditor != nil {
		s.auditor.LogEnroll(r.Context(), acct.ID, string(mod), err)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleEnrollmentStatus(w http.ResponseWriter, r *http.Request) {
	acct, _, err := s.authorizeUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.biometrics.Status(r.Context(), acct.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
