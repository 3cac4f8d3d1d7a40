package api

import (
	"errors"
	"net/http"

	"github.com/redphone/redphoned/internal/call"
	"github.com/redphone/redphoned/internal/presence"
)

// callStatusView is the API representation of the call state machine.
type callStatusView struct {
	State          string `json:"state"`
	Peer           string `json:"peer,omitempty"`
	PeerName       string `json:"peer_name,omitempty"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
	QuietHours     bool   `json:"quiet_hours"`
}

// handleStatus reports the current call status plus whether dialing right
// now would hit the quiet-hours gate.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.callStatusView())
}

// handleDial starts a call attempt toward the named peer.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}

	if err := s.calls.Dial(presence.Identity(req.Target)); err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.callStatusView())
}

// handleConfirm acknowledges the quiet-hours prompt and lets the pending
// call proceed.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if err := s.calls.Confirm(); err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.callStatusView())
}

// handleCancel abandons a call attempt waiting at the quiet-hours prompt.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.calls.Cancel(); err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.callStatusView())
}

// handleAnswer acts as the UI's handset-lift surrogate: it answers a ringing
// call, or opens the dial screen from idle.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	s.calls.HandsetLifted()
	writeJSON(w, http.StatusOK, s.callStatusView())
}

// handleHangup acts as the UI's handset-replace surrogate: it ends whatever
// is in progress and returns the phone to idle.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	s.calls.HandsetReplaced()
	writeJSON(w, http.StatusOK, s.callStatusView())
}

// writeCallError maps state machine errors onto HTTP statuses.
func writeCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, call.ErrBusy):
		writeError(w, http.StatusConflict, "phone is busy")
	case errors.Is(err, call.ErrUnreachable):
		writeError(w, http.StatusNotFound, "peer is unreachable")
	case errors.Is(err, call.ErrBadState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
