package api

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/redphone/redphoned/internal/api/middleware"
)

// handleAdminLogin checks the admin password and issues a JWT. The route is
// rate limited per IP to slow down password guessing.
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	settings := s.settings.Settings()
	if !settings.AdminEnabled {
		writeError(w, http.StatusNotFound, "admin API disabled")
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(settings.AdminPasswordHash), []byte(req.Password)); err != nil {
		s.logger.Warn("admin login failed", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	token, expiresAt, err := middleware.GenerateAdminToken(s.adminSecret())
	if err != nil {
		s.logger.Error("generating admin token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.logger.Info("admin login", "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt.Unix(),
	})
}

// handleAdminGetConfig returns the settings file as stored on disk.
func (s *Server) handleAdminGetConfig(w http.ResponseWriter, r *http.Request) {
	raw, err := s.settings.Raw()
	if err != nil {
		s.logger.Error("reading settings file", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read settings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": string(raw)})
}

// handleAdminPutConfig replaces the settings file. The new contents must
// parse and validate; otherwise nothing changes.
func (s *Server) handleAdminPutConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.settings.Update([]byte(req.Content)); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.logger.Info("settings updated via admin api", "subject", middleware.AdminSubjectFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
