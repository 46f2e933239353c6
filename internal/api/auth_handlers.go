package api

import (
	"net/http"
	"time"

	"github.com/flowpbx/callbridge/internal/api/middleware"
	"github.com/flowpbx/callbridge/internal/database"
)

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// handleAuth handles POST /api/v1/auth. It exchanges the device login for
// a bearer token.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AppUsername == "" || s.cfg.AppPasswordHash == "" {
		writeError(w, http.StatusServiceUnavailable, "device login not configured")
		return
	}

	var req authRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	// The hash runs even for an unknown username.
	match, err := database.CheckPassword(req.Password, s.cfg.AppPasswordHash)
	if err != nil {
		s.logger.Error("auth: stored password hash is invalid", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !match || req.Username != s.cfg.AppUsername {
		s.logger.Warn("auth: login failed", "username", req.Username, "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := middleware.GenerateDeviceToken(s.cfg.JWTSecret, req.Username, s.now())
	if err != nil {
		s.logger.Error("auth: failed to sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("device logged in", "username", req.Username)
	writeJSON(w, http.StatusOK, authResponse{
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}
