package api

import (
	"net/http"
	"strings"

	"github.com/flowpbx/callbridge/internal/api/middleware"
	"github.com/flowpbx/callbridge/internal/database/models"
	"github.com/flowpbx/callbridge/internal/surface"
)

type pushTokenRequest struct {
	Token      string `json:"token"`
	Platform   string `json:"platform"`
	DeviceID   string `json:"device_id"`
	AppVersion string `json:"app_version"`
}

// handlePushToken handles POST /api/v1/device/push-token. The most recent
// registration receives incoming call pushes.
func (s *Server) handlePushToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "push registrations not available")
		return
	}

	var req pushTokenRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if errMsg := validateRequiredStringLen("token", req.Token, maxTokenLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Platform == "" {
		req.Platform = "apns"
	}
	if errMsg := validatePlatform("platform", req.Platform); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateHandle("device_id", req.DeviceID, false); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		if d := middleware.DeviceFromContext(r.Context()); d != nil {
			deviceID = d.Username
		}
	}

	pt := &models.PushToken{
		DeviceID:   deviceID,
		Token:      req.Token,
		Platform:   req.Platform,
		AppVersion: req.AppVersion,
	}
	if err := s.tokens.Upsert(r.Context(), pt); err != nil {
		s.logger.Error("push token: failed to store", "error", err, "device_id", deviceID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("push token registered", "device_id", deviceID, "platform", req.Platform)
	writeJSON(w, http.StatusOK, pt)
}

// handleGetSettings handles GET /api/v1/settings.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.device.Settings())
}

// handlePutSettings handles PUT /api/v1/settings. The body replaces the
// filter settings.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req surface.Settings
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	for _, h := range req.BlockList {
		if errMsg := validateHandle("block_list", h, true); errMsg != "" {
			writeError(w, http.StatusBadRequest, errMsg)
			return
		}
	}

	s.device.ApplySettings(req)
	writeJSON(w, http.StatusOK, s.device.Settings())
}
