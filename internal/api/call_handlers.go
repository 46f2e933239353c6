package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/flowpbx/callbridge/internal/bridge"
	"github.com/flowpbx/callbridge/internal/session"
	"github.com/go-chi/chi/v5"
)

// callResponse is the JSON form of a session record.
type callResponse struct {
	Token        string `json:"token"`
	Direction    string `json:"direction"`
	CallID       string `json:"call_id,omitempty"`
	Bound        bool   `json:"bound"`
	State        string `json:"state"`
	Destination  string `json:"destination,omitempty"`
	Verification bool   `json:"verification,omitempty"`
	Accepted     bool   `json:"accepted"`
	Connected    bool   `json:"connected"`
	CreatedAt    string `json:"created_at"`
}

func toCallResponse(rec session.Record) callResponse {
	return callResponse{
		Token:        rec.Token.String(),
		Direction:    string(rec.Direction),
		CallID:       rec.CallID(),
		Bound:        rec.IsBound(),
		State:        rec.State(),
		Destination:  rec.Destination,
		Verification: rec.Verification,
		Accepted:     rec.Progress.Accepted,
		Connected:    rec.Progress.Connected,
		CreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleListCalls handles GET /api/v1/calls.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	records, err := s.calls.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("list calls: bridge unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return
	}
	out := make([]callResponse, len(records))
	for i, rec := range records {
		out[i] = toCallResponse(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

type dialRequest struct {
	Destination  string `json:"destination"`
	Verification bool   `json:"verification"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// handleDial handles POST /api/v1/calls. The call is placed once the
// device answers the start request with POST /calls/{token}/start.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.Destination = strings.TrimSpace(req.Destination)
	if errMsg := validateHandle("destination", req.Destination, true); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	token, err := s.calls.Dial(r.Context(), req.Destination, req.Verification)
	switch {
	case errors.Is(err, bridge.ErrNoDestination):
		writeError(w, http.StatusBadRequest, "destination is required")
		return
	case err != nil:
		s.logger.Error("dial: failed to register call", "error", err)
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{Token: token.String()})
}

type announceRequest struct {
	CallID string `json:"call_id"`
	Handle string `json:"handle"`
	Video  bool   `json:"video"`
	Silent bool   `json:"silent"`
}

// handleAnnounce handles POST /api/v1/calls/announce, an incoming call
// reported before its INVITE arrives.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req announceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateHandle("call_id", req.CallID, true); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateHandle("handle", req.Handle, false); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	token, err := s.calls.AnnounceIncoming(r.Context(), req.CallID, req.Handle, req.Video, req.Silent)
	switch {
	case errors.Is(err, session.ErrCallIDInUse):
		writeError(w, http.StatusConflict, "call id already announced")
		return
	case err != nil:
		s.logger.Error("announce: failed to register call", "call_id", req.CallID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{Token: token.String()})
}

type instructionResponse struct {
	Token     string `json:"token"`
	Action    string `json:"action"`
	Fulfilled bool   `json:"fulfilled"`
}

// instruct hands one instruction to the bridge and answers with its
// acknowledgement: 200 when fulfilled, 422 when failed, 504 when the bridge
// does not answer within the instruction timeout.
func (s *Server) instruct(w http.ResponseWriter, r *http.Request, action string, token session.Token, send func(act bridge.Action)) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.InstructionTimeout)
	defer cancel()

	// send blocks while the bridge queue is full; the wait below bounds
	// the request either way.
	res := bridge.NewResult()
	go send(res)

	fulfilled, err := res.Wait(ctx)
	if err != nil {
		s.logger.Warn("instruction not acknowledged", "action", action, "token", token, "error", err)
		writeError(w, http.StatusGatewayTimeout, "instruction not acknowledged")
		return
	}
	if !fulfilled {
		writeError(w, http.StatusUnprocessableEntity, action+" failed")
		return
	}
	writeJSON(w, http.StatusOK, instructionResponse{
		Token:     token.String(),
		Action:    action,
		Fulfilled: true,
	})
}

// tokenParam parses the {token} path parameter, answering 400 when it is
// malformed.
func tokenParam(w http.ResponseWriter, r *http.Request) (session.Token, bool) {
	token, err := session.ParseToken(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid call token")
		return session.Token{}, false
	}
	return token, true
}

// handleStart handles POST /api/v1/calls/{token}/start.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	s.instruct(w, r, "start", token, func(act bridge.Action) { s.calls.StartCall(token, act) })
}

// handleAnswer handles POST /api/v1/calls/{token}/answer.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	s.instruct(w, r, "answer", token, func(act bridge.Action) { s.calls.Answer(token, act) })
}

// handleEnd handles POST /api/v1/calls/{token}/end.
func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	s.instruct(w, r, "end", token, func(act bridge.Action) { s.calls.EndCall(token, act) })
}

type holdRequest struct {
	OnHold bool `json:"on_hold"`
}

// handleHold handles POST /api/v1/calls/{token}/hold.
func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	var req holdRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	s.instruct(w, r, "hold", token, func(act bridge.Action) { s.calls.SetHeld(token, req.OnHold, act) })
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

// handleMute handles POST /api/v1/calls/{token}/mute.
func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	var req muteRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	s.instruct(w, r, "mute", token, func(act bridge.Action) { s.calls.SetMuted(token, req.Muted, act) })
}

type dtmfRequest struct {
	Digits string `json:"digits"`
}

// handleDTMF handles POST /api/v1/calls/{token}/dtmf.
func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	var req dtmfRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	digits := strings.ToUpper(req.Digits)
	if errMsg := validateDigits("digits", digits); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	s.instruct(w, r, "dtmf", token, func(act bridge.Action) { s.calls.PlayDigits(token, digits, act) })
}

type groupRequest struct {
	With string `json:"with"`
}

// handleGroup handles POST /api/v1/calls/{token}/group.
func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	var req groupRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	var with session.Token
	if req.With != "" {
		parsed, err := session.ParseToken(req.With)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid with token")
			return
		}
		with = parsed
	}
	s.instruct(w, r, "group", token, func(act bridge.Action) { s.calls.Group(token, with, act) })
}

// handleTimeout handles POST /api/v1/calls/{token}/timeout.
func (s *Server) handleTimeout(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	s.instruct(w, r, "timeout", token, func(act bridge.Action) { s.calls.TimedOut(token, act) })
}

type audioSessionRequest struct {
	Active bool `json:"active"`
}

// handleAudioSession handles POST /api/v1/audio-session.
func (s *Server) handleAudioSession(w http.ResponseWriter, r *http.Request) {
	var req audioSessionRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	s.calls.SetAudioSession(req.Active)
	writeJSON(w, http.StatusOK, req)
}

// handleReset handles POST /api/v1/reset.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("native surface reset requested")
	s.calls.Reset()
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}
