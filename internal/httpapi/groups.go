package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/carlink/internal/group"
)

type groupRequest struct {
	DeviceID  string `json:"device_id"`
	GroupID   string `json:"group_id"`
	GroupName string `json:"group_name"`
	Message   string `json:"message"`
}

func (s *Server) groupsAvailable(w http.ResponseWriter) bool {
	if s.deps.Groups == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "group chat not configured")
		return false
	}
	return true
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	if !s.groupsAvailable(w) {
		return
	}
	var req groupRequest
	if !decodeRequired(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		respondError(w, http.StatusBadRequest, "missing_device_id", "device_id is required")
		return
	}
	g, invited, err := s.deps.Groups.Create(r.Context(), strings.TrimSpace(req.DeviceID), req.GroupName, req.Message)
	if err != nil {
		respondGroupError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"group":   g,
		"invited": invited,
	})
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	if !s.groupsAvailable(w) {
		return
	}
	var req groupRequest
	if !decodeRequired(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" || strings.TrimSpace(req.GroupID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "device_id and group_id are required")
		return
	}
	g, err := s.deps.Groups.Join(r.Context(), strings.TrimSpace(req.DeviceID), strings.TrimSpace(req.GroupID))
	if err != nil {
		respondGroupError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"group": g})
}

func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	if !s.groupsAvailable(w) {
		return
	}
	var req groupRequest
	if !decodeRequired(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		respondError(w, http.StatusBadRequest, "missing_device_id", "device_id is required")
		return
	}
	g, err := s.deps.Groups.Leave(r.Context(), strings.TrimSpace(req.DeviceID), strings.TrimSpace(req.GroupID))
	if err != nil {
		respondGroupError(w, err)
		return
	}
	_, lookupErr := s.deps.Groups.Get(g.ID)
	respondJSON(w, http.StatusOK, map[string]any{
		"group": g,
		"ended": errors.Is(lookupErr, group.ErrGroupNotFound),
	})
}

func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	if !s.groupsAvailable(w) {
		return
	}
	groups := s.deps.Groups.List()
	respondJSON(w, http.StatusOK, map[string]any{
		"groups": groups,
		"count":  len(groups),
	})
}

func respondGroupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, group.ErrDeviceNotConnected):
		respondError(w, http.StatusNotFound, "device_offline", err.Error())
	case errors.Is(err, group.ErrGroupNotFound):
		respondError(w, http.StatusNotFound, "group_not_found", err.Error())
	case errors.Is(err, group.ErrNoCandidateInvitees):
		respondError(w, http.StatusConflict, "no_candidate_invitees", err.Error())
	case errors.Is(err, group.ErrNotAMember):
		respondError(w, http.StatusConflict, "not_a_member", err.Error())
	case errors.Is(err, group.ErrNoPendingInvitation):
		respondError(w, http.StatusConflict, "no_pending_invitation", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "group_error", err.Error())
	}
}
