package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/carlink/internal/control"
	"github.com/ent0n29/carlink/internal/devicestate"
	"github.com/ent0n29/carlink/internal/protocol"
)

type peripheralRequest struct {
	Action        string          `json:"action"`
	DeviceID      string          `json:"device_id"`
	Value         *int            `json:"value"`
	CurrentVolume *int            `json:"current_volume"`
	Content       string          `json:"content"`
	ReplyValue    json.RawMessage `json:"reply_value"`
}

type dispatchResponse struct {
	DeviceID string `json:"device_id"`
	Command  string `json:"command"`
	Status   string `json:"status"`
	Value    int    `json:"value"`
	Message  string `json:"message"`
}

func (s *Server) handlePeripheralControl(w http.ResponseWriter, r *http.Request) {
	var req peripheralRequest
	if !decodeRequired(w, r, &req) {
		return
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, "missing_device_id", "device_id is required")
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "volume":
		if req.Value == nil {
			respondError(w, http.StatusBadRequest, "missing_value", "value is required")
			return
		}
		s.dispatch(w, r.Context(), deviceID, control.VolumeSet(*req.Value))
	case "microphone":
		if req.Value == nil {
			respondError(w, http.StatusBadRequest, "missing_value", "value is required")
			return
		}
		s.dispatch(w, r.Context(), deviceID, control.MicrophoneSet(*req.Value))
	case "volume_status":
		if req.CurrentVolume == nil {
			respondError(w, http.StatusBadRequest, "missing_current_volume", "current_volume is required")
			return
		}
		status := protocol.Status{
			Type:   protocol.TypeStatus,
			Volume: json.RawMessage(strconv.Itoa(*req.CurrentVolume)),
		}
		if !s.deps.Ingestor.IngestStatus(r.Context(), deviceID, status) {
			respondError(w, http.StatusBadRequest, "invalid_status", "current_volume was not applied")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "current_volume": *req.CurrentVolume})
	case "device_reply":
		s.ingestReply(w, r.Context(), deviceID, req)
	default:
		respondError(w, http.StatusBadRequest, "unsupported_action", "unsupported action: "+req.Action)
	}
}

// ingestReply accepts a device reply delivered over HTTP instead of the socket.
func (s *Server) ingestReply(w http.ResponseWriter, ctx context.Context, deviceID string, req peripheralRequest) {
	content := strings.ToLower(strings.TrimSpace(req.Content))
	if content == "" {
		respondError(w, http.StatusBadRequest, "missing_content", "content is required")
		return
	}
	value := req.ReplyValue
	if len(value) == 0 && req.Value != nil {
		value = json.RawMessage(strconv.Itoa(*req.Value))
	}
	reply := protocol.Reply{Type: protocol.TypeReply, Content: content, Value: value}
	if !s.deps.Ingestor.IngestReply(ctx, deviceID, reply) {
		respondError(w, http.StatusBadRequest, "invalid_reply", "reply was discarded")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "content": content})
}

func (s *Server) handleVolumeQuery(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.connection(w, r.URL.Query().Get("device_id"))
	if !ok {
		return
	}
	err := conn.Send(r.Context(), protocol.PeripheralCommand{
		Type:      protocol.TypePeripheral,
		Action:    protocol.ActionGetVolume,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, "send_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"device_id": conn.DeviceID,
		"action":    protocol.ActionGetVolume,
	})
}

type deviceControlRequest struct {
	DeviceID string `json:"device_id"`
	Command  *int   `json:"command"`
	Name     string `json:"name"`
}

func (s *Server) handleDeviceControl(w http.ResponseWriter, r *http.Request) {
	var req deviceControlRequest
	if !decodeRequired(w, r, &req) {
		return
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, "missing_device_id", "device_id is required")
		return
	}

	var code control.IoTCode
	switch {
	case req.Command != nil:
		code = control.IoTCode(*req.Command)
	case strings.TrimSpace(req.Name) != "":
		c, ok := control.LookupIoT(req.Name)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid_command", "unknown command name: "+req.Name)
			return
		}
		code = c
	default:
		respondError(w, http.StatusBadRequest, "missing_command", "command is required")
		return
	}
	s.dispatch(w, r.Context(), deviceID, control.IoT(code))
}

// dispatch runs an acknowledged command and maps its outcome to a status code.
func (s *Server) dispatch(w http.ResponseWriter, ctx context.Context, deviceID string, cmd control.Command) {
	if err := cmd.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_command", err.Error())
		return
	}
	out := s.deps.Dispatcher.SendAndAwait(ctx, deviceID, cmd)
	respondJSON(w, outcomeHTTPStatus(out.Status), dispatchResponse{
		DeviceID: deviceID,
		Command:  cmd.Label(),
		Status:   string(out.Status),
		Value:    out.Value,
		Message:  out.Describe(cmd),
	})
}

func outcomeHTTPStatus(status control.Status) int {
	switch status {
	case control.StatusConfirmed:
		return http.StatusOK
	case control.StatusSentUnconfirmed:
		return http.StatusAccepted
	case control.StatusDeviceOffline:
		return http.StatusNotFound
	default:
		return http.StatusGatewayTimeout
	}
}

type deviceStatus struct {
	DeviceID string             `json:"device_id"`
	Online   bool               `json:"online"`
	GroupID  string             `json:"group_id,omitempty"`
	State    *devicestate.State `json:"state,omitempty"`
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	if r.Method == http.MethodPost {
		var req struct {
			DeviceID string `json:"device_id"`
		}
		if err := decodeJSON(r, &req); err != nil && err != errEmptyBody {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		if id := strings.TrimSpace(req.DeviceID); id != "" {
			deviceID = id
		}
	}

	if deviceID != "" {
		st, err := s.status(r.Context(), deviceID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "state_unavailable", err.Error())
			return
		}
		if !st.Online && st.State == nil {
			respondError(w, http.StatusNotFound, "device_not_found", "no state known for device "+deviceID)
			return
		}
		respondJSON(w, http.StatusOK, st)
		return
	}

	ids := s.deps.Registry.DeviceIDs()
	out := make([]deviceStatus, 0, len(ids))
	for _, id := range ids {
		st, err := s.status(r.Context(), id)
		if err != nil {
			s.log.Warn().Err(err).Str("device_id", id).Msg("device state lookup failed")
			st = deviceStatus{DeviceID: id, Online: true}
		}
		out = append(out, st)
	}
	respondJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

func (s *Server) status(ctx context.Context, deviceID string) (deviceStatus, error) {
	out := deviceStatus{DeviceID: deviceID}
	if conn, ok := s.deps.Registry.FindByDeviceID(deviceID); ok {
		out.Online = true
		out.GroupID = conn.GroupID()
	}
	if s.deps.Cache == nil {
		return out, nil
	}
	st, found, err := s.deps.Cache.Get(ctx, deviceID)
	if err != nil {
		return out, err
	}
	if found {
		out.State = &st
	}
	return out, nil
}

type systemRequest struct {
	Action   string `json:"action"`
	DeviceID string `json:"device_id"`
}

func (s *Server) handleSystemControl(w http.ResponseWriter, r *http.Request) {
	var req systemRequest
	if !decodeRequired(w, r, &req) {
		return
	}
	action := strings.ToLower(strings.TrimSpace(req.Action))
	switch action {
	case protocol.SystemReboot, protocol.SystemDebug:
	default:
		respondError(w, http.StatusBadRequest, "unsupported_action", "unsupported action: "+req.Action)
		return
	}
	conn, ok := s.connection(w, req.DeviceID)
	if !ok {
		return
	}
	if err := conn.Send(r.Context(), protocol.SystemCommand{Type: protocol.TypeSystem, Command: action}); err != nil {
		respondError(w, http.StatusBadGateway, "send_failed", err.Error())
		return
	}
	s.log.Info().Str("device_id", conn.DeviceID).Str("command", action).Msg("system command sent")
	respondJSON(w, http.StatusAccepted, map[string]any{"device_id": conn.DeviceID, "command": action})
}

type textMessageRequest struct {
	DeviceID string `json:"device_id"`
	Message  string `json:"message"`
}

// handleTextMessage treats the message as if the device had spoken it.
func (s *Server) handleTextMessage(w http.ResponseWriter, r *http.Request) {
	var req textMessageRequest
	if !decodeRequired(w, r, &req) {
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		respondError(w, http.StatusBadRequest, "missing_message", "message is required")
		return
	}
	if s.deps.Utterances == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "assistant not configured")
		return
	}
	conn, ok := s.connection(w, req.DeviceID)
	if !ok {
		return
	}
	handled := s.deps.Utterances.HandleUtterance(r.Context(), conn, text)
	respondJSON(w, http.StatusOK, map[string]any{
		"device_id": conn.DeviceID,
		"message":   text,
		"handled":   handled,
	})
}
