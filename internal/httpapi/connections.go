package httpapi

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ent0n29/carlink/internal/registry"
)

type connectionInfo struct {
	DeviceID     string    `json:"device_id"`
	ConnectionID string    `json:"connection_id"`
	ClientIP     string    `json:"client_ip"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Mode         string    `json:"mode"`
	GroupID      string    `json:"group_id,omitempty"`
}

func describeConnection(c *registry.Connection) connectionInfo {
	conv := c.Conversation()
	return connectionInfo{
		DeviceID:     c.DeviceID,
		ConnectionID: c.ID,
		ClientIP:     c.ClientIP,
		ConnectedAt:  c.ConnectedAt,
		LastActivity: c.LastActivity(),
		Mode:         conv.Mode.String(),
		GroupID:      conv.GroupID,
	}
}

func (s *Server) handleManageConnections(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action   string `json:"action"`
		DeviceID string `json:"device_id"`
	}
	if !decodeRequired(w, r, &req) {
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "list":
		conns := s.deps.Registry.All()
		out := make([]connectionInfo, 0, len(conns))
		for _, c := range conns {
			out = append(out, describeConnection(c))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
		respondJSON(w, http.StatusOK, map[string]any{"connections": out, "count": len(out)})

	case "disconnect":
		deviceID := strings.TrimSpace(req.DeviceID)
		if deviceID == "" {
			respondError(w, http.StatusBadRequest, "missing_device_id", "device_id is required")
			return
		}
		closed := 0
		for _, c := range s.deps.Registry.All() {
			if c.DeviceID != deviceID {
				continue
			}
			if err := c.Close(); err != nil {
				s.log.Warn().Err(err).Str("device_id", deviceID).Msg("closing connection failed")
				continue
			}
			closed++
		}
		if closed == 0 {
			respondError(w, http.StatusNotFound, "device_offline", "device "+deviceID+" is not online")
			return
		}
		s.log.Info().Str("device_id", deviceID).Int("closed", closed).Msg("device disconnected by operator")
		respondJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "disconnected": closed})

	case "disconnect_all":
		closed := 0
		for _, c := range s.deps.Registry.All() {
			if err := c.Close(); err != nil {
				s.log.Warn().Err(err).Str("device_id", c.DeviceID).Msg("closing connection failed")
				continue
			}
			closed++
		}
		s.log.Info().Int("closed", closed).Msg("all devices disconnected by operator")
		respondJSON(w, http.StatusOK, map[string]any{"disconnected": closed})

	default:
		respondError(w, http.StatusBadRequest, "unsupported_action", "unsupported action: "+req.Action)
	}
}
