package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ent0n29/carlink/internal/callback"
	"github.com/ent0n29/carlink/internal/config"
	"github.com/ent0n29/carlink/internal/control"
	"github.com/ent0n29/carlink/internal/devicestate"
	"github.com/ent0n29/carlink/internal/gateway"
	"github.com/ent0n29/carlink/internal/group"
	"github.com/ent0n29/carlink/internal/observability"
	"github.com/ent0n29/carlink/internal/registry"
)

// Deps are the components the API drives. Gateway and Utterances may be nil.
type Deps struct {
	Registry   *registry.Registry
	Cache      *devicestate.Cache
	Dispatcher *control.Dispatcher
	Ingestor   *control.Ingestor
	Notifier   callback.Notifier
	Groups     *group.Coordinator
	Utterances gateway.UtteranceHandler
	Gateway    http.Handler
	Metrics    *observability.Metrics
	Logger     zerolog.Logger

	// DeviceStateMode names the resolved cache backend for health output.
	DeviceStateMode string
}

type Server struct {
	cfg  config.Config
	deps Deps
	log  zerolog.Logger
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Notifier == nil {
		deps.Notifier = callback.Nop{}
	}
	return &Server{cfg: cfg, deps: deps, log: deps.Logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	if s.deps.Gateway != nil {
		r.Get("/v1/device/ws", s.deps.Gateway.ServeHTTP)
	}

	r.Post("/v1/peripheral/control", s.handlePeripheralControl)
	r.Get("/v1/peripheral/status", s.handleVolumeQuery)
	r.Post("/v1/device/control", s.handleDeviceControl)
	r.Get("/v1/device/status", s.handleDeviceStatus)
	r.Post("/v1/device/status", s.handleDeviceStatus)

	r.Post("/v1/group/create", s.handleCreateGroup)
	r.Post("/v1/group/join", s.handleJoinGroup)
	r.Post("/v1/group/leave", s.handleLeaveGroup)
	r.Get("/v1/group/list", s.handleListGroups)

	r.Post("/v1/connection/manage", s.handleManageConnections)
	r.Post("/v1/system/control", s.handleSystemControl)
	r.Post("/v1/message/text", s.handleTextMessage)
	r.Get("/v1/perf/dispatch", s.handlePerfDispatch)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"connected_devices": s.deps.Registry.Count(),
		"device_state_mode": s.deviceStateMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	groups := 0
	if s.deps.Groups != nil {
		groups = s.deps.Groups.Store().Count()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"connected_devices": s.deps.Registry.Count(),
		"active_groups":     groups,
		"device_state_mode": s.deviceStateMode(),
	})
}

func (s *Server) deviceStateMode() string {
	mode := strings.TrimSpace(s.deps.DeviceStateMode)
	if mode == "" {
		return "memory"
	}
	return mode
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// decodeRequired decodes a body that must be present, answering 400 itself
// when it is not.
func decodeRequired(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := decodeJSON(r, out); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "request body is required")
			return false
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) connection(w http.ResponseWriter, deviceID string) (*registry.Connection, bool) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, "missing_device_id", "device_id is required")
		return nil, false
	}
	conn, ok := s.deps.Registry.FindByDeviceID(deviceID)
	if !ok {
		respondError(w, http.StatusNotFound, "device_offline", "device "+deviceID+" is not online")
		return nil, false
	}
	return conn, true
}
