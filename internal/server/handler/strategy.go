package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/derivlab/perpengine/internal/manager"
	"github.com/derivlab/perpengine/internal/service"
)

// maxBodySize caps control-plane request bodies at 64 KiB.
const maxBodySize = 64 * 1024

// StrategyHandler serves the strategy lifecycle endpoints.
type StrategyHandler struct {
	strategies *service.StrategyService
}

// NewStrategyHandler creates a StrategyHandler.
func NewStrategyHandler(strategies *service.StrategyService) *StrategyHandler {
	return &StrategyHandler{strategies: strategies}
}

type startRequest struct {
	Strategy    string          `json:"strategy"`
	Instrument  string          `json:"instrument"`
	Broker      string          `json:"broker"`
	Environment string          `json:"environment"`
	Config      json.RawMessage `json:"config"`
}

type stopRequest struct {
	Strategy    string `json:"strategy"`
	Instrument  string `json:"instrument"`
	Broker      string `json:"broker"`
	Environment string `json:"environment"`
}

type instanceStatusResponse struct {
	Strategy       string          `json:"strategy"`
	Instrument     string          `json:"instrument"`
	Broker         string          `json:"broker"`
	Environment    string          `json:"environment"`
	Status         string          `json:"status"`
	Live           bool            `json:"live"`
	ExecutorState  string          `json:"executor_state,omitempty"`
	AutoReconnect  bool            `json:"auto_reconnect"`
	LastAction     string          `json:"last_action,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`
	ConnectedAt    *time.Time      `json:"connected_at,omitempty"`
	LastHeartbeat  *time.Time      `json:"last_heartbeat,omitempty"`
	DisconnectedAt *time.Time      `json:"disconnected_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ErrorCount     int             `json:"error_count,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Start handles POST /api/users/{user}/strategies/start.
func (h *StrategyHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")

	var req startRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	err := h.strategies.Start(r.Context(), userID, manager.StartRequest{
		Strategy:    req.Strategy,
		Instrument:  req.Instrument,
		Broker:      req.Broker,
		Environment: req.Environment,
		Config:      req.Config,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status":     "started",
		"strategy":   req.Strategy,
		"instrument": req.Instrument,
	})
}

// Stop handles POST /api/users/{user}/strategies/stop.
func (h *StrategyHandler) Stop(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")

	var req stopRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	err := h.strategies.Stop(r.Context(), userID, manager.StopRequest{
		Strategy:    req.Strategy,
		Instrument:  req.Instrument,
		Broker:      req.Broker,
		Environment: req.Environment,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "stopped",
		"strategy":   req.Strategy,
		"instrument": req.Instrument,
	})
}

// List handles GET /api/users/{user}/strategies.
func (h *StrategyHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	q := r.URL.Query()

	statuses, err := h.strategies.List(r.Context(), userID, q.Get("broker"), q.Get("environment"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]instanceStatusResponse, 0, len(statuses))
	for _, st := range statuses {
		rec := st.Record
		resp := instanceStatusResponse{
			Strategy:       rec.Key.Strategy,
			Instrument:     rec.Key.Instrument,
			Broker:         rec.Key.Broker,
			Environment:    rec.Key.Environment,
			Status:         string(rec.Status),
			Live:           st.Live,
			AutoReconnect:  rec.AutoReconnect,
			LastAction:     string(rec.LastAction),
			Config:         rec.Config,
			ConnectedAt:    rec.ConnectedAt,
			LastHeartbeat:  rec.LastHeartbeat,
			DisconnectedAt: rec.DisconnectedAt,
			ErrorMessage:   rec.ErrorMessage,
			ErrorCount:     rec.ErrorCount,
			UpdatedAt:      rec.UpdatedAt,
		}
		if st.Live {
			resp.ExecutorState = string(st.State)
		}
		out = append(out, resp)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"strategies": out,
		"count":      len(out),
	})
}

// Available handles GET /api/strategies/available.
func (h *StrategyHandler) Available(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"strategies": h.strategies.Available(),
	})
}

// decodeBody reads a size-capped JSON body into dst, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Drain any trailing bytes so keep-alive connections stay reusable.
	io.Copy(io.Discard, r.Body)
	return nil
}
