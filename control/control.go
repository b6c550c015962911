// SPDX-License-Identifier: GPL-2.0-only

// Package control exposes the operator-facing HTTP API: inspecting devices
// and clients, assigning ports, and forcibly recovering stuck exports.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/usbip-orchestrator/clients"
	"github.com/MatthiasValvekens/usbip-orchestrator/orchestrator"
)

// Orchestrator is the slice of the assignment loop the API needs.
type Orchestrator interface {
	Assign(ctx context.Context, busId, clientId string) error
	AssignAll(ctx context.Context, clientId string) error
	ForceFree(ctx context.Context, busId string) error
	ForceReattach(ctx context.Context, busId string) error
	GetSnapshot(ctx context.Context) (orchestrator.Snapshot, error)
}

// ClientLister reports the agents the host has seen.
type ClientLister interface {
	Clients() []clients.ClientInfo
}

type API struct {
	orch    Orchestrator
	clients ClientLister
	logger  log.Logger
}

func NewAPI(orch Orchestrator, cl ClientLister, logger log.Logger) *API {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &API{orch: orch, clients: cl, logger: logger}
}

// Register installs the API routes on mux.
func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /devices", api.handleDevices)
	mux.HandleFunc("GET /devices/{busid}", api.handleDevice)
	mux.HandleFunc("POST /devices/{busid}/assign", api.handleAssign)
	mux.HandleFunc("POST /devices/{busid}/force_free", api.handleForceFree)
	mux.HandleFunc("POST /devices/{busid}/force_reattach", api.handleForceReattach)
	mux.HandleFunc("POST /assign_all", api.handleAssignAll)
	mux.HandleFunc("GET /clients", api.handleClients)
	mux.HandleFunc("GET /debug", api.handleDebug)
}

type assignRequest struct {
	ClientID string `json:"client_id"`
}

type statusResponse struct {
	BusID  string `json:"busid,omitempty"`
	Client string `json:"client_id,omitempty"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (api *API) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		_ = level.Debug(api.logger).Log("msg", "failed to write response", "err", err)
	}
}

func (api *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotWhitelisted):
		api.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, orchestrator.ErrInvalidClient):
		api.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		_ = level.Error(api.logger).Log("msg", "control operation failed", "err", err)
		api.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func decodeClientId(r *http.Request) (string, error) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", err
	}
	return req.ClientID, nil
}

func (api *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	snap, err := api.orch.GetSnapshot(r.Context())
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, http.StatusOK, snap.Ports)
}

func (api *API) handleDevice(w http.ResponseWriter, r *http.Request) {
	busId := r.PathValue("busid")
	snap, err := api.orch.GetSnapshot(r.Context())
	if err != nil {
		api.writeError(w, err)
		return
	}
	for _, port := range snap.Ports {
		if port.BusID == busId {
			api.writeJSON(w, http.StatusOK, port)
			return
		}
	}
	api.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown device"})
}

func (api *API) handleAssign(w http.ResponseWriter, r *http.Request) {
	busId := r.PathValue("busid")
	clientId, err := decodeClientId(r)
	if err != nil {
		api.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	if err := api.orch.Assign(r.Context(), busId, clientId); err != nil {
		api.writeError(w, err)
		return
	}
	status := "assigned"
	if clientId == "none" {
		status = "unassigned"
	}
	api.writeJSON(w, http.StatusOK, statusResponse{BusID: busId, Client: clientId, Status: status})
}

func (api *API) handleForceFree(w http.ResponseWriter, r *http.Request) {
	busId := r.PathValue("busid")
	if err := api.orch.ForceFree(r.Context(), busId); err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, http.StatusOK, statusResponse{BusID: busId, Status: "freed"})
}

func (api *API) handleForceReattach(w http.ResponseWriter, r *http.Request) {
	busId := r.PathValue("busid")
	if err := api.orch.ForceReattach(r.Context(), busId); err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, http.StatusOK, statusResponse{BusID: busId, Status: "reattaching"})
}

func (api *API) handleAssignAll(w http.ResponseWriter, r *http.Request) {
	clientId, err := decodeClientId(r)
	if err != nil {
		api.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	if err := api.orch.AssignAll(r.Context(), clientId); err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, http.StatusOK, statusResponse{Client: clientId, Status: "assigned"})
}

type clientRow struct {
	ClientID   string `json:"client_id"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Connected  bool   `json:"connected"`
	LastSeen   string `json:"last_seen,omitempty"`
}

func (api *API) handleClients(w http.ResponseWriter, _ *http.Request) {
	infos := api.clients.Clients()
	rows := make([]clientRow, 0, len(infos))
	for _, info := range infos {
		row := clientRow{
			ClientID:   info.ClientID,
			RemoteAddr: info.RemoteAddr,
			Connected:  info.Connected,
		}
		if !info.LastSeen.IsZero() {
			row.LastSeen = info.LastSeen.UTC().Format("2006-01-02T15:04:05Z")
		}
		rows = append(rows, row)
	}
	api.writeJSON(w, http.StatusOK, rows)
}

type debugResponse struct {
	Snapshot orchestrator.Snapshot `json:"snapshot"`
	Clients  []clientRow           `json:"clients"`
}

func (api *API) handleDebug(w http.ResponseWriter, r *http.Request) {
	snap, err := api.orch.GetSnapshot(r.Context())
	if err != nil {
		api.writeError(w, err)
		return
	}
	infos := api.clients.Clients()
	rows := make([]clientRow, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, clientRow{
			ClientID:   info.ClientID,
			RemoteAddr: info.RemoteAddr,
			Connected:  info.Connected,
		})
	}
	api.writeJSON(w, http.StatusOK, debugResponse{Snapshot: snap, Clients: rows})
}
