package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wasmfleet/wasmfleet/pkg/discovery"
	"github.com/wasmfleet/wasmfleet/pkg/fleet"
)

// submitRequest is the deployment submission body. Modules may be inline
// descriptors or references into the module catalog; pipeline order is
// catalog references first, then inline modules, each in listed order.
type submitRequest struct {
	ModuleIDs   []string                 `json:"module_ids,omitempty"`
	Modules     []fleet.ModuleDescriptor `json:"modules,omitempty"`
	RetryBudget int                      `json:"retry_budget,omitempty"`
}

type submitResponse struct {
	DeploymentID string `json:"deployment_id"`
}

type deploymentView struct {
	ID          string            `json:"id"`
	State       fleet.DeploymentState `json:"state"`
	Reason      fleet.FailureReason   `json:"reason,omitempty"`
	Modules     []string          `json:"modules"`
	Placements  []fleet.Placement `json:"placements,omitempty"`
	Excluded    []string          `json:"excluded,omitempty"`
	Attempts    int               `json:"attempts"`
	RetryBudget int               `json:"retry_budget"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

func deploymentResponse(dep fleet.Deployment) deploymentView {
	mods := make([]string, 0, len(dep.Request.Modules))
	for _, m := range dep.Request.Modules {
		mods = append(mods, m.ID)
	}
	return deploymentView{
		ID:          dep.ID,
		State:       dep.State,
		Reason:      dep.Reason,
		Modules:     mods,
		Placements:  dep.Placements,
		Excluded:    dep.Excluded,
		Attempts:    dep.Attempts,
		RetryBudget: dep.Request.RetryBudget,
		CreatedAt:   dep.CreatedAt,
		UpdatedAt:   dep.UpdatedAt,
		CompletedAt: dep.CompletedAt,
	}
}

// registerModuleRequest is the module registration body. ArtifactBase64, if
// present, is inspected: the binary must compile and its digest must match
// any declared one.
type registerModuleRequest struct {
	fleet.ModuleDescriptor
	ArtifactBase64 string `json:"artifact_base64,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"status":  "ok",
		"devices": s.registry.Len(),
	}
	if s.resilient != nil && s.resilient.Degraded() {
		status["status"] = "degraded"
		status["store"] = "unavailable"
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSubmitDeployment(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	modules := make([]fleet.ModuleDescriptor, 0, len(req.ModuleIDs)+len(req.Modules))
	for _, id := range req.ModuleIDs {
		mod, ok := s.inventory.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "module not found: "+id)
			return
		}
		modules = append(modules, mod)
	}
	modules = append(modules, req.Modules...)

	id, err := s.manager.Submit(r.Context(), fleet.DeploymentRequest{
		Modules:     modules,
		SubmittedAt: time.Now().UTC(),
		RetryBudget: req.RetryBudget,
	})
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{DeploymentID: id})
}

func (s *Server) handleListDeployments(w http.ResponseWriter, _ *http.Request) {
	deps := s.manager.List()
	out := make([]deploymentView, 0, len(deps))
	for _, dep := range deps {
		out = append(out, deploymentResponse(dep))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.manager.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deploymentResponse(dep))
}

func (s *Server) handleCancelDeployment(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleCompleteDeployment(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Complete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "completing"})
}

func (s *Server) handleDeploymentEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	events, err := s.store.GetEvents(r.Context(), &id, nil, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read events: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.Query(func(*fleet.DeviceDescriptor) bool { return true })
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleForgetDevice removes a device immediately instead of waiting for
// eviction, e.g. when decommissioning hardware.
func (s *Server) handleForgetDevice(w http.ResponseWriter, r *http.Request) {
	s.registry.Evict(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "forgotten"})
}

// handleAnnounce accepts a pushed device announcement, for devices that
// register themselves rather than being found by a scan.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	ann, err := discovery.ParseAnnouncement(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.ingestor.Announce(ann)
	writeJSON(w, http.StatusAccepted, map[string]string{"device_id": ann.DeviceID})
}

// handleRescan runs a discovery cycle immediately instead of waiting for
// the next scheduled scan.
func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	s.ingestor.RunCycle(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "rescanned"})
}

func (s *Server) handleRegisterModule(w http.ResponseWriter, r *http.Request) {
	var req registerModuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var artifact []byte
	if req.ArtifactBase64 != "" {
		var err error
		artifact, err = base64.StdEncoding.DecodeString(req.ArtifactBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid artifact encoding")
			return
		}
	}

	mod, err := s.inventory.Register(r.Context(), req.ModuleDescriptor, artifact)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mod)
}

func (s *Server) handleListModules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.inventory.List())
}

func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	mod, ok := s.inventory.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "module not found")
		return
	}
	writeJSON(w, http.StatusOK, mod)
}

func (s *Server) handleDeleteModule(w http.ResponseWriter, r *http.Request) {
	if err := s.inventory.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeFleetError maps classified errors onto HTTP statuses.
func writeFleetError(w http.ResponseWriter, err error) {
	var ferr *fleet.FleetError
	if errors.As(err, &ferr) {
		switch ferr.Code {
		case fleet.ErrCodeNotFound:
			writeError(w, http.StatusNotFound, ferr.Message)
			return
		case fleet.ErrCodeTerminal:
			writeError(w, http.StatusConflict, ferr.Message)
			return
		case fleet.ErrCodeInvalidArtifact:
			writeError(w, http.StatusBadRequest, ferr.Message)
			return
		}
		if ferr.Class == fleet.ErrorClassPermanent {
			writeError(w, http.StatusBadRequest, ferr.Message)
			return
		}
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
