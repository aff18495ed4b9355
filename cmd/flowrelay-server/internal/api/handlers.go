// Package api provides HTTP handlers for the flowrelay server REST API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coregx/flowrelay"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	runtime    *flowrelay.Runtime
	quarantine flowrelay.QuarantineRepository
	logger     flowrelay.Logger
}

// NewHandler creates a new API handler.
func NewHandler(runtime *flowrelay.Runtime, quarantine flowrelay.QuarantineRepository, logger flowrelay.Logger) *Handler {
	return &Handler{
		runtime:    runtime,
		quarantine: quarantine,
		logger:     logger,
	}
}

// Routes registers every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/health", h.HandleHealth)
	mux.HandleFunc("GET /api/v1/components", h.HandleListComponents)
	mux.HandleFunc("POST /api/v1/components/{path}/{action}", h.HandleControl)
	mux.HandleFunc("POST /api/v1/components/{path}/ingest", h.HandleIngest)
	mux.HandleFunc("GET /api/v1/steps/{id}", h.HandleGetStep)
	mux.HandleFunc("GET /api/v1/lineage/{groupId}", h.HandleGetLineage)
	mux.HandleFunc("GET /api/v1/quarantine", h.HandleListQuarantine)
	mux.HandleFunc("GET /api/v1/quarantine/stats", h.HandleQuarantineStats)
	mux.HandleFunc("POST /api/v1/quarantine/{id}/requeue", h.HandleRequeue)
}

// IngestRequest represents a message handed to an inbound communication point.
type IngestRequest struct {
	Content string            `json:"content"`
	Headers map[string]string `json:"headers"`
	Key     string            `json:"key"`
}

// RequeueRequest represents a quarantine replay request.
type RequeueRequest struct {
	ResolvedBy string `json:"resolvedBy"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse represents a success response.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ComponentStatus describes a registered component.
type ComponentStatus struct {
	Path             string   `json:"path"`
	Archetype        string   `json:"archetype"`
	ComponentRouteID int64    `json:"componentRouteId"`
	Configured       bool     `json:"configured"`
	RunningStages    []string `json:"runningStages"`
}

// HandleHealth handles GET /api/v1/health
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "healthy", http.StatusOK
	if !h.runtime.Ready() {
		status, code = "starting", http.StatusServiceUnavailable
	}
	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"stages":    len(h.runtime.RunningStages()),
	}
	h.respondSuccess(w, code, health, "")
}

// HandleListComponents handles GET /api/v1/components
func (h *Handler) HandleListComponents(w http.ResponseWriter, _ *http.Request) {
	running := make(map[string]bool)
	for _, name := range h.runtime.RunningStages() {
		running[name] = true
	}

	var out []ComponentStatus
	for _, path := range h.runtime.Components() {
		c, ok := h.runtime.Component(path)
		if !ok {
			continue
		}
		status := ComponentStatus{
			Path:             path,
			Archetype:        c.Archetype().String(),
			ComponentRouteID: c.Identifier().ComponentRouteID,
			Configured:       c.IsConfigured(),
			RunningStages:    []string{},
		}
		for _, stage := range c.Stages() {
			if running[stage.Name] {
				status.RunningStages = append(status.RunningStages, stage.Name)
			}
		}
		out = append(out, status)
	}
	h.respondSuccess(w, http.StatusOK, out, "")
}

// HandleControl handles POST /api/v1/components/{path}/{action}
// where action is start, stop, start-inbound, stop-inbound, start-outbound or stop-outbound.
func (h *Handler) HandleControl(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	ctx := r.Context()

	var err error
	switch action := r.PathValue("action"); action {
	case "start":
		err = h.runtime.StartComponent(ctx, path)
	case "stop":
		err = h.runtime.StopComponent(ctx, path)
	case "start-inbound":
		err = h.runtime.StartInbound(ctx, path)
	case "stop-inbound":
		err = h.runtime.StopInbound(ctx, path)
	case "start-outbound":
		err = h.runtime.StartOutbound(ctx, path)
	case "stop-outbound":
		err = h.runtime.StopOutbound(ctx, path)
	default:
		h.respondError(w, http.StatusNotFound, "Unknown action "+action, flowrelay.ErrCodeNotFound)
		return
	}
	if err != nil {
		h.respondFailure(w, "Failed to control component "+path, err)
		return
	}
	h.respondSuccess(w, http.StatusOK, map[string]string{"path": path}, "Component updated")
}

// HandleIngest handles POST /api/v1/components/{path}/ingest
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}

	step, recorded, err := h.runtime.Ingest(r.Context(), r.PathValue("path"), flowrelay.IngressMessage{
		Content: req.Content,
		Headers: req.Headers,
		Key:     req.Key,
	})
	if err != nil {
		h.respondFailure(w, "Failed to ingest message", err)
		return
	}
	if !recorded {
		h.respondSuccess(w, http.StatusOK, nil, "Already recorded")
		return
	}
	h.respondSuccess(w, http.StatusCreated, step, "Message recorded")
}

// HandleGetStep handles GET /api/v1/steps/{id}
func (h *Handler) HandleGetStep(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	step, msg, err := h.runtime.Flows().GetStepContent(r.Context(), id)
	if err != nil {
		h.respondFailure(w, "Failed to load step", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, map[string]interface{}{"step": step, "message": msg}, "")
}

// HandleGetLineage handles GET /api/v1/lineage/{groupId}
func (h *Handler) HandleGetLineage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "groupId")
	if !ok {
		return
	}
	steps, err := h.runtime.Flows().GetLineage(r.Context(), id)
	if err != nil {
		h.respondFailure(w, "Failed to load lineage", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, steps, "")
}

// HandleListQuarantine handles GET /api/v1/quarantine?limit=n
func (h *Handler) HandleListQuarantine(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.quarantine.FindUnresolved(r.Context(), limit)
	if err != nil {
		h.respondFailure(w, "Failed to list quarantine", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, entries, "")
}

// HandleQuarantineStats handles GET /api/v1/quarantine/stats
func (h *Handler) HandleQuarantineStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.quarantine.GetStats(r.Context())
	if err != nil {
		h.respondFailure(w, "Failed to load quarantine stats", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, stats, "")
}

// HandleRequeue handles POST /api/v1/quarantine/{id}/requeue
func (h *Handler) HandleRequeue(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req RequeueRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
			return
		}
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "api"
	}

	if err := h.runtime.Requeue(r.Context(), id, req.ResolvedBy); err != nil {
		h.respondFailure(w, "Failed to requeue", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, map[string]int64{"id": id}, "Requeued")
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "Invalid "+name, "INVALID_ID")
		return 0, false
	}
	return id, true
}

// respondFailure maps a flowrelay error onto an HTTP status.
func (h *Handler) respondFailure(w http.ResponseWriter, message string, err error) {
	code := flowrelay.Code(err)
	status := http.StatusInternalServerError
	switch {
	case flowrelay.IsNotFound(err):
		status = http.StatusNotFound
	case code == flowrelay.ErrCodeValidation, flowrelay.IsConfiguration(err):
		status = http.StatusBadRequest
	default:
		h.logger.Errorf("%s: %v", message, err)
	}

	var ferr *flowrelay.Error
	if errors.As(err, &ferr) {
		message = ferr.Message
	}
	h.respondError(w, status, message, code)
}

// respondError sends an error response.
func (h *Handler) respondError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   message,
		Code:    code,
		Message: message,
	})
}

// respondSuccess sends a success response.
func (h *Handler) respondSuccess(w http.ResponseWriter, status int, data interface{}, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(SuccessResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}
