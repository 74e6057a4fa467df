package controllers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/stepflow-io/stepflow/internal/models"
	"github.com/stepflow-io/stepflow/internal/registry"
	"github.com/stepflow-io/stepflow/internal/timer"
	"github.com/stepflow-io/stepflow/internal/workflow"
)

// WorkflowsController holds dependencies for workflow HTTP endpoints.
type WorkflowsController struct {
	AuthController
	Registry     *registry.Registry
	Orchestrator *workflow.Orchestrator
}

func NewWorkflowsController(reg *registry.Registry, orchestrator *workflow.Orchestrator, userRepo UserRepo) *WorkflowsController {
	return &WorkflowsController{Registry: reg, Orchestrator: orchestrator, AuthController: AuthController{
		UserRepo: userRepo,
	}}
}

// RegisterRoutes wires the HTTP routes for this controller.
func (c *WorkflowsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/workflows", c.RequireAuth(c.handleStartWorkflow))
	mux.HandleFunc("GET /api/workflows/{entityType}/{entityId}/status", c.RequireAuth(c.handleWorkflowStatus))
	mux.HandleFunc("GET /api/workflows/{code}/{entityType}/{entityId}/steps", c.RequireAuth(c.handleListSteps))
	mux.HandleFunc("GET /api/workflows/{code}/{entityType}/{entityId}/pending", c.RequireAuth(c.handlePendingSteps))
	mux.HandleFunc("GET /api/definitions", c.RequireAuth(c.handleListDefinitions))
	mux.HandleFunc("GET /api/definitions/{code}", c.RequireAuth(c.handleGetDefinitionByCode))
}

func (c *WorkflowsController) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req models.StartWorkflowRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if req.WorkflowCode == "" || req.EntityType == "" || req.EntityID == 0 {
		http.Error(w, "workflowCode, entityType and entityId are required", http.StatusBadRequest)
		return
	}

	slog.InfoContext(r.Context(), "Starting workflow",
		"workflowCode", req.WorkflowCode, "entityType", req.EntityType, "entityId", req.EntityID)

	result, err := c.Orchestrator.StartWorkflow(req.WorkflowCode, req.EntityType, req.EntityID, req.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, workflow.ErrWorkflowNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, workflow.ErrEntityTypeMismatch):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, workflow.ErrWorkflowAlreadyStarted):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			slog.Error("Failed to start workflow", "error", err)
			http.Error(w, "failed to start workflow", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

func (c *WorkflowsController) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("entityType")
	entityID, err := strconv.ParseInt(r.PathValue("entityId"), 10, 64)
	if err != nil {
		http.Error(w, "entityId is an integer", http.StatusBadRequest)
		return
	}

	summary, err := c.Orchestrator.WorkflowStatus(entityType, entityID)
	if err != nil {
		slog.Error("Failed to load workflow status", "error", err)
		http.Error(w, "failed to load workflow status", http.StatusInternalServerError)
		return
	}
	if summary.Total == 0 {
		http.Error(w, "no workflow for entity", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(summary)
}

func (c *WorkflowsController) handleListSteps(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	entityType := r.PathValue("entityType")
	entityID, err := strconv.ParseInt(r.PathValue("entityId"), 10, 64)
	if err != nil {
		http.Error(w, "entityId is an integer", http.StatusBadRequest)
		return
	}

	steps, err := c.Orchestrator.StepsForWorkflow(code, entityType, entityID)
	if err != nil {
		slog.Error("Failed to list steps", "error", err)
		http.Error(w, "failed to list steps", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(steps)
}

func (c *WorkflowsController) handlePendingSteps(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	entityType := r.PathValue("entityType")
	entityID, err := strconv.ParseInt(r.PathValue("entityId"), 10, 64)
	if err != nil {
		http.Error(w, "entityId is an integer", http.StatusBadRequest)
		return
	}

	steps, err := c.Orchestrator.PendingSteps(code, entityType, entityID)
	if err != nil {
		slog.Error("Failed to list pending steps", "error", err)
		http.Error(w, "failed to list pending steps", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(steps)
}

// handleListDefinitions returns every registered workflow definition
func (c *WorkflowsController) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	codes := c.Registry.Codes()
	defs := make([]*registry.WorkflowDefinition, 0, len(codes))
	for _, code := range codes {
		defs = append(defs, c.Registry.Get(code))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(defs)
}

// handleGetDefinitionByCode returns a specific workflow definition
func (c *WorkflowsController) handleGetDefinitionByCode(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	def := c.Registry.Get(code)
	if def == nil {
		http.Error(w, "definition not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(def)
}

// errorStatus maps step lifecycle errors onto HTTP status codes shared
// by the step endpoints.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, timer.ErrStepNotFound):
		return http.StatusNotFound
	case errors.Is(err, timer.ErrInvalidTransition),
		errors.Is(err, workflow.ErrAlreadyCompleted),
		errors.Is(err, workflow.ErrDependencyNotMet),
		errors.Is(err, workflow.ErrStepNotOptional):
		return http.StatusConflict
	case errors.Is(err, timer.ErrNoTimer),
		errors.Is(err, timer.ErrMissingDuration),
		errors.Is(err, timer.ErrMissingDeadline),
		errors.Is(err, timer.ErrNonPositiveExtension):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
