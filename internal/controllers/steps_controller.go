package controllers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/stepflow-io/stepflow/internal/domain"
	"github.com/stepflow-io/stepflow/internal/models"
	"github.com/stepflow-io/stepflow/internal/timer"
	"github.com/stepflow-io/stepflow/internal/util"
	"github.com/stepflow-io/stepflow/internal/workflow"
)

// StepsController exposes the step timer lifecycle over HTTP.
type StepsController struct {
	AuthController
	Orchestrator *workflow.Orchestrator
}

func NewStepsController(orchestrator *workflow.Orchestrator, userRepo UserRepo) *StepsController {
	return &StepsController{Orchestrator: orchestrator, AuthController: AuthController{
		UserRepo: userRepo,
	}}
}

func (c *StepsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/steps/{id}", c.RequireAuth(c.handleStepState))
	mux.HandleFunc("GET /api/steps/{id}/events", c.RequireAuth(c.handleStepEvents))
	mux.HandleFunc("POST /api/steps/{id}/start", c.RequireAuth(c.handleStartStep))
	mux.HandleFunc("POST /api/steps/{id}/complete", c.RequireAuth(c.handleCompleteStep))
	mux.HandleFunc("POST /api/steps/{id}/pause", c.RequireAuth(c.handlePauseStep))
	mux.HandleFunc("POST /api/steps/{id}/resume", c.RequireAuth(c.handleResumeStep))
	mux.HandleFunc("POST /api/steps/{id}/extend", c.RequireAuth(c.handleExtendStep))
	mux.HandleFunc("POST /api/steps/{id}/reject", c.RequireAuth(c.handleRejectStep))
	mux.HandleFunc("POST /api/steps/{id}/skip", c.RequireAuth(c.handleSkipStep))
	mux.HandleFunc("POST /api/steps/{id}/cancel", c.RequireAuth(c.handleCancelStep))
}

func stepID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "id is an integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeStep(w http.ResponseWriter, si *domain.StepInstance) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(si)
}

func writeStepError(w http.ResponseWriter, op string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("Step operation failed", "op", op, "error", err)
		http.Error(w, "step operation failed", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func (c *StepsController) handleStepState(w http.ResponseWriter, r *http.Request) {
	id, ok := stepID(w, r)
	if !ok {
		return
	}
	state, err := c.Orchestrator.StepState(id)
	if err != nil {
		writeStepError(w, "state", err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, state)
}

func (c *StepsController) handleStepEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := stepID(w, r)
	if !ok {
		return
	}
	events, err := c.Orchestrator.StepEvents(id)
	if err != nil {
		writeStepError(w, "events", err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, events)
}

func (c *StepsController) handleStartStep(w http.ResponseWriter, r *http.Request) {
	id, ok := stepID(w, r)
	if !ok {
		return
	}
	req, err := util.DecodeJSONBody[models.StartStepRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	si, err := c.Orchestrator.StartStep(id, timer.StartParams{
		Action:           timer.Action{UserID: req.UserID, Reason: req.Reason},
		DurationHours:    req.DurationHours,
		Deadline:         req.Deadline,
		AssignedToUserID: req.AssignedToUserID,
	})
	if err != nil {
		writeStepError(w, "start", err)
		return
	}
	writeStep(w, si)
}

func (c *StepsController) handleCompleteStep(w http.ResponseWriter, r *http.Request) {
	id, ok := stepID(w, r)
	if !ok {
		return
	}
	req, err := util.DecodeJSONBody[models.CompleteStepRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	si, err := c.Orchestrator.CompleteStep(id, req.UserID, req.Notes, req.CompletedAt)
	if err != nil {
		writeStepError(w, "complete", err)
		return
	}
	writeStep(w, si)
}

func (c *StepsController) handlePauseStep(w http.ResponseWriter, r *http.Request) {
	id, ok := stepID(w, r)
	if !ok {
		return
	}
	req, err := util.DecodeJSONBody[models.PauseStepRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	si, err := c.Orchestrator.PauseStep(id, req.UserID, req.Reason)
	if err != nil {
		writeStepError(w, "pause", err)
		return
	}
	writeStep(w, si)
}

func (c *StepsController) handleResumeStep(w http.ResponseWriter, r *http.Request) {
	id, ok := stepID(w, r)
	if !ok {
		return
	}
	req, err := util.DecodeJSONBody[models.ResumeStepRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	si, err := c.Orchestrator.ResumeStep(id, req.UserID, req.Reason)
	if err != nil {
		writeStepError(w, "resume", err)
		return
	}
	writeStep(w, si)
}

func (c *StepsController) handleExtendStep(w http.ResponseWriter, r *http.Request) {
	id, ok := stepID(w, r)
	if !ok {
		return
	}
	req, err := util.DecodeJSONBody[models.ExtendStepRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	si, err := c.Orchestrator.ExtendStep(id, req.ExtensionHours, req.UserID, req.Reason)
	if err != nil {
		writeStepError(w, "extend", err)
		return
	}
	writeStep(w, si)
}

func (c *StepsController) handleRejectStep(w http.ResponseWriter, r *http.Request) {
	id, ok := stepID(w, r)
	if !ok {
		return
	}
	req, err := util.DecodeJSONBody[models.RejectStepRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}
	si, err := c.Orchestrator.RejectStep(id, req.UserID, req.Reason, req.ResetTimer)
	if err != nil {
		writeStepError(w, "reject", err)
		return
	}
	writeStep(w, si)
}

func (c *StepsController) handleSkipStep(w http.ResponseWriter, r *http.Request) {
	id, ok := stepID(w, r)
	if !ok {
		return
	}
	req, err := util.DecodeJSONBody[models.SkipStepRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	si, err := c.Orchestrator.SkipStep(id, req.UserID, req.Reason)
	if err != nil {
		writeStepError(w, "skip", err)
		return
	}
	writeStep(w, si)
}

func (c *StepsController) handleCancelStep(w http.ResponseWriter, r *http.Request) {
	id, ok := stepID(w, r)
	if !ok {
		return
	}
	req, err := util.DecodeJSONBody[models.CancelStepRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	si, err := c.Orchestrator.CancelStep(id, req.UserID, req.Reason)
	if err != nil {
		writeStepError(w, "cancel", err)
		return
	}
	writeStep(w, si)
}
