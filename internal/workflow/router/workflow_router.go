package router

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/taskmesh/taskmesh/internal/scheduler"
	"github.com/taskmesh/taskmesh/internal/workflow/model"
	"github.com/taskmesh/taskmesh/internal/workflow/service"
)

// WorkflowRouter exposes workflow submission, status and revocation over HTTP.
type WorkflowRouter struct {
	scheduler *scheduler.Scheduler
	workflows *service.WorkflowService
	tasks     *service.TaskService
}

func NewWorkflowRouter(sched *scheduler.Scheduler, workflows *service.WorkflowService, tasks *service.TaskService) *WorkflowRouter {
	return &WorkflowRouter{
		scheduler: sched,
		workflows: workflows,
		tasks:     tasks,
	}
}

// Register attaches the workflow routes to the mux.
func (wr *WorkflowRouter) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v2/workflow/run", wr.HandleRunWorkflow)
	mux.HandleFunc("GET /api/v2/workflow/status", wr.HandleWorkflowStatus)
	mux.HandleFunc("POST /api/v2/workflow/revoke", wr.HandleRevokeWorkflow)
}

// HandleRunWorkflow handles POST /api/v2/workflow/run
// Request body: Workflow
// Response: {"id": "<workflow id>"}
func (wr *WorkflowRouter) HandleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	id, err := wr.scheduler.Run(r.Context(), &wf)
	if err != nil {
		if errors.Is(err, model.ErrInvalidWorkflow) || errors.Is(err, scheduler.ErrMissingTasks) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, "failed to schedule workflow: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"id": id}); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
}

// HandleWorkflowStatus handles GET /api/v2/workflow/status?id={workflowID}
// Response: WorkflowRecord with its task records embedded
func (wr *WorkflowRouter) HandleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing 'id' query parameter", http.StatusBadRequest)
		return
	}

	record, err := wr.workflows.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrWorkflowNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "failed to retrieve workflow: "+err.Error(), http.StatusInternalServerError)
		return
	}

	tasks, err := wr.tasks.GetByParent(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to retrieve workflow tasks: "+err.Error(), http.StatusInternalServerError)
		return
	}
	record.Tasks = tasks

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(record); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
}

// HandleRevokeWorkflow handles POST /api/v2/workflow/revoke?id={workflowID}
// Response: the revoked WorkflowRecord
func (wr *WorkflowRouter) HandleRevokeWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing 'id' query parameter", http.StatusBadRequest)
		return
	}

	record, err := wr.workflows.Revoke(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrWorkflowNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "failed to revoke workflow: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(record); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
}
