package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pureboot/pureboot/pkg/workflow"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.deps.Workflows.List())
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workflows.Get(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, wf)
}

type startExecutionRequest struct {
	NodeID     string `json:"node_id"`
	WorkflowID string `json:"workflow_id"`
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.NodeID == "" || req.WorkflowID == "" {
		s.badRequest(w, "node_id and workflow_id are required")
		return
	}

	exec, err := s.deps.Engine.StartExecution(req.NodeID, req.WorkflowID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, exec)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Engine.GetExecution(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Engine.Cancel(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, exec)
}

type stepCallbackRequest struct {
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (s *Server) handleStepCallback(w http.ResponseWriter, r *http.Request) {
	var req stepCallbackRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Status != "success" && req.Status != "failed" {
		s.badRequest(w, "status must be success or failed")
		return
	}

	vars := mux.Vars(r)
	exec, err := s.deps.Engine.HandleCallback(vars["id"], vars["stepID"], workflow.CallbackResult{
		Status:   req.Status,
		ExitCode: req.ExitCode,
		Message:  req.Message,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, exec)
}
