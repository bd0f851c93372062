package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

type createGroupRequest struct {
	Name              string `json:"name"`
	ParentID          string `json:"parent_id,omitempty"`
	DefaultWorkflowID string `json:"default_workflow_id,omitempty"`
	AutoProvision     *bool  `json:"auto_provision,omitempty"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Name == "" {
		s.badRequest(w, "name is required")
		return
	}

	group, err := s.deps.Registry.CreateGroup(req.Name, req.ParentID, req.DefaultWorkflowID, req.AutoProvision)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, group)
}

func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	groups, err := s.deps.Registry.ListGroups()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, groups)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.deps.Registry.GetGroup(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, group)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.DeleteGroup(mux.Vars(r)["id"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondMessage(w, http.StatusOK, nil, "group deleted")
}

type moveGroupRequest struct {
	ParentID string `json:"parent_id"`
}

func (s *Server) handleMoveGroup(w http.ResponseWriter, r *http.Request) {
	var req moveGroupRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	group, err := s.deps.Registry.MoveGroup(mux.Vars(r)["id"], req.ParentID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, group)
}

func (s *Server) handleEffectiveSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.deps.Registry.EffectiveSettings(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, settings)
}
