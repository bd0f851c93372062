package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/types"
)

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	var (
		nodes []*types.Node
		err   error
	)
	if groupID := r.URL.Query().Get("group_id"); groupID != "" {
		nodes, err = s.deps.Store.ListNodesByGroup(groupID)
	} else {
		nodes, err = s.deps.Registry.ListNodes()
	}
	if err != nil {
		s.respondError(w, err)
		return
	}

	if state := r.URL.Query().Get("state"); state != "" {
		filtered := nodes[:0]
		for _, n := range nodes {
			if n.State == types.NodeState(state) {
				filtered = append(filtered, n)
			}
		}
		nodes = filtered
	}
	s.respond(w, http.StatusOK, nodes)
}

type createNodeRequest struct {
	MAC          string `json:"mac"`
	Name         string `json:"name,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	Firmware     string `json:"firmware,omitempty"`
	Vendor       string `json:"vendor,omitempty"`
	Model        string `json:"model,omitempty"`
	Serial       string `json:"serial,omitempty"`
	UUID         string `json:"uuid,omitempty"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.MAC == "" {
		s.badRequest(w, "mac is required")
		return
	}

	firmware := types.FirmwareUEFI
	if req.Firmware != "" {
		firmware = types.FirmwareClass(req.Firmware)
	}
	arch := types.ArchX86_64
	if req.Architecture != "" {
		arch = types.Architecture(req.Architecture)
	}

	node, err := s.deps.Registry.RegisterNode(req.MAC, req.Name, req.IPAddress, firmware, arch, registry.Hints{
		Vendor: req.Vendor,
		Model:  req.Model,
		Serial: req.Serial,
		UUID:   req.UUID,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, node)
}

type registerPiRequest struct {
	Serial    string `json:"serial"`
	MAC       string `json:"mac,omitempty"`
	Name      string `json:"name,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

func (s *Server) handleRegisterPi(w http.ResponseWriter, r *http.Request) {
	var req registerPiRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Serial == "" {
		s.badRequest(w, "serial is required")
		return
	}

	node, err := s.deps.Registry.RegisterPiNode(req.Serial, req.MAC, req.Name, req.IPAddress)
	if err != nil {
		s.respondError(w, err)
		return
	}

	// A Pi fetches firmware from its per-serial TFTP directory, so it
	// must exist before the node's first network boot.
	if s.deps.PiDirs != nil {
		if err := s.deps.PiDirs.EnsureNodeDir(node.Serial); err != nil {
			s.logger.Error().Err(err).Str("serial", node.Serial).Msg("failed to prepare pi boot directory")
		}
	}
	s.respond(w, http.StatusCreated, node)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.deps.Registry.GetNode(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, node)
}

// handleRetireNode force-transitions the node to retired. The row is
// kept; retirement is the terminal lifecycle state, not deletion.
func (s *Server) handleRetireNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.deps.Registry.Transition(mux.Vars(r)["id"], registry.TransitionRequest{
		To:          types.StateRetired,
		TriggeredBy: types.TriggerAdmin,
		Force:       true,
		Comment:     "retired via api",
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	if node.IsPi() && s.deps.PiDirs != nil {
		if err := s.deps.PiDirs.RemoveNodeDir(node.Serial); err != nil {
			s.logger.Error().Err(err).Str("serial", node.Serial).Msg("failed to remove pi boot directory")
		}
	}
	s.respondMessage(w, http.StatusOK, node, "node retired")
}

type transitionRequest struct {
	State   string         `json:"state"`
	Comment string         `json:"comment,omitempty"`
	User    string         `json:"user,omitempty"`
	Force   bool           `json:"force,omitempty"`
	Meta    map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.State == "" {
		s.badRequest(w, "state is required")
		return
	}

	node, err := s.deps.Registry.Transition(mux.Vars(r)["id"], registry.TransitionRequest{
		To:          types.NodeState(req.State),
		TriggeredBy: types.TriggerAdmin,
		User:        req.User,
		Comment:     req.Comment,
		Metadata:    req.Meta,
		Force:       req.Force,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, node)
}

type assignWorkflowRequest struct {
	WorkflowID string `json:"workflow_id"`
}

func (s *Server) handleAssignWorkflow(w http.ResponseWriter, r *http.Request) {
	var req assignWorkflowRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.WorkflowID != "" {
		if _, err := s.deps.Workflows.Get(req.WorkflowID); err != nil {
			s.respondError(w, err)
			return
		}
	}

	node, err := s.deps.Registry.AssignWorkflow(mux.Vars(r)["id"], req.WorkflowID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, node)
}

type assignGroupRequest struct {
	GroupID string `json:"group_id"`
}

func (s *Server) handleAssignGroup(w http.ResponseWriter, r *http.Request) {
	var req assignGroupRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	node, err := s.deps.Registry.AssignNodeToGroup(mux.Vars(r)["id"], req.GroupID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, node)
}

func (s *Server) handleNodeHistory(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	if _, err := s.deps.Registry.GetNode(nodeID); err != nil {
		s.respondError(w, err)
		return
	}
	logs, err := s.deps.Store.ListStateLogs(nodeID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, logs)
}

func (s *Server) handleNodeEvents(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	if _, err := s.deps.Registry.GetNode(nodeID); err != nil {
		s.respondError(w, err)
		return
	}
	eventRows, err := s.deps.Store.ListNodeEvents(nodeID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, eventRows)
}
