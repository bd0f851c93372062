package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pureboot/pureboot/pkg/types"
)

type createSessionRequest struct {
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id,omitempty"`
	SourceDevice string `json:"source_device"`
	TargetDevice string `json:"target_device,omitempty"`
	Mode         string `json:"mode,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.SourceNodeID == "" {
		s.badRequest(w, "source_node_id is required")
		return
	}
	if req.SourceDevice == "" {
		s.badRequest(w, "source_device is required")
		return
	}

	session, err := s.deps.Clone.Create(req.SourceNodeID, req.TargetNodeID, req.SourceDevice, req.TargetDevice, types.CloneMode(req.Mode))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions, err := s.deps.Clone.List()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Clone.Get(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, session)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Clone.Start(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, session)
}

type sourceReadyRequest struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	SizeBytes int64  `json:"size_bytes"`
}

func (s *Server) handleSourceReady(w http.ResponseWriter, r *http.Request) {
	var req sourceReadyRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.IP == "" || req.Port == 0 {
		s.badRequest(w, "ip and port are required")
		return
	}

	session, err := s.deps.Clone.SourceReady(mux.Vars(r)["id"], req.IP, req.Port, req.SizeBytes)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, session)
}

type progressRequest struct {
	BytesTransferred int64   `json:"bytes_transferred"`
	TransferRate     float64 `json:"transfer_rate,omitempty"`
	Retry            bool    `json:"retry,omitempty"`
}

func (s *Server) handleSessionProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	session, err := s.deps.Clone.Progress(mux.Vars(r)["id"], req.BytesTransferred, req.TransferRate, req.Retry)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, session)
}

type completeRequest struct {
	BytesTransferred int64 `json:"bytes_transferred,omitempty"`
}

func (s *Server) handleSessionComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	session, err := s.deps.Clone.Complete(mux.Vars(r)["id"], req.BytesTransferred)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, session)
}

type failRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSessionFailed(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	session, err := s.deps.Clone.Fail(mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, session)
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Clone.Cancel(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, session)
}

func (s *Server) handleSessionCerts(w http.ResponseWriter, r *http.Request) {
	role := types.CloneRole(r.URL.Query().Get("role"))
	if role != types.RoleSource && role != types.RoleTarget {
		s.badRequest(w, "role must be source or target")
		return
	}

	bundle, err := s.deps.Clone.Certs(mux.Vars(r)["id"], role)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, bundle)
}
