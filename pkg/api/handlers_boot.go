package api

import (
	"net"
	"net/http"

	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/types"
)

// sourceIP strips the port from the peer address.
func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleBoot serves the per-MAC iPXE script. The response is always
// text/plain; iPXE treats anything else as a fetch failure.
func (s *Server) handleBoot(w http.ResponseWriter, r *http.Request) {
	mac := r.URL.Query().Get("mac")
	if mac == "" {
		http.Error(w, "missing mac parameter", http.StatusBadRequest)
		return
	}
	hints := registry.Hints{
		Vendor: r.URL.Query().Get("vendor"),
		Model:  r.URL.Query().Get("model"),
		Serial: r.URL.Query().Get("serial"),
		UUID:   r.URL.Query().Get("uuid"),
	}

	script, err := s.deps.Boot.Instruction(mac, hints, sourceIP(r))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(script))
}

// handleBootPi serves the JSON boot instruction for Raspberry Pi
// clients, keyed by board serial.
func (s *Server) handleBootPi(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		s.badRequest(w, "missing serial parameter")
		return
	}
	mac := r.URL.Query().Get("mac")

	instr, err := s.deps.Boot.PiInstructionFor(serial, mac, sourceIP(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, instr)
}

type reportRequest struct {
	MAC       string         `json:"mac,omitempty"`
	Serial    string         `json:"serial,omitempty"`
	EventType string         `json:"event_type"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Progress  *int           `json:"progress,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// handleReport ingests a status report from a booted environment.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.MAC == "" && req.Serial == "" {
		s.badRequest(w, "either mac or serial is required")
		return
	}
	if req.EventType == "" {
		s.badRequest(w, "event_type is required")
		return
	}

	node, err := s.deps.Registry.HandleReport(registry.Report{
		MAC:       req.MAC,
		Serial:    req.Serial,
		EventType: types.NodeEventType(req.EventType),
		Status:    req.Status,
		Message:   req.Message,
		Progress:  req.Progress,
		Metadata:  req.Metadata,
		IP:        sourceIP(r),
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, node)
}
