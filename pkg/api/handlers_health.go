package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pureboot/pureboot/pkg/types"
)

// healthSummary aggregates fleet health for dashboards.
type healthSummary struct {
	Nodes        int                        `json:"nodes"`
	ByStatus     map[types.HealthStatus]int `json:"by_status"`
	ActiveAlerts int                        `json:"active_alerts"`
	AverageScore int                        `json:"average_score"`
}

func (s *Server) handleHealthSummary(w http.ResponseWriter, _ *http.Request) {
	nodes, err := s.deps.Registry.ListNodes()
	if err != nil {
		s.respondError(w, err)
		return
	}

	summary := healthSummary{ByStatus: make(map[types.HealthStatus]int)}
	scoreSum := 0
	for _, n := range nodes {
		if n.State == types.StateRetired {
			continue
		}
		summary.Nodes++
		summary.ByStatus[n.HealthStatus]++
		scoreSum += n.HealthScore
	}
	if summary.Nodes > 0 {
		summary.AverageScore = scoreSum / summary.Nodes
	}

	alerts, err := s.deps.Store.ListAlerts(types.AlertActive)
	if err != nil {
		s.respondError(w, err)
		return
	}
	summary.ActiveAlerts = len(alerts)

	s.respond(w, http.StatusOK, summary)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	status := types.AlertStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = types.AlertActive
	}

	alerts, err := s.deps.Store.ListAlerts(status)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, alerts)
}

type acknowledgeRequest struct {
	User string `json:"user"`
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	alert, err := s.deps.Monitor.Acknowledge(mux.Vars(r)["id"], req.User)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, alert)
}

// nodeHealth is the per-node health detail with recent snapshots.
type nodeHealth struct {
	NodeID    string                      `json:"node_id"`
	Status    types.HealthStatus          `json:"status"`
	Score     int                         `json:"score"`
	LastSeen  *string                     `json:"last_seen_at,omitempty"`
	Alerts    []*types.HealthAlert        `json:"alerts"`
	Snapshots []*types.NodeHealthSnapshot `json:"snapshots"`
}

func (s *Server) handleNodeHealth(w http.ResponseWriter, r *http.Request) {
	node, err := s.deps.Registry.GetNode(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}

	alerts, err := s.deps.Store.ListAlertsByNode(node.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	snaps, err := s.deps.Store.ListSnapshots(node.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	detail := nodeHealth{
		NodeID:    node.ID,
		Status:    node.HealthStatus,
		Score:     node.HealthScore,
		Alerts:    alerts,
		Snapshots: snaps,
	}
	if node.LastSeenAt != nil {
		ts := node.LastSeenAt.Format("2006-01-02T15:04:05Z07:00")
		detail.LastSeen = &ts
	}
	s.respond(w, http.StatusOK, detail)
}
