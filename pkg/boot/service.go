package boot

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/metrics"
	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
	"github.com/pureboot/pureboot/pkg/workflow"
)

// PiAction is the action field of a Pi boot instruction.
type PiAction string

const (
	PiDeployImage PiAction = "deploy_image"
	PiNFSBoot     PiAction = "nfs_boot"
	PiLocalBoot   PiAction = "local_boot"
	PiWait        PiAction = "wait"
	PiInstall     PiAction = "install"
)

// PiInstruction is the JSON boot instruction for Raspberry Pi clients.
type PiInstruction struct {
	State        types.NodeState `json:"state"`
	Action       PiAction        `json:"action"`
	Message      string          `json:"message"`
	ImageURL     string          `json:"image_url,omitempty"`
	TargetDevice string          `json:"target_device,omitempty"`
	CallbackURL  string          `json:"callback_url,omitempty"`
	NFSServer    string          `json:"nfs_server,omitempty"`
	NFSPath      string          `json:"nfs_path,omitempty"`

	// Clone/partition session fields, set for assigned helper boots.
	SessionID string `json:"session_id,omitempty"`
	Device    string `json:"device,omitempty"`
	Peer      string `json:"peer,omitempty"`
}

// Config holds the boot service's tunables.
type Config struct {
	// ServerURL is the externally reachable API base URL embedded in
	// scripts and callback URLs.
	ServerURL string
	// AutoRegister controls whether unknown clients get a node row.
	AutoRegister bool
	// InstallTimeout reclassifies nodes stuck in installing.
	InstallTimeout time.Duration
}

// Service answers "what should this specific client do next?".
type Service struct {
	registry  *registry.Registry
	workflows *workflow.Store
	cfg       Config
	logger    zerolog.Logger
}

// NewService creates a boot-instruction service.
func NewService(reg *registry.Registry, workflows *workflow.Store, cfg Config) *Service {
	return &Service{
		registry:  reg,
		workflows: workflows,
		cfg:       cfg,
		logger:    log.WithComponent("boot"),
	}
}

// Instruction produces the iPXE script for an x86/UEFI client. The MAC
// may be in colon or iPXE hyphen form; hints are optional hardware
// details reported by the bootloader.
func (s *Service) Instruction(mac string, hints registry.Hints, sourceIP string) (string, error) {
	node, err := s.registry.GetNodeByMAC(mac)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
		if !s.cfg.AutoRegister {
			metrics.BootRequestsTotal.WithLabelValues("x86", "local_boot").Inc()
			return localBootScript("unknown node, auto-register disabled"), nil
		}
		node, err = s.registry.RegisterNode(mac, "", sourceIP, "", "", hints)
		if err != nil {
			return "", err
		}
		metrics.BootRequestsTotal.WithLabelValues("x86", "discovered").Inc()
		return discoveryScript(node), nil
	}

	node, err = s.observe(node, sourceIP)
	if err != nil {
		return "", err
	}

	script, action, err := s.dispatch(node)
	if err != nil {
		return "", err
	}
	metrics.BootRequestsTotal.WithLabelValues("x86", action).Inc()
	return script, nil
}

// observe updates last-seen/IP and applies the install-timeout path.
func (s *Service) observe(node *types.Node, sourceIP string) (*types.Node, error) {
	node, err := s.registry.Observe(node.ID, sourceIP)
	if err != nil {
		return nil, err
	}
	return s.reclassifyStuckInstall(node)
}

// reclassifyStuckInstall invokes the install-failure helper when a node
// has sat in installing beyond the install timeout. It fires at most
// once per expiry: LastTimeoutAt records the handled epoch.
func (s *Service) reclassifyStuckInstall(node *types.Node) (*types.Node, error) {
	if node.State != types.StateInstalling || s.cfg.InstallTimeout <= 0 {
		return node, nil
	}
	if time.Since(node.StateChangedAt) < s.cfg.InstallTimeout {
		return node, nil
	}
	if node.LastTimeoutAt != nil && !node.LastTimeoutAt.Before(node.StateChangedAt) {
		return node, nil
	}

	if _, err := s.registry.Store().UpdateNodeTx(node.ID, func(n *types.Node) error {
		now := time.Now()
		n.LastTimeoutAt = &now
		return nil
	}); err != nil {
		return nil, err
	}

	s.logger.Warn().
		Str("node_id", node.ID).
		Time("state_changed_at", node.StateChangedAt).
		Msg("install timed out")
	return s.registry.RecordInstallFailure(node.ID,
		fmt.Sprintf("install timed out after %s", s.cfg.InstallTimeout))
}

// dispatch chooses the script for a known node by its state. Returns
// the script and an action label for metrics.
func (s *Service) dispatch(node *types.Node) (string, string, error) {
	// A pending boot assignment (clone/partition helper) takes
	// precedence over the node's own workflow. Its parameters ride the
	// kernel command line so the helper can find its session.
	if node.PendingWorkflowID != "" {
		wf, err := s.workflows.Get(node.PendingWorkflowID)
		if err != nil {
			return "", "", err
		}
		resolved := workflow.Resolve(wf, s.templateContext(node))
		return s.installScript(node, resolved, helperArgs(node.PendingBootParams)), "assigned_boot", nil
	}

	switch node.State {
	case types.StatePending:
		if node.WorkflowID == "" {
			return infoScript(node, "no workflow assigned; falling back to local boot"), "local_boot", nil
		}
		wf, err := s.workflows.Get(node.WorkflowID)
		if err != nil {
			if errors.Is(err, workflow.ErrWorkflowNotFound) {
				return infoScript(node, fmt.Sprintf("workflow %s not found; falling back to local boot", node.WorkflowID)), "local_boot", nil
			}
			return "", "", err
		}
		resolved := workflow.Resolve(wf, s.templateContext(node))
		return s.installScript(node, resolved, ""), "install", nil

	case types.StateInstallFailed:
		return failureScript(node), "install_failed", nil

	case types.StateDiscovered:
		return discoveryScript(node), "discovered", nil

	default:
		// installing, installed, active, retired and the transitional
		// states boot locally.
		return localBootScript(fmt.Sprintf("node is %s", node.State)), "local_boot", nil
	}
}

func (s *Service) templateContext(node *types.Node) workflow.Context {
	return workflow.Context{
		Server: s.cfg.ServerURL,
		NodeID: node.ID,
		MAC:    node.MAC,
		IP:     node.IPAddress,
		Serial: node.Serial,
	}
}

// PiInstructionFor produces the JSON boot instruction for a Raspberry
// Pi identified by board serial.
func (s *Service) PiInstructionFor(serial, mac, sourceIP string) (*PiInstruction, error) {
	node, err := s.registry.GetNodeBySerial(serial)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if !s.cfg.AutoRegister {
			metrics.BootRequestsTotal.WithLabelValues("pi", "local_boot").Inc()
			return &PiInstruction{
				Action:  PiLocalBoot,
				Message: "unknown node, auto-register disabled",
			}, nil
		}
		node, err = s.registry.RegisterPiNode(serial, mac, "", sourceIP)
		if err != nil {
			return nil, err
		}
		metrics.BootRequestsTotal.WithLabelValues("pi", "wait").Inc()
		return &PiInstruction{
			State:   node.State,
			Action:  PiWait,
			Message: "registered; waiting for workflow assignment",
		}, nil
	}

	node, err = s.observe(node, sourceIP)
	if err != nil {
		return nil, err
	}

	instr := s.piDispatch(node)
	metrics.BootRequestsTotal.WithLabelValues("pi", string(instr.Action)).Inc()
	return instr, nil
}

func (s *Service) piDispatch(node *types.Node) *PiInstruction {
	// A pending boot assignment takes precedence over the node's own
	// workflow, same as on the x86 path.
	if node.PendingWorkflowID != "" {
		wf, err := s.workflows.Get(node.PendingWorkflowID)
		if err != nil {
			return &PiInstruction{
				State:   node.State,
				Action:  PiWait,
				Message: fmt.Sprintf("workflow %s not found", node.PendingWorkflowID),
			}
		}
		resolved := workflow.Resolve(wf, s.templateContext(node))
		instr := &PiInstruction{
			State:       node.State,
			Action:      PiInstall,
			Message:     fmt.Sprintf("assigned boot: %s", resolved.Name),
			ImageURL:    resolved.ImageURL,
			CallbackURL: s.cfg.ServerURL + "/api/v1/report",
			SessionID:   node.PendingBootParams["session_id"],
			Device:      node.PendingBootParams["device"],
		}
		if ip := node.PendingBootParams["source_ip"]; ip != "" {
			instr.Peer = ip
			if port := node.PendingBootParams["source_port"]; port != "" {
				instr.Peer += ":" + port
			}
		}
		return instr
	}

	switch node.State {
	case types.StatePending:
		if node.WorkflowID == "" {
			return &PiInstruction{
				State:   node.State,
				Action:  PiWait,
				Message: "pending without workflow",
			}
		}
		wf, err := s.workflows.Get(node.WorkflowID)
		if err != nil {
			return &PiInstruction{
				State:   node.State,
				Action:  PiWait,
				Message: fmt.Sprintf("workflow %s not found", node.WorkflowID),
			}
		}
		resolved := workflow.Resolve(wf, s.templateContext(node))
		switch resolved.Method {
		case types.MethodNFS:
			return &PiInstruction{
				State:     node.State,
				Action:    PiNFSBoot,
				Message:   fmt.Sprintf("nfs boot via %s", resolved.NFSServer),
				NFSServer: resolved.NFSServer,
				NFSPath:   resolved.NFSPath,
			}
		default:
			return &PiInstruction{
				State:        node.State,
				Action:       PiDeployImage,
				Message:      fmt.Sprintf("deploying %s", resolved.Name),
				ImageURL:     resolved.ImageURL,
				TargetDevice: resolved.TargetDevice,
				CallbackURL:  s.cfg.ServerURL + "/api/v1/report",
			}
		}

	case types.StateInstallFailed:
		return &PiInstruction{
			State:   node.State,
			Action:  PiLocalBoot,
			Message: fmt.Sprintf("install failed: %s", node.LastInstallError),
		}

	case types.StateDiscovered:
		return &PiInstruction{
			State:   node.State,
			Action:  PiWait,
			Message: "discovered; waiting for workflow assignment",
		}

	default:
		return &PiInstruction{
			State:   node.State,
			Action:  PiLocalBoot,
			Message: fmt.Sprintf("node is %s", node.State),
		}
	}
}
