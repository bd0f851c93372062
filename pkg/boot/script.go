package boot

import (
	"fmt"
	"strings"

	"github.com/pureboot/pureboot/pkg/types"
)

// installScript renders the iPXE script that chain-loads a workflow's
// kernel and initrd. The callback URL is appended to the kernel command
// line so the installer can report per-step progress; extra carries the
// pending boot assignment's session arguments, if any.
func (s *Service) installScript(node *types.Node, wf *types.Workflow, extra string) string {
	var b strings.Builder
	b.WriteString("#!ipxe\n")
	fmt.Fprintf(&b, "echo PureBoot: %s for %s\n", wf.Name, node.Name)

	switch wf.Method {
	case types.MethodNFS:
		nfs := fmt.Sprintf("root=/dev/nfs nfsroot=%s:%s ip=dhcp", wf.NFSServer, wf.NFSPath)
		fmt.Fprintf(&b, "kernel %s %s\n", wf.Kernel, joinArgs(wf.Cmdline, extra, nfs))
		fmt.Fprintf(&b, "initrd %s\n", wf.Initrd)
	default:
		callback := fmt.Sprintf("pureboot.server=%s pureboot.node=%s pureboot.callback=%s/api/v1/report",
			s.cfg.ServerURL, node.ID, s.cfg.ServerURL)
		fmt.Fprintf(&b, "kernel %s %s\n", wf.Kernel, joinArgs(wf.Cmdline, extra, callback))
		fmt.Fprintf(&b, "initrd %s\n", wf.Initrd)
	}
	b.WriteString("boot\n")
	return b.String()
}

// helperArgs renders a pending boot assignment's parameters as kernel
// arguments. The helper environment reads them to find its clone
// session, the device to serve or write, and the source endpoint.
func helperArgs(params map[string]string) string {
	var args []string
	if v := params["session_id"]; v != "" {
		args = append(args, "pureboot.session="+v)
	}
	if v := params["device"]; v != "" {
		args = append(args, "pureboot.device="+v)
	}
	if ip := params["source_ip"]; ip != "" {
		peer := ip
		if port := params["source_port"]; port != "" {
			peer += ":" + port
		}
		args = append(args, "pureboot.peer="+peer)
	}
	return strings.Join(args, " ")
}

// joinArgs joins non-empty argument fragments with single spaces.
func joinArgs(parts ...string) string {
	var args []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			args = append(args, p)
		}
	}
	return strings.Join(args, " ")
}

// discoveryScript is informational: the node was just observed and
// registered, and falls through to local boot until an operator assigns
// a workflow.
func discoveryScript(node *types.Node) string {
	var b strings.Builder
	b.WriteString("#!ipxe\n")
	fmt.Fprintf(&b, "echo PureBoot: node %s registered in %s state\n", node.Name, node.State)
	b.WriteString("echo PureBoot: assign a workflow to provision this node\n")
	b.WriteString("sleep 2\n")
	b.WriteString("exit\n")
	return b.String()
}

// failureScript shows the failure reason and falls to local boot with a
// manual-retry prompt.
func failureScript(node *types.Node) string {
	var b strings.Builder
	b.WriteString("#!ipxe\n")
	fmt.Fprintf(&b, "echo PureBoot: install failed after %d attempts\n", node.InstallAttempts)
	if node.LastInstallError != "" {
		fmt.Fprintf(&b, "echo PureBoot: last error: %s\n", node.LastInstallError)
	}
	b.WriteString("echo PureBoot: reset the node state to retry\n")
	b.WriteString("sleep 5\n")
	b.WriteString("exit\n")
	return b.String()
}

// localBootScript exits iPXE so firmware continues with local boot.
func localBootScript(reason string) string {
	var b strings.Builder
	b.WriteString("#!ipxe\n")
	if reason != "" {
		fmt.Fprintf(&b, "echo PureBoot: %s\n", reason)
	}
	b.WriteString("exit\n")
	return b.String()
}

// infoScript echoes a message for a known node and exits to local boot.
func infoScript(node *types.Node, message string) string {
	var b strings.Builder
	b.WriteString("#!ipxe\n")
	fmt.Fprintf(&b, "echo PureBoot: node %s (%s): %s\n", node.Name, node.State, message)
	b.WriteString("exit\n")
	return b.String()
}
