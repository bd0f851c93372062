package workflow

import (
	"github.com/pureboot/pureboot/pkg/types"
)

// Built-in helper workflow ids. Clone and partition sessions assign
// these to nodes; descriptor files with the same id override them.
const (
	CloneSourceDirect = "clone_source_direct"
	CloneTargetDirect = "clone_target_direct"
	PartitionHelper   = "partition_helper"
)

// RegisterBuiltins installs the helper workflows used for clone and
// partition sessions unless the descriptor directory already provided
// them. The boot service appends the controller callback and the
// session parameters to the cmdline when it renders the script.
func (s *Store) RegisterBuiltins() {
	builtins := []*types.Workflow{
		{
			ID:           CloneSourceDirect,
			Name:         "Clone source (direct)",
			Method:       types.MethodDeploy,
			Architecture: types.ArchX86_64,
			Firmware:     types.FirmwareUEFI,
			Kernel:       "${server}/files/helper/vmlinuz",
			Initrd:       "${server}/files/helper/initrd.img",
			Cmdline:      "ip=dhcp pureboot.role=clone-source",
		},
		{
			ID:           CloneTargetDirect,
			Name:         "Clone target (direct)",
			Method:       types.MethodDeploy,
			Architecture: types.ArchX86_64,
			Firmware:     types.FirmwareUEFI,
			Kernel:       "${server}/files/helper/vmlinuz",
			Initrd:       "${server}/files/helper/initrd.img",
			Cmdline:      "ip=dhcp pureboot.role=clone-target",
		},
		{
			ID:           PartitionHelper,
			Name:         "Partition helper",
			Method:       types.MethodDeploy,
			Architecture: types.ArchX86_64,
			Firmware:     types.FirmwareUEFI,
			Kernel:       "${server}/files/helper/vmlinuz",
			Initrd:       "${server}/files/helper/initrd.img",
			Cmdline:      "ip=dhcp pureboot.role=partition",
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wf := range builtins {
		if _, exists := s.workflows[wf.ID]; !exists {
			s.workflows[wf.ID] = wf
		}
	}
}
