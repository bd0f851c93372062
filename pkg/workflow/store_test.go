package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/pureboot/pkg/types"
)

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	descriptor := `
name: Ubuntu Server
method: image
architecture: x86_64
image_url: http://${server}/images/ubuntu.img.gz
kernel: http://${server}/images/vmlinuz
cmdline: console=tty0 pureboot.node=${node_id}
steps:
  - id: install
    kind: boot
    next_state: installing
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ubuntu-server.yaml"), []byte(descriptor), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	store := NewStore()
	require.NoError(t, store.LoadDir(dir))

	// The id defaults to the filename.
	wf, err := store.Get("ubuntu-server")
	require.NoError(t, err)
	assert.Equal(t, "Ubuntu Server", wf.Name)
	assert.Equal(t, types.MethodImage, wf.Method)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, types.StateInstalling, wf.Steps[0].NextState)

	_, err = store.Get("notes")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestLoadDirMissingIsEmpty(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.LoadDir(filepath.Join(t.TempDir(), "does-not-exist")))
	assert.Empty(t, store.List())
}

func TestRegisterBuiltins(t *testing.T) {
	store := NewStore()
	store.RegisterBuiltins()

	for _, id := range []string{CloneSourceDirect, CloneTargetDirect, PartitionHelper} {
		_, err := store.Get(id)
		assert.NoError(t, err, id)
	}

	// A descriptor-provided workflow with the same id is not replaced.
	store = NewStore()
	custom := &types.Workflow{ID: CloneSourceDirect, Name: "customized helper"}
	store.Register(custom)
	store.RegisterBuiltins()
	wf, err := store.Get(CloneSourceDirect)
	require.NoError(t, err)
	assert.Equal(t, "customized helper", wf.Name)
}

func TestListSorted(t *testing.T) {
	store := NewStore()
	store.Register(&types.Workflow{ID: "zeta"})
	store.Register(&types.Workflow{ID: "alpha"})
	store.Register(&types.Workflow{ID: "mid"})

	list := store.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, "mid", list[1].ID)
	assert.Equal(t, "zeta", list[2].ID)
}

func TestResolveSubstitution(t *testing.T) {
	wf := &types.Workflow{
		ID:       "ubuntu-server",
		ImageURL: "http://${server}/images/ubuntu.img.gz",
		Kernel:   "http://${server}/kernels/${mac}",
		Cmdline:  "ip=${ip} pureboot.node=${node_id} serial=${serial}",
		Steps: []types.WorkflowStep{
			{ID: "fetch", ScriptURL: "http://${server}/scripts/${node_id}.sh"},
		},
	}
	ctx := Context{
		Server: "boot.example.net:8080",
		NodeID: "node-1",
		MAC:    "aa:bb:cc:dd:ee:ff",
		IP:     "10.0.0.7",
		Serial: "abcdef12",
	}

	resolved := Resolve(wf, ctx)
	assert.Equal(t, "http://boot.example.net:8080/images/ubuntu.img.gz", resolved.ImageURL)
	assert.Equal(t, "http://boot.example.net:8080/kernels/aa:bb:cc:dd:ee:ff", resolved.Kernel)
	assert.Equal(t, "ip=10.0.0.7 pureboot.node=node-1 serial=abcdef12", resolved.Cmdline)
	assert.Equal(t, "http://boot.example.net:8080/scripts/node-1.sh", resolved.Steps[0].ScriptURL)

	// The original is untouched.
	assert.Contains(t, wf.ImageURL, "${server}")
}

func TestResolveUnknownPlaceholderStaysLiteral(t *testing.T) {
	wf := &types.Workflow{ID: "w", Cmdline: "root=${rootdev} ip=${ip}"}
	resolved := Resolve(wf, Context{IP: "10.0.0.7"})
	assert.Equal(t, "root=${rootdev} ip=10.0.0.7", resolved.Cmdline)
}
