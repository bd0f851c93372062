package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/types"
)

// ErrWorkflowNotFound is returned for an unknown workflow id.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Store holds the workflow catalog, loaded once from descriptor files.
// Workflows are immutable at runtime.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*types.Workflow
}

// NewStore creates an empty workflow store.
func NewStore() *Store {
	return &Store{workflows: make(map[string]*types.Workflow)}
}

// LoadDir loads every *.yaml/*.yml descriptor in dir into the catalog.
// A missing directory is not an error; the catalog is just empty.
func (s *Store) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read workflows directory: %w", err)
	}

	logger := log.WithComponent("workflow")
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		wf := &types.Workflow{}
		if err := yaml.Unmarshal(data, wf); err != nil {
			return fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}
		if wf.ID == "" {
			wf.ID = strings.TrimSuffix(entry.Name(), ext)
		}
		s.Register(wf)
		logger.Debug().Str("workflow_id", wf.ID).Str("file", entry.Name()).Msg("workflow loaded")
	}
	return nil
}

// Register adds or replaces a workflow in the catalog.
func (s *Store) Register(wf *types.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = wf
}

// Get returns a workflow by id.
func (s *Store) Get(id string) (*types.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrWorkflowNotFound)
	}
	return wf, nil
}

// List returns the catalog sorted by id.
func (s *Store) List() []*types.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Context carries the per-request values substituted into workflow
// templates.
type Context struct {
	Server string
	NodeID string
	MAC    string
	IP     string
	Serial string
}

// replacer builds the placeholder substitution for this context.
// Unknown placeholders stay literal; they are diagnostic cues for
// operators.
func (c Context) replacer() *strings.Replacer {
	return strings.NewReplacer(
		"${server}", c.Server,
		"${node_id}", c.NodeID,
		"${mac}", c.MAC,
		"${ip}", c.IP,
		"${serial}", c.Serial,
	)
}

// Resolve returns a copy of the workflow with template variables
// substituted in its URL and command-line fields.
func Resolve(wf *types.Workflow, ctx Context) *types.Workflow {
	rep := ctx.replacer()
	resolved := *wf
	resolved.ImageURL = rep.Replace(wf.ImageURL)
	resolved.Kernel = rep.Replace(wf.Kernel)
	resolved.Initrd = rep.Replace(wf.Initrd)
	resolved.Cmdline = rep.Replace(wf.Cmdline)
	resolved.NFSServer = rep.Replace(wf.NFSServer)
	resolved.NFSPath = rep.Replace(wf.NFSPath)

	if len(wf.Steps) > 0 {
		resolved.Steps = make([]types.WorkflowStep, len(wf.Steps))
		for i, step := range wf.Steps {
			s := step
			s.Kernel = rep.Replace(step.Kernel)
			s.Initrd = rep.Replace(step.Initrd)
			s.Cmdline = rep.Replace(step.Cmdline)
			s.ScriptURL = rep.Replace(step.ScriptURL)
			resolved.Steps[i] = s
		}
	}
	return &resolved
}
