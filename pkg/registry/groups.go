package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

var (
	// ErrGroupNotEmpty is returned when deleting a group that still has
	// children or assigned nodes.
	ErrGroupNotEmpty = errors.New("group has children or assigned nodes")
	// ErrGroupCycle is returned when a reparent would create a cycle.
	ErrGroupCycle = errors.New("reparent would create a cycle")
	// ErrInvalidGroupName rejects names that would break materialized paths.
	ErrInvalidGroupName = errors.New("invalid group name")
)

func validGroupName(name string) bool {
	return name != "" && !strings.Contains(name, "/")
}

// CreateGroup creates a device group under the given parent (empty
// parentID for a root group). Path and depth are derived from the
// parent; duplicate paths are refused.
func (r *Registry) CreateGroup(name, parentID string, defaultWorkflowID string, autoProvision *bool) (*types.DeviceGroup, error) {
	if !validGroupName(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrInvalidGroupName)
	}

	path := "/" + name
	depth := 0
	if parentID != "" {
		parent, err := r.store.GetGroup(parentID)
		if err != nil {
			return nil, err
		}
		path = parent.Path + "/" + name
		depth = parent.Depth + 1
	}

	if _, err := r.store.GetGroupByPath(path); err == nil {
		return nil, fmt.Errorf("group path %s: %w", path, storage.ErrDuplicate)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	group := &types.DeviceGroup{
		ID:                uuid.New().String(),
		Name:              name,
		ParentID:          parentID,
		Path:              path,
		Depth:             depth,
		DefaultWorkflowID: defaultWorkflowID,
		AutoProvision:     autoProvision,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.store.CreateGroup(group); err != nil {
		return nil, err
	}
	return group, nil
}

// GetGroup returns a group by id.
func (r *Registry) GetGroup(id string) (*types.DeviceGroup, error) {
	return r.store.GetGroup(id)
}

// ListGroups returns all groups.
func (r *Registry) ListGroups() ([]*types.DeviceGroup, error) {
	return r.store.ListGroups()
}

// DeleteGroup removes an empty group. Groups with children or assigned
// nodes are refused.
func (r *Registry) DeleteGroup(id string) error {
	group, err := r.store.GetGroup(id)
	if err != nil {
		return err
	}

	groups, err := r.store.ListGroups()
	if err != nil {
		return err
	}
	for _, g := range groups {
		if g.ParentID == id {
			return fmt.Errorf("group %s: %w", group.Path, ErrGroupNotEmpty)
		}
	}

	nodes, err := r.store.ListNodesByGroup(id)
	if err != nil {
		return err
	}
	if len(nodes) > 0 {
		return fmt.Errorf("group %s: %w", group.Path, ErrGroupNotEmpty)
	}

	return r.store.DeleteGroup(id)
}

// MoveGroup reparents a group. The new parent must not be the group
// itself or any of its descendants; descendant paths and depths are
// rewritten to follow. An empty newParentID moves the group to the root.
func (r *Registry) MoveGroup(id, newParentID string) (*types.DeviceGroup, error) {
	group, err := r.store.GetGroup(id)
	if err != nil {
		return nil, err
	}

	newPath := "/" + group.Name
	newDepth := 0
	if newParentID != "" {
		parent, err := r.store.GetGroup(newParentID)
		if err != nil {
			return nil, err
		}
		// A parent whose path extends ours is a descendant of ours.
		if parent.ID == group.ID || strings.HasPrefix(parent.Path+"/", group.Path+"/") {
			return nil, fmt.Errorf("group %s under %s: %w", group.Path, parent.Path, ErrGroupCycle)
		}
		newPath = parent.Path + "/" + group.Name
		newDepth = parent.Depth + 1
	}

	// Reparenting to the current parent leaves the path unchanged.
	if newPath == group.Path && newParentID == group.ParentID {
		return group, nil
	}

	if other, err := r.store.GetGroupByPath(newPath); err == nil && other.ID != group.ID {
		return nil, fmt.Errorf("group path %s: %w", newPath, storage.ErrDuplicate)
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	oldPath := group.Path
	depthDelta := newDepth - group.Depth

	group.ParentID = newParentID
	group.Path = newPath
	group.Depth = newDepth
	if err := r.store.UpdateGroup(group); err != nil {
		return nil, err
	}

	// Rewrite descendants.
	groups, err := r.store.ListGroups()
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.ID == group.ID || !strings.HasPrefix(g.Path+"/", oldPath+"/") {
			continue
		}
		g.Path = newPath + strings.TrimPrefix(g.Path, oldPath)
		g.Depth += depthDelta
		if err := r.store.UpdateGroup(g); err != nil {
			return nil, err
		}
	}

	return group, nil
}

// EffectiveSettings resolves a group's settings through its ancestor
// chain; the nearest set value wins.
func (r *Registry) EffectiveSettings(groupID string) (*types.GroupSettings, error) {
	settings := &types.GroupSettings{}
	workflowSet := false
	provisionSet := false

	id := groupID
	for id != "" {
		group, err := r.store.GetGroup(id)
		if err != nil {
			return nil, err
		}
		if !workflowSet && group.DefaultWorkflowID != "" {
			settings.EffectiveWorkflowID = group.DefaultWorkflowID
			workflowSet = true
		}
		if !provisionSet && group.AutoProvision != nil {
			settings.EffectiveAutoProvision = *group.AutoProvision
			provisionSet = true
		}
		id = group.ParentID
	}
	return settings, nil
}

// AssignNodeToGroup puts a node into a group.
func (r *Registry) AssignNodeToGroup(nodeID, groupID string) (*types.Node, error) {
	if groupID != "" {
		if _, err := r.store.GetGroup(groupID); err != nil {
			return nil, err
		}
	}
	return r.store.UpdateNodeTx(nodeID, func(node *types.Node) error {
		node.GroupID = groupID
		return nil
	})
}
