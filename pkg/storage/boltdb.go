package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pureboot/pureboot/pkg/types"
)

var (
	// Bucket names
	bucketNodes       = []byte("nodes")
	bucketNodesByMAC  = []byte("nodes_by_mac")
	bucketNodesBySN   = []byte("nodes_by_serial")
	bucketStateLogs   = []byte("state_logs")
	bucketNodeEvents  = []byte("node_events")
	bucketGroups      = []byte("groups")
	bucketExecutions  = []byte("executions")
	bucketStepResults = []byte("step_results")
	bucketSessions    = []byte("clone_sessions")
	bucketAlerts      = []byte("alerts")
	bucketSnapshots   = []byte("snapshots")
	bucketCA          = []byte("ca")
)

var caKey = []byte("session-ca")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "pureboot.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketNodesByMAC,
			bucketNodesBySN,
			bucketStateLogs,
			bucketNodeEvents,
			bucketGroups,
			bucketExecutions,
			bucketStepResults,
			bucketSessions,
			bucketAlerts,
			bucketSnapshots,
			bucketCA,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// seqKey builds an append-order key "<ownerID>/<seq>" with a big-endian
// sequence suffix so prefix scans return rows in insertion order.
func seqKey(ownerID string, seq uint64) []byte {
	key := make([]byte, len(ownerID)+1+8)
	copy(key, ownerID)
	key[len(ownerID)] = '/'
	binary.BigEndian.PutUint64(key[len(ownerID)+1:], seq)
	return key
}

func put(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return b.Put(key, data)
}

// ---- Nodes ----

// CreateNode inserts a node row and its MAC/serial index entries.
func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		if nodes.Get([]byte(node.ID)) != nil {
			return fmt.Errorf("node %s: %w", node.ID, ErrDuplicate)
		}
		if node.MAC != "" {
			idx := tx.Bucket(bucketNodesByMAC)
			if idx.Get([]byte(node.MAC)) != nil {
				return fmt.Errorf("mac %s: %w", node.MAC, ErrDuplicate)
			}
			if err := idx.Put([]byte(node.MAC), []byte(node.ID)); err != nil {
				return err
			}
		}
		if node.Serial != "" {
			idx := tx.Bucket(bucketNodesBySN)
			if idx.Get([]byte(node.Serial)) != nil {
				return fmt.Errorf("serial %s: %w", node.Serial, ErrDuplicate)
			}
			if err := idx.Put([]byte(node.Serial), []byte(node.ID)); err != nil {
				return err
			}
		}
		return put(nodes, []byte(node.ID), node)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node *types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		node, err = getNode(tx, id)
		return err
	})
	return node, err
}

func getNode(tx *bolt.Tx, id string) (*types.Node, error) {
	data := tx.Bucket(bucketNodes).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	node := &types.Node{}
	if err := json.Unmarshal(data, node); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node: %w", err)
	}
	return node, nil
}

func (s *BoltStore) getNodeByIndex(bucket []byte, key string) (*types.Node, error) {
	var node *types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucket).Get([]byte(key))
		if id == nil {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		var err error
		node, err = getNode(tx, string(id))
		return err
	})
	return node, err
}

// GetNodeByMAC looks a node up by canonical MAC.
func (s *BoltStore) GetNodeByMAC(mac string) (*types.Node, error) {
	return s.getNodeByIndex(bucketNodesByMAC, mac)
}

// GetNodeBySerial looks a node up by board serial.
func (s *BoltStore) GetNodeBySerial(serial string) (*types.Node, error) {
	return s.getNodeByIndex(bucketNodesBySN, serial)
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			node := &types.Node{}
			if err := json.Unmarshal(v, node); err != nil {
				return err
			}
			nodes = append(nodes, node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) ListNodesByGroup(groupID string) ([]*types.Node, error) {
	all, err := s.ListNodes()
	if err != nil {
		return nil, err
	}
	var nodes []*types.Node
	for _, n := range all {
		if n.GroupID == groupID {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		if nodes.Get([]byte(node.ID)) == nil {
			return fmt.Errorf("node %s: %w", node.ID, ErrNotFound)
		}
		node.UpdatedAt = time.Now()
		return put(nodes, []byte(node.ID), node)
	})
}

// UpdateNodeTx loads, mutates, and persists a node inside one write
// transaction. BoltDB admits a single writer, so concurrent transitions
// on the same node serialize here.
func (s *BoltStore) UpdateNodeTx(id string, fn func(node *types.Node) error) (*types.Node, error) {
	var node *types.Node
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		node, err = getNode(tx, id)
		if err != nil {
			return err
		}
		if err := fn(node); err != nil {
			return err
		}
		node.UpdatedAt = time.Now()
		return put(tx.Bucket(bucketNodes), []byte(id), node)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// TransitionNodeTx mutates a node and appends the state-log entry fn
// returns in the same write transaction. An error from fn aborts both
// writes.
func (s *BoltStore) TransitionNodeTx(id string, fn func(node *types.Node) (*types.NodeStateLog, error)) (*types.Node, error) {
	var node *types.Node
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		node, err = getNode(tx, id)
		if err != nil {
			return err
		}
		entry, err := fn(node)
		if err != nil {
			return err
		}
		node.UpdatedAt = time.Now()
		if err := put(tx.Bucket(bucketNodes), []byte(id), node); err != nil {
			return err
		}
		logs := tx.Bucket(bucketStateLogs)
		seq, err := logs.NextSequence()
		if err != nil {
			return err
		}
		return put(logs, seqKey(entry.NodeID, seq), entry)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		node, err := getNode(tx, id)
		if err != nil {
			return err
		}
		if node.MAC != "" {
			if err := tx.Bucket(bucketNodesByMAC).Delete([]byte(node.MAC)); err != nil {
				return err
			}
		}
		if node.Serial != "" {
			if err := tx.Bucket(bucketNodesBySN).Delete([]byte(node.Serial)); err != nil {
				return err
			}
		}
		// Logs cascade with the node.
		for _, bname := range [][]byte{bucketStateLogs, bucketNodeEvents, bucketSnapshots} {
			b := tx.Bucket(bname)
			c := b.Cursor()
			prefix := []byte(id + "/")
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

// ---- Append-only logs ----

func (s *BoltStore) appendLog(bucket []byte, ownerID string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return put(b, seqKey(ownerID, seq), v)
	})
}

func (s *BoltStore) scanLog(bucket []byte, ownerID string, each func(v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		prefix := []byte(ownerID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := each(v); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendStateLog appends a transition record for a node.
func (s *BoltStore) AppendStateLog(entry *types.NodeStateLog) error {
	return s.appendLog(bucketStateLogs, entry.NodeID, entry)
}

// ListStateLogs returns a node's transitions in append order.
func (s *BoltStore) ListStateLogs(nodeID string) ([]*types.NodeStateLog, error) {
	var logs []*types.NodeStateLog
	err := s.scanLog(bucketStateLogs, nodeID, func(v []byte) error {
		entry := &types.NodeStateLog{}
		if err := json.Unmarshal(v, entry); err != nil {
			return err
		}
		logs = append(logs, entry)
		return nil
	})
	return logs, err
}

// AppendNodeEvent appends a lifecycle event for a node.
func (s *BoltStore) AppendNodeEvent(event *types.NodeEvent) error {
	return s.appendLog(bucketNodeEvents, event.NodeID, event)
}

// ListNodeEvents returns a node's lifecycle events in append order.
func (s *BoltStore) ListNodeEvents(nodeID string) ([]*types.NodeEvent, error) {
	var events []*types.NodeEvent
	err := s.scanLog(bucketNodeEvents, nodeID, func(v []byte) error {
		event := &types.NodeEvent{}
		if err := json.Unmarshal(v, event); err != nil {
			return err
		}
		events = append(events, event)
		return nil
	})
	return events, err
}

// ---- Device groups ----

func (s *BoltStore) CreateGroup(group *types.DeviceGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		if b.Get([]byte(group.ID)) != nil {
			return fmt.Errorf("group %s: %w", group.ID, ErrDuplicate)
		}
		return put(b, []byte(group.ID), group)
	})
}

func (s *BoltStore) GetGroup(id string) (*types.DeviceGroup, error) {
	var group *types.DeviceGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGroups).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("group %s: %w", id, ErrNotFound)
		}
		group = &types.DeviceGroup{}
		return json.Unmarshal(data, group)
	})
	return group, err
}

func (s *BoltStore) GetGroupByPath(path string) (*types.DeviceGroup, error) {
	groups, err := s.ListGroups()
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.Path == path {
			return g, nil
		}
	}
	return nil, fmt.Errorf("group path %s: %w", path, ErrNotFound)
}

func (s *BoltStore) ListGroups() ([]*types.DeviceGroup, error) {
	var groups []*types.DeviceGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(_, v []byte) error {
			group := &types.DeviceGroup{}
			if err := json.Unmarshal(v, group); err != nil {
				return err
			}
			groups = append(groups, group)
			return nil
		})
	})
	return groups, err
}

func (s *BoltStore) UpdateGroup(group *types.DeviceGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		if b.Get([]byte(group.ID)) == nil {
			return fmt.Errorf("group %s: %w", group.ID, ErrNotFound)
		}
		group.UpdatedAt = time.Now()
		return put(b, []byte(group.ID), group)
	})
}

func (s *BoltStore) DeleteGroup(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("group %s: %w", id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

// ---- Workflow executions ----

func (s *BoltStore) CreateExecution(exec *types.WorkflowExecution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		if b.Get([]byte(exec.ID)) != nil {
			return fmt.Errorf("execution %s: %w", exec.ID, ErrDuplicate)
		}
		return put(b, []byte(exec.ID), exec)
	})
}

func (s *BoltStore) GetExecution(id string) (*types.WorkflowExecution, error) {
	var exec *types.WorkflowExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		exec = &types.WorkflowExecution{}
		return json.Unmarshal(data, exec)
	})
	return exec, err
}

func (s *BoltStore) ListExecutions() ([]*types.WorkflowExecution, error) {
	var execs []*types.WorkflowExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(_, v []byte) error {
			exec := &types.WorkflowExecution{}
			if err := json.Unmarshal(v, exec); err != nil {
				return err
			}
			execs = append(execs, exec)
			return nil
		})
	})
	return execs, err
}

func (s *BoltStore) ListExecutionsByNode(nodeID string) ([]*types.WorkflowExecution, error) {
	all, err := s.ListExecutions()
	if err != nil {
		return nil, err
	}
	var execs []*types.WorkflowExecution
	for _, e := range all {
		if e.NodeID == nodeID {
			execs = append(execs, e)
		}
	}
	return execs, nil
}

func (s *BoltStore) UpdateExecution(exec *types.WorkflowExecution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		if b.Get([]byte(exec.ID)) == nil {
			return fmt.Errorf("execution %s: %w", exec.ID, ErrNotFound)
		}
		return put(b, []byte(exec.ID), exec)
	})
}

// AppendStepResult appends a step attempt record for an execution.
func (s *BoltStore) AppendStepResult(result *types.StepResult) error {
	return s.appendLog(bucketStepResults, result.ExecutionID, result)
}

// ListStepResults returns an execution's step results in append order.
func (s *BoltStore) ListStepResults(executionID string) ([]*types.StepResult, error) {
	var results []*types.StepResult
	err := s.scanLog(bucketStepResults, executionID, func(v []byte) error {
		result := &types.StepResult{}
		if err := json.Unmarshal(v, result); err != nil {
			return err
		}
		results = append(results, result)
		return nil
	})
	return results, err
}

// ---- Clone sessions ----

func (s *BoltStore) CreateSession(session *types.CloneSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b.Get([]byte(session.ID)) != nil {
			return fmt.Errorf("session %s: %w", session.ID, ErrDuplicate)
		}
		return put(b, []byte(session.ID), session)
	})
}

func (s *BoltStore) GetSession(id string) (*types.CloneSession, error) {
	var session *types.CloneSession
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		session = &types.CloneSession{}
		return json.Unmarshal(data, session)
	})
	return session, err
}

func (s *BoltStore) ListSessions() ([]*types.CloneSession, error) {
	var sessions []*types.CloneSession
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			session := &types.CloneSession{}
			if err := json.Unmarshal(v, session); err != nil {
				return err
			}
			sessions = append(sessions, session)
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) UpdateSession(session *types.CloneSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b.Get([]byte(session.ID)) == nil {
			return fmt.Errorf("session %s: %w", session.ID, ErrNotFound)
		}
		return put(b, []byte(session.ID), session)
	})
}

// ---- Health alerts ----

func (s *BoltStore) CreateAlert(alert *types.HealthAlert) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		if b.Get([]byte(alert.ID)) != nil {
			return fmt.Errorf("alert %s: %w", alert.ID, ErrDuplicate)
		}
		// One active alert per (node, type).
		if alert.Status == types.AlertActive {
			var dup bool
			err := b.ForEach(func(_, v []byte) error {
				existing := &types.HealthAlert{}
				if err := json.Unmarshal(v, existing); err != nil {
					return err
				}
				if existing.NodeID == alert.NodeID && existing.Type == alert.Type && existing.Status == types.AlertActive {
					dup = true
				}
				return nil
			})
			if err != nil {
				return err
			}
			if dup {
				return fmt.Errorf("active alert %s for node %s: %w", alert.Type, alert.NodeID, ErrDuplicate)
			}
		}
		return put(b, []byte(alert.ID), alert)
	})
}

func (s *BoltStore) GetAlert(id string) (*types.HealthAlert, error) {
	var alert *types.HealthAlert
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAlerts).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}
		alert = &types.HealthAlert{}
		return json.Unmarshal(data, alert)
	})
	return alert, err
}

// GetActiveAlert returns the single active alert for (node, type), or
// ErrNotFound.
func (s *BoltStore) GetActiveAlert(nodeID string, alertType types.AlertType) (*types.HealthAlert, error) {
	alerts, err := s.ListAlertsByNode(nodeID)
	if err != nil {
		return nil, err
	}
	for _, a := range alerts {
		if a.Type == alertType && a.Status == types.AlertActive {
			return a, nil
		}
	}
	return nil, fmt.Errorf("active alert %s for node %s: %w", alertType, nodeID, ErrNotFound)
}

func (s *BoltStore) ListAlerts(status types.AlertStatus) ([]*types.HealthAlert, error) {
	var alerts []*types.HealthAlert
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(_, v []byte) error {
			alert := &types.HealthAlert{}
			if err := json.Unmarshal(v, alert); err != nil {
				return err
			}
			if status == "" || alert.Status == status {
				alerts = append(alerts, alert)
			}
			return nil
		})
	})
	return alerts, err
}

func (s *BoltStore) ListAlertsByNode(nodeID string) ([]*types.HealthAlert, error) {
	all, err := s.ListAlerts("")
	if err != nil {
		return nil, err
	}
	var alerts []*types.HealthAlert
	for _, a := range all {
		if a.NodeID == nodeID {
			alerts = append(alerts, a)
		}
	}
	return alerts, nil
}

func (s *BoltStore) UpdateAlert(alert *types.HealthAlert) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		if b.Get([]byte(alert.ID)) == nil {
			return fmt.Errorf("alert %s: %w", alert.ID, ErrNotFound)
		}
		return put(b, []byte(alert.ID), alert)
	})
}

// ---- Health snapshots ----

// AppendSnapshot appends a health snapshot row for a node.
func (s *BoltStore) AppendSnapshot(snap *types.NodeHealthSnapshot) error {
	return s.appendLog(bucketSnapshots, snap.NodeID, snap)
}

// ListSnapshots returns a node's snapshots in append order.
func (s *BoltStore) ListSnapshots(nodeID string) ([]*types.NodeHealthSnapshot, error) {
	var snaps []*types.NodeHealthSnapshot
	err := s.scanLog(bucketSnapshots, nodeID, func(v []byte) error {
		snap := &types.NodeHealthSnapshot{}
		if err := json.Unmarshal(v, snap); err != nil {
			return err
		}
		snaps = append(snaps, snap)
		return nil
	})
	return snaps, err
}

// PruneSnapshots deletes snapshot rows older than the cutoff and returns
// how many were removed.
func (s *BoltStore) PruneSnapshots(before time.Time) (int, error) {
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			snap := &types.NodeHealthSnapshot{}
			if err := json.Unmarshal(v, snap); err != nil {
				return err
			}
			if snap.Timestamp.Before(before) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		pruned = len(stale)
		return nil
	})
	return pruned, err
}

// ---- CA ----

func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCA).Get(caKey)
		if v == nil {
			return fmt.Errorf("ca material: %w", ErrNotFound)
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}

func (s *BoltStore) PutCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put(caKey, data)
	})
}
