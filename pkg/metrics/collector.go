package metrics

import (
	"time"

	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

// Collector periodically mirrors stored state into the gauges.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodes()
	c.collectSessions()
	c.collectAlerts()
}

func (c *Collector) collectNodes() {
	nodes, err := c.store.ListNodes()
	if err != nil {
		return
	}
	counts := make(map[types.NodeState]int)
	for _, n := range nodes {
		counts[n.State]++
	}
	NodesTotal.Reset()
	for state, n := range counts {
		NodesTotal.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (c *Collector) collectSessions() {
	sessions, err := c.store.ListSessions()
	if err != nil {
		return
	}
	counts := make(map[types.CloneStatus]int)
	for _, s := range sessions {
		counts[s.Status]++
	}
	CloneSessionsTotal.Reset()
	for status, n := range counts {
		CloneSessionsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (c *Collector) collectAlerts() {
	alerts, err := c.store.ListAlerts(types.AlertActive)
	if err != nil {
		return
	}
	counts := make(map[types.AlertType]int)
	for _, a := range alerts {
		counts[a.Type]++
	}
	ActiveAlertsTotal.Reset()
	for alertType, n := range counts {
		ActiveAlertsTotal.WithLabelValues(string(alertType)).Set(float64(n))
	}
}
