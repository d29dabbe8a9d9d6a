package metrics

import "time"

// Source is implemented by whatever owns the state a Collector polls —
// normally the edge's OrderEngine/EdgeServer pair or the cloud's
// CloudControl — decoupling this package from either's concrete type.
type Source interface {
	ActiveOrderCount() int
	PendingOpsDepthByEdge() map[string]int
}

// Collector periodically samples gauge-style metrics that aren't natural
// to update inline at the point of change (active order count, queue
// depth per edge).
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a collector sampling source every 15 seconds.
func NewCollector(source Source) *Collector {
	return &Collector{source: source, stopCh: make(chan struct{})}
}

// Start begins collecting metrics in a background goroutine.
func (c *Collector) Start() {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
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
	ActiveOrdersTotal.Set(float64(c.source.ActiveOrderCount()))
	for edgeID, depth := range c.source.PendingOpsDepthByEdge() {
		PendingOpsQueueDepth.WithLabelValues(edgeID).Set(float64(depth))
	}
}
