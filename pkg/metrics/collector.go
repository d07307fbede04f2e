package metrics

import "time"

// Snapshot is a point-in-time view of engine state that cannot be tracked
// as counters on the hot path (entity counts, branch count, current
// backpressure band) and must instead be polled periodically.
type Snapshot struct {
	NounsByType map[string]int
	VerbsByType map[string]int
	Branch      string
	Branches    int
	Backpressure int // 0=low 1=moderate 2=high 3=extreme
}

// StatsProvider is implemented by pkg/engine so the collector can poll
// gauge-style statistics without this package importing the engine.
type StatsProvider interface {
	Snapshot() Snapshot
}

// Collector periodically polls a StatsProvider and updates the gauge
// metrics that cannot be maintained as simple Inc/Observe calls on the
// hot path.
type Collector struct {
	provider StatsProvider
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector bound to provider.
func NewCollector(provider StatsProvider) *Collector {
	return &Collector{
		provider: provider,
		stopCh:   make(chan struct{}),
	}
}

// Start begins polling on a 15s ticker, collecting immediately first.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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
	snap := c.provider.Snapshot()

	for nounType, count := range snap.NounsByType {
		NounsTotal.WithLabelValues(nounType, snap.Branch).Set(float64(count))
	}
	for verbType, count := range snap.VerbsByType {
		VerbsTotal.WithLabelValues(verbType, snap.Branch).Set(float64(count))
	}

	BranchesTotal.Set(float64(snap.Branches))
	BackpressureBand.Set(float64(snap.Backpressure))
}
