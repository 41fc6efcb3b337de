package metrics

import "time"

// StatsSource is satisfied by internal/engine.Engine. Collector depends
// only on this method set so pkg/metrics never imports internal/engine.
type StatsSource interface {
	Stats() Snapshot
}

// Collector periodically polls a StatsSource and republishes its
// Snapshot as gauges.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
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
	snap := c.source.Stats()

	BundlesTotal.Set(float64(snap.BundlesTotal))
	if snap.Up {
		EngineUp.Set(1)
	} else {
		EngineUp.Set(0)
	}
}
