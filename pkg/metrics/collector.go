package metrics

import (
	"context"
	"time"

	"github.com/fleetmon/fleetd/pkg/log"
	"github.com/fleetmon/fleetd/pkg/types"
)

const collectInterval = 15 * time.Second

// SummarySource yields the current fleet summary.
type SummarySource interface {
	Summary() types.Summary
}

// PeerSource yields the current verified cluster membership.
type PeerSource interface {
	Peers(ctx context.Context) ([]types.NodeSnapshot, error)
}

// Collector refreshes the fleet and cluster gauges on a fixed cadence.
// Counters are incremented inline at their call sites; only state that must
// be sampled lives here.
type Collector struct {
	store   SummarySource
	cluster PeerSource
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewCollector creates a gauge collector. cluster may be nil when the node
// runs standalone.
func NewCollector(store SummarySource, cluster PeerSource) *Collector {
	return &Collector{
		store:   store,
		cluster: cluster,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the collection loop.
func (c *Collector) Start() {
	go c.run()
	logger := log.WithComponent("metrics")
	logger.Debug().
		Dur("interval", collectInterval).
		Msg("metrics collector started")
}

// Stop terminates the collection loop and waits for it to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(collectInterval)
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
}

func (c *Collector) collect() {
	SetSummary(c.store.Summary())

	if c.cluster == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	nodes, err := c.cluster.Peers(ctx)
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("failed to sample cluster membership")
		return
	}
	SetClusterNodes(nodes)
}
