package blockproxy

import (
	"github.com/always-cache/blockproxy/cache"

	"go.uber.org/atomic"
)

type counters struct {
	accepted atomic.Int64
	inFlight atomic.Int64
	served   atomic.Int64
	hits     atomic.Int64
	rejected atomic.Int64
	aborted  atomic.Int64
}

func (c *counters) count(outcome Outcome) {
	switch outcome {
	case OutcomeServed:
		c.served.Inc()
	case OutcomeHit:
		c.hits.Inc()
	case OutcomeRejected:
		c.rejected.Inc()
	case OutcomeAborted:
		c.aborted.Inc()
	}
}

// Stats are cumulative counters since the proxy was created,
// except InFlight and QueueLength which are current values.
type Stats struct {
	Accepted    int64       `json:"accepted"`
	InFlight    int64       `json:"inFlight"`
	Served      int64       `json:"served"`
	Hits        int64       `json:"hits"`
	Rejected    int64       `json:"rejected"`
	Aborted     int64       `json:"aborted"`
	QueueLength int         `json:"queueLength"`
	Workers     int         `json:"workers"`
	Cache       cache.Stats `json:"cache"`
}

func (p *Proxy) Stats() Stats {
	return Stats{
		Accepted:    p.stats.accepted.Load(),
		InFlight:    p.stats.inFlight.Load(),
		Served:      p.stats.served.Load(),
		Hits:        p.stats.hits.Load(),
		Rejected:    p.stats.rejected.Load(),
		Aborted:     p.stats.aborted.Load(),
		QueueLength: p.queue.Len(),
		Workers:     p.workers,
		Cache:       p.cache.Stats(),
	}
}
