package cache

import "go.uber.org/atomic"

type counters struct {
	hits        atomic.Int64
	misses      atomic.Int64
	racedMisses atomic.Int64
	inserts     atomic.Int64
	evictions   atomic.Int64
	rejected    atomic.Int64
}

// Stats are cumulative counters since the cache was created.
type Stats struct {
	Hits int64 `json:"hits"`
	// Misses where no block matched during the scan.
	Misses int64 `json:"misses"`
	// Misses where a matching block was overwritten before it could be read.
	RacedMisses int64 `json:"racedMisses"`
	Inserts     int64 `json:"inserts"`
	// Inserts that overwrote a valid block.
	Evictions int64 `json:"evictions"`
	// Inserts refused because the object was too large.
	Rejected int64 `json:"rejected"`
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.stats.hits.Load(),
		Misses:      c.stats.misses.Load(),
		RacedMisses: c.stats.racedMisses.Load(),
		Inserts:     c.stats.inserts.Load(),
		Evictions:   c.stats.evictions.Load(),
		Rejected:    c.stats.rejected.Load(),
	}
}
