package cache

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
)

// ErrTooLarge is returned by Insert when an object does not fit in any size class.
var ErrTooLarge = errors.New("object too large to cache")

// Class describes one size class: Count blocks of Capacity bytes each.
type Class struct {
	Capacity int `json:"capacity"`
	Count    int `json:"count"`
}

// DefaultClasses favours many small blocks while still admitting
// a handful of objects close to the maximum size.
var DefaultClasses = []Class{
	{Capacity: 1024, Count: 24},
	{Capacity: 5120, Count: 10},
	{Capacity: 10240, Count: 8},
	{Capacity: 20480, Count: 6},
	{Capacity: 51200, Count: 5},
	{Capacity: 102400, Count: 5},
}

type Config struct {
	// Size classes in ascending capacity order. DefaultClasses if nil.
	Classes []Class
	// Source of recency timestamps. A MilliClock if nil.
	Clock Clock
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type sizeClass struct {
	capacity int
	blocks   []block
}

// Cache is a fixed set of size classes, each owning a fixed array of blocks.
// Nothing is allocated after New returns and no lock spans more than one block.
// It is safe for concurrent use.
type Cache struct {
	classes []sizeClass
	clock   Clock
	log     zerolog.Logger
	stats   counters
}

// New allocates every class and block up front.
func New(config Config) (*Cache, error) {
	classes := config.Classes
	if classes == nil {
		classes = DefaultClasses
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("cache needs at least one size class")
	}
	for i, class := range classes {
		if class.Capacity <= 0 || class.Count <= 0 {
			return nil, fmt.Errorf("size class %d: capacity and count must be positive", i)
		}
		if i > 0 && class.Capacity <= classes[i-1].Capacity {
			return nil, fmt.Errorf("size class %d: capacities must be ascending", i)
		}
	}

	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	c := &Cache{
		classes: make([]sizeClass, len(classes)),
		clock:   config.Clock,
		log:     logger.With().Str("component", "cache").Logger(),
	}
	if c.clock == nil {
		c.clock = &MilliClock{}
	}
	for i, class := range classes {
		sc := &c.classes[i]
		sc.capacity = class.Capacity
		sc.blocks = make([]block, class.Count)
		for j := range sc.blocks {
			sc.blocks[j].data = make([]byte, class.Capacity)
		}
	}
	return c, nil
}

// Lookup returns a copy of the content stored for url.
//
// The scan for a candidate block takes no locks. A candidate is then
// confirmed twice: once under the exclusive lock, where its timestamp is
// refreshed, and once under the shared lock, where the content is copied
// out. The block can be overwritten between the scan and either lock, so
// if url no longer matches at either step the lookup reports a miss.
// There is no retry: a concurrent writer just stored something else in
// that block, and the requester will fetch from the origin instead.
func (c *Cache) Lookup(url string) ([]byte, bool) {
	b := c.find(url)
	if b == nil {
		c.stats.misses.Inc()
		return nil, false
	}
	if !b.touch(url, c.clock.Now()) {
		c.stats.racedMisses.Inc()
		c.log.Trace().Str("url", url).Msg("Block reassigned before refresh")
		return nil, false
	}
	data, ok := b.copyOut(url)
	if !ok {
		c.stats.racedMisses.Inc()
		c.log.Trace().Str("url", url).Msg("Block reassigned before read")
		return nil, false
	}
	c.stats.hits.Inc()
	return data, true
}

// find returns the first valid block that appears to hold url, scanning
// classes and blocks in index order.
func (c *Cache) find(url string) *block {
	for i := range c.classes {
		blocks := c.classes[i].blocks
		for j := range blocks {
			b := &blocks[j]
			if b.timestamp.Load() != 0 && b.url.Load() == url {
				return b
			}
		}
	}
	return nil
}

// Insert stores data under url in the smallest class that can hold it,
// overwriting a free block if there is one and the least recently used block otherwise.
// Objects larger than the largest class are not stored and ErrTooLarge is returned.
func (c *Cache) Insert(url string, data []byte) error {
	class := c.classFor(len(data))
	if class == nil {
		c.stats.rejected.Inc()
		c.log.Debug().Str("url", url).Int("size", len(data)).Msg("Object too large to cache")
		return ErrTooLarge
	}
	b := class.victim()
	if b.overwrite(url, data, c.clock.Now()) {
		c.stats.evictions.Inc()
	}
	c.stats.inserts.Inc()
	c.log.Trace().Str("url", url).Int("size", len(data)).Int("class", class.capacity).Msg("Cache write")
	return nil
}

// classFor returns the first class whose capacity fits size, or nil.
func (c *Cache) classFor(size int) *sizeClass {
	for i := range c.classes {
		if size <= c.classes[i].capacity {
			return &c.classes[i]
		}
	}
	return nil
}

// victim returns the block with the smallest timestamp, preferring the
// lowest index on ties. A free block has timestamp 0, so it always wins
// and ends the scan.
func (sc *sizeClass) victim() *block {
	var target *block
	oldest := int64(math.MaxInt64)
	for j := range sc.blocks {
		b := &sc.blocks[j]
		if ts := b.timestamp.Load(); ts < oldest {
			target = b
			oldest = ts
			if oldest == 0 {
				break
			}
		}
	}
	if target == nil {
		// every timestamp is MaxInt64, only reachable with a broken Clock
		target = &sc.blocks[0]
	}
	return target
}

// MaxObjectSize is the largest object Insert accepts.
func (c *Cache) MaxObjectSize() int {
	return c.classes[len(c.classes)-1].capacity
}

// Footprint is the total number of data bytes allocated by the cache.
func (c *Cache) Footprint() int {
	total := 0
	for _, class := range c.classes {
		total += class.capacity * len(class.blocks)
	}
	return total
}

// Classes returns the size classes the cache was built with.
func (c *Cache) Classes() []Class {
	classes := make([]Class, len(c.classes))
	for i, class := range c.classes {
		classes[i] = Class{Capacity: class.capacity, Count: len(class.blocks)}
	}
	return classes
}

// BlockInfo describes one block at the time Snapshot read it.
type BlockInfo struct {
	Class     int    `json:"class"`
	Index     int    `json:"index"`
	URL       string `json:"url"`
	Size      int    `json:"size"`
	Timestamp int64  `json:"timestamp"`
}

// Valid reports whether the block held content.
func (bi BlockInfo) Valid() bool {
	return bi.Timestamp != 0
}

// Snapshot returns the metadata of every block, class by class.
// Each block is read under its own shared lock, so the snapshot as a whole
// is not atomic.
func (c *Cache) Snapshot() []BlockInfo {
	infos := make([]BlockInfo, 0)
	for i := range c.classes {
		class := &c.classes[i]
		for j := range class.blocks {
			url, size, ts := class.blocks[j].info()
			infos = append(infos, BlockInfo{
				Class:     class.capacity,
				Index:     j,
				URL:       url,
				Size:      size,
				Timestamp: ts,
			})
		}
	}
	return infos
}
