package cache

import (
	"sync"

	"go.uber.org/atomic"
)

// block is one fixed-capacity slot of a size class.
//
// url and timestamp are only written while mu is held exclusively.
// They are atomics so that the unlocked scans done by Lookup and Insert
// may read them; anything read that way is a hint and has to be
// verified again under mu before it is acted upon.
type block struct {
	mu        sync.RWMutex
	url       atomic.String
	timestamp atomic.Int64
	data      []byte
	size      int
}

// holds reports whether the block currently holds valid content for url.
// The caller must hold mu in either mode.
func (b *block) holds(url string) bool {
	return b.timestamp.Load() != 0 && b.url.Load() == url
}

// touch moves the block's timestamp forward to now if the block still holds url.
func (b *block) touch(url string, now int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.holds(url) {
		return false
	}
	if now > b.timestamp.Load() {
		b.timestamp.Store(now)
	}
	return true
}

// copyOut returns a copy of the block's content if the block still holds url.
func (b *block) copyOut(url string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.holds(url) {
		return nil, false
	}
	out := make([]byte, b.size)
	copy(out, b.data[:b.size])
	return out, true
}

// overwrite replaces the block's content. It returns true if valid content was evicted.
func (b *block) overwrite(url string, data []byte, now int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	evicted := b.timestamp.Load() != 0
	b.url.Store(url)
	b.size = copy(b.data, data)
	b.timestamp.Store(now)
	return evicted
}

// info returns a consistent view of the block's metadata.
func (b *block) info() (url string, size int, timestamp int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.url.Load(), b.size, b.timestamp.Load()
}
