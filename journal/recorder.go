package journal

import (
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Recorder writes entries to a Journal from a single goroutine so that
// callers never wait on the database.
type Recorder struct {
	journal *Journal
	entries chan Entry
	done    chan struct{}
	log     zerolog.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts a recorder that buffers up to capacity entries.
func NewRecorder(j *Journal, capacity int, logger zerolog.Logger) *Recorder {
	r := &Recorder{
		journal: j,
		entries: make(chan Entry, capacity),
		done:    make(chan struct{}),
		log:     logger.With().Str("component", "journal").Logger(),
	}
	go r.write()
	return r
}

func (r *Recorder) write() {
	defer close(r.done)
	for e := range r.entries {
		if err := r.journal.Record(e); err != nil {
			r.log.Error().Err(err).Str("url", e.Target).Msg("Could not record transaction")
		}
	}
}

// Record queues e without blocking. It returns false if e was dropped
// because the buffer is full or the recorder is closed.
func (r *Recorder) Record(e Entry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.entries <- e:
		return true
	default:
		r.dropped.Inc()
		r.log.Warn().Str("url", e.Target).Msg("Journal buffer full, dropping transaction")
		return false
	}
}

// Dropped is the number of entries dropped because the buffer was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close writes out the queued entries and stops the recorder.
// The journal itself stays open.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.entries)
	}
	r.mu.Unlock()
	<-r.done
}
