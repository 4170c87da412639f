// Package admin serves a read-only HTTP API for inspecting a running proxy.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/always-cache/blockproxy"
	"github.com/always-cache/blockproxy/cache"
	"github.com/always-cache/blockproxy/journal"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 1000
)

type Config struct {
	Proxy *blockproxy.Proxy
	// Optional. Without a journal, /journal responds 404.
	Journal *journal.Journal
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type api struct {
	proxy   *blockproxy.Proxy
	journal *journal.Journal
}

// NewRouter returns the admin API handler.
func NewRouter(config Config) http.Handler {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	a := &api{proxy: config.Proxy, journal: config.Journal}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger.With().Str("component", "admin").Logger()))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Admin request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/stats", a.stats)
	r.Get("/cache", a.cache)
	r.Get("/journal", a.recent)
	return r
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, a.proxy.Stats())
}

type cacheResponse struct {
	Classes       []cache.Class     `json:"classes"`
	MaxObjectSize int               `json:"maxObjectSize"`
	Blocks        []cache.BlockInfo `json:"blocks"`
}

// cache lists the valid blocks, or every block with ?all=1.
func (a *api) cache(w http.ResponseWriter, r *http.Request) {
	c := a.proxy.Cache()
	all := r.URL.Query().Get("all") == "1"
	blocks := make([]cache.BlockInfo, 0)
	for _, bi := range c.Snapshot() {
		if all || bi.Valid() {
			blocks = append(blocks, bi)
		}
	}
	writeJSON(w, r, cacheResponse{
		Classes:       c.Classes(),
		MaxObjectSize: c.MaxObjectSize(),
		Blocks:        blocks,
	})
}

func (a *api) recent(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		http.Error(w, "journal not enabled", http.StatusNotFound)
		return
	}
	limit := defaultJournalLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n > maxJournalLimit {
			n = maxJournalLimit
		}
		limit = n
	}
	entries, err := a.journal.Recent(limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not read journal")
		http.Error(w, "could not read journal", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, entries)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Could not write response")
	}
}
