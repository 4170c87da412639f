package blockproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/always-cache/blockproxy/cache"
	"github.com/always-cache/blockproxy/journal"
	"github.com/always-cache/blockproxy/queue"

	"github.com/oxtoacart/bpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// WorkerCount is the number of transactions served in parallel.
	WorkerCount = 8
	// QueueCapacity is the number of accepted connections that may wait for a worker.
	QueueCapacity = 32
	// MaxLineBytes bounds the request line, and with it the length of a cache key.
	MaxLineBytes = 8192
	// MaxHeaderBytes bounds the client header block forwarded to the origin.
	MaxHeaderBytes = 8192
	// UserAgent replaces whatever User-Agent the client sent.
	UserAgent = "Mozilla/5.0 (compatible; blockproxy/1.0)"

	defaultClientTimeout = 30 * time.Second
	defaultDialTimeout   = 10 * time.Second
	defaultOriginTimeout = 60 * time.Second

	journalBuffer = 1024
)

// Dialer opens connections to origin servers. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	// Cache shared by all workers. A cache with the default size classes is created if nil.
	Cache *cache.Cache
	// Dialer for origin connections. A plain *net.Dialer if nil.
	Dialer Dialer
	// Optional journal every finished transaction is recorded in.
	// Entries are written in the background; call Close to flush them.
	Journal *journal.Journal
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Time allowed for the client to send its request, and how long a write
	// to the client may stall. Zero means the default, negative disables it.
	ClientTimeout time.Duration
	// Timeout for connecting to the origin. Zero means the default, negative disables it.
	DialTimeout time.Duration
	// How long a read from or write to the origin may stall.
	// Zero means the default, negative disables it.
	OriginTimeout time.Duration
	// Workers and QueueCapacity override WorkerCount and QueueCapacity when positive.
	// They exist for tests; deployments use the constants.
	Workers       int
	QueueCapacity int
}

// Proxy is a forwarding HTTP/1.0 proxy for GET requests backed by a block cache.
type Proxy struct {
	cache         *cache.Cache
	queue         *queue.Queue
	dialer        Dialer
	recorder      *journal.Recorder
	buffers       *bpool.BytePool
	log           zerolog.Logger
	workers       int
	clientTimeout time.Duration
	dialTimeout   time.Duration
	originTimeout time.Duration
	stats         counters
}

// CreateProxy sets up a proxy instance. Nothing runs until Serve is called.
func CreateProxy(config Config) (*Proxy, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	p := &Proxy{
		cache:         config.Cache,
		dialer:        config.Dialer,
		log:           logger,
		workers:       WorkerCount,
		clientTimeout: durationOrDefault(config.ClientTimeout, defaultClientTimeout),
		dialTimeout:   durationOrDefault(config.DialTimeout, defaultDialTimeout),
		originTimeout: durationOrDefault(config.OriginTimeout, defaultOriginTimeout),
	}
	if config.Workers > 0 {
		p.workers = config.Workers
	}
	capacity := QueueCapacity
	if config.QueueCapacity > 0 {
		capacity = config.QueueCapacity
	}
	p.queue = queue.New(capacity)

	if p.cache == nil {
		c, err := cache.New(cache.Config{Logger: &logger})
		if err != nil {
			return nil, fmt.Errorf("could not create cache: %w", err)
		}
		p.cache = c
	}
	if p.dialer == nil {
		p.dialer = &net.Dialer{}
	}
	if config.Journal != nil {
		p.recorder = journal.NewRecorder(config.Journal, journalBuffer, logger)
	}
	// one accumulation buffer per worker, each large enough for the largest cacheable object
	p.buffers = bpool.NewBytePool(p.workers, p.cache.MaxObjectSize())

	return p, nil
}

func durationOrDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

// Close flushes pending journal entries. Call it after Serve has returned.
func (p *Proxy) Close() {
	if p.recorder != nil {
		p.recorder.Close()
	}
}

// Cache returns the cache the proxy serves from.
func (p *Proxy) Cache() *cache.Cache {
	return p.cache
}

// Serve accepts connections from ln and serves them with a fixed pool of workers
// until ctx is cancelled or accepting fails.
// On return the listener is closed, every transaction that had reached a worker
// has finished, and connections still waiting in the queue have been closed.
// Cancellation is not an error.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	p.log.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", p.workers).
		Int("queue", p.queue.Cap()).
		Int("cacheBytes", p.cache.Footprint()).
		Msg("Proxy listening")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			p.work(id)
			return nil
		})
	}
	g.Go(func() error {
		defer p.queue.Close()
		return p.accept(ctx, ln)
	})
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})
	err := g.Wait()

	for _, conn := range p.queue.Drain() {
		conn.Close()
	}
	p.log.Info().Msg("Proxy stopped")
	return err
}

// accept moves connections from the listener into the queue.
// It blocks while the queue is full.
func (p *Proxy) accept(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed: %w", err)
			}
			p.log.Warn().Err(err).Msg("Could not accept connection")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		p.stats.accepted.Inc()
		p.log.Trace().Str("client", conn.RemoteAddr().String()).Msg("Accepted connection")
		if err := p.queue.Push(ctx, conn); err != nil {
			conn.Close()
			return nil
		}
	}
}

// work serves queued connections one at a time until the queue is closed.
func (p *Proxy) work(id int) {
	log := p.log.With().Int("worker", id).Logger()
	log.Trace().Msg("Worker started")
	for {
		conn, err := p.queue.Pop(context.Background())
		if err != nil {
			log.Trace().Msg("Worker stopped")
			return
		}
		p.ServeConn(conn, log)
	}
}

// ServeConn runs one transaction on conn and closes it.
// Workers call it for every dequeued connection; it may also be called
// directly with a connection accepted elsewhere.
// A panic inside the transaction is logged and reported as an aborted transaction.
func (p *Proxy) ServeConn(conn net.Conn, log zerolog.Logger) (status TransactionStatus) {
	defer conn.Close()
	p.stats.inFlight.Inc()
	defer p.stats.inFlight.Dec()

	t := p.newTransaction(conn, log)
	defer func() {
		if err := recover(); err != nil {
			t.status.Abort(ReasonPanic)
			t.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in transaction")
		}
		p.finish(t)
		status = t.status
	}()
	t.run()
	return
}
