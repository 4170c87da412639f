package blockproxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/blockproxy/journal"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// countingDialer dials for real and counts origin connections.
func countingDialer(count *atomic.Int64) Dialer {
	var d net.Dialer
	return dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		count.Inc()
		return d.DialContext(ctx, network, address)
	})
}

func startProxy(t *testing.T, config Config) (string, *Proxy) {
	t.Helper()
	logger := zerolog.Nop()
	config.Logger = &logger
	p, err := CreateProxy(config)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve returned %v", err)
		}
		p.Close()
	})
	return ln.Addr().String(), p
}

// sendRaw sends a raw request through the proxy and returns everything it sends back.
func sendRaw(proxyAddr, request string) (string, error) {
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(conn, request); err != nil {
		return "", err
	}
	response, err := io.ReadAll(conn)
	return string(response), err
}

func roundTrip(t *testing.T, proxyAddr, request string) string {
	t.Helper()
	response, err := sendRaw(proxyAddr, request)
	if err != nil {
		t.Fatal(err)
	}
	return response
}

// eventually polls cond, since an error page reaches the client before its
// transaction has finished.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func get(url string) string {
	host := strings.TrimPrefix(url, "http://")
	host = host[:strings.IndexByte(host, '/')]
	return "GET " + url + " HTTP/1.1\r\nHost: " + host + "\r\n\r\n"
}

func TestSmallResponseIsServedFromCache(t *testing.T) {
	var handleCount atomic.Int64
	body := strings.Repeat("x", 500)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handleCount.Inc() > 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(body))
	}))
	defer origin.Close()
	var dials atomic.Int64
	addr, p := startProxy(t, Config{Dialer: countingDialer(&dials)})

	first := roundTrip(t, addr, get(origin.URL+"/a.txt"))
	if !strings.HasPrefix(first, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(first, "\r\n\r\n"+body) {
		t.Fatalf("first response %q", first)
	}
	second := roundTrip(t, addr, get(origin.URL+"/a.txt"))
	if second != first {
		t.Fatalf("cached response differs:\n%q\n%q", second, first)
	}
	if dials.Load() != 1 {
		t.Fatalf("origin contacted %d times", dials.Load())
	}
	stats := p.Stats()
	if stats.Hits != 1 || stats.Served != 1 || stats.Cache.Inserts != 1 {
		t.Fatalf("stats %+v", stats)
	}
}

func TestPostIsNotImplemented(t *testing.T) {
	var dials atomic.Int64
	addr, p := startProxy(t, Config{Dialer: countingDialer(&dials)})

	response := roundTrip(t, addr, "POST / HTTP/1.1\r\n\r\n")
	if !strings.HasPrefix(response, "HTTP/1.0 501 Not Implemented\r\n") {
		t.Fatalf("response %q", response)
	}
	if dials.Load() != 0 {
		t.Fatal("origin contacted for POST")
	}
	eventually(t, func() bool { return p.Stats().Rejected == 1 })
}

func TestMethodIsCaseInsensitive(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("lower"))
	}))
	defer origin.Close()
	addr, _ := startProxy(t, Config{})

	response := roundTrip(t, addr, "get "+origin.URL+"/ HTTP/1.0\r\n\r\n")
	if !strings.HasSuffix(response, "lower") {
		t.Fatalf("response %q", response)
	}
}

func TestLargeResponseIsNotCached(t *testing.T) {
	var handleCount atomic.Int64
	body := strings.Repeat("0123456789", 20000)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount.Inc()
		w.Write([]byte(body))
	}))
	defer origin.Close()
	addr, p := startProxy(t, Config{})

	for i := 0; i < 2; i++ {
		response := roundTrip(t, addr, get(origin.URL+"/big"))
		if !strings.HasSuffix(response, "\r\n\r\n"+body) {
			t.Fatalf("response %d truncated to %d bytes", i, len(response))
		}
	}
	if handleCount.Load() != 2 {
		t.Fatalf("origin handled %d requests", handleCount.Load())
	}
	if stats := p.Stats(); stats.Hits != 0 || stats.Cache.Inserts != 0 {
		t.Fatalf("stats %+v", stats)
	}
}

func TestUnreachableOriginClosesSilently(t *testing.T) {
	refused := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})
	addr, p := startProxy(t, Config{Dialer: refused})

	if response := roundTrip(t, addr, get("http://example.com/")); response != "" {
		t.Fatalf("response %q", response)
	}
	if p.Stats().Aborted != 1 {
		t.Fatalf("stats %+v", p.Stats())
	}
}

func TestMalformedRequests(t *testing.T) {
	var dials atomic.Int64
	addr, _ := startProxy(t, Config{Dialer: countingDialer(&dials)})

	for _, request := range []string{
		"GET /\r\n\r\n",
		"GET http://example.com:port/ HTTP/1.0\r\n\r\n",
		"GET /relative HTTP/1.0\r\n\r\n",
		"GET http://example.com/" + strings.Repeat("a", MaxLineBytes) + " HTTP/1.0\r\n\r\n",
		"GET http://example.com/ HTTP/1.0\r\nX-Filler: " + strings.Repeat("a", MaxHeaderBytes) + "\r\n\r\n",
	} {
		response := roundTrip(t, addr, request)
		if !strings.HasPrefix(response, "HTTP/1.0 400 Bad Request\r\n") {
			t.Errorf("%.40q: response %.60q", request, response)
		}
	}
	if dials.Load() != 0 {
		t.Fatalf("origin contacted %d times", dials.Load())
	}
}

func TestWorkersBoundConcurrency(t *testing.T) {
	const workers = 2
	const clients = 5
	var active, maxActive atomic.Int64
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := active.Inc()
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		active.Dec()
		w.Write([]byte("done"))
	}))
	defer origin.Close()
	addr, p := startProxy(t, Config{Workers: workers, QueueCapacity: clients})

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// distinct URLs so no request is answered from the cache
			response, err := sendRaw(addr, get(origin.URL+"/"+strings.Repeat("p", i+1)))
			if err != nil || !strings.HasSuffix(response, "done") {
				t.Errorf("client %d got %q, %v", i, response, err)
			}
		}(i)
	}

	deadline := time.Now().Add(5 * time.Second)
	for active.Load() < workers && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := p.Stats().InFlight; n != workers {
		t.Errorf("%d transactions in flight", n)
	}
	close(release)
	wg.Wait()

	if maxActive.Load() != workers {
		t.Fatalf("origin saw %d concurrent requests, want %d", maxActive.Load(), workers)
	}
}

func TestServeConnRecoversFromPanic(t *testing.T) {
	logger := zerolog.Nop()
	panicking := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		panic("dialer exploded")
	})
	p, err := CreateProxy(Config{Logger: &logger, Dialer: panicking})
	if err != nil {
		t.Fatal(err)
	}
	client, server := net.Pipe()
	go func() {
		io.WriteString(client, get("http://example.com/"))
		io.Copy(io.Discard, client)
		client.Close()
	}()

	status := p.ServeConn(server, logger)
	if status.Outcome != OutcomeAborted || status.Reason != ReasonPanic {
		t.Fatalf("status %s", status)
	}
	if p.Stats().Aborted != 1 {
		t.Fatalf("stats %+v", p.Stats())
	}
}

func TestJournalRecordsTransactions(t *testing.T) {
	j, err := journal.Open("memory")
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	addr, _ := startProxy(t, Config{Journal: j})

	roundTrip(t, addr, "POST http://example.com/form HTTP/1.0\r\n\r\n")

	eventually(t, func() bool {
		n, err := j.Count("")
		return err == nil && n == 1
	})
	entries, err := j.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	e := entries[0]
	if e.Method != "POST" || e.Target != "http://example.com/form" || e.Outcome != "rejected" || e.Reason != "method" {
		t.Fatalf("entry %+v", e)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	logger := zerolog.Nop()
	p, err := CreateProxy(Config{Logger: &logger})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Serve(ctx, ln)
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	if conn, err := net.Dial("tcp", ln.Addr().String()); err == nil {
		conn.Close()
		t.Fatal("listener still open")
	}
}

func TestSlowResponseIsRelayedInFull(t *testing.T) {
	line := strings.Repeat("z", 99) + "\n"
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 10; i++ {
			w.Write([]byte(line))
			w.(http.Flusher).Flush()
			time.Sleep(60 * time.Millisecond)
		}
	}))
	defer origin.Close()
	// the whole transfer takes twice as long as either timeout
	addr, p := startProxy(t, Config{ClientTimeout: 300 * time.Millisecond, OriginTimeout: 300 * time.Millisecond})

	response := roundTrip(t, addr, get(origin.URL+"/slow"))
	if !strings.HasSuffix(response, "\r\n\r\n"+strings.Repeat(line, 10)) {
		t.Fatalf("response truncated to %d bytes", len(response))
	}
	if stats := p.Stats(); stats.Served != 1 || stats.Aborted != 0 {
		t.Fatalf("stats %+v", stats)
	}
}

func TestStalledOriginIsAborted(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("partial\n"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	}))
	defer origin.Close()
	defer close(release)
	addr, p := startProxy(t, Config{OriginTimeout: 200 * time.Millisecond})

	start := time.Now()
	response := roundTrip(t, addr, get(origin.URL+"/stall"))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("stalled origin held the client for %v", elapsed)
	}
	if !strings.HasSuffix(response, "partial\n") {
		t.Fatalf("response %q", response)
	}
	if stats := p.Stats(); stats.Aborted != 1 || stats.Cache.Inserts != 0 {
		t.Fatalf("stats %+v", stats)
	}
}

func TestEmptyResponseIsNotCached(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	var handled atomic.Int64
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			handled.Inc()
			// read the request, then close without answering
			r := bufio.NewReader(conn)
			for {
				line, err := r.ReadString('\n')
				if err != nil || line == "\r\n" {
					break
				}
			}
			conn.Close()
		}
	}()
	addr, p := startProxy(t, Config{})

	url := "http://" + ln.Addr().String() + "/empty"
	for i := 0; i < 2; i++ {
		if response := roundTrip(t, addr, get(url)); response != "" {
			t.Fatalf("response %q", response)
		}
	}
	if handled.Load() != 2 {
		t.Fatalf("origin contacted %d times", handled.Load())
	}
	if stats := p.Stats(); stats.Served != 2 || stats.Hits != 0 || stats.Cache.Inserts != 0 {
		t.Fatalf("stats %+v", stats)
	}
}

func TestErrorPageReleasesWorkerQuickly(t *testing.T) {
	addr, _ := startProxy(t, Config{Workers: 1})

	// this client reads its error page but never closes the connection
	idle, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer idle.Close()
	idle.SetDeadline(time.Now().Add(5 * time.Second))
	io.WriteString(idle, "POST / HTTP/1.0\r\n\r\n")
	if line, err := bufio.NewReader(idle).ReadString('\n'); err != nil || !strings.HasPrefix(line, "HTTP/1.0 501") {
		t.Fatalf("status line %q, err %v", line, err)
	}

	start := time.Now()
	response := roundTrip(t, addr, "POST / HTTP/1.0\r\n\r\n")
	if !strings.HasPrefix(response, "HTTP/1.0 501") {
		t.Fatalf("response %q", response)
	}
	if elapsed := time.Since(start); elapsed > 750*time.Millisecond {
		t.Fatalf("second client waited %v for the only worker", elapsed)
	}
}

func TestTransactionSummaryIsLogged(t *testing.T) {
	var out strings.Builder
	logger := zerolog.New(&out)
	p, err := CreateProxy(Config{Logger: &logger})
	if err != nil {
		t.Fatal(err)
	}
	client, server := net.Pipe()
	go func() {
		io.WriteString(client, "POST http://example.com/ HTTP/1.0\r\n\r\n")
		io.Copy(io.Discard, client)
		client.Close()
	}()
	p.ServeConn(server, logger)

	log := out.String()
	if !strings.Contains(log, `"message":"Sending response to client"`) || !strings.Contains(log, `"status":"rejected 501; reason=method"`) {
		t.Fatalf("log %s", log)
	}
}
