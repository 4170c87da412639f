package blockproxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/always-cache/blockproxy/journal"

	"github.com/rs/zerolog"
)

// transaction is one request/response exchange on a client connection.
type transaction struct {
	p       *Proxy
	client  net.Conn
	out     idleConn
	addr    string
	reader  *bufio.Reader
	log     zerolog.Logger
	started time.Time
	method  string
	target  string
	status  TransactionStatus
}

func (p *Proxy) newTransaction(conn net.Conn, log zerolog.Logger) *transaction {
	client := ""
	if addr := conn.RemoteAddr(); addr != nil {
		client = addr.String()
	}
	return &transaction{
		p:       p,
		client:  conn,
		out:     idleConn{Conn: conn, timeout: p.clientTimeout},
		addr:    client,
		reader:  bufio.NewReaderSize(conn, MaxLineBytes),
		log:     log.With().Str("client", client).Logger(),
		started: time.Now(),
	}
}

func (t *transaction) run() {
	// the request must arrive within clientTimeout; writes to the client
	// go through t.out and only time out when the client stops reading
	if t.p.clientTimeout > 0 {
		t.client.SetReadDeadline(t.started.Add(t.p.clientTimeout))
	}

	line, err := readLine(t.reader)
	if errors.Is(err, errLineTooLong) {
		t.reject(http.StatusBadRequest, ReasonMalformedRequest, "request line too long", "Proxy could not read request")
		return
	}
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		t.abort(ReasonClientRead, err)
		return
	}
	method, target, _, err := parseRequestLine(line)
	if err != nil {
		t.reject(http.StatusBadRequest, ReasonMalformedRequest, strings.TrimSpace(line), "Proxy could not parse request line")
		return
	}
	t.method, t.target = method, target
	t.log = t.log.With().Str("method", method).Str("url", target).Logger()
	if !strings.EqualFold(method, http.MethodGet) {
		t.reject(http.StatusNotImplemented, ReasonMethod, method, "Proxy does not implement this method")
		return
	}

	if data, ok := t.p.cache.Lookup(target); ok {
		t.status.Hit()
		n, err := t.out.Write(data)
		t.status.Bytes = int64(n)
		if err != nil {
			t.abort(ReasonClientWrite, err)
		}
		return
	}

	host, port, path, err := parseTarget(target)
	if err != nil {
		t.reject(http.StatusBadRequest, ReasonMalformedTarget, target, "Proxy could not parse request target")
		return
	}
	request, err := buildOriginRequest(t.reader, host, path)
	if errors.Is(err, ErrHeaderTooLarge) {
		t.reject(http.StatusBadRequest, ReasonHeaderTooLarge, "header block too large", "Proxy could not read request")
		return
	}
	if err != nil {
		t.abort(ReasonClientRead, err)
		return
	}

	t.forward(net.JoinHostPort(host, strconv.Itoa(port)), request)
}

// forward sends request to the origin at addr and relays the response,
// storing it in the cache if it was relayed completely and fits.
func (t *transaction) forward(addr string, request []byte) {
	ctx := context.Background()
	if t.p.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.p.dialTimeout)
		defer cancel()
	}
	origin, err := t.p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.abort(ReasonConnect, err)
		return
	}
	defer origin.Close()
	o := idleConn{Conn: origin, timeout: t.p.originTimeout}
	t.log.Trace().Str("origin", addr).Msg("Forwarding request to origin")

	if _, err := o.Write(request); err != nil {
		t.abort(ReasonOriginWrite, err)
		return
	}

	buf := t.p.buffers.Get()
	defer t.p.buffers.Put(buf)
	saver := newResponseSaver(t.out, buf)
	readErr, writeErr := relay(saver, bufio.NewReaderSize(o, MaxLineBytes), t.log)
	t.status.Bytes = saver.Written()
	if writeErr != nil {
		t.abort(ReasonClientWrite, writeErr)
		return
	}
	if readErr != nil {
		t.abort(ReasonOriginRead, readErr)
		return
	}

	t.status.Serve()
	response, ok := saver.Response()
	switch {
	case !ok:
		t.status.Reason = ReasonTooLarge
	case len(response) == 0:
		// nothing worth storing
	default:
		if err := t.p.cache.Insert(t.target, response); err == nil {
			t.status.Store()
		}
	}
}

// relay copies the origin response to dst line by line until the origin closes.
// It returns the first read error from src or write error to dst.
func relay(dst io.Writer, src *bufio.Reader, log zerolog.Logger) (readErr, writeErr error) {
	for {
		line, err := src.ReadSlice('\n')
		if len(line) > 0 {
			log.Trace().Int("bytes", len(line)).Msg("Relaying response line")
			if _, err := dst.Write(line); err != nil {
				return nil, err
			}
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			return nil, nil
		default:
			return err, nil
		}
	}
}

func (t *transaction) reject(code int, reason Reason, cause, message string) {
	t.status.Reject(code, reason)
	n, err := writeClientError(t.out, code, cause, message)
	t.status.Bytes = int64(n)
	if err != nil {
		t.log.Debug().Err(err).Msg("Could not send error page")
		return
	}
	t.lingerClose()
}

const (
	lingerTimeout = 250 * time.Millisecond
	lingerBytes   = 64 << 10
)

// lingerClose half-closes the client connection and discards whatever the
// client still sends, so that closing with unread input does not reset the
// connection before the client has read the error page.
func (t *transaction) lingerClose() {
	cw, ok := t.client.(interface{ CloseWrite() error })
	if !ok || cw.CloseWrite() != nil {
		return
	}
	t.client.SetReadDeadline(time.Now().Add(lingerTimeout))
	io.Copy(io.Discard, io.LimitReader(t.reader, lingerBytes))
}

func (t *transaction) abort(reason Reason, err error) {
	t.status.Abort(reason)
	event := t.log.Warn()
	if errors.Is(err, io.EOF) {
		// client went away before sending anything
		event = t.log.Debug()
	}
	event.Err(err).Str("reason", string(reason)).Msg("Transaction aborted")
}

// finish counts the transaction and queues it for the journal.
func (p *Proxy) finish(t *transaction) {
	p.stats.count(t.status.Outcome)
	duration := time.Since(t.started)
	t.log.Debug().
		Str("status", t.status.String()).
		Int64("bytes", t.status.Bytes).
		Bool("hit", t.status.Outcome == OutcomeHit).
		Dur("duration", duration).
		Msg("Sending response to client")

	if p.recorder == nil {
		return
	}
	p.recorder.Record(journal.Entry{
		StartedAt: t.started,
		Client:    t.addr,
		Method:    t.method,
		Target:    t.target,
		Outcome:   string(t.status.Outcome),
		Reason:    string(t.status.Reason),
		Bytes:     t.status.Bytes,
		Duration:  duration,
	})
}
