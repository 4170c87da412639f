package blockproxy

import (
	"net"
	"time"
)

// idleConn pushes the read deadline forward before every Read and the write
// deadline before every Write, so a transfer only fails once the peer has
// stalled for timeout. A timeout of zero or less leaves deadlines alone.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c idleConn) Read(b []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(b)
}

func (c idleConn) Write(b []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Write(b)
}
