package blockproxy

import "io"

// responseSaver writes the relayed response to the client and keeps a copy
// in buf for as long as the whole response fits.
type responseSaver struct {
	w        io.Writer
	buf      []byte
	size     int
	written  int64
	overflow bool
}

func newResponseSaver(w io.Writer, buf []byte) *responseSaver {
	return &responseSaver{w: w, buf: buf}
}

// Implementation of io.Writer
func (s *responseSaver) Write(b []byte) (int, error) {
	n, err := s.w.Write(b)
	s.written += int64(n)
	if !s.overflow {
		if s.size+len(b) <= len(s.buf) {
			s.size += copy(s.buf[s.size:], b)
		} else {
			// once exceeded, the copy can never be complete again
			s.overflow = true
		}
	}
	return n, err
}

// Response returns the saved copy, or false if the response did not fit.
func (s *responseSaver) Response() ([]byte, bool) {
	if s.overflow {
		return nil, false
	}
	return s.buf[:s.size], true
}

// Written is the number of bytes written to the client.
func (s *responseSaver) Written() int64 {
	return s.written
}
