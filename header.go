package blockproxy

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

var (
	ErrMalformedRequest = errors.New("malformed request line")
	ErrHeaderTooLarge   = errors.New("request header block too large")
	errLineTooLong      = errors.New("line too long")
)

// headers that the proxy always sets itself
var replacedHeaders = []string{"Connection", "Proxy-Connection", "User-Agent"}

// readLine returns the next line including its terminator.
// A line that does not fit the reader's buffer yields errLineTooLong.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", errLineTooLong
	}
	return string(line), err
}

// parseRequestLine splits "GET http://host/path HTTP/1.1" into its three fields.
func parseRequestLine(line string) (method, target, version string, err error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return "", "", "", ErrMalformedRequest
	}
	return fields[0], fields[1], fields[2], nil
}

// headerName returns the field name of a header line, or "" if it has none.
func headerName(line string) string {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(line[:i])
}

func isReplacedHeader(name string) bool {
	for _, h := range replacedHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// buildOriginRequest reads the client's header block from r and returns the
// HTTP/1.0 request to send to the origin.
// The client's Host header is kept verbatim, or synthesized from host if missing.
// Connection, Proxy-Connection and User-Agent are replaced by fixed values and
// every other header is passed through. Line endings are normalized to CRLF.
// The header block ends at a blank line or at the end of the stream.
func buildOriginRequest(r *bufio.Reader, host, path string) ([]byte, error) {
	var hostHeader string
	var other bytes.Buffer
	total := 0
	for {
		line, err := readLine(r)
		if errors.Is(err, errLineTooLong) {
			return nil, ErrHeaderTooLarge
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		total += len(line)
		if total > MaxHeaderBytes {
			return nil, ErrHeaderTooLarge
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name := headerName(line)
		switch {
		case strings.EqualFold(name, "Host"):
			hostHeader = line
		case isReplacedHeader(name):
		default:
			other.WriteString(line)
			other.WriteString("\r\n")
		}
		if err != nil {
			// EOF after a final unterminated line
			break
		}
	}
	if hostHeader == "" {
		hostHeader = "Host: " + host
	}

	var req bytes.Buffer
	req.WriteString("GET " + path + " HTTP/1.0\r\n")
	req.WriteString(hostHeader + "\r\n")
	req.Write(other.Bytes())
	req.WriteString("Connection: close\r\n")
	req.WriteString("Proxy-Connection: close\r\n")
	req.WriteString("User-Agent: " + UserAgent + "\r\n")
	req.WriteString("\r\n")
	return req.Bytes(), nil
}
