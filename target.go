package blockproxy

import (
	"errors"
	"strconv"
	"strings"
)

var ErrMalformedTarget = errors.New("malformed request target")

// parseTarget splits a request target such as http://host:8080/path into
// host, port and path. The port defaults to 80 and the path to "/".
//
// The host ends at the first ':' after the scheme separator, or failing that
// at the first '/'. A ':' must be followed by a decimal port, which runs
// straight into the path.
func parseTarget(target string) (host string, port int, path string, err error) {
	rest := target
	if i := strings.Index(rest, "//"); i >= 0 {
		rest = rest[i+2:]
	}

	port = 80
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		host = rest[:i]
		after := rest[i+1:]
		digits := 0
		for digits < len(after) && after[digits] >= '0' && after[digits] <= '9' {
			digits++
		}
		if digits == 0 {
			return "", 0, "", ErrMalformedTarget
		}
		port, err = strconv.Atoi(after[:digits])
		if err != nil || port < 1 || port > 65535 {
			return "", 0, "", ErrMalformedTarget
		}
		path = after[digits:]
	} else if i := strings.IndexByte(rest, '/'); i >= 0 {
		host = rest[:i]
		path = rest[i:]
	} else {
		host = rest
	}

	if host == "" {
		return "", 0, "", ErrMalformedTarget
	}
	if path == "" {
		path = "/"
	}
	return host, port, path, nil
}
