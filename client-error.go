package blockproxy

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"net/http"
)

// writeClientError sends a minimal HTML error page naming cause.
func writeClientError(w io.Writer, code int, cause, message string) (int, error) {
	reason := http.StatusText(code)
	var body bytes.Buffer
	fmt.Fprintf(&body, "<html><title>Proxy Error</title><body bgcolor=\"ffffff\">\r\n")
	fmt.Fprintf(&body, "%d: %s\r\n", code, reason)
	fmt.Fprintf(&body, "<p>%s: %s\r\n", html.EscapeString(message), html.EscapeString(cause))
	fmt.Fprintf(&body, "<hr><em>blockproxy</em>\r\n</body></html>\r\n")

	var page bytes.Buffer
	fmt.Fprintf(&page, "HTTP/1.0 %d %s\r\n", code, reason)
	fmt.Fprintf(&page, "Content-type: text/html\r\n")
	fmt.Fprintf(&page, "Content-length: %d\r\n\r\n", body.Len())
	page.Write(body.Bytes())
	return w.Write(page.Bytes())
}
