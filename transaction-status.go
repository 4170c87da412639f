package blockproxy

import "fmt"

type Outcome string

const (
	// The response came from the cache.
	OutcomeHit Outcome = "hit"

	// The response was relayed from the origin, whether or not it was stored.
	OutcomeServed Outcome = "served"

	// The request was answered with an error page.
	OutcomeRejected Outcome = "rejected"

	// The transaction stopped on a network error. The client may have
	// received nothing or a truncated response.
	OutcomeAborted Outcome = "aborted"
)

type Reason string

const (
	// The request method is not GET.
	ReasonMethod Reason = "method"

	// The request line could not be split into method, target and version.
	ReasonMalformedRequest Reason = "malformed-request"

	// The request target has no host or a broken port.
	ReasonMalformedTarget Reason = "malformed-target"

	// The client header block exceeds MaxHeaderBytes.
	ReasonHeaderTooLarge Reason = "header-too-large"

	// Reading the request from the client failed.
	ReasonClientRead Reason = "client-read"

	// Writing to the client failed.
	ReasonClientWrite Reason = "client-write"

	// The origin could not be reached.
	ReasonConnect Reason = "connect"

	// Sending the request to the origin failed.
	ReasonOriginWrite Reason = "origin-write"

	// Reading the response from the origin failed.
	ReasonOriginRead Reason = "origin-read"

	// The response was served but is too large to cache.
	ReasonTooLarge Reason = "too-large"

	// The transaction panicked.
	ReasonPanic Reason = "panic"
)

// TransactionStatus describes how a transaction ended.
type TransactionStatus struct {
	Outcome Outcome
	Reason  Reason
	// Code is the status code of an error page sent by the proxy.
	Code int
	// Stored reports whether the relayed response was inserted into the cache.
	Stored bool
	// Bytes written to the client.
	Bytes int64
}

func (ts *TransactionStatus) Hit() {
	ts.Outcome = OutcomeHit
}

func (ts *TransactionStatus) Serve() {
	ts.Outcome = OutcomeServed
}

func (ts *TransactionStatus) Store() {
	ts.Stored = true
}

func (ts *TransactionStatus) Reject(code int, reason Reason) {
	ts.Outcome = OutcomeRejected
	ts.Code = code
	ts.Reason = reason
}

func (ts *TransactionStatus) Abort(reason Reason) {
	ts.Outcome = OutcomeAborted
	ts.Reason = reason
}

func (ts TransactionStatus) String() string {
	status := string(ts.Outcome)
	if ts.Code != 0 {
		status = fmt.Sprintf("%s %d", status, ts.Code)
	}
	if ts.Reason != "" {
		status = status + "; reason=" + string(ts.Reason)
	}
	if ts.Stored {
		status = status + "; stored"
	}
	return status
}
