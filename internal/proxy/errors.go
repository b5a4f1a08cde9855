package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTargetUnavailable is reported when the bound target is DOWN or cannot
	// be connected to.
	ErrTargetUnavailable = errors.New("target unavailable")
	// ErrUpstreamReset is reported when the upstream connection fails after
	// forwarding began.
	ErrUpstreamReset = errors.New("upstream reset")
)

// Failure kinds, used in error bodies, the X-Gateway-Error header, logs and
// metrics.
const (
	kindNoRoute           = "no_route"
	kindUnknownTarget     = "unknown_target"
	kindTargetUnavailable = "target_unavailable"
	kindUpstreamReset     = "upstream_reset"
	kindClientClosed      = "client_closed"
	kindOK                = "ok"
)

// statusClientClosedRequest is recorded, never written, when the client
// disconnects before the upstream answered.
const statusClientClosedRequest = 499

// GatewayErrorHeader names the failure kind on gateway-generated responses.
const GatewayErrorHeader = "X-Gateway-Error"

// DialError is returned by the transport pool when a connection to a target
// could not be established.
type DialError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s failed after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// failureBody is the JSON body of gateway-generated error responses.
type failureBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeFailure(w http.ResponseWriter, kind string, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(GatewayErrorHeader, kind)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(failureBody{Error: kind, Message: message})
}
