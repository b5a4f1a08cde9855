package websocket

import (
	"encoding/json"
	"net/http"
	"strings"

	ws "nhooyr.io/websocket"
)

// UpgradeError is the JSON body written when a request cannot be upgraded.
type UpgradeError struct {
	Error string `json:"error"`
}

// IsUpgradeRequest reports whether r asks for a WebSocket upgrade.
func IsUpgradeRequest(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") &&
		headerHasToken(r.Header, "Upgrade", "websocket")
}

// RejectNotUpgrade writes a 426 JSON error for plain HTTP requests to a
// WebSocket endpoint.
func RejectNotUpgrade(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Upgrade", "websocket")
	w.WriteHeader(http.StatusUpgradeRequired)
	_ = json.NewEncoder(w).Encode(UpgradeError{Error: "websocket upgrade required"})
}

// Accept upgrades r to a WebSocket connection. Cross-origin browsers are
// accepted only when their host matches one of originPatterns.
func Accept(w http.ResponseWriter, r *http.Request, originPatterns ...string) (*ws.Conn, error) {
	return ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: originPatterns})
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
