package relay

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

const tokenHeader = "X-Manager-Token"

// UpgradeHandler implements component G: it authenticates the single
// inbound control-channel connection attempt and, once accepted, hands it
// to Relay.AdoptManager and blocks for the connection's lifetime.
type UpgradeHandler struct {
	relay  *Relay
	logger *slog.Logger
}

// NewUpgradeHandler returns an http.Handler that should be mounted at
// relay's configured ControlPath.
func NewUpgradeHandler(r *Relay, logger *slog.Logger) *UpgradeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpgradeHandler{relay: r, logger: logger}
}

func (h *UpgradeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != h.relay.cfg.ControlPath {
		// §4.G: path mismatch closes the transport without writing an
		// HTTP response, unlike a bad token (401).
		closeWithoutResponse(w)
		return
	}
	if !h.authenticate(r) {
		h.logger.Warn("rejected manager connection: bad token", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	m := h.relay.AdoptManager(conn, h.logger)
	h.logger.Info("manager channel connected", "remote", r.RemoteAddr, "generation", m.generation)
	m.Run(r.Context())
}

// closeWithoutResponse hijacks the underlying connection and closes it
// with nothing written, so the client sees a bare connection close rather
// than any HTTP response.
func closeWithoutResponse(w http.ResponseWriter) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		// No transport-level primitive available; closest fallback that
		// still avoids a 404 response body.
		w.WriteHeader(http.StatusNotFound)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}

// authenticate checks the shared secret named in §4.G: the X-Manager-Token
// header, falling back to a token query parameter for clients that cannot
// set headers on the upgrade request. Comparison is constant-time so
// response timing cannot leak the configured token. An unconfigured token
// fails every attempt — ManagerToken is required, never an opt-in.
func (h *UpgradeHandler) authenticate(r *http.Request) bool {
	want := h.relay.cfg.ManagerToken
	if want == "" {
		return false
	}
	got := r.Header.Get(tokenHeader)
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
