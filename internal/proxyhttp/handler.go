// Package proxyhttp implements the two request-facing surfaces of the
// relay: plaintext absolute-URI forwarding and CONNECT tunneling. Both
// surfaces are reviewed by the manager channel before anything is
// forwarded to a target.
package proxyhttp

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/akidinvr/proxyrelay/internal/metrics"
	"github.com/akidinvr/proxyrelay/internal/protocol"
	"github.com/akidinvr/proxyrelay/internal/relay"
)

// errResponseTooLarge marks a target response that exceeded the configured
// body limit. Unlike an oversized request body, the client never sent these
// bytes, so it surfaces as a 502, not a 413.
var errResponseTooLarge = errors.New("target response exceeds the configured limit")

// readLimited reads r fully, failing with errResponseTooLarge if more than
// max bytes arrive. max <= 0 means unlimited, matching MaxBodyBytes's
// existing convention on the request leg.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > max {
		return nil, errResponseTooLarge
	}
	return body, nil
}

// Handler serves both the HTTP Handler (§4.E) and CONNECT Handler (§4.F)
// surfaces behind a single http.Handler, dispatching on method.
type Handler struct {
	Relay   *relay.Relay
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Transport performs the outbound request to the target. It must
	// never follow redirects — RoundTrip alone guarantees that, whereas
	// an http.Client would not.
	Transport http.RoundTripper
}

// New returns a Handler ready to serve client connections.
func New(r *relay.Relay, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Relay:     r,
		Metrics:   m,
		Logger:    logger,
		Transport: &http.Transport{},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.Relay.AcquireSlot(r.Context()) {
		http.Error(w, "too many concurrent connections", http.StatusServiceUnavailable)
		return
	}
	defer h.Relay.ReleaseSlot()

	if r.Method == http.MethodConnect {
		h.handleConnect(w, r)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "proxy requires an absolute-URI request target", http.StatusBadRequest)
		return
	}
	h.handleHTTP(w, r)
}

func (h *Handler) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Metrics != nil {
		h.Metrics.IncConnections("http")
	}

	maxBody := h.Relay.Config().MaxBodyBytes
	bodyReader := io.Reader(r.Body)
	if maxBody > 0 {
		bodyReader = http.MaxBytesReader(w, r.Body, maxBody)
	}
	body, err := io.ReadAll(bodyReader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body exceeds the configured limit", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	reqFrame := protocol.Frame{
		Type:    protocol.TypeReviewRequest,
		ID:      id,
		Kind:    protocol.KindHTTP,
		Method:  r.Method,
		URL:     r.URL.String(),
		Headers: headerToMap(r.Header),
		Body:    base64.StdEncoding.EncodeToString(body),
	}

	decision, err := h.Relay.RequestReview(r.Context(), reqFrame)
	if err != nil {
		h.writeReviewError(w, "http", err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.IncDecision("http", string(decision.Action))
	}
	if decision.Action == protocol.ActionReject {
		rejected := &relay.ErrManagerRejected{Reason: decision.Reason}
		http.Error(w, decision.Reason, http.StatusForbidden)
		h.Logger.Debug("request rejected by manager", "error", rejected)
		return
	}

	method, url, headers, reqBody := applyModified(r.Method, r.URL.String(), r.Header, body, decision.Modified)

	targetReq, err := http.NewRequestWithContext(r.Context(), method, url, bytes.NewReader(reqBody))
	if err != nil {
		http.Error(w, "invalid request after manager modification", http.StatusBadGateway)
		return
	}
	targetReq.Header = headers

	resp, err := h.Transport.RoundTrip(targetReq)
	if err != nil {
		targetErr := fmt.Errorf("%w: %v", relay.ErrTargetFailure, err)
		h.Logger.Warn("target request failed", "url", url, "error", targetErr)
		http.Error(w, "target request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respBody, err := readLimited(resp.Body, maxBody)
	if err != nil {
		if errors.Is(err, errResponseTooLarge) {
			http.Error(w, "target response exceeds the configured limit", http.StatusBadGateway)
			return
		}
		targetErr := fmt.Errorf("%w: %v", relay.ErrTargetFailure, err)
		h.Logger.Warn("failed to read target response", "url", url, "error", targetErr)
		http.Error(w, "failed to read target response", http.StatusBadGateway)
		return
	}

	respFrame := protocol.Frame{
		Type:    protocol.TypeResponseReview,
		ID:      id,
		Status:  resp.StatusCode,
		Headers: headerToMap(resp.Header),
		Body:    base64.StdEncoding.EncodeToString(respBody),
	}

	respDecision, err := h.Relay.RequestReview(r.Context(), respFrame)
	if err != nil {
		// Degraded-but-correct fallback: the client is never penalized by
		// manager flakiness on the response leg (§4.E step 5).
		h.Logger.Debug("response review unavailable, forwarding original response", "error", err)
		writeResponse(w, resp.StatusCode, resp.Header, respBody)
		return
	}
	if h.Metrics != nil {
		h.Metrics.IncDecision("response", string(respDecision.Action))
	}
	if respDecision.Action == protocol.ActionReject {
		rejected := &relay.ErrManagerRejected{Reason: respDecision.Reason}
		http.Error(w, respDecision.Reason, http.StatusForbidden)
		h.Logger.Debug("response rejected by manager", "error", rejected)
		return
	}

	status, respHeaders, finalBody := applyModifiedResponse(resp.StatusCode, resp.Header, respBody, respDecision.Modified)
	writeResponse(w, status, respHeaders, finalBody)
}

func (h *Handler) writeReviewError(w http.ResponseWriter, kind string, err error) {
	switch {
	case errors.Is(err, relay.ErrManagerNotConnected):
		http.Error(w, "no manager connected", http.StatusBadGateway)
	case errors.Is(err, relay.ErrManagerTimeout), errors.Is(err, relay.ErrManagerDisconnected):
		http.Error(w, "manager did not respond in time", http.StatusGatewayTimeout)
	default:
		h.Logger.Error("review request failed", "kind", kind, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeResponse(w http.ResponseWriter, status int, headers http.Header, body []byte) {
	for k, vs := range headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// headerToMap flattens an http.Header into the single-valued map the wire
// protocol carries, joining repeated header values with a comma.
func headerToMap(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

// applyModified merges a decision's Modified field over the original
// request per §4.E step 3: url, method, headers (shallow merge, manager
// keys override) and body (full replacement) each default to the
// original when absent from Modified.
func applyModified(method, url string, headers http.Header, body []byte, mod *protocol.Modified) (string, string, http.Header, []byte) {
	if mod == nil {
		return method, url, headers.Clone(), body
	}
	if mod.Method != nil {
		method = *mod.Method
	}
	if mod.URL != nil {
		url = *mod.URL
	}
	merged := headers.Clone()
	for k, v := range mod.Headers {
		merged.Set(k, v)
	}
	if mod.Body != nil {
		if decoded, err := base64.StdEncoding.DecodeString(*mod.Body); err == nil {
			body = decoded
		}
	}
	return method, url, merged, body
}

// applyModifiedResponse applies the same merge rule to the response leg
// (§4.E step 6).
func applyModifiedResponse(status int, headers http.Header, body []byte, mod *protocol.Modified) (int, http.Header, []byte) {
	if mod == nil {
		return status, headers.Clone(), body
	}
	if mod.Status != nil {
		status = *mod.Status
	}
	merged := headers.Clone()
	for k, v := range mod.Headers {
		merged.Set(k, v)
	}
	if mod.Body != nil {
		if decoded, err := base64.StdEncoding.DecodeString(*mod.Body); err == nil {
			body = decoded
		}
	}
	return status, merged, body
}
