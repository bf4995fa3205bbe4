package proxyhttp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/akidinvr/proxyrelay/internal/protocol"
	"github.com/akidinvr/proxyrelay/internal/relay"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// tcpKeepAlive matches the interval the teacher's relay-listener used for
// dialed target connections.
const tcpKeepAlive = 30 * time.Second

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	if h.Metrics != nil {
		h.Metrics.IncConnections("connect")
	}

	host, port, err := net.SplitHostPort(r.RequestURI)
	if err != nil {
		http.Error(w, "malformed CONNECT target", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	decision, err := h.Relay.RequestReview(r.Context(), protocol.Frame{
		Type:    protocol.TypeReviewRequest,
		ID:      id,
		Kind:    protocol.KindConnect,
		Host:    host,
		Port:    port,
		Headers: headerToMap(r.Header),
	})
	if err != nil {
		h.writeReviewError(w, "connect", err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.IncDecision("connect", string(decision.Action))
	}
	if decision.Action == protocol.ActionReject {
		rejected := &relay.ErrManagerRejected{Reason: decision.Reason}
		http.Error(w, decision.Reason, http.StatusForbidden)
		h.Logger.Debug("connect rejected by manager", "error", rejected)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection does not support hijacking", http.StatusInternalServerError)
		return
	}
	clientConn, buf, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}

	// Any bytes the client sent immediately after the CONNECT request
	// line are already sitting in buf's internal buffer, not on the
	// socket, so they must be drained explicitly before the raw conn is
	// used for splicing or relaying (§4.F: "flush any head bytes").
	head := drainBuffered(buf.Reader)

	switch h.Relay.Config().ConnectMode {
	case relay.ConnectModeRelayed:
		h.connectRelayed(r.Context(), clientConn, head, host, port)
	default:
		h.connectDirect(r.Context(), clientConn, head, host, port)
	}
}

func drainBuffered(r *bufio.Reader) []byte {
	n := r.Buffered()
	if n == 0 {
		return nil
	}
	head := make([]byte, n)
	_, _ = io.ReadFull(r, head)
	return head
}

// connectDirect dials the target and splices bytes directly, bypassing
// the manager channel once the intent has been approved (§4.F
// direct-splice mode).
func (h *Handler) connectDirect(ctx context.Context, clientConn net.Conn, head []byte, host, port string) {
	defer clientConn.Close()

	target, err := net.Dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		dialErr := fmt.Errorf("%w: %v", relay.ErrTargetFailure, err)
		h.Logger.Warn("CONNECT dial failed", "host", host, "port", port, "error", dialErr)
		_, _ = clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer target.Close()
	relay.SetTCPKeepAlive(target, tcpKeepAlive)

	if _, err := clientConn.Write([]byte(connectEstablished)); err != nil {
		return
	}
	if len(head) > 0 {
		if _, err := target.Write(head); err != nil {
			return
		}
	}

	if _, err := relay.Splice(clientConn, target); err != nil {
		h.Logger.Debug("CONNECT tunnel ended", "host", host, "port", port, "error", err)
	}
}

// connectRelayed registers the client socket and relays every chunk
// through the manager channel as data frames (§4.F relayed mode).
func (h *Handler) connectRelayed(ctx context.Context, clientConn net.Conn, head []byte, host, port string) {
	defer clientConn.Close()

	m := h.Relay.CurrentManager()
	if m == nil {
		_, _ = clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}

	id := h.Relay.Registry().Register(clientConn)
	if h.Metrics != nil {
		h.Metrics.SetActiveConnections(h.Relay.Registry().Len())
	}
	if _, err := clientConn.Write([]byte(connectEstablished)); err != nil {
		h.Relay.Registry().Unregister(id)
		return
	}

	if len(head) > 0 {
		if err := m.SendData(ctx, id, host, port, head); err != nil {
			h.Relay.Registry().Unregister(id)
			return
		}
		if h.Metrics != nil {
			h.Metrics.AddBytes("to_target", int64(len(head)))
		}
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := clientConn.Read(buf)
		if n > 0 {
			if h.Metrics != nil {
				h.Metrics.AddBytes("to_target", int64(n))
			}
			if sendErr := m.SendData(ctx, id, host, port, buf[:n]); sendErr != nil {
				h.Logger.Debug("failed to relay data frame", "id", id, "error", sendErr)
				break
			}
		}
		if err != nil {
			break
		}
	}

	h.Relay.Registry().Unregister(id)
	if h.Metrics != nil {
		h.Metrics.SetActiveConnections(h.Relay.Registry().Len())
	}
	_ = m.SendEnd(ctx, id)
}
