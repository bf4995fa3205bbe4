package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/akidinvr/proxyrelay/internal/protocol"
)

const (
	keepaliveInterval = 30 * time.Second
	keepaliveTimeout  = 10 * time.Second
)

// Manager owns the single authenticated control-channel connection (§4.D).
// It serializes outbound writes, dispatches inbound frames to the pending
// table and connection registry, and runs the keepalive heartbeat. Exactly
// one Manager is current on a Relay at a time; see Relay.AdoptManager.
type Manager struct {
	conn       *websocket.Conn
	relay      *Relay
	generation uint64
	logger     *slog.Logger

	writeMu sync.Mutex

	teardownOnce sync.Once
	done         chan struct{}
}

func newManager(conn *websocket.Conn, r *Relay, generation uint64, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conn:       conn,
		relay:      r,
		generation: generation,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run drives the manager channel until it disconnects or ctx is cancelled.
// It blocks for the lifetime of the connection; the caller (the Upgrade
// Gate's HTTP handler) should call it and let it return when the upgraded
// request should complete.
func (m *Manager) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.keepaliveLoop(runCtx, cancel)
	}()
	go func() {
		defer wg.Done()
		m.readLoop(runCtx, cancel)
	}()
	wg.Wait()

	m.teardown(ErrManagerDisconnected)
}

func (m *Manager) keepaliveLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, keepaliveTimeout)
			err := m.conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				m.logger.Warn("manager keepalive probe not acknowledged", "generation", m.generation, "error", err)
				cancel()
				return
			}
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		_, data, err := m.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Info("manager channel read failed", "generation", m.generation, "error", err)
			}
			cancel()
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			decodeErr := fmt.Errorf("%w: %v", ErrProtocolViolation, err)
			m.logger.Warn("dropping malformed frame from manager", "generation", m.generation, "error", decodeErr)
			if m.relay.metrics != nil {
				m.relay.metrics.IncFrameError()
			}
			continue
		}
		m.dispatch(ctx, f)
	}
}

// dispatch applies the Inbound dispatch rules of §4.D.
func (m *Manager) dispatch(ctx context.Context, f protocol.Frame) {
	switch f.Type {
	case protocol.TypeDecision:
		m.relay.pending.Complete(f.ID, f)
	case protocol.TypeData:
		sock, ok := m.relay.registry.Lookup(f.ID)
		if !ok {
			return // benign race with Unregister; drop the frame
		}
		payload, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			decodeErr := fmt.Errorf("%w: %v", ErrProtocolViolation, err)
			m.logger.Warn("dropping data frame with invalid base64", "id", f.ID, "error", decodeErr)
			if m.relay.metrics != nil {
				m.relay.metrics.IncFrameError()
			}
			return
		}
		if _, err := sock.Write(payload); err != nil {
			m.logger.Debug("write to client socket failed", "id", f.ID, "error", err)
			return
		}
		if m.relay.metrics != nil {
			m.relay.metrics.AddBytes("to_client", int64(len(payload)))
		}
	case protocol.TypeEnd:
		sock, ok := m.relay.registry.Lookup(f.ID)
		if !ok {
			return
		}
		m.relay.registry.Unregister(f.ID)
		halfClose(sock)
	default:
		// review-request / response-review arriving inbound, or anything
		// else: not a frame the manager should be sending us. Ignored.
	}
}

// halfClose half-closes the write side of sock if it supports it,
// otherwise closes it outright.
func halfClose(sock net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := sock.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	_ = sock.Close()
}

// SendReview performs the review RPC (§4.D Contract): it assigns a
// RequestId if f.ID is empty, registers a waiter with the given deadline,
// writes the frame, and waits for the matching decision frame.
func (m *Manager) SendReview(ctx context.Context, f protocol.Frame, deadline time.Duration) (protocol.Frame, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	ch := m.relay.pending.Register(f.ID)
	if err := m.writeFrame(ctx, f); err != nil {
		m.relay.pending.remove(f.ID)
		return protocol.Frame{}, err
	}
	return m.relay.pending.Wait(ctx, f.ID, ch, deadline)
}

// SendData writes a data frame carrying payload for connection id, used by
// relayed-mode CONNECT handling (§4.F).
func (m *Manager) SendData(ctx context.Context, id, host, port string, payload []byte) error {
	return m.writeFrame(ctx, protocol.Frame{
		Type: protocol.TypeData,
		ID:   id,
		Host: host,
		Port: port,
		Data: base64.StdEncoding.EncodeToString(payload),
	})
}

// SendEnd writes an end frame for connection id.
func (m *Manager) SendEnd(ctx context.Context, id string) error {
	return m.writeFrame(ctx, protocol.Frame{Type: protocol.TypeEnd, ID: id})
}

// writeFrame serializes frames onto the wire so they never interleave
// (§5 Ordering guarantees).
func (m *Manager) writeFrame(ctx context.Context, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.conn.Write(ctx, websocket.MessageText, data)
}

// Close forces the channel closed, triggering Run's teardown path.
func (m *Manager) Close() {
	_ = m.conn.Close(websocket.StatusNormalClosure, "superseded")
}

// teardown runs exactly once per Manager: it detaches itself from the
// Relay if still current, fails every pending waiter, closes every
// registered client socket (§4.D Keepalive: "closed, not stranded"), and
// closes the underlying connection.
func (m *Manager) teardown(reason error) {
	m.teardownOnce.Do(func() {
		m.relay.detachManager(m)
		m.relay.pending.FailAll(reason)
		m.relay.registry.CloseAll()
		var closeErr websocket.CloseError
		if err := m.conn.Close(websocket.StatusNormalClosure, ""); err != nil && !errors.As(err, &closeErr) {
			m.logger.Debug("closing manager connection", "error", err)
		}
		if m.relay.metrics != nil {
			m.relay.metrics.SetControlChannelConnected(false)
		}
		m.logger.Info("manager channel disconnected", "generation", m.generation, "reason", reason)
		close(m.done)
	})
}
