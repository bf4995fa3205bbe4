package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/akidinvr/proxyrelay/internal/protocol"
)

// Metrics is the subset of observability hooks the relay package drives
// directly. internal/metrics implements it; tests can supply a stub.
type Metrics interface {
	SetControlChannelConnected(connected bool)
	ObserveDecisionLatency(kind string, d time.Duration)
	IncConnections(kind string)
	IncDecision(kind, action string)
	AddBytes(direction string, n int64)
	IncFrameError()
}

// Config holds the operational knobs of the relay (§6 External Interfaces,
// Environment).
type Config struct {
	ManagerToken    string
	DecisionTimeout time.Duration
	MaxBodyBytes    int64
	ConnectMode     ConnectMode
	MaxConnections  int
	ControlPath     string
}

// ConnectMode selects how CONNECT tunnels are handled (§4.F).
type ConnectMode string

const (
	ConnectModeDirect  ConnectMode = "direct"
	ConnectModeRelayed ConnectMode = "relayed"
)

// DefaultConfig matches the defaults named in §6.
func DefaultConfig() Config {
	return Config{
		DecisionTimeout: 8 * time.Second,
		MaxBodyBytes:    10 << 20,
		ConnectMode:     ConnectModeDirect,
		ControlPath:     "/control",
	}
}

// Relay is the process-wide aggregate of components B, C, D and G: one
// connection registry, one pending-decision table, and at most one current
// manager channel. The registry and the pending table each carry their own
// lock; mu guards only the current manager and the generation counter.
type Relay struct {
	cfg     Config
	logger  *slog.Logger
	metrics Metrics

	registry *Registry
	pending  *PendingTable
	sem      *connSemaphore

	mu         sync.Mutex
	manager    *Manager
	generation uint64
}

// New constructs a Relay ready to accept a manager channel and client
// connections.
func New(cfg Config, metrics Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		registry: NewRegistry(),
		pending:  NewPendingTable(),
		sem:      newConnSemaphore(cfg.MaxConnections),
	}
}

// Config returns the relay's operating configuration.
func (r *Relay) Config() Config { return r.cfg }

// Registry returns the connection registry (component B).
func (r *Relay) Registry() *Registry { return r.registry }

// AcquireSlot reserves one of MaxConnections tracked-connection slots. It
// returns false if the relay is at capacity or ctx is done.
func (r *Relay) AcquireSlot(ctx context.Context) bool { return r.sem.tryAcquire(ctx) }

// ReleaseSlot returns a slot acquired by AcquireSlot.
func (r *Relay) ReleaseSlot() { r.sem.release() }

// AdoptManager installs conn as the current manager channel (§9 Design
// Notes, manager-channel handover). Any previous manager is torn down —
// synchronously, including FailAll and registry.CloseAll — before the new
// one is installed, so no RPC can ever be matched against a channel that
// is mid-teardown.
func (r *Relay) AdoptManager(conn *websocket.Conn, logger *slog.Logger) *Manager {
	r.mu.Lock()
	old := r.manager
	r.mu.Unlock()

	if old != nil {
		old.teardown(ErrManagerDisconnected)
	}

	r.mu.Lock()
	r.generation++
	gen := r.generation
	m := newManager(conn, r, gen, logger)
	r.manager = m
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetControlChannelConnected(true)
	}
	return m
}

// detachManager clears r.manager if m is still the current one. Called
// from Manager.teardown; a no-op if m has already been superseded.
func (r *Relay) detachManager(m *Manager) {
	r.mu.Lock()
	if r.manager == m {
		r.manager = nil
	}
	r.mu.Unlock()
}

// CurrentManager returns the current manager channel, or nil if none is
// connected.
func (r *Relay) CurrentManager() *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manager
}

// RequestReview runs the review RPC against the current manager. It
// returns ErrManagerNotConnected immediately if no manager is attached,
// matching §5's fail-closed requirement.
func (r *Relay) RequestReview(ctx context.Context, f protocol.Frame) (protocol.Frame, error) {
	m := r.CurrentManager()
	if m == nil {
		return protocol.Frame{}, ErrManagerNotConnected
	}
	start := timeNow()
	reply, err := m.SendReview(ctx, f, r.cfg.DecisionTimeout)
	if r.metrics != nil {
		r.metrics.ObserveDecisionLatency(string(f.Kind), timeNow().Sub(start))
	}
	return reply, err
}

// timeNow is a package-level seam that tests can replace to stub
// elapsed-time measurement; production code just calls time.Now.
var timeNow = time.Now
