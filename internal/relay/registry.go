package relay

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

// Registry maps connection ids to the live client socket being tunneled in
// relayed CONNECT mode (§4.B). A record exists here if and only if the
// corresponding client socket is still open and its byte events are being
// forwarded over the manager channel.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]net.Conn
	counter atomic.Uint64
}

// NewRegistry returns an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]net.Conn)}
}

// Register allocates a new connection id and tracks sock under it. Ids are
// a process-monotonic counter rendered as text — unique for the lifetime
// of the process.
func (r *Registry) Register(sock net.Conn) string {
	id := strconv.FormatUint(r.counter.Add(1), 10)
	r.mu.Lock()
	r.conns[id] = sock
	r.mu.Unlock()
	return id
}

// Lookup returns the socket registered under id, if any. A lookup racing
// with a concurrent Unregister is benign: it returns ok=false and the
// caller must drop the frame rather than treat it as an error.
func (r *Registry) Lookup(id string) (net.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sock, ok := r.conns[id]
	return sock, ok
}

// Unregister removes id from the registry without closing the socket; the
// caller owns the close.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// CloseAll closes every registered socket and empties the registry. It is
// called when the manager channel is torn down so that tunneled client
// sockets are closed, not stranded (§4.D Keepalive / Handover).
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]net.Conn)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Len reports the number of currently registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
