package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestAdoptManagerTearsDownPreviousBeforeInstallingNew(t *testing.T) {
	r, _ := newTestRelay(DefaultConfig())

	waiter := r.pending.Register("stale-request")
	sock := &capturingConn{}
	r.registry.Register(sock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Manager.Run is deliberately never started for either connection
	// below, so only AdoptManager's own handover path can be responsible
	// for tearing the old one down.
	oldSrv, oldAccepted := acceptRaw(t)
	defer oldSrv.Close()
	oldClient, _, err := websocket.Dial(ctx, wsURL(oldSrv), nil)
	if err != nil {
		t.Fatalf("Dial old: %v", err)
	}
	defer oldClient.Close(websocket.StatusNormalClosure, "")
	oldConn := <-oldAccepted
	r.AdoptManager(oldConn, discardLogger())

	newSrv, newAccepted := acceptRaw(t)
	defer newSrv.Close()
	newClient, _, err := websocket.Dial(ctx, wsURL(newSrv), nil)
	if err != nil {
		t.Fatalf("Dial new: %v", err)
	}
	defer newClient.Close(websocket.StatusNormalClosure, "")
	newConn := <-newAccepted

	r.AdoptManager(newConn, discardLogger())

	select {
	case res := <-waiter:
		if !errors.Is(res.err, ErrManagerDisconnected) {
			t.Fatalf("err = %v, want ErrManagerDisconnected", res.err)
		}
	default:
		t.Fatal("expected the stale waiter to already be resolved by the time AdoptManager returns")
	}
	if !sock.closed {
		t.Fatal("expected the old manager's registered sockets to be closed before handover completes")
	}
	if r.CurrentManager() == nil {
		t.Fatal("expected the new manager to be current")
	}
}

func TestAcquireAndReleaseSlot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	r, _ := newTestRelay(cfg)

	ctx := context.Background()
	if !r.AcquireSlot(ctx) {
		t.Fatal("expected first acquire to succeed")
	}
	if r.AcquireSlot(ctx) {
		t.Fatal("expected second acquire to fail at capacity")
	}
	r.ReleaseSlot()
	if !r.AcquireSlot(ctx) {
		t.Fatal("expected acquire to succeed again after release")
	}
}

// acceptRaw returns an httptest.Server that accepts exactly one websocket
// connection and delivers it on the returned channel.
func acceptRaw(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	ch := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		ch <- ws
		<-req.Context().Done()
	}))
	return srv, ch
}
