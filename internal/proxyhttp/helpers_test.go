package proxyhttp

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/akidinvr/proxyrelay/internal/relay"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// connectManager starts a relay and dials a scripted manager connection
// into it, returning the relay and the manager-side websocket so the test
// can drive the review protocol directly.
func connectManager(t *testing.T, cfg relay.Config) (*relay.Relay, *websocket.Conn) {
	t.Helper()
	r := relay.New(cfg, nil, discardLogger())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		m := r.AdoptManager(ws, discardLogger())
		m.Run(req.Context())
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial manager: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })

	deadline := time.Now().Add(2 * time.Second)
	for r.CurrentManager() == nil && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	return r, ws
}
