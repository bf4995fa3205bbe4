package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/akidinvr/proxyrelay/internal/metrics"
	"github.com/akidinvr/proxyrelay/internal/proxyhttp"
	"github.com/akidinvr/proxyrelay/internal/relay"
	"github.com/spf13/cobra"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "proxyrelay",
		Short:        "HTTP/HTTPS intercepting proxy relay",
		Long:         "Run an HTTP/HTTPS proxy that reviews every request and CONNECT tunnel through an external manager channel before forwarding it.",
		SilenceUsage: true,
		RunE:         runServe,
	}

	rootCmd.Flags().Int("port", 8080, "port the proxy listens on")
	rootCmd.Flags().String("manager-token", "", "shared secret required on the manager control-channel upgrade")
	rootCmd.Flags().Duration("decision-timeout", 8*time.Second, "how long to wait for a manager decision before failing the request")
	rootCmd.Flags().Int64("max-body-bytes", 10<<20, "max buffered request/response body size (0 = unlimited)")
	rootCmd.Flags().String("connect-mode", "direct", "CONNECT tunnel mode: direct or relayed")
	rootCmd.Flags().Int("max-connections", 0, "max concurrent client connections (0 = unlimited)")
	rootCmd.Flags().String("control-path", "/control", "HTTP path the manager dials to establish the control channel")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for the Prometheus metrics server (e.g. :9090); disabled if empty")

	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	// A nil *metrics.Metrics must reach relay.New as a nil interface, or
	// the relay's nil checks would pass and dereference it.
	var rm relay.Metrics
	if m != nil {
		rm = m
	}
	r := relay.New(cfg, rm, logger)

	mux := http.NewServeMux()
	mux.Handle(cfg.ControlPath, relay.NewUpgradeHandler(r, logger))
	mux.Handle("/", proxyhttp.New(r, m, logger))

	port, _ := cmd.Flags().GetInt("port")
	addr := resolveAddr(port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy listening", "addr", ln.Addr(), "connect-mode", cfg.ConnectMode)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// resolveConfig builds the relay.Config from flags with PROXYRELAY_-style
// env var fallbacks, in the same resolveX(cmd) (T, error) style as
// resolveAuth/resolveHyco in the teacher's main.go.
func resolveConfig(cmd *cobra.Command) (relay.Config, error) {
	cfg := relay.DefaultConfig()

	if v := envOr("MANAGER_TOKEN", ""); v != "" {
		cfg.ManagerToken = v
	}
	if v, _ := cmd.Flags().GetString("manager-token"); v != "" {
		cfg.ManagerToken = v
	}
	if cfg.ManagerToken == "" {
		return cfg, fmt.Errorf("manager token is required: set --manager-token or MANAGER_TOKEN")
	}

	if v := envOr("DECISION_TIMEOUT_MS", ""); v != "" {
		ms, err := time.ParseDuration(v + "ms")
		if err != nil {
			return cfg, fmt.Errorf("invalid DECISION_TIMEOUT_MS %q: %w", v, err)
		}
		cfg.DecisionTimeout = ms
	}
	if cmd.Flags().Changed("decision-timeout") {
		cfg.DecisionTimeout, _ = cmd.Flags().GetDuration("decision-timeout")
	}

	if v := envOr("MAX_BODY_BYTES", ""); v != "" {
		n, err := parseInt64(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_BODY_BYTES %q: %w", v, err)
		}
		cfg.MaxBodyBytes = n
	}
	if cmd.Flags().Changed("max-body-bytes") {
		cfg.MaxBodyBytes, _ = cmd.Flags().GetInt64("max-body-bytes")
	}

	mode := envOr("CONNECT_MODE", "")
	if flagMode, _ := cmd.Flags().GetString("connect-mode"); cmd.Flags().Changed("connect-mode") {
		mode = flagMode
	}
	if mode != "" {
		switch strings.ToLower(mode) {
		case "direct":
			cfg.ConnectMode = relay.ConnectModeDirect
		case "relayed":
			cfg.ConnectMode = relay.ConnectModeRelayed
		default:
			return cfg, fmt.Errorf("invalid connect mode %q: want direct or relayed", mode)
		}
	}

	if v := envOr("MAX_CONNECTIONS", ""); v != "" {
		n, err := parseInt64(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_CONNECTIONS %q: %w", v, err)
		}
		cfg.MaxConnections = int(n)
	}
	if cmd.Flags().Changed("max-connections") {
		cfg.MaxConnections, _ = cmd.Flags().GetInt("max-connections")
	}

	if v, _ := cmd.Flags().GetString("control-path"); v != "" {
		cfg.ControlPath = v
	}

	return cfg, nil
}

func resolveAddr(port int) string {
	if v := envOr("PORT", ""); v != "" {
		return ":" + v
	}
	return fmt.Sprintf(":%d", port)
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr or PROXYRELAY_METRICS_ADDR is set. Returns nil if metrics
// are disabled. The provided context controls the server's lifetime.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = envOr("METRICS_ADDR", "")
	}
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func envOr(suffix, def string) string {
	if v := os.Getenv("PROXYRELAY_" + suffix); v != "" {
		return v
	}
	if v := os.Getenv(suffix); v != "" {
		return v
	}
	return def
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
