package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/wippy/relay/internal/config"
	"github.com/wippy/relay/internal/logging"
	"github.com/wippy/relay/internal/metrics"
	"github.com/wippy/relay/internal/relay/centralhub"
	"github.com/wippy/relay/internal/relay/plugin"
	"github.com/wippy/relay/internal/relay/process"
	"github.com/wippy/relay/internal/relay/registry"
	"github.com/wippy/relay/internal/relay/security"
	"github.com/wippy/relay/internal/relay/transport/wsadapter"
)

var version = "dev"

func main() {
	logging.Setup()

	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}

	logging.PrintBanner(version, cfg.Addr)
	logging.PrintAccessURL(cfg.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// run wires the Central Hub, its User Hub factory, the plugin registry,
// the WebSocket transport and the admin HTTP surface, then blocks until
// ctx is cancelled or one of them fails.
func run(ctx context.Context, cfg *config.Config) error {
	discoverer := registry.NewFileDiscoverer(cfg.RegistryPath, cfg.Host)
	descs, err := discoverer.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover plugin registry: %w", err)
	}
	table, err := registry.Build(descs)
	if err != nil {
		return fmt.Errorf("build plugin table: %w", err)
	}

	actorFactory, err := security.NewBcryptFactory(cfg.SecuritySecret)
	if err != nil {
		return fmt.Errorf("construct security actor factory: %w", err)
	}
	scopeResolver := security.NewStaticScopeResolver(cfg.SecurityScopeName)

	factory := &centralhub.DefaultUserHubFactory{
		Spawner:     &plugin.ExecSpawner{Logger: slog.Default()},
		QueueSize:   cfg.QueueSize(),
		CancelGrace: process.DefaultCancelTimeout,
		Logger:      slog.Default(),
	}

	central, err := centralhub.New(centralhub.Config{
		MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
		InactivityTimeout:     cfg.InactivityTimeout,
		QueueMultiplier:       cfg.QueueMultiplier,
		Host:                  cfg.Host,
		SecurityScopeName:     cfg.SecurityScopeName,
		GCCheckInterval:       cfg.GCCheckInterval(),
	}, centralhub.Dependencies{
		Plugins:       table,
		Factory:       factory,
		ActorFactory:  actorFactory,
		ScopeResolver: scopeResolver,
		Logger:        slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("construct central hub: %w", err)
	}
	factory.Central = central

	centralErrCh := make(chan error, 1)
	go func() { centralErrCh <- central.Run(ctx) }()

	lookup := func(id string) (wsadapter.Target, bool) { return central.Lookup(id) }

	clientServer := newClientServer(cfg.Addr, central, lookup)
	adminServer := newAdminServer(cfg.AdminAddr, central)

	serveErrCh := make(chan error, 2)
	go func() { serveErrCh <- serve(clientServer) }()
	go func() { serveErrCh <- serve(adminServer) }()

	slog.Info("relay listening", "addr", cfg.Addr, "admin_addr", cfg.AdminAddr, "plugins", len(table.All()))

	select {
	case <-ctx.Done():
	case err := <-centralErrCh:
		if err != nil {
			slog.Error("central hub exited", "error", err)
		}
	case err := <-serveErrCh:
		if err != nil {
			slog.Error("http server exited", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = clientServer.Shutdown(shutdownCtx)
	_ = adminServer.Shutdown(shutdownCtx)
	central.Cancel(process.DefaultCancelTimeout)

	return nil
}

func serve(s *http.Server) error {
	err := s.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// newClientServer builds the ws endpoint new connections upgrade
// through (spec.md §2/§6, wsadapter being the reference ClientConn).
func newClientServer(addr string, central *centralhub.Hub, lookup func(string) (wsadapter.Target, bool)) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		userMetadata := requestMetadata(r)

		conn, err := wsadapter.Accept(w, r, central, lookup, slog.Default())
		if err != nil {
			slog.Warn("websocket accept failed", "error", err)
			return
		}
		if err := conn.Serve(r.Context(), userID, userMetadata); err != nil {
			slog.Debug("connection closed", "error", err)
		}
	})

	return &http.Server{
		Addr:              addr,
		Handler:           metrics.HTTPMiddleware(logging.HTTPMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// requestMetadata collects every query parameter but user_id as the
// join-time user_metadata (spec.md §1 names user_id authentication a
// Non-goal, so the client self-reports both).
func requestMetadata(r *http.Request) map[string]any {
	out := make(map[string]any)
	for k, v := range r.URL.Query() {
		if k == "user_id" || len(v) == 0 {
			continue
		}
		out[k] = v[0]
	}
	return out
}

// newAdminServer builds the operator surface: liveness, Prometheus
// exposition, and a read-only snapshot of the hub hierarchy.
func newAdminServer(addr string, central *centralhub.Hub) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/hubs", func(w http.ResponseWriter, r *http.Request) {
		writeHubsSnapshot(w, central)
	})

	h2cHandler := h2c.NewHandler(metrics.HTTPMiddleware(logging.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 100,
	})
	return &http.Server{
		Addr:              addr,
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type hubsSnapshot struct {
	TotalHubs int               `json:"total_hubs"`
	UserHubs  []userHubSnapshot `json:"user_hubs"`
}

type userHubSnapshot struct {
	UserID       string    `json:"user_id"`
	ClientCount  int       `json:"client_count"`
	LastActivity time.Time `json:"last_activity"`
	Terminating  bool      `json:"terminating"`
}

func writeHubsSnapshot(w http.ResponseWriter, central *centralhub.Hub) {
	stats := central.Snapshot()
	out := hubsSnapshot{
		TotalHubs: central.TotalHubs(),
		UserHubs:  make([]userHubSnapshot, 0, len(stats)),
	}
	for _, s := range stats {
		out.UserHubs = append(out.UserHubs, userHubSnapshot{
			UserID:       s.UserID,
			ClientCount:  s.ClientCount,
			LastActivity: s.LastActivity,
			Terminating:  s.Terminating,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
