package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/advisor/internal/api"
	"github.com/kalambet/advisor/internal/cache"
	"github.com/kalambet/advisor/internal/config"
	"github.com/kalambet/advisor/internal/fallback"
	"github.com/kalambet/advisor/internal/language"
	"github.com/kalambet/advisor/internal/metrics"
	"github.com/kalambet/advisor/internal/orchestrator"
	"github.com/kalambet/advisor/internal/querylog"
	"github.com/kalambet/advisor/internal/queue"
	"github.com/kalambet/advisor/internal/storage"
	"github.com/kalambet/advisor/internal/upstream"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the advisor server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running advisor server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show advisor system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "advisor.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// app is the wired set of components shared by the HTTP and MCP front ends.
type app struct {
	cfg      config.Config
	store    *storage.Store
	sink     *querylog.Sink
	cache    *cache.Cache
	queue    *queue.Queue
	client   *upstream.Client // nil in mock mode
	flusher  *queue.Flusher   // nil in mock mode
	orch     *orchestrator.Orchestrator
	registry *prometheus.Registry
}

func buildApp(cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	sink, err := querylog.Open(cfg.LogDir())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening query logs: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	a := &app{
		cfg:      cfg,
		store:    store,
		sink:     sink,
		cache:    cache.New(store, cache.WithTTL(cfg.Cache.TTL), cache.WithMetrics(m)),
		registry: reg,
	}

	deps := orchestrator.Deps{
		Mode:     orchestrator.ModeMock,
		Cache:    a.cache,
		Fallback: fallback.NewProvider(),
		Language: language.NewNormalizer(language.Passthrough{}),
		Recorder: sink,
		Metrics:  m,
	}

	if cfg.RemoteMode() {
		a.client = upstream.NewClient(cfg.Upstream.URL,
			upstream.WithToken(cfg.Upstream.Token),
			upstream.WithTimeout(cfg.Upstream.Timeout),
			upstream.WithRetry(cfg.Upstream.MaxAttempts, cfg.Upstream.BaseBackoff),
			upstream.WithMetrics(m),
		)
		a.queue = queue.New(store, m)
		a.flusher = queue.NewFlusher(a.queue, orchestrator.ReplayFunc(a.client, sink), cfg.Queue.FlushInterval)
		a.flusher.OnTick = a.pruneCache

		deps.Mode = orchestrator.ModeRemote
		deps.RemoteURL = cfg.Upstream.URL
		deps.Upstream = a.client
		deps.Queue = a.queue
		deps.Flusher = a.flusher

		if n, err := a.queue.Len(); err == nil && n > 0 {
			m.SetQueueDepth(n)
		}
	}

	a.orch, err = orchestrator.New(deps)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("building orchestrator: %w", err)
	}
	return a, nil
}

func (a *app) pruneCache(ctx context.Context) {
	n, err := a.cache.Prune()
	if err != nil {
		slog.WarnContext(ctx, "pruning response cache failed", "error", err)
		return
	}
	if n > 0 {
		slog.InfoContext(ctx, "pruned expired answers", "count", n)
	}
}

// previewer returns the upstream client as an api.Previewer, or nil so the
// preview route reports the service as unavailable.
func (a *app) previewer() api.Previewer {
	if a.client == nil {
		return nil
	}
	return a.client
}

// runBackground starts the flusher, if any, and queues one replay of
// whatever was left pending by a previous run.
func (a *app) runBackground(ctx context.Context, g *errgroup.Group) {
	if a.flusher == nil {
		return
	}
	g.Go(func() error {
		a.flusher.Run(ctx)
		return nil
	})
	if n, err := a.queue.Len(); err == nil && n > 0 {
		slog.Info("replaying requests queued by a previous run", "pending", n)
		a.flusher.Trigger()
	}
}

func (a *app) Close() error {
	return errors.Join(a.sink.Close(), a.store.Close())
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "advisor version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("advisor is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("advisor is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if a.client != nil {
		if a.client.Ping(ctx) {
			slog.Info("remote inference service reachable", "url", a.client.BaseURL())
		} else {
			slog.Warn("remote inference service not reachable; questions will be queued", "url", a.client.BaseURL())
		}
	} else {
		slog.Info("no remote inference service configured; answering from the built-in corpus")
	}

	handler := api.NewHandler(api.Deps{
		Service:        a.orch,
		Previewer:      a.previewer(),
		Gatherer:       a.registry,
		AllowedOrigins: cfg.Server.Origins(),
		DebugToken:     cfg.API.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	a.runBackground(gctx, g)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "advisor listening on %s (%s mode)\n", addr, a.orch.Mode())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("advisor is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop advisor (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to advisor (PID %d)", pid)
	return nil
}

type healthInfo struct {
	Status    string `json:"status"`
	MLOnline  bool   `json:"ml_online"`
	RemoteURL string `json:"remote_url"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient.Timeout = 2 * time.Second

	running := reportServer(ctx, client, cfg.Server.Port)
	if running {
		reportStores(ctx, client)
	} else if cfg.RemoteMode() {
		printStatus("Remote URL", "%s", cfg.Upstream.URL)
	} else {
		printStatus("Mode", "mock")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Log dir", "%s", cfg.LogDir())
	return nil
}

func reportServer(ctx context.Context, client *apiClient, port int) bool {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return false
	}
	var h healthInfo
	if err := decodeJSON(resp, &h); err != nil {
		printStatus("Server", "error (%v)", err)
		return false
	}
	printStatus("Server", "running on port %d", port)
	if h.MLOnline {
		printStatus("Remote ML", "%s", h.RemoteURL)
	} else {
		printStatus("Remote ML", "not configured (mock mode)")
	}
	return true
}

func reportStores(ctx context.Context, client *apiClient) {
	resp, err := client.get(ctx, "/rag_status")
	if err != nil {
		return
	}
	var st orchestrator.Status
	if err := decodeJSON(resp, &st); err != nil {
		printWarning("could not read status: %v", err)
		return
	}
	printStatus("Mode", "%s", st.Mode)
	printStatus("Cached answers", "%s", countLabel(st.CacheEntries))
	printStatus("Queued questions", "%s", countLabel(st.PendingRequests))
}

func countLabel(n int) string {
	if n < 0 {
		return "unknown"
	}
	return strconv.Itoa(n)
}
