package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/enrichd/internal/api"
	"github.com/kalambet/enrichd/internal/cache"
	"github.com/kalambet/enrichd/internal/config"
	"github.com/kalambet/enrichd/internal/enrich"
	"github.com/kalambet/enrichd/internal/resolver"
	"github.com/kalambet/enrichd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the enrichd server and scheduler (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running enrichd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show enrichd status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "enrichd.pid")
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

func setupLogging(cfg config.LogConfig, w io.Writer) {
	level := slog.LevelInfo
	if strings.EqualFold(cfg.Level, "debug") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

// lookupCache is the cache contract shared by the SQLite store and Redis.
type lookupCache interface {
	enrich.GeoCache
	enrich.WeatherCache
	api.CachePruner
}

func openCache(ctx context.Context, cfg config.CacheConfig, store *storage.Store) (lookupCache, func(), error) {
	if cfg.Backend != config.CacheBackendRedis {
		return store, func() {}, nil
	}
	rs, err := cache.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	return rs, func() {
		if err := rs.Close(); err != nil {
			slog.Warn("closing redis", "error", err)
		}
	}, nil
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "enrichd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	setupLogging(cfg.Log, os.Stderr)

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("enrichd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("enrichd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	printStep("Using %s cache", cfg.Cache.Backend)
	lookups, closeCache, err := openCache(ctx, cfg.Cache, store)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer closeCache()

	httpClient := &http.Client{}
	geoClient := resolver.NewGeoClient(resolver.GeoConfig{
		BaseURL:       cfg.Geo.BaseURL,
		Timeout:       cfg.Geo.Timeout,
		RatePerMinute: cfg.Geo.RatePerMinute,
		HTTPClient:    httpClient,
	})
	weatherClient := resolver.NewWeatherClient(resolver.WeatherConfig{
		BaseURL:       cfg.Weather.BaseURL,
		APIKey:        cfg.Weather.APIKey,
		Units:         cfg.Weather.Units,
		Timeout:       cfg.Weather.Timeout,
		RatePerMinute: cfg.Weather.RatePerMinute,
		HTTPClient:    httpClient,
	})

	orch := enrich.NewOrchestrator(
		store,
		store,
		enrich.NewGeoChain(lookups, geoClient, cfg.Geo.CacheTTL),
		enrich.NewWeatherChain(lookups, weatherClient, cfg.Weather.CacheTTL),
		cfg.Scheduler.Concurrency,
	)
	sched := enrich.NewScheduler(orch, cfg.Scheduler.Interval)

	if cfg.Server.APIToken == "" {
		slog.Warn("no API token configured, HTTP API is unauthenticated")
	}
	handler := api.NewHandler(api.Deps{
		Store:    store,
		Enricher: orch,
		Cache:    lookups,
		Token:    cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Enricher: orch})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "enrichd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)

	// Let the in-flight batch settle before the store closes.
	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
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
		printError("enrichd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop enrichd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to enrichd (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running at %s", client.baseURL)

	resp, err = client.get(ctx, "/status")
	if err != nil {
		return err
	}
	var st api.Status
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	printEnrichmentStatus(st)
	return nil
}

func printEnrichmentStatus(st api.Status) {
	state := "idle"
	if st.Stats.BatchRunning {
		state = "running"
	}
	printStatus("Batch", "%s", state)
	printStatus("Pending", "%d", st.Pending)
	printStatus("Batches", "%d (%d rejected)", st.Stats.Batches, st.Stats.Rejected)
	printStatus("Enriched", "%d", st.Stats.Enriched)
	printStatus("Failed", "%d", st.Stats.Failed)
	if lb := st.Stats.LastBatch; lb != nil {
		printStatus("Last batch", "%s, took %s, %d taken, %d enriched",
			lb.StartedAt.Local().Format(time.DateTime), lb.Duration.Round(time.Millisecond), lb.Taken, lb.Enriched)
	}
	if st.Stats.LastError != "" {
		printStatus("Last error", "%s", colorize(colorRed, st.Stats.LastError))
	}
}
