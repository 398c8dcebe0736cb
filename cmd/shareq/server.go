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

	"github.com/hashicorp/go-multierror"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/shareq/internal/api"
	"github.com/kalambet/shareq/internal/capture"
	"github.com/kalambet/shareq/internal/config"
	"github.com/kalambet/shareq/internal/delivery"
	"github.com/kalambet/shareq/internal/enrich"
	"github.com/kalambet/shareq/internal/logging"
	"github.com/kalambet/shareq/internal/network"
	"github.com/kalambet/shareq/internal/retry"
	"github.com/kalambet/shareq/internal/storage"
	"github.com/kalambet/shareq/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		offline, _ := cmd.Flags().GetBool("offline")
		return runServer(serveOptions{mcp: withMCP, offline: offline})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
	serveCmd.Flags().Bool("offline", false, "start with the network signal forced offline (queue only)")
}

type serveOptions struct {
	mcp     bool
	offline bool
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "shareq.pid")
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

func runServer(opts serveOptions) (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logCloser, err := logging.Setup(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer logCloser.Close()
	slog.Info("shareq starting", "version", version, "data_dir", cfg.Storage.DataDir)

	if err := config.EnsureServerToken(&cfg); err != nil {
		return fmt.Errorf("initializing server token: %w", err)
	}
	if cfg.Transport.APIToken == "" {
		slog.Warn("no backend API token configured, deliveries will be rejected until one is set",
			"hint", config.MissingTokenHint())
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
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
		if cerr := store.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("closing storage: %w", cerr)).ErrorOrNil()
		}
	}()

	transport := delivery.NewHTTPTransport(cfg.Transport.BaseURL, cfg.Transport.APIToken, cfg.Transport.Timeout)

	var (
		sig   network.Signal
		probe *network.Probe
	)
	if opts.offline {
		sig = network.NewStatic(false)
	} else {
		probe = network.NewProbe(cfg.Transport.BaseURL, cfg.Network.ProbeInterval)
		sig = probe
	}

	engine := syncer.New(store, transport, sig, syncer.Options{
		MaxQueueSize: cfg.Queue.MaxSize,
		Retention:    cfg.Queue.Retention,
		Interval:     cfg.Sync.Interval,
		Policy: retry.Policy{
			MaxRetries: cfg.Retry.MaxRetries,
			Base:       cfg.Retry.Base,
			Cap:        cfg.Retry.Cap,
			Jitter:     cfg.Retry.Jitter,
		},
	})
	engine.Subscribe(logEvent)

	var enrichers enrich.Chain
	if cfg.Enrich.URLTitles {
		enrichers = append(enrichers, enrich.NewURLTitle(0))
	}
	if cfg.Enrich.PDFPreview {
		enrichers = append(enrichers, enrich.PDFPreview{})
	}
	var enricher capture.Enricher
	if len(enrichers) > 0 {
		enricher = enrichers
	}
	dispatcher := capture.NewDispatcher(engine, cfg.Capture.DedupeWindow, enricher)

	deps := api.Deps{
		Engine:  engine,
		Surface: dispatcher,
		Token:   cfg.Server.Token,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Start(gctx)
	})

	if probe != nil {
		g.Go(func() error {
			probe.Run(gctx)
			return nil
		})
	}

	if cfg.Capture.InboxDir != "" {
		inbox := capture.NewInbox(cfg.Capture.InboxDir, dispatcher, 0)
		g.Go(func() error {
			if err := inbox.Run(gctx); err != nil {
				return fmt.Errorf("inbox: %w", err)
			}
			return nil
		})
		slog.Info("watching inbox", "dir", cfg.Capture.InboxDir)
	}

	if opts.mcp {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		slog.Info("shareq listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// logEvent records status transitions at a level that matches how much a
// user would care.
func logEvent(ev syncer.Event) {
	switch ev.Type {
	case syncer.EventReauthRequired:
		slog.Warn("backend credentials rejected, sync paused until reauth")
	case syncer.EventStatusChanged:
		c := ev.Change
		if c.To == storage.StatusFailed {
			attrs := []any{"id", c.ID, "attempts", c.AttemptCount}
			if c.LastError != nil {
				attrs = append(attrs, "kind", c.LastError.Kind, "error", c.LastError.Message)
			}
			slog.Warn("share failed permanently", attrs...)
			return
		}
		slog.Debug("share status changed", "id", c.ID, "from", c.From, "to", c.To)
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("shareq is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop shareq (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to shareq (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if probeResp, err := client.Get(strings.TrimRight(cfg.Transport.BaseURL, "/") + "/health"); err != nil {
		printStatus("Backend", "unreachable at %s", cfg.Transport.BaseURL)
	} else {
		probeResp.Body.Close()
		printStatus("Backend", "reachable at %s", cfg.Transport.BaseURL)
	}

	if cfg.Transport.APIToken == "" {
		printWarning("No backend API token: %s", config.MissingTokenHint())
	}

	if running && cfg.Server.Token != "" {
		c := &apiClient{baseURL: serverURL, token: cfg.Server.Token, httpClient: client}
		if resp, err := c.get(ctx, "/stats"); err == nil {
			var st api.StatsResponse
			if decodeJSON(resp, &st) == nil {
				printStatus("Queue", "%d pending, %d failed, %d total", st.Queue.Pending, st.Queue.Failed, st.Queue.Total)
				printEngineState(st.Engine)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
