package main

import (
	"context"
	"encoding/json"
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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/xlcopilot/internal/api"
	"github.com/kalambet/xlcopilot/internal/config"
	"github.com/kalambet/xlcopilot/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local daemon (HTTP API, state events, optional MCP over stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		origins, _ := cmd.Flags().GetStringSlice("allow-origin")
		return runServer(withMCP, origins)
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
	Short: "Show daemon and session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools on stdin/stdout")
	serveCmd.Flags().StringSlice("allow-origin", nil, "extra browser origins allowed to call the API")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "xlcopilot.pid")
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

func runServer(withMCP bool, origins []string) error {
	fmt.Fprintf(os.Stderr, "xlcopilot version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("xlcopilot is already running (PID %d)", pid)
		}
		return fmt.Errorf("something is already listening on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("closing storage failed", "error", err)
		}
	}()

	a.sessions.OnStateChange(func(s session.State) {
		slog.Debug("session state changed", "state", s)
	})
	if _, err := a.sessions.Bootstrap(ctx); err != nil {
		// The daemon stays up; clients can retry with POST /session.
		slog.Warn("session bootstrap failed", "error", err)
	}

	hub := api.NewHub(origins...)
	detach := hub.Attach(a.store)
	defer detach()

	handler := api.NewAppHandler(api.AppDeps{
		Orchestrator:   a.orch,
		Sessions:       a.sessions,
		Store:          a.store,
		Hub:            hub,
		Token:          apiToken,
		MaxUploadMB:    cfg.Upload.MaxSizeMB,
		AllowedOrigins: origins,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.sessions.Run(gctx)
		return nil
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Orchestrator: a.orch,
			Sessions:     a.sessions,
			Store:        a.store,
			DownloadDir:  ".",
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

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
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("xlcopilot is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop xlcopilot (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to xlcopilot (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var health struct {
		SessionState string `json:"session_state"`
		Backend      *struct {
			Status  string `json:"status"`
			Version string `json:"version"`
		} `json:"backend"`
		BackendError string `json:"backend_error"`
	}
	switch err := client.getJSON(ctx, "/health", &health); {
	case errors.Is(err, errDaemonDown):
		printStatus("Daemon", "stopped")
	case err != nil:
		printStatus("Daemon", "error (%v)", err)
	default:
		printStatus("Daemon", "running on port %d", cfg.Server.Port)
		printStatus("Session", "%s", health.SessionState)
		switch {
		case health.Backend != nil:
			printStatus("Backend", "%s %s", health.Backend.Status, health.Backend.Version)
		case health.BackendError != "":
			printStatus("Backend", "%s", health.BackendError)
		}

		var st struct {
			CurrentFile *struct {
				Filename string `json:"filename"`
			} `json:"current_file"`
			Operations []json.RawMessage `json:"operations"`
		}
		if client.getJSON(ctx, "/state", &st) == nil {
			if st.CurrentFile != nil {
				printStatus("Current file", "%s", st.CurrentFile.Filename)
			}
			printStatus("Operations", "%d", len(st.Operations))
		}
	}

	printStatus("API", "%s", cfg.API.BaseURL)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
