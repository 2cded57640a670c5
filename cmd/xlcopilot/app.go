package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/xlcopilot/internal/config"
	"github.com/kalambet/xlcopilot/internal/gateway"
	"github.com/kalambet/xlcopilot/internal/orchestrator"
	"github.com/kalambet/xlcopilot/internal/session"
	"github.com/kalambet/xlcopilot/internal/state"
	"github.com/kalambet/xlcopilot/internal/storage"
)

// loadConfig is replaced in tests.
var loadConfig = config.Load

// app is the object graph shared by the daemon and the one-shot commands.
type app struct {
	cfg      config.Config
	db       *storage.Store
	store    *state.Store
	gw       *gateway.Client
	sessions *session.Controller
	orch     *orchestrator.Orchestrator
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func newApp(cfg config.Config) (*app, error) {
	db, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		slog.Warn("opening storage failed, state will not persist", "dir", cfg.Storage.DataDir, "error", err)
		if db, err = storage.Open(":memory:"); err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
	}

	durable := state.NewDurable(db)
	store := state.NewStore(durable)

	snap, err := durable.LoadSnapshot()
	if err != nil {
		slog.Warn("ignoring unreadable client state", "error", err)
	}
	// A first run has no snapshot; start from the configured theme.
	if len(snap.Operations) == 0 && !snap.DarkMode {
		snap.DarkMode = cfg.UI.DarkMode
	}
	store.Hydrate(snap)

	if f, err := durable.LoadCurrentFile(); err != nil {
		slog.Warn("ignoring unreadable current file", "error", err)
	} else if f != nil {
		store.SetCurrentFile(*f)
	}
	if saved, err := durable.LoadLastAnalysis(); err != nil {
		slog.Warn("ignoring unreadable last analysis", "error", err)
	} else if saved != nil {
		a := saved.Analysis
		a.Seq = store.NextAnalysisSeq(saved.FileID)
		store.SetAnalysis(saved.FileID, a)
	}

	gw := gateway.New(cfg.API.BaseURL, cfg.API.Timeout)
	return &app{
		cfg:      cfg,
		db:       db,
		store:    store,
		gw:       gw,
		sessions: session.NewController(gw, durable, store, cfg.Session.RefreshInterval),
		orch: orchestrator.New(gw, store, orchestrator.Options{
			Durable:     durable,
			Downloads:   db,
			MaxUploadMB: cfg.Upload.MaxSizeMB,
		}),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// ensureSession bootstraps a backend session unless one is already cached.
func (a *app) ensureSession(ctx context.Context) error {
	if _, err := a.sessions.Bootstrap(ctx); err != nil {
		if msg := a.store.Error(); msg != "" {
			return errors.New(msg)
		}
		return err
	}
	return nil
}

// withApp loads config, builds the app and runs fn with the command's context.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, a)
}
