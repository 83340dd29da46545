package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/perchlabs/perch/internal/config"
	"github.com/perchlabs/perch/internal/engine"
	"github.com/perchlabs/perch/internal/journal"
	"github.com/perchlabs/perch/internal/logger"
	"github.com/perchlabs/perch/internal/server"
	"github.com/perchlabs/perch/internal/shell"
	"github.com/perchlabs/perch/internal/tailer"
)

func main() {
	root := &cobra.Command{
		Use:   "perchd",
		Short: "perch coding-assistant gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return run(configPath, cmd)
		},
	}
	root.Flags().String("config", "", "path to YAML config file")
	root.Flags().String("addr", "", "listen address (overrides config)")
	root.Flags().String("root", "", "session data directory (overrides config)")
	root.Flags().String("workdir", "", "default working directory (overrides config)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, cmd *cobra.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Addr = v
	}
	if v, _ := cmd.Flags().GetString("root"); v != "" {
		cfg.Root = v
	}
	if v, _ := cmd.Flags().GetString("workdir"); v != "" {
		cfg.Workdir = v
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	store := journal.NewStore(cfg.Root)
	if err := store.Init(); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	shells := shell.NewRegistry(shell.Config{
		Workdir:      cfg.Workdir,
		Muxer:        cfg.Muxer,
		BootCmd:      cfg.BootCmd,
		HistoryLimit: cfg.HistoryLimit,
		SessionTTL:   cfg.SessionTTL(),
		IdleTimeout:  cfg.IdleTimeout(),
		SweepEvery:   cfg.SweepInterval(),
	})

	var tails *tailer.Manager
	eng := engine.New(store, engine.Config{
		ExecBin:        cfg.ExecBin,
		ApprovalPolicy: cfg.ApprovalPolicy,
		SandboxMode:    cfg.SandboxMode,
		DefaultModel:   cfg.DefaultModel,
		ModelChoices:   cfg.ModelChoices,
	}, func(sessionID string) {
		if tails != nil {
			tails.BroadcastMeta(sessionID)
		}
	})
	tails = tailer.NewManager(store, eng.Status, cfg.HeartbeatInterval(), cfg.TailerIdle())

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate handoff secret: %w", err)
	}

	srv := server.New(cfg, store, eng, shells, tails, secret)
	limiter := server.NewRateLimiter(50, 100)

	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: limiter.Middleware(srv),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("perchd listening", "addr", cfg.Addr, "root", store.Root())
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)

		tails.Close()
		eng.Close()
		shells.Close()
		return nil
	})

	return g.Wait()
}
