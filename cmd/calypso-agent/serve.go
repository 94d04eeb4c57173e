package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SimplyPrint/calypso-agent/internal/api"
	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/config"
	"github.com/SimplyPrint/calypso-agent/internal/core"
	"github.com/SimplyPrint/calypso-agent/internal/journal"
	"github.com/SimplyPrint/calypso-agent/internal/logging"
	"github.com/SimplyPrint/calypso-agent/internal/reader"
	"github.com/SimplyPrint/calypso-agent/internal/sam"
	"github.com/SimplyPrint/calypso-agent/internal/settings"
)

const pruneInterval = 24 * time.Hour

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func setupLogging(cfg *config.Config) {
	logging.Init(cfg.Log.Capacity, logging.ParseLevel(cfg.Log.Level))
	logging.Get().SetFormat(cfg.Log.Format)
}

// buildPool fills a pool with guarded software modules and the SAMs found
// on the configured reader slots. The returned closer releases SAM channels.
func buildPool(cfg *config.Config, readers *reader.Service) (*sam.Pool, map[string]api.BreakerState, func(), error) {
	pool := sam.NewPool()
	guards := make(map[string]api.BreakerState)
	var opened []*sam.CardModule

	keys, err := cfg.MasterKeys()
	if err != nil {
		return nil, nil, nil, err
	}
	for i := 0; i < cfg.SAM.Software; i++ {
		name := fmt.Sprintf("software-%d", i+1)
		g := sam.NewGuard(name, sam.NewSoftware(name, keys), cfg.SAM.Breaker)
		pool.Add(cfg.SAM.Profile, g)
		guards[name] = g
	}
	for _, slot := range cfg.SAM.Readers {
		m := sam.NewCardModule(slot, readers.Transport(slot))
		if err := m.Open(); err != nil {
			logging.Warn(logging.CatSAM, "SAM slot unavailable", map[string]any{
				"reader": slot,
				"error":  err.Error(),
			})
			continue
		}
		opened = append(opened, m)
		g := sam.NewGuard(slot, m, cfg.SAM.Breaker)
		pool.Add(cfg.SAM.Profile, g)
		guards[slot] = g
	}

	closer := func() {
		for _, m := range opened {
			_ = m.Close()
		}
	}
	return pool, guards, closer, nil
}

// pruneJournal drops transactions older than the retention setting, once
// now and then daily until ctx is done.
func pruneJournal(ctx context.Context, store *journal.Store) {
	defer logging.RecoverAndLog("journal prune", false)
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if days := settings.Get().JournalRetentionDays; days > 0 {
			cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
			if _, err := store.Prune(ctx, cutoff); err != nil {
				logging.Warn(logging.CatJournal, "Journal prune failed", map[string]any{
					"error": err.Error(),
				})
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	setupLogging(cfg)
	logging.Info(logging.CatSystem, "Calypso Agent starting", map[string]any{
		"version": api.Version,
	})

	if _, err := settings.Load(); err != nil {
		logging.Warn(logging.CatSystem, "Failed to load settings, using defaults", map[string]any{
			"error": err.Error(),
		})
	}
	if logging.InitSentry(logging.SentryOptions{
		Version: api.Version,
		Enabled: settings.IsCrashReportingEnabled(),
	}) {
		defer logging.FlushSentry(2 * time.Second)
	}

	readers := reader.NewService(nil)
	pool, guards, closePool, err := buildPool(cfg, readers)
	if err != nil {
		return err
	}
	defer closePool()
	if len(guards) == 0 {
		logging.Warn(logging.CatSAM, "No security module configured, secure sessions will fail", nil)
	}

	hub := api.NewWSHub()
	go hub.Run()

	recorders := journal.Tee{hub}
	opts := api.Options{
		Readers: readers,
		Pool:    pool,
		Guards:  guards,
		Hub:     hub,
	}
	if cfg.Journal.Path != "" {
		store, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer store.Close()
		recorders = append(recorders, store)
		opts.Journal = store
		go pruneJournal(ctx, store)
	}

	opts.Runner = core.NewRunner(
		core.WithPool(pool, cfg.SAM.Profile, cfg.SAM.AcquireTimeout),
		core.WithRecorder(recorders),
		core.WithMultipleSession(cfg.Session.MultipleSession),
		core.WithBufferSize(cfg.Session.BufferSize),
		core.WithSvScale(cfg.SV.Scale),
		core.WithPrewarm(func() bool { return settings.Get().PrewarmChallenge }),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	opts.Shutdown = cancel

	addr := cfg.Address()
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(opts).NewMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("calypso-agent %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address":  addr,
			"profile":  cfg.SAM.Profile,
			"currency": cfg.SV.Currency,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Println("Shutting down...")
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown: %v\n", err)
	}
	return nil
}

// compile-time checks for the recorders wired above
var (
	_ calypso.Recorder = (*api.WSHub)(nil)
	_ calypso.Recorder = (*journal.Store)(nil)
)
