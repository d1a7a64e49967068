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
	"syscall"

	"github.com/italolelis/resumable_transfer/internal/cleanup"
	"github.com/italolelis/resumable_transfer/internal/config"
	"github.com/italolelis/resumable_transfer/internal/coordinator"
	"github.com/italolelis/resumable_transfer/internal/http/rest"
	"github.com/italolelis/resumable_transfer/internal/logctx"
	"github.com/italolelis/resumable_transfer/internal/notifier"
	"github.com/italolelis/resumable_transfer/internal/resume"
	"github.com/italolelis/resumable_transfer/internal/saver"
	"github.com/italolelis/resumable_transfer/internal/spool"
	"github.com/italolelis/resumable_transfer/internal/storage"
	"github.com/italolelis/resumable_transfer/internal/storage/badgerdb"
	"github.com/italolelis/resumable_transfer/internal/storage/memory"
	"github.com/italolelis/resumable_transfer/internal/storage/sqlite"
	"github.com/italolelis/resumable_transfer/internal/telemetry"
	"github.com/italolelis/resumable_transfer/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const usage = `usage: resumable_transfer <command> [args]

commands:
  upload FILE URL        upload FILE in chunks to URL
  download URL           download URL in chunks
  resume TASK_ID [FILE]  resume a download, or an upload of FILE
  tasks                  list persisted resume records
  sweep                  remove expired resume records
  serve                  run only the control API and the cleanup loop`

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(base))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, err := parseCommand(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	slog.Info("resumable transfer starting...", "command", cmd.name, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg, cmd, base); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, cmd command, base slog.Handler) error {
	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	logger := slog.New(logctx.NewTraceHandler(tel.LogHandler(base)))
	slog.SetDefault(logger)
	ctx = logctx.WithLogger(ctx, logger)

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Resume Storage
	kv, closeKV, err := buildKeyValueStore(cfg)
	if err != nil {
		logger.Error("resume storage error", "backend", cfg.ResumeBackend, "err", err)

		return err
	}
	defer closeKV()

	store := resume.NewStore(
		storage.NewInstrumentedStore(kv, cfg.ResumeBackend, tel),
		resume.WithHorizon(cfg.ResumeHorizon),
	)

	chunkSpool, err := buildSpool(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup chunk spool: %w", err)
	}

	// =========================================================================
	// Start Coordinator
	httpClient := &http.Client{
		Timeout:   cfg.HTTPTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	co := coordinator.New(
		transfer.NewInstrumentedClient(transfer.NewClient(httpClient), tel),
		store,
		coordinator.WithSpool(chunkSpool),
		coordinator.WithSaver(saver.NewDir(cfg.DownloadDir)),
		coordinator.WithTelemetry(tel),
		coordinator.WithHashWindow(cfg.HashWindow),
	)

	// =========================================================================
	// Start Notification
	var notif notifier.Notifier = notifier.Nop{}
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL, Username: cfg.DiscordUsername}
	}

	switch cmd.name {
	case cmdTasks:
		return printTasks(ctx, os.Stdout, co)
	case cmdSweep:
		return printSweep(ctx, os.Stdout, co)
	}

	finished := make(chan error, 1)
	callbacks := func() coordinator.Callbacks {
		return notifier.TransferCallbacks(ctx, notif, cliCallbacks(ctx, finished))
	}

	// =========================================================================
	// Start Background Services
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	if cfg.Web.BindAddress != "" {
		control := rest.NewControlHandler(cfg.Control.Username, cfg.Control.Password, co, callbacks)
		server := setupServer(gctx, rest.NewRouter(control, tel), cfg)

		g.Go(func() error {
			return serve(gctx, server, cfg)
		})
	}

	g.Go(func() error {
		cleanup.Run(gctx, co, cfg.SweepInterval)

		return nil
	})

	// =========================================================================
	// Start Transfer
	if cmd.name != cmdServe {
		g.Go(func() error {
			defer cancel()

			release, err := startTransfer(ctx, co, cfg, cmd, callbacks())
			if err != nil {
				return err
			}
			defer release()

			return awaitTransfer(gctx, co, finished)
		})
	}

	return g.Wait()
}

// awaitTransfer blocks until the transfer finishes or the process is asked to stop. Stopping
// pauses the transfer so an upload is checkpointed before exit.
func awaitTransfer(ctx context.Context, co *coordinator.Coordinator, finished <-chan error) error {
	logger := logctx.LoggerFromContext(ctx)

	select {
	case err := <-finished:
		co.Wait()

		return err
	case <-ctx.Done():
		if co.Pause(context.WithoutCancel(ctx)) {
			co.Wait()

			if status, ok := co.Current(); ok {
				logger.Info("transfer paused, resume it with the task id", "task_id", status.Task.ID)
			}
		}

		return nil
	}
}

func buildKeyValueStore(cfg *config.Config) (storage.KeyValueStore, func(), error) {
	switch cfg.ResumeBackend {
	case config.BackendSQLite:
		db, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}

		return sqlite.NewKVRepository(db), func() { db.Close() }, nil
	case config.BackendBadger:
		st, err := badgerdb.Open(cfg.BadgerDir)
		if err != nil {
			return nil, nil, err
		}

		return st, func() { st.Close() }, nil
	case config.BackendMemory:
		return memory.New(), func() {}, nil
	}

	return nil, nil, fmt.Errorf("invalid resume backend: %s", cfg.ResumeBackend)
}

func buildSpool(cfg *config.Config) (spool.Cache, error) {
	if cfg.SpoolDir == "" {
		return spool.NewMemory(), nil
	}

	return spool.NewDisk(cfg.SpoolDir)
}

// setupServer prepares the http server for the control API.
func setupServer(ctx context.Context, handler http.Handler, cfg *config.Config) *http.Server {
	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func serve(ctx context.Context, server *http.Server, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// Use a buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}
