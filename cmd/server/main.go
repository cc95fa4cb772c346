package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/sfugate/internal/adapters/http"
	"github.com/dkeye/sfugate/internal/adapters/rtc"
	sig "github.com/dkeye/sfugate/internal/adapters/signal"
	"github.com/dkeye/sfugate/internal/app"
	"github.com/dkeye/sfugate/internal/app/orch"
	"github.com/dkeye/sfugate/internal/audit"
	"github.com/dkeye/sfugate/internal/config"
	"github.com/dkeye/sfugate/internal/media"
	"github.com/dkeye/sfugate/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("sfugate exited")
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	dispatcher, closeStores, err := openAudit(ctx, cfg.Audit)
	if err != nil {
		return err
	}
	defer closeStores()

	// A dead worker takes its routers with it; the process cannot recover.
	workerDied := make(chan error, 1)
	engine := rtc.NewEngine(rtc.NewLoggerFactory(zerolog.WarnLevel))
	pool := app.NewWorkerPool(engine, cfg.Workers.MaxRouters)
	n := app.WorkerCount(cfg.Workers.Count, cfg.Workers.Max)
	settings := media.WorkerSettings{
		LogLevel:   cfg.RTC.LogLevel,
		RTCMinPort: cfg.RTC.MinPort,
		RTCMaxPort: cfg.RTC.MaxPort,
	}
	if err := pool.Initialize(ctx, n, settings, func(w media.Worker) {
		select {
		case workerDied <- fmt.Errorf("media worker %s died: %w", w.ID(), w.Err()):
		default:
		}
	}); err != nil {
		dispatcher.Close()
		return fmt.Errorf("start workers: %w", err)
	}
	defer pool.Close()

	m := metrics.New()
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomRegistry(pool),
		Audit:    dispatcher,
		Metrics:  m,
		Listen: media.ListenInfo{
			IP:               cfg.RTC.ListenIP,
			AnnouncedAddress: cfg.RTC.AnnouncedIP,
			EnableUDP:        true,
			EnableTCP:        cfg.RTC.EnableTCP,
		},
	}
	ctl := sig.NewSignalWSController(o, app.SimplePolicy{}, sig.Options{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		PongWait:     cfg.PongWait,
		SendQueue:    cfg.Signal.SendQueue,
		JoinLimit:    cfg.Signal.JoinLimit,
		JoinInterval: cfg.Signal.JoinInterval,
	})

	r := router.SetupRouter(ctx, cfg, router.Deps{Signal: ctl, Rooms: o.Rooms, Pool: pool, Metrics: m})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Int("workers", pool.Len()).Msg("sfugate started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var exitErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case exitErr = <-workerDied:
		log.Error().Err(exitErr).Msg("media worker died, shutting down")
		cancel()
	case exitErr = <-serveErr:
		log.Error().Err(exitErr).Msg("server error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	ctl.Wait()
	dispatcher.Close()
	if n := dispatcher.Dropped(); n > 0 {
		log.Warn().Uint64("dropped", n).Msg("audit records dropped")
	}
	log.Info().Msg("Server exited")
	return exitErr
}

// openAudit builds the dispatcher over the error log file and, when a DSN is
// configured, the MySQL store.
func openAudit(ctx context.Context, cfg config.AuditConfig) (*audit.Dispatcher, func(), error) {
	var stores []audit.Store
	var closers []func() error

	if cfg.ErrorLog != "" {
		fs, err := audit.OpenFileStore(cfg.ErrorLog)
		if err != nil {
			return nil, nil, fmt.Errorf("open error log: %w", err)
		}
		stores = append(stores, fs)
		closers = append(closers, fs.Close)
	}
	if cfg.DSN != "" {
		dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		db, err := audit.OpenMySQL(dbCtx, cfg.DSN)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, nil, err
		}
		if cfg.Migrate {
			if err := db.Migrate(dbCtx); err != nil {
				_ = db.Close()
				for _, c := range closers {
					_ = c()
				}
				return nil, nil, err
			}
			log.Info().Str("module", "audit").Msg("audit tables recreated")
		}
		stores = append(stores, db)
		closers = append(closers, db.Close)
	} else {
		log.Warn().Str("module", "audit").Msg("audit.dsn empty, database logging disabled")
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Error().Err(err).Str("module", "audit").Msg("close audit store")
			}
		}
	}
	return audit.NewDispatcher(cfg.QueueSize, cfg.Workers, stores...), closeAll, nil
}
