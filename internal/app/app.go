package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/semmidev/sitekeeper/internal/adapter/api"
	"github.com/semmidev/sitekeeper/internal/adapter/compressor"
	"github.com/semmidev/sitekeeper/internal/adapter/database"
	"github.com/semmidev/sitekeeper/internal/adapter/notifier"
	"github.com/semmidev/sitekeeper/internal/adapter/process"
	"github.com/semmidev/sitekeeper/internal/adapter/storage"
	"github.com/semmidev/sitekeeper/internal/config"
	"github.com/semmidev/sitekeeper/internal/domain"
	"github.com/semmidev/sitekeeper/internal/infrastructure/logger"
	"github.com/semmidev/sitekeeper/internal/infrastructure/metrics"
	"github.com/semmidev/sitekeeper/internal/infrastructure/scheduler"
	"github.com/semmidev/sitekeeper/internal/usecase"
)

// App holds the components shared by every sitekeeper process.
type App struct {
	config     *config.Config
	logger     *logger.Logger
	location   *time.Location
	store      *database.SQLiteStore
	archives   *storage.LocalStorage
	compressor *compressor.GzipCompressor
	metrics    *metrics.Metrics
	notifier   domain.Notifier
	replicator *usecase.Replicator

	executor  *usecase.Executor
	retention *usecase.Retention
	restore   *usecase.Restore
	schedules *usecase.ScheduleService
}

// New wires the application. name tags log lines and notifications with the
// process role, e.g. "scheduler".
func New(ctx context.Context, cfg *config.Config, name string) (*App, error) {
	log, err := logger.New(logger.Options{
		Level: cfg.App.LogLevel,
		File:  cfg.App.LogFile,
		Name:  name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	store, err := database.Open(ctx, cfg.Database.Path, loc)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	localStorage, err := storage.NewLocal(cfg.Backup.LocalPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize local storage: %w", err)
	}

	a := &App{
		config:     cfg,
		logger:     log,
		location:   loc,
		store:      store,
		archives:   localStorage,
		compressor: compressor.NewGzip(cfg.Backup.CompressLevel),
		metrics:    metrics.New(),
		notifier:   initializeNotifier(cfg, log, name),
	}
	a.replicator = usecase.NewReplicator(initializeUploadTargets(ctx, cfg, log), log, loc)

	clock := usecase.SystemClock(loc)
	staleAfter := cfg.Backup.StaleAfter
	a.executor = usecase.NewExecutor(store, localStorage, a.compressor, a.replicator,
		cfg.Backup.Tables, staleAfter, log, a.metrics, clock)
	a.retention = usecase.NewRetention(store, localStorage, a.replicator, log, a.metrics, clock)
	a.restore = usecase.NewRestore(store, localStorage, a.compressor, staleAfter, log, a.metrics, clock)
	a.schedules = usecase.NewScheduleService(store, log, clock)

	if _, err := a.schedules.SeedIfMissing(ctx, cfg.Schedule.Seed()); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to seed schedule: %w", err)
	}

	log.Infof("%s ready: database %s, archives in %s, %d table(s)",
		cfg.App.Name, cfg.Database.Path, cfg.Backup.LocalPath, len(cfg.Backup.Tables))
	return a, nil
}

func initializeNotifier(cfg *config.Config, log *logger.Logger, name string) domain.Notifier {
	if !cfg.Notify.Telegram.Enabled {
		return domain.NopNotifier{}
	}
	source := cfg.App.Name
	if name != "" {
		source += "/" + name
	}
	tg, err := notifier.NewTelegram(cfg.Notify.Telegram, source)
	if err != nil {
		log.Errorf("Failed to initialize Telegram notifier: %v", err)
		return domain.NopNotifier{}
	}
	log.Infof("✓ Telegram notifications enabled")
	return tg
}

func initializeUploadTargets(ctx context.Context, cfg *config.Config, log *logger.Logger) []usecase.UploadTarget {
	var targets []usecase.UploadTarget

	for _, targetCfg := range cfg.GetEnabledUploadTargets() {
		var stor domain.Storage
		var err error

		switch targetCfg.Type {
		case "gdrive":
			stor, err = storage.NewGDrive(ctx, &targetCfg)
			if err != nil {
				log.Errorf("Failed to initialize Google Drive: %v", err)
				continue
			}
			log.Infof("✓ Google Drive replication enabled")

		case "s3":
			stor, err = storage.NewS3(ctx, &targetCfg)
			if err != nil {
				log.Errorf("Failed to initialize S3: %v", err)
				continue
			}
			log.Infof("✓ AWS S3 replication enabled (bucket: %s)", targetCfg.Bucket)

		case "local":
			// Local storage is always enabled
			continue

		default:
			log.Warnf("Unknown upload target type: %s", targetCfg.Type)
			continue
		}

		targets = append(targets, usecase.UploadTarget{
			Name:    targetCfg.Type,
			Storage: stor,
		})
	}

	return targets
}

func (a *App) Logger() *logger.Logger                 { return a.logger }
func (a *App) Store() *database.SQLiteStore           { return a.store }
func (a *App) Archives() *storage.LocalStorage        { return a.archives }
func (a *App) Compressor() *compressor.GzipCompressor { return a.compressor }
func (a *App) Executor() *usecase.Executor            { return a.executor }
func (a *App) Retention() *usecase.Retention          { return a.retention }
func (a *App) Restore() *usecase.Restore              { return a.restore }
func (a *App) Schedules() *usecase.ScheduleService    { return a.schedules }

// RunScheduler polls the schedule until ctx is cancelled. Only one scheduler
// may run against a pidfile at a time.
func (a *App) RunScheduler(ctx context.Context) error {
	release, err := process.AcquirePIDFile(ctx, a.config.Scheduler.PIDFile, a.config.Supervisor.ProcessName)
	if err != nil {
		return err
	}
	defer release()

	loop := usecase.NewLoop(a.store, a.archives, a.executor, a.retention, a.notifier,
		a.config.Backup.StaleAfter, a.logger, a.metrics, usecase.SystemClock(a.location))
	if err := loop.Startup(ctx); err != nil {
		a.logger.Warnf("Startup sweep incomplete: %v", err)
	}

	tick := func(ctx context.Context) error {
		_, err := loop.Tick(ctx)
		return err
	}

	sched := scheduler.New(a.logger)
	if err := sched.Every(a.config.Scheduler.PollInterval, tick); err != nil {
		return fmt.Errorf("failed to schedule poll: %w", err)
	}

	if err := tick(ctx); err != nil {
		a.logger.Errorf("Initial tick failed: %v", err)
	}

	sched.Start()
	a.logger.Infof("Scheduler started, polling every %s", a.config.Scheduler.PollInterval)
	a.logger.Infof("Backup destinations: local + %d remote target(s)", len(a.config.GetEnabledUploadTargets()))

	<-ctx.Done()
	a.logger.Infof("Stopping scheduler, waiting for a running backup to finish...")
	sched.Stop()
	return nil
}

// RunSupervisor checks the scheduler process on every interval and restarts
// it when it is not healthy.
func (a *App) RunSupervisor(ctx context.Context) error {
	var manager domain.ProcessManager
	sc := a.config.Supervisor
	switch sc.Manager {
	case "command":
		manager = process.NewCommand(sc.StatusCommand, sc.RestartCommand)
	default:
		manager = process.NewPIDFile(sc.PIDFile, sc.ProcessName, sc.StartCommand)
	}

	sup := usecase.NewSupervisor(manager, a.notifier, a.logger, a.metrics)
	check := func(ctx context.Context) error {
		_, err := sup.Check(ctx)
		return err
	}

	sched := scheduler.New(a.logger)
	if err := sched.Every(sc.CheckInterval, check); err != nil {
		return fmt.Errorf("failed to schedule check: %w", err)
	}

	if err := check(ctx); err != nil {
		a.logger.Errorf("Initial check failed: %v", err)
	}

	sched.Start()
	a.logger.Infof("Supervisor started (%s manager), checking every %s", sc.Manager, sc.CheckInterval)

	<-ctx.Done()
	sched.Stop()
	return nil
}

// Serve runs the HTTP API until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	handler := api.New(api.Deps{
		Executor:  a.executor,
		Restorer:  a.restore,
		Retention: a.retention,
		Schedules: a.schedules,
		Records:   a.store,
		Archives:  a.archives,
		Metrics:   a.metrics,
		Logger:    a.logger,
		Tokens:    a.config.HTTP.Tokens,
	}).Handler()

	srv := &http.Server{
		Addr:              a.config.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("HTTP API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.logger.Infof("Shutting down HTTP API...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (a *App) Close() {
	a.logger.Infof("Shutting down application...")
	if err := a.store.Close(); err != nil {
		a.logger.Errorf("Failed to close database: %v", err)
	}
	a.logger.Close()
}
