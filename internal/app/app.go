package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/semmidev/dbvault/internal/adapter/catalog"
	"github.com/semmidev/dbvault/internal/adapter/compressor"
	"github.com/semmidev/dbvault/internal/adapter/database"
	"github.com/semmidev/dbvault/internal/adapter/notifier"
	"github.com/semmidev/dbvault/internal/adapter/storage"
	"github.com/semmidev/dbvault/internal/config"
	"github.com/semmidev/dbvault/internal/domain"
	"github.com/semmidev/dbvault/internal/infrastructure/logger"
	"github.com/semmidev/dbvault/internal/infrastructure/metrics"
	"github.com/semmidev/dbvault/internal/infrastructure/scheduler"
	"github.com/semmidev/dbvault/internal/usecase"
)

const pushJob = "dbvault"

type App struct {
	config     *config.Config
	logger     *logger.Logger
	metrics    *metrics.Metrics
	notifier   domain.Notifier
	compressor domain.Compressor

	mu      sync.Mutex
	targets map[string]*target
}

// target is a storage backend with the catalog kept inside it.
type target struct {
	cfg     config.TargetConfig
	storage domain.Storage
	catalog *catalog.Catalog
}

func New(cfg *config.Config) (*App, error) {
	log, err := logger.New(cfg.App.LogLevel, cfg.App.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return newApp(cfg, log), nil
}

func newApp(cfg *config.Config, log *logger.Logger) *App {
	log.Debugf("Loaded %s: %d database(s), %d storage target(s)",
		cfg.App.Name, len(cfg.Databases), len(cfg.Backup.Targets))

	var n domain.Notifier = notifier.Nop{}
	if tg := cfg.Notifications.Telegram; tg.Enabled {
		t, err := notifier.NewTelegram(tg)
		if err != nil {
			log.Errorf("Failed to initialize Telegram notifications: %v", err)
		} else {
			n = t
			log.Debugf("Telegram notifications enabled")
		}
	}

	return &App{
		config:     cfg,
		logger:     log,
		metrics:    metrics.New(),
		notifier:   n,
		compressor: compressor.NewGzip(cfg.Backup.CompressionLevel),
		targets:    make(map[string]*target),
	}
}

func (a *App) Logger() *logger.Logger {
	return a.logger
}

func (a *App) Config() *config.Config {
	return a.config
}

// target opens a storage backend on first use. An empty name selects the first target.
func (a *App) target(ctx context.Context, name string) (*target, error) {
	cfg, err := a.config.Target(name)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if t, ok := a.targets[cfg.Name]; ok {
		return t, nil
	}

	s, err := storage.New(ctx, cfg, a.config.Backup.Retry.Options())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage %s: %w", cfg.Name, err)
	}
	a.logger.Debugf("Storage %s ready", cfg)

	t := &target{cfg: cfg, storage: s, catalog: catalog.New(s, a.logger)}
	a.targets[cfg.Name] = t
	return t, nil
}

func (a *App) database(name string) (domain.Database, config.DatabaseConfig, error) {
	dbCfg, err := a.config.Database(name)
	if err != nil {
		return nil, dbCfg, err
	}
	spec, err := dbCfg.ConnectionSpec()
	if err != nil {
		return nil, dbCfg, err
	}
	db, err := database.New(spec)
	return db, dbCfg, err
}

func (a *App) jobOptions() []usecase.Option {
	return []usecase.Option{
		usecase.WithTimeout(a.config.Backup.Timeout),
		usecase.WithNotifier(a.notifier),
		usecase.WithObserver(a.metrics),
	}
}

// Backup backs one database up. An empty targetName uses the database's configured target.
func (a *App) Backup(ctx context.Context, dbName, targetName string) (domain.Artifact, error) {
	db, dbCfg, err := a.database(dbName)
	if err != nil {
		return domain.Artifact{}, err
	}
	if targetName == "" {
		targetName = dbCfg.Target
	}
	t, err := a.target(ctx, targetName)
	if err != nil {
		return domain.Artifact{}, err
	}

	return usecase.NewBackup(db, t.storage, t.catalog, a.compressor, a.logger, a.jobOptions()...).Execute(ctx)
}

// BackupAll backs every enabled database up one after another and joins the failures.
func (a *App) BackupAll(ctx context.Context, targetName string) ([]domain.Artifact, error) {
	enabled := a.config.GetEnabledDatabases()
	if len(enabled) == 0 {
		return nil, domain.ConfigError("no enabled databases found")
	}

	var (
		artifacts []domain.Artifact
		errs      []error
	)
	for _, dbCfg := range enabled {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		artifact, err := a.Backup(ctx, dbCfg.Name, targetName)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dbCfg.Name, err))
			continue
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, errors.Join(errs...)
}

func (a *App) Restore(ctx context.Context, id, dbName, targetName string) (domain.Artifact, error) {
	db, _, err := a.database(dbName)
	if err != nil {
		return domain.Artifact{}, err
	}
	t, err := a.target(ctx, targetName)
	if err != nil {
		return domain.Artifact{}, err
	}

	opts := usecase.RestoreOptions{
		VerifyFirst:  a.config.Backup.VerifyBeforeRestore,
		AllowRawKeys: a.config.Backup.AllowRawKeys,
		SpoolDir:     a.config.Backup.SpoolDir,
	}
	return usecase.NewRestore(db, t.storage, t.catalog, a.compressor, a.logger, opts, a.jobOptions()...).Execute(ctx, id)
}

// Test probes every enabled database and every storage target.
func (a *App) Test(ctx context.Context) usecase.Report {
	var dbs []domain.Database
	for _, dbCfg := range a.config.GetEnabledDatabases() {
		db, _, err := a.database(dbCfg.Name)
		if err != nil {
			a.logger.Errorf("Skipping %s: %v", dbCfg.Name, err)
			continue
		}
		dbs = append(dbs, db)
	}

	var probes []usecase.StorageProbe
	for _, tc := range a.config.Backup.Targets {
		probe := usecase.StorageProbe{Type: tc.Type}
		if t, err := a.target(ctx, tc.Name); err != nil {
			probe.Storage = unavailable{name: tc.Name, err: err}
		} else {
			probe.Storage = t.storage
		}
		probes = append(probes, probe)
	}

	return usecase.NewTester(dbs, probes, a.config.Backup.TestTimeout, a.logger).Run(ctx)
}

func (a *App) List(ctx context.Context, targetName string) ([]domain.Artifact, error) {
	insp, err := a.inspector(ctx, targetName)
	if err != nil {
		return nil, err
	}
	return insp.List(ctx)
}

func (a *App) Delete(ctx context.Context, id, targetName string) error {
	insp, err := a.inspector(ctx, targetName)
	if err != nil {
		return err
	}
	return insp.Delete(ctx, id)
}

func (a *App) Info(ctx context.Context, targetName string) (usecase.StorageInfo, error) {
	insp, err := a.inspector(ctx, targetName)
	if err != nil {
		return usecase.StorageInfo{}, err
	}
	return insp.Info(ctx)
}

func (a *App) URL(ctx context.Context, id, targetName string, ttl time.Duration) (string, error) {
	insp, err := a.inspector(ctx, targetName)
	if err != nil {
		return "", err
	}
	return insp.URL(ctx, id, ttl)
}

func (a *App) inspector(ctx context.Context, targetName string) (*usecase.Inspector, error) {
	t, err := a.target(ctx, targetName)
	if err != nil {
		return nil, err
	}
	return usecase.NewInspector(usecase.StorageProbe{Type: t.cfg.Type, Storage: t.storage}, t.catalog, a.logger), nil
}

// Cleanup sweeps every configured target. Targets that cannot be opened are reported and skipped.
func (a *App) Cleanup(ctx context.Context) (usecase.CleanupResult, error) {
	var (
		targets []usecase.CleanupTarget
		errs    []error
	)
	for _, tc := range a.config.Backup.Targets {
		t, err := a.target(ctx, tc.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		targets = append(targets, usecase.CleanupTarget{Storage: t.storage, Catalog: t.catalog})
	}

	policy := usecase.CleanupPolicy{
		StagingGrace:  a.config.Backup.StagingGrace,
		RetentionDays: a.config.Backup.RetentionDays,
		KeepMin:       a.config.Backup.RetentionKeepMin,
	}
	res, err := usecase.NewCleanup(targets, a.logger, policy).Execute(ctx)
	return res, errors.Join(append(errs, err)...)
}

// PushMetrics sends the collected job metrics to the configured Pushgateway, if any.
func (a *App) PushMetrics(ctx context.Context) {
	url := a.config.App.PushgatewayURL
	if url == "" {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.metrics.Push(pctx, url, pushJob); err != nil {
		a.logger.Warnf("%v", err)
	}
}

// Run schedules backups and cleanup and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	sched := scheduler.New(a.logger)

	for _, dbCfg := range a.config.GetEnabledDatabases() {
		if dbCfg.Schedule == "" {
			a.logger.Infof("No schedule for %s, skipping", dbCfg.Name)
			continue
		}
		name, targetName := dbCfg.Name, dbCfg.Target
		if err := sched.AddJob("backup "+name, dbCfg.Schedule, func(ctx context.Context) error {
			a.logger.Infof("=== Triggered scheduled backup for %s ===", name)
			_, err := a.Backup(ctx, name, targetName)
			return err
		}); err != nil {
			return fmt.Errorf("failed to schedule backup for %s: %w", name, err)
		}
		a.logger.Infof("✓ Scheduled backup for %s: %s", name, dbCfg.Schedule)
	}

	if spec := a.config.Backup.CleanupSchedule; spec != "" {
		if err := sched.AddJob("cleanup", spec, func(ctx context.Context) error {
			_, err := a.Cleanup(ctx)
			return err
		}); err != nil {
			return fmt.Errorf("failed to schedule cleanup: %w", err)
		}
		a.logger.Infof("Scheduling cleanup: %s", spec)
	}

	if sched.Len() == 0 {
		return domain.ConfigError("nothing to schedule: no enabled database has a schedule")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	if addr := a.config.App.MetricsAddr; addr != "" {
		go func() {
			errCh <- a.metrics.Serve(ctx, addr)
		}()
		a.logger.Infof("Serving metrics on %s", addr)
	}

	sched.Start(ctx)
	a.logger.Infof("Scheduler started with %d job(s)", sched.Len())

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	cancel()
	sched.Stop()
	a.logger.Infof("Scheduler stopped")
	return err
}

func (a *App) Shutdown() {
	a.logger.Debugf("Shutting down application...")

	a.mu.Lock()
	for name, t := range a.targets {
		if c, ok := t.storage.(io.Closer); ok {
			if err := c.Close(); err != nil {
				a.logger.Warnf("Failed to close storage %s: %v", name, err)
			}
		}
	}
	a.targets = make(map[string]*target)
	a.mu.Unlock()

	a.logger.Close()
}

// unavailable stands in for a target that could not be opened so the tester can report it.
type unavailable struct {
	name string
	err  error
}

func (u unavailable) Name() string { return u.name }

func (u unavailable) Put(context.Context, string, io.Reader) (domain.Location, error) {
	return domain.Location{}, u.err
}

func (u unavailable) Promote(context.Context, string, string) (domain.Location, error) {
	return domain.Location{}, u.err
}

func (u unavailable) Get(context.Context, string) (io.ReadCloser, error) { return nil, u.err }

func (u unavailable) Stat(context.Context, string) (domain.ObjectInfo, error) {
	return domain.ObjectInfo{}, u.err
}

func (u unavailable) List(context.Context) ([]domain.ObjectInfo, error) { return nil, u.err }

func (u unavailable) Delete(context.Context, string) error { return u.err }

func (u unavailable) Ping(context.Context) error { return u.err }
