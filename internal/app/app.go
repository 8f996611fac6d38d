// Package app wires configuration into the backup, retention and restore
// engines and exposes the operations the CLI drives.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/rowjay/posvault/internal/backup"
	"github.com/rowjay/posvault/internal/config"
	"github.com/rowjay/posvault/internal/jobstore"
	"github.com/rowjay/posvault/internal/lock"
	"github.com/rowjay/posvault/internal/logging"
	"github.com/rowjay/posvault/internal/metrics"
	"github.com/rowjay/posvault/internal/model"
	"github.com/rowjay/posvault/internal/notify"
	"github.com/rowjay/posvault/internal/offsite"
	"github.com/rowjay/posvault/internal/restore"
	"github.com/rowjay/posvault/internal/retention"
	"github.com/rowjay/posvault/internal/storage"
	"github.com/rowjay/posvault/internal/util"
)

type App struct {
	Cfg       *config.Config
	Log       zerolog.Logger
	Catalog   *jobstore.Store
	Archives  *storage.Local
	Backups   *backup.Orchestrator
	Retention *retention.Engine
	Restores  *restore.Engine
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// New opens the catalog, builds the engines and fails any job a previous
// process left in flight.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Global.CatalogPath), 0o750); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	catalog, err := jobstore.Open(ctx, cfg.Global.CatalogPath)
	if err != nil {
		return nil, err
	}

	archives := storage.NewLocal(cfg.Storage.Local.Path)
	locks := lock.NewManager(cfg.Global.LockDir)
	notifier := notify.FromConfig(cfg.Notifications, logging.Component(log, "audit"))
	m := metrics.New()

	orch := backup.New(catalog, archives, locks, backup.Options{
		Stores:  cfg.Stores,
		Backup:  cfg.Backup,
		Prefix:  cfg.Storage.Prefix,
		WorkDir: filepath.Join(filepath.Dir(cfg.Global.CatalogPath), "work"),
	}, log)
	orch.Notifier = notifier
	orch.Metrics = m

	if cfg.Offsite.Enabled {
		remote, err := storage.New(cfg.Offsite.Storage)
		if err != nil {
			_ = catalog.Close()
			return nil, fmt.Errorf("offsite storage: %w", err)
		}
		mirror, err := offsite.NewMirror(archives, remote, cfg.Offsite, logging.Component(log, "offsite"))
		if err != nil {
			_ = catalog.Close()
			return nil, err
		}
		orch.Uploader = mirror
	}

	ret := retention.New(catalog, archives, retention.TiersFromConfig(cfg.Retention), log)
	ret.Prefix = cfg.Storage.Prefix
	ret.Notifier = notifier
	ret.Metrics = m

	rest := restore.New(catalog, archives, locks, orch, restore.Options{
		Stores:     cfg.Stores,
		StagingDir: cfg.Restore.StagingDir,
	}, log)
	rest.Notifier = notifier
	rest.Metrics = m

	a := &App{
		Cfg:       cfg,
		Log:       log,
		Catalog:   catalog,
		Archives:  archives,
		Backups:   orch,
		Retention: ret,
		Restores:  rest,
		Metrics:   m,
		Now:       time.Now,
	}
	if err := a.Recover(ctx); err != nil {
		log.Warn().Err(err).Msg("recovery of interrupted jobs incomplete")
	}
	return a, nil
}

// CreateBackup runs one backup job. Scheduled backups outside the
// configured window are refused.
func (a *App) CreateBackup(ctx context.Context, storeID string, scope model.Scope, trigger model.Trigger) (*model.BackupJob, error) {
	if trigger == model.TriggerScheduled {
		sched := a.Cfg.Schedule
		ok, err := util.InWindow(a.Now(), sched.WindowStart, sched.WindowEnd, sched.Timezone)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("current time is outside configured backup window %s-%s", sched.WindowStart, sched.WindowEnd)
		}
	}
	return a.Backups.Create(ctx, backup.Request{StoreID: storeID, Scope: scope, Trigger: trigger})
}

// ListBackups returns storeID's jobs narrowed by f, newest first.
func (a *App) ListBackups(ctx context.Context, storeID string, f jobstore.Filter) ([]model.BackupJob, error) {
	if err := a.knownStore(storeID); err != nil {
		return nil, err
	}
	f.StoreID = storeID
	return a.Catalog.ListBackups(ctx, f)
}

func (a *App) EnforceRetention(ctx context.Context, storeID string) (*retention.Result, error) {
	if err := a.knownStore(storeID); err != nil {
		return nil, err
	}
	return a.Retention.Enforce(ctx, storeID)
}

func (a *App) PlanRetention(ctx context.Context, storeID string) (*retention.Plan, error) {
	if err := a.knownStore(storeID); err != nil {
		return nil, err
	}
	return a.Retention.Plan(ctx, storeID)
}

func (a *App) Restore(ctx context.Context, storeID, targetID string, strictDelete bool) (*model.RestoreJob, error) {
	return a.Restores.Restore(ctx, restore.Request{StoreID: storeID, TargetID: targetID, StrictDelete: strictDelete})
}

func (a *App) RestoreStatus(ctx context.Context, id string) (*model.RestoreJob, error) {
	return a.Restores.Status(ctx, id)
}

// VerifyBackup recomputes the archive checksum of a completed job.
func (a *App) VerifyBackup(ctx context.Context, id string) (*model.BackupJob, error) {
	job, err := a.Catalog.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobCompleted {
		return job, fmt.Errorf("backup job %s is %s, only completed jobs have a sealed archive", job.ID, job.Status)
	}
	return job, backup.VerifyArchive(ctx, a.Archives, *job)
}

// Recover fails backups and restores interrupted by a crash.
func (a *App) Recover(ctx context.Context) error {
	return multierr.Combine(
		a.Backups.Recover(ctx),
		a.Restores.Recover(ctx),
	)
}

// WriteMetrics exports the registry to path, or to the configured textfile
// when path is empty.
func (a *App) WriteMetrics(path string) error {
	if path == "" {
		path = a.Cfg.Metrics.TextfilePath
	}
	return a.Metrics.WriteTextfile(path)
}

func (a *App) Close() error {
	return a.Catalog.Close()
}

func (a *App) knownStore(storeID string) error {
	if _, ok := a.Cfg.Store(storeID); !ok {
		return model.Errorf(model.KindUnknownStore, "app", "unknown store %q", storeID)
	}
	return nil
}
