// Package pipeline assembles the read chain and the contribution write path
// over one database and exposes them as a single facade.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"gorm.io/gorm"

	"github.com/edudirectory/edusync/pkg/approval"
	"github.com/edudirectory/edusync/pkg/audit"
	"github.com/edudirectory/edusync/pkg/cache"
	"github.com/edudirectory/edusync/pkg/cascade"
	"github.com/edudirectory/edusync/pkg/config"
	"github.com/edudirectory/edusync/pkg/fallback"
	"github.com/edudirectory/edusync/pkg/ha"
	"github.com/edudirectory/edusync/pkg/hybrid"
	"github.com/edudirectory/edusync/pkg/jobs"
	"github.com/edudirectory/edusync/pkg/notify"
	"github.com/edudirectory/edusync/pkg/records"
	"github.com/edudirectory/edusync/pkg/review"
	"github.com/edudirectory/edusync/pkg/submissions"
	"github.com/edudirectory/edusync/pkg/userdata"
)

// Pipeline wires every component. The exported fields are the components
// themselves, for the HTTP layer and tests. When records are read from an
// upstream instance the write path (Applier, Scheduler, Intake, Review) is
// not built and stays nil: corrections belong to the instance that owns the
// records.
type Pipeline struct {
	DB        *gorm.DB
	Records   *records.Store
	Users     *userdata.Store
	Trail     *audit.Trail
	Cache     *cache.Layer
	Reminders *notify.Outbox
	Snapshot  *fallback.Store
	Reads     *hybrid.Orchestrator
	Engine    *approval.Engine
	Intake    *submissions.Intake
	Applier   *cascade.Applier
	Scheduler *jobs.Scheduler
	Review    *review.Service
	Elector   *ha.LeaderElector

	cfg      *config.Config
	durable  *cache.DBStore
	logger   *slog.Logger
	writable bool
}

// Build assembles a Pipeline. A nil remote reads from cfg.Remote.URL when
// set and from the local records table otherwise. Only a pipeline reading
// its own records table accepts corrections. The schema is not touched;
// call Migrate before serving.
func Build(db *gorm.DB, cfg *config.Config, remote records.RemoteStore, logger *slog.Logger) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	snapshot, err := fallback.Load(cfg.Fallback.SnapshotPath)
	if err != nil {
		return nil, err
	}
	engine, approvalCfg, err := approval.LoadEngine(&cfg.Approval)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		DB:        db,
		Records:   records.NewStore(db),
		Users:     userdata.NewStore(db),
		Trail:     audit.NewTrail(db),
		Reminders: notify.NewOutbox(db, &cfg.Notify),
		Snapshot:  snapshot,
		Engine:    engine,
		cfg:       cfg,
		logger:    logger,
	}

	if remote == nil && cfg.Remote.URL != "" {
		remote = records.NewHTTPRemote(cfg.Remote.URL, cfg.Remote.Timeout)
	}
	if remote == nil {
		remote = p.Records
		p.writable = true
	}

	var durable cache.Durable
	if cfg.Cache.Durable {
		p.durable = cache.NewDBStore(db)
		durable = p.durable
	}
	p.Cache = cache.NewLayer(&cfg.Cache, durable, logger.With("component", "cache"))
	p.Reads = hybrid.New(remote, p.Cache, snapshot, &cfg.Hybrid, logger.With("component", "hybrid"))

	p.Elector = ha.NewLeaderElector(db, &cfg.HA, logger.With("component", "leader"))
	if !p.writable {
		logger.Info("records served by an upstream instance, write path disabled", "remote", cfg.Remote.URL)
		return p, nil
	}

	p.Applier = cascade.NewApplier(cascade.Deps{
		DB:        db,
		Records:   p.Records,
		Users:     p.Users,
		Trail:     p.Trail,
		Cache:     p.Cache,
		Reminders: p.Reminders,
	}, &cfg.Cascade, logger.With("component", "cascade"))

	p.Scheduler = jobs.NewScheduler(jobs.NewJobStore(db), p.Users, p.Applier, p.Trail, &cfg.Jobs, logger.With("component", "scheduler"))

	p.Intake = submissions.NewIntake(submissions.Deps{
		DB:        db,
		Records:   p.Records,
		Users:     p.Users,
		Trail:     p.Trail,
		Engine:    engine,
		Scheduler: p.Scheduler,
	}, &cfg.Submissions, *approvalCfg, logger.With("component", "intake"))

	p.Review = review.NewService(review.Deps{
		DB:        db,
		Records:   p.Records,
		Users:     p.Users,
		Trail:     p.Trail,
		Scheduler: p.Scheduler,
	}, logger.With("component", "review"))
	return p, nil
}

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() *config.Config { return p.cfg }

// Writable reports whether the pipeline accepts corrections.
func (p *Pipeline) Writable() bool { return p.writable }

type migration struct {
	name string
	fn   func() error
}

// Migrate creates or updates every table under the migration lock.
func (p *Pipeline) Migrate(ctx context.Context) error {
	migrations := []migration{
		{"records", p.Records.AutoMigrate},
		{"userdata", p.Users.AutoMigrate},
		{"audit", p.Trail.AutoMigrate},
		{"reminders", p.Reminders.AutoMigrate},
		{"leases", p.Elector.AutoMigrate},
	}
	if p.writable {
		migrations = append(migrations,
			migration{"cascade", p.Applier.AutoMigrate},
			migration{"jobs", p.Scheduler.Store().AutoMigrate},
		)
	}
	if p.durable != nil {
		migrations = append(migrations, migration{"cache", p.durable.AutoMigrate})
	}

	locker := ha.NewMigrationLocker(p.DB, &p.cfg.HA)
	return locker.WithLock(ctx, func() error {
		for _, m := range migrations {
			if err := m.fn(); err != nil {
				return fmt.Errorf("migrate %s: %w", m.name, err)
			}
		}
		p.logger.Info("database schema up to date", "tables", len(migrations))
		return nil
	})
}

// Seed loads the snapshot into an empty records table so that a fresh
// database has something to correct. It returns the number of records
// written. A read-only pipeline never reads its table and is not seeded.
func (p *Pipeline) Seed(ctx context.Context) (int, error) {
	if !p.writable {
		return 0, nil
	}
	n, err := p.Records.Count(ctx, "")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	recs := p.Snapshot.Records()
	err = p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := p.Records.WithTx(tx)
		for i := range recs {
			if err := store.Upsert(ctx, &recs[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("seed records: %w", err)
	}
	p.logger.Info("seeded records from snapshot", "count", len(recs))
	return len(recs), nil
}

// Ping checks the database connection.
func (p *Pipeline) Ping(ctx context.Context) error {
	sqlDB, err := p.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RunScheduler runs the batch scheduler and the durable cache sweep while
// this replica holds the scheduler lease. It blocks until ctx is done.
func (p *Pipeline) RunScheduler(ctx context.Context) {
	p.Elector.Run(ctx, func(ctx context.Context) {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Cache.RunSweeper(ctx)
		}()
		if p.Scheduler != nil {
			p.Scheduler.Run(ctx)
		}
		wg.Wait()
	})
}

// GetEntity reads one record through the hybrid read chain.
func (p *Pipeline) GetEntity(ctx context.Context, id string) hybrid.EntityResult {
	return p.Reads.GetEntity(ctx, id)
}

// GetEntitySync reads one record from memory and the snapshot only.
func (p *Pipeline) GetEntitySync(id string) hybrid.EntityResult {
	return p.Reads.GetEntitySync(id)
}

// Search reads matching records through the hybrid read chain.
func (p *Pipeline) Search(ctx context.Context, entityType string, q records.Query) hybrid.SearchResult {
	return p.Reads.Search(ctx, entityType, q)
}

// Refresh reloads entityType, or every type, from the remote store.
func (p *Pipeline) Refresh(ctx context.Context, entityType string, force bool) []hybrid.RefreshResult {
	return p.Reads.Refresh(ctx, entityType, force)
}

// SubmitCorrection validates, stores and decides a correction.
func (p *Pipeline) SubmitCorrection(ctx context.Context, req submissions.Request) (*submissions.Receipt, error) {
	if !p.writable {
		return nil, ErrReadOnly
	}
	return p.Intake.Submit(ctx, req)
}

// GetQueueStats returns job counts by state.
func (p *Pipeline) GetQueueStats(ctx context.Context) (jobs.QueueStats, error) {
	if !p.writable {
		return jobs.QueueStats{}, ErrReadOnly
	}
	return p.Scheduler.Stats(ctx)
}

// GetHistory returns the most recent finished jobs, newest first.
func (p *Pipeline) GetHistory(ctx context.Context, limit int) ([]jobs.BatchJob, error) {
	if !p.writable {
		return nil, ErrReadOnly
	}
	return p.Scheduler.History(ctx, limit)
}

// ManuallyProcessBatch runs one batch now, outside the preferred window.
// A limit of zero uses the configured batch size.
func (p *Pipeline) ManuallyProcessBatch(ctx context.Context, limit int) (*jobs.BatchReport, error) {
	if !p.writable {
		return nil, ErrReadOnly
	}
	return p.Scheduler.ProcessBatch(ctx, limit, true)
}
