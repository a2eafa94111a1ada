package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rzbill/cmdfeed/internal/command"
	cfgpkg "github.com/rzbill/cmdfeed/internal/config"
	"github.com/rzbill/cmdfeed/internal/export"
	"github.com/rzbill/cmdfeed/internal/export/dynamostore"
	"github.com/rzbill/cmdfeed/internal/export/logstore"
	"github.com/rzbill/cmdfeed/internal/feed"
	"github.com/rzbill/cmdfeed/internal/lease"
	"github.com/rzbill/cmdfeed/internal/notify"
	"github.com/rzbill/cmdfeed/internal/policy"
	"github.com/rzbill/cmdfeed/internal/queue"
	"github.com/rzbill/cmdfeed/internal/queue/badgerq"
	"github.com/rzbill/cmdfeed/internal/queue/pebbleq"
	"github.com/rzbill/cmdfeed/internal/queue/sqlq"
	pebblestore "github.com/rzbill/cmdfeed/internal/storage/pebble"
	logpkg "github.com/rzbill/cmdfeed/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
	// Notifier replaces the notifiers built from Config. Optional.
	Notifier notify.Notifier
	// Now overrides the clock of queues, tracker and service. Optional.
	Now func() time.Time
}

// Runtime owns storage and the components built on it for one node.
type Runtime struct {
	cfg      cfgpkg.Config
	logger   logpkg.Logger
	db       *pebblestore.DB
	router   *queue.Router
	policy   *policy.Store
	leases   *lease.Policy
	tracker  *export.Tracker
	notifier notify.Notifier
	svc      *feed.Service
}

// Open opens every configured store and wires the feed service over them.
// On error everything opened so far is closed.
func Open(ctx context.Context, opts Options) (_ *Runtime, err error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Runtime{cfg: cfg, logger: logger.WithComponent("runtime")}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	r.db, err = pebblestore.Open(pebblestore.Options{
		DataDir: filepath.Join(cfg.DataDir, "pebble"),
		Fsync:   pebblestore.ParseFsyncMode(cfg.Queue.Fsync),
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	r.notifier = opts.Notifier
	if r.notifier == nil {
		if r.notifier, err = buildNotifier(cfg.Notify, logger); err != nil {
			return nil, err
		}
	}

	qopts := queue.Options{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		DedupRetention: cfg.Queue.DedupRetention,
		Now:            now,
		OnDeadLetter:   feed.DeadLetterHook(r.notifier, logger),
	}
	backends := []queue.Backend{pebbleq.New(r.db, qopts)}
	if cfg.Queue.Badger.Enabled {
		dir := cfg.Queue.Badger.Dir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "badger")
		}
		bq, err := badgerq.Open(badgerq.Options{
			Dir:        dir,
			SyncWrites: pebblestore.ParseFsyncMode(cfg.Queue.Fsync) == pebblestore.FsyncModeAlways,
			GCInterval: cfg.Queue.Badger.GCInterval,
			Logger:     logger,
		}, qopts)
		if err != nil {
			return nil, err
		}
		backends = append(backends, bq)
	}
	if cfg.Queue.SQLite.Enabled {
		path := cfg.Queue.SQLite.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, "queue.sqlite")
		}
		sb, err := sqlq.Open(sqlq.Options{Path: path}, qopts)
		if err != nil {
			_ = closeAll(backends[1:])
			return nil, err
		}
		backends = append(backends, sb)
	}
	def, _ := command.ParseStorageType(cfg.Queue.Default)
	if def == command.StorageUndefined {
		def = command.StoragePebble
	}
	if r.router, err = queue.NewRouter(def, backends...); err != nil {
		_ = closeAll(backends[1:])
		return nil, err
	}

	snap, err := loadPolicy(cfg.Policy.File)
	if err != nil {
		return nil, err
	}
	r.policy = policy.NewStore(snap)
	if r.leases, err = lease.Build(LeaseConfig(cfg.Lease)); err != nil {
		return nil, err
	}

	ecfg := ExportConfig(cfg.Export)
	store, err := r.exportStore(ctx, cfg.Export, ecfg)
	if err != nil {
		return nil, err
	}
	if r.tracker, err = export.NewTracker(store, ecfg, r.notifier, export.WithClock(now), export.WithLogger(logger)); err != nil {
		return nil, err
	}
	resumed, err := r.tracker.Recover(ctx)
	if err != nil {
		return nil, err
	}

	r.svc, err = feed.New(feed.Deps{
		Resolver: r.policy,
		Router:   r.router,
		Leases:   r.leases,
		Tracker:  r.tracker,
		Logger:   logger,
		Now:      now,
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("runtime opened",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("default_queue", def.String()),
		logpkg.Int("backends", len(backends)),
		logpkg.Int64("policy_version", snap.Version),
		logpkg.Int("exports_resumed", resumed),
		logpkg.Str("export_store", cfg.Export.Store))
	return r, nil
}

func (r *Runtime) exportStore(ctx context.Context, c cfgpkg.ExportConfig, ecfg export.Config) (export.Store, error) {
	if strings.EqualFold(c.Store, "dynamodb") {
		return dynamostore.Open(ctx, dynamostore.Config{
			Table:    c.Dynamo.Table,
			Region:   c.Dynamo.Region,
			Endpoint: c.Dynamo.Endpoint,
		}, ecfg.Window)
	}
	return logstore.New(r.db, ecfg), nil
}

func buildNotifier(c cfgpkg.NotifyConfig, logger logpkg.Logger) (notify.Notifier, error) {
	multi := notify.Multi{notify.NewLog(logger)}
	if len(c.Kafka.Brokers) > 0 {
		k, err := notify.NewKafka(notify.KafkaConfig{Brokers: c.Kafka.Brokers, Topic: c.Kafka.Topic, Timeout: c.Kafka.Timeout})
		if err != nil {
			return nil, err
		}
		multi = append(multi, k)
	}
	return multi, nil
}

func loadPolicy(path string) (*policy.Snapshot, error) {
	if path == "" {
		return policy.Build(0, nil)
	}
	return policy.LoadFile(path)
}

func closeAll(bs []queue.Backend) error {
	var errs []error
	for _, b := range bs {
		errs = append(errs, b.Close())
	}
	return errors.Join(errs...)
}

// LeaseConfig converts the config section into a lease table definition.
func LeaseConfig(c cfgpkg.LeaseConfig) lease.Config {
	return lease.Config{Default: c.Default, Min: c.Min, Max: c.Max, Overrides: c.Overrides}
}

func ExportConfig(c cfgpkg.ExportConfig) export.Config {
	return export.Config{
		Window:        c.Window,
		SliceDuration: c.SliceDuration,
		Timeout:       c.Timeout,
		PollInterval:  c.PollInterval,
	}
}

// Reload applies the live-reloadable parts of cfg: the lease table and the
// policy snapshot. An older policy version is ignored.
func (r *Runtime) Reload(cfg cfgpkg.Config) error {
	var errs []error
	if err := r.leases.Refresh(LeaseConfig(cfg.Lease)); err != nil {
		errs = append(errs, fmt.Errorf("lease: %w", err))
	}
	if cfg.Policy.File != "" {
		snap, err := policy.LoadFile(cfg.Policy.File)
		switch {
		case err != nil:
			errs = append(errs, err)
		case !r.policy.Swap(snap):
			r.logger.Warn("policy reload skipped older snapshot", logpkg.Int64("version", snap.Version))
		default:
			r.logger.Info("policy reloaded", logpkg.Int64("version", snap.Version))
		}
	}
	return errors.Join(errs...)
}

// RunDedupPurge drops expired dedup records on every backend until ctx is
// done. It ticks at a quarter of the dedup retention, capped at an hour.
func (r *Runtime) RunDedupPurge(ctx context.Context) error {
	ticker := time.NewTicker(purgeInterval(r.cfg.Queue.DedupRetention))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.PurgeDedup(ctx)
		}
	}
}

// PurgeDedup runs one purge pass and returns how many records it dropped.
func (r *Runtime) PurgeDedup(ctx context.Context) int {
	n, err := r.router.PurgeDedup(ctx)
	if err != nil {
		r.logger.Warn("dedup purge failed", logpkg.Err(err), logpkg.Int("purged", n))
		return n
	}
	if n > 0 {
		r.logger.Debug("dedup records purged", logpkg.Int("purged", n))
	}
	return n
}

func purgeInterval(retention time.Duration) time.Duration {
	d := retention / 4
	switch {
	case d <= 0:
		return time.Minute
	case d > time.Hour:
		return time.Hour
	}
	return d
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	var errs []error
	if r.router != nil {
		errs = append(errs, r.router.Close())
	}
	if r.notifier != nil {
		errs = append(errs, r.notifier.Close())
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
		r.db = nil
	}
	return errors.Join(errs...)
}

// CheckHealth pings every queue backend and requires a loaded policy.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	if r.policy.Current() == nil {
		return errors.New("policy not loaded")
	}
	return r.router.Ping(ctx)
}

func (r *Runtime) Service() *feed.Service { return r.svc }
func (r *Runtime) Tracker() *export.Tracker { return r.tracker }
func (r *Runtime) Policy() *policy.Store { return r.policy }
func (r *Runtime) Leases() *lease.Policy { return r.leases }
func (r *Runtime) Config() cfgpkg.Config { return r.cfg }
func (r *Runtime) DB() *pebblestore.DB { return r.db }
func (r *Runtime) Notifier() notify.Notifier { return r.notifier }
