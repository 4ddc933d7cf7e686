package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/eliteGoblin/focusd/ipguard/internal/config"
	"github.com/eliteGoblin/focusd/ipguard/internal/domain"
	"github.com/eliteGoblin/focusd/ipguard/internal/infra"
	"github.com/eliteGoblin/focusd/ipguard/internal/policy"
	"github.com/eliteGoblin/focusd/ipguard/internal/usecase"
)

// app holds the wired components for one CLI invocation.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     domain.RuleRecordStore
	evaluator domain.RuleEvaluator
	rdb       *redis.Client
	closers   []func() error
}

func newApp(ctx context.Context, path string, debug bool) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return wire(ctx, cfg, createLogger(cfg.Log, debug))
}

// wire builds the store, queue, notifier and evaluator from cfg.
func wire(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := a.buildStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	queue := infra.NewFirewallQueueWriter(cfg.IptablesWatchingFolder, logger)
	tiers := policy.NewRegistry(cfg.DataCircle(), cfg.SystemFirewall(), queue)
	for _, t := range tiers.GetAll() {
		logger.Debug("escalation tier",
			zap.String("tier", t.Name),
			zap.String("applies_to", t.AppliesTo.String()),
			zap.Bool("enabled", t.Settings.Enabled),
			zap.Int("buffer", t.Settings.Buffer),
			zap.Bool("notify", t.Settings.Notify))
	}

	opts := []usecase.EvaluatorOption{}
	if n := a.buildNotifier(); n != nil {
		opts = append(opts, usecase.WithNotifier(n))
	}
	a.evaluator = usecase.NewEvaluator(store, cfg.Window(), tiers, logger, opts...)

	logger.Debug("ipguard wired",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("notify", cfg.Notify.Driver),
		zap.String("queue", queue.Path()))
	return a, nil
}

func (a *app) redisClient() *redis.Client {
	if a.rdb == nil {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, a.rdb.Close)
	}
	return a.rdb
}

func (a *app) buildStore(ctx context.Context) (domain.RuleRecordStore, error) {
	s := a.cfg.Storage
	switch s.Driver {
	case config.StorageMemory:
		return infra.NewMemoryRecordStore(), nil

	case config.StorageFile:
		return infra.NewFileRecordStore(infra.ExpandHome(s.Path))

	case config.StorageSQLCipher:
		dataDir := infra.ExpandHome(s.DataDir)
		var provider domain.KeyProvider = infra.NewFileKeyProvider(dataDir)
		if s.KeyEnv != "" {
			provider = infra.NewEnvKeyProvider(s.KeyEnv)
		}
		key, err := infra.EnsureKey(provider)
		if err != nil {
			return nil, fmt.Errorf("failed to load database key: %w", err)
		}
		store, err := infra.OpenEncryptedRecordStore(ctx, dataDir, key)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	case config.StoragePostgres:
		store, err := infra.OpenPostgresRecordStore(ctx, s.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	case config.StorageRedis:
		return infra.NewRedisRecordStore(a.redisClient(), infra.WithRecordPrefix(s.Prefix)), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", s.Driver)
}

// buildNotifier returns nil when notifications are disabled.
func (a *app) buildNotifier() domain.NotificationDispatcher {
	n := a.cfg.Notify
	node := infra.LookupNodeInfo()

	var d domain.NotificationDispatcher
	switch n.Driver {
	case config.NotifyLog:
		d = infra.NewLogNotifier(a.logger, node)
	case config.NotifyRedis:
		d = infra.MultiNotifier{
			infra.NewLogNotifier(a.logger, node),
			infra.NewRedisNotifier(a.redisClient(), n.Channel, node),
		}
	default:
		return nil
	}

	if n.RatePerMinute > 0 {
		limiter := rate.NewLimiter(rate.Limit(n.RatePerMinute/60), max(n.Burst, 1))
		d = infra.NewRateLimitedNotifier(d, limiter, a.logger)
	}
	return d
}

// Close releases store and client connections.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Debug("close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func createLogger(cfg config.LogConfig, debug bool) *zap.Logger {
	if debug {
		logger, _ := zap.NewDevelopment()
		return logger
	}

	zc := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(cfg.Level); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	if cfg.File != "" {
		file := infra.ExpandHome(cfg.File)
		ext := filepath.Ext(file)
		zc.OutputPaths = []string{file}
		zc.ErrorOutputPaths = []string{file[:len(file)-len(ext)] + ".error" + ext}
	}
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}
