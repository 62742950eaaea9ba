package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/crmsync/internal/activitylog"
	"github.com/hitoshi/crmsync/internal/config"
	"github.com/hitoshi/crmsync/internal/crm"
	"github.com/hitoshi/crmsync/internal/crm/activecampaign"
	"github.com/hitoshi/crmsync/internal/crm/mautic"
	"github.com/hitoshi/crmsync/internal/crm/salesforce"
	"github.com/hitoshi/crmsync/internal/database"
	"github.com/hitoshi/crmsync/internal/events"
	"github.com/hitoshi/crmsync/internal/fieldmap"
	"github.com/hitoshi/crmsync/internal/handler"
	"github.com/hitoshi/crmsync/internal/metrics"
	"github.com/hitoshi/crmsync/internal/repository"
	"github.com/hitoshi/crmsync/internal/security"
	"github.com/hitoshi/crmsync/internal/settings"
	"github.com/hitoshi/crmsync/internal/syncengine"
)

// engineSource はアクティビティログで同期エンジン自身を示すソース名。
const engineSource = "syncengine"

// services はサブコマンドが共有する依存関係をまとめたもの。
type services struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sql.DB
	redis *redis.Client

	users    *repository.PostgresUserRepo
	logs     *repository.PostgresLogRepo
	settings *settings.Service

	guard     security.SSRFGuardService
	registry  *crm.Registry
	bus       *events.Bus
	activity  *activitylog.Logger
	engine    *syncengine.Engine
	collector *metrics.Collector
	gatherer  prometheus.Gatherer

	healthChecks map[string]handler.HealthCheck
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.Database.URL, database.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.Database.URL)),
	)
	return db, nil
}

// newServices は開いたDB接続を使って全依存関係をワイヤリングする。
// 設定はStoreから読み込み済みの状態で返す。dbの所有権は返り値に移り、エラー時は閉じる。
func newServices(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*services, error) {
	s := &services{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		users:        repository.NewPostgresUserRepo(db),
		logs:         repository.NewPostgresLogRepo(db),
		healthChecks: map[string]handler.HealthCheck{"database": db.PingContext},
	}

	// 1. 設定ストア
	store, err := s.settingsStore()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.settings = settings.NewService(store, logger)
	if err := s.settings.Load(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.collector = metrics.NewCollector(reg)
	s.gatherer = reg

	// 3. CRMアダプタ
	s.guard = security.NewSSRFGuard(security.SSRFGuardOptions{
		AllowedPorts: cfg.CRM.AllowedPorts,
		AllowPrivate: cfg.CRM.AllowPrivate,
	})
	s.registry = crm.NewRegistry()
	factories := []struct {
		slug    string
		factory crm.Factory
	}{
		{activecampaign.Slug, activecampaign.New},
		{mautic.Slug, mautic.New},
		{salesforce.Slug, salesforce.Factory(salesforce.Config{
			ClientID:     cfg.Salesforce.ClientID,
			ClientSecret: cfg.Salesforce.ClientSecret,
			LoginURL:     cfg.Salesforce.LoginURL,
			ObjectType:   cfg.Salesforce.ObjectType,
			TagType:      cfg.Salesforce.TagType,
		})},
	}
	for _, f := range factories {
		if err := s.registry.Register(f.slug, f.factory); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to register CRM adapter: %w", err)
		}
	}

	limit := rate.Inf
	if cfg.CRM.RateLimit > 0 {
		limit = rate.Limit(cfg.CRM.RateLimit)
	}
	deps := crm.Deps{
		HTTPClient: s.guard.NewSafeClient(cfg.CRM.Timeout),
		Timeout:    cfg.CRM.Timeout,
		Limiter:    rate.NewLimiter(limit, cfg.CRM.RateBurst),
		Mapper:     fieldmap.New(),
		Recorder:   s.collector,
		Sanitizer:  security.NewMessageSanitizer(),
	}

	// 4. イベントバスとアクティビティログ
	s.bus = events.NewBus(logger)
	s.bus.Subscribe(events.TypeSyncCompleted, func(ctx context.Context, e events.Event) {
		if p, ok := e.Payload.(events.SyncCompleted); ok {
			logger.Info("catalog synced",
				slog.String("event_id", e.ID),
				slog.String("crm", p.CRM),
				slog.Int("tags", p.Tags),
				slog.Int("fields", p.Fields),
			)
		}
	})
	s.activity = activitylog.New(s.logs, s.settings, s.bus, activitylog.Options{
		MaxRows: cfg.Log.MaxRows,
		Sources: append(s.registry.Slugs(), engineSource),
	}, logger)

	// 5. 同期エンジン
	s.engine = syncengine.New(
		s.registry, deps, s.settings, s.users, s.activity, s.bus, s.collector,
		syncengine.Options{
			ImportConcurrency: cfg.Sync.ImportConcurrency,
			OnStateChange: func(from, to syncengine.State) {
				// 認証失敗は認証情報の再設定が必要
				if to == syncengine.StateError {
					logger.Warn("crm authentication failed, reconfigure credentials",
						slog.String("from", string(from)),
					)
				}
			},
		},
		logger,
	)

	return s, nil
}

// settingsStore は設定のバックエンドに応じたStoreを返す。
func (s *services) settingsStore() (settings.Store, error) {
	switch s.cfg.Settings.Backend {
	case config.SettingsBackendRedis:
		opt, err := redis.ParseURL(s.cfg.Settings.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("REDIS_URL の解析に失敗しました: %w", err)
		}
		s.redis = redis.NewClient(opt)
		store := settings.NewRedisStore(s.redis, s.cfg.Settings.RedisHash)
		s.healthChecks["redis"] = store.Ping
		return store, nil
	case config.SettingsBackendMemory:
		return settings.NewMemoryStore(), nil
	default:
		return repository.NewPostgresSettingsRepo(s.db), nil
	}
}

// connectOnStartup はアクティブなCRMがあれば接続する。失敗しても起動は続ける。
func (s *services) connectOnStartup(ctx context.Context) {
	err := s.engine.Connect(ctx)
	switch {
	case err == nil:
	case errors.Is(err, syncengine.ErrNoActiveCRM):
		s.logger.Info("no active CRM configured")
	default:
		s.logger.Warn("failed to connect to CRM on startup", slog.String("error", err.Error()))
	}
}

// startSettingsRefresh は他のプロセスが保存した設定を定期的に取り込む。
// 単一プロセス内で完結するmemoryバックエンドでは起動しない。
func (s *services) startSettingsRefresh(ctx context.Context) {
	interval := s.cfg.Settings.RefreshInterval
	if interval <= 0 || s.cfg.Settings.Backend == config.SettingsBackendMemory {
		return
	}
	go s.settings.RunRefresh(ctx, interval)
}

// Close はRedisとDBの接続を閉じる。
func (s *services) Close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("failed to close database", slog.String("error", err.Error()))
		}
	}
}
