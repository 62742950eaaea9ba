// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/hitoshi/crmsync/internal/model"
)

// 設定ストアのバックエンド。
const (
	SettingsBackendPostgres = "postgres"
	SettingsBackendRedis    = "redis"
	SettingsBackendMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
// 優先順位: 環境変数 > YAML (CONFIG_PATH) > env-default。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Settings   SettingsConfig   `yaml:"settings"`
	CRM        CRMConfig        `yaml:"crm"`
	Salesforce SalesforceConfig `yaml:"salesforce"`
	Sync       SyncConfig       `yaml:"sync"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig は管理APIサーバーの設定。
type ServerConfig struct {
	Port            string        `yaml:"port"             env:"SERVER_PORT"             env-default:"8080"`
	AdminToken      string        `yaml:"admin_token"      env:"ADMIN_TOKEN"`
	RateLimit       int           `yaml:"rate_limit"       env:"RATE_LIMIT_GENERAL"      env-default:"120"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"300s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"30s"`
}

// DatabaseConfig はPostgreSQL接続の設定。
type DatabaseConfig struct {
	URL             string        `yaml:"url"               env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns"    env:"DATABASE_MAX_OPEN_CONNS"    env-default:"25"`
	MaxIdleConns    int           `yaml:"max_idle_conns"    env:"DATABASE_MAX_IDLE_CONNS"    env-default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME" env-default:"1h"`
}

// SettingsConfig は設定ストアの設定。
type SettingsConfig struct {
	Backend   string `yaml:"backend"    env:"SETTINGS_BACKEND"    env-default:"postgres"`
	RedisURL  string `yaml:"redis_url"  env:"REDIS_URL"`
	RedisHash string `yaml:"redis_hash" env:"SETTINGS_REDIS_HASH" env-default:"crmsync:settings"`

	// RefreshInterval は他のプロセスが保存した設定を取り込む間隔。0で無効。
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"SETTINGS_REFRESH_INTERVAL" env-default:"30s"`
}

// CRMConfig はCRMへの送信リクエストの設定。
type CRMConfig struct {
	Timeout      time.Duration `yaml:"timeout"       env:"CRM_TIMEOUT"       env-default:"30s"`
	RateLimit    float64       `yaml:"rate_limit"    env:"CRM_RATE_LIMIT"    env-default:"10"`
	RateBurst    int           `yaml:"rate_burst"    env:"CRM_RATE_BURST"    env-default:"5"`
	AllowPrivate bool          `yaml:"allow_private" env:"CRM_ALLOW_PRIVATE" env-default:"false"`
	AllowedPorts []int         `yaml:"allowed_ports" env:"CRM_ALLOWED_PORTS" env-default:"80,443"`
}

// SalesforceConfig はSalesforceの接続アプリケーションの設定。
type SalesforceConfig struct {
	ClientID     string `yaml:"client_id"     env:"SALESFORCE_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"SALESFORCE_CLIENT_SECRET"`
	LoginURL     string `yaml:"login_url"     env:"SALESFORCE_LOGIN_URL"`
	ObjectType   string `yaml:"object_type"   env:"SALESFORCE_OBJECT_TYPE"`
	TagType      string `yaml:"tag_type"      env:"SALESFORCE_TAG_TYPE"`
}

// SyncConfig は同期処理とバックグラウンドジョブの設定。
type SyncConfig struct {
	CatalogInterval   time.Duration `yaml:"catalog_interval"   env:"CATALOG_REFRESH_INTERVAL" env-default:"1h"`
	ImportConcurrency int           `yaml:"import_concurrency" env:"IMPORT_CONCURRENCY"       env-default:"4"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"   env:"LOG_CLEANUP_INTERVAL"     env-default:"24h"`
}

// LogConfig はログ出力とアクティビティログの設定。
type LogConfig struct {
	Level         string `yaml:"level"          env:"LOG_LEVEL"          env-default:"info"`
	RetentionDays int    `yaml:"retention_days" env:"LOG_RETENTION_DAYS" env-default:"14"`
	MaxRows       int64  `yaml:"max_rows"       env:"LOG_MAX_ROWS"       env-default:"10000"`
}

// Load はYAMLファイルと環境変数からConfigを読み込む。
// CONFIG_PATHが設定されている場合はそのファイルを読み込み、存在しなければエラーを返す。
// 設定されていない場合は環境変数と既定値だけを使う。
func Load() (*Config, error) {
	var cfg Config

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("設定ファイル %s を開けません: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗しました: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗しました: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}
	return &cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]string{SettingsBackendPostgres, SettingsBackendRedis, SettingsBackendMemory}, c.Settings.Backend) {
		errs = append(errs, fmt.Errorf("SETTINGS_BACKEND は postgres, redis, memory のいずれかを指定してください: %q", c.Settings.Backend))
	}
	if c.Settings.Backend == SettingsBackendRedis && c.Settings.RedisURL == "" {
		errs = append(errs, errors.New("SETTINGS_BACKEND=redis の場合は REDIS_URL が必須です"))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL が設定されていません"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("LOG_RETENTION_DAYS は0以上を指定してください: %d", c.Log.RetentionDays))
	}
	if c.Log.MaxRows <= 0 {
		errs = append(errs, fmt.Errorf("LOG_MAX_ROWS は1以上を指定してください: %d", c.Log.MaxRows))
	}
	if c.CRM.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("CRM_RATE_LIMIT は0以上を指定してください: %v", c.CRM.RateLimit))
	}
	for _, p := range c.CRM.AllowedPorts {
		if p <= 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("CRM_ALLOWED_PORTS に不正なポートがあります: %d", p))
		}
	}
	if c.Sync.ImportConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("IMPORT_CONCURRENCY は1以上を指定してください: %d", c.Sync.ImportConcurrency))
	}
	if c.Settings.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("SETTINGS_REFRESH_INTERVAL は0以上を指定してください: %v", c.Settings.RefreshInterval))
	}
	if c.Sync.CatalogInterval < 0 {
		errs = append(errs, fmt.Errorf("CATALOG_REFRESH_INTERVAL は0以上を指定してください: %v", c.Sync.CatalogInterval))
	}

	return errors.Join(errs...)
}

// SlogLevel はLOG_LEVELをslogのレベルに変換する。
// info/notice/warning/error に加えて debug を受け付ける。
func (l LogConfig) SlogLevel() (slog.Level, error) {
	if l.Level == "debug" {
		return slog.LevelDebug, nil
	}
	lv, err := model.ParseLogLevel(l.Level)
	if err != nil {
		return 0, fmt.Errorf("LOG_LEVEL が不正です: %w", err)
	}
	return lv.Severity(), nil
}
