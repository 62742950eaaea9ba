package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/crmsync/internal/config"
	"github.com/hitoshi/crmsync/internal/handler"
	"github.com/hitoshi/crmsync/internal/metrics"
	"github.com/hitoshi/crmsync/internal/middleware"
	"github.com/hitoshi/crmsync/internal/syncengine"
)

func testConfig(backend string) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{AdminToken: "secret", RateLimit: 120},
		Settings: config.SettingsConfig{Backend: backend, RedisHash: "crmsync:test"},
		CRM: config.CRMConfig{
			Timeout:      time.Second,
			RateLimit:    10,
			RateBurst:    5,
			AllowedPorts: []int{80, 443},
		},
		Sync: config.SyncConfig{ImportConcurrency: 2, CatalogInterval: time.Hour, CleanupInterval: time.Hour},
		Log:  config.LogConfig{Level: "info", RetentionDays: 14, MaxRows: 100},
	}
}

func newMockServices(t *testing.T, cfg *config.Config, logOut io.Writer) (*services, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)

	s, err := newServices(context.Background(), cfg, db, slog.New(slog.NewJSONHandler(logOut, nil)))
	require.NoError(t, err)
	t.Cleanup(func() {
		mock.ExpectClose()
		s.Close()
	})
	return s, mock
}

func TestNewServices_MemoryBackend(t *testing.T) {
	s, _ := newMockServices(t, testConfig(config.SettingsBackendMemory), io.Discard)

	assert.Equal(t, []string{"activecampaign", "mautic", "salesforce"}, s.registry.Slugs())
	assert.Equal(t, syncengine.StateDisconnected, s.engine.State())
	assert.Contains(t, s.healthChecks, "database")
	assert.NotContains(t, s.healthChecks, "redis")
	assert.True(t, s.settings.Snapshot().EnableLogging, "ログ記録は既定で有効")
}

func TestNewServices_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(config.SettingsBackendRedis)
	cfg.Settings.RedisURL = "redis://" + mr.Addr()

	s, _ := newMockServices(t, cfg, io.Discard)

	require.Contains(t, s.healthChecks, "redis")
	assert.NoError(t, s.healthChecks["redis"](context.Background()))

	require.NoError(t, s.settings.SetLogging(context.Background(), true, true))
	assert.True(t, mr.Exists("crmsync:test"), "設定がRedisハッシュに保存されていない")
}

func TestNewServices_InvalidRedisURL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()

	cfg := testConfig(config.SettingsBackendRedis)
	cfg.Settings.RedisURL = "://bad"
	_, err = newServices(context.Background(), cfg, db, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
	assert.NoError(t, mock.ExpectationsWereMet(), "エラー時にDBが閉じられていない")
}

func TestConnectOnStartup_NoActiveCRM(t *testing.T) {
	var buf bytes.Buffer
	s, _ := newMockServices(t, testConfig(config.SettingsBackendMemory), &buf)

	s.connectOnStartup(context.Background())

	assert.Contains(t, buf.String(), "no active CRM configured")
	assert.Equal(t, syncengine.StateDisconnected, s.engine.State())
}

// TestServicesRouter_Wiring はワイヤリングした依存関係で管理APIが応答することを検証する。
func TestServicesRouter_Wiring(t *testing.T) {
	s, mock := newMockServices(t, testConfig(config.SettingsBackendMemory), io.Discard)
	mock.ExpectPing()

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)
	router := handler.NewRouter(&handler.RouterDeps{
		AdminToken:     s.cfg.Server.AdminToken,
		RateLimiter:    rl,
		Logger:         s.logger,
		CRMEngine:      s.engine,
		Registry:       s.registry,
		Validator:      s.guard,
		ContactEngine:  s.engine,
		Settings:       s.settings,
		Logs:           s.activity,
		LogsRecorder:   s.collector,
		HealthChecks:   s.healthChecks,
		StateReporter:  s.engine,
		MetricsHandler: metrics.Handler(s.gatherer),
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"disconnected"`)

	// 接続テストはSSRF検証で拒否される
	req = httptest.NewRequest(http.MethodPost, "/api/connection/test",
		strings.NewReader(`{"crm":"mautic","credentials":{"url":"http://127.0.0.1"}}`))
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "crmsync_connection_state")
}
