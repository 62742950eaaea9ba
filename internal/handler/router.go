// Package handler は管理APIのHTTPハンドラーとルーティングを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/crmsync/internal/middleware"
)

// RouterDeps はルーター構築に必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	AdminToken  string
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger

	// CRM接続とカタログ
	CRMEngine CRMEngine
	Registry  CRMRegistry
	Validator CredentialValidator

	// コンタクト同期
	ContactEngine ContactEngine

	// 設定
	Settings SettingsService

	// アクティビティログ
	Logs         LogService
	LogsRecorder DeletionRecorder

	// ヘルスチェックとメトリクス
	HealthChecks   map[string]HealthCheck
	StateReporter  StateReporter
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → AdminAuth → RateLimit(General)
//
// /health はAdminAuthの外に配置する。CRMを呼び出すルートには重い操作用のレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	crmHandler := NewCRMHandler(deps.CRMEngine, deps.Registry, deps.Validator, deps.Settings, logger)
	contactHandler := NewContactHandler(deps.ContactEngine)
	settingsHandler := NewSettingsHandler(deps.Settings)
	logHandler := NewLogHandler(deps.Logs, deps.LogsRecorder)
	healthHandler := NewHealthHandler(deps.HealthChecks, deps.StateReporter, logger)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler.Health)

	// --- 管理トークンが必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAdminAuthMiddleware(deps.AdminToken))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		heavy := deps.RateLimiter.HeavyOperationMiddleware()

		if deps.MetricsHandler != nil {
			r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
		}

		r.Route("/api", func(r chi.Router) {
			// CRM接続
			r.Get("/status", crmHandler.Status)
			r.With(heavy).Post("/sync", crmHandler.Sync)
			r.With(heavy).Post("/connection/test", crmHandler.TestConnection)
			r.Delete("/connection", crmHandler.Disconnect)

			// カタログ
			r.Get("/catalog/tags", crmHandler.ListTags)
			r.Get("/catalog/fields", crmHandler.ListFields)

			// 設定
			r.Route("/settings", func(r chi.Router) {
				r.Get("/", settingsHandler.Get)
				r.Put("/logging", settingsHandler.UpdateLogging)
				r.Put("/contact-fields", settingsHandler.UpdateContactFields)
			})

			// コンタクト同期
			r.Route("/users/{id}", func(r chi.Router) {
				r.With(heavy).Post("/resync", contactHandler.Resync)
				r.With(heavy).Post("/push", contactHandler.Push)
				r.With(heavy).Post("/pull", contactHandler.Pull)
				r.Route("/tags", func(r chi.Router) {
					r.Put("/", contactHandler.SetTags)
					r.Post("/apply", contactHandler.ApplyTags)
					r.Post("/remove", contactHandler.RemoveTags)
				})
			})
			r.With(heavy).Post("/import", contactHandler.Import)

			// アクティビティログ
			r.Route("/logs", func(r chi.Router) {
				r.Get("/", logHandler.List)
				r.Delete("/", logHandler.Flush)
				r.Post("/delete", logHandler.DeleteMany)
			})
		})
	})

	return r
}
