package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/crmsync/internal/database"
	"github.com/hitoshi/crmsync/internal/handler"
	"github.com/hitoshi/crmsync/internal/metrics"
	"github.com/hitoshi/crmsync/internal/middleware"
	"github.com/hitoshi/crmsync/internal/model"
	"github.com/hitoshi/crmsync/internal/worker/catalog"
	"github.com/hitoshi/crmsync/internal/worker/cleanup"
)

// serveCmd は管理APIサーバーを起動する。
func (r *runner) serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "管理APIサーバーを起動する",
		Action: func(c *cli.Context) error {
			return r.withServices(c, runServe)
		},
	}
}

// runServe はHTTPサーバーを起動し、SIGINTまたはSIGTERMでグレースフルシャットダウンを行う。
func runServe(ctx context.Context, s *services) error {
	cfg := s.cfg
	s.connectOnStartup(ctx)
	s.startSettingsRefresh(ctx)

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig().WithGeneralPerMinute(cfg.Server.RateLimit))
	defer rl.Stop()

	if cfg.Server.AdminToken == "" {
		s.logger.Warn("ADMIN_TOKEN is empty; all admin API requests will be rejected")
	}

	router := handler.NewRouter(&handler.RouterDeps{
		AdminToken:     cfg.Server.AdminToken,
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

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped gracefully")
	return nil
}

// workerCmd はカタログ更新とログ保持期間のジョブを起動する。
func (r *runner) workerCmd() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "カタログの定期更新とログのクリーンアップを実行する",
		Action: func(c *cli.Context) error {
			return r.withServices(c, runWorker)
		},
	}
}

// runWorker はバックグラウンドジョブを起動し、シグナルを受信するまでブロックする。
func runWorker(ctx context.Context, s *services) error {
	cfg := s.cfg
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Sync.CatalogInterval > 0 {
		job := catalog.NewJob(s.engine, s.logger, catalog.Config{Interval: cfg.Sync.CatalogInterval})
		g.Go(func() error {
			job.Start(ctx)
			return nil
		})
	} else {
		s.logger.Info("catalog refresh disabled")
	}

	if cfg.Settings.RefreshInterval > 0 {
		g.Go(func() error {
			s.settings.RunRefresh(ctx, cfg.Settings.RefreshInterval)
			return nil
		})
	}

	cleanupJob := cleanup.NewCleanupJob(s.logs, s.collector, cfg.Log.RetentionDays, s.logger)
	g.Go(func() error {
		cleanupJob.Start(ctx, cfg.Sync.CleanupInterval)
		return nil
	})

	s.logger.Info("worker starting",
		slog.Duration("catalog_interval", cfg.Sync.CatalogInterval),
		slog.Duration("cleanup_interval", cfg.Sync.CleanupInterval),
		slog.Int("retention_days", cfg.Log.RetentionDays),
	)

	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("worker stopped gracefully")
	return nil
}

// migrateCmd はデータベースマイグレーションを操作する。
func (r *runner) migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "データベースマイグレーションを適用する",
		Action: func(c *cli.Context) error {
			cfg, err := Init(r.logOut)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			slog.Info("running database migrations",
				slog.String("database_url", maskDatabaseURL(cfg.Database.URL)),
			)
			if err := database.RunMigrations(cfg.Database.URL); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			slog.Info("database migrations completed successfully")
			return nil
		},
		Subcommands: []*cli.Command{
			{
				Name:  "down",
				Usage: "マイグレーションを1段階戻す",
				Action: func(c *cli.Context) error {
					cfg, err := Init(r.logOut)
					if err != nil {
						return fmt.Errorf("initialization failed: %w", err)
					}
					if err := database.Down(cfg.Database.URL); err != nil {
						return fmt.Errorf("migration down failed: %w", err)
					}
					slog.Info("rolled back one migration")
					return nil
				},
			},
			{
				Name:  "version",
				Usage: "適用済みのマイグレーションバージョンを表示する",
				Action: func(c *cli.Context) error {
					cfg, err := Init(r.logOut)
					if err != nil {
						return fmt.Errorf("initialization failed: %w", err)
					}
					version, dirty, err := database.Version(cfg.Database.URL)
					if err != nil {
						return fmt.Errorf("failed to read migration version: %w", err)
					}
					return r.printJSON(map[string]any{"version": version, "dirty": dirty})
				},
			},
		},
	}
}

// syncCmd はアクティブなCRMに接続し、タグとフィールドを1回同期する。
func (r *runner) syncCmd() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "タグとフィールドのカタログを同期する",
		Action: func(c *cli.Context) error {
			return r.withServices(c, func(ctx context.Context, s *services) error {
				if err := s.engine.Connect(ctx); err != nil {
					return fmt.Errorf("failed to connect to CRM: %w", err)
				}
				result, err := s.engine.Sync(ctx)
				if err != nil {
					return fmt.Errorf("sync failed: %w", err)
				}
				return r.printJSON(map[string]any{
					"crm":         result.CRM,
					"tags":        result.Tags,
					"fields":      result.Fields,
					"duration_ms": result.Duration.Milliseconds(),
				})
			})
		},
	}
}

// testConnectionCmd は認証情報で接続を試し、成功すればアクティブなCRMとして保存する。
func (r *runner) testConnectionCmd() *cli.Command {
	return &cli.Command{
		Name:  "test-connection",
		Usage: "CRMへの接続を試し、成功した設定を保存する",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "crm", Required: true, Usage: "CRMのスラッグ (activecampaign|mautic|salesforce)"},
			&cli.StringFlag{Name: "url", Usage: "CRMのURL"},
			&cli.StringFlag{Name: "username", Usage: "ユーザー名"},
			&cli.StringFlag{Name: "password", EnvVars: []string{"CRM_PASSWORD"}, Usage: "パスワード"},
			&cli.StringFlag{Name: "api-key", EnvVars: []string{"CRM_API_KEY"}, Usage: "APIキー"},
			&cli.StringFlag{Name: "instance-url", Usage: "SalesforceのインスタンスURL"},
		},
		Action: func(c *cli.Context) error {
			return r.withServices(c, func(ctx context.Context, s *services) error {
				slug := c.String("crm")
				if !s.registry.Has(slug) {
					return model.NewUnknownCRMError(slug)
				}
				creds := model.Credentials{
					URL:         c.String("url"),
					Username:    c.String("username"),
					Password:    c.String("password"),
					APIKey:      c.String("api-key"),
					InstanceURL: c.String("instance-url"),
				}
				if err := s.guard.ValidateCredentials(creds); err != nil {
					return fmt.Errorf("接続先URLが拒否されました: %w", err)
				}
				if err := s.engine.TestConnection(ctx, slug, creds); err != nil {
					return fmt.Errorf("connection test failed: %w", err)
				}
				st := s.engine.Status()
				return r.printJSON(map[string]any{"state": st.State, "crm": st.CRM})
			})
		},
	}
}

// resyncCmd はユーザーのコンタクトIDとタグをCRMから取得し直す。
func (r *runner) resyncCmd() *cli.Command {
	return &cli.Command{
		Name:  "resync",
		Usage: "ユーザーのコンタクトとタグを再同期する",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "user-id", Required: true, Usage: "ローカルユーザーID"},
		},
		Action: func(c *cli.Context) error {
			return r.withServices(c, func(ctx context.Context, s *services) error {
				if err := s.engine.Connect(ctx); err != nil {
					return fmt.Errorf("failed to connect to CRM: %w", err)
				}
				user := s.engine.ResyncContact(ctx, c.Int64("user-id"))
				if user == nil {
					return errors.New("再同期に失敗しました。詳細はアクティビティログを確認してください")
				}
				return r.printJSON(map[string]any{
					"id":         user.ID,
					"email":      user.Email,
					"contact_id": user.ContactID,
					"tags":       user.Tags,
				})
			})
		},
	}
}

// importCmd はタグが付いたコンタクトをローカルユーザーとして取り込む。
func (r *runner) importCmd() *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "指定タグのコンタクトをインポートする",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tag", Required: true, Usage: "インポート対象のタグ"},
		},
		Action: func(c *cli.Context) error {
			return r.withServices(c, func(ctx context.Context, s *services) error {
				if err := s.engine.Connect(ctx); err != nil {
					return fmt.Errorf("failed to connect to CRM: %w", err)
				}
				result, err := s.engine.ImportByTag(ctx, c.String("tag"))
				if err != nil {
					return fmt.Errorf("import failed: %w", err)
				}
				return r.printJSON(map[string]any{
					"tag":      c.String("tag"),
					"total":    result.Total,
					"imported": result.Imported,
					"skipped":  result.Skipped,
					"failed":   result.Failed,
				})
			})
		},
	}
}

// logsCmd はアクティビティログを操作する。
func (r *runner) logsCmd() *cli.Command {
	return &cli.Command{
		Name:  "logs",
		Usage: "アクティビティログを操作する",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "ログを新しい順に表示する",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "level", Usage: "最低レベル (info|notice|warning|error)"},
					&cli.Int64Flag{Name: "user-id", Usage: "ユーザーIDで絞り込む"},
					&cli.StringFlag{Name: "source", Usage: "ソースで絞り込む"},
					&cli.IntFlag{Name: "limit", Value: 50, Usage: "表示件数"},
				},
				Action: func(c *cli.Context) error {
					filter := model.LogFilter{
						UserID: c.Int64("user-id"),
						Source: c.String("source"),
						Limit:  c.Int("limit"),
					}
					if v := c.String("level"); v != "" {
						level, err := model.ParseLogLevel(v)
						if err != nil {
							return err
						}
						filter.Level = level
					}
					return r.withServices(c, func(ctx context.Context, s *services) error {
						entries, err := s.activity.List(ctx, filter)
						if err != nil {
							return err
						}
						return r.printJSON(logEntriesOutput(entries))
					})
				},
			},
			{
				Name:  "flush",
				Usage: "全ログを削除する",
				Action: func(c *cli.Context) error {
					return r.withServices(c, func(ctx context.Context, s *services) error {
						return s.activity.Flush(ctx)
					})
				},
			},
		},
	}
}

// logEntriesOutput はログ一覧をレベル名付きの出力形式に変換する。
func logEntriesOutput(entries []model.LogEntry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":        e.ID,
			"timestamp": e.Timestamp,
			"level":     e.Level.String(),
			"user_id":   e.UserID,
			"source":    e.Source,
			"message":   e.Message,
		})
	}
	return out
}

// healthcheckCmd はdistroless環境でのDockerヘルスチェック用サブコマンド。
// 設定の読み込みを行わず、/health にHTTPリクエストを送る。
func healthcheckCmd() *cli.Command {
	return &cli.Command{
		Name:  "healthcheck",
		Usage: "稼働中のサーバーの /health を確認する",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "port", EnvVars: []string{"SERVER_PORT"}, Value: "8080", Usage: "サーバーのポート"},
		},
		Action: func(c *cli.Context) error {
			return runHealthcheck(c.String("port"))
		},
	}
}

// runHealthcheck は /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: healthcheckTimeout}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
