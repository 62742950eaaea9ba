// Package catalog はCRMのタグとフィールド一覧を定期的に再同期するジョブを提供する。
// 連続して失敗した場合は回数に応じてバックオフし、CRMへの負荷を抑える。
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/crmsync/internal/syncengine"
)

// Engine は同期ジョブが利用するエンジンの操作。
// テスト時にモックに差し替え可能。
type Engine interface {
	State() syncengine.State
	Connect(ctx context.Context) error
	Sync(ctx context.Context) (*syncengine.SyncResult, error)
}

// Config は同期ジョブの設定パラメータ。
type Config struct {
	// Interval は同期の実行間隔（デフォルト: 1時間）。
	Interval time.Duration
}

// DefaultConfig はデフォルトの同期ジョブ設定を返す。
func DefaultConfig() Config {
	return Config{Interval: time.Hour}
}

// Job はカタログの定期同期ジョブ。
// 未接続の場合は設定済みのCRMへの接続を試みてから同期する。
type Job struct {
	engine            Engine
	logger            *slog.Logger
	config            Config
	now               func() time.Time
	consecutiveErrors int
	backoffUntil      time.Time
}

// NewJob はJobの新しいインスタンスを生成する。
func NewJob(engine Engine, logger *slog.Logger, config Config) *Job {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Job{
		engine: engine,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Start はジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info("カタログ同期ジョブを開始しました",
		slog.Duration("interval", j.config.Interval),
	)

	// 起動直後に1回実行
	if err := j.RunOnce(ctx); err != nil {
		j.logger.Error("カタログ同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("カタログ同期ジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil {
				j.logger.Error("カタログ同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は1回の同期サイクルを実行する。
// CRMが未設定の場合、または他の接続・同期処理が実行中の場合は何もしない。
func (j *Job) RunOnce(ctx context.Context) error {
	// バックオフ中の場合はスキップ
	if !j.backoffUntil.IsZero() && j.now().Before(j.backoffUntil) {
		j.logger.Info("カタログ同期ジョブはバックオフ中のためスキップします",
			slog.Time("backoff_until", j.backoffUntil),
		)
		return nil
	}

	if j.engine.State() == syncengine.StateDisconnected {
		err := j.engine.Connect(ctx)
		if errors.Is(err, syncengine.ErrNoActiveCRM) {
			j.logger.Info("CRMが設定されていないため同期をスキップします")
			return nil
		}
		if err != nil {
			j.recordFailure()
			return err
		}
	}

	result, err := j.engine.Sync(ctx)
	if errors.Is(err, syncengine.ErrBusy) {
		j.logger.Info("他の処理が実行中のため同期をスキップします")
		return nil
	}
	if err != nil {
		j.recordFailure()
		return err
	}

	j.consecutiveErrors = 0
	j.backoffUntil = time.Time{}

	j.logger.Info("カタログ同期サイクルが完了しました",
		slog.String("crm", result.CRM),
		slog.Int("tags", result.Tags),
		slog.Int("fields", result.Fields),
		slog.Float64("duration_ms", float64(result.Duration.Milliseconds())),
	)
	return nil
}

func (j *Job) recordFailure() {
	j.consecutiveErrors++
	backoff := calculateErrorBackoff(j.consecutiveErrors)
	if backoff > 0 {
		j.backoffUntil = j.now().Add(backoff)
		j.logger.Warn("連続エラーによりバックオフを適用します",
			slog.Int("consecutive_errors", j.consecutiveErrors),
			slog.Duration("backoff_duration", backoff),
		)
	}
}

// calculateErrorBackoff は連続エラー回数に基づくバックオフ時間を計算する。
// 3回連続: 30分、5回連続: 1時間、10回連続: 6時間。
func calculateErrorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 6 * time.Hour
	case consecutiveErrors >= 5:
		return 1 * time.Hour
	case consecutiveErrors >= 3:
		return 30 * time.Minute
	default:
		return 0
	}
}
