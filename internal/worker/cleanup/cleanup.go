// Package cleanup はアクティビティログの保持期間による自動削除ジョブを提供する。
// 行数上限による削除とは独立して、保持日数を超過したログを日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Deleter は指定時刻より古いログを削除する。
// repository.PostgresLogRepo が満たす。
type Deleter interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recorder は削除件数をメトリクスに記録する。
type Recorder interface {
	RecordLogsDeleted(reason string, count int64)
}

// CleanupJob は保持期間を超過したアクティビティログの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	repo     Deleter
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	RetentionDays int // ログの保持日数。0以下の場合は削除しない
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(repo Deleter, recorder Recorder, retentionDays int, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		repo:          repo,
		recorder:      recorder,
		logger:        logger,
		now:           time.Now,
		RetentionDays: retentionDays,
	}
}

// Enabled は保持期間による削除が有効かを返す。
func (j *CleanupJob) Enabled() bool {
	return j.RetentionDays > 0
}

// Run は保持期間を超過したログを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	if !j.Enabled() {
		return nil
	}
	start := time.Now()
	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("ログクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("ログクリーンアップの実行に失敗: %w", err)
	}

	if j.recorder != nil && deletedCount > 0 {
		j.recorder.RecordLogsDeleted("retention", deletedCount)
	}

	duration := time.Since(start)
	j.logger.Info("ログクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降はintervalごとに実行する。
// コンテキストがキャンセルされるまでブロックする。無効な場合はすぐに戻る。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if !j.Enabled() {
		j.logger.Info("ログの保持期間が設定されていないため、クリーンアップジョブを起動しません")
		return
	}

	j.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	// Runがエラーをログ出力済み
	_ = j.Run(ctx)
}
