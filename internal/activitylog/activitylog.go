// Package activitylog はCRM連携の操作履歴をレベル付きでテーブルに記録する。
// テーブルは行数の上限を持ち、上限を超えた挿入ごとに最も古い1行を削除する。
package activitylog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/crmsync/internal/events"
	"github.com/hitoshi/crmsync/internal/fieldmap"
	"github.com/hitoshi/crmsync/internal/model"
)

// DefaultMaxRows はテーブルの既定の行数上限。
const DefaultMaxRows = 10000

// Repository はログテーブルへのアクセスを提供する。
type Repository interface {
	// InsertCapped はエントリを保存して採番されたlog_idを返す。
	// 行数がmaxRowsを超えた場合はlog_idが最小の1行を同じトランザクションで削除する。
	InsertCapped(ctx context.Context, entry *model.LogEntry, maxRows int64) (int64, error)
	// Flush は全行を削除する。
	Flush(ctx context.Context) error
	// DeleteByIDs は指定IDの行を削除し、削除件数を返す。
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
	// List は条件に一致する行を新しい順に返す。
	List(ctx context.Context, filter model.LogFilter) ([]model.LogEntry, error)
}

// Settings はログ記録の設定を提供する。
type Settings interface {
	LoggingEnabled() bool
	LoggingErrorsOnly() bool
	ContactFields() []model.FieldDefinition
}

// Options はLoggerの動作設定。
type Options struct {
	// MaxRows はテーブルの行数上限。0以下の場合はDefaultMaxRows。
	MaxRows int64
	// Sources は呼び出し元の推定に使うコンポーネント名。
	Sources []string
}

// Logger はアクティビティログを記録する。
type Logger struct {
	repo     Repository
	settings Settings
	bus      *events.Bus
	detector *sourceDetector
	maxRows  int64
	logger   *slog.Logger
	now      func() time.Time
}

// New はLoggerを生成する。busがnilの場合はイベントを発行しない。
func New(repo Repository, settings Settings, bus *events.Bus, opts Options, logger *slog.Logger) *Logger {
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultMaxRows
	}
	return &Logger{
		repo:     repo,
		settings: settings,
		bus:      bus,
		detector: newSourceDetector(opts.Sources),
		maxRows:  opts.MaxRows,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle はエントリを記録する。以下の場合は何も記録せずnilを返す。
//   - ログが無効
//   - errors-only設定でlevelがエラー以外
//   - フィールド変更の一覧がアクティブなフィールドに絞り込んだ結果空になった
func (l *Logger) Handle(ctx context.Context, level model.LogLevel, userID int64, message string, lc *model.LogContext) error {
	if !l.settings.LoggingEnabled() {
		return nil
	}
	if l.settings.LoggingErrorsOnly() && level != model.LogLevelError {
		return nil
	}

	entry := model.LogEntry{
		Timestamp: l.now(),
		Level:     level,
		UserID:    userID,
		Message:   message,
	}

	if lc != nil {
		c := *lc
		c.Version = model.LogContextVersion
		// 変更セットが指定された場合、空または絞り込み後に空ならエントリを記録しない
		if c.Fields != nil {
			c.Fields = filterActive(c.Fields, fieldmap.ActiveKeys(l.settings.ContactFields()))
			if len(c.Fields) == 0 {
				return nil
			}
		}
		entry.Source = c.Source
		entry.Context = &c
	}
	if entry.Source == "" {
		entry.Source = l.detector.detect()
	}

	l.logger.Log(ctx, level.Severity(), message,
		slog.String("source", entry.Source),
		slog.Int64("user_id", userID),
	)

	if l.bus != nil {
		l.bus.Publish(ctx, events.TypeLogHandled, events.LogHandled{Entry: entry})
	}

	if err := l.persist(ctx, &entry); err != nil {
		l.logger.Error("アクティビティログの保存に失敗しました",
			slog.String("source", entry.Source),
			slog.String("level", level.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// persist は挿入し、上限を超えた場合は最も古い1行を削除する。
func (l *Logger) persist(ctx context.Context, entry *model.LogEntry) error {
	id, err := l.repo.InsertCapped(ctx, entry, l.maxRows)
	if err != nil {
		return fmt.Errorf("ログの挿入に失敗しました: %w", err)
	}
	entry.ID = id
	return nil
}

func filterActive(fields map[string]model.FieldChange, active map[string]bool) map[string]model.FieldChange {
	out := make(map[string]model.FieldChange, len(fields))
	for k, v := range fields {
		if active[k] {
			out[k] = v
		}
	}
	return out
}

// Info はinfoレベルで記録する。
func (l *Logger) Info(ctx context.Context, userID int64, message string, lc *model.LogContext) {
	_ = l.Handle(ctx, model.LogLevelInfo, userID, message, lc)
}

// Notice はnoticeレベルで記録する。
func (l *Logger) Notice(ctx context.Context, userID int64, message string, lc *model.LogContext) {
	_ = l.Handle(ctx, model.LogLevelNotice, userID, message, lc)
}

// Warning はwarningレベルで記録する。
func (l *Logger) Warning(ctx context.Context, userID int64, message string, lc *model.LogContext) {
	_ = l.Handle(ctx, model.LogLevelWarning, userID, message, lc)
}

// Error はerrorレベルで記録する。
func (l *Logger) Error(ctx context.Context, userID int64, message string, lc *model.LogContext) {
	_ = l.Handle(ctx, model.LogLevelError, userID, message, lc)
}

// Flush は全ログを削除する。
func (l *Logger) Flush(ctx context.Context) error {
	if err := l.repo.Flush(ctx); err != nil {
		return fmt.Errorf("ログの全削除に失敗しました: %w", err)
	}
	l.logger.Info("アクティビティログを全削除しました")
	return nil
}

// Delete は指定IDのログを削除し、削除件数を返す。
func (l *Logger) Delete(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := l.repo.DeleteByIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("ログの削除に失敗しました: %w", err)
	}
	return n, nil
}

// List は条件に一致するログを返す。
func (l *Logger) List(ctx context.Context, filter model.LogFilter) ([]model.LogEntry, error) {
	entries, err := l.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("ログ一覧の取得に失敗しました: %w", err)
	}
	return entries, nil
}
