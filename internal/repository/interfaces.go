// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/crmsync/internal/model"
)

// UserRepository はローカルユーザーの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成し、採番されたIDとタイムスタンプをuserに設定する。
	Create(ctx context.Context, user *model.User) error

	// Update はコンタクトID、タグ、リスト、メタ情報を更新する。
	Update(ctx context.Context, user *model.User) error

	// UpsertByEmail はメールアドレスをキーにユーザーを作成または更新する。
	UpsertByEmail(ctx context.Context, user *model.User) error
}

// LogRepository はアクティビティログの永続化インターフェース。
// activitylog.Repositoryに加えて、保持期間による削除を提供する。
type LogRepository interface {
	InsertCapped(ctx context.Context, entry *model.LogEntry, maxRows int64) (int64, error)
	Flush(ctx context.Context) error
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
	List(ctx context.Context, filter model.LogFilter) ([]model.LogEntry, error)

	// DeleteBefore はtimestampがcutoffより古い行を削除し、削除件数を返す。
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
