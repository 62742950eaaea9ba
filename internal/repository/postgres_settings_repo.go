package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/hitoshi/crmsync/internal/settings"
)

// settingLockSQL はキー単位のアドバイザリロックをトランザクション終了まで保持する。
// SetManyとModifyが同じキーを同時に書き換えないようにする。
const settingLockSQL = `SELECT pg_advisory_xact_lock(hashtext('crm_settings:' || $1))`

const upsertSettingSQL = `INSERT INTO crm_settings (key, value, updated_at)
	 VALUES ($1, $2, now())
	 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

// PostgresSettingsRepo はcrm_settingsテーブルを使用した設定ストア。
// settings.Storeを満たす。
type PostgresSettingsRepo struct {
	db *sql.DB
}

// NewPostgresSettingsRepo はPostgresSettingsRepoを生成する。
func NewPostgresSettingsRepo(db *sql.DB) *PostgresSettingsRepo {
	return &PostgresSettingsRepo{db: db}
}

// Get はキーの値を返す。存在しない場合はfoundがfalse。
func (r *PostgresSettingsRepo) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM crm_settings WHERE key = $1`,
		key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get setting %q: %w", key, err)
	}
	return value, true, nil
}

// SetMany は複数のキーを同一トランザクションで保存する。
func (r *PostgresSettingsRepo) SetMany(ctx context.Context, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 行ロックの取得順を揃えるためキー順に更新する
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, settingLockSQL, k); err != nil {
			return fmt.Errorf("failed to lock setting %q: %w", k, err)
		}
		if _, err := tx.ExecContext(ctx, upsertSettingSQL, k, values[k]); err != nil {
			return fmt.Errorf("failed to upsert setting %q: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Modify はキーのロックを取得したトランザクション内で読み込みと保存を行う。
func (r *PostgresSettingsRepo) Modify(ctx context.Context, key string, fn settings.ModifyFunc) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, settingLockSQL, key); err != nil {
		return fmt.Errorf("failed to lock setting %q: %w", key, err)
	}

	var current []byte
	found := true
	err = tx.QueryRowContext(ctx, `SELECT value FROM crm_settings WHERE key = $1`, key).Scan(&current)
	if err == sql.ErrNoRows {
		found = false
	} else if err != nil {
		return fmt.Errorf("failed to get setting %q: %w", key, err)
	}

	next, changed, err := fn(current, found)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if _, err := tx.ExecContext(ctx, upsertSettingSQL, key, next); err != nil {
		return fmt.Errorf("failed to upsert setting %q: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
