package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/hitoshi/crmsync/internal/model"
)

const (
	defaultLogListLimit = 100
	maxLogListLimit     = 1000
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// PostgresLogRepo はcrm_activity_logテーブルを使用したアクティビティログリポジトリ。
type PostgresLogRepo struct {
	db *sql.DB
}

// NewPostgresLogRepo はPostgresLogRepoを生成する。
func NewPostgresLogRepo(db *sql.DB) *PostgresLogRepo {
	return &PostgresLogRepo{db: db}
}

// logLockSQL は挿入と上限超過分の削除をプロセスをまたいで直列化する。
const logLockSQL = `SELECT pg_advisory_xact_lock(hashtext('crm_activity_log'))`

// InsertCapped はエントリを保存し、行数がmaxRowsを超えた場合は最も古い1行を削除する。
// 挿入・件数確認・削除は1つのトランザクションでアドバイザリロックを取得して行う。
func (r *PostgresLogRepo) InsertCapped(ctx context.Context, entry *model.LogEntry, maxRows int64) (int64, error) {
	var lc []byte
	if entry.Context != nil {
		b, err := json.Marshal(entry.Context)
		if err != nil {
			return 0, fmt.Errorf("failed to encode log context: %w", err)
		}
		lc = b
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, logLockSQL); err != nil {
		return 0, fmt.Errorf("failed to lock log table: %w", err)
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO crm_activity_log (timestamp, level, user_id, source, message, context)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING log_id`,
		entry.Timestamp, int(entry.Level), entry.UserID, entry.Source, entry.Message, lc,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert log entry: %w", err)
	}

	var n int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM crm_activity_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count log entries: %w", err)
	}
	if n > maxRows {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM crm_activity_log WHERE log_id = (SELECT MIN(log_id) FROM crm_activity_log)`,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to delete oldest log entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit log entry: %w", err)
	}
	return id, nil
}

// Flush は全行を削除する。
func (r *PostgresLogRepo) Flush(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `TRUNCATE TABLE crm_activity_log`); err != nil {
		return fmt.Errorf("failed to truncate log table: %w", err)
	}
	return nil
}

// DeleteByIDs は指定IDの行を削除し、削除件数を返す。
func (r *PostgresLogRepo) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM crm_activity_log WHERE log_id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete log entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// DeleteBefore はtimestampがcutoffより古い行を削除し、削除件数を返す。
func (r *PostgresLogRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM crm_activity_log WHERE timestamp < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired log entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// List は条件に一致する行をlog_idの降順で返す。
// Limitが0の場合は100件、上限は1000件。
func (r *PostgresLogRepo) List(ctx context.Context, filter model.LogFilter) ([]model.LogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLogListLimit
	}
	if limit > maxLogListLimit {
		limit = maxLogListLimit
	}

	q := psql.Select("log_id", "timestamp", "level", "user_id", "source", "message", "context").
		From("crm_activity_log").
		OrderBy("log_id DESC").
		Limit(uint64(limit))
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	if filter.Level != 0 {
		q = q.Where(squirrel.GtOrEq{"level": int(filter.Level)})
	}
	if filter.UserID != 0 {
		q = q.Where(squirrel.Eq{"user_id": filter.UserID})
	}
	if filter.Source != "" {
		q = q.Where(squirrel.Eq{"source": filter.Source})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build log query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", err)
	}
	defer rows.Close()

	var entries []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		var level int
		var lc []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &level, &e.UserID, &e.Source, &e.Message, &lc); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Level = model.LogLevel(level)
		if len(lc) > 0 {
			e.Context = &model.LogContext{}
			if err := json.Unmarshal(lc, e.Context); err != nil {
				return nil, fmt.Errorf("failed to decode log context: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate log entries: %w", err)
	}
	return entries, nil
}
