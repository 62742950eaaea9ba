package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/crmsync/internal/model"
)

const userColumns = `id, email, contact_id, tags, lists, meta, created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM crm_users WHERE id = $1`,
		id,
	)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM crm_users WHERE email = $1`,
		email,
	)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// Create はユーザーを作成する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	meta, err := marshalMeta(user.Meta)
	if err != nil {
		return err
	}

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO crm_users (email, contact_id, tags, lists, meta)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		user.Email, nullString(user.ContactID), pq.Array(nonNil(user.Tags)), pq.Array(nonNil(user.Lists)), meta,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// Update はコンタクトID、タグ、リスト、メタ情報を更新する。
func (r *PostgresUserRepo) Update(ctx context.Context, user *model.User) error {
	meta, err := marshalMeta(user.Meta)
	if err != nil {
		return err
	}

	err = r.db.QueryRowContext(ctx,
		`UPDATE crm_users
		 SET contact_id = $2, tags = $3, lists = $4, meta = $5, updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		user.ID, nullString(user.ContactID), pq.Array(nonNil(user.Tags)), pq.Array(nonNil(user.Lists)), meta,
	).Scan(&user.UpdatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("user not found: %d", user.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// UpsertByEmail はメールアドレスをキーにユーザーを作成または更新する。
// 既存ユーザーのメタ情報は引数のキーで上書きマージされる。
// ListsがnilならCRMから取得していないものとして既存のリストを保持する。
func (r *PostgresUserRepo) UpsertByEmail(ctx context.Context, user *model.User) error {
	meta, err := marshalMeta(user.Meta)
	if err != nil {
		return err
	}

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO crm_users (email, contact_id, tags, lists, meta)
		 VALUES ($1, $2, $3, COALESCE($4::text[], '{}'), $5)
		 ON CONFLICT (email) DO UPDATE SET
		   contact_id = EXCLUDED.contact_id,
		   tags = EXCLUDED.tags,
		   lists = COALESCE($4::text[], crm_users.lists),
		   meta = crm_users.meta || EXCLUDED.meta,
		   updated_at = now()
		 RETURNING id, created_at, updated_at`,
		user.Email, nullString(user.ContactID), pq.Array(nonNil(user.Tags)), nullableArray(user.Lists), meta,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	user := &model.User{}
	var contactID sql.NullString
	var meta []byte
	err := row.Scan(
		&user.ID, &user.Email, &contactID,
		pq.Array(&user.Tags), pq.Array(&user.Lists), &meta,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.ContactID = contactID.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &user.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode user meta: %w", err)
		}
	}
	return user, nil
}

func marshalMeta(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user meta: %w", err)
	}
	return b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullableArray はnilのスライスをNULLとして渡す。
func nullableArray(s []string) any {
	if s == nil {
		return nil
	}
	return pq.Array(s)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
