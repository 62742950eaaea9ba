// Package settings は設定値の永続化と、読み取り用のスナップショットキャッシュを提供する。
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// 設定キー。
const (
	KeyCRM               = "crm"
	KeyAvailableTags     = "available_tags"
	KeyCRMFields         = "crm_fields"
	KeyContactFields     = "contact_fields"
	KeyEnableLogging     = "enable_logging"
	KeyLoggingErrorsOnly = "logging_errors_only"

	credentialsKeyPrefix = "credentials."
)

// CredentialsKey はCRMごとの認証情報のキーを返す。
func CredentialsKey(slug string) string {
	return credentialsKeyPrefix + slug
}

// Store はJSONエンコード済みの設定値をキー単位で保存する。
type Store interface {
	// Get はキーの値を返す。存在しない場合はfoundがfalse。
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// SetMany は複数のキーをまとめて保存する。全て保存されるか、どれも保存されない。
	SetMany(ctx context.Context, values map[string][]byte) error
	// Modify はキーの現在値をfnに渡し、fnの返す値で置き換える。
	// 読み込みから保存までの間に他の書き込みが割り込まないことを保証する。
	// fnは競合時に再実行されることがある。changedがfalseの場合は保存しない。
	Modify(ctx context.Context, key string, fn ModifyFunc) error
}

// ModifyFunc はModifyに渡す変換関数。
type ModifyFunc func(current []byte, found bool) (next []byte, changed bool, err error)

// MemoryStore はプロセス内のStore実装。テストと単発のCLI実行で使う。
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Get はキーの値を返す。
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// SetMany は複数のキーを保存する。
func (s *MemoryStore) SetMany(ctx context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = append([]byte(nil), v...)
	}
	return nil
}

// Modify はロックを保持したままfnを適用する。
func (s *MemoryStore) Modify(ctx context.Context, key string, fn ModifyFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, found := s.values[key]
	next, changed, err := fn(append([]byte(nil), cur...), found)
	if err != nil || !changed {
		return err
	}
	s.values[key] = append([]byte(nil), next...)
	return nil
}

// DefaultRedisHash は設定を保存するRedisハッシュのキー。
const DefaultRedisHash = "crmsync:settings"

// RedisStore はRedisのハッシュに設定を保存するStore実装。
// 複数インスタンスで設定を共有する場合に使う。
type RedisStore struct {
	client *redis.Client
	hash   string
}

// NewRedisStore はRedisStoreを生成する。hashが空の場合はDefaultRedisHashを使う。
func NewRedisStore(client *redis.Client, hash string) *RedisStore {
	if hash == "" {
		hash = DefaultRedisHash
	}
	return &RedisStore{client: client, hash: hash}
}

// Get はハッシュのフィールドを取得する。
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.HGet(ctx, s.hash, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Redisから設定の取得に失敗しました: %w", err)
	}
	return v, true, nil
}

// SetMany はMULTI/EXECで複数のフィールドをまとめて保存する。
func (s *RedisStore) SetMany(ctx context.Context, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.hash, args...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("Redisへの設定の保存に失敗しました: %w", err)
	}
	return nil
}

// maxModifyRetries はWATCHの競合で再試行する回数の上限。
const maxModifyRetries = 10

// ErrModifyConflict は競合が続きModifyを完了できなかったことを示す。
var ErrModifyConflict = errors.New("設定の更新が他の書き込みと競合し続けました")

// Modify はハッシュをWATCHしてフィールドを読み込み、MULTI/EXECで書き戻す。
// 他のクライアントが間に書き込んだ場合は読み込みからやり直す。
func (s *RedisStore) Modify(ctx context.Context, key string, fn ModifyFunc) error {
	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, s.hash, key).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			found = false
		} else if err != nil {
			return err
		}
		next, changed, err := fn(cur, found)
		if err != nil || !changed {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.hash, key, next)
			return nil
		})
		return err
	}

	for i := 0; i < maxModifyRetries; i++ {
		err := s.client.Watch(ctx, txf, s.hash)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("Redisの設定 %s の更新に失敗しました: %w", key, err)
		}
		return nil
	}
	return ErrModifyConflict
}

// Ping はRedisへの接続を確認する。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// compile-time interface check
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
