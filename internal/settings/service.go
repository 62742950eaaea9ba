package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/crmsync/internal/crm"
	"github.com/hitoshi/crmsync/internal/model"
)

// Snapshot はある時点の設定値。公開後は変更しない。
type Snapshot struct {
	ActiveCRM         string
	Credentials       model.Credentials
	AvailableTags     []model.Tag
	CRMFields         []model.CRMField
	ContactFields     []model.FieldDefinition
	EnableLogging     bool
	LoggingErrorsOnly bool
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.AvailableTags = append([]model.Tag(nil), s.AvailableTags...)
	c.CRMFields = append([]model.CRMField(nil), s.CRMFields...)
	c.ContactFields = append([]model.FieldDefinition(nil), s.ContactFields...)
	return &c
}

// Service は設定をStoreに保存し、読み取り用のスナップショットを公開する。
// 書き込みは直列化され、Storeへの保存が成功した後に新しいスナップショットを一度に公開する。
// 読み取り側は置き換え途中の状態を観測しない。
type Service struct {
	store  Store
	logger *slog.Logger

	writeMu sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewService はServiceを生成する。Loadを呼ぶまでは既定値のスナップショットを返す。
func NewService(store Store, logger *slog.Logger) *Service {
	s := &Service{store: store, logger: logger}
	s.current.Store(&Snapshot{EnableLogging: true})
	return s
}

// Load はStoreから全設定を読み込み、スナップショットを置き換える。
func (s *Service) Load(ctx context.Context) error {
	next, err := s.reload(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("設定を読み込みました",
		slog.String("crm", next.ActiveCRM),
		slog.Int("available_tags", len(next.AvailableTags)),
		slog.Int("contact_fields", len(next.ContactFields)),
	)
	return nil
}

// Refresh はStoreの最新値でスナップショットを置き換える。
// 他のプロセスが書き込んだ設定を取り込むために使う。
func (s *Service) Refresh(ctx context.Context) error {
	_, err := s.reload(ctx)
	return err
}

// RunRefresh はコンテキストがキャンセルされるまでintervalごとにRefreshを実行する。
// 失敗は警告ログに記録し、現在のスナップショットを使い続ける。
func (s *Service) RunRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("設定の再読み込みに失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Service) reload(ctx context.Context) (*Snapshot, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := &Snapshot{EnableLogging: true}
	targets := []struct {
		key string
		dst any
	}{
		{KeyCRM, &next.ActiveCRM},
		{KeyAvailableTags, &next.AvailableTags},
		{KeyCRMFields, &next.CRMFields},
		{KeyContactFields, &next.ContactFields},
		{KeyEnableLogging, &next.EnableLogging},
		{KeyLoggingErrorsOnly, &next.LoggingErrorsOnly},
	}
	for _, t := range targets {
		if _, err := s.get(ctx, t.key, t.dst); err != nil {
			return nil, err
		}
	}
	if next.ActiveCRM != "" {
		if _, err := s.get(ctx, CredentialsKey(next.ActiveCRM), &next.Credentials); err != nil {
			return nil, err
		}
	}

	s.current.Store(next)
	return next, nil
}

func (s *Service) get(ctx context.Context, key string, dst any) (bool, error) {
	raw, found, err := s.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("設定 %s の取得に失敗しました: %w", key, err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("設定 %s のパースに失敗しました: %w", key, err)
	}
	return true, nil
}

// Snapshot は現在のスナップショットを返す。戻り値を変更してはならない。
func (s *Service) Snapshot() *Snapshot {
	return s.current.Load()
}

// update はスナップショットの複製にfnを適用し、変更されたキーを保存してから公開する。
func (s *Service) update(ctx context.Context, fn func(next *Snapshot) map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.current.Load().clone()
	changed := fn(next)

	values := make(map[string][]byte, len(changed))
	for k, v := range changed {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("設定 %s のエンコードに失敗しました: %w", k, err)
		}
		values[k] = b
	}
	if err := s.store.SetMany(ctx, values); err != nil {
		return fmt.Errorf("設定の保存に失敗しました: %w", err)
	}

	s.current.Store(next)
	return nil
}

// ContactFields は現在のフィールド定義を返す。
func (s *Service) ContactFields() []model.FieldDefinition {
	return s.Snapshot().ContactFields
}

// AvailableTags はキャッシュ済みのタグ一覧を返す。
func (s *Service) AvailableTags() []model.Tag {
	return s.Snapshot().AvailableTags
}

// LoggingEnabled はアクティビティログが有効かを返す。
func (s *Service) LoggingEnabled() bool {
	return s.Snapshot().EnableLogging
}

// LoggingErrorsOnly はエラーのみを記録する設定かを返す。
func (s *Service) LoggingErrorsOnly() bool {
	return s.Snapshot().LoggingErrorsOnly
}

// MergeTags は未知のタグをキャッシュの末尾に追加する。既存のタグは変更しない。
// 他のプロセスの同期結果を消さないよう、Storeの最新値に対して不可分にマージする。
func (s *Service) MergeTags(ctx context.Context, tags []model.Tag) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		merged []model.Tag
		added  int
	)
	err := s.store.Modify(ctx, KeyAvailableTags, func(current []byte, found bool) ([]byte, bool, error) {
		merged, added = nil, 0
		if found {
			if err := json.Unmarshal(current, &merged); err != nil {
				return nil, false, fmt.Errorf("設定 %s のパースに失敗しました: %w", KeyAvailableTags, err)
			}
		}
		known := make(map[string]bool, len(merged))
		for _, t := range merged {
			known[t.ID] = true
		}
		for _, t := range tags {
			if t.ID == "" || known[t.ID] {
				continue
			}
			known[t.ID] = true
			merged = append(merged, t)
			added++
		}
		if added == 0 {
			return nil, false, nil
		}
		b, err := json.Marshal(merged)
		if err != nil {
			return nil, false, fmt.Errorf("設定 %s のエンコードに失敗しました: %w", KeyAvailableTags, err)
		}
		return b, true, nil
	})
	if err != nil {
		return fmt.Errorf("タグキャッシュの更新に失敗しました: %w", err)
	}

	next := s.current.Load().clone()
	next.AvailableTags = merged
	s.current.Store(next)

	if added > 0 {
		s.logger.Info("タグキャッシュに未知のタグを追加しました", slog.Int("added", added))
	}
	return nil
}

// ReplaceCatalog はタグとCRMフィールドの一覧をまとめて置き換える。
func (s *Service) ReplaceCatalog(ctx context.Context, tags []model.Tag, fields []model.CRMField) error {
	return s.update(ctx, func(next *Snapshot) map[string]any {
		next.AvailableTags = append([]model.Tag{}, tags...)
		next.CRMFields = append([]model.CRMField{}, fields...)
		return map[string]any{
			KeyAvailableTags: next.AvailableTags,
			KeyCRMFields:     next.CRMFields,
		}
	})
}

// SetActiveCRM は使用するCRMと認証情報を保存する。
// CRMを切り替えた場合、前のCRMのタグとフィールドのキャッシュは破棄する。
func (s *Service) SetActiveCRM(ctx context.Context, slug string, creds model.Credentials) error {
	return s.update(ctx, func(next *Snapshot) map[string]any {
		changed := map[string]any{
			KeyCRM:              slug,
			CredentialsKey(slug): creds,
		}
		if next.ActiveCRM != slug {
			next.AvailableTags = nil
			next.CRMFields = nil
			changed[KeyAvailableTags] = []model.Tag{}
			changed[KeyCRMFields] = []model.CRMField{}
		}
		next.ActiveCRM = slug
		next.Credentials = creds
		return changed
	})
}

// SetContactFields はフィールド定義を置き換える。
func (s *Service) SetContactFields(ctx context.Context, defs []model.FieldDefinition) error {
	return s.update(ctx, func(next *Snapshot) map[string]any {
		next.ContactFields = append([]model.FieldDefinition{}, defs...)
		return map[string]any{KeyContactFields: next.ContactFields}
	})
}

// SetLogging はアクティビティログの設定を保存する。
func (s *Service) SetLogging(ctx context.Context, enabled, errorsOnly bool) error {
	return s.update(ctx, func(next *Snapshot) map[string]any {
		next.EnableLogging = enabled
		next.LoggingErrorsOnly = errorsOnly
		return map[string]any{
			KeyEnableLogging:     enabled,
			KeyLoggingErrorsOnly: errorsOnly,
		}
	})
}

// compile-time interface check
var _ crm.Catalog = (*Service)(nil)
