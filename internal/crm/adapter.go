// Package crm はCRMアダプタの共通契約と、各CRM実装が共有する基盤を提供する。
// タグの差分計算、ページング、再認証、エラー抽出はこのパッケージに集約し、
// CRMごとの実装（salesforce、mautic、activecampaign）は固有のAPI呼び出しだけを持つ。
package crm

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/crmsync/internal/fieldmap"
	"github.com/hitoshi/crmsync/internal/model"
)

// Adapter はCRMごとの実装が満たす共通契約。
// コンタクト単位の操作は複数goroutineから同時に呼び出してよい。
type Adapter interface {
	// Slug はCRMの識別子を返す。
	Slug() string

	// Connect は認証を行い、セッション情報（トークン、インスタンスURL）をキャッシュする。
	// 認証失敗時はKindAuthのエラーを返す。
	Connect(ctx context.Context, creds model.Credentials) error

	// SyncTags はCRM上の全タグを返す。結果は置き換え用の完全な集合。
	// CRMがタグをサポートしない場合は空集合を返す。
	SyncTags(ctx context.Context) ([]model.Tag, error)

	// SyncFields はCRM上の全フィールドをラベルの昇順で返す。
	SyncFields(ctx context.Context) ([]model.CRMField, error)

	// GetContactID はメールアドレスからコンタクトIDを検索する。
	// 見つからない場合はfoundがfalseでエラーはnil。
	GetContactID(ctx context.Context, email string) (id string, found bool, err error)

	// GetTags はコンタクトに付与されたタグIDを返す。
	// 未知のタグを見つけた場合はタグキャッシュに追加する。
	GetTags(ctx context.Context, contactID string) ([]string, error)

	// ApplyTags はタグを付与する。冪等で、最初の失敗で中断する（ロールバックしない）。
	ApplyTags(ctx context.Context, tags []string, contactID string) error

	// RemoveTags はタグを外す。冪等で、失敗時の扱いはApplyTagsと同じ。
	RemoveTags(ctx context.Context, tags []string, contactID string) error

	// AddContact はコンタクトを作成してIDを返す。
	// applyMappingがtrueの場合、fieldsはローカルフィールドIDをキーとする。
	AddContact(ctx context.Context, fields map[string]any, applyMapping bool) (string, error)

	// UpdateContact はコンタクトを更新する。
	// 対応付け後のフィールドが空の場合は何もせず成功を返す。
	UpdateContact(ctx context.Context, contactID string, fields map[string]any, applyMapping bool) error

	// LoadContact はアクティブなフィールド定義のうちレスポンスに含まれる値を
	// ローカルフィールドIDをキーとして返す。
	LoadContact(ctx context.Context, contactID string) (map[string]any, error)

	// LoadContacts は指定タグを持つ全コンタクトのIDを返す。
	// ページングは内部で行い、途中で失敗した場合は部分的な結果を返さない。
	LoadContacts(ctx context.Context, tag string) ([]string, error)
}

// ListReader はリスト（セグメント）所属を取得できるアダプタが実装する。
type ListReader interface {
	GetLists(ctx context.Context, contactID string) ([]string, error)
}

// Catalog はアダプタが参照・更新する設定キャッシュ。
type Catalog interface {
	// ContactFields は現在のフィールド定義を返す。
	ContactFields() []model.FieldDefinition
	// AvailableTags はキャッシュ済みのタグ一覧を返す。
	AvailableTags() []model.Tag
	// MergeTags は未知のタグをキャッシュに追加する。既存のタグは削除しない。
	MergeTags(ctx context.Context, tags []model.Tag) error
}

// Recorder はCRM呼び出しのメトリクスを記録する。
type Recorder interface {
	RecordCRMRequest(vendor string, statusCode int, duration time.Duration)
	RecordReauth(vendor string)
}

// Sanitizer はCRMが返したメッセージから危険なマークアップを除去する。
type Sanitizer interface {
	SanitizeMessage(msg string) string
}

// Deps はアダプタ生成時に注入する依存関係。
type Deps struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Limiter    *rate.Limiter
	Catalog    Catalog
	Mapper     *fieldmap.Mapper
	Recorder   Recorder
	Sanitizer  Sanitizer
	Logger     *slog.Logger
}

// WithDefaults は未設定の依存関係を既定値で埋めたコピーを返す。
func (d Deps) WithDefaults() Deps {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{}
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.Limiter == nil {
		d.Limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if d.Mapper == nil {
		d.Mapper = fieldmap.New()
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	if d.Sanitizer == nil {
		d.Sanitizer = nopSanitizer{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

type nopRecorder struct{}

func (nopRecorder) RecordCRMRequest(string, int, time.Duration) {}
func (nopRecorder) RecordReauth(string)                         {}

type nopSanitizer struct{}

func (nopSanitizer) SanitizeMessage(msg string) string { return msg }

// FieldDefinitions はCatalogのフィールド定義を返す。Catalogが未設定の場合はnil。
func (d Deps) FieldDefinitions() []model.FieldDefinition {
	if d.Catalog == nil {
		return nil
	}
	return d.Catalog.ContactFields()
}
