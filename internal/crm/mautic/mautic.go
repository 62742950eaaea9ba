// Package mautic はMautic REST APIのCRMアダプタを提供する。
// Basic認証を使用し、タグはタグ名をIDとして扱う。
package mautic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"

	"github.com/hitoshi/crmsync/internal/crm"
	"github.com/hitoshi/crmsync/internal/model"
)

// Slug はMauticのスラッグ。
const Slug = "mautic"

const (
	// contactsPageSize はLoadContactsのページサイズ。
	contactsPageSize = 50
	// tagsPageSize はSyncTagsのページサイズ。
	tagsPageSize = 100
	// fieldsLimit はSyncFieldsで取得するフィールド数の上限。
	fieldsLimit = 500
)

// Adapter はMauticのCRMアダプタ。
type Adapter struct {
	deps      crm.Deps
	transport *crm.Transport
	logger    *slog.Logger

	mu       sync.RWMutex
	baseURL  string
	username string
	password string
}

// New はAdapterを生成する。crm.Factoryとして登録できる。
func New(deps crm.Deps) crm.Adapter {
	return newAdapter(deps)
}

func newAdapter(deps crm.Deps) *Adapter {
	deps = deps.WithDefaults()
	a := &Adapter{
		deps:   deps,
		logger: deps.Logger.With(slog.String("crm", Slug)),
	}
	a.transport = crm.NewTransport(Slug, deps, a)
	return a
}

// Slug はCRMの識別子を返す。
func (a *Adapter) Slug() string { return Slug }

// Apply はBasic認証ヘッダーを設定し、MauticのベースURLを返す。
func (a *Adapter) Apply(req *resty.Request) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	req.SetBasicAuth(a.username, a.password)
	return a.baseURL
}

// Reauthenticate は保存済みの認証情報をそのまま再適用する。
// Basic認証にはセッションがないため、再試行は同じ認証情報で行われる。
func (a *Adapter) Reauthenticate(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.baseURL == "" || a.username == "" {
		return crm.NewError(crm.KindAuth, Slug, "reauthenticate", "認証情報が設定されていません")
	}
	return nil
}

// Connect は認証情報を保存し、api/contactsを呼び出して接続を確認する。
func (a *Adapter) Connect(ctx context.Context, creds model.Credentials) error {
	if creds.URL == "" || creds.Username == "" || creds.Password == "" {
		return crm.NewError(crm.KindAuth, Slug, "connect", "URL、ユーザー名、パスワードは必須です")
	}

	a.mu.Lock()
	a.baseURL = strings.TrimRight(creds.URL, "/") + "/"
	a.username = creds.Username
	a.password = creds.Password
	a.mu.Unlock()

	err := a.transport.Do(ctx, "connect", crm.Request{
		Method: http.MethodGet,
		Path:   "api/contacts",
		Query:  map[string]string{"limit": "1", "minimal": "true"},
	}, nil)
	if err == nil {
		return nil
	}

	var ce *crm.Error
	if errors.As(err, &ce) {
		switch {
		case strings.HasPrefix(ce.Status, "404"):
			ce.Message = "404エラー。APIを有効にした直後はキャッシュの再構築が必要な場合があります。Mauticのキャッシュをクリアしてください。"
		case strings.HasPrefix(ce.Status, "403"):
			ce.Message = "403エラー。Mauticの設定画面でAPIを有効にしてください。"
		}
	}
	return err
}

// tagResource はMauticのタグ表現。
type tagResource struct {
	ID  crm.FlexString `json:"id"`
	Tag string         `json:"tag"`
}

// tagsAPIMissing はタグAPIを持たないバージョンのMauticが返す404を判定する。
func tagsAPIMissing(statusCode int, _ string) bool {
	return statusCode == http.StatusNotFound
}

// SyncTags はapi/tagsをページングしながら全タグを取得する。
func (a *Adapter) SyncTags(ctx context.Context) ([]model.Tag, error) {
	resources, err := crm.Paginate(ctx, tagsPageSize, func(ctx context.Context, offset, limit int) ([]tagResource, error) {
		var resp struct {
			Tags json.RawMessage `json:"tags"`
		}
		err := a.transport.Do(ctx, "sync_tags", crm.Request{
			Method:      http.MethodGet,
			Path:        "api/tags",
			Query:       map[string]string{"start": fmt.Sprint(offset), "limit": fmt.Sprint(limit)},
			Unsupported: tagsAPIMissing,
		}, &resp)
		if err != nil {
			return nil, err
		}
		return crm.DecodeCollection[tagResource](resp.Tags)
	})
	if err != nil {
		if crm.IsUnsupported(err) {
			a.logger.Info("このMauticにはタグAPIがありません")
			return []model.Tag{}, nil
		}
		return nil, err
	}

	tags := make([]model.Tag, 0, len(resources))
	seen := make(map[string]bool)
	for _, r := range resources {
		if r.Tag == "" || seen[r.Tag] {
			continue
		}
		seen[r.Tag] = true
		tags = append(tags, model.Tag{ID: r.Tag, Label: r.Tag})
	}
	return tags, nil
}

// SyncFields はコンタクトのフィールド定義をラベル順で返す。
func (a *Adapter) SyncFields(ctx context.Context) ([]model.CRMField, error) {
	var resp struct {
		Fields json.RawMessage `json:"fields"`
	}
	err := a.transport.Do(ctx, "sync_fields", crm.Request{
		Method: http.MethodGet,
		Path:   "api/fields/contact",
		Query:  map[string]string{"limit": fmt.Sprint(fieldsLimit)},
	}, &resp)
	if err != nil {
		return nil, err
	}

	type fieldResource struct {
		Alias string `json:"alias"`
		Label string `json:"label"`
	}
	resources, err := crm.DecodeCollection[fieldResource](resp.Fields)
	if err != nil {
		return nil, fmt.Errorf("フィールド一覧のパースに失敗しました: %w", err)
	}

	fields := make([]model.CRMField, 0, len(resources))
	for _, r := range resources {
		if r.Alias == "" {
			continue
		}
		fields = append(fields, model.CRMField{ID: r.Alias, Label: r.Label})
	}
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Label < fields[j].Label })
	return fields, nil
}

// contactRef は検索結果のコンタクト表現。
type contactRef struct {
	ID crm.FlexString `json:"id"`
}

// GetContactID はメールアドレスでコンタクトを検索する。
func (a *Adapter) GetContactID(ctx context.Context, email string) (string, bool, error) {
	var resp struct {
		Contacts json.RawMessage `json:"contacts"`
	}
	err := a.transport.Do(ctx, "get_contact_id", crm.Request{
		Method: http.MethodGet,
		Path:   "api/contacts",
		Query:  map[string]string{"search": "email:" + email, "minimal": "true", "limit": "1"},
	}, &resp)
	if err != nil {
		return "", false, err
	}

	contacts, err := crm.DecodeCollection[contactRef](resp.Contacts)
	if err != nil {
		return "", false, fmt.Errorf("コンタクト検索結果のパースに失敗しました: %w", err)
	}
	if len(contacts) == 0 || contacts[0].ID == "" {
		return "", false, nil
	}
	return contacts[0].ID.String(), true, nil
}

// contactResource はコンタクト詳細のレスポンス。
type contactResource struct {
	Contact struct {
		ID     crm.FlexString `json:"id"`
		Tags   []tagResource  `json:"tags"`
		Fields struct {
			All map[string]any `json:"all"`
		} `json:"fields"`
	} `json:"contact"`
}

func (a *Adapter) fetchContact(ctx context.Context, op, contactID string) (*contactResource, error) {
	var resp contactResource
	err := a.transport.Do(ctx, op, crm.Request{
		Method: http.MethodGet,
		Path:   "api/contacts/" + contactID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTags はコンタクトのタグ名を返し、未知のタグをキャッシュに追加する。
func (a *Adapter) GetTags(ctx context.Context, contactID string) ([]string, error) {
	resp, err := a.fetchContact(ctx, "get_tags", contactID)
	if err != nil {
		return nil, err
	}

	tags := make([]string, 0, len(resp.Contact.Tags))
	for _, t := range resp.Contact.Tags {
		if t.Tag != "" {
			tags = append(tags, t.Tag)
		}
	}

	if err := crm.HealTags(ctx, a.deps.Catalog, crm.TagsFromIDs(tags)); err != nil {
		a.logger.Warn("タグキャッシュの自己修復に失敗しました",
			slog.String("contact_id", contactID),
			slog.String("error", err.Error()),
		)
	}
	return tags, nil
}

// ApplyTags はタグを付与する。Mauticは1回のPATCHで複数タグを付与できる。
func (a *Adapter) ApplyTags(ctx context.Context, tags []string, contactID string) error {
	if len(tags) == 0 {
		return nil
	}
	return a.editTags(ctx, "apply_tags", contactID, tags)
}

// RemoveTags はタグ名の先頭に "-" を付けてPATCHし、タグを外す。
func (a *Adapter) RemoveTags(ctx context.Context, tags []string, contactID string) error {
	if len(tags) == 0 {
		return nil
	}
	prefixed := make([]string, 0, len(tags))
	for _, t := range tags {
		prefixed = append(prefixed, "-"+t)
	}
	return a.editTags(ctx, "remove_tags", contactID, prefixed)
}

func (a *Adapter) editTags(ctx context.Context, op, contactID string, tags []string) error {
	return a.transport.Do(ctx, op, crm.Request{
		Method: http.MethodPatch,
		Path:   "api/contacts/" + contactID + "/edit",
		Body:   map[string]any{"tags": tags},
	}, nil)
}

// AddContact はコンタクトを作成する。
func (a *Adapter) AddContact(ctx context.Context, fields map[string]any, applyMapping bool) (string, error) {
	data := a.prepare(fields, applyMapping)

	var resp struct {
		Contact contactRef `json:"contact"`
	}
	err := a.transport.Do(ctx, "add_contact", crm.Request{
		Method: http.MethodPost,
		Path:   "api/contacts/new",
		Body:   data,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Contact.ID == "" {
		return "", crm.NewError(crm.KindVendor, Slug, "add_contact", "レスポンスにコンタクトIDが含まれていません")
	}
	return resp.Contact.ID.String(), nil
}

// UpdateContact はコンタクトを更新する。対応付け後に空の場合は何もしない。
func (a *Adapter) UpdateContact(ctx context.Context, contactID string, fields map[string]any, applyMapping bool) error {
	data := a.prepare(fields, applyMapping)
	if len(data) == 0 {
		return nil
	}
	return a.transport.Do(ctx, "update_contact", crm.Request{
		Method: http.MethodPatch,
		Path:   "api/contacts/" + contactID + "/edit",
		Body:   data,
	}, nil)
}

// LoadContact はcontact.fields.allからアクティブなフィールドの値を取り出す。
func (a *Adapter) LoadContact(ctx context.Context, contactID string) (map[string]any, error) {
	resp, err := a.fetchContact(ctx, "load_contact", contactID)
	if err != nil {
		return nil, err
	}
	return a.deps.Mapper.ExtractFields(resp.Contact.Fields.All, a.deps.FieldDefinitions()), nil
}

// LoadContacts はタグで検索したコンタクトIDを50件ずつ取得する。
func (a *Adapter) LoadContacts(ctx context.Context, tag string) ([]string, error) {
	refs, err := crm.Paginate(ctx, contactsPageSize, func(ctx context.Context, offset, limit int) ([]contactRef, error) {
		var resp struct {
			Contacts json.RawMessage `json:"contacts"`
		}
		err := a.transport.Do(ctx, "load_contacts", crm.Request{
			Method: http.MethodGet,
			Path:   "api/contacts",
			Query: map[string]string{
				"search":  "tag:" + quoteSearch(tag),
				"start":   fmt.Sprint(offset),
				"limit":   fmt.Sprint(limit),
				"minimal": "true",
				"orderBy": "id",
			},
		}, &resp)
		if err != nil {
			return nil, err
		}
		return crm.DecodeCollection[contactRef](resp.Contacts)
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID.String())
	}
	return ids, nil
}

// GetLists はコンタクトが所属するセグメントのIDを返す。
func (a *Adapter) GetLists(ctx context.Context, contactID string) ([]string, error) {
	var resp struct {
		Lists json.RawMessage `json:"lists"`
	}
	err := a.transport.Do(ctx, "get_lists", crm.Request{
		Method: http.MethodGet,
		Path:   "api/contacts/" + contactID + "/segments",
	}, &resp)
	if err != nil {
		return nil, err
	}

	segments, err := crm.DecodeCollection[contactRef](resp.Lists)
	if err != nil {
		return nil, fmt.Errorf("セグメント一覧のパースに失敗しました: %w", err)
	}
	lists := make([]string, 0, len(segments))
	for _, s := range segments {
		lists = append(lists, s.ID.String())
	}
	return lists, nil
}

// prepare は必要に応じてローカルフィールドをMauticのフィールドエイリアスに対応付ける。
func (a *Adapter) prepare(fields map[string]any, applyMapping bool) map[string]any {
	if !applyMapping {
		return fields
	}
	return a.deps.Mapper.MapFields(fields, a.deps.FieldDefinitions())
}

// quoteSearch は空白を含むタグ名を検索式用に引用符で囲む。
func quoteSearch(s string) string {
	if strings.ContainsAny(s, " \t") {
		return `"` + s + `"`
	}
	return s
}

// compile-time interface check
var (
	_ crm.Adapter    = (*Adapter)(nil)
	_ crm.ListReader = (*Adapter)(nil)
	_ crm.Session    = (*Adapter)(nil)
)
