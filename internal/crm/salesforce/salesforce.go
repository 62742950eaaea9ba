// Package salesforce はSalesforce REST APIのCRMアダプタを提供する。
// OAuthパスワードグラントで認証し、タグはTagDefinition/ContactTagオブジェクトで管理する。
package salesforce

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/hitoshi/crmsync/internal/crm"
	"github.com/hitoshi/crmsync/internal/model"
)

// Slug はSalesforceのスラッグ。
const Slug = "salesforce"

// contactsPageSize はLoadContactsのページサイズ。
const contactsPageSize = 200

// excludedFields はSyncFieldsで除外するシステムフィールド。
var excludedFields = map[string]bool{
	"id":        true,
	"isdeleted": true,
	"accountid": true,
}

// Config はSalesforce接続の設定。
type Config struct {
	ClientID     string
	ClientSecret string
	// LoginURL はトークンエンドポイントのホスト。Sandboxの場合はtest.salesforce.comを指定する。
	LoginURL string
	// ObjectType はコンタクトとして扱うオブジェクト（既定はContact）。
	ObjectType string
	// TagType はContactTagのType（既定はPersonal）。
	TagType    string
	APIVersion string
}

func (c Config) withDefaults() Config {
	if c.LoginURL == "" {
		c.LoginURL = defaultLoginURL
	}
	if c.ObjectType == "" {
		c.ObjectType = "Contact"
	}
	if c.TagType == "" {
		c.TagType = "Personal"
	}
	if c.APIVersion == "" {
		c.APIVersion = "v20.0"
	}
	return c
}

// Adapter はSalesforceのCRMアダプタ。
type Adapter struct {
	cfg       Config
	deps      crm.Deps
	session   *session
	transport *crm.Transport
	logger    *slog.Logger
}

// Factory は設定を束縛したcrm.Factoryを返す。
func Factory(cfg Config) crm.Factory {
	return func(deps crm.Deps) crm.Adapter {
		return newAdapter(cfg, deps)
	}
}

func newAdapter(cfg Config, deps crm.Deps) *Adapter {
	cfg = cfg.withDefaults()
	deps = deps.WithDefaults()
	logger := deps.Logger.With(slog.String("crm", Slug))

	s := &session{cfg: cfg, deps: deps, logger: logger}
	return &Adapter{
		cfg:       cfg,
		deps:      deps,
		session:   s,
		transport: crm.NewTransport(Slug, deps, s),
		logger:    logger,
	}
}

// Slug はCRMの識別子を返す。
func (a *Adapter) Slug() string { return Slug }

// Connect はパスワードグラントでアクセストークンとインスタンスURLを取得する。
func (a *Adapter) Connect(ctx context.Context, creds model.Credentials) error {
	if creds.Username == "" || creds.Password == "" {
		return crm.NewError(crm.KindAuth, Slug, "connect", "ユーザー名とパスワードは必須です")
	}
	a.session.setCredentials(creds)
	return a.session.Reauthenticate(ctx)
}

// queryResponse はqueryエンドポイントのレスポンス。
type queryResponse[T any] struct {
	TotalSize      int    `json:"totalSize"`
	Done           bool   `json:"done"`
	NextRecordsURL string `json:"nextRecordsUrl"`
	Records        []T    `json:"records"`
}

// query はSOQLを実行し、nextRecordsUrlを辿って全レコードを返す。
func query[T any](ctx context.Context, a *Adapter, op, soql string) ([]T, error) {
	return queryRequest[T](ctx, a, op, crm.Request{
		Method: http.MethodGet,
		Path:   "query",
		Query:  map[string]string{"q": soql},
	})
}

func queryRequest[T any](ctx context.Context, a *Adapter, op string, req crm.Request) ([]T, error) {
	var all []T
	for {
		var resp queryResponse[T]
		if err := a.transport.Do(ctx, op, req, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Records...)
		if resp.Done || resp.NextRecordsURL == "" {
			return all, nil
		}
		req = crm.Request{Method: http.MethodGet, Path: a.session.instance() + resp.NextRecordsURL}
	}
}

type tagDefinition struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// SyncTags はTagDefinitionの一覧を返す。
// 組織でタグが無効な場合（TagDefinitionが未サポート）は空集合を返す。
func (a *Adapter) SyncTags(ctx context.Context) ([]model.Tag, error) {
	defs, err := queryRequest[tagDefinition](ctx, a, "sync_tags", crm.Request{
		Method:      http.MethodGet,
		Path:        "query",
		Query:       map[string]string{"q": "SELECT Id, Name FROM TagDefinition"},
		Unsupported: unsupportedObject("TagDefinition"),
	})
	if err != nil {
		if crm.IsUnsupported(err) {
			a.logger.Info("この組織ではタグが有効ではありません")
			return []model.Tag{}, nil
		}
		return nil, err
	}

	tags := make([]model.Tag, 0, len(defs))
	for _, d := range defs {
		tags = append(tags, model.Tag{ID: d.ID, Label: d.Name})
	}
	return tags, nil
}

// unsupportedObject はSOQLの対象オブジェクトが組織で無効な場合の応答を判定する。
func unsupportedObject(object string) func(int, string) bool {
	return func(statusCode int, message string) bool {
		return statusCode == http.StatusBadRequest && strings.Contains(message, "'"+object+"' is not supported")
	}
}

// SyncFields はオブジェクトのdescribeからフィールド一覧を取得し、ラベル順で返す。
func (a *Adapter) SyncFields(ctx context.Context) ([]model.CRMField, error) {
	var resp struct {
		Fields []struct {
			Name  string `json:"name"`
			Label string `json:"label"`
		} `json:"fields"`
	}
	err := a.transport.Do(ctx, "sync_fields", crm.Request{
		Method: http.MethodGet,
		Path:   "sobjects/" + a.cfg.ObjectType + "/describe",
	}, &resp)
	if err != nil {
		return nil, err
	}

	fields := make([]model.CRMField, 0, len(resp.Fields))
	for _, f := range resp.Fields {
		if excludedFields[strings.ToLower(f.Name)] {
			continue
		}
		fields = append(fields, model.CRMField{ID: f.Name, Label: f.Label})
	}
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Label < fields[j].Label })
	return fields, nil
}

// GetContactID はメールアドレスでコンタクトを検索する。
func (a *Adapter) GetContactID(ctx context.Context, email string) (string, bool, error) {
	soql := fmt.Sprintf("SELECT Id FROM %s WHERE Email = %s LIMIT 1", a.cfg.ObjectType, soqlQuote(email))
	records, err := query[struct {
		ID string `json:"Id"`
	}](ctx, a, "get_contact_id", soql)
	if err != nil {
		return "", false, err
	}
	if len(records) == 0 || records[0].ID == "" {
		return "", false, nil
	}
	return records[0].ID, true, nil
}

// contactTag はContactTagレコード。
type contactTag struct {
	ID              string `json:"Id"`
	TagDefinitionID string `json:"TagDefinitionId"`
	Name            string `json:"Name"`
}

func (a *Adapter) contactTags(ctx context.Context, op, contactID string) ([]contactTag, error) {
	return queryRequest[contactTag](ctx, a, op, crm.Request{
		Method:      http.MethodGet,
		Path:        "query",
		Query:       map[string]string{"q": "SELECT Id, TagDefinitionId, Name FROM ContactTag WHERE ItemId = " + soqlQuote(contactID)},
		Unsupported: unsupportedObject("ContactTag"),
	})
}

// GetTags はコンタクトに付与されたTagDefinitionのIDを返し、未知のタグをキャッシュに追加する。
func (a *Adapter) GetTags(ctx context.Context, contactID string) ([]string, error) {
	records, err := a.contactTags(ctx, "get_tags", contactID)
	if err != nil {
		if crm.IsUnsupported(err) {
			return []string{}, nil
		}
		return nil, err
	}

	ids := make([]string, 0, len(records))
	seen := make([]model.Tag, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.TagDefinitionID)
		seen = append(seen, model.Tag{ID: r.TagDefinitionID, Label: r.Name})
	}

	if err := crm.HealTags(ctx, a.deps.Catalog, seen); err != nil {
		a.logger.Warn("タグキャッシュの自己修復に失敗しました",
			slog.String("contact_id", contactID),
			slog.String("error", err.Error()),
		)
	}
	return ids, nil
}

// ApplyTags は未付与のタグごとにContactTagを作成する。
// タグはTagDefinitionのIDで指定し、作成時のNameにはキャッシュのラベルを使う。
func (a *Adapter) ApplyTags(ctx context.Context, tags []string, contactID string) error {
	if len(tags) == 0 {
		return nil
	}

	current, err := a.contactTags(ctx, "apply_tags", contactID)
	if err != nil {
		return err
	}
	have := make([]string, 0, len(current))
	for _, r := range current {
		have = append(have, r.TagDefinitionID)
	}

	labels := a.tagLabels()
	return crm.ForEachTag(ctx, crm.Missing(tags, have), func(ctx context.Context, tag string) error {
		name := labels[tag]
		if name == "" {
			name = tag
		}
		return a.transport.Do(ctx, "apply_tags", crm.Request{
			Method: http.MethodPost,
			Path:   "sobjects/ContactTag/",
			Body: map[string]string{
				"Type":   a.cfg.TagType,
				"ItemId": contactID,
				"Name":   name,
			},
		}, nil)
	})
}

// RemoveTags は指定タグに対応するContactTagを1件ずつ削除する。
func (a *Adapter) RemoveTags(ctx context.Context, tags []string, contactID string) error {
	if len(tags) == 0 {
		return nil
	}

	current, err := a.contactTags(ctx, "remove_tags", contactID)
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	var relationIDs []string
	for _, r := range current {
		if want[r.TagDefinitionID] {
			relationIDs = append(relationIDs, r.ID)
		}
	}

	return crm.ForEachTag(ctx, relationIDs, func(ctx context.Context, id string) error {
		err := a.transport.Do(ctx, "remove_tags", crm.Request{
			Method: http.MethodDelete,
			Path:   "sobjects/ContactTag/" + url.PathEscape(id),
		}, nil)
		if crm.IsNotFound(err) {
			return nil
		}
		return err
	})
}

func (a *Adapter) tagLabels() map[string]string {
	labels := make(map[string]string)
	if a.deps.Catalog == nil {
		return labels
	}
	for _, t := range a.deps.Catalog.AvailableTags() {
		labels[t.ID] = t.Label
	}
	return labels
}

// AddContact はコンタクトを作成する。
func (a *Adapter) AddContact(ctx context.Context, fields map[string]any, applyMapping bool) (string, error) {
	var resp struct {
		ID      string `json:"id"`
		Success bool   `json:"success"`
	}
	err := a.transport.Do(ctx, "add_contact", crm.Request{
		Method: http.MethodPost,
		Path:   "sobjects/" + a.cfg.ObjectType + "/",
		Body:   a.prepare(fields, applyMapping),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", crm.NewError(crm.KindVendor, Slug, "add_contact", "レスポンスにコンタクトIDが含まれていません")
	}
	return resp.ID, nil
}

// UpdateContact はコンタクトを更新する。対応付け後に空の場合は何もしない。
func (a *Adapter) UpdateContact(ctx context.Context, contactID string, fields map[string]any, applyMapping bool) error {
	data := a.prepare(fields, applyMapping)
	if len(data) == 0 {
		return nil
	}
	return a.transport.Do(ctx, "update_contact", crm.Request{
		Method: http.MethodPatch,
		Path:   "sobjects/" + a.cfg.ObjectType + "/" + url.PathEscape(contactID),
		Body:   data,
	}, nil)
}

// LoadContact はコンタクトのレコードからアクティブなフィールドの値を取り出す。
func (a *Adapter) LoadContact(ctx context.Context, contactID string) (map[string]any, error) {
	var record map[string]any
	err := a.transport.Do(ctx, "load_contact", crm.Request{
		Method: http.MethodGet,
		Path:   "sobjects/" + a.cfg.ObjectType + "/" + url.PathEscape(contactID),
	}, &record)
	if err != nil {
		return nil, err
	}
	return a.deps.Mapper.ExtractFields(record, a.deps.FieldDefinitions()), nil
}

// LoadContacts はタグが付与されたコンタクトのIDを200件ずつ取得する。
// SOQLのOFFSETは2,000件までしか指定できないため、直前のページの最後のItemIdを起点に次のページを取得する。
func (a *Adapter) LoadContacts(ctx context.Context, tag string) ([]string, error) {
	type item struct {
		ItemID string `json:"ItemId"`
	}
	var last string
	items, err := crm.Paginate(ctx, contactsPageSize, func(ctx context.Context, _, limit int) ([]item, error) {
		where := "TagDefinitionId = " + soqlQuote(tag)
		if last != "" {
			where += " AND ItemId > " + soqlQuote(last)
		}
		soql := fmt.Sprintf("SELECT ItemId FROM ContactTag WHERE %s ORDER BY ItemId LIMIT %d", where, limit)
		var resp queryResponse[item]
		err := a.transport.Do(ctx, "load_contacts", crm.Request{
			Method: http.MethodGet,
			Path:   "query",
			Query:  map[string]string{"q": soql},
		}, &resp)
		if err != nil {
			return nil, err
		}
		if n := len(resp.Records); n > 0 {
			last = resp.Records[n-1].ItemID
		}
		return resp.Records, nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ItemID)
	}
	return ids, nil
}

func (a *Adapter) prepare(fields map[string]any, applyMapping bool) map[string]any {
	if !applyMapping {
		return fields
	}
	return a.deps.Mapper.MapFields(fields, a.deps.FieldDefinitions())
}

// compile-time interface check
var (
	_ crm.Adapter = (*Adapter)(nil)
	_ crm.Session = (*session)(nil)
)
