// Package activecampaign はActiveCampaign API v3のCRMアダプタを提供する。
package activecampaign

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"

	"github.com/hitoshi/crmsync/internal/crm"
	"github.com/hitoshi/crmsync/internal/model"
)

// Slug はActiveCampaignのスラッグ。
const Slug = "activecampaign"

const (
	pageSize = 100

	// listStatusActive はcontactListsのstatusで購読中を表す値。
	listStatusActive = "1"
)

// standardFields はcontactオブジェクト直下に置く標準フィールド。
// それ以外のフィールドIDはカスタムフィールドとしてfieldValuesで送信する。
var standardFields = []model.CRMField{
	{ID: "email", Label: "Email"},
	{ID: "firstName", Label: "First Name"},
	{ID: "lastName", Label: "Last Name"},
	{ID: "phone", Label: "Phone"},
}

func isStandardField(id string) bool {
	for _, f := range standardFields {
		if f.ID == id {
			return true
		}
	}
	return false
}

// Adapter はActiveCampaignのCRMアダプタ。
type Adapter struct {
	deps      crm.Deps
	transport *crm.Transport
	logger    *slog.Logger

	mu      sync.RWMutex
	baseURL string
	apiKey  string
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

// Apply はApi-Tokenヘッダーを設定し、API v3のベースURLを返す。
func (a *Adapter) Apply(req *resty.Request) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	req.SetHeader("Api-Token", a.apiKey)
	return a.baseURL
}

// Reauthenticate はAPIキー認証のため保存済みの認証情報を再適用するだけである。
func (a *Adapter) Reauthenticate(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.apiKey == "" {
		return crm.NewError(crm.KindAuth, Slug, "reauthenticate", "APIキーが設定されていません")
	}
	return nil
}

// Connect はAPI URLとキーを保存し、users/meで接続を確認する。
func (a *Adapter) Connect(ctx context.Context, creds model.Credentials) error {
	if creds.URL == "" || creds.APIKey == "" {
		return crm.NewError(crm.KindAuth, Slug, "connect", "API URLとAPIキーは必須です")
	}

	a.mu.Lock()
	a.baseURL = strings.TrimRight(creds.URL, "/") + "/api/3/"
	a.apiKey = creds.APIKey
	a.mu.Unlock()

	return a.transport.Do(ctx, "connect", crm.Request{Method: http.MethodGet, Path: "users/me"}, nil)
}

func pageQuery(offset, limit int) map[string]string {
	return map[string]string{"offset": fmt.Sprint(offset), "limit": fmt.Sprint(limit)}
}

// SyncTags は全タグを100件ずつ取得する。
func (a *Adapter) SyncTags(ctx context.Context) ([]model.Tag, error) {
	type tagResource struct {
		ID  crm.FlexString `json:"id"`
		Tag string         `json:"tag"`
	}
	resources, err := crm.Paginate(ctx, pageSize, func(ctx context.Context, offset, limit int) ([]tagResource, error) {
		var resp struct {
			Tags []tagResource `json:"tags"`
		}
		if err := a.transport.Do(ctx, "sync_tags", crm.Request{Method: http.MethodGet, Path: "tags", Query: pageQuery(offset, limit)}, &resp); err != nil {
			return nil, err
		}
		return resp.Tags, nil
	})
	if err != nil {
		return nil, err
	}

	tags := make([]model.Tag, 0, len(resources))
	for _, r := range resources {
		tags = append(tags, model.Tag{ID: r.ID.String(), Label: r.Tag})
	}
	return tags, nil
}

// SyncFields は標準フィールドとカスタムフィールドをラベル順で返す。
func (a *Adapter) SyncFields(ctx context.Context) ([]model.CRMField, error) {
	type fieldResource struct {
		ID    crm.FlexString `json:"id"`
		Title string         `json:"title"`
	}
	resources, err := crm.Paginate(ctx, pageSize, func(ctx context.Context, offset, limit int) ([]fieldResource, error) {
		var resp struct {
			Fields []fieldResource `json:"fields"`
		}
		if err := a.transport.Do(ctx, "sync_fields", crm.Request{Method: http.MethodGet, Path: "fields", Query: pageQuery(offset, limit)}, &resp); err != nil {
			return nil, err
		}
		return resp.Fields, nil
	})
	if err != nil {
		return nil, err
	}

	fields := append([]model.CRMField(nil), standardFields...)
	for _, r := range resources {
		fields = append(fields, model.CRMField{ID: r.ID.String(), Label: r.Title})
	}
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Label < fields[j].Label })
	return fields, nil
}

type idRef struct {
	ID crm.FlexString `json:"id"`
}

// GetContactID はメールアドレスでコンタクトを検索する。
func (a *Adapter) GetContactID(ctx context.Context, email string) (string, bool, error) {
	var resp struct {
		Contacts []idRef `json:"contacts"`
	}
	err := a.transport.Do(ctx, "get_contact_id", crm.Request{
		Method: http.MethodGet,
		Path:   "contacts",
		Query:  map[string]string{"email": email},
	}, &resp)
	if err != nil {
		return "", false, err
	}
	if len(resp.Contacts) == 0 || resp.Contacts[0].ID == "" {
		return "", false, nil
	}
	return resp.Contacts[0].ID.String(), true, nil
}

// contactTag はコンタクトとタグの関連。
type contactTag struct {
	ID  crm.FlexString `json:"id"`
	Tag crm.FlexString `json:"tag"`
}

func (a *Adapter) contactTags(ctx context.Context, op, contactID string) ([]contactTag, error) {
	var resp struct {
		ContactTags []contactTag `json:"contactTags"`
	}
	err := a.transport.Do(ctx, op, crm.Request{
		Method: http.MethodGet,
		Path:   "contacts/" + url.PathEscape(contactID) + "/contactTags",
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.ContactTags, nil
}

// GetTags はコンタクトのタグIDを返し、未知のタグをキャッシュに追加する。
func (a *Adapter) GetTags(ctx context.Context, contactID string) ([]string, error) {
	rels, err := a.contactTags(ctx, "get_tags", contactID)
	if err != nil {
		return nil, err
	}

	tags := make([]string, 0, len(rels))
	for _, r := range rels {
		tags = append(tags, r.Tag.String())
	}
	if err := crm.HealTags(ctx, a.deps.Catalog, crm.TagsFromIDs(tags)); err != nil {
		a.logger.Warn("タグキャッシュの自己修復に失敗しました",
			slog.String("contact_id", contactID),
			slog.String("error", err.Error()),
		)
	}
	return tags, nil
}

// ApplyTags は未付与のタグごとにcontactTagを作成する。
func (a *Adapter) ApplyTags(ctx context.Context, tags []string, contactID string) error {
	if len(tags) == 0 {
		return nil
	}
	rels, err := a.contactTags(ctx, "apply_tags", contactID)
	if err != nil {
		return err
	}
	have := make([]string, 0, len(rels))
	for _, r := range rels {
		have = append(have, r.Tag.String())
	}

	return crm.ForEachTag(ctx, crm.Missing(tags, have), func(ctx context.Context, tag string) error {
		return a.transport.Do(ctx, "apply_tags", crm.Request{
			Method: http.MethodPost,
			Path:   "contactTags",
			Body:   map[string]any{"contactTag": map[string]string{"contact": contactID, "tag": tag}},
		}, nil)
	})
}

// RemoveTags は指定タグの関連を1件ずつ削除する。
func (a *Adapter) RemoveTags(ctx context.Context, tags []string, contactID string) error {
	if len(tags) == 0 {
		return nil
	}
	rels, err := a.contactTags(ctx, "remove_tags", contactID)
	if err != nil {
		return err
	}

	var relationIDs []string
	for _, r := range rels {
		for _, t := range tags {
			if r.Tag.String() == t {
				relationIDs = append(relationIDs, r.ID.String())
			}
		}
	}

	return crm.ForEachTag(ctx, relationIDs, func(ctx context.Context, id string) error {
		err := a.transport.Do(ctx, "remove_tags", crm.Request{
			Method: http.MethodDelete,
			Path:   "contactTags/" + url.PathEscape(id),
		}, nil)
		if crm.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// fieldValue はカスタムフィールドの値。
type fieldValue struct {
	Field crm.FlexString `json:"field"`
	Value any            `json:"value"`
}

// contactBody は標準フィールドとカスタムフィールドを分けてcontactオブジェクトを組み立てる。
func contactBody(data map[string]any) map[string]any {
	contact := make(map[string]any)
	var values []fieldValue
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if isStandardField(k) {
			contact[k] = data[k]
			continue
		}
		values = append(values, fieldValue{Field: crm.FlexString(k), Value: data[k]})
	}
	if len(values) > 0 {
		contact["fieldValues"] = values
	}
	return map[string]any{"contact": contact}
}

// AddContact はコンタクトを作成する。
func (a *Adapter) AddContact(ctx context.Context, fields map[string]any, applyMapping bool) (string, error) {
	var resp struct {
		Contact idRef `json:"contact"`
	}
	err := a.transport.Do(ctx, "add_contact", crm.Request{
		Method: http.MethodPost,
		Path:   "contacts",
		Body:   contactBody(a.prepare(fields, applyMapping)),
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
		Method: http.MethodPut,
		Path:   "contacts/" + url.PathEscape(contactID),
		Body:   contactBody(data),
	}, nil)
}

// LoadContact は標準フィールドとfieldValuesを1つのマップにまとめ、アクティブなフィールドの値を返す。
func (a *Adapter) LoadContact(ctx context.Context, contactID string) (map[string]any, error) {
	var resp struct {
		Contact     map[string]json.RawMessage `json:"contact"`
		FieldValues []fieldValue               `json:"fieldValues"`
	}
	err := a.transport.Do(ctx, "load_contact", crm.Request{
		Method: http.MethodGet,
		Path:   "contacts/" + url.PathEscape(contactID),
	}, &resp)
	if err != nil {
		return nil, err
	}

	values := make(map[string]any)
	for _, f := range standardFields {
		raw, ok := resp.Contact[f.ID]
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			values[f.ID] = v
		}
	}
	for _, fv := range resp.FieldValues {
		values[fv.Field.String()] = fv.Value
	}
	return a.deps.Mapper.ExtractFields(values, a.deps.FieldDefinitions()), nil
}

// LoadContacts はタグIDで絞り込んだコンタクトのIDを100件ずつ取得する。
func (a *Adapter) LoadContacts(ctx context.Context, tag string) ([]string, error) {
	refs, err := crm.Paginate(ctx, pageSize, func(ctx context.Context, offset, limit int) ([]idRef, error) {
		q := pageQuery(offset, limit)
		q["tagid"] = tag
		q["orders[id]"] = "ASC"
		var resp struct {
			Contacts []idRef `json:"contacts"`
		}
		if err := a.transport.Do(ctx, "load_contacts", crm.Request{Method: http.MethodGet, Path: "contacts", Query: q}, &resp); err != nil {
			return nil, err
		}
		return resp.Contacts, nil
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

// GetLists はコンタクトが購読中のリストIDを返す。
func (a *Adapter) GetLists(ctx context.Context, contactID string) ([]string, error) {
	var resp struct {
		ContactLists []struct {
			List   crm.FlexString `json:"list"`
			Status crm.FlexString `json:"status"`
		} `json:"contactLists"`
	}
	err := a.transport.Do(ctx, "get_lists", crm.Request{
		Method: http.MethodGet,
		Path:   "contacts/" + url.PathEscape(contactID) + "/contactLists",
	}, &resp)
	if err != nil {
		return nil, err
	}

	lists := make([]string, 0, len(resp.ContactLists))
	for _, cl := range resp.ContactLists {
		if cl.Status.String() == listStatusActive {
			lists = append(lists, cl.List.String())
		}
	}
	return lists, nil
}

func (a *Adapter) prepare(fields map[string]any, applyMapping bool) map[string]any {
	if !applyMapping {
		return fields
	}
	return a.deps.Mapper.MapFields(fields, a.deps.FieldDefinitions())
}

// compile-time interface check
var (
	_ crm.Adapter    = (*Adapter)(nil)
	_ crm.ListReader = (*Adapter)(nil)
	_ crm.Session    = (*Adapter)(nil)
)
