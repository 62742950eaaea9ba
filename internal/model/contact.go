package model

// Contact はCRM上のコンタクトを表す。
// メールアドレスを検索キーとし、このシステムから削除されることはない。
type Contact struct {
	ContactID string
	Email     string
	Fields    map[string]any // ローカルフィールドID → 値
	Tags      []string
}

// Tag はCRM上のタグを表す。IDは接続ごとに一意。
type Tag struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// CRMField はフィールド同期で取得したCRM側のフィールド定義。
type CRMField struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// FieldType はフィールド値の変換種別。
type FieldType string

const (
	FieldTypeText        FieldType = "text"
	FieldTypeDate        FieldType = "date"
	FieldTypeDatepicker  FieldType = "datepicker"
	FieldTypeCountry     FieldType = "country"
	FieldTypeState       FieldType = "state"
	FieldTypeCheckbox    FieldType = "checkbox"
	FieldTypeMultiselect FieldType = "multiselect"
)

// FieldDefinition はローカルフィールドとCRMフィールドの対応付け。
// Activeでない定義はすべてのフィールド操作で無視される。
type FieldDefinition struct {
	LocalKey string    `json:"local_key"`
	CRMField string    `json:"crm_field"`
	Active   bool      `json:"active"`
	Type     FieldType `json:"type"`
}

// Credentials はCRM接続ごとの認証情報。
// 1つのアダプタインスタンスだけが所有する。
type Credentials struct {
	URL         string `json:"url,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	InstanceURL string `json:"instance_url,omitempty"`
}
