// Package fieldmap はローカルフィールドとCRMフィールドの対応付けと値の変換を提供する。
// 変換は純粋関数で、エラーを返さない。変換できない値はそのまま通過させる。
package fieldmap

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/hitoshi/crmsync/internal/model"
)

// dateLayout はCRMに送信する日付の書式。
const dateLayout = "2006-01-02"

// Mapper はフィールドの対応付けと値の変換を行う。
// 内部状態は読み取り専用のため、複数goroutineから安全に利用できる。
type Mapper struct {
	countries map[string]string
	states    map[string]string
}

// New はMapperを生成する。
func New() *Mapper {
	return &Mapper{
		countries: countryNames,
		states:    stateNames,
	}
}

// FormatValue はフィールド種別に応じて値をCRMの書式に変換する。
//   - date/datepicker: Unixタイムスタンプ → YYYY-MM-DD（UTC）
//   - country: 国コード → 国名。未登録の場合は元の値
//   - state: 州コード → 州名。未登録の場合はHTMLエンティティのアクセント文字を除去
//   - その他: 元の値
func (m *Mapper) FormatValue(value any, fieldType model.FieldType) any {
	switch fieldType {
	case model.FieldTypeDate, model.FieldTypeDatepicker:
		return formatDate(value)
	case model.FieldTypeCountry:
		s, ok := value.(string)
		if !ok {
			return value
		}
		if name, ok := m.countries[strings.ToUpper(strings.TrimSpace(s))]; ok {
			return name
		}
		return value
	case model.FieldTypeState:
		s, ok := value.(string)
		if !ok {
			return value
		}
		if name, ok := m.states[strings.ToUpper(strings.TrimSpace(s))]; ok {
			return name
		}
		return cleanEntities(s)
	default:
		return value
	}
}

// MapFields はローカルフィールドの値をCRMフィールドIDをキーとするマップに変換する。
// 非アクティブな定義、CRMフィールド未設定の定義、値が存在しないフィールドは含めない。
func (m *Mapper) MapFields(values map[string]any, defs []model.FieldDefinition) map[string]any {
	out := make(map[string]any)
	for _, def := range defs {
		if !def.Active || def.CRMField == "" {
			continue
		}
		v, ok := values[def.LocalKey]
		if !ok || v == nil {
			continue
		}
		out[def.CRMField] = m.FormatValue(v, def.Type)
	}
	return out
}

// ExtractFields はCRMのレスポンスからローカルフィールドの値を取り出す。
// アクティブな定義のうち、レスポンスに含まれるフィールドだけを返す。
func (m *Mapper) ExtractFields(crmValues map[string]any, defs []model.FieldDefinition) map[string]any {
	out := make(map[string]any)
	for _, def := range defs {
		if !def.Active || def.CRMField == "" {
			continue
		}
		if v, ok := crmValues[def.CRMField]; ok {
			out[def.LocalKey] = v
		}
	}
	return out
}

// ActiveKeys はアクティブな定義のローカルフィールドIDの集合を返す。
func ActiveKeys(defs []model.FieldDefinition) map[string]bool {
	keys := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.Active {
			keys[def.LocalKey] = true
		}
	}
	return keys
}

// formatDate はUnixタイムスタンプをYYYY-MM-DDに変換する。
// 数値として解釈できない値はそのまま返す。
func formatDate(value any) any {
	var sec int64
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(dateLayout)
	case int:
		sec = int64(v)
	case int32:
		sec = int64(v)
	case int64:
		sec = v
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return value
		}
		sec = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return value
		}
		sec = n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return value
		}
		sec = n
	default:
		return value
	}
	return time.Unix(sec, 0).UTC().Format(dateLayout)
}

// cleanEntities はHTMLエンティティで表現されたアクセント文字を基底文字に置き換える。
// エンティティを含まない値はそのまま返す。
func cleanEntities(s string) string {
	decoded := html.UnescapeString(s)
	if decoded == s {
		return s
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, decoded)
	if err != nil {
		return decoded
	}
	return folded
}
