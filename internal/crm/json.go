package crm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FlexString は数値と文字列のどちらで返されても文字列として受け取るJSON値。
// CRMによってIDが数値だったり文字列だったりするため使用する。
type FlexString string

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("IDを文字列として解釈できません: %s", string(b))
	}
	*f = FlexString(n.String())
	return nil
}

// String は文字列値を返す。
func (f FlexString) String() string {
	return string(f)
}

// DecodeCollection はJSON配列、またはIDをキーとするJSONオブジェクトのどちらでも
// 要素のスライスとしてデコードする。オブジェクトの場合はキーの昇順（数値として）で並べる。
// 空配列・空オブジェクト・nullは空スライスとなる。
func DecodeCollection[T any](raw json.RawMessage) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '[':
		var list []T
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return list, nil
	case '{':
		var obj map[string]T
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if len(keys[i]) != len(keys[j]) {
				return len(keys[i]) < len(keys[j])
			}
			return keys[i] < keys[j]
		})
		list := make([]T, 0, len(keys))
		for _, k := range keys {
			list = append(list, obj[k])
		}
		return list, nil
	default:
		return nil, fmt.Errorf("コレクションとして解釈できないJSONです: %s", truncate(strings.TrimSpace(string(raw))))
	}
}
