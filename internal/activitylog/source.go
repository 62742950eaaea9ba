package activitylog

import (
	"runtime"
	"strings"
)

// UnknownSource は呼び出し元を推定できなかった場合のソース名。
const UnknownSource = "unknown"

// maxFrames は呼び出し元の推定で遡るスタックフレーム数。
const maxFrames = 32

// sourceDetector はコールスタックのパッケージ名から呼び出し元のコンポーネントを推定する。
type sourceDetector struct {
	sources map[string]bool
}

func newSourceDetector(sources []string) *sourceDetector {
	d := &sourceDetector{sources: make(map[string]bool, len(sources))}
	for _, s := range sources {
		if s != "" {
			d.sources[s] = true
		}
	}
	return d
}

// detect は最も内側の既知コンポーネント名を返す。見つからない場合はUnknownSource。
func (d *sourceDetector) detect() string {
	if len(d.sources) == 0 {
		return UnknownSource
	}

	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if pkg := packageName(frame.Function); pkg != "" && pkg != "activitylog" && d.sources[pkg] {
			return pkg
		}
		if !more {
			break
		}
	}
	return UnknownSource
}

// packageName は関数の完全修飾名からパッケージ名（パスの最後の要素）を取り出す。
// 例: "github.com/x/internal/crm/mautic.(*Adapter).GetTags" → "mautic"
func packageName(function string) string {
	if function == "" {
		return ""
	}
	last := function
	if i := strings.LastIndex(last, "/"); i >= 0 {
		last = last[i+1:]
	}
	if i := strings.Index(last, "."); i >= 0 {
		last = last[:i]
	}
	return last
}
