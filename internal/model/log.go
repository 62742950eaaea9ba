package model

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// LogLevel はアクティビティログの重要度。数値が大きいほど重要。
type LogLevel int

const (
	LogLevelInfo    LogLevel = 200
	LogLevelNotice  LogLevel = 300
	LogLevelWarning LogLevel = 400
	LogLevelError   LogLevel = 500
)

// String はレベル名を返す。
func (l LogLevel) String() string {
	switch l {
	case LogLevelInfo:
		return "info"
	case LogLevelNotice:
		return "notice"
	case LogLevelWarning:
		return "warning"
	case LogLevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Severity は対応するslogのレベルを返す。noticeはinfoより1段重い扱いとする。
func (l LogLevel) Severity() slog.Level {
	switch {
	case l >= LogLevelError:
		return slog.LevelError
	case l >= LogLevelWarning:
		return slog.LevelWarn
	case l >= LogLevelNotice:
		return slog.LevelInfo + 2
	default:
		return slog.LevelInfo
	}
}

// ParseLogLevel はレベル名をLogLevelに変換する。大文字小文字は区別しない。
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return LogLevelInfo, nil
	case "notice":
		return LogLevelNotice, nil
	case "warning", "warn":
		return LogLevelWarning, nil
	case "error":
		return LogLevelError, nil
	default:
		return 0, fmt.Errorf("不明なログレベルです: %q", s)
	}
}

// LogContextVersion はLogContextのJSONエンベロープのバージョン。
const LogContextVersion = 1

// FieldChange は1フィールド分の変更内容。
type FieldChange struct {
	Old any `json:"old,omitempty"`
	New any `json:"new"`
}

// LogContext はログエントリに付随する構造化コンテキスト。
// {"v":1,...} 形式のJSONとしてcontextカラムに保存される。
type LogContext struct {
	Version int                    `json:"v"`
	Source  string                 `json:"source,omitempty"`
	Fields  map[string]FieldChange `json:"fields,omitempty"`
	Data    map[string]any         `json:"data,omitempty"`
}

// LogEntry はアクティビティログの1行を表す。
type LogEntry struct {
	ID        int64
	Timestamp time.Time
	Level     LogLevel
	UserID    int64
	Source    string
	Message   string
	Context   *LogContext
}

// LogFilter はログ一覧取得時の絞り込み条件。
type LogFilter struct {
	Level  LogLevel // このレベル以上に絞り込む。0の場合は絞り込まない
	UserID int64    // 0の場合は絞り込まない
	Source string
	Limit  int
	Offset int
}
