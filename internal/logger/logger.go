// Package logger はJSON構造化ログの出力設定を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
)

// LevelNotice はアクティビティログのnoticeに対応するslogのレベル。
const LevelNotice = slog.LevelInfo + 2

// Level はLOG_LEVELから設定される出力レベル。実行中に変更できる。
var Level = new(slog.LevelVar)

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// 出力レベルはLevelに従う。noticeレベルは"NOTICE"として出力する。
func Setup(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       Level,
		ReplaceAttr: replaceLevel,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定し、そのロガーを返す。
// writerがnilの場合はos.Stdoutに出力する。
func SetupDefault(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	logger := Setup(w)
	slog.SetDefault(logger)
	return logger
}

// SetLevel は出力レベルを変更する。
func SetLevel(level slog.Level) {
	Level.Set(level)
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if lv, ok := a.Value.Any().(slog.Level); ok && lv == LevelNotice {
		a.Value = slog.StringValue("NOTICE")
	}
	return a
}
