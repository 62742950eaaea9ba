package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxMessageRunes はCRMエラーメッセージとして保持する最大文字数。
const maxMessageRunes = 500

// MessageSanitizer はCRMが返したエラーメッセージからマークアップを除去し、
// ログやAPI応答に載せられるプレーンテキストに整える。crm.Sanitizerを満たす。
type MessageSanitizer struct {
	policy *bluemonday.Policy
}

// NewMessageSanitizer はMessageSanitizerを生成する。
// 全てのタグを除去するbluemondayのStrictPolicyを使う。
func NewMessageSanitizer() *MessageSanitizer {
	return &MessageSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeMessage はタグを除去し、文字参照を戻し、空白を詰めて返す。
// 500文字を超える場合は切り詰めて末尾に"…"を付ける。
func (s *MessageSanitizer) SanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}
	text := html.UnescapeString(s.policy.Sanitize(msg))
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) > maxMessageRunes {
		runes := []rune(text)
		text = string(runes[:maxMessageRunes]) + "…"
	}
	return text
}
