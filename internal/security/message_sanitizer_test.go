package security

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hitoshi/crmsync/internal/crm"
)

// compile-time interface check
var _ crm.Sanitizer = (*MessageSanitizer)(nil)

func TestSanitizeMessage(t *testing.T) {
	s := NewMessageSanitizer()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"空文字列", "", ""},
		{"プレーンテキスト", "Invalid API key", "Invalid API key"},
		{"タグの除去", "<p>Contact <b>not</b> found</p>", "Contact not found"},
		{"scriptの除去", `Bad request<script>alert("x")</script>`, "Bad request"},
		{"文字参照", "Field &#39;email&#39; is required &amp; missing", "Field 'email' is required & missing"},
		{"空白の正規化", "line1\n\n   line2\t", "line1 line2"},
		{"HTMLエラーページ", "<html><body><h1>502 Bad Gateway</h1></body></html>", "502 Bad Gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.SanitizeMessage(tt.in); got != tt.want {
				t.Errorf("SanitizeMessage(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeMessage_Truncates(t *testing.T) {
	s := NewMessageSanitizer()

	got := s.SanitizeMessage(strings.Repeat("あ", 600))

	if n := utf8.RuneCountInString(got); n != maxMessageRunes+1 {
		t.Errorf("rune count = %d, want %d", n, maxMessageRunes+1)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("got = %q, want suffix …", got)
	}
}

func TestSanitizeMessage_Idempotent(t *testing.T) {
	s := NewMessageSanitizer()
	in := "<div>Rate limit &gt; 100</div>"

	first := s.SanitizeMessage(in)
	if second := s.SanitizeMessage(first); second != first {
		t.Errorf("second = %q, first = %q", second, first)
	}
}
