package crm

import (
	"errors"
	"fmt"
)

// Kind はCRMエラーの分類。
type Kind int

const (
	// KindVendor はCRMが構造化されたエラーを返したことを表す。
	KindVendor Kind = iota
	// KindAuth は認証失敗。再認証と再試行を1回だけ行い、それでも失敗した場合は終端エラー。
	KindAuth
	// KindTransport は接続失敗やタイムアウト。再試行しない。
	KindTransport
	// KindNotFound は対象が存在しないことを表す。
	KindNotFound
	// KindUnsupported はCRMが機能をサポートしていないことを表す。アダプタは空の成功として扱う。
	KindUnsupported
)

// String は分類名を返す。
func (k Kind) String() string {
	switch k {
	case KindVendor:
		return "vendor"
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindNotFound:
		return "not_found"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error はCRMアダプタが返すエラー。
// MessageはCRMが返したメッセージをそのまま保持し、Statusがある場合はステータス行と連結して表示する。
type Error struct {
	Kind    Kind
	Vendor  string // CRMのスラッグ
	Op      string // アダプタ操作名
	Status  string // HTTPステータス行（例: "400 Bad Request"）
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	msg := e.Message
	if e.Status != "" {
		if msg == "" {
			msg = e.Status
		} else {
			msg = e.Status + " - " + msg
		}
	}
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s %s: %s", e.Vendor, e.Op, msg)
}

// Unwrap は元のエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage は管理画面に表示するメッセージを返す。
func (e *Error) UserMessage() string {
	if e.Status != "" && e.Message != "" {
		return e.Status + " - " + e.Message
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Status != "" {
		return e.Status
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown error"
}

// KindOf はエラーの分類を返す。crm.Errorでない場合はokがfalse。
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// IsAuth は認証エラーかを返す。
func IsAuth(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindAuth
}

// IsNotFound は対象が存在しないエラーかを返す。
func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNotFound
}

// IsUnsupported は未サポート機能のエラーかを返す。
func IsUnsupported(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindUnsupported
}

// IsTransport は通信エラーかを返す。
func IsTransport(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindTransport
}

// NewError はcrm.Errorを生成する。
func NewError(kind Kind, vendor, op, message string) *Error {
	return &Error{Kind: kind, Vendor: vendor, Op: op, Message: message}
}
