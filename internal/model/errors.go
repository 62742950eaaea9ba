package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 管理画面に表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, crm, system
	Action   string // 管理者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidURL       = "INVALID_URL"
	ErrCodeSSRFBlocked      = "SSRF_BLOCKED"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeUnknownCRM       = "UNKNOWN_CRM"
	ErrCodeCRMNotConnected  = "CRM_NOT_CONNECTED"
	ErrCodeCRMAuthFailed    = "CRM_AUTH_FAILED"
	ErrCodeCRMRequestFailed = "CRM_REQUEST_FAILED"
	ErrCodeSyncInProgress   = "SYNC_IN_PROGRESS"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeContactNotFound  = "CONTACT_NOT_FOUND"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewUnauthorizedError は管理トークンが無効な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証に失敗しました。",
		Category: "auth",
		Action:   "Authorization ヘッダーに正しい管理トークンを指定してください。",
	}
}

// NewRateLimitedError はレート制限を超過した場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-After ヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたCRMのURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているCRMのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewUnknownCRMError は登録されていないCRMが指定された場合のエラーを生成する。
func NewUnknownCRMError(slug string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownCRM,
		Message:  fmt.Sprintf("対応していないCRMです: %s", slug),
		Category: "validation",
		Action:   "activecampaign、mautic、salesforce のいずれかを指定してください。",
	}
}

// NewCRMNotConnectedError はCRMに未接続の状態で操作した場合のエラーを生成する。
func NewCRMNotConnectedError() *APIError {
	return &APIError{
		Code:     ErrCodeCRMNotConnected,
		Message:  "CRMに接続されていません。",
		Category: "crm",
		Action:   "接続設定を確認し、接続テストを実行してください。",
	}
}

// NewCRMAuthFailedError はCRMの認証失敗エラーを生成する。
func NewCRMAuthFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeCRMAuthFailed,
		Message:  fmt.Sprintf("CRMの認証に失敗しました: %s", reason),
		Category: "auth",
		Action:   "APIキーやパスワードなどの認証情報を確認してください。",
	}
}

// NewCRMRequestFailedError はCRMへのリクエスト失敗エラーを生成する。
func NewCRMRequestFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeCRMRequestFailed,
		Message:  fmt.Sprintf("CRMへのリクエストに失敗しました: %s", reason),
		Category: "crm",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewSyncInProgressError は同期処理の実行中に別の同期が要求された場合のエラーを生成する。
func NewSyncInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeSyncInProgress,
		Message:  "同期処理を実行中です。",
		Category: "crm",
		Action:   "同期の完了を待ってから再度お試しください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError(userID int64) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("ユーザーが見つかりません: %d", userID),
		Category: "validation",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewContactNotFoundError はCRM上にコンタクトが見つからない場合のエラーを生成する。
func NewContactNotFoundError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeContactNotFound,
		Message:  fmt.Sprintf("CRM上にコンタクトが見つかりません: %s", email),
		Category: "crm",
		Action:   "ユーザーをCRMに登録してから再度お試しください。",
	}
}
