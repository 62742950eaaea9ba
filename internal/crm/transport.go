package crm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout はCRM呼び出しの既定タイムアウト。
	DefaultTimeout = 30 * time.Second
	// MinTimeout はCRM呼び出しタイムアウトの下限。
	MinTimeout = 20 * time.Second
	// MaxTimeout はCRM呼び出しタイムアウトの上限。
	MaxTimeout = 240 * time.Second

	// maxRawMessageLen はJSONでないエラーボディをメッセージとして使う場合の最大長。
	maxRawMessageLen = 500
)

// ClampTimeout はタイムアウトを20秒から240秒の範囲に収める。
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	default:
		return d
	}
}

// Session はアダプタが保持する認証セッション。
// Transportはリクエストごとに認証情報を適用し、401を受けた場合に1回だけ再認証する。
type Session interface {
	// Apply は認証ヘッダーをリクエストに設定し、リクエスト先のベースURLを返す。
	Apply(req *resty.Request) (baseURL string)
	// Reauthenticate はセッションを再確立する。
	Reauthenticate(ctx context.Context) error
}

// Request はTransportに渡すリクエストの内容。
// Pathが http:// または https:// で始まる場合はベースURLを連結しない。
type Request struct {
	Method string
	Path   string
	Query  map[string]string
	Body   any
	Form   map[string]string

	// Unsupported はエラー応答がCRM側で機能が無効なことを示すかを判定する。
	// trueの場合はKindUnsupportedとして返す。
	Unsupported func(statusCode int, message string) bool
}

// Transport はCRMのREST APIを呼び出す共通基盤。
// レート制限、タイムアウト、401時の再認証と再試行、ステータスの分類、
// エラーメッセージの抽出を担当する。
type Transport struct {
	vendor    string
	client    *resty.Client
	limiter   *rate.Limiter
	recorder  Recorder
	sanitizer Sanitizer
	logger    *slog.Logger
	session   Session
}

// NewTransport はTransportを生成する。sessionがnilの場合は再認証を行わない。
func NewTransport(vendor string, deps Deps, session Session) *Transport {
	deps = deps.WithDefaults()

	client := resty.NewWithClient(deps.HTTPClient).
		SetTimeout(ClampTimeout(deps.Timeout)).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "crmsync/1.0")

	return &Transport{
		vendor:    vendor,
		client:    client,
		limiter:   deps.Limiter,
		recorder:  deps.Recorder,
		sanitizer: deps.Sanitizer,
		logger:    deps.Logger,
		session:   session,
	}
}

// Do はリクエストを送信し、成功時はレスポンスボディをoutにデコードする。
// 401の場合は1回だけ再認証して同じリクエストを再送する。2回目の401は終端エラーとなる。
// タイムアウトや接続エラーは再試行しない。
func (t *Transport) Do(ctx context.Context, op string, req Request, out any) error {
	err := t.send(ctx, op, req, out)
	if err == nil || !IsAuth(err) || t.session == nil {
		return err
	}

	t.recorder.RecordReauth(t.vendor)
	t.logger.Warn("CRMが認証エラーを返したため再認証します",
		slog.String("crm", t.vendor),
		slog.String("op", op),
	)

	if rerr := t.session.Reauthenticate(ctx); rerr != nil {
		if _, ok := KindOf(rerr); ok {
			return rerr
		}
		return &Error{Kind: KindAuth, Vendor: t.vendor, Op: op, Message: rerr.Error(), Err: rerr}
	}

	return t.send(ctx, op, req, out)
}

// send は1回分のリクエストを送信する。
func (t *Transport) send(ctx context.Context, op string, req Request, out any) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return &Error{Kind: KindTransport, Vendor: t.vendor, Op: op, Message: "レート制限の待機が中断されました", Err: err}
	}

	r := t.client.R().SetContext(ctx)

	base := ""
	if t.session != nil {
		base = t.session.Apply(r)
	}
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}
	if req.Body != nil {
		r.SetHeader("Content-Type", "application/json")
		r.SetBody(req.Body)
	}
	if req.Form != nil {
		r.SetFormData(req.Form)
	}

	start := time.Now()
	resp, err := r.Execute(req.Method, joinURL(base, req.Path))
	duration := time.Since(start)

	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode()
	}
	t.recorder.RecordCRMRequest(t.vendor, statusCode, duration)

	if err != nil {
		t.logger.Error("CRMへのリクエストに失敗しました",
			slog.String("crm", t.vendor),
			slog.String("op", op),
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		return &Error{Kind: KindTransport, Vendor: t.vendor, Op: op, Message: err.Error(), Err: err}
	}

	kind, ok := ClassifyStatus(statusCode)
	if ok {
		if out != nil && len(resp.Body()) > 0 {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return &Error{Kind: KindVendor, Vendor: t.vendor, Op: op, Status: resp.Status(), Message: "レスポンスJSONのパースに失敗しました", Err: err}
			}
		}
		return nil
	}

	msg := t.sanitizer.SanitizeMessage(ExtractMessage(resp.Body()))
	if req.Unsupported != nil && req.Unsupported(statusCode, msg) {
		kind = KindUnsupported
	}
	t.logger.Warn("CRMがエラーステータスを返しました",
		slog.String("crm", t.vendor),
		slog.String("op", op),
		slog.Int("http_status", statusCode),
		slog.String("message", msg),
	)
	return &Error{Kind: kind, Vendor: t.vendor, Op: op, Status: resp.Status(), Message: msg}
}

// ClassifyStatus はHTTPステータスコードを分類する。
// 2xxの場合はokがtrue。それ以外はエラーの分類を返す。
func ClassifyStatus(statusCode int) (kind Kind, ok bool) {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return 0, true
	case statusCode == 401:
		return KindAuth, false
	case statusCode == 404:
		return KindNotFound, false
	default:
		return KindVendor, false
	}
}

// ExtractMessage はCRMのエラーレスポンスからメッセージを取り出す。
// 各CRMのエラー形式を順に試し、どれにも当てはまらない場合はボディをそのまま返す。
//   - [{"message": ...}]                 （Salesforce）
//   - {"error_description": ...}         （OAuth）
//   - {"errors": [{"message": ...}]}     （Mautic）
//   - {"errors": [{"title": ...}]}       （ActiveCampaign）
//   - {"message": ...} / {"error": ...}
func ExtractMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var list []map[string]any
	if err := json.Unmarshal(body, &list); err == nil {
		if len(list) > 0 {
			if msg := firstString(list[0], "message", "title", "detail"); msg != "" {
				return msg
			}
		}
		return truncate(trimmed)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return truncate(trimmed)
	}

	if msg := firstString(obj, "error_description"); msg != "" {
		return msg
	}
	if errs, ok := obj["errors"].([]any); ok && len(errs) > 0 {
		if first, ok := errs[0].(map[string]any); ok {
			if msg := firstString(first, "message", "title", "detail"); msg != "" {
				return msg
			}
		}
		if s, ok := errs[0].(string); ok {
			return s
		}
	}
	if msg := firstString(obj, "message", "error"); msg != "" {
		return msg
	}
	if e, ok := obj["error"].(map[string]any); ok {
		if msg := firstString(e, "message"); msg != "" {
			return msg
		}
	}
	return truncate(trimmed)
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func truncate(s string) string {
	if len(s) > maxRawMessageLen {
		return s[:maxRawMessageLen]
	}
	return s
}

func joinURL(base, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") || base == "" {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
