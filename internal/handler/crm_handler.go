package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/crmsync/internal/middleware"
	"github.com/hitoshi/crmsync/internal/model"
	"github.com/hitoshi/crmsync/internal/settings"
	"github.com/hitoshi/crmsync/internal/syncengine"
)

// CRMEngine はCRMハンドラーが必要とする同期エンジンのインターフェース。
type CRMEngine interface {
	// Status は接続状態と直近のエラーを返す。
	Status() syncengine.Status
	// Sync はタグとフィールドのカタログを取得し直す。
	Sync(ctx context.Context) (*syncengine.SyncResult, error)
	// TestConnection は認証情報で接続を試し、成功した場合はアクティブなCRMとして保存する。
	TestConnection(ctx context.Context, slug string, creds model.Credentials) error
	// Disconnect はアダプタを破棄する。
	Disconnect()
}

// CRMRegistry は登録済みCRMの照会を提供する。
type CRMRegistry interface {
	Has(slug string) bool
	Slugs() []string
}

// CredentialValidator は認証情報に含まれる接続先URLを検証する。
type CredentialValidator interface {
	ValidateCredentials(creds model.Credentials) error
}

// SnapshotReader は設定のスナップショットを提供する。
type SnapshotReader interface {
	Snapshot() *settings.Snapshot
}

// CRMHandler はCRM接続とカタログのHTTPハンドラー。
type CRMHandler struct {
	engine    CRMEngine
	registry  CRMRegistry
	validator CredentialValidator
	settings  SnapshotReader
	logger    *slog.Logger
}

// NewCRMHandler はCRMHandlerを生成する。
func NewCRMHandler(engine CRMEngine, registry CRMRegistry, validator CredentialValidator, settings SnapshotReader, logger *slog.Logger) *CRMHandler {
	return &CRMHandler{
		engine:    engine,
		registry:  registry,
		validator: validator,
		settings:  settings,
		logger:    logger,
	}
}

// statusResponse は接続状態のAPIレスポンス。
type statusResponse struct {
	State         string   `json:"state"`
	CRM           string   `json:"crm"`
	LastError     string   `json:"last_error,omitempty"`
	AvailableCRMs []string `json:"available_crms"`
	TagCount      int      `json:"tag_count"`
	FieldCount    int      `json:"field_count"`
}

// syncResponse はカタログ同期結果のAPIレスポンス。
type syncResponse struct {
	CRM        string `json:"crm"`
	Tags       int    `json:"tags"`
	Fields     int    `json:"fields"`
	DurationMS int64  `json:"duration_ms"`
}

// testConnectionRequest は接続テストリクエストのボディ。
type testConnectionRequest struct {
	CRM         string            `json:"crm"`
	Credentials model.Credentials `json:"credentials"`
}

// Status は接続状態を返す。
// GET /api/status
func (h *CRMHandler) Status(w http.ResponseWriter, r *http.Request) {
	st := h.engine.Status()
	snap := h.settings.Snapshot()
	middleware.WriteJSON(w, http.StatusOK, statusResponse{
		State:         string(st.State),
		CRM:           st.CRM,
		LastError:     st.LastError,
		AvailableCRMs: h.registry.Slugs(),
		TagCount:      len(snap.AvailableTags),
		FieldCount:    len(snap.CRMFields),
	})
}

// Sync はタグとフィールドのカタログを再取得する。
// POST /api/sync
func (h *CRMHandler) Sync(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Sync(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, syncResponse{
		CRM:        result.CRM,
		Tags:       result.Tags,
		Fields:     result.Fields,
		DurationMS: result.Duration.Milliseconds(),
	})
}

// TestConnection は認証情報で接続を試す。成功した接続はアクティブなCRMになる。
// POST /api/connection/test
func (h *CRMHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	slug := strings.TrimSpace(req.CRM)
	if slug == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("crmを指定してください"))
		return
	}
	if !h.registry.Has(slug) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewUnknownCRMError(slug))
		return
	}
	if err := h.validator.ValidateCredentials(req.Credentials); err != nil {
		h.logger.Warn("接続先URLを拒否しました",
			slog.String("crm", slug),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewSSRFBlockedError())
		return
	}

	if err := h.engine.TestConnection(r.Context(), slug, req.Credentials); err != nil {
		handleServiceError(w, err)
		return
	}
	st := h.engine.Status()
	middleware.WriteJSON(w, http.StatusOK, statusResponse{
		State:         string(st.State),
		CRM:           st.CRM,
		AvailableCRMs: h.registry.Slugs(),
	})
}

// Disconnect はCRMとの接続を切断する。
// DELETE /api/connection
func (h *CRMHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.engine.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

// ListTags は取得済みのタグ一覧を返す。
// GET /api/catalog/tags
func (h *CRMHandler) ListTags(w http.ResponseWriter, r *http.Request) {
	tags := h.settings.Snapshot().AvailableTags
	if tags == nil {
		tags = []model.Tag{}
	}
	middleware.WriteJSON(w, http.StatusOK, tags)
}

// ListFields は取得済みのCRMフィールド一覧を返す。
// GET /api/catalog/fields
func (h *CRMHandler) ListFields(w http.ResponseWriter, r *http.Request) {
	fields := h.settings.Snapshot().CRMFields
	if fields == nil {
		fields = []model.CRMField{}
	}
	middleware.WriteJSON(w, http.StatusOK, fields)
}
