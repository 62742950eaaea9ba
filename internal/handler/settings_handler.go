package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/crmsync/internal/middleware"
	"github.com/hitoshi/crmsync/internal/model"
	"github.com/hitoshi/crmsync/internal/settings"
)

// SettingsService は設定ハンドラーが必要とする設定サービスのインターフェース。
type SettingsService interface {
	Snapshot() *settings.Snapshot
	SetContactFields(ctx context.Context, defs []model.FieldDefinition) error
	SetLogging(ctx context.Context, enabled, errorsOnly bool) error
}

// SettingsHandler は連携設定のHTTPハンドラー。認証情報は返さない。
type SettingsHandler struct {
	service SettingsService
}

// NewSettingsHandler はSettingsHandlerを生成する。
func NewSettingsHandler(service SettingsService) *SettingsHandler {
	return &SettingsHandler{service: service}
}

// settingsResponse は設定のAPIレスポンス。
type settingsResponse struct {
	ActiveCRM         string                  `json:"active_crm"`
	ContactFields     []model.FieldDefinition `json:"contact_fields"`
	EnableLogging     bool                    `json:"enable_logging"`
	LoggingErrorsOnly bool                    `json:"logging_errors_only"`
}

// loggingRequest はログ設定更新リクエストのボディ。
type loggingRequest struct {
	EnableLogging     bool `json:"enable_logging"`
	LoggingErrorsOnly bool `json:"logging_errors_only"`
}

// contactFieldsRequest はフィールド対応表更新リクエストのボディ。
type contactFieldsRequest struct {
	Fields []model.FieldDefinition `json:"fields"`
}

var knownFieldTypes = map[model.FieldType]bool{
	"":                         true,
	model.FieldTypeText:        true,
	model.FieldTypeDate:        true,
	model.FieldTypeDatepicker:  true,
	model.FieldTypeCountry:     true,
	model.FieldTypeState:       true,
	model.FieldTypeCheckbox:    true,
	model.FieldTypeMultiselect: true,
}

// Get は現在の設定を返す。
// GET /api/settings
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.response())
}

// UpdateLogging はアクティビティログの設定を更新する。
// PUT /api/settings/logging
func (h *SettingsHandler) UpdateLogging(w http.ResponseWriter, r *http.Request) {
	var req loggingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.service.SetLogging(r.Context(), req.EnableLogging, req.LoggingErrorsOnly); err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, h.response())
}

// UpdateContactFields はローカルフィールドとCRMフィールドの対応表を置き換える。
// PUT /api/settings/contact-fields
func (h *SettingsHandler) UpdateContactFields(w http.ResponseWriter, r *http.Request) {
	var req contactFieldsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	seen := make(map[string]bool, len(req.Fields))
	for i := range req.Fields {
		f := &req.Fields[i]
		f.LocalKey = strings.TrimSpace(f.LocalKey)
		f.CRMField = strings.TrimSpace(f.CRMField)
		if f.LocalKey == "" {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(fmt.Sprintf("fields[%d].local_keyを指定してください", i)))
			return
		}
		if seen[f.LocalKey] {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(fmt.Sprintf("local_keyが重複しています: %s", f.LocalKey)))
			return
		}
		seen[f.LocalKey] = true
		if !knownFieldTypes[f.Type] {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(fmt.Sprintf("未対応のフィールド種別です: %s", f.Type)))
			return
		}
		if f.Active && f.CRMField == "" {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(fmt.Sprintf("有効なフィールドにはcrm_fieldが必要です: %s", f.LocalKey)))
			return
		}
	}
	if err := h.service.SetContactFields(r.Context(), req.Fields); err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, h.response())
}

func (h *SettingsHandler) response() settingsResponse {
	snap := h.service.Snapshot()
	fields := snap.ContactFields
	if fields == nil {
		fields = []model.FieldDefinition{}
	}
	return settingsResponse{
		ActiveCRM:         snap.ActiveCRM,
		ContactFields:     fields,
		EnableLogging:     snap.EnableLogging,
		LoggingErrorsOnly: snap.LoggingErrorsOnly,
	}
}
