package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/crmsync/internal/crm"
	"github.com/hitoshi/crmsync/internal/middleware"
	"github.com/hitoshi/crmsync/internal/model"
	"github.com/hitoshi/crmsync/internal/syncengine"
)

// maxRequestBodyBytes はJSONリクエストボディの上限。
const maxRequestBodyBytes = 1 << 20

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError は同期エンジンやCRMから返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	switch {
	case errors.Is(err, syncengine.ErrNoActiveCRM), errors.Is(err, syncengine.ErrNotConnected):
		apiErr = model.NewCRMNotConnectedError()
	case errors.Is(err, syncengine.ErrBusy):
		apiErr = model.NewSyncInProgressError()
	case errors.Is(err, syncengine.ErrUserNotFound):
		apiErr = &model.APIError{
			Code:     model.ErrCodeUserNotFound,
			Message:  "ユーザーが見つかりません。",
			Category: "validation",
			Action:   "ユーザーIDを確認してください。",
		}
	case errors.Is(err, syncengine.ErrNoContact):
		apiErr = &model.APIError{
			Code:     model.ErrCodeContactNotFound,
			Message:  "ユーザーに対応するコンタクトがありません。",
			Category: "crm",
			Action:   "再同期を実行してコンタクトを紐付けてください。",
		}
	case crm.IsAuth(err):
		apiErr = model.NewCRMAuthFailedError(crmMessage(err))
	case isCRMError(err):
		apiErr = model.NewCRMRequestFailedError(crmMessage(err))
	}
	if apiErr != nil {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// 分類できないエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidURL, model.ErrCodeInvalidRequest, model.ErrCodeUnknownCRM:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeUserNotFound, model.ErrCodeContactNotFound:
		return http.StatusNotFound
	case model.ErrCodeCRMNotConnected, model.ErrCodeSyncInProgress:
		return http.StatusConflict
	case model.ErrCodeCRMAuthFailed:
		return http.StatusUnprocessableEntity
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeCRMRequestFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func isCRMError(err error) bool {
	_, ok := crm.KindOf(err)
	return ok
}

// crmMessage はCRMエラーの利用者向けメッセージを返す。
func crmMessage(err error) string {
	var ce *crm.Error
	if errors.As(err, &ce) {
		return ce.UserMessage()
	}
	return err.Error()
}

// decodeJSON はリクエストボディをdstにデコードする。未知のフィールドは拒否する。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(fmt.Sprintf("リクエストボディが不正です: %v", err)))
		return false
	}
	return true
}

// userIDParam はURLパスのユーザーIDを解析する。
func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("ユーザーIDは正の整数で指定してください"))
		return 0, false
	}
	return id, true
}
