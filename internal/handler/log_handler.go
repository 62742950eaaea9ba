package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/crmsync/internal/middleware"
	"github.com/hitoshi/crmsync/internal/model"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// LogService はログハンドラーが必要とするアクティビティログのインターフェース。
type LogService interface {
	List(ctx context.Context, filter model.LogFilter) ([]model.LogEntry, error)
	Flush(ctx context.Context) error
	Delete(ctx context.Context, ids []int64) (int64, error)
}

// DeletionRecorder はログ削除件数をメトリクスに記録する。
type DeletionRecorder interface {
	RecordLogsDeleted(reason string, count int64)
}

// LogHandler はアクティビティログのHTTPハンドラー。
type LogHandler struct {
	service  LogService
	recorder DeletionRecorder
}

// NewLogHandler はLogHandlerを生成する。recorderはnilでもよい。
func NewLogHandler(service LogService, recorder DeletionRecorder) *LogHandler {
	return &LogHandler{service: service, recorder: recorder}
}

// logEntryResponse はログ1行のAPIレスポンス。
type logEntryResponse struct {
	ID        int64             `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	LevelCode int               `json:"level_code"`
	UserID    int64             `json:"user_id"`
	Source    string            `json:"source"`
	Message   string            `json:"message"`
	Context   *model.LogContext `json:"context,omitempty"`
}

// deleteLogsRequest は一括削除リクエストのボディ。
type deleteLogsRequest struct {
	IDs []int64 `json:"ids"`
}

// deleteLogsResponse は一括削除結果のAPIレスポンス。
type deleteLogsResponse struct {
	Deleted int64 `json:"deleted"`
}

// List はログを新しい順に返す。
// GET /api/logs?level=warning&user_id=1&source=mautic&limit=50&offset=0
func (h *LogHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, apiErr := parseLogFilter(r)
	if apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	entries, err := h.service.List(r.Context(), filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	resp := make([]logEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, logEntryResponse{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			Level:     e.Level.String(),
			LevelCode: int(e.Level),
			UserID:    e.UserID,
			Source:    e.Source,
			Message:   e.Message,
			Context:   e.Context,
		})
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// Flush は全ログを削除する。
// DELETE /api/logs
func (h *LogHandler) Flush(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Flush(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteMany は指定IDのログを削除する。
// POST /api/logs/delete
func (h *LogHandler) DeleteMany(w http.ResponseWriter, r *http.Request) {
	var req deleteLogsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("idsを1つ以上指定してください"))
		return
	}
	n, err := h.service.Delete(r.Context(), req.IDs)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if h.recorder != nil && n > 0 {
		h.recorder.RecordLogsDeleted("manual", n)
	}
	middleware.WriteJSON(w, http.StatusOK, deleteLogsResponse{Deleted: n})
}

// parseLogFilter はクエリパラメータから検索条件を組み立てる。
func parseLogFilter(r *http.Request) (model.LogFilter, *model.APIError) {
	q := r.URL.Query()
	filter := model.LogFilter{
		Source: q.Get("source"),
		Limit:  defaultLogLimit,
	}

	if v := q.Get("level"); v != "" {
		level, err := model.ParseLogLevel(v)
		if err != nil {
			return filter, model.NewInvalidRequestError("levelはinfo, notice, warning, errorのいずれかを指定してください")
		}
		filter.Level = level
	}
	if v := q.Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return filter, model.NewInvalidRequestError("user_idは正の整数で指定してください")
		}
		filter.UserID = id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, model.NewInvalidRequestError("limitは正の整数で指定してください")
		}
		filter.Limit = min(n, maxLogLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, model.NewInvalidRequestError("offsetは0以上の整数で指定してください")
		}
		filter.Offset = n
	}
	return filter, nil
}
