package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/hitoshi/crmsync/internal/middleware"
	"github.com/hitoshi/crmsync/internal/syncengine"
)

// healthCheckTimeout は依存先1つあたりの確認のタイムアウト。
const healthCheckTimeout = 3 * time.Second

// HealthCheck は依存先の疎通を確認する。
type HealthCheck func(ctx context.Context) error

// StateReporter は同期エンジンの接続状態を返す。
type StateReporter interface {
	State() syncengine.State
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
// CRMの接続状態は報告のみで、異常があっても503にはしない。
type HealthHandler struct {
	checks map[string]HealthCheck
	engine StateReporter
	logger *slog.Logger
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(checks map[string]HealthCheck, engine StateReporter, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, engine: engine, logger: logger}
}

// healthResponse はヘルスチェックのAPIレスポンス。
type healthResponse struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks"`
	CRMState string            `json:"crm_state"`
}

// Health は依存先の疎通を確認して結果を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Checks: make(map[string]string, len(h.checks)),
	}
	if h.engine != nil {
		resp.CRMState = string(h.engine.State())
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := h.checks[name](ctx)
		cancel()
		if err != nil {
			h.logger.Warn("ヘルスチェックに失敗しました",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
			resp.Checks[name] = "unavailable"
			resp.Status = "unavailable"
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	middleware.WriteJSON(w, status, resp)
}
