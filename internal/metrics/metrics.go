// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 接続状態ゲージのラベル値。
var knownStates = []string{"disconnected", "connecting", "connected", "syncing", "error"}

// Collector はPrometheusメトリクスを収集する実装。
// crm.Recorderとsyncengine.Recorderを満たす。
type Collector struct {
	crmRequests  *prometheus.CounterVec
	crmLatency   *prometheus.HistogramVec
	reauths      *prometheus.CounterVec
	syncs        *prometheus.CounterVec
	syncDuration prometheus.Histogram
	contactOps   *prometheus.CounterVec
	state        *prometheus.GaugeVec
	logsDeleted  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		crmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_crm_requests_total",
			Help: "CRM APIへのリクエスト数（HTTPステータス別、0は通信エラー）",
		}, []string{"vendor", "status_code"}),
		crmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crmsync_crm_request_duration_seconds",
			Help:    "CRM APIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"vendor"}),
		reauths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_crm_reauth_total",
			Help: "401応答による再認証の回数",
		}, []string{"vendor"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_sync_total",
			Help: "タグとフィールドの同期回数（結果別）",
		}, []string{"vendor", "result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crmsync_sync_duration_seconds",
			Help:    "タグとフィールドの同期にかかった時間（秒）",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		contactOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_contact_operations_total",
			Help: "コンタクト操作の回数（操作と結果別）",
		}, []string{"vendor", "op", "result"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crmsync_connection_state",
			Help: "現在の接続状態（該当する状態が1）",
		}, []string{"state"}),
		logsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_activity_log_deleted_total",
			Help: "削除されたアクティビティログの行数（理由別）",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		c.crmRequests,
		c.crmLatency,
		c.reauths,
		c.syncs,
		c.syncDuration,
		c.contactOps,
		c.state,
		c.logsDeleted,
	)
	c.RecordState("disconnected")

	return c
}

// RecordCRMRequest はCRM APIへのリクエストを記録する。
func (c *Collector) RecordCRMRequest(vendor string, statusCode int, duration time.Duration) {
	c.crmRequests.WithLabelValues(vendor, strconv.Itoa(statusCode)).Inc()
	c.crmLatency.WithLabelValues(vendor).Observe(duration.Seconds())
}

// RecordReauth は再認証を記録する。
func (c *Collector) RecordReauth(vendor string) {
	c.reauths.WithLabelValues(vendor).Inc()
}

// RecordSync は同期の結果を記録する。
func (c *Collector) RecordSync(vendor string, success bool, duration time.Duration) {
	c.syncs.WithLabelValues(vendor, result(success)).Inc()
	c.syncDuration.Observe(duration.Seconds())
}

// RecordContactOp はコンタクト操作の結果を記録する。
func (c *Collector) RecordContactOp(vendor, op string, success bool) {
	c.contactOps.WithLabelValues(vendor, op, result(success)).Inc()
}

// RecordState は現在の接続状態を記録する。
func (c *Collector) RecordState(state string) {
	for _, s := range knownStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.state.WithLabelValues(s).Set(v)
	}
}

// RecordLogsDeleted は削除されたログの行数を記録する。
func (c *Collector) RecordLogsDeleted(reason string, count int64) {
	c.logsDeleted.WithLabelValues(reason).Add(float64(count))
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
