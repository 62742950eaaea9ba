package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// gather は名前とラベルに一致するメトリクスを返す。
func gather(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("%s %v metric not found", name, labels)
	return nil
}

func matchLabels(m *dto.Metric, labels map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range labels {
		if got[k] != v {
			return false
		}
	}
	return true
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordCRMRequest はベンダーとステータス別にリクエスト数が増加することを検証する。
func TestRecordCRMRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCRMRequest("mautic", 200, 10*time.Millisecond)
	c.RecordCRMRequest("mautic", 200, 20*time.Millisecond)
	c.RecordCRMRequest("mautic", 401, 5*time.Millisecond)

	m := gather(t, reg, "crmsync_crm_requests_total", map[string]string{"vendor": "mautic", "status_code": "200"})
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("requests{200} = %v, want 2", v)
	}
	h := gather(t, reg, "crmsync_crm_request_duration_seconds", map[string]string{"vendor": "mautic"})
	if n := h.GetHistogram().GetSampleCount(); n != 3 {
		t.Errorf("latency samples = %d, want 3", n)
	}
}

// TestRecordReauth は再認証回数が増加することを検証する。
func TestRecordReauth(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordReauth("salesforce")

	m := gather(t, reg, "crmsync_crm_reauth_total", map[string]string{"vendor": "salesforce"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("reauth_total = %v, want 1", v)
	}
}

// TestRecordSyncAndContactOp は結果ラベルが正しく付くことを検証する。
func TestRecordSyncAndContactOp(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSync("activecampaign", true, time.Second)
	c.RecordSync("activecampaign", false, time.Second)
	c.RecordContactOp("activecampaign", "apply_tags", false)

	m := gather(t, reg, "crmsync_sync_total", map[string]string{"vendor": "activecampaign", "result": "failure"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("sync_total{failure} = %v, want 1", v)
	}
	m = gather(t, reg, "crmsync_contact_operations_total", map[string]string{"op": "apply_tags", "result": "failure"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("contact_operations_total = %v, want 1", v)
	}
}

// TestRecordState は現在の状態だけが1になることを検証する。
func TestRecordState(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordState("connected")

	tests := []struct {
		state string
		want  float64
	}{
		{"connected", 1},
		{"disconnected", 0},
		{"error", 0},
	}
	for _, tt := range tests {
		m := gather(t, reg, "crmsync_connection_state", map[string]string{"state": tt.state})
		if v := m.GetGauge().GetValue(); v != tt.want {
			t.Errorf("state{%s} = %v, want %v", tt.state, v, tt.want)
		}
	}
}

// TestRecordLogsDeleted は削除行数が理由別に加算されることを検証する。
func TestRecordLogsDeleted(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogsDeleted("retention", 40)
	c.RecordLogsDeleted("retention", 2)

	m := gather(t, reg, "crmsync_activity_log_deleted_total", map[string]string{"reason": "retention"})
	if v := m.GetCounter().GetValue(); v != 42 {
		t.Errorf("deleted_total = %v, want 42", v)
	}
}
