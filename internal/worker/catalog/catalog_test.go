package catalog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/crmsync/internal/syncengine"
)

// --- モック定義 ---

// mockEngine はEngineのモック。
type mockEngine struct {
	stateFunc   func() syncengine.State
	connectFunc func(ctx context.Context) error
	syncFunc    func(ctx context.Context) (*syncengine.SyncResult, error)

	connectCalls atomic.Int32
	syncCalls    atomic.Int32
}

func (m *mockEngine) State() syncengine.State {
	if m.stateFunc != nil {
		return m.stateFunc()
	}
	return syncengine.StateConnected
}

func (m *mockEngine) Connect(ctx context.Context) error {
	m.connectCalls.Add(1)
	if m.connectFunc != nil {
		return m.connectFunc(ctx)
	}
	return nil
}

func (m *mockEngine) Sync(ctx context.Context) (*syncengine.SyncResult, error) {
	m.syncCalls.Add(1)
	if m.syncFunc != nil {
		return m.syncFunc(ctx)
	}
	return &syncengine.SyncResult{CRM: "mautic", Tags: 3, Fields: 5}, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func TestDefaultConfig(t *testing.T) {
	if got := DefaultConfig().Interval; got != time.Hour {
		t.Errorf("Interval = %v, want 1h", got)
	}
	job := NewJob(&mockEngine{}, newTestLogger(&bytes.Buffer{}), Config{})
	if job.config.Interval != time.Hour {
		t.Errorf("0指定時のInterval = %v, want 1h", job.config.Interval)
	}
}

func TestRunOnce_SyncsWhenConnected(t *testing.T) {
	var buf bytes.Buffer
	engine := &mockEngine{}
	job := NewJob(engine, newTestLogger(&buf), DefaultConfig())

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if engine.connectCalls.Load() != 0 {
		t.Error("接続済みの場合はConnectを呼ぶべきではない")
	}
	if engine.syncCalls.Load() != 1 {
		t.Errorf("Sync calls = %d, want 1", engine.syncCalls.Load())
	}
	if !strings.Contains(buf.String(), `"tags":3`) {
		t.Errorf("ログに同期件数が記録されていない: %s", buf.String())
	}
}

func TestRunOnce_ConnectsWhenDisconnected(t *testing.T) {
	var buf bytes.Buffer
	engine := &mockEngine{
		stateFunc: func() syncengine.State { return syncengine.StateDisconnected },
	}
	job := NewJob(engine, newTestLogger(&buf), DefaultConfig())

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if engine.connectCalls.Load() != 1 || engine.syncCalls.Load() != 1 {
		t.Errorf("calls = (connect %d, sync %d), want (1, 1)", engine.connectCalls.Load(), engine.syncCalls.Load())
	}
}

func TestRunOnce_SkipsWithoutActiveCRM(t *testing.T) {
	var buf bytes.Buffer
	engine := &mockEngine{
		stateFunc:   func() syncengine.State { return syncengine.StateDisconnected },
		connectFunc: func(ctx context.Context) error { return syncengine.ErrNoActiveCRM },
	}
	job := NewJob(engine, newTestLogger(&buf), DefaultConfig())

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if engine.syncCalls.Load() != 0 {
		t.Error("CRM未設定でSyncが呼ばれた")
	}
	if job.consecutiveErrors != 0 {
		t.Errorf("consecutiveErrors = %d, want 0", job.consecutiveErrors)
	}
}

func TestRunOnce_BusyIsNotAnError(t *testing.T) {
	var buf bytes.Buffer
	engine := &mockEngine{
		syncFunc: func(ctx context.Context) (*syncengine.SyncResult, error) { return nil, syncengine.ErrBusy },
	}
	job := NewJob(engine, newTestLogger(&buf), DefaultConfig())

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if job.consecutiveErrors != 0 {
		t.Errorf("consecutiveErrors = %d, want 0", job.consecutiveErrors)
	}
}

func TestRunOnce_BackoffAfterConsecutiveErrors(t *testing.T) {
	var buf bytes.Buffer
	syncErr := errors.New("crm unavailable")
	engine := &mockEngine{
		syncFunc: func(ctx context.Context) (*syncengine.SyncResult, error) { return nil, syncErr },
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	job := NewJob(engine, newTestLogger(&buf), DefaultConfig())
	job.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := job.RunOnce(context.Background()); !errors.Is(err, syncErr) {
			t.Fatalf("RunOnce #%d error = %v, want %v", i+1, err, syncErr)
		}
	}
	if want := now.Add(30 * time.Minute); !job.backoffUntil.Equal(want) {
		t.Fatalf("backoffUntil = %v, want %v", job.backoffUntil, want)
	}

	// バックオフ中はSyncを呼ばない
	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("バックオフ中のRunOnce returned error: %v", err)
	}
	if engine.syncCalls.Load() != 3 {
		t.Errorf("Sync calls = %d, want 3", engine.syncCalls.Load())
	}

	// バックオフ明けに成功するとリセットされる
	now = now.Add(31 * time.Minute)
	engine.syncFunc = nil
	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if job.consecutiveErrors != 0 || !job.backoffUntil.IsZero() {
		t.Errorf("成功後にリセットされていない: errors=%d backoffUntil=%v", job.consecutiveErrors, job.backoffUntil)
	}
}

func TestRunOnce_ConnectFailureCountsTowardBackoff(t *testing.T) {
	var buf bytes.Buffer
	engine := &mockEngine{
		stateFunc:   func() syncengine.State { return syncengine.StateDisconnected },
		connectFunc: func(ctx context.Context) error { return errors.New("auth failed") },
	}
	job := NewJob(engine, newTestLogger(&buf), DefaultConfig())

	if err := job.RunOnce(context.Background()); err == nil {
		t.Fatal("接続失敗時はエラーを返すべき")
	}
	if job.consecutiveErrors != 1 {
		t.Errorf("consecutiveErrors = %d, want 1", job.consecutiveErrors)
	}
	if engine.syncCalls.Load() != 0 {
		t.Error("接続失敗後にSyncが呼ばれた")
	}
}

func TestCalculateErrorBackoff(t *testing.T) {
	tests := []struct {
		errors int
		want   time.Duration
	}{
		{1, 0},
		{2, 0},
		{3, 30 * time.Minute},
		{5, time.Hour},
		{9, time.Hour},
		{10, 6 * time.Hour},
	}
	for _, tt := range tests {
		if got := calculateErrorBackoff(tt.errors); got != tt.want {
			t.Errorf("calculateErrorBackoff(%d) = %v, want %v", tt.errors, got, tt.want)
		}
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	engine := &mockEngine{}
	job := NewJob(engine, newTestLogger(&buf), Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for engine.syncCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後に Start が終了しなかった")
	}
	if engine.syncCalls.Load() != 1 {
		t.Errorf("Sync calls = %d, want 1", engine.syncCalls.Load())
	}
}
