package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/crmsync/internal/middleware"
	"github.com/hitoshi/crmsync/internal/model"
	"github.com/hitoshi/crmsync/internal/settings"
	"github.com/hitoshi/crmsync/internal/syncengine"
)

const testToken = "test-admin-token"

// --- モック ---

type mockCRMEngine struct {
	statusFn         func() syncengine.Status
	syncFn           func(ctx context.Context) (*syncengine.SyncResult, error)
	testConnectionFn func(ctx context.Context, slug string, creds model.Credentials) error
	disconnected     int
}

func (m *mockCRMEngine) Status() syncengine.Status {
	if m.statusFn != nil {
		return m.statusFn()
	}
	return syncengine.Status{State: syncengine.StateDisconnected}
}

func (m *mockCRMEngine) State() syncengine.State {
	return m.Status().State
}

func (m *mockCRMEngine) Sync(ctx context.Context) (*syncengine.SyncResult, error) {
	if m.syncFn != nil {
		return m.syncFn(ctx)
	}
	return &syncengine.SyncResult{}, nil
}

func (m *mockCRMEngine) TestConnection(ctx context.Context, slug string, creds model.Credentials) error {
	if m.testConnectionFn != nil {
		return m.testConnectionFn(ctx, slug, creds)
	}
	return nil
}

func (m *mockCRMEngine) Disconnect() {
	m.disconnected++
}

type mockRegistry struct {
	slugs []string
}

func (m *mockRegistry) Has(slug string) bool {
	for _, s := range m.slugs {
		if s == slug {
			return true
		}
	}
	return false
}

func (m *mockRegistry) Slugs() []string {
	return m.slugs
}

type mockValidator struct {
	err   error
	calls []model.Credentials
}

func (m *mockValidator) ValidateCredentials(creds model.Credentials) error {
	m.calls = append(m.calls, creds)
	return m.err
}

type mockSettings struct {
	snapshot           *settings.Snapshot
	setContactFieldsFn func(ctx context.Context, defs []model.FieldDefinition) error
	setLoggingFn       func(ctx context.Context, enabled, errorsOnly bool) error
}

func (m *mockSettings) Snapshot() *settings.Snapshot {
	if m.snapshot == nil {
		return &settings.Snapshot{}
	}
	return m.snapshot
}

func (m *mockSettings) SetContactFields(ctx context.Context, defs []model.FieldDefinition) error {
	if m.setContactFieldsFn != nil {
		if err := m.setContactFieldsFn(ctx, defs); err != nil {
			return err
		}
	}
	m.ensure().ContactFields = defs
	return nil
}

func (m *mockSettings) SetLogging(ctx context.Context, enabled, errorsOnly bool) error {
	if m.setLoggingFn != nil {
		if err := m.setLoggingFn(ctx, enabled, errorsOnly); err != nil {
			return err
		}
	}
	snap := m.ensure()
	snap.EnableLogging = enabled
	snap.LoggingErrorsOnly = errorsOnly
	return nil
}

func (m *mockSettings) ensure() *settings.Snapshot {
	if m.snapshot == nil {
		m.snapshot = &settings.Snapshot{}
	}
	return m.snapshot
}

type mockContactEngine struct {
	resyncFn     func(ctx context.Context, userID int64) *model.User
	pushFn       func(ctx context.Context, userID int64) (*model.User, error)
	pullFn       func(ctx context.Context, userID int64) (*model.User, error)
	applyTagsFn  func(ctx context.Context, userID int64, tags []string) (*model.User, error)
	removeTagsFn func(ctx context.Context, userID int64, tags []string) (*model.User, error)
	setTagsFn    func(ctx context.Context, userID int64, tags []string) (*model.User, error)
	importFn     func(ctx context.Context, tag string) (*syncengine.ImportResult, error)
}

func (m *mockContactEngine) ResyncContact(ctx context.Context, userID int64) *model.User {
	if m.resyncFn != nil {
		return m.resyncFn(ctx, userID)
	}
	return nil
}

func (m *mockContactEngine) PushUser(ctx context.Context, userID int64) (*model.User, error) {
	if m.pushFn != nil {
		return m.pushFn(ctx, userID)
	}
	return &model.User{ID: userID}, nil
}

func (m *mockContactEngine) PullUser(ctx context.Context, userID int64) (*model.User, error) {
	if m.pullFn != nil {
		return m.pullFn(ctx, userID)
	}
	return &model.User{ID: userID}, nil
}

func (m *mockContactEngine) ApplyTags(ctx context.Context, userID int64, tags []string) (*model.User, error) {
	if m.applyTagsFn != nil {
		return m.applyTagsFn(ctx, userID, tags)
	}
	return &model.User{ID: userID, Tags: tags}, nil
}

func (m *mockContactEngine) RemoveTags(ctx context.Context, userID int64, tags []string) (*model.User, error) {
	if m.removeTagsFn != nil {
		return m.removeTagsFn(ctx, userID, tags)
	}
	return &model.User{ID: userID}, nil
}

func (m *mockContactEngine) SetTags(ctx context.Context, userID int64, tags []string) (*model.User, error) {
	if m.setTagsFn != nil {
		return m.setTagsFn(ctx, userID, tags)
	}
	return &model.User{ID: userID, Tags: tags}, nil
}

func (m *mockContactEngine) ImportByTag(ctx context.Context, tag string) (*syncengine.ImportResult, error) {
	if m.importFn != nil {
		return m.importFn(ctx, tag)
	}
	return &syncengine.ImportResult{}, nil
}

type mockLogService struct {
	listFn   func(ctx context.Context, filter model.LogFilter) ([]model.LogEntry, error)
	flushFn  func(ctx context.Context) error
	deleteFn func(ctx context.Context, ids []int64) (int64, error)
}

func (m *mockLogService) List(ctx context.Context, filter model.LogFilter) ([]model.LogEntry, error) {
	if m.listFn != nil {
		return m.listFn(ctx, filter)
	}
	return nil, nil
}

func (m *mockLogService) Flush(ctx context.Context) error {
	if m.flushFn != nil {
		return m.flushFn(ctx)
	}
	return nil
}

func (m *mockLogService) Delete(ctx context.Context, ids []int64) (int64, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, ids)
	}
	return int64(len(ids)), nil
}

type mockDeletionRecorder struct {
	reasons []string
	counts  []int64
}

func (m *mockDeletionRecorder) RecordLogsDeleted(reason string, count int64) {
	m.reasons = append(m.reasons, reason)
	m.counts = append(m.counts, count)
}

// --- ヘルパー ---

// testDeps はモックで埋めたRouterDepsを返す。
func testDeps(t *testing.T) *RouterDeps {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)
	engine := &mockCRMEngine{}
	return &RouterDeps{
		AdminToken:    testToken,
		RateLimiter:   rl,
		Logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
		CRMEngine:     engine,
		Registry:      &mockRegistry{slugs: []string{"activecampaign", "mautic", "salesforce"}},
		Validator:     &mockValidator{},
		ContactEngine: &mockContactEngine{},
		Settings:      &mockSettings{},
		Logs:          &mockLogService{},
		LogsRecorder:  &mockDeletionRecorder{},
		StateReporter: engine,
	}
}

// doRequest は管理トークン付きでリクエストを送る。
func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// decodeBody はレスポンスボディをdstにデコードする。
func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(dst); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v\nbody: %s", err, w.Body.String())
	}
}

// assertErrorCode はエラーレスポンスのステータスとコードを検証する。
func assertErrorCode(t *testing.T, w *httptest.ResponseRecorder, wantStatus int, wantCode string) {
	t.Helper()
	if w.Code != wantStatus {
		t.Errorf("status = %d, want %d (body: %s)", w.Code, wantStatus, w.Body.String())
	}
	var body middleware.ErrorResponseBody
	decodeBody(t, w, &body)
	if body.Code != wantCode {
		t.Errorf("code = %q, want %q", body.Code, wantCode)
	}
	if body.Message == "" || body.Action == "" {
		t.Errorf("message/actionが空: %+v", body)
	}
}
