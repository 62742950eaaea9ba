// Package syncengine はアクティブなCRMアダプタの接続状態を管理し、
// カタログ同期とユーザー単位の同期操作を提供する。
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/crmsync/internal/crm"
	"github.com/hitoshi/crmsync/internal/events"
	"github.com/hitoshi/crmsync/internal/model"
	"github.com/hitoshi/crmsync/internal/repository"
	"github.com/hitoshi/crmsync/internal/settings"
)

// State はエンジンの接続状態。
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateSyncing      State = "syncing"
	StateError        State = "error"
)

var (
	// ErrNoActiveCRM はアクティブなCRMが設定されていないことを表す。
	ErrNoActiveCRM = errors.New("アクティブなCRMが設定されていません")
	// ErrNotConnected は接続済みでない状態で操作が呼ばれたことを表す。
	ErrNotConnected = errors.New("CRMに接続されていません")
	// ErrBusy は接続処理または同期処理がすでに実行中であることを表す。
	ErrBusy = errors.New("接続処理または同期処理を実行中です")
	// ErrUserNotFound はローカルユーザーが存在しないことを表す。
	ErrUserNotFound = errors.New("ユーザーが見つかりません")
	// ErrNoContact はユーザーに対応するCRMコンタクトが存在しないことを表す。
	ErrNoContact = errors.New("ユーザーに対応するコンタクトがありません")
)

// SettingsService はエンジンが参照・更新する設定。
type SettingsService interface {
	crm.Catalog
	Snapshot() *settings.Snapshot
	Refresh(ctx context.Context) error
	ReplaceCatalog(ctx context.Context, tags []model.Tag, fields []model.CRMField) error
	SetActiveCRM(ctx context.Context, slug string, creds model.Credentials) error
}

// ActivityLogger はアクティビティログへの記録を行う。
type ActivityLogger interface {
	Handle(ctx context.Context, level model.LogLevel, userID int64, message string, lc *model.LogContext) error
}

// Recorder は同期処理のメトリクスを記録する。
type Recorder interface {
	RecordSync(vendor string, success bool, duration time.Duration)
	RecordContactOp(vendor, op string, success bool)
	RecordState(state string)
}

// Options はEngineの動作設定。
type Options struct {
	// ImportConcurrency はImportByTagでLoadContactを同時に実行する数。0以下の場合は4。
	ImportConcurrency int
	// OnStateChange は状態遷移のたびにロックを保持したまま呼ばれる。
	// Engineのメソッドを呼び出してはならない。
	OnStateChange func(from, to State)
}

// SyncResult は同期結果。
type SyncResult struct {
	CRM      string
	Tags     int
	Fields   int
	Duration time.Duration
}

// Status はエンジンの現在の状態。
type Status struct {
	State     State
	CRM       string
	LastError string
}

// Engine はアクティブなCRMアダプタを保持し、同期操作を仲介する。
type Engine struct {
	registry *crm.Registry
	deps     crm.Deps
	settings SettingsService
	users    repository.UserRepository
	activity ActivityLogger
	bus      *events.Bus
	recorder Recorder
	opts     Options
	logger   *slog.Logger

	mu      sync.RWMutex
	state   State
	adapter crm.Adapter
	slug    string
	creds   model.Credentials
	lastErr string
}

// New はEngineを生成する。depsのCatalogとLoggerはsettingsとloggerで上書きされる。
// bus、recorderはnilでもよい。
func New(
	registry *crm.Registry,
	deps crm.Deps,
	settingsSvc SettingsService,
	users repository.UserRepository,
	activity ActivityLogger,
	bus *events.Bus,
	recorder Recorder,
	opts Options,
	logger *slog.Logger,
) *Engine {
	if opts.ImportConcurrency <= 0 {
		opts.ImportConcurrency = 4
	}
	deps.Catalog = settingsSvc
	deps.Logger = logger
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Engine{
		registry: registry,
		deps:     deps,
		settings: settingsSvc,
		users:    users,
		activity: activity,
		bus:      bus,
		recorder: recorder,
		opts:     opts,
		logger:   logger,
		state:    StateDisconnected,
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordSync(string, bool, time.Duration) {}
func (nopRecorder) RecordContactOp(string, string, bool)   {}
func (nopRecorder) RecordState(string)                     {}

// Status は現在の状態を返す。
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{State: e.state, CRM: e.slug, LastError: e.lastErr}
}

// State は現在の状態を返す。
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// setStateLocked はe.muを保持した状態で呼び出す。
func (e *Engine) setStateLocked(to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	e.recorder.RecordState(string(to))
	e.logger.Info("CRM接続状態が変化しました",
		slog.String("crm", e.slug),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	if e.opts.OnStateChange != nil {
		e.opts.OnStateChange(from, to)
	}
}

// failLocked は失敗を記録して状態を戻す。
// 認証エラーはerrorを経由してdisconnectedへ、それ以外はfallbackへ遷移する。
func (e *Engine) failLocked(err error, fallback State) {
	e.lastErr = userMessage(err)
	if crm.IsAuth(err) {
		e.setStateLocked(StateError)
		e.adapter = nil
		e.setStateLocked(StateDisconnected)
		return
	}
	e.setStateLocked(fallback)
}

// Connect は設定からアクティブなCRMと認証情報を読み込み、アダプタを接続する。
// 他のプロセスが保存した設定を使うため、接続前に設定を再読み込みする。
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.settings.Refresh(ctx); err != nil {
		return fmt.Errorf("設定の再読み込みに失敗しました: %w", err)
	}
	snap := e.settings.Snapshot()
	if snap.ActiveCRM == "" {
		return ErrNoActiveCRM
	}
	return e.connect(ctx, snap.ActiveCRM, snap.Credentials, false)
}

// TestConnection は指定の認証情報で接続を試み、成功した場合は
// CRMと認証情報を設定に保存してアクティブなアダプタとする。
func (e *Engine) TestConnection(ctx context.Context, slug string, creds model.Credentials) error {
	return e.connect(ctx, slug, creds, true)
}

func (e *Engine) connect(ctx context.Context, slug string, creds model.Credentials, persist bool) error {
	e.mu.Lock()
	if e.state == StateConnecting || e.state == StateSyncing {
		e.mu.Unlock()
		return ErrBusy
	}
	prevState := e.state
	prevSlug := e.slug
	e.slug = slug
	e.setStateLocked(StateConnecting)
	e.mu.Unlock()

	adapter, err := e.registry.New(slug, e.deps)
	if err == nil {
		err = adapter.Connect(ctx, creds)
	}
	if err == nil && persist {
		err = e.settings.SetActiveCRM(ctx, slug, creds)
	}

	if err != nil {
		e.logger.Error("CRMへの接続に失敗しました",
			slog.String("crm", slug),
			slog.String("error", err.Error()),
		)
		e.logActivity(ctx, model.LogLevelError, 0, "CRMへの接続に失敗しました", slug, map[string]any{"error": userMessage(err)})

		e.mu.Lock()
		defer e.mu.Unlock()
		if persist && e.adapter != nil {
			// 接続中のアダプタは失敗した試行の影響を受けない
			e.slug = prevSlug
			e.lastErr = userMessage(err)
			e.setStateLocked(prevState)
			return err
		}
		e.adapter = nil
		e.failLocked(err, StateDisconnected)
		return err
	}

	e.mu.Lock()
	e.adapter = adapter
	e.creds = creds
	e.lastErr = ""
	e.setStateLocked(StateConnected)
	e.mu.Unlock()

	e.logActivity(ctx, model.LogLevelInfo, 0, "CRMに接続しました", slug, nil)
	return nil
}

// Disconnect はアダプタを破棄してdisconnectedへ遷移する。
func (e *Engine) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapter = nil
	e.setStateLocked(StateDisconnected)
}

// current は接続済みのアダプタを返す。
func (e *Engine) current() (crm.Adapter, string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.adapter == nil || (e.state != StateConnected && e.state != StateSyncing) {
		return nil, "", ErrNotConnected
	}
	return e.adapter, e.slug, nil
}

// Sync はタグとフィールドの一覧をCRMから取得し、両方成功した場合だけ
// 設定のキャッシュを置き換えて同期完了イベントを発行する。
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	if err := e.reconnectIfChanged(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.state == StateSyncing || e.state == StateConnecting {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	if e.state != StateConnected || e.adapter == nil {
		e.mu.Unlock()
		return nil, ErrNotConnected
	}
	adapter, slug := e.adapter, e.slug
	e.setStateLocked(StateSyncing)
	e.mu.Unlock()

	start := time.Now()
	tags, fields, err := e.fetchCatalog(ctx, adapter)
	if err == nil {
		err = e.settings.ReplaceCatalog(ctx, tags, fields)
	}
	duration := time.Since(start)
	e.recorder.RecordSync(slug, err == nil, duration)

	e.mu.Lock()
	if err != nil {
		e.failLocked(err, StateConnected)
		e.mu.Unlock()
		e.logger.Error("CRMの同期に失敗しました",
			slog.String("crm", slug),
			slog.String("error", err.Error()),
		)
		e.logActivity(ctx, model.LogLevelError, 0, "CRMの同期に失敗しました", slug, map[string]any{"error": userMessage(err)})
		return nil, err
	}
	e.lastErr = ""
	e.setStateLocked(StateConnected)
	e.mu.Unlock()

	result := &SyncResult{CRM: slug, Tags: len(tags), Fields: len(fields), Duration: duration}
	e.logger.Info("CRMの同期が完了しました",
		slog.String("crm", slug),
		slog.Int("tags", result.Tags),
		slog.Int("fields", result.Fields),
		slog.Duration("duration", duration),
	)
	e.logActivity(ctx, model.LogLevelInfo, 0, "タグとフィールドを同期しました", slug, map[string]any{
		"tags":   result.Tags,
		"fields": result.Fields,
	})
	if e.bus != nil {
		e.bus.Publish(ctx, events.TypeSyncCompleted, events.SyncCompleted{
			CRM:      slug,
			Tags:     result.Tags,
			Fields:   result.Fields,
			Duration: duration,
		})
	}
	return result, nil
}

// reconnectIfChanged は接続中のCRMや認証情報が設定と食い違っていれば接続し直す。
// 管理APIで保存された認証情報をワーカーが取り込むのはこの時点。
func (e *Engine) reconnectIfChanged(ctx context.Context) error {
	if err := e.settings.Refresh(ctx); err != nil {
		return fmt.Errorf("設定の再読み込みに失敗しました: %w", err)
	}
	snap := e.settings.Snapshot()

	e.mu.RLock()
	stale := e.adapter != nil && e.state == StateConnected &&
		(snap.ActiveCRM != e.slug || snap.Credentials != e.creds)
	e.mu.RUnlock()
	if !stale {
		return nil
	}

	e.logger.Info("CRMの設定が変更されたため再接続します", slog.String("crm", snap.ActiveCRM))
	if snap.ActiveCRM == "" {
		e.Disconnect()
		return ErrNoActiveCRM
	}
	return e.connect(ctx, snap.ActiveCRM, snap.Credentials, false)
}

func (e *Engine) fetchCatalog(ctx context.Context, adapter crm.Adapter) ([]model.Tag, []model.CRMField, error) {
	tags, err := adapter.SyncTags(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("タグの同期に失敗しました: %w", err)
	}
	fields, err := adapter.SyncFields(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("フィールドの同期に失敗しました: %w", err)
	}
	return tags, fields, nil
}

// logActivity はアクティビティログに記録する。記録の失敗はslogにだけ残す。
func (e *Engine) logActivity(ctx context.Context, level model.LogLevel, userID int64, message, source string, data map[string]any) {
	e.logContext(ctx, level, userID, message, &model.LogContext{Source: source, Data: data})
}

func (e *Engine) logContext(ctx context.Context, level model.LogLevel, userID int64, message string, lc *model.LogContext) {
	if e.activity == nil {
		return
	}
	if err := e.activity.Handle(ctx, level, userID, message, lc); err != nil {
		e.logger.Warn("アクティビティログの記録に失敗しました",
			slog.String("message", message),
			slog.String("error", err.Error()),
		)
	}
}

// userMessage はCRMエラーであれば利用者向けのメッセージを返す。
func userMessage(err error) string {
	var ce *crm.Error
	if errors.As(err, &ce) {
		return ce.UserMessage()
	}
	return err.Error()
}
