// Package events はプロセス内のイベントバスを提供する。
// ハンドラはPublishを呼び出したgoroutineで同期的に実行される。
package events

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/crmsync/internal/model"
)

// Type はイベントの種別。
type Type string

const (
	// TypeSyncCompleted はタグとフィールドの同期が完了したことを表す。
	TypeSyncCompleted Type = "sync.completed"
	// TypeLogHandled はアクティビティログが保存される直前に発行される。
	TypeLogHandled Type = "log.handled"
)

// Event はバスに流れるイベント。
type Event struct {
	ID         string
	Type       Type
	OccurredAt time.Time
	Payload    any
}

// SyncCompleted はTypeSyncCompletedのペイロード。
type SyncCompleted struct {
	CRM      string
	Tags     int
	Fields   int
	Duration time.Duration
}

// LogHandled はTypeLogHandledのペイロード。
type LogHandled struct {
	Entry model.LogEntry
}

// Handler はイベントを受け取る。
type Handler func(ctx context.Context, e Event)

type subscription struct {
	id string
	fn Handler
}

// Bus はイベントの購読と発行を仲介する。
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[Type][]subscription
}

// NewBus はBusを生成する。
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger:   logger,
		handlers: make(map[Type][]subscription),
	}
}

// Subscribe はハンドラを登録し、登録解除の関数を返す。
func (b *Bus) Subscribe(t Type, fn Handler) (unsubscribe func()) {
	id := uuid.NewString()

	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[t]
		for i, s := range subs {
			if s.id == id {
				b.handlers[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish はイベントを登録順にハンドラへ配送する。
// ハンドラのpanicは回復してログに記録し、残りのハンドラへの配送を続ける。
func (b *Bus) Publish(ctx context.Context, t Type, payload any) Event {
	e := Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now(),
		Payload:    payload,
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[t]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(ctx, s, e)
	}
	return e
}

func (b *Bus) dispatch(ctx context.Context, s subscription, e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("イベントハンドラでpanicが発生しました",
				slog.String("event", string(e.Type)),
				slog.String("event_id", e.ID),
				slog.String("panic", fmt.Sprintf("%v", rec)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	s.fn(ctx, e)
}
