package settings

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/crmsync/internal/model"
)

func newTestService(store Store) *Service {
	var buf bytes.Buffer
	return NewService(store, slog.New(slog.NewJSONHandler(&buf, nil)))
}

// failingStore はSetManyが常に失敗するStore。
type failingStore struct {
	*MemoryStore
}

func (f failingStore) SetMany(ctx context.Context, values map[string][]byte) error {
	return errors.New("disk full")
}

func TestService_DefaultsBeforeLoad(t *testing.T) {
	s := newTestService(NewMemoryStore())
	if !s.LoggingEnabled() {
		t.Error("ログは既定で有効であるべきです")
	}
	if s.LoggingErrorsOnly() {
		t.Error("errors-onlyは既定で無効であるべきです")
	}
}

func TestService_PersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := newTestService(store)

	creds := model.Credentials{URL: "https://m.example.com", Username: "u", Password: "p"}
	if err := s.SetActiveCRM(ctx, "mautic", creds); err != nil {
		t.Fatalf("SetActiveCRM returned error: %v", err)
	}
	defs := []model.FieldDefinition{{LocalKey: "first_name", CRMField: "firstname", Active: true}}
	if err := s.SetContactFields(ctx, defs); err != nil {
		t.Fatalf("SetContactFields returned error: %v", err)
	}
	if err := s.SetLogging(ctx, true, true); err != nil {
		t.Fatalf("SetLogging returned error: %v", err)
	}
	tags := []model.Tag{{ID: "1", Label: "VIP"}}
	fields := []model.CRMField{{ID: "email", Label: "Email"}}
	if err := s.ReplaceCatalog(ctx, tags, fields); err != nil {
		t.Fatalf("ReplaceCatalog returned error: %v", err)
	}

	reloaded := newTestService(store)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	snap := reloaded.Snapshot()
	if snap.ActiveCRM != "mautic" || snap.Credentials != creds {
		t.Errorf("crm = %q creds = %+v", snap.ActiveCRM, snap.Credentials)
	}
	if !reflect.DeepEqual(snap.ContactFields, defs) {
		t.Errorf("ContactFields = %v", snap.ContactFields)
	}
	if !reflect.DeepEqual(snap.AvailableTags, tags) || !reflect.DeepEqual(snap.CRMFields, fields) {
		t.Errorf("catalog = %v / %v", snap.AvailableTags, snap.CRMFields)
	}
	if !snap.EnableLogging || !snap.LoggingErrorsOnly {
		t.Errorf("logging = %v / %v", snap.EnableLogging, snap.LoggingErrorsOnly)
	}
}

func TestService_MergeTagsKeepsKnownTags(t *testing.T) {
	ctx := context.Background()
	s := newTestService(NewMemoryStore())
	s.ReplaceCatalog(ctx, []model.Tag{{ID: "1", Label: "VIP"}}, nil)

	if err := s.MergeTags(ctx, []model.Tag{{ID: "1", Label: "renamed"}, {ID: "2", Label: "New"}}); err != nil {
		t.Fatalf("MergeTags returned error: %v", err)
	}
	want := []model.Tag{{ID: "1", Label: "VIP"}, {ID: "2", Label: "New"}}
	if got := s.AvailableTags(); !reflect.DeepEqual(got, want) {
		t.Errorf("tags = %v, want %v", got, want)
	}
}

// TestService_MergeTagsKeepsTagsSyncedByAnotherProcess はワーカーとAPIが
// 同じStoreを共有する構成で、自己修復が同期済みのタグを消さないことを検証する。
func TestService_MergeTagsKeepsTagsSyncedByAnotherProcess(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisStore(client, "test:settings")
		},
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			worker := newTestService(store)
			api := newTestService(store)
			require.NoError(t, worker.Load(ctx))
			require.NoError(t, api.Load(ctx))

			require.NoError(t, worker.ReplaceCatalog(ctx, []model.Tag{{ID: "1", Label: "a"}, {ID: "2", Label: "b"}}, nil))
			require.NoError(t, api.MergeTags(ctx, []model.Tag{{ID: "3", Label: "c"}}))

			want := []model.Tag{{ID: "1", Label: "a"}, {ID: "2", Label: "b"}, {ID: "3", Label: "c"}}
			assert.Equal(t, want, api.AvailableTags(), "APIのスナップショット")

			fresh := newTestService(store)
			require.NoError(t, fresh.Load(ctx))
			assert.Equal(t, want, fresh.AvailableTags(), "保存されたタグキャッシュ")
		})
	}
}

func TestService_ConcurrentMergesAcrossServices(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		s := newTestService(NewRedisStore(client, "test:settings"))
		id := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.MergeTags(ctx, []model.Tag{{ID: id}}))
		}()
	}
	wg.Wait()

	fresh := newTestService(NewRedisStore(client, "test:settings"))
	require.NoError(t, fresh.Load(ctx))
	assert.Len(t, fresh.AvailableTags(), 4)
}

func TestService_RefreshPicksUpOtherWriters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	worker := newTestService(store)
	api := newTestService(store)

	creds := model.Credentials{APIKey: "k"}
	require.NoError(t, api.SetActiveCRM(ctx, "mautic", creds))
	assert.Empty(t, worker.Snapshot().ActiveCRM)

	require.NoError(t, worker.Refresh(ctx))
	assert.Equal(t, "mautic", worker.Snapshot().ActiveCRM)
	assert.Equal(t, creds, worker.Snapshot().Credentials)
}

func TestService_RunRefreshStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemoryStore()
	s := newTestService(store)
	require.NoError(t, newTestService(store).SetLogging(ctx, false, false))

	done := make(chan struct{})
	go func() {
		s.RunRefresh(ctx, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return !s.LoggingEnabled() }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunRefreshがキャンセル後に終了しない")
	}
}

func TestService_SwitchingCRMClearsCatalog(t *testing.T) {
	ctx := context.Background()
	s := newTestService(NewMemoryStore())
	s.SetActiveCRM(ctx, "mautic", model.Credentials{})
	s.ReplaceCatalog(ctx, []model.Tag{{ID: "1"}}, []model.CRMField{{ID: "email"}})

	// 同じCRMの再保存ではキャッシュを保持する
	s.SetActiveCRM(ctx, "mautic", model.Credentials{Username: "x"})
	if len(s.AvailableTags()) != 1 {
		t.Fatalf("tags = %v", s.AvailableTags())
	}

	s.SetActiveCRM(ctx, "salesforce", model.Credentials{})
	if len(s.AvailableTags()) != 0 || len(s.Snapshot().CRMFields) != 0 {
		t.Errorf("catalog not cleared: %+v", s.Snapshot())
	}
}

func TestService_FailedWriteDoesNotPublish(t *testing.T) {
	ctx := context.Background()
	s := newTestService(failingStore{NewMemoryStore()})

	err := s.ReplaceCatalog(ctx, []model.Tag{{ID: "1"}}, []model.CRMField{{ID: "email"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(s.AvailableTags()) != 0 {
		t.Errorf("保存に失敗した値が公開されました: %v", s.AvailableTags())
	}
}

func TestService_ReadersNeverSeePartialCatalog(t *testing.T) {
	ctx := context.Background()
	s := newTestService(NewMemoryStore())

	// タグ数とフィールド数が常に一致するように置き換え続ける
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			tags := make([]model.Tag, i%7)
			fields := make([]model.CRMField, i%7)
			s.ReplaceCatalog(ctx, tags, fields)
		}
	}()

	for i := 0; i < 1000; i++ {
		snap := s.Snapshot()
		if len(snap.AvailableTags) != len(snap.CRMFields) {
			t.Fatalf("部分的な置き換えを観測しました: tags=%d fields=%d", len(snap.AvailableTags), len(snap.CRMFields))
		}
	}
	close(stop)
	wg.Wait()
}

func TestRedisStore_GetAndSetMany(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewRedisStore(client, "")
	ctx := context.Background()

	_, found, err := store.Get(ctx, KeyCRM)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SetMany(ctx, map[string][]byte{
		KeyCRM:           []byte(`"mautic"`),
		KeyEnableLogging: []byte(`false`),
	}))

	v, found, err := store.Get(ctx, KeyCRM)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `"mautic"`, string(v))
	assert.Equal(t, "false", mr.HGet(DefaultRedisHash, KeyEnableLogging))
	require.NoError(t, store.Ping(ctx))
}

func TestRedisStore_BacksService(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	s := newTestService(NewRedisStore(client, "test:settings"))
	require.NoError(t, s.SetLogging(ctx, false, false))

	other := newTestService(NewRedisStore(client, "test:settings"))
	require.NoError(t, other.Load(ctx))
	assert.False(t, other.LoggingEnabled())
}

func TestRedisStore_ConnectionError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	_, _, err := NewRedisStore(client, "").Get(context.Background(), KeyCRM)
	assert.Error(t, err)
}
