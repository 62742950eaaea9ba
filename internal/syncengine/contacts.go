package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/crmsync/internal/crm"
	"github.com/hitoshi/crmsync/internal/model"
)

// EmailField はメールアドレスを表すローカルフィールドID。
const EmailField = "user_email"

// ResyncContact はユーザーのコンタクトIDを検索し直し、タグとリストの所属を
// CRMから取得してローカルのユーザーに保存する。
// 失敗はアクティビティログとslogに記録するだけでエラーは返さない。
// 成功した場合は更新後のユーザーを、失敗した場合はnilを返す。
func (e *Engine) ResyncContact(ctx context.Context, userID int64) *model.User {
	user, err := e.resyncContact(ctx, userID)
	if err != nil {
		level := model.LogLevelError
		if errors.Is(err, ErrNoContact) {
			level = model.LogLevelNotice
		}
		e.logger.Warn("コンタクトの再同期に失敗しました",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		e.logActivity(ctx, level, userID, "コンタクトの再同期に失敗しました", "", map[string]any{"error": userMessage(err)})
		e.markAuthFailure(err)
		return nil
	}
	return user
}

func (e *Engine) resyncContact(ctx context.Context, userID int64) (*model.User, error) {
	// 未接続なら設定済みのCRMへ接続してから再同期する
	if e.State() == StateDisconnected {
		if err := e.Connect(ctx); err != nil {
			return nil, fmt.Errorf("CRMへの接続に失敗しました: %w", err)
		}
	}
	adapter, slug, err := e.current()
	if err != nil {
		return nil, err
	}
	user, err := e.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	contactID, found, err := adapter.GetContactID(ctx, user.Email)
	e.recorder.RecordContactOp(slug, "get_contact_id", err == nil)
	if err != nil {
		return nil, fmt.Errorf("コンタクトIDの検索に失敗しました: %w", err)
	}
	if !found {
		if user.ContactID != "" {
			user.ContactID = ""
			if err := e.users.Update(ctx, user); err != nil {
				return nil, fmt.Errorf("ユーザーの更新に失敗しました: %w", err)
			}
		}
		return nil, ErrNoContact
	}
	user.ContactID = contactID

	tags, err := adapter.GetTags(ctx, contactID)
	e.recorder.RecordContactOp(slug, "get_tags", err == nil)
	if err != nil {
		return nil, fmt.Errorf("タグの取得に失敗しました: %w", err)
	}
	user.Tags = tags

	if lr, ok := adapter.(crm.ListReader); ok {
		lists, err := lr.GetLists(ctx, contactID)
		e.recorder.RecordContactOp(slug, "get_lists", err == nil)
		if err != nil {
			return nil, fmt.Errorf("リストの取得に失敗しました: %w", err)
		}
		user.Lists = lists
	}

	if err := e.users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("ユーザーの更新に失敗しました: %w", err)
	}

	e.logActivity(ctx, model.LogLevelInfo, userID, "コンタクトを再同期しました", slug, map[string]any{
		"contact_id": contactID,
		"tags":       user.Tags,
		"lists":      user.Lists,
	})
	return user, nil
}

// PushUser はローカルユーザーのメタ情報をCRMへ送信する。
// コンタクトが存在しない場合は作成し、コンタクトIDを保存する。
func (e *Engine) PushUser(ctx context.Context, userID int64) (*model.User, error) {
	adapter, slug, err := e.current()
	if err != nil {
		return nil, err
	}
	user, err := e.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]any, len(user.Meta)+1)
	for k, v := range user.Meta {
		fields[k] = v
	}
	fields[EmailField] = user.Email

	if user.ContactID == "" {
		id, found, err := adapter.GetContactID(ctx, user.Email)
		e.recorder.RecordContactOp(slug, "get_contact_id", err == nil)
		if err != nil {
			return nil, e.contactError(ctx, userID, slug, "コンタクトIDの検索に失敗しました", err)
		}
		if found {
			user.ContactID = id
		}
	}

	op, message := "update_contact", "コンタクトを更新しました"
	if user.ContactID == "" {
		op, message = "add_contact", "コンタクトを作成しました"
		id, err := adapter.AddContact(ctx, fields, true)
		e.recorder.RecordContactOp(slug, op, err == nil)
		if err != nil {
			return nil, e.contactError(ctx, userID, slug, "コンタクトの作成に失敗しました", err)
		}
		user.ContactID = id
	} else {
		err := adapter.UpdateContact(ctx, user.ContactID, fields, true)
		e.recorder.RecordContactOp(slug, op, err == nil)
		if err != nil {
			return nil, e.contactError(ctx, userID, slug, "コンタクトの更新に失敗しました", err)
		}
	}

	if err := e.users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("ユーザーの更新に失敗しました: %w", err)
	}

	changes := make(map[string]model.FieldChange, len(fields))
	for k, v := range fields {
		changes[k] = model.FieldChange{New: v}
	}
	e.logContext(ctx, model.LogLevelInfo, userID, message, &model.LogContext{
		Source: slug,
		Fields: changes,
		Data:   map[string]any{"contact_id": user.ContactID},
	})
	return user, nil
}

// PullUser はCRMからコンタクトのフィールドを取得し、ローカルユーザーのメタ情報に反映する。
func (e *Engine) PullUser(ctx context.Context, userID int64) (*model.User, error) {
	adapter, slug, err := e.current()
	if err != nil {
		return nil, err
	}
	user, err := e.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.ContactID == "" {
		return nil, ErrNoContact
	}

	loaded, err := adapter.LoadContact(ctx, user.ContactID)
	e.recorder.RecordContactOp(slug, "load_contact", err == nil)
	if err != nil {
		return nil, e.contactError(ctx, userID, slug, "コンタクトの読み込みに失敗しました", err)
	}

	if user.Meta == nil {
		user.Meta = make(map[string]any, len(loaded))
	}
	changes := make(map[string]model.FieldChange)
	for k, v := range loaded {
		if k == EmailField {
			continue
		}
		old, ok := user.Meta[k]
		if ok && fmt.Sprint(old) == fmt.Sprint(v) {
			continue
		}
		changes[k] = model.FieldChange{Old: old, New: v}
		user.Meta[k] = v
	}

	if len(changes) == 0 {
		return user, nil
	}
	if err := e.users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("ユーザーの更新に失敗しました: %w", err)
	}
	e.logContext(ctx, model.LogLevelInfo, userID, "コンタクトのフィールドを読み込みました", &model.LogContext{
		Source: slug,
		Fields: changes,
	})
	return user, nil
}

// ApplyTags はユーザーのコンタクトにタグを付与し、ローカルのタグ一覧に反映する。
func (e *Engine) ApplyTags(ctx context.Context, userID int64, tags []string) (*model.User, error) {
	return e.changeTags(ctx, userID, tags, nil)
}

// RemoveTags はユーザーのコンタクトからタグを外し、ローカルのタグ一覧に反映する。
func (e *Engine) RemoveTags(ctx context.Context, userID int64, tags []string) (*model.User, error) {
	return e.changeTags(ctx, userID, nil, tags)
}

// SetTags はCRM上の現在のタグとdesiredの差分だけを付与・削除する。
func (e *Engine) SetTags(ctx context.Context, userID int64, desired []string) (*model.User, error) {
	adapter, slug, err := e.current()
	if err != nil {
		return nil, err
	}
	user, err := e.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.ContactID == "" {
		return nil, ErrNoContact
	}

	current, err := adapter.GetTags(ctx, user.ContactID)
	e.recorder.RecordContactOp(slug, "get_tags", err == nil)
	if err != nil {
		return nil, e.contactError(ctx, userID, slug, "タグの取得に失敗しました", err)
	}
	add, remove := crm.Diff(current, desired)
	user.Tags = current
	return e.applyDiff(ctx, adapter, slug, user, add, remove)
}

func (e *Engine) changeTags(ctx context.Context, userID int64, add, remove []string) (*model.User, error) {
	adapter, slug, err := e.current()
	if err != nil {
		return nil, err
	}
	user, err := e.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.ContactID == "" {
		return nil, ErrNoContact
	}
	return e.applyDiff(ctx, adapter, slug, user, add, remove)
}

func (e *Engine) applyDiff(ctx context.Context, adapter crm.Adapter, slug string, user *model.User, add, remove []string) (*model.User, error) {
	if len(add) > 0 {
		err := adapter.ApplyTags(ctx, add, user.ContactID)
		e.recorder.RecordContactOp(slug, "apply_tags", err == nil)
		if err != nil {
			return nil, e.contactError(ctx, user.ID, slug, "タグの付与に失敗しました", err)
		}
	}
	if len(remove) > 0 {
		err := adapter.RemoveTags(ctx, remove, user.ContactID)
		e.recorder.RecordContactOp(slug, "remove_tags", err == nil)
		if err != nil {
			return nil, e.contactError(ctx, user.ID, slug, "タグの削除に失敗しました", err)
		}
	}
	if len(add) == 0 && len(remove) == 0 {
		return user, nil
	}

	next := append(crm.Missing(add, user.Tags), user.Tags...)
	user.Tags = crm.Missing(next, remove)
	sort.Strings(user.Tags)
	if err := e.users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("ユーザーの更新に失敗しました: %w", err)
	}

	e.logActivity(ctx, model.LogLevelInfo, user.ID, "タグを更新しました", slug, map[string]any{
		"applied": add,
		"removed": remove,
	})
	return user, nil
}

// ImportResult はImportByTagの結果。
type ImportResult struct {
	Total    int
	Imported int
	Skipped  int
	Failed   int
}

// ImportByTag は指定タグを持つ全コンタクトを読み込み、メールアドレスをキーに
// ローカルユーザーとして作成または更新する。
// コンタクト一覧の取得に失敗した場合は何も取り込まずにエラーを返す。
// 個々のコンタクトの失敗は記録して続行する。
func (e *Engine) ImportByTag(ctx context.Context, tag string) (*ImportResult, error) {
	adapter, slug, err := e.current()
	if err != nil {
		return nil, err
	}

	ids, err := adapter.LoadContacts(ctx, tag)
	e.recorder.RecordContactOp(slug, "load_contacts", err == nil)
	if err != nil {
		return nil, e.contactError(ctx, 0, slug, "コンタクト一覧の取得に失敗しました", err)
	}

	var imported, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.ImportConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok, err := e.importContact(gctx, adapter, slug, id)
			switch {
			case err != nil:
				failed.Add(1)
				e.logger.Warn("コンタクトの取り込みに失敗しました",
					slog.String("crm", slug),
					slog.String("contact_id", id),
					slog.String("error", err.Error()),
				)
			case !ok:
				skipped.Add(1)
			default:
				imported.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("コンタクトの取り込みが中断されました: %w", err)
	}

	result := &ImportResult{
		Total:    len(ids),
		Imported: int(imported.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
	}
	level := model.LogLevelInfo
	if result.Failed > 0 {
		level = model.LogLevelWarning
	}
	e.logActivity(ctx, level, 0, "タグを持つコンタクトを取り込みました", slug, map[string]any{
		"tag":      tag,
		"total":    result.Total,
		"imported": result.Imported,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
	})
	return result, nil
}

// importContact はコンタクトを1件取り込む。メールアドレスがない場合はfalseを返す。
func (e *Engine) importContact(ctx context.Context, adapter crm.Adapter, slug, contactID string) (bool, error) {
	fields, err := adapter.LoadContact(ctx, contactID)
	e.recorder.RecordContactOp(slug, "load_contact", err == nil)
	if err != nil {
		return false, err
	}
	email, _ := fields[EmailField].(string)
	if email == "" {
		return false, nil
	}

	tags, err := adapter.GetTags(ctx, contactID)
	e.recorder.RecordContactOp(slug, "get_tags", err == nil)
	if err != nil {
		return false, err
	}

	// リストを取得できないCRMではnilのまま渡し、保存済みのリストを保持する
	var lists []string
	if lr, ok := adapter.(crm.ListReader); ok {
		lists, err = lr.GetLists(ctx, contactID)
		e.recorder.RecordContactOp(slug, "get_lists", err == nil)
		if err != nil {
			return false, err
		}
		if lists == nil {
			lists = []string{}
		}
	}

	meta := make(map[string]any, len(fields))
	for k, v := range fields {
		if k != EmailField {
			meta[k] = v
		}
	}
	user := &model.User{Email: email, ContactID: contactID, Tags: tags, Lists: lists, Meta: meta}
	if err := e.users.UpsertByEmail(ctx, user); err != nil {
		return false, fmt.Errorf("ユーザーの保存に失敗しました: %w", err)
	}
	return true, nil
}

func (e *Engine) findUser(ctx context.Context, userID int64) (*model.User, error) {
	user, err := e.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// contactError はCRM呼び出しの失敗を記録し、認証エラーであれば接続状態を更新する。
func (e *Engine) contactError(ctx context.Context, userID int64, slug, message string, err error) error {
	e.logActivity(ctx, model.LogLevelError, userID, message, slug, map[string]any{"error": userMessage(err)})
	e.markAuthFailure(err)
	return fmt.Errorf("%s: %w", message, err)
}

// markAuthFailure は再認証でも回復しなかった認証エラーでアダプタを破棄する。
func (e *Engine) markAuthFailure(err error) {
	if !crm.IsAuth(err) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failLocked(err, e.state)
}
